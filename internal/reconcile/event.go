package reconcile

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/ariefcatur/go-storefront-settlement/internal/payment"
)

type Kind int

const (
	KindUnrecognized Kind = iota
	KindPayment
	KindOrder
)

func (k Kind) String() string {
	switch k {
	case KindPayment:
		return "payment"
	case KindOrder:
		return "order"
	default:
		return "unrecognized"
	}
}

// Event is a provider notification decoded once at the boundary. ID is the
// provider's payment id for KindPayment and its order id for KindOrder.
type Event struct {
	Kind Kind
	ID   string
}

// providerTestID is sent by the provider's "test your webhook" button.
const providerTestID = "123456"

type notification struct {
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	Resource string `json:"resource"`
	Data     struct {
		ID payment.ID `json:"id"`
	} `json:"data"`
}

// ParseNotification never fails: anything it cannot classify is KindUnrecognized.
func ParseNotification(body []byte, query url.Values) Event {
	ev, _ := DecodeNotification(body, query)
	return ev
}

// DecodeNotification is ParseNotification with the reason a delivery was not
// classified. Errors wrap apperr.ErrMalformedNotification; the provider's test
// delivery is unrecognized without an error.
func DecodeNotification(body []byte, query url.Values) (Event, error) {
	var n notification
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			return Event{}, fmt.Errorf("%w: body: %v", apperr.ErrMalformedNotification, err)
		}
	}

	kind := n.Type
	id := string(n.Data.ID)
	if kind == "" {
		// legacy IPN: topic + id in the query string or a resource URL in the body
		kind = n.Topic
		if kind == "" {
			kind = query.Get("topic")
		}
		if kind == "" {
			kind = query.Get("type")
		}
	}
	if id == "" {
		id = query.Get("data.id")
	}
	if id == "" {
		id = query.Get("id")
	}
	if id == "" && n.Resource != "" {
		id = resourceID(n.Resource)
	}

	id = strings.TrimSpace(id)
	if id == providerTestID {
		return Event{}, nil
	}
	if id == "" {
		return Event{}, fmt.Errorf("%w: missing id", apperr.ErrMalformedNotification)
	}
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "payment":
		return Event{Kind: KindPayment, ID: id}, nil
	case "merchant_order":
		return Event{Kind: KindOrder, ID: id}, nil
	default:
		return Event{}, fmt.Errorf("%w: unsupported type %q", apperr.ErrMalformedNotification, k)
	}
}

func resourceID(resource string) string {
	if u, err := url.Parse(resource); err == nil && u.Path != "" {
		resource = u.Path
	}
	id := path.Base(strings.TrimRight(resource, "/"))
	if id == "." || id == "/" {
		return ""
	}
	return id
}
