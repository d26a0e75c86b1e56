package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	kafkax "github.com/ariefcatur/go-storefront-settlement/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
)

type NotificationRequested struct {
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Vars      map[string]any `json:"vars"`
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) error
}

// KafkaSender hands notifications to the notifier service instead of mailing
// them in-process.
type KafkaSender struct {
	Producer Publisher
	Service  string
}

func (s *KafkaSender) Send(ctx context.Context, recipient, templateKey string, vars map[string]any) error {
	orderID, _ := vars["OrderID"].(string)
	env := kafkax.Envelope{
		EventID:       uuid.NewString(),
		EventType:     kafkax.EventNotificationRequested,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Service,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(NotificationRequested{Recipient: recipient, Template: templateKey, Vars: vars}),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return s.Producer.Publish(kafkax.PartitionKey(orderID), kafkax.MustMarshal(env),
		kafkago.Header{Key: kafkax.HeaderEventType, Value: []byte(kafkax.EventNotificationRequested)},
		kafkago.Header{Key: kafkax.HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	)
}

type Deduper interface {
	Seen(ctx context.Context, id string) bool
	Mark(ctx context.Context, id string)
}

// Relay consumes NotificationRequested events and delivers them through Sender.
type Relay struct {
	Sender Sender
	Dedup  Deduper
}

// Handle returns an error only for failures worth a retry; the consumer retries
// the message in place before committing past it.
func (r *Relay) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		log.Printf("notifier: offset=%d: %v, skipped", m.Offset, err)
		return nil
	}
	if env.EventType != kafkax.EventNotificationRequested {
		return nil
	}
	if r.Dedup != nil && r.Dedup.Seen(ctx, env.EventID) {
		return nil
	}
	req, err := kafkax.UnwrapPayload[NotificationRequested](env.Payload)
	if err != nil {
		log.Printf("notifier: event=%s: %v, skipped", env.EventID, err)
		return nil
	}

	err = r.Sender.Send(ctx, req.Recipient, req.Template, req.Vars)
	switch {
	case err == nil:
		log.Printf("notifier: event=%s order=%s template=%s sent", env.EventID, env.CorrelationID, req.Template)
	case errors.Is(err, ErrUnknownTemplate), errors.Is(err, ErrNotConfigured):
		log.Printf("notifier: event=%s order=%s: %v, skipped", env.EventID, env.CorrelationID, err)
	default:
		return fmt.Errorf("event %s: %w", env.EventID, err)
	}
	if r.Dedup != nil {
		r.Dedup.Mark(ctx, env.EventID)
	}
	return nil
}
