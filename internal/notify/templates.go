package notify

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html"
	"html/template"
	"strings"

	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
)

const TemplateOrderSettled = "order_settled"

var ErrUnknownTemplate = errors.New("notify: unknown template")

//go:embed templates/*.html
var templateFS embed.FS

// Templates renders the embedded mail templates. Each key defines a body template
// named key and a subject template named key + ".subject".
type Templates struct {
	t *template.Template
}

func LoadTemplates() (*Templates, error) {
	t, err := template.New("mail").Option("missingkey=error").ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse mail templates: %w", err)
	}
	return &Templates{t: t}, nil
}

func (t *Templates) Render(key string, vars map[string]any) (subject, body string, err error) {
	if t.t.Lookup(key) == nil || t.t.Lookup(key+".subject") == nil {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTemplate, key)
	}
	var sb, bb bytes.Buffer
	if err := t.t.ExecuteTemplate(&sb, key+".subject", vars); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", key, err)
	}
	if err := t.t.ExecuteTemplate(&bb, key, vars); err != nil {
		return "", "", fmt.Errorf("render %s: %w", key, err)
	}
	return html.UnescapeString(strings.TrimSpace(sb.String())), bb.String(), nil
}

// OrderVars is the variable set of the order_settled template. It only holds
// strings, numbers and slices of maps so it survives a JSON round trip unchanged.
func OrderVars(o *orders.Order) map[string]any {
	lines := make([]any, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, map[string]any{
			"Name":      l.Name,
			"Quantity":  l.Quantity,
			"UnitPrice": l.UnitPrice.StringFixed(2),
			"Subtotal":  l.Subtotal().StringFixed(2),
		})
	}
	return map[string]any{
		"OrderID":   o.ID,
		"PaymentID": o.PaymentID,
		"Total":     o.Total.StringFixed(2),
		"Currency":  o.Currency,
		"Message":   o.Status.DisplayMessage(),
		"Lines":     lines,
	}
}
