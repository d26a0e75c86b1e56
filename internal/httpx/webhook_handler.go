package httpx

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/ariefcatur/go-storefront-settlement/internal/reconcile"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 64 << 10

type Reconciler interface {
	Reconcile(ctx context.Context, ev reconcile.Event) reconcile.Result
}

type WebhookHandler struct {
	Engine Reconciler
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhook-mp", h.receive)
	r.Post("/webhooks/payments", h.receive)
}

// receive acknowledges every delivery it could read. A non-2xx answer makes the
// provider retry indefinitely, so outcomes are logged, never returned.
func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Printf("webhook: read body: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ev, err := reconcile.DecodeNotification(body, r.URL.Query())
	switch {
	case err != nil:
		log.Printf("webhook: dropped kind=%s query=%q: %v", apperr.Kind(err), r.URL.RawQuery, err)
	case ev.Kind == reconcile.KindUnrecognized:
		log.Printf("webhook: provider test notification acknowledged")
	default:
		// a provider that hangs up must not abort a settlement halfway
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
		h.Engine.Reconcile(ctx, ev)
		cancel()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
