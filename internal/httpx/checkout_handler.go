package httpx

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/ariefcatur/go-storefront-settlement/internal/cart"
	"github.com/ariefcatur/go-storefront-settlement/internal/checkout"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/payment"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Confirmer interface {
	Confirm(ctx context.Context, c cart.Snapshot, cust checkout.Customer) (checkout.Result, error)
}

type StatusQuerier interface {
	QueryStatus(ctx context.Context, paymentID string) (payment.Status, error)
}

type CheckoutHandler struct {
	Checkout Confirmer
	Sessions SessionFunc
	Orders   OrderReader
	// Payments is optional; it only enriches the return pages.
	Payments StatusQuerier
}

type returnResp struct {
	OrderID       string          `json:"order_id"`
	Status        orders.Status   `json:"status"`
	Message       string          `json:"message"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	PaymentStatus payment.Status  `json:"payment_status,omitempty"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.confirm)
	r.Get("/checkout/{result:success|pending|failure}", h.returned)
}

func customer(r *http.Request) (checkout.Customer, error) {
	c := checkout.Customer{ID: r.Header.Get(HeaderUserID), Email: r.Header.Get(HeaderUserEmail)}
	if c.ID == "" {
		return c, apperr.ErrUnauthenticated
	}
	return c, nil
}

func (h *CheckoutHandler) confirm(w http.ResponseWriter, r *http.Request) {
	cust, err := customer(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sid := r.Header.Get(HeaderSessionID)
	if sid == "" {
		badRequest(w, "missing "+HeaderSessionID)
		return
	}

	res, err := h.Checkout.Confirm(r.Context(), h.Sessions(sid), cust)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// returned backs the provider's back URLs. It never changes order state: only
// reconciliation does that.
func (h *CheckoutHandler) returned(w http.ResponseWriter, r *http.Request) {
	cust, err := customer(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	orderID := r.URL.Query().Get("external_reference")
	if orderID == "" {
		badRequest(w, "missing external_reference")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Get(ctx, orderID)
	if err == nil && o.UserID != cust.ID {
		err = orders.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := returnResp{OrderID: o.ID, Status: o.Status, Message: o.Status.DisplayMessage(), Total: o.Total, Currency: o.Currency}
	if pid := r.URL.Query().Get("payment_id"); pid != "" && h.Payments != nil {
		if st, err := h.Payments.QueryStatus(ctx, pid); err == nil {
			resp.PaymentStatus = st
		}
	}

	if chi.URLParam(r, "result") == "success" {
		if sid := r.Header.Get(HeaderSessionID); sid != "" {
			if err := h.Sessions(sid).Clear(ctx); err != nil {
				log.Printf("checkout return: clear cart order=%s: %v", o.ID, err)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
