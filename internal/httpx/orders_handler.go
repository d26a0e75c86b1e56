package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/go-chi/chi/v5"
)

type OrderReader interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	GetOrderStatus(ctx context.Context, orderID string) (orders.StatusView, error)
	ListByUser(ctx context.Context, userID string) ([]orders.Order, error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (string, bool)
	Set(ctx context.Context, orderID, body string)
}

type OrdersHandler struct {
	Repo OrderReader
	// Cache is optional.
	Cache StatusCache
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	cust, err := customer(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Repo.ListByUser(ctx, cust.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// getOrder serves the caller's order status from Redis when warm and falls back
// to the database. Orders of other users answer 404.
func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	cust, err := customer(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var v orders.StatusView
	cached := false
	if h.Cache != nil {
		if s, ok := h.Cache.Get(ctx, orderID); ok {
			cached = json.Unmarshal([]byte(s), &v) == nil && v.UserID != ""
		}
	}
	if !cached {
		if v, err = h.Repo.GetOrderStatus(ctx, orderID); err != nil {
			writeError(w, r, err)
			return
		}
		if h.Cache != nil {
			b, _ := json.Marshal(v)
			h.Cache.Set(ctx, orderID, string(b))
		}
	}

	if v.UserID != cust.ID {
		writeError(w, r, orders.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]orders.Status{"status": v.Status})
}
