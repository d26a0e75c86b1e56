package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const HeaderUserRole = "X-User-Role"

type Ledger interface {
	GetStock(ctx context.Context, productID int64) (int, error)
	AdjustStock(ctx context.Context, productID int64, delta int) error
}

// StockHandler serves back-office restocks. Settlement takes stock on its own path.
type StockHandler struct {
	Ledger Ledger
}

type stockResp struct {
	ProductID int64 `json:"product_id"`
	Stock     int   `json:"stock"`
}

func (h *StockHandler) Register(r chi.Router) {
	r.Route("/admin/products/{productID}/stock", func(r chi.Router) {
		r.Use(requireRole("admin"))
		r.Get("/", h.get)
		r.Post("/", h.adjust)
	})
}

func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(HeaderUserRole) != role {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Kind: "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		badRequest(w, "invalid product id")
		return 0, false
	}
	return id, true
}

func (h *StockHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	stock, err := h.Ledger.GetStock(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stockResp{ProductID: id, Stock: stock})
}

func (h *StockHandler) adjust(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	var req struct {
		Delta int `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Delta == 0 {
		badRequest(w, "delta must be a non-zero integer")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Ledger.AdjustStock(ctx, id, req.Delta); err != nil {
		writeError(w, r, err)
		return
	}
	stock, err := h.Ledger.GetStock(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stockResp{ProductID: id, Stock: stock})
}
