package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/ariefcatur/go-storefront-settlement/internal/cart"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// Cart is one session's cart.
type Cart interface {
	cart.Snapshot
	Add(ctx context.Context, l cart.Line, available int) ([]cart.Line, error)
	Remove(ctx context.Context, productID int64) ([]cart.Line, error)
}

type SessionFunc func(sessionID string) Cart

type Catalog interface {
	Product(ctx context.Context, productID int64) (*orders.Product, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

type CartHandler struct {
	Sessions SessionFunc
	Catalog  Catalog
}

type addItemReq struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type cartResp struct {
	Lines []cart.Line     `json:"lines"`
	Total decimal.Decimal `json:"total"`
}

type productResp struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

func (h *CartHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Get("/cart", h.get)
	r.Post("/cart/items", h.addItem)
	r.Delete("/cart/items/{productID}", h.removeItem)
	r.Delete("/cart", h.clear)
}

func (h *CartHandler) session(w http.ResponseWriter, r *http.Request) (Cart, bool) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		badRequest(w, "missing "+HeaderSessionID)
		return nil, false
	}
	return h.Sessions(id), true
}

func (h *CartHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Catalog.ListProducts(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]productResp, 0, len(ps))
	for _, p := range ps {
		out = append(out, productResp{ID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CartHandler) get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	lines, err := c.Read(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(lines))
}

// addItem prices the line from the catalog, never from the request.
func (h *CartHandler) addItem(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	var req addItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, r, apperr.ErrInvalidQuantity)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Catalog.Product(ctx, req.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lines, err := c.Add(ctx, cart.Line{ProductID: p.ID, Name: p.Name, Quantity: req.Quantity, UnitPrice: p.Price}, p.Stock)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(lines))
}

func (h *CartHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		badRequest(w, "invalid product id")
		return
	}
	lines, err := c.Remove(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(lines))
}

func (h *CartHandler) clear(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := c.Clear(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toCartResp(lines []cart.Line) cartResp {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	if lines == nil {
		lines = []cart.Line{}
	}
	return cartResp{Lines: lines, Total: total.Round(2)}
}
