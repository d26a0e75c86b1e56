// Package orderstest provides an in-memory order store and stock ledger with the
// same transition rules as the Postgres repositories, for use in tests.
package orderstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu       sync.Mutex
	products map[int64]*orders.Product
	orders   map[string]*orders.Order
	moved    map[string]bool

	// SettleErr and RejectErr, when set, fail the mutation before anything changes.
	SettleErr error
	RejectErr error
}

func New() *Store {
	return &Store{
		products: map[int64]*orders.Product{},
		orders:   map[string]*orders.Order{},
		moved:    map[string]bool{},
	}
}

func (s *Store) AddProduct(id int64, name, price string, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[id] = &orders.Product{ID: id, Name: name, Price: decimal.RequireFromString(price), Stock: stock}
}

func (s *Store) SetPrice(id int64, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[id].Price = decimal.RequireFromString(price)
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Seed inserts an order directly, bypassing stock validation.
func (s *Store) Seed(o *orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = clone(o)
}

func (s *Store) Place(ctx context.Context, o *orders.Order, confirm orders.ConfirmFunc) error {
	s.mu.Lock()
	for _, q := range orders.Quantities(o.Lines) {
		p, ok := s.products[q.ProductID]
		if !ok {
			s.mu.Unlock()
			return &apperr.InsufficientStockError{Product: q.Name, Requested: q.Qty}
		}
		if p.Stock < q.Qty {
			s.mu.Unlock()
			return &apperr.InsufficientStockError{Product: p.Name, Requested: q.Qty, Available: p.Stock}
		}
	}
	s.mu.Unlock()

	intentID, err := confirm(ctx, o)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o.IntentID = intentID
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *Store) Get(_ context.Context, orderID string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return clone(o), nil
}

func (s *Store) GetOrderStatus(ctx context.Context, orderID string) (orders.StatusView, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return orders.StatusView{}, err
	}
	return orders.StatusView{Status: o.Status, UserID: o.UserID}, nil
}

func (s *Store) ListByUser(_ context.Context, userID string) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Settle(_ context.Context, orderID, paymentID string) (*orders.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SettleErr != nil {
		return nil, s.SettleErr
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	if !orders.CanTransition(o.Status, orders.StatusSettled) {
		return nil, orders.ErrAlreadyFinal
	}

	var shortfalls []orders.Shortfall
	for _, q := range orders.Quantities(o.Lines) {
		key := fmt.Sprintf("%s/%d", orderID, q.ProductID)
		if s.moved[key] {
			continue
		}
		s.moved[key] = true
		stock := 0
		if p, ok := s.products[q.ProductID]; ok {
			stock = p.Stock
		}
		taken := min(stock, q.Qty)
		if p, ok := s.products[q.ProductID]; ok {
			p.Stock -= taken
		}
		if taken < q.Qty {
			shortfalls = append(shortfalls, orders.Shortfall{ProductID: q.ProductID, Requested: q.Qty, Taken: taken})
		}
	}
	o.Status = orders.StatusSettled
	o.PaymentID = paymentID
	o.UpdatedAt = time.Now().UTC()
	return &orders.Settlement{Order: clone(o), Shortfalls: shortfalls}, nil
}

func (s *Store) Reject(_ context.Context, orderID, paymentID string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RejectErr != nil {
		return nil, s.RejectErr
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	if !orders.CanTransition(o.Status, orders.StatusRejected) {
		return nil, orders.ErrAlreadyFinal
	}
	o.Status = orders.StatusRejected
	o.PaymentID = paymentID
	o.UpdatedAt = time.Now().UTC()
	return clone(o), nil
}

func (s *Store) Product(_ context.Context, productID int64) (*orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, orders.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetStock(_ context.Context, productID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return 0, orders.ErrProductNotFound
	}
	return p.Stock, nil
}

func (s *Store) AdjustStock(_ context.Context, productID int64, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return orders.ErrProductNotFound
	}
	if p.Stock+delta < 0 {
		return orders.ErrStockConflict
	}
	p.Stock += delta
	return nil
}

func clone(o *orders.Order) *orders.Order {
	cp := *o
	cp.Lines = append([]orders.Line(nil), o.Lines...)
	return &cp
}
