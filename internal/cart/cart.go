// Package cart holds the session-scoped shopping cart. Checkout reads it once as a
// snapshot and clears it after the order is committed.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/ariefcatur/go-storefront-settlement/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type Line struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Snapshot is what checkout needs from a cart.
type Snapshot interface {
	Read(ctx context.Context) ([]Line, error)
	Clear(ctx context.Context) error
}

type Store struct {
	RDB *redis.Client
	TTL time.Duration
}

func (s *Store) Session(id string) *Session {
	return &Session{rdb: s.RDB, ttl: s.TTL, key: fmt.Sprintf(redisx.KeyCart, id)}
}

type Session struct {
	rdb *redis.Client
	ttl time.Duration
	key string
}

func (c *Session) Read(ctx context.Context) ([]Line, error) {
	return read(ctx, c.rdb, c.key)
}

func (c *Session) Clear(ctx context.Context) error {
	return c.rdb.Del(ctx, c.key).Err()
}

// Add merges l into the cart. available is the product's current stock.
func (c *Session) Add(ctx context.Context, l Line, available int) ([]Line, error) {
	return c.update(ctx, func(lines []Line) ([]Line, error) { return merge(lines, l, available) })
}

func (c *Session) Remove(ctx context.Context, productID int64) ([]Line, error) {
	return c.update(ctx, func(lines []Line) ([]Line, error) { return remove(lines, productID), nil })
}

func (c *Session) update(ctx context.Context, fn func([]Line) ([]Line, error)) ([]Line, error) {
	var out []Line
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		lines, err := read(ctx, tx, c.key)
		if err != nil {
			return err
		}
		if out, err = fn(lines); err != nil {
			return err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if len(out) == 0 {
				p.Del(ctx, c.key)
				return nil
			}
			p.Set(ctx, c.key, b, c.ttl)
			return nil
		})
		return err
	}, c.key)
	return out, err
}

func read(ctx context.Context, rdb redis.Cmdable, key string) ([]Line, error) {
	b, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lines []Line
	if err := json.Unmarshal(b, &lines); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return lines, nil
}

func merge(lines []Line, l Line, available int) ([]Line, error) {
	if l.Quantity <= 0 {
		return nil, apperr.ErrInvalidQuantity
	}
	out := append([]Line(nil), lines...)
	for i := range out {
		if out[i].ProductID != l.ProductID {
			continue
		}
		if out[i].Quantity+l.Quantity > available {
			return nil, &apperr.InsufficientStockError{Product: l.Name, Requested: out[i].Quantity + l.Quantity, Available: available}
		}
		out[i].Quantity += l.Quantity
		return out, nil
	}
	if l.Quantity > available {
		return nil, &apperr.InsufficientStockError{Product: l.Name, Requested: l.Quantity, Available: available}
	}
	return append(out, l), nil
}

func remove(lines []Line, productID int64) []Line {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if l.ProductID != productID {
			out = append(out, l)
		}
	}
	return out
}
