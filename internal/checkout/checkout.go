// Package checkout turns a cart snapshot into a pending order and a payment offer.
//
// Stock is validated here but only taken when the payment settles; nothing is
// reserved, so a rejected or abandoned order needs no compensation.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/ariefcatur/go-storefront-settlement/internal/cart"
	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/payment"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Store interface {
	Place(ctx context.Context, o *orders.Order, confirm orders.ConfirmFunc) error
}

type IntentCreator interface {
	CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error)
}

// Customer is the authenticated caller, resolved upstream.
type Customer struct {
	ID    string
	Email string
}

type Result struct {
	OrderID     string          `json:"order_id"`
	RedirectURL string          `json:"redirect_url"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
}

type Orchestrator struct {
	Store    Store
	Gateway  IntentCreator
	Currency string
	Metrics  *metrics.Metrics
}

// Confirm places the order and requests a payment intent in one unit of work.
// If the intent cannot be created the order is rolled back. The cart is cleared
// only after the commit.
func (o *Orchestrator) Confirm(ctx context.Context, c cart.Snapshot, cust Customer) (res Result, err error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "checkout.confirm")
	defer func() {
		o.Metrics.Checkout(apperr.Kind(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.Kind(err))
		}
		span.End()
	}()

	if cust.ID == "" {
		return Result{}, apperr.ErrUnauthenticated
	}
	snapshot, err := c.Read(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read cart: %w", err)
	}
	lines, err := toLines(snapshot)
	if err != nil {
		return Result{}, err
	}

	order := orders.NewOrder(cust.ID, cust.Email, o.Currency, lines)
	span.SetAttributes(
		attribute.String("order_id", order.ID),
		attribute.String("total", order.Total.StringFixed(2)),
		attribute.Int("lines", len(order.Lines)),
	)

	var intent payment.Intent
	err = o.Store.Place(ctx, order, func(ctx context.Context, ord *orders.Order) (string, error) {
		in, err := o.Gateway.CreateIntent(ctx, payment.IntentRequest{
			OrderID:    ord.ID,
			Amount:     ord.Total,
			Currency:   ord.Currency,
			PayerEmail: ord.Email,
		})
		if err != nil {
			if !errors.Is(err, apperr.ErrGatewayUnavailable) {
				err = fmt.Errorf("%w: %w", apperr.ErrGatewayUnavailable, err)
			}
			return "", err
		}
		intent = in
		return in.IntentID, nil
	})
	if err != nil {
		log.Printf("checkout failed user=%s order=%s kind=%s err=%v", cust.ID, order.ID, apperr.Kind(err), err)
		return Result{}, fmt.Errorf("checkout: %w", err)
	}

	if err := c.Clear(ctx); err != nil {
		log.Printf("checkout: clear cart user=%s order=%s: %v", cust.ID, order.ID, err)
	}
	log.Printf("checkout ok user=%s order=%s total=%s intent=%s", cust.ID, order.ID, order.Total.StringFixed(2), intent.IntentID)

	return Result{
		OrderID:     order.ID,
		RedirectURL: intent.RedirectURL,
		Total:       order.Total,
		Currency:    order.Currency,
	}, nil
}

func toLines(snapshot []cart.Line) ([]orders.Line, error) {
	if len(snapshot) == 0 {
		return nil, apperr.ErrEmptyCart
	}
	lines := make([]orders.Line, 0, len(snapshot))
	for _, l := range snapshot {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("product %d: %w", l.ProductID, apperr.ErrInvalidQuantity)
		}
		if l.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("product %d: negative price: %w", l.ProductID, apperr.ErrInvalidQuantity)
		}
		lines = append(lines, orders.Line{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}
	return lines, nil
}
