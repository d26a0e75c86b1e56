// Package reconcile applies the payment provider's settlement verdicts to orders.
//
// Every notification is re-checked against the provider before anything is
// mutated, and every delivery converges on the same idempotency gate, so the
// provider may send the same settlement any number of times in any order.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/payment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Outcome string

const (
	OutcomeDropped        Outcome = "dropped"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeGatewayError   Outcome = "gateway_error"
	OutcomeOrderNotFound  Outcome = "order_not_found"
	OutcomeAlreadyFinal   Outcome = "already_final"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeSettled        Outcome = "settled"
	OutcomeRejected       Outcome = "rejected"
	OutcomeStillPending   Outcome = "still_pending"
	OutcomeStoreError     Outcome = "store_error"
)

// Final reports whether no later delivery of the same payment can change anything.
func (o Outcome) Final() bool {
	switch o {
	case OutcomeSettled, OutcomeRejected, OutcomeAlreadyFinal:
		return true
	}
	return false
}

type Result struct {
	Outcome   Outcome
	OrderID   string
	PaymentID string
	Err       error
}

type Store interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	Settle(ctx context.Context, orderID, paymentID string) (*orders.Settlement, error)
	Reject(ctx context.Context, orderID, paymentID string) (*orders.Order, error)
}

type Gateway interface {
	GetPayment(ctx context.Context, paymentID string) (payment.Payment, error)
	GetOrderPayments(ctx context.Context, providerOrderID string) ([]payment.Payment, error)
}

type Notifier interface {
	Notify(ctx context.Context, o *orders.Order)
}

type Deduper interface {
	Seen(ctx context.Context, id string) bool
	Mark(ctx context.Context, id string)
}

type StatusCache interface {
	Set(ctx context.Context, orderID, body string)
}

// Engine is safe for concurrent use. Notifier, Dedup, Cache and Metrics are optional.
type Engine struct {
	Orders   Store
	Gateway  Gateway
	Notifier Notifier
	Dedup    Deduper
	Cache    StatusCache
	Metrics  *metrics.Metrics
	// Timeout bounds each provider call so a slow provider cannot hold up the ack.
	Timeout time.Duration
}

// Reconcile never returns an error: the outcome is informational and the caller
// acknowledges the delivery regardless.
func (e *Engine) Reconcile(ctx context.Context, ev Event) (res Result) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.notification")
	span.SetAttributes(attribute.String("event.kind", ev.Kind.String()), attribute.String("event.id", ev.ID))
	defer func() {
		span.SetAttributes(
			attribute.String("outcome", string(res.Outcome)),
			attribute.String("order_id", res.OrderID),
			attribute.String("payment_id", res.PaymentID),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(res.Outcome))
		}
		span.End()
		e.Metrics.Reconciled(string(res.Outcome))
		log.Printf("reconcile kind=%s id=%s outcome=%s order=%s payment=%s err=%v",
			ev.Kind, ev.ID, res.Outcome, res.OrderID, res.PaymentID, res.Err)
	}()

	if ev.Kind == KindUnrecognized {
		return Result{Outcome: OutcomeDropped}
	}

	paymentID, err := e.resolvePayment(ctx, ev)
	if err != nil {
		return Result{Outcome: OutcomeGatewayError, Err: err}
	}
	if paymentID == "" {
		return Result{Outcome: OutcomeDropped}
	}
	if e.Dedup != nil && e.Dedup.Seen(ctx, paymentID) {
		return Result{Outcome: OutcomeDuplicate, PaymentID: paymentID}
	}

	res = e.apply(ctx, paymentID)
	if res.Outcome.Final() && e.Dedup != nil {
		e.Dedup.Mark(ctx, paymentID)
	}
	return res
}

// resolvePayment maps either event kind onto a single provider payment id.
// An empty id with a nil error means there is nothing to reconcile.
func (e *Engine) resolvePayment(ctx context.Context, ev Event) (string, error) {
	switch ev.Kind {
	case KindPayment:
		return ev.ID, nil
	case KindOrder:
		gctx, cancel := e.gatewayContext(ctx)
		defer cancel()
		ps, err := e.Gateway.GetOrderPayments(gctx, ev.ID)
		if errors.Is(err, payment.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("provider order %s: %w", ev.ID, err)
		}
		p, ok := payment.Latest(ps)
		if !ok {
			return "", nil
		}
		return string(p.ID), nil
	default:
		return "", nil
	}
}

func (e *Engine) apply(ctx context.Context, paymentID string) Result {
	res := Result{PaymentID: paymentID}

	// the provider is queried before any transaction is opened
	gctx, cancel := e.gatewayContext(ctx)
	p, err := e.Gateway.GetPayment(gctx, paymentID)
	cancel()
	if errors.Is(err, payment.ErrNotFound) {
		res.Outcome = OutcomeDropped
		return res
	}
	if err != nil {
		res.Outcome, res.Err = OutcomeGatewayError, fmt.Errorf("payment %s: %w", paymentID, err)
		return res
	}

	res.OrderID = p.ExternalReference
	if res.OrderID == "" {
		res.Outcome = OutcomeOrderNotFound
		return res
	}
	order, err := e.Orders.Get(ctx, res.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		res.Outcome = OutcomeOrderNotFound
		return res
	}
	if err != nil {
		res.Outcome, res.Err = OutcomeStoreError, err
		return res
	}
	if order.Status.Terminal() {
		res.Outcome = OutcomeAlreadyFinal
		return res
	}

	switch p.Status() {
	case payment.StatusApproved:
		if err := matchAmount(order, p); err != nil {
			res.Outcome, res.Err = OutcomeAmountMismatch, err
			return res
		}
		st, err := e.Orders.Settle(ctx, order.ID, paymentID)
		if err != nil {
			return e.storeFailure(res, err)
		}
		for _, sf := range st.Shortfalls {
			log.Printf("reconcile: stock shortfall order=%s product=%d requested=%d taken=%d",
				order.ID, sf.ProductID, sf.Requested, sf.Taken)
		}
		e.Metrics.Shortfall(len(st.Shortfalls))
		e.cacheStatus(ctx, st.Order)
		if e.Notifier != nil {
			e.Notifier.Notify(ctx, st.Order)
		}
		res.Outcome = OutcomeSettled
	case payment.StatusRejected:
		o, err := e.Orders.Reject(ctx, order.ID, paymentID)
		if err != nil {
			return e.storeFailure(res, err)
		}
		e.cacheStatus(ctx, o)
		res.Outcome = OutcomeRejected
	default:
		res.Outcome = OutcomeStillPending
	}
	return res
}

// storeFailure classifies a failed mutation. Losing the race to a concurrent
// delivery is success; anything else left the order untouched.
func (e *Engine) storeFailure(res Result, err error) Result {
	switch {
	case errors.Is(err, orders.ErrAlreadyFinal):
		res.Outcome = OutcomeAlreadyFinal
	case errors.Is(err, orders.ErrNotFound):
		res.Outcome = OutcomeOrderNotFound
	default:
		res.Outcome, res.Err = OutcomeStoreError, err
	}
	return res
}

func (e *Engine) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.Timeout)
}

func (e *Engine) cacheStatus(ctx context.Context, o *orders.Order) {
	if e.Cache == nil || o == nil {
		return
	}
	b, _ := json.Marshal(orders.StatusView{Status: o.Status, UserID: o.UserID})
	e.Cache.Set(ctx, o.ID, string(b))
}

func matchAmount(o *orders.Order, p payment.Payment) error {
	if !p.Amount.Equal(o.Total) {
		return fmt.Errorf("payment %s amount %s does not match order total %s", p.ID, p.Amount.String(), o.Total.StringFixed(2))
	}
	if p.Currency != "" && o.Currency != "" && p.Currency != o.Currency {
		return fmt.Errorf("payment %s currency %s does not match order currency %s", p.ID, p.Currency, o.Currency)
	}
	return nil
}
