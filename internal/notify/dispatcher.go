// Package notify sends best-effort mail after an order settles. Nothing here can
// fail or delay the settlement itself.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"golang.org/x/sync/errgroup"
)

type job struct {
	orderID   string
	recipient string
	template  string
	vars      map[string]any
}

// Dispatcher queues notifications on a bounded channel drained by Run's workers.
type Dispatcher struct {
	sender  Sender
	jobs    chan job
	workers int
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewDispatcher(s Sender, queue, workers int, m *metrics.Metrics) *Dispatcher {
	if queue <= 0 {
		queue = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{sender: s, jobs: make(chan job, queue), workers: workers, timeout: 15 * time.Second, metrics: m}
}

// Notify enqueues the settlement mail for o and returns immediately. A full
// queue drops the mail.
func (d *Dispatcher) Notify(_ context.Context, o *orders.Order) {
	if o == nil {
		return
	}
	if o.Email == "" {
		log.Printf("notify: order=%s has no recipient, skipped", o.ID)
		d.metrics.Notified("skipped")
		return
	}
	j := job{orderID: o.ID, recipient: o.Email, template: TemplateOrderSettled, vars: OrderVars(o)}
	select {
	case d.jobs <- j:
	default:
		log.Printf("notify: queue full, dropped order=%s", o.ID)
		d.metrics.Notified("dropped")
	}
}

// Run sends queued notifications until ctx is done, then flushes what is
// already queued with a detached context.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-d.jobs:
					d.send(context.WithoutCancel(gctx), j)
				}
			}
		})
	}
	err := g.Wait()

	flush := context.WithoutCancel(ctx)
	for {
		select {
		case j := <-d.jobs:
			d.send(flush, j)
		default:
			return err
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.Send(ctx, j.recipient, j.template, j.vars); err != nil {
		log.Printf("notify: order=%s template=%s: %v", j.orderID, j.template, err)
		d.metrics.Notified("failed")
		return
	}
	d.metrics.Notified("sent")
}
