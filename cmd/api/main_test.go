package main

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/notify"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, recipient, _ string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recipient)
	return nil
}

// drainingServer settles an order while Shutdown drains, like a webhook still in flight.
type drainingServer struct {
	closed     chan struct{}
	onShutdown func()
}

func (s *drainingServer) ListenAndServe() error {
	<-s.closed
	return http.ErrServerClosed
}

func (s *drainingServer) Shutdown(context.Context) error {
	time.Sleep(50 * time.Millisecond)
	s.onShutdown()
	close(s.closed)
	return nil
}

func TestServeFlushesMailQueuedDuringDrain(t *testing.T) {
	sender := &recordingSender{}
	d := notify.NewDispatcher(sender, 4, 1, nil)
	o := orders.NewOrder("u-1", "buyer@example.com", "COP", []orders.Line{
		{ProductID: 7, Name: "Mug", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")},
	})
	o.Status = orders.StatusSettled
	srv := &drainingServer{closed: make(chan struct{}), onShutdown: func() { d.Notify(context.Background(), o) }}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, serve(ctx, srv, d))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, []string{"buyer@example.com"}, sender.sent)
}
