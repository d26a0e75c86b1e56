package notify

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"
)

func settledOrder() *orders.Order {
	o := orders.NewOrder("u-1", "buyer@example.com", "COP", []orders.Line{
		{ProductID: 7, Name: "Mug <large>", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
	})
	o.Status = orders.StatusSettled
	o.PaymentID = "900"
	return o
}

func mustTemplates(t *testing.T) *Templates {
	t.Helper()
	tpl, err := LoadTemplates()
	require.NoError(t, err)
	return tpl
}

func TestRenderOrderSettled(t *testing.T) {
	o := settledOrder()

	subject, body, err := mustTemplates(t).Render(TemplateOrderSettled, OrderVars(o))

	require.NoError(t, err)
	assert.Equal(t, "Payment confirmed - Order #"+o.ID, subject)
	assert.Contains(t, body, "Mug &lt;large&gt;")
	assert.Contains(t, body, "20.00 COP")
	assert.Contains(t, body, "Payment reference: 900")
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, _, err := mustTemplates(t).Render("password_reset", nil)

	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func msgBody(t *testing.T, m *gomail.Msg) string {
	t.Helper()
	parts := m.GetParts()
	require.Len(t, parts, 1)
	b, err := parts[0].GetContent()
	require.NoError(t, err)
	return string(b)
}

func TestSMTPSender(t *testing.T) {
	var got *gomail.Msg
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example", Port: 587, Username: "u", Password: "p", From: "shop@example.com", SenderName: "Shop"}, mustTemplates(t))
	s.deliver = func(_ context.Context, m *gomail.Msg) error {
		got = m
		return nil
	}

	err := s.Send(context.Background(), "Buyer <buyer@example.com>", TemplateOrderSettled, OrderVars(settledOrder()))

	require.NoError(t, err)
	require.NotNil(t, got)
	rcpts, err := got.GetRecipients()
	require.NoError(t, err)
	assert.Equal(t, []string{"buyer@example.com"}, rcpts)
	assert.Equal(t, []string{`"Shop" <shop@example.com>`}, got.GetFromString())
	assert.True(t, strings.HasPrefix(got.GetGenHeader(gomail.HeaderSubject)[0], "Payment confirmed"))
	assert.True(t, strings.HasPrefix(msgBody(t, got), "<!DOCTYPE html>"))
}

func TestSMTPSenderErrors(t *testing.T) {
	tpl := mustTemplates(t)

	err := NewSMTPSender(SMTPConfig{}, tpl).Send(context.Background(), "a@b.c", TemplateOrderSettled, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	s := NewSMTPSender(SMTPConfig{Host: "smtp.example", Port: 25, From: "shop@example.com"}, tpl)
	s.deliver = func(context.Context, *gomail.Msg) error { return errors.New("connection refused") }
	err = s.Send(context.Background(), "a@b.c", TemplateOrderSettled, OrderVars(settledOrder()))
	assert.ErrorContains(t, err, "connection refused")

	err = s.Send(context.Background(), "not an address", TemplateOrderSettled, OrderVars(settledOrder()))
	assert.Error(t, err)
}

// silentServer accepts connections and never sends a greeting.
func silentServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSMTPSenderStopsAtDeadline(t *testing.T) {
	port := silentServer(t)
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: port, From: "shop@example.com"}, mustTemplates(t))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, "buyer@example.com", TemplateOrderSettled, OrderVars(settledOrder()))

	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDispatcherShutdownWithHungServer(t *testing.T) {
	port := silentServer(t)
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: port, From: "shop@example.com"}, mustTemplates(t))
	d := NewDispatcher(s, 4, 1, nil)
	d.timeout = 200 * time.Millisecond
	d.Notify(context.Background(), settledOrder())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) Send(_ context.Context, recipient, _ string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, recipient)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestDispatcherSends(t *testing.T) {
	s := &recordingSender{}
	d := NewDispatcher(s, 4, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Notify(context.Background(), settledOrder())
	d.Notify(context.Background(), settledOrder())

	assert.Eventually(t, func() bool { return s.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	d := NewDispatcher(&recordingSender{}, 1, 1, m)

	// no workers running: the second notification finds the queue full
	d.Notify(context.Background(), settledOrder())
	d.Notify(context.Background(), settledOrder())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("dropped")))
}

func TestDispatcherFlushesOnShutdown(t *testing.T) {
	s := &recordingSender{}
	d := NewDispatcher(s, 4, 1, nil)
	d.Notify(context.Background(), settledOrder())
	d.Notify(context.Background(), settledOrder())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, 2, s.count())
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	d := NewDispatcher(&recordingSender{err: errors.New("smtp down")}, 4, 1, m)

	o := settledOrder()
	d.Notify(context.Background(), o)
	o.Email = ""
	d.Notify(context.Background(), o)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("skipped")))
}

type memPublisher struct {
	msgs []kafkago.Message
}

func (p *memPublisher) Publish(key, value []byte, headers ...kafkago.Header) error {
	p.msgs = append(p.msgs, kafkago.Message{Key: key, Value: value, Headers: headers})
	return nil
}

type memDedup map[string]bool

func (d memDedup) Seen(_ context.Context, id string) bool { return d[id] }
func (d memDedup) Mark(_ context.Context, id string)      { d[id] = true }

func TestKafkaSenderRelay(t *testing.T) {
	pub := &memPublisher{}
	o := settledOrder()
	ks := &KafkaSender{Producer: pub, Service: "storefront-api"}

	require.NoError(t, ks.Send(context.Background(), o.Email, TemplateOrderSettled, OrderVars(o)))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, o.ID, string(pub.msgs[0].Key))

	var captured *gomail.Msg
	smtpSender := NewSMTPSender(SMTPConfig{Host: "smtp.example", Port: 25, From: "shop@example.com"}, mustTemplates(t))
	smtpSender.deliver = func(_ context.Context, m *gomail.Msg) error {
		captured = m
		return nil
	}
	dedup := memDedup{}
	relay := &Relay{Sender: smtpSender, Dedup: dedup}

	require.NoError(t, relay.Handle(context.Background(), pub.msgs[0]))
	require.NotNil(t, captured)
	assert.Contains(t, msgBody(t, captured), "20.00 COP")
	assert.Contains(t, msgBody(t, captured), "Mug &lt;large&gt;")

	captured = nil
	require.NoError(t, relay.Handle(context.Background(), pub.msgs[0]))
	assert.Nil(t, captured, "a redelivered event is not mailed twice")
}

func TestRelayRetriesTransportErrors(t *testing.T) {
	pub := &memPublisher{}
	o := settledOrder()
	require.NoError(t, (&KafkaSender{Producer: pub}).Send(context.Background(), o.Email, TemplateOrderSettled, OrderVars(o)))

	dedup := memDedup{}
	relay := &Relay{Sender: &recordingSender{err: errors.New("smtp down")}, Dedup: dedup}
	assert.Error(t, relay.Handle(context.Background(), pub.msgs[0]))
	assert.Empty(t, dedup)

	relay.Sender = &recordingSender{err: ErrUnknownTemplate}
	assert.NoError(t, relay.Handle(context.Background(), pub.msgs[0]))

	assert.NoError(t, relay.Handle(context.Background(), kafkago.Message{Value: []byte("not json")}))
}
