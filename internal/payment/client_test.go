package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, mutate ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL:         srv.URL,
		AccessToken:     "TEST-token",
		NotificationURL: "https://shop.example/webhook-mp",
		SuccessURL:      "https://shop.example/checkout/success",
		Currency:        "COP",
		Sandbox:         true,
		Timeout:         time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewClient(cfg)
}

func TestCreateIntent(t *testing.T) {
	var got preferenceRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer TEST-token", r.Header.Get("Authorization"))
		assert.Equal(t, "order-1", r.Header.Get("X-Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"https://pay/live","sandbox_init_point":"https://pay/sandbox"}`))
	})

	intent, err := c.CreateIntent(context.Background(), IntentRequest{
		OrderID:    "order-1",
		Amount:     decimal.RequireFromString("20.00"),
		PayerEmail: "buyer@example.com",
	})

	require.NoError(t, err)
	assert.Equal(t, Intent{IntentID: "pref-1", RedirectURL: "https://pay/sandbox"}, intent)
	assert.Equal(t, "order-1", got.ExternalReference)
	assert.Equal(t, "https://shop.example/webhook-mp", got.NotificationURL)
	assert.Equal(t, "approved", got.AutoReturn)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 20.0, got.Items[0].UnitPrice)
	assert.Equal(t, "COP", got.Items[0].CurrencyID)
	require.NotNil(t, got.Payer)
	assert.Equal(t, "buyer@example.com", got.Payer.Email)
}

func TestCreateIntentLiveRedirect(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"https://pay/live","sandbox_init_point":"https://pay/sandbox"}`))
	}, func(cfg *Config) { cfg.Sandbox = false })

	intent, err := c.CreateIntent(context.Background(), IntentRequest{OrderID: "o", Amount: decimal.NewFromInt(1)})

	require.NoError(t, err)
	assert.Equal(t, "https://pay/live", intent.RedirectURL)
}

func TestCreateIntentProviderError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.CreateIntent(context.Background(), IntentRequest{OrderID: "o", Amount: decimal.NewFromInt(1)})

	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
}

func TestGetPaymentNumericID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/987", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":987,"status":"approved","external_reference":"order-1","transaction_amount":20.0,"date_approved":"2025-12-27T10:00:00.000-05:00"}`))
	})

	p, err := c.GetPayment(context.Background(), "987")

	require.NoError(t, err)
	assert.Equal(t, ID("987"), p.ID)
	assert.Equal(t, StatusApproved, p.Status())
	assert.Equal(t, "order-1", p.ExternalReference)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("20")))
	require.NotNil(t, p.ApprovedAt)
}

func TestGetPaymentNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetPayment(context.Background(), "1")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, apperr.ErrGatewayUnavailable)
}

func TestGetPaymentTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })

	status, err := c.QueryStatus(context.Background(), "1")

	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
	assert.Equal(t, StatusUnknown, status)
}

func TestGetOrderPayments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/merchant_orders/55", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":55,"external_reference":"order-1","payments":[
			{"id":1,"status":"rejected","date_created":"2025-12-27T09:00:00Z"},
			{"id":"2","status":"approved","date_approved":"2025-12-27T09:05:00Z"}]}`))
	})

	ps, err := c.GetOrderPayments(context.Background(), "55")

	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, ID("1"), ps[0].ID)
	assert.Equal(t, ID("2"), ps[1].ID)
}
