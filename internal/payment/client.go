package payment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Config is built once at startup and handed to NewClient.
type Config struct {
	BaseURL         string
	AccessToken     string
	NotificationURL string
	SuccessURL      string
	PendingURL      string
	FailureURL      string
	Currency        string
	Sandbox         bool
	Timeout         time.Duration
}

// Client is a MercadoPago-style REST client: preferences are intents, payments and
// merchant orders are looked up by id.
type Client struct {
	http *resty.Client
	cfg  Config
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	r := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.AccessToken).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: r, cfg: cfg}
}

type preferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	CurrencyID string  `json:"currency_id"`
	UnitPrice  float64 `json:"unit_price"`
}

type backURLs struct {
	Success string `json:"success,omitempty"`
	Pending string `json:"pending,omitempty"`
	Failure string `json:"failure,omitempty"`
}

type preferenceRequest struct {
	Items             []preferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	NotificationURL   string           `json:"notification_url,omitempty"`
	BackURLs          backURLs         `json:"back_urls"`
	AutoReturn        string           `json:"auto_return,omitempty"`
	Payer             *payer           `json:"payer,omitempty"`
}

type payer struct {
	Email string `json:"email"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type merchantOrder struct {
	ID                ID        `json:"id"`
	ExternalReference string    `json:"external_reference"`
	Payments          []Payment `json:"payments"`
}

type IntentRequest struct {
	OrderID    string
	Amount     decimal.Decimal
	Currency   string
	PayerEmail string
}

// CreateIntent registers a one-item preference for the order. The order id is both
// the correlation token and the idempotency key, so a retry yields the same offer.
func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	body := preferenceRequest{
		Items: []preferenceItem{{
			Title:      "Order #" + req.OrderID,
			Quantity:   1,
			CurrencyID: currency,
			UnitPrice:  req.Amount.Round(2).InexactFloat64(),
		}},
		ExternalReference: req.OrderID,
		NotificationURL:   c.cfg.NotificationURL,
		BackURLs:          backURLs{Success: c.cfg.SuccessURL, Pending: c.cfg.PendingURL, Failure: c.cfg.FailureURL},
	}
	if c.cfg.SuccessURL != "" {
		body.AutoReturn = "approved"
	}
	if req.PayerEmail != "" {
		body.Payer = &payer{Email: req.PayerEmail}
	}

	var out preferenceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Idempotency-Key", req.OrderID).
		SetBody(body).
		SetResult(&out).
		Post("/checkout/preferences")
	if err := check(resp, err, "create preference"); err != nil {
		return Intent{}, err
	}

	redirect := out.InitPoint
	if c.cfg.Sandbox && out.SandboxInitPoint != "" {
		redirect = out.SandboxInitPoint
	}
	if out.ID == "" || redirect == "" {
		return Intent{}, fmt.Errorf("create preference: %w: empty redirect", apperr.ErrGatewayUnavailable)
	}
	return Intent{IntentID: out.ID, RedirectURL: redirect}, nil
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	var out Payment
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", paymentID).
		SetResult(&out).
		Get("/v1/payments/{id}")
	if err := check(resp, err, "get payment"); err != nil {
		return Payment{}, err
	}
	return out, nil
}

// GetOrderPayments lists the payments attached to a provider-side merchant order.
func (c *Client) GetOrderPayments(ctx context.Context, providerOrderID string) ([]Payment, error) {
	var out merchantOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", providerOrderID).
		SetResult(&out).
		Get("/merchant_orders/{id}")
	if err := check(resp, err, "get merchant order"); err != nil {
		return nil, err
	}
	return out.Payments, nil
}

func (c *Client) QueryStatus(ctx context.Context, paymentID string) (Status, error) {
	p, err := c.GetPayment(ctx, paymentID)
	if err != nil {
		return StatusUnknown, err
	}
	return p.Status(), nil
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrGatewayUnavailable, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.IsError():
		return fmt.Errorf("%s: %w: status %d", op, apperr.ErrGatewayUnavailable, code)
	}
	return nil
}
