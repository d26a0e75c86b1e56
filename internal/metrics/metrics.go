package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	Requests        *prometheus.CounterVec
	LatencyMS       *prometheus.HistogramVec
	Checkouts       *prometheus.CounterVec
	Reconciliations *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	StockShortfalls prometheus.Counter
}

func New(reg prometheus.Registerer, service string) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by result kind.",
		}, []string{"result"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "reconciliations_total",
			Help:      "Payment notifications by reconciliation outcome.",
		}, []string{"outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "notifications_total",
			Help:      "Settlement notifications by result.",
		}, []string{"result"}),
		StockShortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "stock_shortfalls_total",
			Help:      "Settled order lines that found less stock than they paid for.",
		}),
	}
	reg.MustRegister(m.Requests, m.LatencyMS, m.Checkouts, m.Reconciliations, m.Notifications, m.StockShortfalls)
	return m
}

func (m *Metrics) Checkout(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "ok"
	}
	m.Checkouts.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Notified(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Shortfall(n int) {
	if m == nil {
		return
	}
	m.StockShortfalls.Add(float64(n))
}

func (m *Metrics) Observe(handler string, status int, ms float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(ms)
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
