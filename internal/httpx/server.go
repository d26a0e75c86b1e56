package httpx

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderSessionID = "X-Session-Id"
)

// NewRouter mounts health and metrics endpoints. gatherer may be nil to skip /metrics.
func NewRouter(m *metrics.Metrics, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(tracing.Middleware(routePattern))
	r.Use(observe(m))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}
	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func observe(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.Observe(routePattern(r), status, float64(time.Since(start).Microseconds())/1000)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Product string `json:"product,omitempty"`
}

// writeError maps err onto its HTTP status. Internal errors are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	body := errorBody{Error: err.Error(), Kind: apperr.Kind(err)}
	if code >= http.StatusInternalServerError {
		log.Printf("http: %s %s request_id=%s: %v", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), err)
		if code == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	var ise *apperr.InsufficientStockError
	if errors.As(err, &ise) {
		body.Product = ise.Product
	}
	writeJSON(w, code, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: "validation"})
}
