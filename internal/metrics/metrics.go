// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidmarket/market-engine/internal/model"
)

var (
	// OperationsTotal counts committed ledger operations by event type.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidmarket_operations_total",
		Help: "Total number of committed ledger operations",
	}, []string{"type"})

	// OperationRejections counts operations that failed a precondition.
	OperationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidmarket_operation_rejections_total",
		Help: "Ledger operations rejected before commit",
	}, []string{"op"})

	// OperationLatency tracks ledger operation latency, commit included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tidmarket_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TokensCreated counts tids opened on the market.
	TokensCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidmarket_tokens_created_total",
		Help: "Number of tids created",
	})

	// TokenVolume tracks cumulative traded token amount (base units) by event type.
	TokenVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidmarket_token_volume_total",
		Help: "Cumulative token amount moved by ledger operations",
	}, []string{"type"})

	// FeesPaid tracks cumulative fees (payment-token base units) by entitlement role.
	FeesPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidmarket_fees_paid_total",
		Help: "Cumulative trading fees routed to entitlement records",
	}, []string{"role"})

	// EscrowClaims counts successful escrow claims.
	EscrowClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidmarket_escrow_claims_total",
		Help: "Escrowed entitlements released to their recipient",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tidmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tidmarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observe records the latency of one ledger operation and, on failure,
// a rejection.
func Observe(op string, start time.Time, err error) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		OperationRejections.WithLabelValues(op).Inc()
	}
}

// Sink counts committed events. It satisfies events.Sink.
type Sink struct{}

// Publish records volume and fee metrics for each event.
func (Sink) Publish(_ context.Context, evs ...model.Event) {
	for _, ev := range evs {
		OperationsTotal.WithLabelValues(ev.Type).Inc()
		if ev.Type == model.EventCreate {
			TokensCreated.Inc()
		}
		if ev.Type == model.EventClaim {
			EscrowClaims.Inc()
		}
		if f, _ := ev.Amount.Float64(); f > 0 {
			TokenVolume.WithLabelValues(ev.Type).Add(f)
		}
		if f, _ := ev.CreatorFee.Float64(); f > 0 {
			FeesPaid.WithLabelValues(model.RoleCreator).Add(f)
		}
		if f, _ := ev.PublicFee.Float64(); f > 0 {
			FeesPaid.WithLabelValues(model.RolePublic).Add(f)
		}
	}
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
