// Package metrics exposes ledger and HTTP metrics in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "FlowLedger/internal/errors"
)

const namespace = "flowledger"

// Registry 持有所有指标，实现 ledger.Metrics 接口。
type Registry struct {
	reg *prometheus.Registry

	operations      *prometheus.CounterVec
	liquidations    *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
	latency         *prometheus.HistogramVec
}

// New creates a registry with the ledger, HTTP and Go runtime collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and result code.",
		}, []string{"op", "result"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidation_payouts_total",
			Help:      "Liquidation payouts by kind.",
		}, []string{"payout"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Event batches the sink failed to accept, by first event kind.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"handler", "method"}),
	}
	r.reg.MustRegister(
		r.operations,
		r.liquidations,
		r.publishFailures,
		r.requests,
		r.requestErrors,
		r.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveOperation counts an operation under its error code, "ok" on success.
func (r *Registry) ObserveOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(xerrors.CodeOf(err))
	}
	r.operations.WithLabelValues(op, result).Inc()
}

// ObserveLiquidation counts one liquidation payout.
func (r *Registry) ObserveLiquidation(payout string) {
	r.liquidations.WithLabelValues(payout).Inc()
}

// ObservePublishFailure counts one rejected event batch.
func (r *Registry) ObservePublishFailure(kind string) {
	r.publishFailures.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.requestErrors.WithLabelValues(handler, method).Inc()
	}
	r.latency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (r *Registry) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
