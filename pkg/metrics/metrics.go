// Package metrics exposes the node agent's own operational counters —
// distinct from the external inventory API it talks to — on a
// Prometheus /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DefaultAddr is used when the operator does not override METRICS_ADDR.
const DefaultAddr = ":9464"

// Collector holds the six counters/gauges named in the node agent's
// metrics surface. All Inc*/Set methods are safe for concurrent use,
// and safe to call on a nil *Collector (a no-op), so callers don't
// need to branch on whether metrics are enabled.
type Collector struct {
	registry *prometheus.Registry

	packetsCaptured    prometheus.Counter
	httpCaptures       *prometheus.CounterVec
	dedupHits          prometheus.Counter
	syncRequests       *prometheus.CounterVec
	onboardingAttempts *prometheus.CounterVec
	flowTableSize      prometheus.Gauge
}

// New registers the collector's metrics against a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		packetsCaptured: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sentryd_packets_captured_total",
			Help: "Total TCP packets observed across all capture interfaces.",
		}),
		httpCaptures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentryd_http_captures_total",
			Help: "Total HTTP request/response captures decoded, by kind.",
		}, []string{"kind"}),
		dedupHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sentryd_dedup_hits_total",
			Help: "Total captures suppressed from sync by the de-dup cache.",
		}),
		syncRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentryd_sync_requests_total",
			Help: "Total inventory API sync attempts, by outcome.",
		}, []string{"outcome"}),
		onboardingAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentryd_onboarding_attempts_total",
			Help: "Total onboarding attempts, by outcome.",
		}, []string{"outcome"}),
		flowTableSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sentryd_flow_table_size",
			Help: "Current number of live entries in the flow table.",
		}),
	}
	c.registry = reg
	return c
}

func (c *Collector) IncPacketsCaptured() {
	if c == nil {
		return
	}
	c.packetsCaptured.Inc()
}

func (c *Collector) IncHTTPCapture(kind string) {
	if c == nil {
		return
	}
	c.httpCaptures.WithLabelValues(kind).Inc()
}

func (c *Collector) IncDedupHit() {
	if c == nil {
		return
	}
	c.dedupHits.Inc()
}

func (c *Collector) IncSyncRequest(outcome string) {
	if c == nil {
		return
	}
	c.syncRequests.WithLabelValues(outcome).Inc()
}

func (c *Collector) IncOnboardingAttempt(outcome string) {
	if c == nil {
		return
	}
	c.onboardingAttempts.WithLabelValues(outcome).Inc()
}

// SetFlowTableSize publishes the flow table's current entry count. It
// is expected to be called periodically from a small poller, since the
// flow table itself has no reason to know about metrics.
func (c *Collector) SetFlowTableSize(n int) {
	if c == nil {
		return
	}
	c.flowTableSize.Set(float64(n))
}

// Serve starts the /metrics HTTP server and blocks until ctx is
// canceled or the server fails. addr defaults to DefaultAddr when
// empty.
func (c *Collector) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	if addr == "" {
		addr = DefaultAddr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped unexpectedly", zap.Error(err))
			return err
		}
		return nil
	}
}
