package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskengine"

// Metrics holds the engine's prometheus collectors on a private registry. All methods are safe to
// call on a nil *Metrics, in which case nothing is recorded.
type Metrics struct {
	registry        *prometheus.Registry
	dispatches      *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	reapedRuns      prometheus.Counter
	webhookDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by executor backend and result",
		}, []string{"backend", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Dispatches declined by the rate limiter",
		}, []string{"reason", "scope"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Executor callbacks received by result",
		}, []string{"result"}),
		reapedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_runs_total",
			Help:      "Runs force-terminated by the reaper",
		}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Latency of outbound executor webhook calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches,
		m.rateLimited,
		m.callbacks,
		m.reapedRuns,
		m.webhookDuration,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Dispatched(backend, result string) {
	if m == nil {
		return
	}
	if backend == "" {
		backend = "unknown"
	}
	m.dispatches.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) RateLimited(reason, scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(reason, scope).Inc()
}

func (m *Metrics) CallbackReceived(result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) RunsReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reapedRuns.Add(float64(n))
}

func (m *Metrics) ObserveWebhook(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.webhookDuration.WithLabelValues(backend).Observe(d.Seconds())
}
