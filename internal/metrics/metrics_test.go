package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskengine/internal/metrics"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New()

	m.Dispatched("local", "completed")
	m.Dispatched("local", "completed")
	m.Dispatched("", "unknown_executor")
	m.RateLimited("concurrent_limit", "customer")
	m.CallbackReceived("completed")
	m.RunsReaped(3)
	m.RunsReaped(0)
	m.ObserveWebhook("n8n", 150*time.Millisecond)

	count, err := testutil.GatherAndCount(m.Registry(),
		"taskengine_dispatch_total",
		"taskengine_rate_limited_total",
		"taskengine_callbacks_total",
		"taskengine_reaped_runs_total",
		"taskengine_webhook_duration_seconds",
	)
	require.NoError(t, err)
	// two dispatch series plus one of each of the others
	assert.Equal(t, 6, count)
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New()
	m.RunsReaped(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskengine_reaped_runs_total 2")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.Dispatched("claw", "accepted")
		m.RateLimited("hourly_limit", "global")
		m.CallbackReceived("failed")
		m.RunsReaped(1)
		m.ObserveWebhook("claw", time.Second)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
