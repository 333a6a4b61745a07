package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"taskengine/internal/activity"
	"taskengine/internal/api"
	"taskengine/internal/config"
	"taskengine/internal/dispatch"
	"taskengine/internal/executor"
	"taskengine/internal/metrics"
	"taskengine/internal/models"
	"taskengine/internal/ratelimit"
	"taskengine/internal/reaper"
	"taskengine/internal/store"
	"taskengine/internal/tasks"
	"taskengine/internal/telemetry"
)

type testServer struct {
	store   *store.MemoryStore
	handler http.Handler
	// traceparent header of the last webhook trigger
	hookTraceparent *atomic.Value
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	telemetry.Init()

	traceparent := &atomic.Value{}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent.Store(r.Header.Get("traceparent"))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(hook.Close)

	conf := &config.Config{}
	conf.Dispatch.CallbackBaseURL = "http://localhost:8080"
	conf.Executors.N8N.BaseURL = hook.URL
	conf.Executors.N8N.TimeoutSec = 5
	conf.Executors.Claw.BaseURL = hook.URL
	conf.Executors.Claw.TimeoutSec = 5
	conf.Executors.Claw.Allowlist = []string{"research", "analysis", "outreach"}
	conf.RateLimit.MaxConcurrentPerCustomer = 2
	conf.RateLimit.MaxPerCustomerPerHour = 10
	conf.RateLimit.MaxGlobalPerHour = 50
	conf.RateLimit.OnError = "allow"
	conf.Reaper.IntervalSec = 60
	conf.Reaper.RunTimeoutMin = 15
	conf.Reaper.BatchSize = 100

	s := store.NewMemoryStore()
	m := metrics.New()
	rec := activity.NewRecorder(s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := api.New(ctx, &api.Services{
		Tasks:      tasks.NewService(s, rec),
		Dispatcher: dispatch.NewDispatcher(s, ratelimit.New(s, conf), executor.NewRouter(conf, m), rec, m, "api-test"),
		Ingestor:   dispatch.NewIngestor(s, rec, m),
		Reaper:     reaper.NewReaper(s, rec, m, conf),
		Activities: s,
		Metrics:    m,
	})
	return &testServer{store: s, handler: server, hookTraceparent: traceparent}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doWithHeaders(t, method, path, body, nil)
}

func (ts *testServer) doWithHeaders(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) createTask(t *testing.T, payload map[string]any) *models.Task {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/api/tasks", payload)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[models.Task](t, rr)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) *T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return &out
}
