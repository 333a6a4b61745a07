package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/require"
	"taskengine/internal/activity"
	"taskengine/internal/config"
	"taskengine/internal/dispatch"
	"taskengine/internal/executor"
	"taskengine/internal/models"
	"taskengine/internal/ratelimit"
	"taskengine/internal/store"
)

// env wires a dispatcher and ingestor against an in-memory store and a fake webhook backend
type env struct {
	store      *store.MemoryStore
	dispatcher *dispatch.Dispatcher
	ingestor   *dispatch.Ingestor
	limiter    *ratelimit.Limiter
	hookCalls  *atomic.Int32
	hookStatus *atomic.Int32
}

func newEnv(t *testing.T) *env {
	t.Helper()

	calls := &atomic.Int32{}
	status := &atomic.Int32{}
	status.Store(http.StatusAccepted)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)

	conf := &config.Config{}
	conf.Dispatch.CallbackBaseURL = "http://localhost:8080"
	conf.Executors.N8N.BaseURL = srv.URL
	conf.Executors.N8N.TimeoutSec = 5
	conf.Executors.Claw.BaseURL = srv.URL
	conf.Executors.Claw.TimeoutSec = 5
	conf.Executors.Claw.Allowlist = []string{"research", "analysis", "outreach"}
	conf.RateLimit.MaxConcurrentPerCustomer = 2
	conf.RateLimit.MaxPerCustomerPerHour = 10
	conf.RateLimit.MaxGlobalPerHour = 50
	conf.RateLimit.OnError = "allow"

	s := store.NewMemoryStore()
	rec := activity.NewRecorder(s, nil)
	limiter := ratelimit.New(s, conf)

	return &env{
		store:      s,
		dispatcher: dispatch.NewDispatcher(s, limiter, executor.NewRouter(conf, nil), rec, nil, "test-worker"),
		ingestor:   dispatch.NewIngestor(s, rec, nil),
		limiter:    limiter,
		hookCalls:  calls,
		hookStatus: status,
	}
}

func (e *env) createTask(t *testing.T, customer, executorID string, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		CustomerID: null.NewString(customer, customer != ""),
		Title:      "Task on " + executorID,
		Executor:   executorID,
		Priority:   models.PriorityNormal,
		Status:     status,
		Input:      models.MustJSON(map[string]any{"topic": "solar", "limit": 5}),
	}
	require.NoError(t, e.store.CreateTask(context.Background(), task))
	return task
}

func (e *env) activities(t *testing.T, eventType string) []models.Activity {
	t.Helper()
	acts, err := e.store.ListActivities(context.Background(), store.ActivityFilter{EventType: eventType})
	require.NoError(t, err)
	return acts
}

// startRunningRun claims a fresh task with a run that started age ago
func (e *env) startRunningRun(t *testing.T, customer, executorID string, age time.Duration) *models.TaskRun {
	t.Helper()
	task := e.createTask(t, customer, executorID, models.TaskStatusAssigned)
	started := time.Now().UTC().Add(-age)
	run := &models.TaskRun{
		Executor:  executorID,
		Status:    models.RunStatusRunning,
		QueuedAt:  started,
		StartedAt: null.TimeFrom(started),
	}
	_, err := e.store.ClaimTask(context.Background(), task.ID, run)
	require.NoError(t, err)
	return run
}
