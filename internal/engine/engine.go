package engine

import (
	"context"

	"github.com/google/uuid"
	"taskengine/internal/activity"
	"taskengine/internal/api"
	"taskengine/internal/config"
	"taskengine/internal/dispatch"
	"taskengine/internal/executor"
	"taskengine/internal/metrics"
	"taskengine/internal/queue"
	"taskengine/internal/ratelimit"
	"taskengine/internal/reaper"
	"taskengine/internal/store"
	"taskengine/internal/tasks"
	"taskengine/internal/telemetry"
)

// Engine holds every component of a running task engine, wired from one configuration
type Engine struct {
	Store      store.Store
	Recorder   *activity.Recorder
	Metrics    *metrics.Metrics
	Limiter    *ratelimit.Limiter
	Router     *executor.Router
	Dispatcher *dispatch.Dispatcher
	Ingestor   *dispatch.Ingestor
	Reaper     *reaper.Reaper
	Tasks      *tasks.Service
}

// New wires the engine. q may be nil, in which case activities are only written to the store.
func New(conf *config.Config, s store.Store, q queue.Client) *Engine {
	telemetry.Init()
	m := metrics.New()
	rec := activity.NewRecorder(s, q)
	limiter := ratelimit.New(s, conf)
	router := executor.NewRouter(conf, m)

	return &Engine{
		Store:      s,
		Recorder:   rec,
		Metrics:    m,
		Limiter:    limiter,
		Router:     router,
		Dispatcher: dispatch.NewDispatcher(s, limiter, router, rec, m, WorkerID(conf)),
		Ingestor:   dispatch.NewIngestor(s, rec, m),
		Reaper:     reaper.NewReaper(s, rec, m, conf),
		Tasks:      tasks.NewService(s, rec),
	}
}

// API builds the HTTP server over the engine
func (e *Engine) API(ctx context.Context) *api.Server {
	return api.New(ctx, &api.Services{
		Tasks:      e.Tasks,
		Dispatcher: e.Dispatcher,
		Ingestor:   e.Ingestor,
		Reaper:     e.Reaper,
		Activities: e.Store,
		Metrics:    e.Metrics,
	})
}

// WorkerID is the configured default worker id, or a generated one
func WorkerID(conf *config.Config) string {
	if conf.Dispatch.DefaultWorkerID != "" {
		return conf.Dispatch.DefaultWorkerID
	}
	return "taskengine-" + uuid.New().String()[:8]
}
