package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"taskengine/internal/dispatch"
	"taskengine/internal/metrics"
	"taskengine/internal/models"
	"taskengine/internal/reaper"
	"taskengine/internal/store"
	"taskengine/internal/tasks"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, taskID, workerID string) (*dispatch.Result, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, cb dispatch.Callback) (*dispatch.IngestResult, error)
}

type Sweeper interface {
	SweepOnce(ctx context.Context, olderThan time.Duration) (*reaper.Result, error)
	Sweep(ctx context.Context) (*reaper.Result, error)
}

type ActivityLister interface {
	ListActivities(ctx context.Context, filter store.ActivityFilter) ([]models.Activity, error)
}

// Services are the collaborators the HTTP handlers delegate to
type Services struct {
	Tasks      *tasks.Service
	Dispatcher Dispatcher
	Ingestor   Ingestor
	Reaper     Sweeper
	Activities ActivityLister
	Metrics    *metrics.Metrics
}

type Server struct {
	ctx     context.Context
	router  *chi.Mux
	handler http.Handler
}

// New creates a new API server instance
func New(ctx context.Context, svc *Services) *Server {
	s := &Server{
		ctx:    ctx,
		router: chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Route("/api", func(r chi.Router) {
		r.Mount("/tasks", NewTaskRouter(svc.Tasks, svc.Dispatcher))
		r.Post("/callbacks", callbackHandler(svc.Ingestor))
		r.Post("/reaper/sweep", sweepHandler(svc.Reaper))
		r.Get("/activities", activitiesHandler(svc.Activities))
	})
	s.router.Handle("/metrics", svc.Metrics.Handler())

	// picks up the caller's trace context so dispatches continue it
	s.handler = otelhttp.NewHandler(s.router, "taskengine-api",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/metrics" }),
	)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves the API on addr until the server's context is cancelled
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-s.ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		writeError(w, badRequest("could not parse request body to payload"))
	}
	return err
}

// readOptionalJson is readJson for endpoints whose body may be omitted
func readOptionalJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		writeError(w, badRequest("could not parse request body to payload"))
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	serveJsonStatus(w, http.StatusOK, payload)
}

func serveJsonStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}
