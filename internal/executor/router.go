package executor

import (
	"context"

	"taskengine/internal/config"
	"taskengine/internal/metrics"
	"taskengine/internal/models"
)

// Backends known to the router
const (
	BackendLocal = "local"
	BackendN8N   = "n8n"
	BackendClaw  = "claw"
)

// Router selects the executor of a run by the backend prefix of its executor identifier
type Router struct {
	backends map[string]Executor
}

// NewRouter wires the local echo executor and the two webhook backends from configuration
func NewRouter(conf *config.Config, m *metrics.Metrics) *Router {
	callback := callbackURL(conf.Dispatch.CallbackBaseURL)

	allowlist := conf.Executors.Claw.Allowlist
	if allowlist == nil {
		allowlist = []string{}
	}

	r := &Router{backends: make(map[string]Executor)}
	r.Register(BackendLocal, &Echo{})
	r.Register(BackendN8N, &Webhook{
		Backend:     BackendN8N,
		BaseURL:     conf.Executors.N8N.BaseURL,
		CallbackURL: callback,
		Client:      NewHTTPClient(conf.Executors.N8N.Timeout()),
		Metrics:     m,
	})
	r.Register(BackendClaw, &Webhook{
		Backend:     BackendClaw,
		BaseURL:     conf.Executors.Claw.BaseURL,
		CallbackURL: callback,
		Allowlist:   allowlist,
		Client:      NewHTTPClient(conf.Executors.Claw.Timeout()),
		Metrics:     m,
	})
	return r
}

func (r *Router) Register(backend string, e Executor) {
	if r.backends == nil {
		r.backends = make(map[string]Executor)
	}
	r.backends[backend] = e
}

// Execute routes the run. Malformed identifiers and unregistered backends fail with
// unknown_executor.
func (r *Router) Execute(ctx context.Context, task *models.Task, run *models.TaskRun) Outcome {
	backend, _, ok := models.ParseExecutor(run.Executor)
	if !ok {
		return Failed(CodeUnknownExecutor, "executor %q is not of the form <backend>:<variant>", run.Executor)
	}
	e, found := r.backends[backend]
	if !found {
		return Failed(CodeUnknownExecutor, "unknown executor backend %q", backend)
	}
	return e.Execute(ctx, task, run)
}
