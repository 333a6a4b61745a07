package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"taskengine/internal/metrics"
	"taskengine/internal/models"
)

// CallbackPath is where remote executors report completion, relative to the callback base URL
const CallbackPath = "/api/callbacks"

// maximum number of bytes of a rejected response kept in the run error
const maxErrorBody = 512

// Webhook triggers work on a remote system by POSTing the task to <BaseURL>/<variant>. The remote
// system reports the result later on the callback URL carried in the payload.
type Webhook struct {
	Backend     string
	BaseURL     string
	CallbackURL string
	// Allowlist restricts the accepted variants. A nil allowlist accepts every variant.
	Allowlist []string
	Client    *http.Client
	Metrics   *metrics.Metrics
}

// WebhookPayload is the body sent to the remote executor
type WebhookPayload struct {
	TaskID      string          `json:"task_id"`
	RunID       string          `json:"run_id"`
	RunNumber   int             `json:"run_number"`
	Executor    string          `json:"executor"`
	Variant     string          `json:"variant"`
	Title       string          `json:"title"`
	Input       json.RawMessage `json:"input"`
	CustomerID  *string         `json:"customer_id"`
	CallbackURL string          `json:"callback_url"`
}

// NewHTTPClient returns a client whose transport is instrumented with OpenTelemetry. The trace
// context of the request context is injected with the global propagator, see telemetry.Init.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func (w *Webhook) Execute(ctx context.Context, task *models.Task, run *models.TaskRun) Outcome {
	_, variant, _ := models.ParseExecutor(run.Executor)

	if w.Allowlist != nil && !slices.Contains(w.Allowlist, variant) {
		return Failed(CodeExecutorNotAllowed, "%s variant %q is not in the allowlist %v", w.Backend, variant, w.Allowlist)
	}
	if w.BaseURL == "" {
		return Failed(CodeTransportFailure, "no webhook base url configured for %s", w.Backend)
	}

	input := json.RawMessage("null")
	if !run.InputSnapshot.IsNull() {
		input = json.RawMessage(run.InputSnapshot)
	}
	payload := WebhookPayload{
		TaskID:      task.ID,
		RunID:       run.ID,
		RunNumber:   run.RunNumber,
		Executor:    run.Executor,
		Variant:     variant,
		Title:       task.Title,
		Input:       input,
		CustomerID:  task.CustomerID.Ptr(),
		CallbackURL: w.CallbackURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Failed(CodeTransportFailure, "could not encode webhook payload: %v", err)
	}

	target := strings.TrimRight(w.BaseURL, "/") + "/" + url.PathEscape(variant)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Failed(CodeTransportFailure, "could not build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}

	start := time.Now()
	resp, err := client.Do(req)
	w.Metrics.ObserveWebhook(w.Backend, time.Since(start))
	if err != nil {
		log.Warn().Err(err).
			Str("task_id", task.ID).
			Str("run_id", run.ID).
			Str("url", target).
			Msg("Webhook call failed")
		return Failed(CodeTransportFailure, "webhook call to %s failed: %v", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Warn().
			Str("task_id", task.ID).
			Str("run_id", run.ID).
			Str("url", target).
			Int("status_code", resp.StatusCode).
			Msg("Webhook rejected the run")
		return Failed(CodeTransportFailure, "webhook %s responded %d: %s", target, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	log.Info().
		Str("task_id", task.ID).
		Str("run_id", run.ID).
		Str("executor", run.Executor).
		Int("status_code", resp.StatusCode).
		Msg("Webhook accepted the run")
	return Accepted()
}

// callbackURL joins the callback base with the callback route
func callbackURL(base string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(base, "/"), CallbackPath)
}
