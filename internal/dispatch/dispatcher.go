package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"taskengine/internal/activity"
	"taskengine/internal/executor"
	"taskengine/internal/metrics"
	"taskengine/internal/models"
	"taskengine/internal/ratelimit"
	"taskengine/internal/store"
)

// LimitChecker decides whether a dispatch may proceed
type LimitChecker interface {
	CheckLimits(ctx context.Context, customerID, executor string) ratelimit.Decision
}

// Result is a successful dispatch. For synchronous executors the run and task are already terminal,
// for webhook executors they stay running and in_progress until the callback arrives.
type Result struct {
	Success bool            `json:"success"`
	Task    *models.Task    `json:"task"`
	Run     *models.TaskRun `json:"run"`
}

type Dispatcher struct {
	Store    store.Store
	Limiter  LimitChecker // optional
	Executor executor.Executor
	Recorder *activity.Recorder
	Metrics  *metrics.Metrics
	// WorkerID is recorded on runs when the caller does not name a worker
	WorkerID string
	Now      func() time.Time
}

func NewDispatcher(s store.Store, limiter LimitChecker, exec executor.Executor, rec *activity.Recorder, m *metrics.Metrics, workerID string) *Dispatcher {
	return &Dispatcher{
		Store:    s,
		Limiter:  limiter,
		Executor: exec,
		Recorder: rec,
		Metrics:  m,
		WorkerID: workerID,
		Now:      time.Now,
	}
}

// Dispatch starts one run of the task. Failures are returned as *Error. Precondition and rate limit
// failures leave no run behind; executor failures are recorded on the run and the task before the
// error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID, workerID string) (*Result, error) {
	task, err := d.Store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("task %s does not exist", taskID)
	} else if err != nil {
		return nil, fmt.Errorf("could not load task %s: %w", taskID, err)
	}

	if !task.Status.Dispatchable() {
		d.Metrics.Dispatched(backendOf(task.Executor), CodeInvalidState)
		return nil, invalidState(task, task.Status)
	}

	if d.Limiter != nil {
		if decision := d.Limiter.CheckLimits(ctx, task.CustomerID.String, task.Executor); !decision.Allowed {
			return nil, d.rateLimited(ctx, task, decision)
		}
	}

	if workerID == "" {
		workerID = d.WorkerID
	}
	now := d.now()
	run := &models.TaskRun{
		Executor:      task.Executor,
		Status:        models.RunStatusRunning,
		WorkerID:      null.NewString(workerID, workerID != ""),
		InputSnapshot: task.Input.Clone(),
		QueuedAt:      now,
		StartedAt:     null.TimeFrom(now),
	}

	claimed, err := d.Store.ClaimTask(ctx, task.ID, run)
	if err != nil {
		var stateErr *store.StateError
		switch {
		case errors.As(err, &stateErr):
			// lost the race against a concurrent dispatch or lifecycle action
			d.Metrics.Dispatched(backendOf(task.Executor), CodeInvalidState)
			task.Status = stateErr.Status
			return nil, invalidState(task, stateErr.Status)
		case errors.Is(err, store.ErrNotFound):
			return nil, notFound("task %s does not exist", taskID)
		default:
			return nil, fmt.Errorf("could not claim task %s: %w", taskID, err)
		}
	}

	log.Info().
		Str("task_id", claimed.ID).
		Str("run_id", run.ID).
		Int("run_number", run.RunNumber).
		Str("executor", run.Executor).
		Str("worker_id", workerID).
		Msg("Run started")
	d.Recorder.Record(ctx, activity.Entry{
		CustomerID: claimed.CustomerID.String,
		Agent:      agentOf(claimed),
		Action:     fmt.Sprintf("Run %d of %q started on %s", run.RunNumber, claimed.Title, run.Executor),
		EventType:  activity.EventRunStarted,
		Details:    runDetails(claimed, run),
	})

	outcome := d.Executor.Execute(ctx, claimed, run)
	return d.apply(ctx, claimed, run, outcome)
}

// apply records the executor outcome on the run and the task
func (d *Dispatcher) apply(ctx context.Context, task *models.Task, run *models.TaskRun, outcome executor.Outcome) (*Result, error) {
	backend := backendOf(run.Executor)

	switch outcome.Status {
	case executor.StatusAccepted:
		d.Metrics.Dispatched(backend, string(executor.StatusAccepted))
		d.Recorder.Record(ctx, activity.Entry{
			CustomerID: task.CustomerID.String,
			Agent:      agentOf(task),
			Action:     fmt.Sprintf("Run %d of %q handed to %s, awaiting callback", run.RunNumber, task.Title, run.Executor),
			EventType:  activity.EventRunDispatched,
			Details:    runDetails(task, run),
		})
		return &Result{Success: true, Task: task, Run: run}, nil

	case executor.StatusCompleted:
		ended := d.now()
		if err := d.finish(ctx, task, run, store.RunFinish{
			Status:  models.RunStatusCompleted,
			Output:  outcome.Output,
			Metrics: durationSince(run, ended),
			EndedAt: ended,
		}, outcome.Output); err != nil {
			return nil, err
		}
		d.Metrics.Dispatched(backend, string(executor.StatusCompleted))
		d.Recorder.Record(ctx, activity.Entry{
			CustomerID: task.CustomerID.String,
			Agent:      agentOf(task),
			Action:     fmt.Sprintf("Run %d of %q completed", run.RunNumber, task.Title),
			EventType:  activity.EventRunCompleted,
			Details:    runDetails(task, run),
		})
		log.Info().Str("task_id", task.ID).Str("run_id", run.ID).Msg("Run completed")
		return &Result{Success: true, Task: task, Run: run}, nil

	default:
		runErr := outcome.Error
		if runErr == nil {
			runErr = &models.RunError{Code: executor.CodeTransportFailure, Message: "executor failed without an error"}
		}
		ended := d.now()
		if err := d.finish(ctx, task, run, store.RunFinish{
			Status:  models.RunStatusFailed,
			Error:   runErr,
			Metrics: durationSince(run, ended),
			EndedAt: ended,
		}, errorOutput(runErr)); err != nil {
			return nil, err
		}
		d.Metrics.Dispatched(backend, runErr.Code)

		details := runDetails(task, run)
		details["error"] = runErr
		d.Recorder.Record(ctx, activity.Entry{
			CustomerID: task.CustomerID.String,
			Agent:      agentOf(task),
			Action:     fmt.Sprintf("Run %d of %q failed: %s", run.RunNumber, task.Title, runErr.Code),
			EventType:  activity.EventRunFailed,
			Severity:   models.SeverityError,
			Details:    details,
		})
		log.Warn().
			Str("task_id", task.ID).
			Str("run_id", run.ID).
			Str("code", runErr.Code).
			Str("reason", runErr.Message).
			Msg("Run failed")
		return nil, &Error{Code: runErr.Code, Message: runErr.Message, Task: task, Run: run}
	}
}

// finish writes the terminal run state and moves the task out of in_progress in one store write.
// task and run are updated in place with what was written.
func (d *Dispatcher) finish(ctx context.Context, task *models.Task, run *models.TaskRun, fin store.RunFinish, taskOutput models.JSON) error {
	to := models.TaskStatusCompleted
	if fin.Status != models.RunStatusCompleted {
		to = models.TaskStatusFailed
	}

	applied, moved, err := d.Store.FinishRunAndTask(ctx, run.ID, fin, store.TaskTransition{
		From:   []models.TaskStatus{models.TaskStatusInProgress},
		To:     to,
		Output: taskOutput,
		At:     fin.EndedAt,
	})
	if err != nil {
		return fmt.Errorf("could not finish run %s: %w", run.ID, err)
	}
	if !applied {
		log.Warn().Str("run_id", run.ID).Msg("Run was finalized concurrently, keeping existing state")
		return nil
	}

	run.Status = fin.Status
	run.Output = fin.Output
	run.Error = fin.Error
	run.Metrics = fin.Metrics
	run.EndedAt = null.TimeFrom(fin.EndedAt)
	if moved {
		task.Status = to
		task.Output = taskOutput
		task.UpdatedAt = fin.EndedAt
	}
	return nil
}

func (d *Dispatcher) rateLimited(ctx context.Context, task *models.Task, decision ratelimit.Decision) *Error {
	now := d.now()
	if err := d.Store.MarkRateLimited(ctx, task.ID, decision.Reason, now); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Could not record rate limit on task")
	} else {
		task.RateLimitedAt = null.TimeFrom(now)
		task.RateLimitReason = null.StringFrom(decision.Reason)
		task.UpdatedAt = now
	}

	d.Metrics.RateLimited(decision.Reason, decision.Scope)
	d.Metrics.Dispatched(backendOf(task.Executor), CodeRateLimited)

	details := map[string]any{
		"task_id":  task.ID,
		"executor": task.Executor,
		"reason":   decision.Reason,
		"scope":    decision.Scope,
	}
	for k, v := range decision.Details {
		details[k] = v
	}
	d.Recorder.Record(ctx, activity.Entry{
		CustomerID: task.CustomerID.String,
		Agent:      agentOf(task),
		Action:     fmt.Sprintf("Dispatch of %q rate limited (%s, %s)", task.Title, decision.Reason, decision.Scope),
		EventType:  activity.EventRateLimited,
		Severity:   models.SeverityWarning,
		Details:    details,
	})
	log.Warn().
		Str("task_id", task.ID).
		Str("reason", decision.Reason).
		Str("scope", decision.Scope).
		Msg("Dispatch rate limited")

	return &Error{
		Code:     CodeRateLimited,
		Message:  fmt.Sprintf("dispatch declined: %s (%s)", decision.Reason, decision.Scope),
		Decision: &decision,
		Task:     task,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

func backendOf(executorID string) string {
	backend, _, _ := models.ParseExecutor(executorID)
	return backend
}

// agentOf names the actor recorded on activities about the task
func agentOf(task *models.Task) string {
	if task.AssignedAgent.Valid && task.AssignedAgent.String != "" {
		return task.AssignedAgent.String
	}
	return "dispatcher"
}

func runDetails(task *models.Task, run *models.TaskRun) map[string]any {
	return map[string]any{
		"task_id":    task.ID,
		"run_id":     run.ID,
		"run_number": run.RunNumber,
		"executor":   run.Executor,
	}
}

// errorOutput is the task output written when a run fails
func errorOutput(e *models.RunError) models.JSON {
	return models.MustJSON(map[string]any{"error": e})
}

func durationSince(run *models.TaskRun, ended time.Time) *models.RunMetrics {
	if !run.StartedAt.Valid {
		return nil
	}
	return &models.RunMetrics{DurationMS: ended.Sub(run.StartedAt.Time).Milliseconds()}
}
