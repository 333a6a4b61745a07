package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"taskengine/internal/activity"
	"taskengine/internal/metrics"
	"taskengine/internal/models"
	"taskengine/internal/store"
)

// CodeExecutorError is recorded on runs whose executor reported a failure
const CodeExecutorError = "executor_error"

// Callback is a completion report from an asynchronous executor
type Callback struct {
	TaskID  string
	RunID   string
	Success bool
	Output  models.JSON
	Error   string
	// ErrorCode is the executor's own failure code, CodeExecutorError when empty
	ErrorCode string
}

type IngestResult struct {
	// Applied is false when the run was already terminal and nothing was changed
	Applied  bool            `json:"applied"`
	Task     *models.Task    `json:"task"`
	Run      *models.TaskRun `json:"run"`
	Warnings []string        `json:"warnings,omitempty"`
}

type Ingestor struct {
	Store    store.Store
	Recorder *activity.Recorder
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func NewIngestor(s store.Store, rec *activity.Recorder, m *metrics.Metrics) *Ingestor {
	return &Ingestor{Store: s, Recorder: rec, Metrics: m, Now: time.Now}
}

// Ingest finalizes the run and its task from a callback. A callback for a run that is already
// terminal changes nothing and reports Applied=false.
func (i *Ingestor) Ingest(ctx context.Context, cb Callback) (*IngestResult, error) {
	joined, err := i.Store.GetRunWithTask(ctx, cb.RunID)
	if errors.Is(err, store.ErrNotFound) {
		i.Metrics.CallbackReceived(CodeNotFound)
		return nil, notFound("run %s does not exist", cb.RunID)
	} else if err != nil {
		return nil, fmt.Errorf("could not load run %s: %w", cb.RunID, err)
	}
	if joined.Run.TaskID != cb.TaskID {
		i.Metrics.CallbackReceived(CodeNotFound)
		return nil, notFound("run %s does not belong to task %s", cb.RunID, cb.TaskID)
	}
	task, run := &joined.Task, &joined.Run

	if run.Terminal() {
		return i.ignored(ctx, task, run), nil
	}

	now := i.now()
	fin := store.RunFinish{
		Status:  models.RunStatusCompleted,
		Output:  cb.Output,
		EndedAt: now,
	}
	if run.StartedAt.Valid {
		fin.Metrics = &models.RunMetrics{DurationMS: now.Sub(run.StartedAt.Time).Milliseconds()}
	}
	taskStatus, taskOutput := models.TaskStatusCompleted, cb.Output
	if !cb.Success {
		message := cb.Error
		if message == "" {
			message = "executor reported a failure"
		}
		code := cb.ErrorCode
		if code == "" {
			code = CodeExecutorError
		}
		fin.Status = models.RunStatusFailed
		fin.Error = &models.RunError{Code: code, Message: message}
		taskStatus, taskOutput = models.TaskStatusFailed, errorOutput(fin.Error)
		if !cb.Output.IsNull() {
			taskOutput = models.MustJSON(map[string]any{"error": fin.Error, "output": cb.Output})
		}
	}

	applied, moved, err := i.Store.FinishRunAndTask(ctx, run.ID, fin, store.TaskTransition{
		From:   []models.TaskStatus{models.TaskStatusInProgress},
		To:     taskStatus,
		Output: taskOutput,
		At:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("could not finish run %s: %w", run.ID, err)
	}
	if !applied {
		// finalized by the reaper or a duplicate callback in the meantime
		return i.ignored(ctx, task, run), nil
	}
	run.Status = fin.Status
	run.Output = fin.Output
	run.Error = fin.Error
	run.Metrics = fin.Metrics
	run.EndedAt = null.TimeFrom(now)

	if moved {
		task.Status = taskStatus
		task.Output = taskOutput
		task.UpdatedAt = now
	} else {
		log.Warn().
			Str("task_id", task.ID).
			Str("status", string(task.Status)).
			Msg("Task left in_progress before its callback arrived, task status unchanged")
	}

	details := runDetails(task, run)
	entry := activity.Entry{
		CustomerID: task.CustomerID.String,
		Agent:      agentOf(task),
		Action:     fmt.Sprintf("Run %d of %q completed", run.RunNumber, task.Title),
		EventType:  activity.EventRunCompleted,
		Details:    details,
	}
	if !cb.Success {
		details["error"] = fin.Error
		entry.Action = fmt.Sprintf("Run %d of %q failed: %s", run.RunNumber, task.Title, fin.Error.Message)
		entry.EventType = activity.EventRunFailed
		entry.Severity = models.SeverityError
	}
	i.Recorder.Record(ctx, entry)
	i.Metrics.CallbackReceived(string(run.Status))

	log.Info().
		Str("task_id", task.ID).
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Msg("Callback applied")

	result := &IngestResult{Applied: true, Task: task, Run: run}
	if cb.Success {
		result.Warnings = i.validate(ctx, task, run, cb.Output)
	}
	return result, nil
}

// validate runs the advisory output check. Problems only produce a warning activity.
func (i *Ingestor) validate(ctx context.Context, task *models.Task, run *models.TaskRun, output models.JSON) []string {
	problems := ValidateOutput(run.Executor, output)
	if len(problems) == 0 {
		return nil
	}

	details := runDetails(task, run)
	details["problems"] = problems
	i.Recorder.Record(ctx, activity.Entry{
		CustomerID: task.CustomerID.String,
		Agent:      agentOf(task),
		Action:     fmt.Sprintf("Output of run %d of %q does not match the expected shape", run.RunNumber, task.Title),
		EventType:  activity.EventOutputValidation,
		Severity:   models.SeverityWarning,
		Details:    details,
	})
	log.Warn().
		Str("task_id", task.ID).
		Str("run_id", run.ID).
		Strs("problems", problems).
		Msg("Callback output failed validation")
	return problems
}

func (i *Ingestor) ignored(ctx context.Context, task *models.Task, run *models.TaskRun) *IngestResult {
	i.Metrics.CallbackReceived("ignored")
	i.Recorder.Record(ctx, activity.Entry{
		CustomerID: task.CustomerID.String,
		Agent:      agentOf(task),
		Action:     fmt.Sprintf("Callback for run %d of %q ignored, run is already %s", run.RunNumber, task.Title, run.Status),
		EventType:  activity.EventCallbackDuplicate,
		Severity:   models.SeverityWarning,
		Details:    runDetails(task, run),
	})
	log.Info().
		Str("task_id", task.ID).
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Msg("Callback for terminal run ignored")

	// reload so the caller sees the state that won
	if latest, err := i.Store.GetRunWithTask(ctx, run.ID); err == nil {
		task, run = &latest.Task, &latest.Run
	}
	return &IngestResult{Applied: false, Task: task, Run: run}
}

func (i *Ingestor) now() time.Time {
	if i.Now == nil {
		return time.Now().UTC()
	}
	return i.Now().UTC()
}
