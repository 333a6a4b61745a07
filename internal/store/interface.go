package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"taskengine/internal/models"
)

// ErrNotFound is returned when the requested task or run does not exist
var ErrNotFound = errors.New("not found")

// StateError is returned by ClaimTask when the task exists but is not in a dispatchable status
type StateError struct {
	TaskID string
	Status models.TaskStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %s is in status %q and cannot be dispatched", e.TaskID, e.Status)
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	CustomerID string
	Status     models.TaskStatus
	Executor   string
	Limit      int
}

// TaskTransition describes a conditional task update. The update only happens when the task's
// current status is one of From.
type TaskTransition struct {
	From           []models.TaskStatus
	To             models.TaskStatus
	Output         models.JSON // Written only when non-nil
	ApprovedBy     null.String // Written only when valid
	ApprovedAt     null.Time   // Written only when valid
	ClearRateLimit bool
	At             time.Time
}

// RunFinish is the terminal state written onto a run
type RunFinish struct {
	Status  models.RunStatus
	Output  models.JSON
	Error   *models.RunError
	Metrics *models.RunMetrics
	EndedAt time.Time
}

// RunWithTask is a run joined to its parent task
type RunWithTask struct {
	Run  models.TaskRun
	Task models.Task
}

// ActivityFilter narrows ListActivities
type ActivityFilter struct {
	CustomerID string
	EventType  string
	Limit      int
}

// Store is the persistent store for tasks, their runs and the activity log. Every conditional
// write reports whether it took effect so callers never act on a lost race.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error)
	UpdateTaskDescription(ctx context.Context, taskID string, description null.String, at time.Time) error

	// ClaimTask atomically moves a dispatchable task to in_progress, assigns the next run number
	// and inserts the run. Returns *StateError when the task is not dispatchable.
	ClaimTask(ctx context.Context, taskID string, run *models.TaskRun) (*models.Task, error)
	TransitionTask(ctx context.Context, taskID string, tr TaskTransition) (bool, error)
	MarkRateLimited(ctx context.Context, taskID, reason string, at time.Time) error

	GetRun(ctx context.Context, runID string) (*models.TaskRun, error)
	GetRunWithTask(ctx context.Context, runID string) (*RunWithTask, error)
	ListRunsByTask(ctx context.Context, taskID string) ([]models.TaskRun, error)
	// FinishRun writes the terminal state only if the run is still running
	FinishRun(ctx context.Context, runID string, fin RunFinish) (bool, error)
	// FinishRunAndTask finishes the run and applies tr to its task in one atomic write. Nothing is
	// written when the run is no longer running. taskMoved is false when the task was not in tr.From.
	FinishRunAndTask(ctx context.Context, runID string, fin RunFinish, tr TaskTransition) (runApplied, taskMoved bool, err error)
	ListStuckRuns(ctx context.Context, startedBefore time.Time, limit int) ([]models.TaskRun, error)

	// CountRunningRuns counts running runs of the given executor backend for tasks owned by customerID
	CountRunningRuns(ctx context.Context, customerID, backend string) (int, error)
	// CountRunsSince counts runs of the backend queued at or after since. An empty customerID
	// counts across all customers.
	CountRunsSince(ctx context.Context, customerID, backend string, since time.Time) (int, error)

	AppendActivity(ctx context.Context, activity *models.Activity) error
	ListActivities(ctx context.Context, filter ActivityFilter) ([]models.Activity, error)
}
