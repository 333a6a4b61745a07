package dispatch

import (
	"fmt"

	"taskengine/internal/models"
	"taskengine/internal/ratelimit"
)

// Error codes returned by Dispatch and Ingest. Executor failures reuse the codes of the executor
// package (unknown_executor, executor_not_allowed, transport_failure).
const (
	CodeInvalidState = "invalid_state"
	CodeRateLimited  = "rate_limited"
	CodeNotFound     = "not_found"
)

// Error is a failed dispatch or callback. Task and Run hold the best known state at the time of the
// failure and may be nil.
type Error struct {
	Code    string
	Message string
	// Status is the task status that made the dispatch invalid
	Status   models.TaskStatus
	Decision *ratelimit.Decision
	Task     *models.Task
	Run      *models.TaskRun
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RateLimited reports whether the dispatch was declined by the rate limiter
func (e *Error) RateLimited() bool {
	return e.Code == CodeRateLimited
}

func notFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func invalidState(task *models.Task, status models.TaskStatus) *Error {
	return &Error{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("task is %s, only created or assigned tasks can be dispatched", status),
		Status:  status,
		Task:    task,
	}
}
