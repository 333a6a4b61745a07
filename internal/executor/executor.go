package executor

import (
	"context"
	"fmt"

	"taskengine/internal/models"
)

// Error codes recorded on runs that fail inside an executor
const (
	CodeUnknownExecutor    = "unknown_executor"
	CodeExecutorNotAllowed = "executor_not_allowed"
	CodeTransportFailure   = "transport_failure"
)

type Status string

const (
	// StatusCompleted means the work finished synchronously and Output holds the result
	StatusCompleted Status = "completed"
	// StatusFailed means the work could not be started or failed synchronously
	StatusFailed Status = "failed"
	// StatusAccepted means a remote system took the work and will report back via callback
	StatusAccepted Status = "accepted"
)

// Outcome is the result of handing a run to an executor
type Outcome struct {
	Status Status
	Output models.JSON
	Error  *models.RunError
}

func Completed(output models.JSON) Outcome {
	return Outcome{Status: StatusCompleted, Output: output}
}

func Accepted() Outcome {
	return Outcome{Status: StatusAccepted}
}

func Failed(code, format string, args ...any) Outcome {
	return Outcome{
		Status: StatusFailed,
		Error:  &models.RunError{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}

// Executor performs, or triggers, the work of one run. Implementations never return an error:
// every failure is expressed as a failed Outcome so it can be recorded on the run.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, run *models.TaskRun) Outcome
}
