package executor

import (
	"context"
	"encoding/json"
	"time"

	"taskengine/internal/models"
)

// Echo is the in-process executor of the local backend. It completes immediately with a payload
// describing what it received.
type Echo struct {
	Now func() time.Time
}

type echoOutput struct {
	Echo          bool            `json:"echo"`
	InputReceived json.RawMessage `json:"input_received"`
	TaskID        string          `json:"task_id"`
	Title         string          `json:"title"`
	Executor      string          `json:"executor"`
	RunNumber     int             `json:"run_number"`
	ProcessedAt   time.Time       `json:"processed_at"`
}

func (e *Echo) Execute(_ context.Context, task *models.Task, run *models.TaskRun) Outcome {
	_, variant, _ := models.ParseExecutor(run.Executor)
	if variant != "echo" {
		return Failed(CodeUnknownExecutor, "local executor has no variant %q", variant)
	}

	input := json.RawMessage("null")
	if !run.InputSnapshot.IsNull() {
		input = json.RawMessage(run.InputSnapshot)
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	output, err := json.Marshal(echoOutput{
		Echo:          true,
		InputReceived: input,
		TaskID:        task.ID,
		Title:         task.Title,
		Executor:      run.Executor,
		RunNumber:     run.RunNumber,
		ProcessedAt:   now().UTC(),
	})
	if err != nil {
		return Failed(CodeTransportFailure, "could not build echo output: %v", err)
	}
	return Completed(output)
}
