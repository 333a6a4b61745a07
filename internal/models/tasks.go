package models

import (
	"strings"
	"time"

	"github.com/guregu/null/v6"
)

// This file contains the models backing the `tasks`, `task_runs` and `activities` tables

type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// DispatchableStatuses are the only task statuses from which a dispatch may start
var DispatchableStatuses = []TaskStatus{TaskStatusCreated, TaskStatusAssigned}

// Dispatchable returns true if a task in this status may be handed to an executor
func (s TaskStatus) Dispatchable() bool {
	return s == TaskStatusCreated || s == TaskStatusAssigned
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusAssigned, TaskStatusReview, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
)

// Terminal returns true if the run can no longer change
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusTimeout
}

// Task is a model representing the `tasks` table. A task is a unit of requested work.
type Task struct {
	ID              string      `db:"id" json:"id"`
	CustomerID      null.String `db:"customer_id" json:"customer_id"`
	ParentTaskID    null.String `db:"parent_task_id" json:"parent_task_id"`
	Title           string      `db:"title" json:"title"` // Never changes after creation
	Description     null.String `db:"description" json:"description"`
	AssignedAgent   null.String `db:"assigned_agent" json:"assigned_agent"`
	Executor        string      `db:"executor" json:"executor"` // "<backend>:<variant>", e.g. local:echo
	Priority        Priority    `db:"priority" json:"priority"`
	Status          TaskStatus  `db:"status" json:"status"`
	Input           JSON        `db:"input" json:"input"`
	Output          JSON        `db:"output" json:"output"`
	ApprovedBy      null.String `db:"approved_by" json:"approved_by"`
	ApprovedAt      null.Time   `db:"approved_at" json:"approved_at"`
	RateLimitedAt   null.Time   `db:"rate_limited_at" json:"rate_limited_at"`
	RateLimitReason null.String `db:"rate_limit_reason" json:"rate_limit_reason"`
	RunSeq          int         `db:"run_seq" json:"-"` // Last run number handed out for this task
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// TaskRun is a model representing the `task_runs` table. Each row is one execution attempt of a Task.
type TaskRun struct {
	ID            string      `db:"id" json:"id"`
	TaskID        string      `db:"task_id" json:"task_id"`
	RunNumber     int         `db:"run_number" json:"run_number"`
	Executor      string      `db:"executor" json:"executor"` // Snapshot of the task's executor at dispatch time
	Status        RunStatus   `db:"status" json:"status"`
	WorkerID      null.String `db:"worker_id" json:"worker_id"`
	InputSnapshot JSON        `db:"input_snapshot" json:"input_snapshot"`
	Output        JSON        `db:"output" json:"output"`
	Error         *RunError   `db:"error" json:"error"`
	QueuedAt      time.Time   `db:"queued_at" json:"queued_at"`
	StartedAt     null.Time   `db:"started_at" json:"started_at"`
	EndedAt       null.Time   `db:"ended_at" json:"ended_at"` // Once set, the run is terminal
	Metrics       *RunMetrics `db:"metrics" json:"metrics"`
}

// Terminal returns true if the run has been finalized
func (r *TaskRun) Terminal() bool {
	return r.EndedAt.Valid || r.Status.Terminal()
}

// Backend returns the backend portion of the run's executor snapshot
func (r *TaskRun) Backend() string {
	backend, _, _ := ParseExecutor(r.Executor)
	return backend
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Activity is an append-only audit record emitted on every state transition
type Activity struct {
	ID         int64       `db:"id" json:"id"`
	CustomerID null.String `db:"customer_id" json:"customer_id"`
	Agent      string      `db:"agent" json:"agent"`
	Action     string      `db:"action" json:"action"`
	EventType  string      `db:"event_type" json:"event_type"`
	Severity   Severity    `db:"severity" json:"severity"`
	Details    JSON        `db:"details" json:"details"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// ParseExecutor splits an executor identifier of the form "<backend>:<variant>". ok is false when
// either part is missing.
func ParseExecutor(executor string) (backend, variant string, ok bool) {
	backend, variant, found := strings.Cut(strings.TrimSpace(executor), ":")
	if !found || backend == "" || variant == "" {
		return backend, variant, false
	}
	return backend, variant, true
}
