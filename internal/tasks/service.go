package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"taskengine/internal/activity"
	"taskengine/internal/models"
	"taskengine/internal/store"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrInvalid  = errors.New("invalid task")
)

// TransitionError is returned when a lifecycle action is not allowed from the task's status
type TransitionError struct {
	Action string
	Status models.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a task that is %s", e.Action, e.Status)
}

// NewTask is the input of Create
type NewTask struct {
	CustomerID    string
	ParentTaskID  string
	Title         string
	Description   string
	AssignedAgent string
	Executor      string
	Priority      models.Priority
	Input         models.JSON
}

// Service owns the task lifecycle outside of dispatch: creation, the review gate and retries. Title
// is written once on creation and never again.
type Service struct {
	store    store.Store
	recorder *activity.Recorder
	Now      func() time.Time
}

func NewService(s store.Store, rec *activity.Recorder) *Service {
	return &Service{store: s, recorder: rec, Now: time.Now}
}

// Create stores a new task. It starts as assigned when an agent is given, created otherwise.
func (s *Service) Create(ctx context.Context, in NewTask) (*models.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if _, _, ok := models.ParseExecutor(in.Executor); !ok {
		return nil, fmt.Errorf("%w: executor must be of the form <backend>:<variant>", ErrInvalid)
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityNormal
	} else if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalid, priority)
	}
	if in.ParentTaskID != "" {
		if _, err := s.Get(ctx, in.ParentTaskID); err != nil {
			return nil, fmt.Errorf("parent task: %w", err)
		}
	}

	status := models.TaskStatusCreated
	if in.AssignedAgent != "" {
		status = models.TaskStatusAssigned
	}
	input := in.Input
	if input.IsNull() {
		input = models.JSON(`{}`)
	}

	task := &models.Task{
		CustomerID:    optional(in.CustomerID),
		ParentTaskID:  optional(in.ParentTaskID),
		Title:         title,
		Description:   optional(in.Description),
		AssignedAgent: optional(in.AssignedAgent),
		Executor:      strings.TrimSpace(in.Executor),
		Priority:      priority,
		Status:        status,
		Input:         input,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.record(ctx, task, activity.EventTaskCreated, fmt.Sprintf("Task %q created for %s", task.Title, task.Executor), nil)
	log.Info().Str("task_id", task.ID).Str("executor", task.Executor).Msg("Task created")
	return task, nil
}

func (s *Service) Get(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]models.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

func (s *Service) Runs(ctx context.Context, taskID string) ([]models.TaskRun, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListRunsByTask(ctx, taskID)
}

func (s *Service) UpdateDescription(ctx context.Context, taskID, description string) (*models.Task, error) {
	err := s.store.UpdateTaskDescription(ctx, taskID, optional(description), s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, task, activity.EventTaskUpdated, fmt.Sprintf("Description of %q updated", task.Title), nil)
	return task, nil
}

// RequestReview puts a created or assigned task behind the approval gate
func (s *Service) RequestReview(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.transition(ctx, taskID, "review", store.TaskTransition{
		From: models.DispatchableStatuses,
		To:   models.TaskStatusReview,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, task, activity.EventTaskReview, fmt.Sprintf("Task %q awaits approval", task.Title), nil)
	return task, nil
}

// Approve releases a task from review. It goes straight to in_progress when an agent is already
// assigned, otherwise back to assigned.
func (s *Service) Approve(ctx context.Context, taskID, approvedBy string) (*models.Task, error) {
	if strings.TrimSpace(approvedBy) == "" {
		return nil, fmt.Errorf("%w: approved_by is required", ErrInvalid)
	}

	current, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	to := models.TaskStatusAssigned
	if current.AssignedAgent.Valid && current.AssignedAgent.String != "" {
		to = models.TaskStatusInProgress
	}

	now := s.now()
	task, err := s.transition(ctx, taskID, "approve", store.TaskTransition{
		From:       []models.TaskStatus{models.TaskStatusReview},
		To:         to,
		ApprovedBy: null.StringFrom(approvedBy),
		ApprovedAt: null.TimeFrom(now),
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, task, activity.EventTaskApproved, fmt.Sprintf("Task %q approved by %s", task.Title, approvedBy),
		map[string]any{"approved_by": approvedBy, "status": task.Status})
	return task, nil
}

// Retry makes a failed task dispatchable again and clears its rate limit annotation
func (s *Service) Retry(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.transition(ctx, taskID, "retry", store.TaskTransition{
		From:           []models.TaskStatus{models.TaskStatusFailed},
		To:             models.TaskStatusCreated,
		ClearRateLimit: true,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, task, activity.EventTaskRetried, fmt.Sprintf("Task %q reset for retry", task.Title), nil)
	return task, nil
}

func (s *Service) transition(ctx context.Context, taskID, action string, tr store.TaskTransition) (*models.Task, error) {
	tr.At = s.now()
	ok, err := s.store.TransitionTask(ctx, taskID, tr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &TransitionError{Action: action, Status: task.Status}
	}
	return task, nil
}

func (s *Service) record(ctx context.Context, task *models.Task, eventType, action string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["task_id"] = task.ID
	agent := "api"
	if task.AssignedAgent.Valid {
		agent = task.AssignedAgent.String
	}
	s.recorder.Record(ctx, activity.Entry{
		CustomerID: task.CustomerID.String,
		Agent:      agent,
		Action:     action,
		EventType:  eventType,
		Details:    details,
	})
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func optional(s string) null.String {
	s = strings.TrimSpace(s)
	return null.NewString(s, s != "")
}
