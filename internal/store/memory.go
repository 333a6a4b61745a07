package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"taskengine/internal/models"
)

// MemoryStore is a Store kept entirely in process memory. It honours the same conditional
// semantics as PostgresStore and is used for tests and single-process development.
type MemoryStore struct {
	mu         sync.Mutex
	tasks      map[string]models.Task
	runs       map[string]models.TaskRun
	activities []models.Activity
	nextID     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]models.Task),
		runs:       make(map[string]models.TaskRun),
		activities: make([]models.Activity, 0, 128),
		nextID:     1,
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	m.tasks[task.ID] = cloneTask(*task)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneTask(task)
	return &out, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if filter.CustomerID != "" && t.CustomerID.String != filter.CustomerID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Executor != "" && t.Executor != filter.Executor {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateTaskDescription(_ context.Context, taskID string, description null.String, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.Description = description
	task.UpdatedAt = at
	m.tasks[taskID] = task
	return nil
}

func (m *MemoryStore) ClaimTask(_ context.Context, taskID string, run *models.TaskRun) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if !task.Status.Dispatchable() {
		return nil, &StateError{TaskID: taskID, Status: task.Status}
	}

	task.RunSeq++
	task.Status = models.TaskStatusInProgress
	task.UpdatedAt = run.QueuedAt
	m.tasks[taskID] = task

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.TaskID = taskID
	run.RunNumber = task.RunSeq
	m.runs[run.ID] = cloneRun(*run)

	out := cloneTask(task)
	return &out, nil
}

func (m *MemoryStore) TransitionTask(_ context.Context, taskID string, tr TaskTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return false, ErrNotFound
	}
	return m.transitionLocked(taskID, tr), nil
}

// transitionLocked applies tr to an existing task. The caller holds m.mu.
func (m *MemoryStore) transitionLocked(taskID string, tr TaskTransition) bool {
	task := m.tasks[taskID]
	if !slices.Contains(tr.From, task.Status) {
		return false
	}

	task.Status = tr.To
	if tr.Output != nil {
		task.Output = tr.Output.Clone()
	}
	if tr.ApprovedBy.Valid {
		task.ApprovedBy = tr.ApprovedBy
	}
	if tr.ApprovedAt.Valid {
		task.ApprovedAt = tr.ApprovedAt
	}
	if tr.ClearRateLimit {
		task.RateLimitedAt = null.Time{}
		task.RateLimitReason = null.String{}
	}
	task.UpdatedAt = tr.At
	m.tasks[taskID] = task
	return true
}

func (m *MemoryStore) MarkRateLimited(_ context.Context, taskID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.RateLimitedAt = null.TimeFrom(at)
	task.RateLimitReason = null.StringFrom(reason)
	task.UpdatedAt = at
	m.tasks[taskID] = task
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRun(run)
	return &out, nil
}

func (m *MemoryStore) GetRunWithTask(_ context.Context, runID string) (*RunWithTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	task, ok := m.tasks[run.TaskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &RunWithTask{Run: cloneRun(run), Task: cloneTask(task)}, nil
}

func (m *MemoryStore) ListRunsByTask(_ context.Context, taskID string) ([]models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.TaskRun, 0)
	for _, r := range m.runs {
		if r.TaskID == taskID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunNumber < out[j].RunNumber })
	return out, nil
}

func (m *MemoryStore) FinishRun(_ context.Context, runID string, fin RunFinish) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	return m.finishLocked(run, fin), nil
}

func (m *MemoryStore) FinishRunAndTask(_ context.Context, runID string, fin RunFinish, tr TaskTransition) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return false, false, ErrNotFound
	}
	if _, ok := m.tasks[run.TaskID]; !ok {
		return false, false, ErrNotFound
	}
	if !m.finishLocked(run, fin) {
		return false, false, nil
	}
	return true, m.transitionLocked(run.TaskID, tr), nil
}

// finishLocked writes the terminal state if the run is still running. The caller holds m.mu.
func (m *MemoryStore) finishLocked(run models.TaskRun, fin RunFinish) bool {
	if run.Status != models.RunStatusRunning || run.EndedAt.Valid {
		return false
	}

	run.Status = fin.Status
	run.Output = fin.Output.Clone()
	run.Error = cloneRunError(fin.Error)
	run.Metrics = cloneMetrics(fin.Metrics)
	run.EndedAt = null.TimeFrom(fin.EndedAt)
	m.runs[run.ID] = run
	return true
}

func (m *MemoryStore) ListStuckRuns(_ context.Context, startedBefore time.Time, limit int) ([]models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.TaskRun, 0)
	for _, r := range m.runs {
		if r.Status != models.RunStatusRunning || r.EndedAt.Valid || !r.StartedAt.Valid {
			continue
		}
		if !r.StartedAt.Time.Before(startedBefore) {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Time.Before(out[j].StartedAt.Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountRunningRuns(_ context.Context, customerID, backend string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, r := range m.runs {
		if r.Status != models.RunStatusRunning || !hasBackend(r.Executor, backend) {
			continue
		}
		if m.tasks[r.TaskID].CustomerID.String != customerID {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) CountRunsSince(_ context.Context, customerID, backend string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, r := range m.runs {
		if !hasBackend(r.Executor, backend) || r.QueuedAt.Before(since) {
			continue
		}
		if customerID != "" && m.tasks[r.TaskID].CustomerID.String != customerID {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) AppendActivity(_ context.Context, activity *models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	activity.ID = m.nextID
	m.nextID++
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	a := *activity
	a.Details = a.Details.Clone()
	m.activities = append(m.activities, a)
	return nil
}

func (m *MemoryStore) ListActivities(_ context.Context, filter ActivityFilter) ([]models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Activity, 0)
	// newest first
	for i := len(m.activities) - 1; i >= 0; i-- {
		a := m.activities[i]
		if filter.CustomerID != "" && a.CustomerID.String != filter.CustomerID {
			continue
		}
		if filter.EventType != "" && a.EventType != filter.EventType {
			continue
		}
		a.Details = a.Details.Clone()
		out = append(out, a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func hasBackend(executor, backend string) bool {
	return strings.HasPrefix(executor, backend+":")
}

func cloneTask(t models.Task) models.Task {
	t.Input = t.Input.Clone()
	t.Output = t.Output.Clone()
	return t
}

func cloneRun(r models.TaskRun) models.TaskRun {
	r.InputSnapshot = r.InputSnapshot.Clone()
	r.Output = r.Output.Clone()
	r.Error = cloneRunError(r.Error)
	r.Metrics = cloneMetrics(r.Metrics)
	return r
}

func cloneRunError(e *models.RunError) *models.RunError {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func cloneMetrics(m *models.RunMetrics) *models.RunMetrics {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}
