package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"taskengine/internal/models"
)

const taskColumns = `id, customer_id, parent_task_id, title, description, assigned_agent, executor, priority, status,
input, output, approved_by, approved_at, rate_limited_at, rate_limit_reason, run_seq, created_at, updated_at`

const runColumns = `id, task_id, run_number, executor, status, worker_id, input_snapshot, output, error,
queued_at, started_at, ended_at, metrics`

// PostgresStore implements Store on top of the tables created by the database migrations
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = task.CreatedAt

	_, err := p.db.ExecContext(ctx, `
INSERT INTO tasks (id, customer_id, parent_task_id, title, description, assigned_agent, executor, priority, status,
                   input, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, '{}'::JSONB), $11, $12)`,
		task.ID, task.CustomerID, task.ParentTaskID, task.Title, task.Description, task.AssignedAgent,
		task.Executor, task.Priority, task.Status, task.Input, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("could not insert task: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	if !validID(taskID) {
		return nil, ErrNotFound
	}

	var task models.Task
	if err := p.db.GetContext(ctx, &task, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID); err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

func (p *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	where = append(where, "1=1")
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Executor != "" {
		add("executor = $%d", filter.Executor)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	tasks := make([]models.Task, 0)
	if err := p.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (p *PostgresStore) UpdateTaskDescription(ctx context.Context, taskID string, description null.String, at time.Time) error {
	if !validID(taskID) {
		return ErrNotFound
	}

	res, err := p.db.ExecContext(ctx, `UPDATE tasks SET description = $2, updated_at = $3 WHERE id = $1`, taskID, description, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTask transitions the task with a single conditional update and takes the run number from the
// task's own counter, so two concurrent dispatches can never both succeed or share a run number.
func (p *PostgresStore) ClaimTask(ctx context.Context, taskID string, run *models.TaskRun) (*models.Task, error) {
	if !validID(taskID) {
		return nil, ErrNotFound
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollbackTx(tx)

	var task models.Task
	err = tx.GetContext(ctx, &task, `
UPDATE tasks
SET status = $2,
    run_seq = run_seq + 1,
    updated_at = $3
WHERE id = $1
  AND status IN ($4, $5)
RETURNING `+taskColumns,
		taskID, models.TaskStatusInProgress, run.QueuedAt, models.TaskStatusCreated, models.TaskStatusAssigned,
	)
	if errors.Is(err, sql.ErrNoRows) {
		var status models.TaskStatus
		if err := tx.GetContext(ctx, &status, `SELECT status FROM tasks WHERE id = $1`, taskID); err != nil {
			return nil, notFound(err)
		}
		return nil, &StateError{TaskID: taskID, Status: status}
	} else if err != nil {
		return nil, fmt.Errorf("could not claim task: %w", err)
	}

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.TaskID = taskID
	run.RunNumber = task.RunSeq

	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_runs (id, task_id, run_number, executor, status, worker_id, input_snapshot, queued_at, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.TaskID, run.RunNumber, run.Executor, run.Status, run.WorkerID, run.InputSnapshot, run.QueuedAt, run.StartedAt,
	); err != nil {
		return nil, fmt.Errorf("could not insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &task, nil
}

func (p *PostgresStore) TransitionTask(ctx context.Context, taskID string, tr TaskTransition) (bool, error) {
	if !validID(taskID) {
		return false, ErrNotFound
	}
	return transitionTask(ctx, p.db, taskID, tr)
}

func transitionTask(ctx context.Context, db sqlx.ExtContext, taskID string, tr TaskTransition) (bool, error) {
	if len(tr.From) == 0 {
		return false, errors.New("transition requires at least one source status")
	}

	args := []any{taskID, tr.To, tr.At}
	sets := []string{"status = $2", "updated_at = $3"}
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if tr.Output != nil {
		set("output = $%d", tr.Output)
	}
	if tr.ApprovedBy.Valid {
		set("approved_by = $%d", tr.ApprovedBy)
	}
	if tr.ApprovedAt.Valid {
		set("approved_at = $%d", tr.ApprovedAt)
	}
	if tr.ClearRateLimit {
		sets = append(sets, "rate_limited_at = NULL", "rate_limit_reason = NULL")
	}

	from := make([]string, len(tr.From))
	for i, s := range tr.From {
		args = append(args, s)
		from[i] = fmt.Sprintf("$%d", len(args))
	}

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $1 AND status IN (%s)`, strings.Join(sets, ", "), strings.Join(from, ", "))
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		if err := sqlx.GetContext(ctx, db, &exists, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, taskID); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) MarkRateLimited(ctx context.Context, taskID, reason string, at time.Time) error {
	if !validID(taskID) {
		return ErrNotFound
	}

	res, err := p.db.ExecContext(ctx, `
UPDATE tasks
SET rate_limited_at = $2,
    rate_limit_reason = $3,
    updated_at = $2
WHERE id = $1`, taskID, at, reason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (*models.TaskRun, error) {
	if !validID(runID) {
		return nil, ErrNotFound
	}

	var run models.TaskRun
	if err := p.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM task_runs WHERE id = $1`, runID); err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

func (p *PostgresStore) GetRunWithTask(ctx context.Context, runID string) (*RunWithTask, error) {
	run, err := p.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	task, err := p.GetTask(ctx, run.TaskID)
	if err != nil {
		return nil, err
	}
	return &RunWithTask{Run: *run, Task: *task}, nil
}

func (p *PostgresStore) ListRunsByTask(ctx context.Context, taskID string) ([]models.TaskRun, error) {
	runs := make([]models.TaskRun, 0)
	if !validID(taskID) {
		return runs, nil
	}

	if err := p.db.SelectContext(ctx, &runs, `SELECT `+runColumns+` FROM task_runs WHERE task_id = $1 ORDER BY run_number`, taskID); err != nil {
		return nil, err
	}
	return runs, nil
}

func (p *PostgresStore) FinishRun(ctx context.Context, runID string, fin RunFinish) (bool, error) {
	if !validID(runID) {
		return false, ErrNotFound
	}

	_, applied, err := finishRun(ctx, p.db, runID, fin)
	return applied, err
}

func (p *PostgresStore) FinishRunAndTask(ctx context.Context, runID string, fin RunFinish, tr TaskTransition) (bool, bool, error) {
	if !validID(runID) {
		return false, false, ErrNotFound
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, false, err
	}
	defer rollbackTx(tx)

	taskID, applied, err := finishRun(ctx, tx, runID, fin)
	if err != nil || !applied {
		return false, false, err
	}

	moved, err := transitionTask(ctx, tx, taskID, tr)
	if err != nil {
		return false, false, err
	}

	if err := tx.Commit(); err != nil {
		return false, false, err
	}
	return true, moved, nil
}

// finishRun writes the terminal state of a running run and returns the id of its task.
func finishRun(ctx context.Context, db sqlx.ExtContext, runID string, fin RunFinish) (string, bool, error) {
	var taskID string
	err := db.QueryRowxContext(ctx, `
UPDATE task_runs
SET status = $2,
    output = $3,
    error = $4,
    metrics = $5,
    ended_at = $6
WHERE id = $1
  AND status = $7
  AND ended_at IS NULL
RETURNING task_id`,
		runID, fin.Status, fin.Output, fin.Error, fin.Metrics, fin.EndedAt, models.RunStatusRunning,
	).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Debug().Str("run_id", runID).Msg("Run was already finalized, skipping update")
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return taskID, true, nil
}

func (p *PostgresStore) ListStuckRuns(ctx context.Context, startedBefore time.Time, limit int) ([]models.TaskRun, error) {
	runs := make([]models.TaskRun, 0)
	err := p.db.SelectContext(ctx, &runs, `
SELECT `+runColumns+`
FROM task_runs
WHERE status = $1
  AND ended_at IS NULL
  AND started_at < $2
ORDER BY started_at
LIMIT NULLIF($3::INT, 0)`, models.RunStatusRunning, startedBefore, limit)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (p *PostgresStore) CountRunningRuns(ctx context.Context, customerID, backend string) (int, error) {
	var count int
	err := p.db.GetContext(ctx, &count, `
SELECT COUNT(*)
FROM task_runs r
JOIN tasks t ON t.id = r.task_id
WHERE r.status = $1
  AND r.executor LIKE $2
  AND t.customer_id = $3`, models.RunStatusRunning, backend+":%", customerID)
	return count, err
}

func (p *PostgresStore) CountRunsSince(ctx context.Context, customerID, backend string, since time.Time) (int, error) {
	var count int
	err := p.db.GetContext(ctx, &count, `
SELECT COUNT(*)
FROM task_runs r
JOIN tasks t ON t.id = r.task_id
WHERE r.executor LIKE $1
  AND r.queued_at >= $2
  AND ($3::TEXT = '' OR t.customer_id = $3::TEXT)`, backend+":%", since, customerID)
	return count, err
}

func (p *PostgresStore) AppendActivity(ctx context.Context, activity *models.Activity) error {
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}

	return p.db.QueryRowContext(ctx, `
INSERT INTO activities (customer_id, agent, action, event_type, severity, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
		activity.CustomerID, activity.Agent, activity.Action, activity.EventType, activity.Severity, activity.Details, activity.CreatedAt,
	).Scan(&activity.ID)
}

func (p *PostgresStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]models.Activity, error) {
	where := []string{"1=1"}
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}

	query := `SELECT id, customer_id, agent, action, event_type, severity, details, created_at FROM activities WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	activities := make([]models.Activity, 0)
	if err := p.db.SelectContext(ctx, &activities, query, args...); err != nil {
		return nil, err
	}
	return activities, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func rollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Msg("Could not rollback transaction")
	}
}
