package api_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskengine/internal/api"
	"taskengine/internal/dispatch"
	"taskengine/internal/models"
	"taskengine/internal/reaper"
)

type callbackBody struct {
	Success  bool            `json:"success"`
	Applied  bool            `json:"applied"`
	Task     *models.Task    `json:"task"`
	Run      *models.TaskRun `json:"run"`
	Warnings []string        `json:"warnings"`
}

func TestCallback(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, map[string]any{"customer_id": "c1", "title": "research", "executor": "claw:research"})

	rr := ts.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	run := decode[dispatch.Result](t, rr).Run

	rr = ts.do(t, http.MethodPost, "/api/callbacks", map[string]any{
		"task_id": task.ID,
		"run_id":  run.ID,
		"success": true,
		"output":  map[string]any{"summary": "ok", "findings": []string{"a"}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode[callbackBody](t, rr)
	assert.True(t, body.Success)
	assert.True(t, body.Applied)
	assert.Empty(t, body.Warnings)
	assert.Equal(t, models.TaskStatusCompleted, body.Task.Status)
	assert.Equal(t, models.RunStatusCompleted, body.Run.Status)

	// a duplicate is acknowledged but not applied
	rr = ts.do(t, http.MethodPost, "/api/callbacks", map[string]any{
		"task_id": task.ID,
		"run_id":  run.ID,
		"success": false,
		"error":   "late failure",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body = decode[callbackBody](t, rr)
	assert.False(t, body.Applied)
	assert.Equal(t, models.RunStatusCompleted, body.Run.Status)
}

func TestCallback_Errors(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/callbacks", map[string]any{"task_id": "t", "run_id": "r", "success": true})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, dispatch.CodeNotFound, decode[api.ErrorResponse](t, rr).Error)

	rr = ts.do(t, http.MethodPost, "/api/callbacks", map[string]any{"task_id": "t", "run_id": "r"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rr).Message, "success failed on rule 'required'")
}

func TestCallback_ErrorShapes(t *testing.T) {
	ts := newTestServer(t)
	dispatched := func(t *testing.T) (*models.Task, *models.TaskRun) {
		task := ts.createTask(t, map[string]any{"title": "research", "executor": "claw:research"})
		rr := ts.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/dispatch", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		return task, decode[dispatch.Result](t, rr).Run
	}

	t.Run("structured", func(t *testing.T) {
		task, run := dispatched(t)
		rr := ts.do(t, http.MethodPost, "/api/callbacks", map[string]any{
			"task_id": task.ID,
			"run_id":  run.ID,
			"success": false,
			"error":   map[string]any{"code": "quota_exceeded", "message": "daily quota used up"},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		body := decode[callbackBody](t, rr)
		assert.True(t, body.Applied)
		assert.Equal(t, models.TaskStatusFailed, body.Task.Status)
		require.NotNil(t, body.Run.Error)
		assert.Equal(t, "quota_exceeded", body.Run.Error.Code)
		assert.Equal(t, "daily quota used up", body.Run.Error.Message)
	})

	t.Run("plain message", func(t *testing.T) {
		task, run := dispatched(t)
		rr := ts.do(t, http.MethodPost, "/api/callbacks", map[string]any{
			"task_id": task.ID,
			"run_id":  run.ID,
			"success": false,
			"error":   "browser crashed",
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		body := decode[callbackBody](t, rr)
		require.NotNil(t, body.Run.Error)
		assert.Equal(t, dispatch.CodeExecutorError, body.Run.Error.Code)
		assert.Equal(t, "browser crashed", body.Run.Error.Message)
	})

	t.Run("object without message", func(t *testing.T) {
		task, run := dispatched(t)
		rr := ts.do(t, http.MethodPost, "/api/callbacks", map[string]any{
			"task_id": task.ID,
			"run_id":  run.ID,
			"success": false,
			"error":   map[string]any{"status": 503},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		body := decode[callbackBody](t, rr)
		require.NotNil(t, body.Run.Error)
		assert.Equal(t, dispatch.CodeExecutorError, body.Run.Error.Code)
		assert.JSONEq(t, `{"status":503}`, body.Run.Error.Message)
	})

	t.Run("unsupported", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/api/callbacks", map[string]any{
			"task_id": "t",
			"run_id":  "r",
			"success": false,
			"error":   42,
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestReaperSweep(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	task := &models.Task{Title: "stuck", Executor: "n8n:research", Priority: models.PriorityNormal, Status: models.TaskStatusCreated}
	require.NoError(t, ts.store.CreateTask(ctx, task))
	started := time.Now().UTC().Add(-10 * time.Minute)
	_, err := ts.store.ClaimTask(ctx, task.ID, &models.TaskRun{
		Executor:  task.Executor,
		Status:    models.RunStatusRunning,
		QueuedAt:  started,
		StartedAt: null.TimeFrom(started),
	})
	require.NoError(t, err)

	// the configured timeout is 15 minutes, nothing to reap yet
	rr := ts.do(t, http.MethodPost, "/api/reaper/sweep", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 0, decode[reaper.Result](t, rr).Reaped)

	rr = ts.do(t, http.MethodPost, "/api/reaper/sweep", map[string]any{"older_than_minutes": 5})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	result := decode[reaper.Result](t, rr)
	assert.Equal(t, 1, result.Reaped)
	assert.NotEmpty(t, result.Message)

	stored, err := ts.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)

	// zero reaps every running run
	fresh := &models.Task{Title: "fresh", Executor: "n8n:research", Priority: models.PriorityNormal, Status: models.TaskStatusCreated}
	require.NoError(t, ts.store.CreateTask(ctx, fresh))
	started = time.Now().UTC().Add(-30 * time.Second)
	_, err = ts.store.ClaimTask(ctx, fresh.ID, &models.TaskRun{
		Executor:  fresh.Executor,
		Status:    models.RunStatusRunning,
		QueuedAt:  started,
		StartedAt: null.TimeFrom(started),
	})
	require.NoError(t, err)

	rr = ts.do(t, http.MethodPost, "/api/reaper/sweep", map[string]any{"older_than_minutes": 0})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, decode[reaper.Result](t, rr).Reaped)
	stored, err = ts.store.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)

	rr = ts.do(t, http.MethodPost, "/api/reaper/sweep", map[string]any{"older_than_minutes": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestActivities(t *testing.T) {
	ts := newTestServer(t)
	ts.createTask(t, map[string]any{"customer_id": "c1", "title": "a", "executor": "local:echo"})
	ts.createTask(t, map[string]any{"customer_id": "c2", "title": "b", "executor": "local:echo"})

	rr := ts.do(t, http.MethodGet, "/api/activities?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, *decode[[]models.Activity](t, rr), 2)

	rr = ts.do(t, http.MethodGet, "/api/activities?customer_id=c2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := *decode[[]models.Activity](t, rr)
	require.Len(t, list, 1)
	assert.Equal(t, "task_created", list[0].EventType)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t, map[string]any{"title": "a", "executor": "local:echo"})
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/dispatch", nil).Code)

	rr := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `taskengine_dispatch_total{backend="local",result="completed"} 1`)
}
