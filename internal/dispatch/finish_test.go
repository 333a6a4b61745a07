package dispatch_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskengine/internal/activity"
	"taskengine/internal/config"
	"taskengine/internal/dispatch"
	"taskengine/internal/models"
	"taskengine/internal/reaper"
	"taskengine/internal/store"
	"taskengine/internal/tasks"
)

// brokenWriteStore fails the next n finishing writes as a dropped connection would
type brokenWriteStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

func (b *brokenWriteStore) FinishRunAndTask(ctx context.Context, runID string, fin store.RunFinish, tr store.TaskTransition) (bool, bool, error) {
	if b.failures.Add(-1) >= 0 {
		return false, false, errors.New("connection reset by peer")
	}
	return b.MemoryStore.FinishRunAndTask(ctx, runID, fin, tr)
}

func TestIngest_FailedWriteLeavesRunRecoverable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.startRunningRun(t, "c1", "n8n:research", 20*time.Minute)

	s := &brokenWriteStore{MemoryStore: e.store}
	s.failures.Store(1)
	rec := activity.NewRecorder(s, nil)
	ingestor := dispatch.NewIngestor(s, rec, nil)

	_, err := ingestor.Ingest(ctx, dispatch.Callback{TaskID: run.TaskID, RunID: run.ID, Success: true})
	require.Error(t, err)

	// nothing was half written
	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, stored.Status)
	assert.False(t, stored.EndedAt.Valid)
	task, err := s.GetTask(ctx, run.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, task.Status)

	// the run is still visible to the reaper, which fails the task with it
	conf := &config.Config{}
	conf.Reaper.IntervalSec = 1
	conf.Reaper.RunTimeoutMin = 15
	conf.Reaper.BatchSize = 100
	result, err := reaper.NewReaper(s, rec, nil, conf).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reaped)
	assert.Zero(t, result.Failed)

	task, err = s.GetTask(ctx, run.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	stored, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusTimeout, stored.Status)

	// and the task can be retried and dispatched again
	task, err = tasks.NewService(s, rec).Retry(ctx, run.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCreated, task.Status)

	e.dispatcher.Store = s
	res, err := e.dispatcher.Dispatch(ctx, run.TaskID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Run.RunNumber)
	assert.Equal(t, models.TaskStatusInProgress, res.Task.Status)
}

func TestIngest_RetriedCallbackAfterFailedWrite(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.startRunningRun(t, "c1", "n8n:research", time.Minute)

	s := &brokenWriteStore{MemoryStore: e.store}
	s.failures.Store(1)
	ingestor := dispatch.NewIngestor(s, activity.NewRecorder(s, nil), nil)

	cb := dispatch.Callback{TaskID: run.TaskID, RunID: run.ID, Success: true, Output: models.MustJSON(map[string]any{"n": 1})}
	_, err := ingestor.Ingest(ctx, cb)
	require.Error(t, err)

	result, err := ingestor.Ingest(ctx, cb)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, models.RunStatusCompleted, result.Run.Status)
	assert.Equal(t, models.TaskStatusCompleted, result.Task.Status)
}
