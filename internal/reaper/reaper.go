package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"taskengine/internal/activity"
	"taskengine/internal/config"
	"taskengine/internal/metrics"
	"taskengine/internal/models"
	"taskengine/internal/store"
)

// CodeTimeout is the error code recorded on reaped runs
const CodeTimeout = "timeout"

// Result summarizes one sweep
type Result struct {
	Reaped  int    `json:"reaped"`
	Failed  int    `json:"failed"`
	Message string `json:"message"`
}

// Reaper force-terminates runs that have been running longer than the timeout without a callback.
// It sweeps on a fixed interval once started and can be triggered on demand.
type Reaper struct {
	store    store.Store
	recorder *activity.Recorder
	metrics  *metrics.Metrics
	cron     *cron.Cron

	Timeout   time.Duration
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time

	mu         sync.Mutex
	isRunning  bool
	entryID    cron.EntryID
	cancelFunc context.CancelFunc
}

// NewReaper creates a reaper using the timeout, interval and batch size of the configuration
func NewReaper(s store.Store, rec *activity.Recorder, m *metrics.Metrics, conf *config.Config) *Reaper {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)

	return &Reaper{
		store:     s,
		recorder:  rec,
		metrics:   m,
		cron:      c,
		Timeout:   conf.RunTimeout(),
		Interval:  conf.ReaperInterval(),
		BatchSize: conf.Reaper.BatchSize,
		Now:       time.Now,
	}
}

// Start schedules the periodic sweep. Calling Start on a running reaper does nothing.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return nil
	}
	if r.Interval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", r.Interval)
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	entryID, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.Interval), func() {
		if sweepCtx.Err() != nil {
			return // Context cancelled
		}
		if _, err := r.Sweep(sweepCtx); err != nil {
			log.Error().Err(err).Msg("Reaper sweep failed")
		}
	})
	if err != nil {
		cancel()
		return err
	}

	r.entryID = entryID
	r.cancelFunc = cancel
	r.cron.Start()
	r.isRunning = true

	log.Info().
		Dur("interval", r.Interval).
		Dur("timeout", r.Timeout).
		Msg("Reaper started")
	return nil
}

// Stop cancels the schedule and waits for an in-flight sweep to finish
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunning {
		return
	}

	r.cancelFunc()
	<-r.cron.Stop().Done()
	r.cron.Remove(r.entryID)
	r.isRunning = false
	log.Info().Msg("Reaper stopped")
}

// Sweep reaps runs older than the configured timeout
func (r *Reaper) Sweep(ctx context.Context) (*Result, error) {
	return r.SweepOnce(ctx, r.Timeout)
}

// SweepOnce reaps every running run that started more than olderThan ago. A failure on one run is
// logged and the sweep moves on to the next.
func (r *Reaper) SweepOnce(ctx context.Context, olderThan time.Duration) (*Result, error) {
	now := r.now()
	cutoff := now.Add(-olderThan)

	runs, err := r.store.ListStuckRuns(ctx, cutoff, r.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("could not list stuck runs: %w", err)
	}

	result := &Result{}
	for i := range runs {
		if ctx.Err() != nil {
			break
		}
		reaped, err := r.reap(ctx, &runs[i], olderThan, now)
		if err != nil {
			result.Failed++
			log.Error().
				Err(err).
				Str("run_id", runs[i].ID).
				Str("task_id", runs[i].TaskID).
				Msg("Could not reap run, skipping")
			continue
		}
		if reaped {
			result.Reaped++
		}
	}

	r.metrics.RunsReaped(result.Reaped)
	result.Message = fmt.Sprintf("reaped %d run(s) running for more than %s", result.Reaped, olderThan)
	if result.Failed > 0 {
		result.Message += fmt.Sprintf(", %d could not be reaped", result.Failed)
	}
	if result.Reaped > 0 || result.Failed > 0 {
		log.Info().
			Int("reaped", result.Reaped).
			Int("failed", result.Failed).
			Dur("older_than", olderThan).
			Msg("Reaper sweep finished")
	}
	return result, nil
}

func (r *Reaper) reap(ctx context.Context, run *models.TaskRun, olderThan time.Duration, now time.Time) (bool, error) {
	var duration int64
	if run.StartedAt.Valid {
		duration = now.Sub(run.StartedAt.Time).Milliseconds()
	}
	runErr := &models.RunError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("no callback received within %s", olderThan),
	}

	applied, _, err := r.store.FinishRunAndTask(ctx, run.ID, store.RunFinish{
		Status:  models.RunStatusTimeout,
		Error:   runErr,
		Metrics: &models.RunMetrics{DurationMS: duration},
		EndedAt: now,
	}, store.TaskTransition{
		From:   []models.TaskStatus{models.TaskStatusInProgress},
		To:     models.TaskStatusFailed,
		Output: models.MustJSON(map[string]any{"error": runErr}),
		At:     now,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		// a callback won the race
		return false, nil
	}

	task, err := r.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return true, fmt.Errorf("run reaped but task could not be loaded: %w", err)
	}

	r.recorder.Record(ctx, activity.Entry{
		CustomerID: task.CustomerID.String,
		Agent:      "reaper",
		Action:     fmt.Sprintf("Run %d of %q timed out", run.RunNumber, task.Title),
		EventType:  activity.EventRunTimeout,
		Severity:   models.SeverityError,
		Details: map[string]any{
			"task_id":     task.ID,
			"run_id":      run.ID,
			"run_number":  run.RunNumber,
			"executor":    run.Executor,
			"duration_ms": duration,
			"started_at":  run.StartedAt,
		},
	})
	log.Warn().
		Str("task_id", task.ID).
		Str("run_id", run.ID).
		Int64("duration_ms", duration).
		Msg("Run timed out")
	return true, nil
}

func (r *Reaper) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}
