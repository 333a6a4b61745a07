package activity

import (
	"context"
	"encoding/json"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"taskengine/internal/models"
	"taskengine/internal/queue"
	"taskengine/internal/store"
)

// Event types written by the engine
const (
	EventTaskCreated       = "task_created"
	EventTaskUpdated       = "task_updated"
	EventTaskReview        = "task_review_requested"
	EventTaskApproved      = "task_approved"
	EventTaskRetried       = "task_retried"
	EventRunStarted        = "run_started"
	EventRunDispatched     = "run_dispatched"
	EventRunCompleted      = "run_completed"
	EventRunFailed         = "run_failed"
	EventRunTimeout        = "run_timeout"
	EventRateLimited       = "rate_limited"
	EventOutputValidation  = "output_validation_warning"
	EventCallbackDuplicate = "callback_ignored"
)

// Entry is one audit event to record
type Entry struct {
	CustomerID string
	Agent      string
	Action     string
	EventType  string
	Severity   models.Severity
	Details    map[string]any
}

// Recorder appends audit events to the store and fans them out on the activity queue. Recording
// never fails the caller: errors are logged and dropped.
type Recorder struct {
	store store.Store
	queue queue.Client // optional
}

func NewRecorder(s store.Store, q queue.Client) *Recorder {
	return &Recorder{store: s, queue: q}
}

// Record writes the entry. It is safe to call on a nil *Recorder.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}

	act := &models.Activity{
		CustomerID: null.NewString(e.CustomerID, e.CustomerID != ""),
		Agent:      e.Agent,
		Action:     e.Action,
		EventType:  e.EventType,
		Severity:   e.Severity,
	}
	if e.Details != nil {
		details, err := json.Marshal(e.Details)
		if err != nil {
			log.Warn().Err(err).Str("event_type", e.EventType).Msg("Could not serialize activity details")
		} else {
			act.Details = details
		}
	}

	if err := r.store.AppendActivity(ctx, act); err != nil {
		log.Error().Err(err).Str("event_type", e.EventType).Msg("Could not record activity")
		return
	}

	if r.queue == nil {
		return
	}
	if err := r.queue.Publish(ctx, toMessage(act)); err != nil {
		log.Warn().Err(err).Int64("activity_id", act.ID).Msg("Could not publish activity")
	}
}

func toMessage(a *models.Activity) queue.ActivityMessage {
	msg := queue.ActivityMessage{
		ID:         a.ID,
		CustomerID: a.CustomerID.String,
		Agent:      a.Agent,
		Action:     a.Action,
		EventType:  a.EventType,
		Severity:   string(a.Severity),
		CreatedAt:  a.CreatedAt,
	}
	if !a.Details.IsNull() {
		msg.Details = json.RawMessage(a.Details)
	}
	return msg
}
