package queue

import (
	"context"
	"encoding/json"
	"time"
)

// ActivityMessage is an audit event fanned out to live consumers such as the dashboard broadcaster
type ActivityMessage struct {
	ID         int64           `json:"id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Agent      string          `json:"agent"`
	Action     string          `json:"action"`
	EventType  string          `json:"event_type"`
	Severity   string          `json:"severity"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Client defines the interface for activity queue operations
type Client interface {
	Publish(ctx context.Context, message ActivityMessage) error
	Subscribe(ctx context.Context, handler func(ActivityMessage)) error
	Close() error
}
