package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"taskengine/internal/config"
	"taskengine/internal/models"
)

// RestrictedBackend is the executor backend whose dispatches are subject to limits
const RestrictedBackend = "claw"

const (
	ReasonConcurrent = "concurrent_limit"
	ReasonHourly     = "hourly_limit"

	// Only produced under OnErrorDeny
	ReasonUnavailable = "limit_check_failed"

	ScopeCustomer = "customer"
	ScopeGlobal   = "global"
)

// OnError decides what happens when the limits cannot be evaluated
type OnError string

const (
	OnErrorAllow OnError = "allow"
	OnErrorDeny  OnError = "deny"
)

// Counter is the slice of the run store the limiter reads
type Counter interface {
	CountRunningRuns(ctx context.Context, customerID, backend string) (int, error)
	CountRunsSince(ctx context.Context, customerID, backend string, since time.Time) (int, error)
}

type Limits struct {
	MaxConcurrentPerCustomer int
	MaxPerCustomerPerHour    int
	MaxGlobalPerHour         int
}

// Decision is the outcome of CheckLimits. Reason and Scope are only set when Allowed is false.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
	Scope   string         `json:"scope,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type Limiter struct {
	Counter Counter
	Limits  Limits
	OnError OnError
	Now     func() time.Time
}

func New(counter Counter, conf *config.Config) *Limiter {
	return &Limiter{
		Counter: counter,
		Limits: Limits{
			MaxConcurrentPerCustomer: conf.RateLimit.MaxConcurrentPerCustomer,
			MaxPerCustomerPerHour:    conf.RateLimit.MaxPerCustomerPerHour,
			MaxGlobalPerHour:         conf.RateLimit.MaxGlobalPerHour,
		},
		OnError: OnError(conf.RateLimit.OnError),
		Now:     time.Now,
	}
}

// Restricted reports whether dispatches of the executor are rate limited
func Restricted(executor string) bool {
	backend, _, ok := models.ParseExecutor(executor)
	return ok && backend == RestrictedBackend
}

// CheckLimits evaluates, in order, the customer's concurrency, the customer's hourly quota and the
// global hourly quota. The first exceeded limit wins. Without a customer only the global quota
// applies.
func (l *Limiter) CheckLimits(ctx context.Context, customerID, executor string) Decision {
	if !Restricted(executor) {
		return Decision{Allowed: true}
	}

	since := l.now().Add(-time.Hour)

	if customerID != "" {
		running, err := l.Counter.CountRunningRuns(ctx, customerID, RestrictedBackend)
		if err != nil {
			return l.failure(err, customerID, executor)
		}
		if running >= l.Limits.MaxConcurrentPerCustomer {
			return Decision{
				Reason: ReasonConcurrent,
				Scope:  ScopeCustomer,
				Details: map[string]any{
					"running": running,
					"limit":   l.Limits.MaxConcurrentPerCustomer,
					"message": fmt.Sprintf("customer already has %d running %s tasks", running, RestrictedBackend),
				},
			}
		}

		hourly, err := l.Counter.CountRunsSince(ctx, customerID, RestrictedBackend, since)
		if err != nil {
			return l.failure(err, customerID, executor)
		}
		if hourly >= l.Limits.MaxPerCustomerPerHour {
			return Decision{
				Reason: ReasonHourly,
				Scope:  ScopeCustomer,
				Details: map[string]any{
					"count":   hourly,
					"limit":   l.Limits.MaxPerCustomerPerHour,
					"message": fmt.Sprintf("customer dispatched %d %s tasks in the last hour", hourly, RestrictedBackend),
				},
			}
		}
	}

	global, err := l.Counter.CountRunsSince(ctx, "", RestrictedBackend, since)
	if err != nil {
		return l.failure(err, customerID, executor)
	}
	if global >= l.Limits.MaxGlobalPerHour {
		return Decision{
			Reason: ReasonHourly,
			Scope:  ScopeGlobal,
			Details: map[string]any{
				"count":   global,
				"limit":   l.Limits.MaxGlobalPerHour,
				"message": fmt.Sprintf("%d %s tasks dispatched in the last hour across all customers", global, RestrictedBackend),
			},
		}
	}

	return Decision{Allowed: true}
}

func (l *Limiter) failure(err error, customerID, executor string) Decision {
	if l.OnError == OnErrorDeny {
		log.Error().Err(err).
			Str("customer_id", customerID).
			Str("executor", executor).
			Msg("Could not evaluate rate limits, denying dispatch")
		return Decision{
			Reason:  ReasonUnavailable,
			Scope:   ScopeGlobal,
			Details: map[string]any{"message": "rate limits could not be evaluated", "error": err.Error()},
		}
	}

	log.Warn().Err(err).
		Str("customer_id", customerID).
		Str("executor", executor).
		Msg("Could not evaluate rate limits, allowing dispatch")
	return Decision{Allowed: true}
}

func (l *Limiter) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}
