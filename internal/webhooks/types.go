// Package webhooks delivers signed event notifications to registered
// consumer URLs. Deliveries are persisted, retried with bounded backoff,
// rate limited per endpoint through the channel scope, and reported back
// to the metrics aggregator as synthetic observations.
package webhooks

import (
	"math/rand"
	"time"
)

// Delivery statuses
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusSucceeded = "succeeded"
	StatusAbandoned = "abandoned"
)

// Endpoint is a registered webhook consumer
type Endpoint struct {
	ID            string     `bson:"_id"`
	TenantID      string     `bson:"tenant_id"`
	URL           string     `bson:"url"`
	Secret        string     `bson:"secret"` // encrypted at rest
	Events        []string   `bson:"events"`
	Active        bool       `bson:"active"`
	FailureCount  int64      `bson:"failure_count"`
	LastAttemptAt *time.Time `bson:"last_attempt_at,omitempty"`
	LastStatus    int        `bson:"last_status,omitempty"`
	LastError     string     `bson:"last_error,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
}

// Subscribed reports whether the endpoint wants the event
func (e *Endpoint) Subscribed(event string) bool {
	for _, ev := range e.Events {
		if ev == event || ev == "*" {
			return true
		}
	}
	return false
}

// Delivery is one event notification aimed at one endpoint. It is
// consumed by the dispatcher until it succeeds or its attempt budget is
// exhausted, then retained for audit.
type Delivery struct {
	ID            string     `bson:"_id"`
	TenantID      string     `bson:"tenant_id"`
	EndpointID    string     `bson:"endpoint_id"`
	Event         string     `bson:"event"`
	Payload       []byte     `bson:"payload"`
	Attempts      int        `bson:"attempts"`
	MaxAttempts   int        `bson:"max_attempts"`
	Status        string     `bson:"status"`
	NextAttemptAt time.Time  `bson:"next_attempt_at"`
	LastError     string     `bson:"last_error,omitempty"`
	LastStatus    int        `bson:"last_status,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	CompletedAt   *time.Time `bson:"completed_at,omitempty"`
}

// attemptBudgets maps event types to their retry budget. Unlisted events
// use defaultAttempts.
var attemptBudgets = map[string]int{
	"booking.created":   3,
	"booking.updated":   3,
	"booking.cancelled": 3,
	"rate.updated":      5,
	"room.status":       3,
	"guest.checked_in":  3,
	"guest.checked_out": 3,
}

const defaultAttempts = 3

// AttemptBudget returns the attempt budget for an event type
func AttemptBudget(event string) int {
	if n, ok := attemptBudgets[event]; ok {
		return n
	}
	return defaultAttempts
}

// BackoffPolicy computes retry delays: min(maxDelay, initial*multiplier^i)
// with ±jitter applied as a fraction of the delay.
type BackoffPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
}

// DefaultBackoff doubles from 30 seconds up to 15 minutes with 20% jitter
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: 30 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     15 * time.Minute,
		Jitter:       0.2,
	}
}

// Delay returns the backoff before retry attempt i (zero-based)
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		// Uniform in [1-jitter, 1+jitter]
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}
