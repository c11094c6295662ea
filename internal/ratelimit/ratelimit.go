// Package ratelimit implements the multi-scope, multi-window limiter that
// guards the public API and webhook delivery. Scopes are evaluated in a
// fixed order (tenant, user, key, category, channel) and the first denial
// wins. Counter-store failures fail open: an unreachable store must never
// take the API down with it.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/counters"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/timewin"
)

// PriorityUrgent bypasses the user, key and category scopes. Tenant and
// channel scopes are always enforced.
const PriorityUrgent = "urgent"

// Quota holds per-window request caps. Zero means "no cap for this window".
type Quota struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func (q Quota) forWindow(w timewin.Window) int {
	switch w {
	case timewin.Minute:
		return q.PerMinute
	case timewin.Hour:
		return q.PerHour
	case timewin.Day:
		return q.PerDay
	}
	return 0
}

// CategoryCap holds the tightened hour/day caps for a message category
type CategoryCap struct {
	PerHour int
	PerDay  int
}

// Config carries the default caps per scope
type Config struct {
	Tenant   Quota
	User     Quota
	Key      Quota // fallback when the key carries no quota of its own
	Channel  Quota
	Category map[string]CategoryCap
}

// DefaultConfig returns the standing caps. Category caps for promotional
// and emergency traffic are deliberately tighter than the general scopes.
func DefaultConfig() Config {
	return Config{
		Tenant:  Quota{PerMinute: 1000, PerHour: 20000, PerDay: 200000},
		User:    Quota{PerMinute: 120, PerHour: 3000, PerDay: 20000},
		Key:     Quota{PerMinute: 60, PerHour: 1000, PerDay: 10000},
		Channel: Quota{PerMinute: 30, PerHour: 500, PerDay: 5000},
		Category: map[string]CategoryCap{
			"promotional": {PerHour: 100, PerDay: 500},
			"emergency":   {PerHour: 50, PerDay: 200},
		},
	}
}

// Request identifies the actors of one rate-limited operation
type Request struct {
	Tenant   string
	UserID   string
	KeyID    string
	Category string
	Channels []string
	Priority string
	// KeyQuota overrides Config.Key when the presented API key carries
	// per-key quotas.
	KeyQuota *Quota
}

// Decision is the outcome of a Check
type Decision struct {
	Allowed bool
	Reason  string
	ResetAt time.Time
	Scope   string

	// Minute-window values for the narrowest enforced scope, used to
	// populate X-RateLimit-* response headers.
	MinuteLimit     int
	MinuteRemaining int
	MinuteResetAt   time.Time
}

// Limiter evaluates and records multi-scope counters
type Limiter struct {
	store    counters.Store
	clock    timewin.Clock
	config   Config
	logger   *logrus.Logger
	failOpen prometheus.Counter
}

// NewLimiter creates a rate limiter on top of a counter store
func NewLimiter(store counters.Store, clock timewin.Clock, config Config, logger *logrus.Logger, failOpen prometheus.Counter) *Limiter {
	if clock == nil {
		clock = timewin.SystemClock{}
	}
	return &Limiter{
		store:    store,
		clock:    clock,
		config:   config,
		logger:   logger,
		failOpen: failOpen,
	}
}

type scopeCheck struct {
	scope  string
	id     string
	window timewin.Window
	limit  int
}

// counterKey builds the store key for one (scope, id, window, bucket)
func counterKey(scope, id string, window timewin.Window, bucketStart time.Time) string {
	return scope + ":" + id + ":" + string(window) + ":" + strconv.FormatInt(bucketStart.Unix(), 10)
}

// checks expands a request into the ordered list of scope/window pairs to
// evaluate. First-deny-wins order per the access policy.
func (l *Limiter) checks(req Request) []scopeCheck {
	urgent := req.Priority == PriorityUrgent
	var out []scopeCheck

	add := func(scope, id string, q Quota, windows ...timewin.Window) {
		if id == "" {
			return
		}
		for _, w := range windows {
			if limit := q.forWindow(w); limit > 0 {
				out = append(out, scopeCheck{scope: scope, id: id, window: w, limit: limit})
			}
		}
	}

	add("tenant", req.Tenant, l.config.Tenant, timewin.Minute, timewin.Hour, timewin.Day)

	if !urgent {
		add("user", req.UserID, l.config.User, timewin.Minute, timewin.Hour, timewin.Day)

		keyQuota := l.config.Key
		if req.KeyQuota != nil {
			keyQuota = *req.KeyQuota
		}
		add("key", req.KeyID, keyQuota, timewin.Minute, timewin.Hour, timewin.Day)

		if cc, ok := l.config.Category[req.Category]; ok {
			add("category", req.Tenant+":"+req.Category,
				Quota{PerHour: cc.PerHour, PerDay: cc.PerDay},
				timewin.Hour, timewin.Day)
		}
	}

	for _, ch := range req.Channels {
		add("channel", req.Tenant+":"+ch, l.config.Channel, timewin.Minute, timewin.Hour, timewin.Day)
	}

	return out
}

// Check evaluates the request without consuming budget. Callers that
// enforce must call Record only after the operation is admitted, so a
// denied request never consumes counters.
func (l *Limiter) Check(ctx context.Context, req Request) Decision {
	now := l.clock.Now()
	decision := Decision{Allowed: true}

	for _, sc := range l.checks(req) {
		bucketStart := timewin.Normalize(now, sc.window)
		key := counterKey(sc.scope, sc.id, sc.window, bucketStart)

		count, err := l.store.Get(ctx, key)
		if err != nil {
			l.countFailOpen(sc.scope, err)
			continue
		}

		resetAt := timewin.Next(now, sc.window)
		if sc.window == timewin.Minute && narrowerScope(sc.scope, decision.Scope) {
			decision.Scope = sc.scope
			decision.MinuteLimit = sc.limit
			decision.MinuteRemaining = sc.limit - int(count) - 1
			if decision.MinuteRemaining < 0 {
				decision.MinuteRemaining = 0
			}
			decision.MinuteResetAt = resetAt
		}

		if count >= int64(sc.limit) {
			return Decision{
				Allowed:         false,
				Reason:          fmt.Sprintf("%s %s limit of %d exceeded", sc.scope, sc.window, sc.limit),
				ResetAt:         resetAt,
				Scope:           sc.scope,
				MinuteLimit:     decision.MinuteLimit,
				MinuteRemaining: 0,
				MinuteResetAt:   decision.MinuteResetAt,
			}
		}
	}

	return decision
}

// narrowerScope reports whether candidate should replace current as the
// scope whose minute numbers go into response headers. The key scope wins
// when a key is present, then user, then tenant.
func narrowerScope(candidate, current string) bool {
	rank := map[string]int{"tenant": 1, "user": 2, "key": 3}
	return rank[candidate] > rank[current]
}

// Record consumes one unit of budget in every applicable scope and window.
// Store failures are logged and counted but never surfaced.
func (l *Limiter) Record(ctx context.Context, req Request) {
	now := l.clock.Now()

	for _, sc := range l.checks(req) {
		bucketStart := timewin.Normalize(now, sc.window)
		key := counterKey(sc.scope, sc.id, sc.window, bucketStart)
		expireAt := timewin.Next(now, sc.window)

		if _, err := l.store.IncrementAndGet(ctx, key, expireAt); err != nil {
			l.countFailOpen(sc.scope, err)
		}
	}
}

// InvalidateKey clears all counters for a key, used when a key is revoked
func (l *Limiter) InvalidateKey(ctx context.Context, keyID string) error {
	return l.store.InvalidatePattern(ctx, "key:"+keyID+":*")
}

func (l *Limiter) countFailOpen(scope string, err error) {
	if l.failOpen != nil {
		l.failOpen.Inc()
	}
	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"scope": scope,
			"error": err,
		}).Warn("Counter store unavailable, allowing request")
	}
}
