package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/ratelimit"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/tracking"
)

// Store is the persistence surface the dispatcher needs
type Store interface {
	EndpointsForEvent(ctx context.Context, tenantID, event string) ([]*Endpoint, error)
	getEndpointAny(ctx context.Context, id string) (*Endpoint, error)
	InsertDelivery(ctx context.Context, d *Delivery) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error
	RecordEndpointAttempt(ctx context.Context, id string, status int, attemptErr string, failed bool) error
}

// Observer receives synthetic delivery observations; satisfied by
// *tracking.Aggregator.
type Observer interface {
	Submit(obs tracking.Observation)
}

// DispatcherConfig configures the delivery worker
type DispatcherConfig struct {
	// PollInterval is how often due deliveries are claimed (default 2s)
	PollInterval time.Duration
	// BatchSize bounds the deliveries claimed per poll (default 32)
	BatchSize int
	// Timeout is the per-attempt HTTP deadline (default 10s)
	Timeout time.Duration
	// Backoff policy between failed attempts
	Backoff BackoffPolicy
}

func (c *DispatcherConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = DefaultBackoff()
	}
}

// Dispatcher publishes events as persisted deliveries and runs the
// worker that drives them to success or abandonment.
type Dispatcher struct {
	config   DispatcherConfig
	store    Store
	limiter  *ratelimit.Limiter
	observer Observer
	logger   *logrus.Logger
	client   *http.Client
	now      func() time.Time

	breakersMu sync.Mutex
	breakers   map[string]circuitbreaker.CircuitBreaker[*http.Response]

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDispatcher creates the webhook dispatcher
func NewDispatcher(config DispatcherConfig, store Store, limiter *ratelimit.Limiter, observer Observer, logger *logrus.Logger) *Dispatcher {
	config.defaults()
	return &Dispatcher{
		config:   config,
		store:    store,
		limiter:  limiter,
		observer: observer,
		logger:   logger,
		client:   &http.Client{Timeout: config.Timeout},
		now:      func() time.Time { return time.Now().UTC() },
		breakers: make(map[string]circuitbreaker.CircuitBreaker[*http.Response]),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Publish fans an event out to every subscribed endpoint as a pending
// delivery. The dispatcher worker picks them up asynchronously.
func (d *Dispatcher) Publish(ctx context.Context, tenantID, event string, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	endpoints, err := d.store.EndpointsForEvent(ctx, tenantID, event)
	if err != nil {
		return 0, err
	}

	now := d.now()
	created := 0
	for _, ep := range endpoints {
		delivery := &Delivery{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			EndpointID:    ep.ID,
			Event:         event,
			Payload:       body,
			MaxAttempts:   AttemptBudget(event),
			Status:        StatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := d.store.InsertDelivery(ctx, delivery); err != nil {
			if d.logger != nil {
				d.logger.WithFields(logrus.Fields{
					"endpoint_id": ep.ID,
					"event":       event,
					"error":       err,
				}).Error("Failed to enqueue webhook delivery")
			}
			continue
		}
		created++
	}
	return created, nil
}

// Start launches the delivery worker
func (d *Dispatcher) Start() {
	go d.run()
	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"poll_interval": d.config.PollInterval,
			"timeout":       d.config.Timeout,
		}).Info("Webhook dispatcher started")
	}
}

// Stop halts the worker after the current batch
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.deliverDue()
		case <-d.stopCh:
			return
		}
	}
}

// deliverDue claims and processes one batch of due deliveries
func (d *Dispatcher) deliverDue() {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.PollInterval+d.config.Timeout*time.Duration(d.config.BatchSize))
	defer cancel()

	claimed, err := d.store.ClaimDue(ctx, d.now(), d.config.BatchSize)
	if err != nil && d.logger != nil {
		d.logger.WithError(err).Error("Failed to claim due webhook deliveries")
	}
	for _, delivery := range claimed {
		d.process(ctx, delivery)
	}
}

// process drives a single claimed delivery through one attempt
func (d *Dispatcher) process(ctx context.Context, delivery *Delivery) {
	ep, err := d.store.getEndpointAny(ctx, delivery.EndpointID)
	if err != nil || !ep.Active {
		delivery.Status = StatusAbandoned
		delivery.LastError = "endpoint missing or inactive"
		now := d.now()
		delivery.CompletedAt = &now
		d.writeBack(ctx, delivery)
		return
	}

	// Per-endpoint rate limit through the channel scope. A denial
	// reschedules at the window boundary without consuming an attempt.
	rlReq := ratelimit.Request{
		Tenant:   delivery.TenantID,
		Channels: []string{"webhook:" + ep.ID},
	}
	if decision := d.limiter.Check(ctx, rlReq); !decision.Allowed {
		delivery.Status = StatusPending
		delivery.NextAttemptAt = decision.ResetAt
		d.writeBack(ctx, delivery)
		return
	}
	d.limiter.Record(ctx, rlReq)

	attemptNo := delivery.Attempts + 1
	start := d.now()
	status, attemptErr := d.attempt(ctx, ep, delivery, attemptNo)
	elapsed := time.Since(start)

	d.observe(delivery, status, elapsed)

	success := status >= 200 && status < 300
	errText := ""
	if attemptErr != nil {
		errText = attemptErr.Error()
	} else if !success {
		errText = fmt.Sprintf("http status %d", status)
	}
	if err := d.store.RecordEndpointAttempt(ctx, ep.ID, status, errText, !success); err != nil && d.logger != nil {
		d.logger.WithError(err).Warn("Failed to record webhook endpoint attempt")
	}

	delivery.Attempts = attemptNo
	delivery.LastStatus = status
	delivery.LastError = errText

	switch {
	case success:
		delivery.Status = StatusSucceeded
		now := d.now()
		delivery.CompletedAt = &now
	case delivery.Attempts >= delivery.MaxAttempts:
		delivery.Status = StatusAbandoned
		now := d.now()
		delivery.CompletedAt = &now
		if d.logger != nil {
			d.logger.WithFields(logrus.Fields{
				"delivery_id": delivery.ID,
				"endpoint_id": ep.ID,
				"event":       delivery.Event,
				"attempts":    delivery.Attempts,
			}).Warn("Webhook delivery abandoned")
		}
	default:
		delivery.Status = StatusPending
		delivery.NextAttemptAt = d.now().Add(d.config.Backoff.Delay(delivery.Attempts - 1))
	}

	d.writeBack(ctx, delivery)
}

// attempt performs one signed HTTP POST through the endpoint's circuit
// breaker. Returns the response status (0 on transport failure).
func (d *Dispatcher) attempt(ctx context.Context, ep *Endpoint, delivery *Delivery, attemptNo int) (int, error) {
	timestamp := d.now().Unix()
	signature := Sign(ep.Secret, timestamp, delivery.Payload)

	executor := failsafe.With(d.breaker(ep.ID)).WithContext(ctx)
	resp, err := executor.Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(delivery.Payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", timestamp))
		req.Header.Set(HeaderEvent, delivery.Event)
		req.Header.Set(HeaderAttempt, fmt.Sprintf("%d", attemptNo))
		return d.client.Do(req)
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// breaker returns the endpoint's circuit breaker, creating it on first use
func (d *Dispatcher) breaker(endpointID string) circuitbreaker.CircuitBreaker[*http.Response] {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()

	if cb, ok := d.breakers[endpointID]; ok {
		return cb
	}
	cb := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(time.Minute).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= 500
		}).
		Build()
	d.breakers[endpointID] = cb
	return cb
}

// observe feeds the attempt back to the aggregator so webhook health
// shows up in the same dashboards, under the WEBHOOK pseudo-method.
func (d *Dispatcher) observe(delivery *Delivery, status int, elapsed time.Duration) {
	if d.observer == nil {
		return
	}
	if status == 0 {
		status = 599
	}
	d.observer.Submit(tracking.Observation{
		TenantID:       delivery.TenantID,
		Method:         "WEBHOOK",
		Path:           delivery.Event,
		Category:       "webhook",
		StatusCode:     status,
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000.0,
		ResponseBytes:  int64(len(delivery.Payload)),
		Timestamp:      d.now(),
	})
}

func (d *Dispatcher) writeBack(ctx context.Context, delivery *Delivery) {
	delivery.UpdatedAt = d.now()
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil && d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"delivery_id": delivery.ID,
			"error":       err,
		}).Error("Failed to update webhook delivery")
	}
}
