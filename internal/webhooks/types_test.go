package webhooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttemptBudget(t *testing.T) {
	tests := []struct {
		event string
		want  int
	}{
		{"booking.created", 3},
		{"booking.cancelled", 3},
		{"rate.updated", 5},
		{"guest.checked_in", 3},
		{"something.unknown", defaultAttempts},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AttemptBudget(tt.event), tt.event)
	}
}

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	p := DefaultBackoff()

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := p.Delay(tt.attempt)
			lo := time.Duration(float64(tt.base) * 0.8)
			hi := time.Duration(float64(tt.base) * 1.2)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", tt.attempt)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	p := DefaultBackoff()
	for i := 0; i < 20; i++ {
		d := p.Delay(10)
		assert.LessOrEqual(t, d, time.Duration(float64(15*time.Minute)*1.2))
		assert.GreaterOrEqual(t, d, time.Duration(float64(15*time.Minute)*0.8))
	}
}

func TestBackoffNoJitterIsExact(t *testing.T) {
	p := BackoffPolicy{InitialDelay: time.Second, Multiplier: 3, MaxDelay: time.Minute}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 3*time.Second, p.Delay(1))
	assert.Equal(t, 9*time.Second, p.Delay(2))
	assert.Equal(t, time.Minute, p.Delay(5))
}

func TestEndpointSubscribed(t *testing.T) {
	ep := &Endpoint{Events: []string{"booking.created", "rate.updated"}}
	assert.True(t, ep.Subscribed("booking.created"))
	assert.False(t, ep.Subscribed("booking.cancelled"))

	all := &Endpoint{Events: []string{"*"}}
	assert.True(t, all.Subscribed("anything.at_all"))
}
