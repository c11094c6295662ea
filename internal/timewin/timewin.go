// Package timewin provides time-window bucketing. Every component that
// buckets by time goes through Normalize so that minute, hour, day and
// month boundaries agree across the process.
package timewin

import (
	"fmt"
	"time"
)

// Window is a time bucketing granularity
type Window string

const (
	Minute Window = "minute"
	Hour   Window = "hour"
	Day    Window = "day"
	Month  Window = "month"
)

// Duration returns the fixed length of the window. Month is approximated
// as 30 days for TTL purposes only; bucket boundaries use calendar months.
func (w Window) Duration() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Month:
		return 30 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// Seconds returns the window length in whole seconds
func (w Window) Seconds() int {
	return int(w.Duration() / time.Second)
}

func (w Window) Valid() bool {
	switch w {
	case Minute, Hour, Day, Month:
		return true
	}
	return false
}

// ParseWindow parses a window name
func ParseWindow(s string) (Window, error) {
	w := Window(s)
	if !w.Valid() {
		return "", fmt.Errorf("unknown window %q", s)
	}
	return w, nil
}

// Normalize returns the start of the window containing t, in UTC.
// The result is the greatest window-aligned instant not after t.
func Normalize(t time.Time, w Window) time.Time {
	t = t.UTC()
	switch w {
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Minute)
	}
}

// Next returns the start of the window after the one containing t.
// This is the instant at which counters for t's bucket reset.
func Next(t time.Time, w Window) time.Time {
	start := Normalize(t, w)
	switch w {
	case Month:
		return start.AddDate(0, 1, 0)
	case Day:
		return start.AddDate(0, 0, 1)
	default:
		return start.Add(w.Duration())
	}
}

// Clock is the time source injected into components so tests can control now
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a settable clock for tests
type FakeClock struct {
	Current time.Time
}

func (f *FakeClock) Now() time.Time { return f.Current }

// Advance moves the fake clock forward
func (f *FakeClock) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
