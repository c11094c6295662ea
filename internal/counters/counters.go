// Package counters provides the atomic counter store backing rate limits.
// Entries are keyed by (scope, window, bucket start) and expire when their
// bucket closes. Two backends exist: an in-process map for single-node
// deployments and Redis for multi-process deployments.
package counters

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers treat this as fail-open.
var ErrUnavailable = errors.New("counter store unavailable")

// Store is the counter interface used by the rate limiter
type Store interface {
	// IncrementAndGet atomically increments the counter and returns the new
	// value. On first increment the entry's expiry is set to the end of the
	// bucket so it disappears when the window closes.
	IncrementAndGet(ctx context.Context, key string, expireAt time.Time) (int64, error)

	// Get returns the current count, or 0 if the key has no entry.
	Get(ctx context.Context, key string) (int64, error)

	// InvalidatePattern removes all counters whose key matches the glob-style
	// pattern (only a trailing '*' is supported by the memory backend).
	InvalidatePattern(ctx context.Context, pattern string) error
}

type memoryEntry struct {
	count    int64
	expireAt time.Time
}

// MemoryStore is a mutex-protected counter map with a janitor that sweeps
// expired entries. Counters do not survive process restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a memory counter store and starts its janitor
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	return NewMemoryStoreWithNow(sweepInterval, time.Now)
}

// NewMemoryStoreWithNow creates a memory counter store on an injected
// time source so expiry follows the caller's clock.
func NewMemoryStoreWithNow(sweepInterval time.Duration, now func() time.Time) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     now,
		stopCh:  make(chan struct{}),
	}
	go s.janitor(sweepInterval)
	return s
}

// Stop terminates the janitor goroutine
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.After(e.expireAt) {
			delete(s.entries, k)
		}
	}
}

func (s *MemoryStore) IncrementAndGet(_ context.Context, key string, expireAt time.Time) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.expireAt) {
		e = &memoryEntry{expireAt: expireAt}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.expireAt) {
		return 0, nil
	}
	return e.count, nil
}

func (s *MemoryStore) InvalidatePattern(_ context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	exact := prefix == pattern

	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if exact {
			if k == pattern {
				delete(s.entries, k)
			}
			continue
		}
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
	return nil
}
