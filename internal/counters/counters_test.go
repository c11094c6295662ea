package counters

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	return s
}

func TestMemoryIncrementAndGet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	expireAt := time.Now().Add(time.Minute)

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrementAndGet(ctx, "tenant:h1:minute:0", expireAt)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}

	val, err := s.Get(ctx, "tenant:h1:minute:0")
	if err != nil || val != 3 {
		t.Fatalf("Get = %d, %v; want 3", val, err)
	}
}

func TestMemoryGetMissingKey(t *testing.T) {
	s := newTestStore()
	val, err := s.Get(context.Background(), "nope")
	if err != nil || val != 0 {
		t.Fatalf("Get missing = %d, %v; want 0, nil", val, err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	current := time.Date(2026, time.March, 1, 12, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return current }

	expireAt := time.Date(2026, time.March, 1, 12, 1, 0, 0, time.UTC)
	if _, err := s.IncrementAndGet(ctx, "k", expireAt); err != nil {
		t.Fatal(err)
	}

	// Still within the bucket
	if val, _ := s.Get(ctx, "k"); val != 1 {
		t.Fatalf("expected live counter, got %d", val)
	}

	// Past the bucket end the entry reads as zero and a fresh increment
	// starts a new bucket
	current = expireAt.Add(time.Second)
	if val, _ := s.Get(ctx, "k"); val != 0 {
		t.Fatalf("expected expired counter to read 0, got %d", val)
	}
	val, err := s.IncrementAndGet(ctx, "k", expireAt.Add(time.Minute))
	if err != nil || val != 1 {
		t.Fatalf("fresh bucket = %d, %v; want 1", val, err)
	}
}

func TestMemoryConcurrentIncrementsAreDistinct(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	expireAt := time.Now().Add(time.Minute)

	const n = 200
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.IncrementAndGet(ctx, "shared", expireAt)
			if err != nil {
				t.Errorf("increment error: %v", err)
				return
			}
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, n)
	for v := range results {
		if seen[v] {
			t.Fatalf("duplicate counter value %d", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct values, got %d", n, len(seen))
	}
}

func TestMemoryInvalidatePattern(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	expireAt := time.Now().Add(time.Minute)

	keys := []string{"key:abc:minute:0", "key:abc:hour:0", "tenant:h1:minute:0"}
	for _, k := range keys {
		if _, err := s.IncrementAndGet(ctx, k, expireAt); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.InvalidatePattern(ctx, "key:abc:*"); err != nil {
		t.Fatal(err)
	}

	for _, k := range keys[:2] {
		if val, _ := s.Get(ctx, k); val != 0 {
			t.Errorf("expected %s to be invalidated, got %d", k, val)
		}
	}
	if val, _ := s.Get(ctx, "tenant:h1:minute:0"); val != 1 {
		t.Errorf("expected unrelated key to survive, got %d", val)
	}
}

func TestMemoryStoreWithInjectedClock(t *testing.T) {
	current := time.Date(2026, time.March, 1, 12, 0, 30, 0, time.UTC)
	s := NewMemoryStoreWithNow(time.Hour, func() time.Time { return current })
	defer s.Stop()
	ctx := context.Background()

	expireAt := current.Add(30 * time.Second)
	if _, err := s.IncrementAndGet(ctx, "k", expireAt); err != nil {
		t.Fatal(err)
	}
	if val, _ := s.Get(ctx, "k"); val != 1 {
		t.Fatalf("expected live counter, got %d", val)
	}

	// Expiry tracks the injected clock, not the wall clock
	current = expireAt.Add(time.Second)
	if val, _ := s.Get(ctx, "k"); val != 0 {
		t.Fatalf("expected expired counter to read 0, got %d", val)
	}
}

func TestMemorySweepRemovesExpired(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	current := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	if _, err := s.IncrementAndGet(ctx, "old", current.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	current = current.Add(time.Minute)
	s.sweep()

	s.mu.Lock()
	_, exists := s.entries["old"]
	s.mu.Unlock()
	if exists {
		t.Fatal("expected janitor to remove expired entry")
	}
}
