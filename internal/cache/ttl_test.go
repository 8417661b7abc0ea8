package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGetOrComputeBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  time.Duration
		computes int32
	}{
		{"immediate", 0, 1},
		{"just inside window", 1999 * time.Millisecond, 1},
		{"exactly at ttl", 2000 * time.Millisecond, 2},
		{"past window", 2001 * time.Millisecond, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1700000000, 0)}
			c := New[int]("snapshot", 2*time.Second, WithClock(clock.Now))

			var calls atomic.Int32
			compute := func(context.Context) (int, error) {
				return int(calls.Add(1)), nil
			}

			first, err := c.GetOrCompute(context.Background(), "local", compute)
			if err != nil {
				t.Fatal(err)
			}
			clock.Advance(tt.elapsed)
			second, err := c.GetOrCompute(context.Background(), "local", compute)
			if err != nil {
				t.Fatal(err)
			}

			if calls.Load() != tt.computes {
				t.Errorf("expected %d computations, got %d", tt.computes, calls.Load())
			}
			if tt.computes == 1 && second != first {
				t.Errorf("expected identical entry, got %+v and %+v", first, second)
			}
			if tt.computes == 2 && !second.CapturedAt.After(first.CapturedAt) {
				t.Errorf("expected a newer entry, got %v then %v", first.CapturedAt, second.CapturedAt)
			}
		})
	}
}

func TestGetOrComputeDoesNotCacheFailures(t *testing.T) {
	c := New[string]("power", 5*time.Second)
	boom := errors.New("boom")

	_, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	e, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || e.Value != "ok" {
		t.Fatalf("expected recomputed value, got %+v, %v", e, err)
	}
}

func TestGetOrComputeCollapsesConcurrentMisses(t *testing.T) {
	c := New[int]("snapshot", time.Minute)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.GetOrCompute(context.Background(), "local", compute)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = e.Value
		}(i)
	}

	// Give the goroutines time to pile up behind the first computation.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected one computation, got %d", calls.Load())
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("result %d = %d, want 42", i, v)
		}
	}
}

func TestInvalidateAndCounter(t *testing.T) {
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cache_lookups_total"}, []string{"cache", "result"})
	c := New[int]("snapshot", time.Minute, WithLookupCounter(lookups))

	compute := func(context.Context) (int, error) { return 1, nil }
	c.GetOrCompute(context.Background(), "k", compute)
	c.GetOrCompute(context.Background(), "k", compute)
	c.Invalidate("k")
	c.GetOrCompute(context.Background(), "k", compute)

	if got := testutil.ToFloat64(lookups.WithLabelValues("snapshot", "miss")); got != 2 {
		t.Errorf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(lookups.WithLabelValues("snapshot", "hit")); got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
}

func TestGetOrComputeSurvivesCancelledCaller(t *testing.T) {
	c := New[int]("snapshot", time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (int, error) {
		close(started)
		select {
		case <-release:
			return 7, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(firstCtx, "local", compute)
		firstErr <- err
	}()
	<-started

	second := make(chan Entry[int], 1)
	secondErr := make(chan error, 1)
	go func() {
		e, err := c.GetOrCompute(context.Background(), "local", compute)
		second <- e
		secondErr <- err
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller should return context.Canceled, got %v", err)
	}

	// Let the second caller join the flight before it completes.
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-secondErr; err != nil {
		t.Fatalf("live caller failed after another caller cancelled: %v", err)
	}
	if e := <-second; e.Value != 7 {
		t.Errorf("expected computed value 7, got %d", e.Value)
	}
}
