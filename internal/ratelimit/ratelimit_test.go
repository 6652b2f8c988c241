package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
	"go.uber.org/zap"
)

// manualClock only moves when Advance is called.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{at: at, ch: ch})
	return ch
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func TestEffectiveCapacity(t *testing.T) {
	cases := []struct {
		cfg  BucketConfig
		want int
	}{
		{BucketConfig{Capacity: 10, SafetyMargin: 0.2}, 8},
		{BucketConfig{Capacity: 50, SafetyMargin: 0.25}, 37},
		{BucketConfig{Capacity: 3, SafetyMargin: 0.9}, 1},
		{BucketConfig{Capacity: 7}, 7},
	}
	for _, tc := range cases {
		if got := tc.cfg.Effective(); got != tc.want {
			t.Errorf("Effective(%+v) = %d, want %d", tc.cfg, got, tc.want)
		}
	}
}

func TestTryAcquireReportsWakeTime(t *testing.T) {
	clock := newManualClock()
	start := clock.Now()
	b := NewBucket("inference", BucketConfig{Capacity: 2, Window: time.Minute}, clock)

	for i := 0; i < 2; i++ {
		if ok, _ := b.TryAcquire(); !ok {
			t.Fatalf("acquire %d denied, want granted", i)
		}
	}
	ok, until := b.TryAcquire()
	if ok {
		t.Fatal("third acquire granted, want denied")
	}
	if want := start.Add(time.Minute); !until.Equal(want) {
		t.Fatalf("wake time = %v, want %v", until, want)
	}

	clock.Advance(time.Minute)
	if ok, _ := b.TryAcquire(); !ok {
		t.Fatal("acquire after refill denied")
	}
}

// N concurrent callers hammer the bucket across several simulated windows;
// no window may ever grant more than capacity minus the safety margin.
func TestConcurrentAcquireNeverExceedsEffectiveCapacity(t *testing.T) {
	cfg := BucketConfig{Capacity: 25, Window: 10 * time.Second, SafetyMargin: 0.2}
	clock := newManualClock()
	b := NewBucket("fmp", cfg, clock)

	const callers = 64
	const windows = 12
	for w := 0; w < windows; w++ {
		var granted atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					if ok, _ := b.TryAcquire(); ok {
						granted.Add(1)
					}
				}
			}()
		}
		wg.Wait()
		if got, max := granted.Load(), int64(cfg.Effective()); got > max {
			t.Fatalf("window %d granted %d permits, limit %d", w, got, max)
		} else if got != max {
			t.Fatalf("window %d granted %d permits, want exactly %d under saturation", w, got, max)
		}
		// Uneven steps still land on window boundaries correctly.
		clock.Advance(cfg.Window + time.Duration(w)*time.Millisecond)
	}
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	clock := newManualClock()
	b := NewBucket("news", BucketConfig{Capacity: 1, Window: time.Second}, clock)
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Acquire(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for clock.pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("acquirer never started waiting")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
		t.Fatal("acquire returned before refill")
	default:
	}

	clock.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not wake after refill")
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	clock := newManualClock()
	l := NewLimiter(clock, zap.NewNop())
	l.Register("inference", BucketConfig{Capacity: 1, Window: time.Hour})
	if err := l.TryAcquire("inference"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	var wb *WouldBlockError
	if err := l.TryAcquire("inference"); !errors.As(err, &wb) {
		t.Fatalf("got %v, want WouldBlockError", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx, "inference"); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestUnknownClass(t *testing.T) {
	l := NewLimiter(nil, zap.NewNop())
	if err := l.Acquire(context.Background(), "nope"); !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("got %v, want ErrUnknownClass", err)
	}
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

func newTestRetrier(capacity, attempts int) *Retrier {
	l := NewLimiter(nil, zap.NewNop())
	l.Register("inference", BucketConfig{Capacity: capacity, Window: time.Hour})
	return NewRetrier(l, fastPolicy(attempts), zap.NewNop())
}

func TestRetryTransientThenSuccess(t *testing.T) {
	r := newTestRetrier(100, 5)
	calls := 0
	err := r.Do(context.Background(), "inference", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &remote.StatusError{Service: "test", StatusCode: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d calls, want 3", calls)
	}
	// Every attempt spent a permit, failed ones included.
	st, _ := r.Limiter().Stats("inference")
	if st.Granted != 3 {
		t.Fatalf("got %d permits granted, want 3", st.Granted)
	}
}

func TestRetryPermanentFailsImmediately(t *testing.T) {
	r := newTestRetrier(100, 5)
	calls := 0
	err := r.Do(context.Background(), "inference", func(ctx context.Context) error {
		calls++
		return &remote.StatusError{Service: "test", StatusCode: 401}
	})
	var se *remote.StatusError
	if !errors.As(err, &se) || se.StatusCode != 401 {
		t.Fatalf("got %v, want 401 StatusError", err)
	}
	if calls != 1 {
		t.Fatalf("got %d calls, want 1", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	r := newTestRetrier(100, 3)
	calls := 0
	err := r.Do(context.Background(), "inference", func(ctx context.Context) error {
		calls++
		return &remote.StatusError{Service: "test", StatusCode: 429}
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("got %v, want ErrRetriesExhausted", err)
	}
	if calls != 3 {
		t.Fatalf("got %d calls, want 3", calls)
	}
}

func TestRetryStopsOnCancellation(t *testing.T) {
	r := newTestRetrier(100, 10)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, "inference", func(ctx context.Context) error {
		calls++
		cancel()
		return &remote.StatusError{Service: "test", StatusCode: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("got %d calls, want 1", calls)
	}
}

func TestCallReturnsValue(t *testing.T) {
	r := newTestRetrier(10, 2)
	v, err := Call(context.Background(), r, "inference", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got %q, %v", v, err)
	}
}
