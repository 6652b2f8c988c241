package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Clock abstracts time so buckets can be driven by simulated time in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// BucketConfig describes one call class's quota as published by the provider.
type BucketConfig struct {
	Capacity     int           `json:"capacity"`
	Window       time.Duration `json:"window"`
	SafetyMargin float64       `json:"safety_margin"`
}

// Effective returns the number of permits actually handed out per window:
// nominal capacity minus the reserved safety margin, never below one.
func (c BucketConfig) Effective() int {
	margin := c.SafetyMargin
	if margin < 0 {
		margin = 0
	}
	if margin >= 1 {
		margin = 0.99
	}
	n := int(math.Floor(float64(c.Capacity) * (1 - margin)))
	if n < 1 {
		n = 1
	}
	return n
}

// Bucket is a fixed-window token bucket. All state changes happen under mu,
// so acquisition and refill are linearizable.
type Bucket struct {
	name     string
	capacity int
	window   time.Duration
	clock    Clock

	mu        sync.Mutex
	epoch     time.Time
	available int
	granted   uint64
	denied    uint64
}

// NewBucket creates a full bucket whose windows are aligned to the current time.
func NewBucket(name string, cfg BucketConfig, clock Clock) *Bucket {
	if clock == nil {
		clock = SystemClock
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	capacity := cfg.Effective()
	return &Bucket{
		name:      name,
		capacity:  capacity,
		window:    window,
		clock:     clock,
		epoch:     clock.Now(),
		available: capacity,
	}
}

// refillLocked resets the bucket when one or more window boundaries have passed.
func (b *Bucket) refillLocked(now time.Time) {
	if now.Before(b.epoch.Add(b.window)) {
		return
	}
	elapsed := now.Sub(b.epoch)
	b.epoch = b.epoch.Add((elapsed / b.window) * b.window)
	b.available = b.capacity
}

// TryAcquire takes one permit if available. Otherwise it returns the instant
// of the next refill, when a retry is guaranteed a fresh budget.
func (b *Bucket) TryAcquire() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.available > 0 {
		b.available--
		b.granted++
		return true, time.Time{}
	}
	b.denied++
	return false, b.epoch.Add(b.window)
}

// Acquire blocks until a permit is granted or ctx is done.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, wake := b.TryAcquire()
		if ok {
			return nil
		}
		wait := wake.Sub(b.clock.Now())
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(wait):
		}
	}
}

// Stats is a point-in-time view of a bucket.
type Stats struct {
	Class     string    `json:"class"`
	Capacity  int       `json:"capacity"`
	Remaining int       `json:"remaining"`
	Granted   uint64    `json:"granted"`
	Denied    uint64    `json:"denied"`
	NextReset time.Time `json:"next_reset"`
}

func (b *Bucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return Stats{
		Class:     b.name,
		Capacity:  b.capacity,
		Remaining: b.available,
		Granted:   b.granted,
		Denied:    b.denied,
		NextReset: b.epoch.Add(b.window),
	}
}
