package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrUnknownClass = errors.New("unknown rate budget class")

// WouldBlockError is returned by TryAcquire when the class is exhausted.
type WouldBlockError struct {
	Class string
	Until time.Time
}

func (e *WouldBlockError) Error() string {
	return fmt.Sprintf("rate budget %s exhausted until %s", e.Class, e.Until.Format(time.RFC3339Nano))
}

// Limiter owns one bucket per call class. It is shared process-wide so that
// concurrent runs draw from the same budgets.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	clock   Clock
	logger  *zap.Logger
}

// NewLimiter creates an empty limiter. A nil clock means wall time.
func NewLimiter(clock Clock, logger *zap.Logger) *Limiter {
	if clock == nil {
		clock = SystemClock
	}
	return &Limiter{
		buckets: make(map[string]*Bucket),
		clock:   clock,
		logger:  logger,
	}
}

// Register adds or replaces the budget for class.
func (l *Limiter) Register(class string, cfg BucketConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[class] = NewBucket(class, cfg, l.clock)
	l.logger.Info("registered rate budget",
		zap.String("class", class),
		zap.Int("capacity", cfg.Capacity),
		zap.Int("effective", cfg.Effective()),
		zap.Duration("window", cfg.Window))
}

func (l *Limiter) bucket(class string) (*Bucket, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.buckets[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	return b, nil
}

// Acquire blocks until a permit for class is available.
func (l *Limiter) Acquire(ctx context.Context, class string) error {
	b, err := l.bucket(class)
	if err != nil {
		return err
	}
	return b.Acquire(ctx)
}

// TryAcquire returns nil when a permit was taken, or a *WouldBlockError
// carrying the precise wake time.
func (l *Limiter) TryAcquire(class string) error {
	b, err := l.bucket(class)
	if err != nil {
		return err
	}
	if ok, until := b.TryAcquire(); !ok {
		return &WouldBlockError{Class: class, Until: until}
	}
	return nil
}

// Stats reports the current state of one class.
func (l *Limiter) Stats(class string) (Stats, error) {
	b, err := l.bucket(class)
	if err != nil {
		return Stats{}, err
	}
	return b.Stats(), nil
}

// Classes lists registered classes in name order.
func (l *Limiter) Classes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.buckets))
	for name := range l.buckets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
