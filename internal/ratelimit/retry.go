package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
	"go.uber.org/zap"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy configures the backoff between attempts of one logical call.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Multiplier      float64       `json:"multiplier"`
	Jitter          float64       `json:"jitter"`
	// CallTimeout bounds a single attempt. Zero leaves it to the caller's context.
	CallTimeout time.Duration `json:"call_timeout"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		CallTimeout:     90 * time.Second,
	}
}

// Retrier wraps every outbound call as acquire -> call -> classify -> backoff.
type Retrier struct {
	limiter *Limiter
	policy  RetryPolicy
	logger  *zap.Logger
}

func NewRetrier(limiter *Limiter, policy RetryPolicy, logger *zap.Logger) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Retrier{limiter: limiter, policy: policy, logger: logger}
}

// Limiter returns the shared limiter behind this retrier.
func (r *Retrier) Limiter() *Limiter { return r.limiter }

func (r *Retrier) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialInterval
	bo.MaxInterval = r.policy.MaxInterval
	bo.Multiplier = r.policy.Multiplier
	bo.RandomizationFactor = r.policy.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is spent.
// Each attempt consumes one permit from class; failed attempts are not credited back.
// Cancellation of ctx is observed before every attempt and during every wait.
func (r *Retrier) Do(ctx context.Context, class string, op func(ctx context.Context) error) error {
	bo := r.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.cancelled(class, attempt-1, err, lastErr)
		}
		if err := r.limiter.Acquire(ctx, class); err != nil {
			if ctx.Err() != nil {
				return r.cancelled(class, attempt-1, ctx.Err(), lastErr)
			}
			return fmt.Errorf("acquire %s permit: %w", class, err)
		}

		err := r.attempt(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return r.cancelled(class, attempt, ctx.Err(), lastErr)
		}
		if remote.Classify(err) == remote.KindPermanent {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if hint, ok := remote.RetryAfter(err); ok && hint > delay {
			delay = hint
		}
		r.logger.Warn("transient call failure, backing off",
			zap.String("class", class),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return r.cancelled(class, attempt, ctx.Err(), lastErr)
		case <-r.limiter.clock.After(delay):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, class, r.policy.MaxAttempts, lastErr)
}

func (r *Retrier) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if r.policy.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
	defer cancel()
	return op(callCtx)
}

func (r *Retrier) cancelled(class string, attempts int, ctxErr, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("%s cancelled after %d attempts: %w (last error: %v)", class, attempts, ctxErr, lastErr)
	}
	return fmt.Errorf("%s cancelled: %w", class, ctxErr)
}

// Call is Do for operations that produce a value.
func Call[T any](ctx context.Context, r *Retrier, class string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if r == nil {
		return op(ctx)
	}
	err := r.Do(ctx, class, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
