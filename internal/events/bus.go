// Package events publishes run and node lifecycle events to Redis Streams so
// a batch can be followed from outside the process.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Type names an event.
type Type string

const (
	NodeStarted  Type = "node_started"
	NodeFinished Type = "node_finished"
)

// Event is one lifecycle record.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Type      Type      `json:"type"`
	Node      string    `json:"node"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

const (
	streamPrefix = "analyzer:run:"
	// maxLen caps each run stream; a run has a few dozen events.
	maxLen = 1000
)

// StreamKey is the Redis stream holding runID's events.
func StreamKey(runID string) string { return streamPrefix + runID }

// Bus is a Redis Streams backed Publisher.
type Bus struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewBus connects to redisURL. Streams expire ttl after their last event;
// zero keeps them.
func NewBus(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Publish appends ev to its run's stream.
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	stream := StreamKey(ev.RunID)
	pipe := b.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	if b.ttl > 0 {
		pipe.Expire(ctx, stream, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published event",
		zap.String("run_id", ev.RunID),
		zap.String("type", string(ev.Type)),
		zap.String("node", ev.Node))
	return nil
}

// History returns every event recorded for runID, oldest first.
func (b *Bus) History(ctx context.Context, runID string) ([]Event, error) {
	msgs, err := b.rdb.XRange(ctx, StreamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", StreamKey(runID), err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		if ev, ok := decode(m); ok {
			out = append(out, *ev)
		}
	}
	return out, nil
}

// Tail streams runID's events from the beginning and then as they arrive.
// The channel closes when ctx ends.
func (b *Bus) Tail(ctx context.Context, runID string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := StreamKey(runID)

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			if ctx.Err() != nil {
				return
			}
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   32,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("tail events", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, m := range r.Messages {
					lastID = m.ID
					ev, ok := decode(m)
					if !ok {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

func decode(m redis.XMessage) (*Event, bool) {
	data, ok := m.Values["data"].(string)
	if !ok {
		return nil, false
	}
	var ev Event
	if json.Unmarshal([]byte(data), &ev) != nil {
		return nil, false
	}
	return &ev, true
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
