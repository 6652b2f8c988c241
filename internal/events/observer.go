package events

import (
	"context"
	"sync"
	"time"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
	"go.uber.org/zap"
)

// Observer forwards executor callbacks to a Publisher. Callbacks only queue;
// a single goroutine publishes, so a slow broker never stalls scheduling.
// Events are dropped with a warning when the queue is full.
type Observer struct {
	pub     Publisher
	queue   chan *Event
	timeout time.Duration
	logger  *zap.Logger

	wg   sync.WaitGroup
	once sync.Once
}

func NewObserver(pub Publisher, logger *zap.Logger) *Observer {
	o := &Observer{
		pub:     pub,
		queue:   make(chan *Event, 256),
		timeout: 2 * time.Second,
		logger:  logger,
	}
	o.wg.Add(1)
	go o.loop()
	return o
}

func (o *Observer) loop() {
	defer o.wg.Done()
	for ev := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		if err := o.pub.Publish(ctx, ev); err != nil {
			o.logger.Warn("publish event failed",
				zap.String("run_id", ev.RunID), zap.String("node", ev.Node), zap.Error(err))
		}
		cancel()
	}
}

func (o *Observer) enqueue(ev *Event) {
	ev.Timestamp = time.Now()
	select {
	case o.queue <- ev:
	default:
		o.logger.Warn("event queue full, dropping event",
			zap.String("run_id", ev.RunID), zap.String("node", ev.Node))
	}
}

func (o *Observer) NodeStarted(runID, node string) {
	o.enqueue(&Event{RunID: runID, Type: NodeStarted, Node: node})
}

func (o *Observer) NodeFinished(runID string, res graph.NodeResult) {
	o.enqueue(&Event{
		RunID:  runID,
		Type:   NodeFinished,
		Node:   res.Name,
		State:  res.State.String(),
		Reason: res.Reason,
		Error:  res.Error,
	})
}

// Close flushes queued events. Callbacks after Close panic.
func (o *Observer) Close() {
	o.once.Do(func() { close(o.queue) })
	o.wg.Wait()
}
