package datasource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/memory"
)

// StaticProvider serves fixed records. It backs offline runs and tests, and can
// simulate latency or failure.
type StaticProvider struct {
	id    string
	data  map[string]Record
	delay time.Duration
	err   error

	calls atomic.Int64
	mu    sync.Mutex
	asked [][]Field
}

// NewStaticProvider indexes data by subject namespace, so "acme" and "$ACME"
// find the record stored under "ACME".
func NewStaticProvider(id string, data map[string]Record) *StaticProvider {
	byNS := make(map[string]Record, len(data))
	for subject, rec := range data {
		byNS[memory.Namespace(subject)] = rec
	}
	return &StaticProvider{id: id, data: byNS}
}

// WithDelay makes every fetch take d, or until ctx ends.
func (p *StaticProvider) WithDelay(d time.Duration) *StaticProvider {
	p.delay = d
	return p
}

// WithError makes every fetch fail with err.
func (p *StaticProvider) WithError(err error) *StaticProvider {
	p.err = err
	return p
}

func (p *StaticProvider) ID() string { return p.id }

func (p *StaticProvider) Fetch(ctx context.Context, subject string, fields []Field) (Record, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.asked = append(p.asked, append([]Field(nil), fields...))
	p.mu.Unlock()

	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	rec, ok := p.data[memory.Namespace(subject)]
	if !ok {
		return Record{}, nil
	}
	return subset(rec, fields), nil
}

// Calls is the number of fetches served so far.
func (p *StaticProvider) Calls() int64 { return p.calls.Load() }

// Asked returns the field sets of every fetch, in order.
func (p *StaticProvider) Asked() [][]Field {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]Field(nil), p.asked...)
}
