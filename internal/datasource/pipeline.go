package datasource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoProviders means every provider failed and nothing could be merged.
var ErrNoProviders = errors.New("cannot reach any data provider")

// Source binds a provider to its rate budget and timeout.
type Source struct {
	Provider Provider
	// RateClass is the limiter class; empty when the provider limits itself
	// (the search fallback goes through the inference router).
	RateClass string
	Timeout   time.Duration
}

// PipelineConfig lists sources in merge priority order.
type PipelineConfig struct {
	Sources  []Source
	Fallback *Source
	Critical []Field
}

// Pipeline fetches from all sources concurrently and merges by priority.
type Pipeline struct {
	sources  []Source
	fallback *Source
	critical []Field
	retrier  *ratelimit.Retrier
	logger   *zap.Logger
}

func NewPipeline(cfg PipelineConfig, retrier *ratelimit.Retrier, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		sources:  cfg.Sources,
		fallback: cfg.Fallback,
		critical: cfg.Critical,
		retrier:  retrier,
		logger:   logger,
	}
}

type fetchResult struct {
	rec Record
	err error
}

// Acquire collects facts for subject. Provider errors and timeouts are
// recorded and treated as "no data"; only a total outage is an error.
func (p *Pipeline) Acquire(ctx context.Context, subject string, fields []Field) (*Result, error) {
	results := make([]fetchResult, len(p.sources))

	var g errgroup.Group
	for i, src := range p.sources {
		g.Go(func() error {
			rec, err := p.fetch(ctx, src, subject, fields)
			results[i] = fetchResult{rec: rec, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{
		Subject:    subject,
		Record:     make(Record),
		Provenance: make(map[Field]string),
		Failures:   make(map[string]string),
	}

	want := fields
	if len(want) == 0 {
		want = unionFields(results)
	}
	failed := 0
	for i, src := range p.sources {
		if err := results[i].err; err != nil {
			failed++
			res.Failures[src.Provider.ID()] = err.Error()
			p.logFailure(src, subject, err)
		}
	}
	for _, f := range want {
		for i, src := range p.sources {
			if results[i].err != nil {
				continue
			}
			if v, ok := results[i].rec[f]; ok && v != nil {
				res.Record[f] = v
				res.Provenance[f] = src.Provider.ID()
				break
			}
		}
	}

	res.Conflicts = conflicts(results, want)

	if gaps := p.missing(res, nil); len(gaps) > 0 && p.fallback != nil {
		p.fillGaps(ctx, res, subject, gaps)
	}

	res.Missing = p.missing(res, fields)
	// A failed fallback does not count here: the outage is about the ranked
	// sources, and the fallback only fills gaps.
	if len(res.Record) == 0 && len(p.sources) > 0 && failed == len(p.sources) {
		return nil, fmt.Errorf("%w for %s", ErrNoProviders, subject)
	}
	return res, nil
}

func (p *Pipeline) fetch(ctx context.Context, src Source, subject string, fields []Field) (Record, error) {
	callCtx := ctx
	if src.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, src.Timeout)
		defer cancel()
	}
	if src.RateClass == "" {
		return src.Provider.Fetch(callCtx, subject, fields)
	}
	return ratelimit.Call(callCtx, p.retrier, src.RateClass, func(ctx context.Context) (Record, error) {
		return src.Provider.Fetch(ctx, subject, fields)
	})
}

// fillGaps asks the fallback for exactly the missing critical fields and
// never overwrites a value a ranked provider already supplied.
func (p *Pipeline) fillGaps(ctx context.Context, res *Result, subject string, gaps []Field) {
	id := p.fallback.Provider.ID()
	p.logger.Info("critical fields missing, invoking fallback",
		zap.String("subject", subject),
		zap.String("fallback", id),
		zap.Strings("fields", fieldStrings(gaps)))

	rec, err := p.fetch(ctx, *p.fallback, subject, gaps)
	if err != nil {
		res.Failures[id] = err.Error()
		p.logFailure(*p.fallback, subject, err)
		return
	}
	for _, f := range gaps {
		if _, have := res.Record[f]; have {
			continue
		}
		if v, ok := rec[f]; ok && v != nil {
			res.Record[f] = v
			res.Provenance[f] = "fallback:" + id
		}
	}
}

// missing returns the critical fields, plus any requested ones, still unset.
func (p *Pipeline) missing(res *Result, requested []Field) []Field {
	seen := make(map[Field]bool)
	var out []Field
	check := func(f Field) {
		if seen[f] {
			return
		}
		seen[f] = true
		if !res.Has(f) {
			out = append(out, f)
		}
	}
	for _, f := range p.critical {
		check(f)
	}
	for _, f := range requested {
		check(f)
	}
	sortFields(out)
	return out
}

func (p *Pipeline) logFailure(src Source, subject string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn("provider timed out, treating as no data",
			zap.String("provider", src.Provider.ID()),
			zap.String("subject", subject),
			zap.Duration("timeout", src.Timeout))
		return
	}
	p.logger.Warn("provider failed, treating as no data",
		zap.String("provider", src.Provider.ID()),
		zap.String("subject", subject),
		zap.Error(err))
}

func unionFields(results []fetchResult) []Field {
	seen := make(map[Field]bool)
	var out []Field
	for _, r := range results {
		for f := range r.rec {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sortFields(out)
	return out
}

func conflicts(results []fetchResult, fields []Field) []Field {
	var out []Field
	for _, f := range fields {
		lo, hi, n := 0.0, 0.0, 0
		for _, r := range results {
			if r.err != nil {
				continue
			}
			v, ok := Number(r.rec[f])
			if !ok || v <= 0 {
				continue
			}
			if n == 0 || v < lo {
				lo = v
			}
			if n == 0 || v > hi {
				hi = v
			}
			n++
		}
		if n > 1 && hi/lo > ConflictRatio {
			out = append(out, f)
		}
	}
	return out
}
