package datasource

import (
	"context"
	"fmt"
	"strings"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/provider"
)

// SearchFallback is the broad, last-resort lookup used to fill critical gaps.
// It asks a quick model for the missing fields and keeps only what was asked.
type SearchFallback struct {
	id      string
	inferer provider.Inferer
}

func NewSearchFallback(id string, inferer provider.Inferer) *SearchFallback {
	return &SearchFallback{id: id, inferer: inferer}
}

func (f *SearchFallback) ID() string { return f.id }

func (f *SearchFallback) Fetch(ctx context.Context, subject string, fields []Field) (Record, error) {
	if len(fields) == 0 {
		return Record{}, nil
	}
	prompt := fmt.Sprintf(
		"Look up the following facts for the listed security %q: %s.\n"+
			"Answer with a single JSON object using exactly those keys. "+
			"Use numbers for numeric facts. Omit any key you cannot verify.",
		subject, strings.Join(fieldStrings(fields), ", "))

	out, err := f.inferer.Infer(ctx, provider.ClassQuick, prompt, provider.Options{
		System:    "You are a financial data researcher. Never guess.",
		MaxTokens: 512,
	})
	if err != nil {
		return nil, fmt.Errorf("search fallback: %w", err)
	}
	raw, err := decodeObject(out)
	if err != nil {
		return nil, fmt.Errorf("search fallback: %w", err)
	}
	rec := make(Record, len(raw))
	for k, v := range raw {
		rec[Field(k)] = v
	}
	return subset(rec, fields), nil
}
