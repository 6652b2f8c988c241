// Package notify posts batch summaries to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/batch"
)

// Notifier delivers a batch summary.
type Notifier interface {
	Notify(ctx context.Context, s *batch.Summary) error
}

// Multi fans a summary out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, s *batch.Summary) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// maxListed caps how many subjects one line names.
const maxListed = 20

// Text renders a summary as a short chat message.
func Text(s *batch.Summary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analysis batch %s: %d done, %d skipped, %d failed",
		s.Date, len(s.Done), len(s.Skipped), len(s.Failed))
	if len(s.Infra) > 0 {
		fmt.Fprintf(&sb, " (%d infrastructure)", len(s.Infra))
	}
	writeList(&sb, "Failed", s.Failed)
	writeList(&sb, "Done", s.Done)
	return sb.String()
}

func writeList(sb *strings.Builder, label string, subjects []string) {
	if len(subjects) == 0 {
		return
	}
	shown := subjects
	if len(shown) > maxListed {
		shown = shown[:maxListed]
	}
	fmt.Fprintf(sb, "\n%s: %s", label, strings.Join(shown, ", "))
	if n := len(subjects) - len(shown); n > 0 {
		fmt.Fprintf(sb, " and %d more", n)
	}
}
