// Package report renders a finished analysis run as a markdown body.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/analysis"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/datasource"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/validator"
)

// Renderer turns a run into a document body.
type Renderer interface {
	Render(w io.Writer, rep *analysis.Report) error
}

// section is one prose field of the report and the node that writes it.
type section struct {
	title string
	field string
	node  string
}

var sections = []section{
	{"Market", analysis.FieldMarketReport, analysis.NodeMarket},
	{"Fundamentals", analysis.FieldFundamentalsReport, analysis.NodeFundamentals},
	{"News", analysis.FieldNewsReport, analysis.NodeNews},
	{"Sentiment", analysis.FieldSentimentReport, analysis.NodeSentiment},
	{"Investment plan", analysis.FieldInvestmentPlan, analysis.NodeResearchManager},
	{"Risk review", analysis.FieldRiskAssessment, analysis.NodeRiskReview},
}

// Markdown is the built-in renderer.
type Markdown struct{}

func (Markdown) Render(w io.Writer, rep *analysis.Report) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", rep.Subject)
	fmt.Fprintf(&sb, "- Run: `%s` (%s)\n", rep.RunID, rep.Mode)
	fmt.Fprintf(&sb, "- Route: %s\n\n", orMissing(rep, rep.DecisionPath, analysis.NodeValidate))

	sb.WriteString("## Decision\n\n")
	if rep.Decision != "" {
		sb.WriteString(rep.Decision + "\n\n")
	} else {
		sb.WriteString(Missing(rep, analysis.NodeFinalize) + "\n\n")
	}

	writeFindings(&sb, rep)
	writeFacts(&sb, rep)

	for _, s := range sections {
		fmt.Fprintf(&sb, "## %s\n\n", s.title)
		if text, ok := rep.Text(s.field); ok {
			sb.WriteString(strings.TrimSpace(text) + "\n\n")
		} else {
			sb.WriteString(Missing(rep, s.node) + "\n\n")
		}
	}

	writeDebate(&sb, rep)
	writeNodes(&sb, rep)

	_, err := io.WriteString(w, sb.String())
	return err
}

// Missing explains why a node's output is absent.
func Missing(rep *analysis.Report, node string) string {
	if rep.Outcome == nil {
		return "n/a (not run)"
	}
	res, ok := rep.Outcome.Status[node]
	if !ok {
		return "n/a (not run)"
	}
	switch res.State {
	case graph.Skipped:
		return "n/a (skipped: " + res.Reason + ")"
	case graph.Failed:
		return "n/a (failed: " + res.Error + ")"
	}
	return "n/a"
}

func orMissing(rep *analysis.Report, v, node string) string {
	if v != "" {
		return v
	}
	return Missing(rep, node)
}

func writeFindings(sb *strings.Builder, rep *analysis.Report) {
	raw, ok := rep.Field(analysis.FieldFindings)
	findings, _ := raw.([]validator.Finding)
	if !ok || len(findings) == 0 {
		return
	}
	sb.WriteString("## Validator findings\n\n| Rule | Severity | Field | Observed | Threshold |\n|---|---|---|---|---|\n")
	for _, f := range findings {
		observed := "missing"
		if f.Observed != nil {
			observed = fmt.Sprintf("%g", *f.Observed)
		}
		fmt.Fprintf(sb, "| %s | %s | %s | %s | %g |\n", f.RuleID, f.Severity, f.Field, observed, f.Threshold)
	}
	sb.WriteString("\n")
}

func writeFacts(sb *strings.Builder, rep *analysis.Report) {
	sb.WriteString("## Facts\n\n")
	raw, ok := rep.Field(analysis.FieldFacts)
	res, _ := raw.(*datasource.Result)
	if !ok || res == nil {
		sb.WriteString(Missing(rep, analysis.NodeAcquire) + "\n\n")
		return
	}
	keys := make([]string, 0, len(res.Record))
	for f := range res.Record {
		keys = append(keys, string(f))
	}
	sort.Strings(keys)
	sb.WriteString("| Field | Value | Source |\n|---|---|---|\n")
	for _, k := range keys {
		f := datasource.Field(k)
		fmt.Fprintf(sb, "| %s | %v | %s |\n", k, res.Record[f], res.Provenance[f])
	}
	if len(res.Missing) > 0 {
		fmt.Fprintf(sb, "\nUnknown: %v\n", res.Missing)
	}
	sb.WriteString("\n")
}

func writeDebate(sb *strings.Builder, rep *analysis.Report) {
	sb.WriteString("## Debate\n\n")
	raw, ok := rep.Field(analysis.FieldDebate)
	items, _ := raw.([]any)
	if !ok || len(items) == 0 {
		sb.WriteString(Missing(rep, analysis.NodeDebate) + "\n\n")
		return
	}
	for _, it := range items {
		e, ok := it.(graph.DebateEntry)
		if !ok {
			continue
		}
		fmt.Fprintf(sb, "**Round %d, %s:** %s\n\n", e.Round, e.Side, strings.TrimSpace(e.Argument))
	}
}

func writeNodes(sb *strings.Builder, rep *analysis.Report) {
	if rep.Outcome == nil {
		return
	}
	sb.WriteString("## Run\n\n| Node | State | Detail |\n|---|---|---|\n")
	for _, n := range rep.Nodes {
		res, ok := rep.Outcome.Status[n]
		if !ok {
			fmt.Fprintf(sb, "| %s | pending | |\n", n)
			continue
		}
		detail := res.Reason
		if res.Error != "" {
			detail = res.Error
		}
		fmt.Fprintf(sb, "| %s | %s | %s |\n", n, res.State, strings.ReplaceAll(detail, "|", "/"))
	}
	sb.WriteString("\n")
}
