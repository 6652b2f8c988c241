package analysis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/datasource"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/memory"
)

const systemPrompt = "You are part of an equity research team. Be specific, cite the figures you are given, and say so when data is missing."

// consensusMarkers end a debate turn early when a side concedes.
var consensusMarkers = []string{"[consensus]", "[concede]", "[done]"}

func hasConsensus(reply string) bool {
	lower := strings.ToLower(reply)
	for _, m := range consensusMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// absent renders a value that was never written. Missing inputs are shown as
// unknown, never as an empty default.
func absent(field string) string {
	return fmt.Sprintf("n/a (%s unavailable)", field)
}

func writeFacts(sb *strings.Builder, res *datasource.Result) {
	if res == nil {
		sb.WriteString("Facts: " + absent("facts") + "\n")
		return
	}
	keys := make([]string, 0, len(res.Record))
	for f := range res.Record {
		keys = append(keys, string(f))
	}
	sort.Strings(keys)
	sb.WriteString("Facts:\n")
	for _, k := range keys {
		f := datasource.Field(k)
		fmt.Fprintf(sb, "- %s: %v (source: %s)\n", k, res.Record[f], res.Provenance[f])
	}
	if len(res.Missing) > 0 {
		fmt.Fprintf(sb, "Unknown fields: %v\n", res.Missing)
	}
}

func writeFlags(sb *strings.Builder, flags []string) {
	if len(flags) == 0 {
		return
	}
	fmt.Fprintf(sb, "Validator warnings: %s\n", strings.Join(flags, ", "))
}

func analystPrompt(role, focus, subject string, facts *datasource.Result, flags []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Role: %s for %s.\n", role, subject)
	fmt.Fprintf(&sb, "Focus: %s\n\n", focus)
	writeFacts(&sb, facts)
	writeFlags(&sb, flags)
	sb.WriteString("\nWrite a short report (under 250 words) ending with one line: SIGNAL: bullish|neutral|bearish.")
	return sb.String()
}

func writeReports(sb *strings.Builder, reports map[string]string) {
	sb.WriteString("Analyst reports:\n")
	for _, f := range analystReports {
		text, ok := reports[f]
		if !ok {
			text = absent(f)
		}
		fmt.Fprintf(sb, "[%s]\n%s\n\n", f, text)
	}
}

func writeTranscript(sb *strings.Builder, entries []graph.DebateEntry) {
	if len(entries) == 0 {
		return
	}
	sb.WriteString("Debate so far:\n")
	for _, e := range entries {
		fmt.Fprintf(sb, "[round %d, %s] %s\n", e.Round, e.Side, e.Argument)
	}
	sb.WriteString("\n")
}

func debatePrompt(stance, subject string, round, rounds int, reports map[string]string, transcript []graph.DebateEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You argue the %s case on %s. Round %d of %d.\n\n", stance, subject, round, rounds)
	writeReports(&sb, reports)
	writeTranscript(&sb, transcript)
	sb.WriteString("Answer the other side's strongest point, then make yours. If you now agree with the other side, include [consensus].")
	return sb.String()
}

func researchPrompt(subject string, facts *datasource.Result, flags []string, reports map[string]string, transcript []graph.DebateEntry, memories []memory.Scored) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the research manager deciding on %s.\n\n", subject)
	writeFacts(&sb, facts)
	writeFlags(&sb, flags)
	writeReports(&sb, reports)
	writeTranscript(&sb, transcript)
	if len(memories) > 0 {
		sb.WriteString("Notes from earlier runs on this subject:\n")
		for _, m := range memories {
			fmt.Fprintf(&sb, "- %s\n", m.Text)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Produce an investment plan: recommendation (BUY/HOLD/SELL), thesis, key risks, and position sizing guidance.")
	return sb.String()
}

func riskPrompt(subject, plan string, facts *datasource.Result, flags []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You review risk for the plan on %s.\n\n", subject)
	writeFacts(&sb, facts)
	writeFlags(&sb, flags)
	fmt.Fprintf(&sb, "\nPlan:\n%s\n\n", plan)
	sb.WriteString("List the risks the plan underweights and state whether sizing should be reduced.")
	return sb.String()
}

func decisionPrompt(subject, plan, risk string, flags []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the portfolio manager making the final call on %s.\n\n", subject)
	writeFlags(&sb, flags)
	fmt.Fprintf(&sb, "Plan:\n%s\n\nRisk review:\n%s\n\n", plan, risk)
	sb.WriteString("Reply with FINAL DECISION: BUY, HOLD or SELL on the first line, then at most five lines of rationale.")
	return sb.String()
}
