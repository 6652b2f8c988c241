package analysis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/datasource"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/memory"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/provider"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/validator"
	"go.uber.org/zap"
)

// flagMarketCapMismatch is raised when providers disagree on market cap.
const flagMarketCapMismatch = "market_cap_mismatch"

// agents holds the task functions of one run. Each one reads and writes
// shared state only through its View.
type agents struct {
	subject string
	runID   string
	mode    Mode
	rounds  int
	a       *Analyzer
	mem     *memory.Scoped // nil when memory is off
	logger  *zap.Logger
}

func (ag *agents) infer(ctx context.Context, class provider.ModelClass, prompt string) (string, error) {
	return ag.a.inferer.Infer(ctx, class, prompt, provider.Options{
		System:    systemPrompt,
		MaxTokens: ag.a.cfg.MaxTokens,
	})
}

func (ag *agents) acquire(ctx context.Context, v *graph.View) error {
	res, err := ag.a.acquirer.Acquire(ctx, ag.subject, ag.a.cfg.Fields)
	if err != nil {
		return fmt.Errorf("acquire facts: %w", err)
	}
	v.Set(FieldFacts, res)
	v.Set(FieldProvenance, res.Provenance)
	if len(res.Missing) > 0 {
		gaps := make([]string, len(res.Missing))
		for i, f := range res.Missing {
			gaps[i] = string(f)
		}
		v.Set(FieldDataGaps, gaps)
	}
	return nil
}

func (ag *agents) recall(ctx context.Context, v *graph.View) error {
	hits, err := ag.mem.Recall(ctx, memory.Lookup{
		Text:  ag.subject + " decision thesis risk",
		Limit: 5,
	})
	if err != nil {
		// Missing memory never blocks a run.
		ag.logger.Warn("memory unavailable",
			zap.String("namespace", ag.mem.Namespace()), zap.Error(err))
		return nil
	}
	if len(hits) > 0 {
		v.Set(FieldMemories, hits)
	}
	return nil
}

func (ag *agents) validate(_ context.Context, v *graph.View) error {
	res, _ := factsOf(v)
	d := validator.Evaluate(ag.a.cfg.Rules, toFacts(ag.subject, res))
	v.Set(FieldRoute, d)
	v.Set(FieldFindings, d.Findings)
	if ids := d.FlagIDs(); len(ids) > 0 {
		v.Set(FieldFlags, ids)
	}
	ag.logger.Info("validator decision",
		zap.String("subject", ag.subject), zap.String("route", d.String()))
	return nil
}

// toFacts projects merged provider data onto the validator's input.
func toFacts(subject string, res *datasource.Result) validator.Facts {
	f := validator.Facts{
		Subject: subject,
		Values:  make(map[string]float64),
		Flags:   make(map[string]bool),
	}
	if res == nil {
		return f
	}
	for field, raw := range res.Record {
		if n, ok := datasource.Number(raw); ok {
			f.Values[string(field)] = n
		}
	}
	if s, ok := res.Record[datasource.FieldSector].(string); ok {
		f.Sector = s
	}
	if slices.Contains(res.Conflicts, datasource.FieldMarketCap) {
		f.Flags[flagMarketCapMismatch] = true
	}
	return f
}

func (ag *agents) analyst(role, focus, out string) graph.TaskFunc {
	return func(ctx context.Context, v *graph.View) error {
		res, _ := factsOf(v)
		text, err := ag.infer(ctx, provider.ClassQuick, analystPrompt(role, focus, ag.subject, res, flagsOf(v)))
		if err != nil {
			return fmt.Errorf("%s: %w", role, err)
		}
		v.Set(out, text)
		return nil
	}
}

func (ag *agents) debater(stance string) graph.RoundFunc {
	return func(ctx context.Context, v *graph.View, round int) (graph.Turn, error) {
		prompt := debatePrompt(stance, ag.subject, round, ag.rounds, reportsOf(v), transcriptOf(v))
		text, err := ag.infer(ctx, provider.ClassQuick, prompt)
		if err != nil {
			return graph.Turn{}, fmt.Errorf("%s round %d: %w", stance, round, err)
		}
		return graph.Turn{Argument: text, Converged: hasConsensus(text)}, nil
	}
}

func (ag *agents) researchManager(ctx context.Context, v *graph.View) error {
	res, _ := factsOf(v)
	var mems []memory.Scored
	if ag.mem != nil {
		if raw, ok := v.Get(FieldMemories); ok {
			mems, _ = raw.([]memory.Scored)
		}
	}
	prompt := researchPrompt(ag.subject, res, flagsOf(v), reportsOf(v), transcriptOf(v), mems)
	plan, err := ag.infer(ctx, provider.ClassDeep, prompt)
	if err != nil {
		return fmt.Errorf("research manager: %w", err)
	}
	v.Set(FieldInvestmentPlan, plan)
	return nil
}

func (ag *agents) riskReview(ctx context.Context, v *graph.View) error {
	plan, ok := v.String(FieldInvestmentPlan)
	if !ok {
		return errors.New("risk review: no investment plan")
	}
	res, _ := factsOf(v)
	text, err := ag.infer(ctx, provider.ClassQuick, riskPrompt(ag.subject, plan, res, flagsOf(v)))
	if err != nil {
		return fmt.Errorf("risk review: %w", err)
	}
	v.Set(FieldRiskAssessment, text)
	return nil
}

// finalize runs on exactly one of two paths: straight from the gate on
// REJECT, or after risk review otherwise.
func (ag *agents) finalize(ctx context.Context, v *graph.View) error {
	raw, ok := v.Get(FieldRoute)
	if !ok {
		return errors.New("finalize: no route decision")
	}
	route, ok := raw.(validator.Decision)
	if !ok {
		return fmt.Errorf("finalize: route is %T, not a validator decision", raw)
	}
	if route.Verdict == validator.Reject {
		v.Set(FieldDecision, "FINAL DECISION: AVOID\nRejected by validator: "+route.Reason)
		v.Set(FieldDecisionPath, route.String())
		return nil
	}

	plan, ok := v.String(FieldInvestmentPlan)
	if !ok {
		plan = absent(FieldInvestmentPlan)
	}
	risk, ok := v.String(FieldRiskAssessment)
	if !ok {
		risk = absent(FieldRiskAssessment)
	}
	text, err := ag.infer(ctx, provider.ClassDeep, decisionPrompt(ag.subject, plan, risk, flagsOf(v)))
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	v.Set(FieldDecision, text)
	v.Set(FieldDecisionPath, route.String())
	return nil
}

func (ag *agents) storeMemory(ctx context.Context, v *graph.View) error {
	decision, _ := v.String(FieldDecision)
	path, _ := v.String(FieldDecisionPath)
	text := fmt.Sprintf("%s %s %s: %s", time.Now().UTC().Format(time.DateOnly), ag.subject, path, clip(decision, 600))
	if plan, ok := v.String(FieldInvestmentPlan); ok {
		text += "\nPlan: " + clip(plan, 600)
	}
	err := ag.mem.Remember(ctx, memory.Record{
		Key:  ag.runID,
		Text: text,
		Metadata: map[string]string{
			"run_id":        ag.runID,
			"decision_path": path,
			"mode":          string(ag.mode),
		},
	})
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	v.Set(FieldMemoryKey, ag.runID)
	return nil
}

func factsOf(v *graph.View) (*datasource.Result, bool) {
	raw, ok := v.Get(FieldFacts)
	if !ok {
		return nil, false
	}
	res, ok := raw.(*datasource.Result)
	return res, ok
}

func flagsOf(v *graph.View) []string {
	raw, ok := v.Get(FieldFlags)
	if !ok {
		return nil
	}
	flags, _ := raw.([]string)
	return flags
}

// reportsOf returns the analyst reports that were written. Skipped analysts
// are left out of the map rather than mapped to "".
func reportsOf(v *graph.View) map[string]string {
	out := make(map[string]string, len(analystReports))
	for _, f := range analystReports {
		if s, ok := v.String(f); ok {
			out[f] = s
		}
	}
	return out
}

func transcriptOf(v *graph.View) []graph.DebateEntry {
	items := v.Items(FieldDebate)
	out := make([]graph.DebateEntry, 0, len(items))
	for _, it := range items {
		if e, ok := it.(graph.DebateEntry); ok {
			out = append(out, e)
		}
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
