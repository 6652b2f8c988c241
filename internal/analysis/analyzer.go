// Package analysis wires the investment research graph: data acquisition,
// memory, the validator gate, analysts, the bull/bear debate and the final
// decision, all scheduled by the graph executor.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/datasource"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/memory"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/provider"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/ratelimit"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/validator"
	"go.uber.org/zap"
)

var (
	ErrEmptySubject = errors.New("empty subject")
	// ErrInfrastructure marks a run that could not reach a provider or a rate
	// budget at all. Such runs are failures of the environment, not of the subject.
	ErrInfrastructure = errors.New("infrastructure failure")
)

// Mode picks the depth of a run.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeThorough Mode = "thorough"
)

// ParseMode accepts "fast" and "thorough"; empty means fast.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFast:
		return ModeFast, nil
	case ModeThorough:
		return ModeThorough, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// DebateRounds is the number of bull/bear rounds the mode runs.
func (m Mode) DebateRounds() int {
	if m == ModeThorough {
		return 2
	}
	return 1
}

// Acquirer supplies merged facts for a subject.
type Acquirer interface {
	Acquire(ctx context.Context, subject string, fields []datasource.Field) (*datasource.Result, error)
}

// Config tunes an Analyzer.
type Config struct {
	// Fields requested from providers; empty asks for whatever they have.
	Fields []datasource.Field
	Rules  validator.Table
	// MaxTokens caps every inference reply; 0 leaves the provider default.
	MaxTokens int
	// DebateRounds, when positive, replaces the round count of every mode.
	DebateRounds int
	// DebateEarlyExit ends the debate after a round in which the bear side
	// concedes, instead of always running every round.
	DebateEarlyExit bool
}

// Options are per-run switches.
type Options struct {
	Mode       Mode
	SkipMemory bool
	// RunID is generated when empty.
	RunID string
}

// Analyzer runs the research graph for one subject at a time. It is safe for
// concurrent use; each Analyze call gets its own graph and state.
type Analyzer struct {
	acquirer Acquirer
	inferer  provider.Inferer
	memory   memory.Store
	executor *graph.Executor
	cfg      Config
	logger   *zap.Logger
}

// New builds an Analyzer. store may be nil to run without memory.
func New(acquirer Acquirer, inferer provider.Inferer, store memory.Store, executor *graph.Executor, cfg Config, logger *zap.Logger) *Analyzer {
	if len(cfg.Rules.Rules) == 0 {
		cfg.Rules = validator.DefaultTable()
	}
	return &Analyzer{
		acquirer: acquirer,
		inferer:  inferer,
		memory:   store,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Report is what one run produced.
type Report struct {
	Subject      string         `json:"subject"`
	Namespace    string         `json:"namespace"`
	RunID        string         `json:"run_id"`
	Mode         Mode           `json:"mode"`
	Decision     string         `json:"decision,omitempty"`
	DecisionPath string         `json:"decision_path,omitempty"`
	Complete     bool           `json:"complete"`
	Nodes        []string       `json:"nodes"`
	Outcome      *graph.Outcome `json:"outcome"`
	State        map[string]any `json:"-"`
	Started      time.Time      `json:"started"`
	Finished     time.Time      `json:"finished"`
}

// Field returns a final state value; ok is false when nothing wrote it.
func (r *Report) Field(name string) (any, bool) {
	v, ok := r.State[name]
	return v, ok
}

// Text returns a final state string value.
func (r *Report) Text(name string) (string, bool) {
	v, ok := r.State[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (a *Analyzer) memoryOn(opts Options) bool {
	return a.memory != nil && !opts.SkipMemory
}

// Build assembles the graph for one run. With memory off, the recall and
// store nodes are left out entirely.
func (a *Analyzer) Build(subject string, opts Options) (*graph.Graph, error) {
	g, _, err := a.build(subject, opts)
	return g, err
}

func (a *Analyzer) build(subject string, opts Options) (*graph.Graph, *agents, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFast
	}
	rounds := opts.Mode.DebateRounds()
	if a.cfg.DebateRounds > 0 {
		rounds = a.cfg.DebateRounds
	}
	ag := &agents{
		subject: subject,
		runID:   opts.RunID,
		mode:    opts.Mode,
		rounds:  rounds,
		a:       a,
		logger:  a.logger.With(zap.String("subject", subject), zap.String("run_id", opts.RunID)),
	}
	useMemory := a.memoryOn(opts)
	if useMemory {
		ag.mem = memory.For(a.memory, subject)
	}

	notRejected := graph.Guard{
		Name:  "not_rejected",
		Reads: []string{FieldRoute},
		Pred:  func(s graph.Snapshot) bool { return verdict(s) != validator.Reject },
	}
	rejected := graph.Guard{
		Name:  "rejected",
		Reads: []string{FieldRoute},
		Pred:  func(s graph.Snapshot) bool { return verdict(s) == validator.Reject },
	}

	b := graph.NewBuilder(Schema()).Seed(FieldSubject)
	b.AddNode(graph.Node{
		Name:    NodeAcquire,
		Inputs:  []string{FieldSubject},
		Outputs: []string{FieldFacts, FieldProvenance, FieldDataGaps},
		Run:     ag.acquire,
	})
	b.AddNode(graph.Node{
		Name:    NodeValidate,
		Inputs:  []string{FieldFacts},
		Outputs: []string{FieldRoute, FieldFindings, FieldFlags},
		Run:     ag.validate,
	})
	b.AddEdge(NodeAcquire, NodeValidate)

	analystInputs := []string{FieldSubject, FieldFacts, FieldFlags}
	for _, an := range []struct{ node, out, role, focus string }{
		{NodeMarket, FieldMarketReport, "market analyst", "price level, market cap, liquidity and trading volume"},
		{NodeFundamentals, FieldFundamentalsReport, "fundamentals analyst", "valuation multiples, leverage, liquidity ratios, profitability and growth"},
		{NodeNews, FieldNewsReport, "news analyst", "recent headlines and what they change about the thesis"},
		{NodeSentiment, FieldSentimentReport, "sentiment analyst", "sentiment score and the tone of recent coverage"},
	} {
		b.AddNode(graph.Node{
			Name:    an.node,
			Inputs:  analystInputs,
			Outputs: []string{an.out},
			Class:   graph.ReadOnlyFanOut,
			Run:     ag.analyst(an.role, an.focus, an.out),
		})
		b.AddGuardedEdge(NodeValidate, an.node, notRejected)
	}

	barrier := graph.Barrier{Node: graph.Node{Name: NodeAnalystBarrier}}
	if opts.Mode == ModeThorough {
		barrier.Waits = []string{NodeMarket, NodeFundamentals, NodeNews, NodeSentiment}
	} else {
		barrier.Waits = []string{NodeMarket, NodeFundamentals}
		barrier.AnyOf = [][]string{{NodeNews, NodeSentiment}}
	}
	if useMemory {
		b.AddNode(graph.Node{
			Name:    NodeRecall,
			Inputs:  []string{FieldSubject},
			Outputs: []string{FieldMemories},
			Class:   graph.ReadOnlyFanOut,
			Run:     ag.recall,
		})
		barrier.Waits = append(barrier.Waits, NodeRecall)
	}
	b.AddBarrier(barrier)

	debateInputs := append([]string{FieldSubject, FieldFacts, FieldFlags}, analystReports...)
	b.AddDebate(graph.Debate{
		Name:           NodeDebate,
		Rounds:         rounds,
		Pro:            graph.Side{Name: "bull", Inputs: debateInputs, Run: ag.debater("bull")},
		Con:            graph.Side{Name: "bear", Inputs: debateInputs, Run: ag.debater("bear")},
		Transcript:     FieldDebate,
		Converged:      FieldConverged,
		AllowEarlyExit: a.cfg.DebateEarlyExit,
	})
	b.AddEdge(NodeAnalystBarrier, NodeDebate)

	managerInputs := append([]string{FieldSubject, FieldFacts, FieldFlags, FieldDebate}, analystReports...)
	if useMemory {
		managerInputs = append(managerInputs, FieldMemories)
	}
	b.AddNode(graph.Node{
		Name:    NodeResearchManager,
		Inputs:  managerInputs,
		Outputs: []string{FieldInvestmentPlan},
		Run:     ag.researchManager,
	})
	b.AddEdge(NodeDebate, NodeResearchManager)

	b.AddNode(graph.Node{
		Name:    NodeRiskReview,
		Inputs:  []string{FieldSubject, FieldFacts, FieldFlags, FieldInvestmentPlan},
		Outputs: []string{FieldRiskAssessment},
		Run:     ag.riskReview,
	})
	b.AddEdge(NodeResearchManager, NodeRiskReview)

	b.AddBarrier(graph.Barrier{
		Node: graph.Node{
			Name:    NodeFinalize,
			Inputs:  []string{FieldSubject, FieldRoute, FieldFlags, FieldInvestmentPlan, FieldRiskAssessment},
			Outputs: []string{FieldDecision, FieldDecisionPath},
			Run:     ag.finalize,
		},
		AnyOf: [][]string{{NodeValidate, NodeRiskReview}},
	})
	b.AddGuardedEdge(NodeValidate, NodeFinalize, rejected)

	if useMemory {
		b.AddNode(graph.Node{
			Name:    NodeStoreMemory,
			Inputs:  []string{FieldSubject, FieldDecision, FieldDecisionPath, FieldInvestmentPlan},
			Outputs: []string{FieldMemoryKey},
			Run:     ag.storeMemory,
		})
		b.AddEdge(NodeFinalize, NodeStoreMemory)
	}

	g, err := b.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build analysis graph: %w", err)
	}
	return g, ag, nil
}

func verdict(s graph.Snapshot) validator.Verdict {
	raw, ok := s.Get(FieldRoute)
	if !ok {
		return validator.Reject
	}
	d, ok := raw.(validator.Decision)
	if !ok {
		return validator.Reject
	}
	return d.Verdict
}

// Analyze runs one subject end to end. Node failures are recorded in the
// report's outcome and never returned; the error is reserved for an empty
// subject, a graph that cannot be built, and infrastructure failures, in
// which case the partial report is returned alongside it.
func (a *Analyzer) Analyze(ctx context.Context, subject string, opts Options) (*Report, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrEmptySubject
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Mode == "" {
		opts.Mode = ModeFast
	}
	g, _, err := a.build(subject, opts)
	if err != nil {
		return nil, err
	}

	st := graph.NewState(Schema())
	if err := st.Seed(FieldSubject, subject); err != nil {
		return nil, fmt.Errorf("seed state: %w", err)
	}

	a.logger.Info("analysis started",
		zap.String("subject", subject),
		zap.String("run_id", opts.RunID),
		zap.String("mode", string(opts.Mode)),
		zap.Bool("memory", a.memoryOn(opts)))

	out := a.executor.Run(ctx, opts.RunID, g, st)

	rep := &Report{
		Subject:   subject,
		Namespace: memory.Namespace(subject),
		RunID:     opts.RunID,
		Mode:      opts.Mode,
		Nodes:     g.Nodes(),
		Outcome:   out,
		State:     st.Export(),
		Started:   out.Started,
		Finished:  out.Finished,
	}
	rep.Decision, _ = rep.Text(FieldDecision)
	rep.DecisionPath, _ = rep.Text(FieldDecisionPath)
	rep.Complete = rep.Decision != "" && rep.DecisionPath != ""

	a.logger.Info("analysis finished",
		zap.String("subject", subject),
		zap.String("run_id", opts.RunID),
		zap.String("decision_path", rep.DecisionPath),
		zap.Bool("complete", rep.Complete),
		zap.Duration("elapsed", out.Finished.Sub(out.Started)))

	if err := infraError(out); err != nil {
		return rep, fmt.Errorf("analyze %s: %w", subject, err)
	}
	return rep, nil
}

// infraError finds a node that failed because nothing upstream could be
// reached at all.
func infraError(out *graph.Outcome) error {
	for _, name := range out.Order {
		res := out.Status[name]
		if res.State != graph.Failed || res.Err == nil {
			continue
		}
		if errors.Is(res.Err, datasource.ErrNoProviders) ||
			errors.Is(res.Err, provider.ErrNoProvider) ||
			errors.Is(res.Err, ratelimit.ErrUnknownClass) {
			return fmt.Errorf("%w: %s: %w", ErrInfrastructure, name, res.Err)
		}
	}
	return nil
}
