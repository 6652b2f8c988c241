package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newExec(cfg ExecutorConfig) *Executor {
	return NewExecutor(cfg, LogObserver{Logger: zap.NewNop()}, zap.NewNop())
}

func mustBuild(t *testing.T, b *Builder) *Graph {
	t.Helper()
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

// counter counts executions per node.
type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *counter) wrap(name string, fn TaskFunc) TaskFunc {
	return func(ctx context.Context, v *View) error {
		c.mu.Lock()
		if c.n == nil {
			c.n = make(map[string]int)
		}
		c.n[name]++
		c.mu.Unlock()
		return fn(ctx, v)
	}
}

func set(field string, value any) TaskFunc {
	return func(_ context.Context, v *View) error {
		v.Set(field, value)
		return nil
	}
}

func TestRun_EveryNodeTerminalOnce(t *testing.T) {
	schema := Schema{"a": OverwriteLastWriter, "b": OverwriteLastWriter, "c": OverwriteLastWriter,
		"d": OverwriteLastWriter, "e": OverwriteLastWriter, "f": OverwriteLastWriter}
	var c counter
	boom := errors.New("boom")

	b := NewBuilder(schema).
		AddNode(Node{Name: "src", Outputs: []string{"a"}, Run: c.wrap("src", set("a", 1))}).
		AddNode(Node{Name: "left", Inputs: []string{"a"}, Outputs: []string{"b"}, Run: c.wrap("left", set("b", 2))}).
		AddNode(Node{Name: "right", Inputs: []string{"a"}, Outputs: []string{"c"}, Run: c.wrap("right", func(context.Context, *View) error { return boom })}).
		AddNode(Node{Name: "join", Inputs: []string{"b", "c"}, Outputs: []string{"d"}, Run: c.wrap("join", set("d", 3))}).
		AddNode(Node{Name: "tail", Inputs: []string{"d"}, Outputs: []string{"e"}, Run: c.wrap("tail", set("e", 4))}).
		AddNode(Node{Name: "side", Inputs: []string{"a"}, Outputs: []string{"f"}, Run: c.wrap("side", set("f", 5))}).
		AddEdge("src", "left").
		AddEdge("src", "right").
		AddEdge("left", "join").
		AddEdge("right", "join").
		AddEdge("join", "tail").
		AddGuardedEdge("src", "side", Guard{Name: "never", Reads: []string{"a"}, Pred: func(Snapshot) bool { return false }})
	g := mustBuild(t, b)
	st := NewState(schema)

	out := newExec(ExecutorConfig{MaxParallel: 4}).Run(context.Background(), "", g, st)

	if len(out.Status) != len(g.Nodes()) || len(out.Order) != len(g.Nodes()) {
		t.Fatalf("got %d results for %d nodes", len(out.Status), len(g.Nodes()))
	}
	want := map[string]NodeState{
		"src": Completed, "left": Completed, "right": Failed,
		"join": Skipped, "tail": Skipped, "side": Skipped,
	}
	for name, s := range want {
		if got := out.State(name); got != s {
			t.Errorf("%s: got %s, want %s", name, got, s)
		}
	}
	for name, n := range c.n {
		if n != 1 {
			t.Errorf("%s ran %d times", name, n)
		}
	}
	if c.n["join"] != 0 || c.n["side"] != 0 {
		t.Errorf("skipped nodes executed: %v", c.n)
	}
	if !errors.Is(out.Status["right"].Err, boom) {
		t.Errorf("right error: %v", out.Status["right"].Err)
	}
	if out.Status["join"].Reason != "upstream right failed" {
		t.Errorf("join reason: %q", out.Status["join"].Reason)
	}
	if out.Status["side"].Reason != "guard never not taken" {
		t.Errorf("side reason: %q", out.Status["side"].Reason)
	}
	if st.Has("c") || st.Has("d") || st.Has("f") {
		t.Error("fields of failed or skipped nodes must stay absent")
	}
	if v, _ := st.Get("b"); v != 2 {
		t.Errorf("b = %v, want 2", v)
	}
}

func TestRun_FailedNodeCommitsNothing(t *testing.T) {
	schema := Schema{"x": OverwriteLastWriter}
	b := NewBuilder(schema).AddNode(Node{Name: "n", Outputs: []string{"x"}, Run: func(_ context.Context, v *View) error {
		v.Set("x", "partial")
		return errors.New("late failure")
	}})
	st := NewState(schema)
	out := newExec(ExecutorConfig{}).Run(context.Background(), "", mustBuild(t, b), st)
	if out.State("n") != Failed || st.Has("x") {
		t.Fatalf("state %s, x present %v", out.State("n"), st.Has("x"))
	}
}

func TestRun_UndeclaredAccessFailsNode(t *testing.T) {
	schema := Schema{"x": OverwriteLastWriter, "y": OverwriteLastWriter, "log": AppendOrdered}
	b := NewBuilder(schema).
		AddNode(Node{Name: "writer", Outputs: []string{"x"}, Run: set("y", 1)}).
		AddNode(Node{Name: "reader", Run: func(_ context.Context, v *View) error {
			v.Get("x")
			return nil
		}}).
		AddNode(Node{Name: "appender", Outputs: []string{"log"}, Run: set("log", "not an append")})
	out := newExec(ExecutorConfig{}).Run(context.Background(), "", mustBuild(t, b), NewState(schema))

	if !errors.Is(out.Status["writer"].Err, ErrUndeclaredWrite) {
		t.Errorf("writer: %v", out.Status["writer"].Err)
	}
	if !errors.Is(out.Status["reader"].Err, ErrUndeclaredRead) {
		t.Errorf("reader: %v", out.Status["reader"].Err)
	}
	if !errors.Is(out.Status["appender"].Err, ErrPolicyMismatch) {
		t.Errorf("appender: %v", out.Status["appender"].Err)
	}
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	b := NewBuilder(Schema{}).AddNode(Node{Name: "p", Run: func(context.Context, *View) error { panic("bad index") }})
	out := newExec(ExecutorConfig{}).Run(context.Background(), "", mustBuild(t, b), NewState(Schema{}))
	if out.State("p") != Failed || !errors.Is(out.Status["p"].Err, ErrPanic) {
		t.Fatalf("got %+v", out.Status["p"])
	}
}

func TestRun_GuardEvaluatedOnceOnSnapshot(t *testing.T) {
	schema := Schema{"route": OverwriteLastWriter, "x": OverwriteLastWriter, "y": OverwriteLastWriter}
	var evals atomic.Int32
	var seen atomic.Value
	guard := Guard{Name: "pass", Reads: []string{"route"}, Pred: func(s Snapshot) bool {
		evals.Add(1)
		seen.Store(s.String("route"))
		return s.String("route") == "PASS"
	}}
	b := NewBuilder(schema).
		AddNode(Node{Name: "gate", Outputs: []string{"route"}, Run: set("route", "PASS")}).
		AddNode(Node{Name: "a", Inputs: []string{"route"}, Outputs: []string{"x"}, Class: ReadOnlyFanOut, Run: set("x", 1)}).
		AddNode(Node{Name: "b", Inputs: []string{"route"}, Outputs: []string{"y"}, Class: ReadOnlyFanOut, Run: set("y", 1)}).
		AddGuardedEdge("gate", "a", guard).
		AddEdge("gate", "b")

	out := newExec(ExecutorConfig{}).Run(context.Background(), "", mustBuild(t, b), NewState(schema))
	if evals.Load() != 1 {
		t.Errorf("guard evaluated %d times, want 1", evals.Load())
	}
	if seen.Load() != "PASS" {
		t.Errorf("guard saw %v", seen.Load())
	}
	if out.State("a") != Completed || out.State("b") != Completed {
		t.Errorf("a=%s b=%s", out.State("a"), out.State("b"))
	}
}

// barrierGraph: w is required, x and y are alternatives.
func barrierGraph(wErr, xErr, yErr error, fired chan struct{}, gateRuns *atomic.Int32) *Builder {
	fail := func(err error) TaskFunc {
		return func(context.Context, *View) error { return err }
	}
	return NewBuilder(Schema{}).
		AddNode(Node{Name: "w", Run: fail(wErr)}).
		AddNode(Node{Name: "x", Run: fail(xErr)}).
		AddNode(Node{Name: "y", Run: func(ctx context.Context, _ *View) error {
			if yErr != nil {
				return yErr
			}
			if fired == nil {
				return nil
			}
			select {
			case <-fired:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("barrier did not fire before y finished")
			}
		}}).
		AddBarrier(Barrier{
			Node: Node{Name: "gate", Run: func(context.Context, *View) error {
				gateRuns.Add(1)
				if fired != nil {
					close(fired)
				}
				return nil
			}},
			Waits: []string{"w"},
			AnyOf: [][]string{{"x", "y"}},
		})
}

func TestBarrier_FiresIffPredicate(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		w, x, y error
		want    NodeState
	}{
		{"all deliver", nil, nil, nil, Completed},
		{"one alternative fails", nil, boom, nil, Completed},
		{"other alternative fails", nil, nil, boom, Completed},
		{"both alternatives fail", nil, boom, boom, Skipped},
		{"required fails", boom, nil, nil, Skipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var runs atomic.Int32
			g := mustBuild(t, barrierGraph(tt.w, tt.x, tt.y, nil, &runs))
			out := newExec(ExecutorConfig{MaxParallel: 4}).Run(context.Background(), "", g, NewState(Schema{}))
			if got := out.State("gate"); got != tt.want {
				t.Fatalf("gate: got %s, want %s (%s)", got, tt.want, out.Status["gate"].Reason)
			}
			wantRuns := int32(0)
			if tt.want == Completed {
				wantRuns = 1
			}
			if runs.Load() != wantRuns {
				t.Errorf("gate ran %d times, want %d", runs.Load(), wantRuns)
			}
		})
	}
}

func TestBarrier_FiresBeforeSlowAlternative(t *testing.T) {
	var runs atomic.Int32
	fired := make(chan struct{})
	g := mustBuild(t, barrierGraph(nil, nil, nil, fired, &runs))
	out := newExec(ExecutorConfig{MaxParallel: 4}).Run(context.Background(), "", g, NewState(Schema{}))

	if out.State("y") != Completed {
		t.Fatalf("y: %s %v", out.State("y"), out.Status["y"].Err)
	}
	if runs.Load() != 1 {
		t.Errorf("gate ran %d times, want exactly once", runs.Load())
	}
}

func debateBuilder(rounds int, convergeAt int, early bool) (*Builder, Schema) {
	schema := Schema{"topic": OverwriteLastWriter, "transcript": AppendOrdered, "converged": OverwriteLastWriter, "verdict": OverwriteLastWriter}
	side := func(name string) Side {
		return Side{Name: name, Inputs: []string{"topic"}, Run: func(_ context.Context, v *View, round int) (Turn, error) {
			prior := len(v.Items("transcript"))
			return Turn{
				Argument:  fmt.Sprintf("%s round %d after %d", name, round, prior),
				Converged: convergeAt > 0 && round >= convergeAt,
			}, nil
		}}
	}
	b := NewBuilder(schema).
		Seed("topic").
		AddNode(Node{Name: "open", Inputs: []string{"topic"}, Outputs: []string{"topic"}, Run: set("topic", "ACME")}).
		AddDebate(Debate{
			Name: "debate", Rounds: rounds,
			Pro: side("bull"), Con: side("bear"),
			Transcript: "transcript", Converged: "converged", AllowEarlyExit: early,
		}).
		AddNode(Node{Name: "judge", Inputs: []string{"transcript"}, Outputs: []string{"verdict"}, Run: func(_ context.Context, v *View) error {
			v.Set("verdict", len(v.Items("transcript")))
			return nil
		}}).
		AddEdge("open", "debate").
		AddEdge("debate", "judge")
	return b, schema
}

func TestDebate_TwoRoundsRegardlessOfContent(t *testing.T) {
	b, schema := debateBuilder(2, 1, false)
	g := mustBuild(t, b)
	st := NewState(schema)
	out := newExec(ExecutorConfig{MaxParallel: 4}).Run(context.Background(), "", g, st)

	items := st.Items("transcript")
	if len(items) != 4 {
		t.Fatalf("got %d transcript entries, want 4", len(items))
	}
	perSide := map[string]int{}
	want := []string{"bull", "bear", "bull", "bear"}
	for i, it := range items {
		e := it.(DebateEntry)
		perSide[e.Side]++
		if e.Side != want[i] || e.Round != i/2+1 {
			t.Errorf("entry %d: %+v", i, e)
		}
		if e.Argument != fmt.Sprintf("%s round %d after %d", e.Side, e.Round, i) {
			t.Errorf("entry %d did not see the full transcript: %q", i, e.Argument)
		}
	}
	if perSide["bull"] != 2 || perSide["bear"] != 2 {
		t.Errorf("per side: %v", perSide)
	}
	if out.State("debate") != Completed || out.State("judge") != Completed {
		t.Errorf("debate=%s judge=%s", out.State("debate"), out.State("judge"))
	}
	if v, _ := st.Get("verdict"); v != 4 {
		t.Errorf("judge saw %v entries", v)
	}
	if out.Status["debate.r2.bear"].Round != 2 {
		t.Errorf("round not recorded: %+v", out.Status["debate.r2.bear"])
	}
}

func TestDebate_EarlyExitOnConvergence(t *testing.T) {
	b, schema := debateBuilder(2, 1, true)
	st := NewState(schema)
	out := newExec(ExecutorConfig{}).Run(context.Background(), "", mustBuild(t, b), st)

	if n := len(st.Items("transcript")); n != 2 {
		t.Fatalf("got %d entries, want 2", n)
	}
	if out.State("debate.r2.bull") != Skipped || out.State("debate.r2.bear") != Skipped {
		t.Errorf("round 2 should be skipped")
	}
	if out.State("judge") != Completed {
		t.Errorf("judge: %s (%s)", out.State("judge"), out.Status["judge"].Reason)
	}
}

func TestDebate_ZeroRoundsShortCircuits(t *testing.T) {
	b, schema := debateBuilder(0, 0, false)
	st := NewState(schema)
	g := mustBuild(t, b)
	out := newExec(ExecutorConfig{}).Run(context.Background(), "", g, st)

	if len(g.Nodes()) != 3 {
		t.Errorf("nodes: %v", g.Nodes())
	}
	if out.State("judge") != Completed {
		t.Errorf("judge: %s", out.State("judge"))
	}
	if st.Has("transcript") {
		t.Error("no rounds should leave the transcript absent")
	}
}

func TestRun_TimeoutSkipsRemaining(t *testing.T) {
	schema := Schema{"x": OverwriteLastWriter, "y": OverwriteLastWriter, "z": OverwriteLastWriter}
	b := NewBuilder(schema).
		AddNode(Node{Name: "fast", Outputs: []string{"x"}, Run: set("x", 1)}).
		AddNode(Node{Name: "slow", Outputs: []string{"y"}, Run: func(ctx context.Context, _ *View) error {
			<-ctx.Done()
			return ctx.Err()
		}}).
		AddNode(Node{Name: "after", Inputs: []string{"y"}, Outputs: []string{"z"}, Run: set("z", 1)}).
		AddEdge("slow", "after")

	st := NewState(schema)
	start := time.Now()
	out := newExec(ExecutorConfig{RunTimeout: 50 * time.Millisecond, CancelGrace: time.Second}).
		Run(context.Background(), "", mustBuild(t, b), st)

	if time.Since(start) > time.Second {
		t.Errorf("run took %v", time.Since(start))
	}
	if !out.Cancelled {
		t.Error("outcome not marked cancelled")
	}
	if out.State("fast") != Completed {
		t.Errorf("fast: %s", out.State("fast"))
	}
	for _, n := range []string{"slow", "after"} {
		r := out.Status[n]
		if r.State != Skipped || r.Reason != "cancelled" {
			t.Errorf("%s: %s %q", n, r.State, r.Reason)
		}
	}
	if !st.Has("x") || st.Has("y") {
		t.Error("partial state should keep completed outputs only")
	}
}

func TestRun_ExclusiveWritersNeverOverlap(t *testing.T) {
	schema := Schema{"winner": FirstWriterWins}
	var active, peak atomic.Int32
	b := NewBuilder(schema)
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("w%d", i)
		b.AddNode(Node{Name: name, Outputs: []string{"winner"}, Run: func(_ context.Context, v *View) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			v.Set("winner", name)
			return nil
		}})
	}
	st := NewState(schema)
	out := newExec(ExecutorConfig{MaxParallel: 6}).Run(context.Background(), "", mustBuild(t, b), st)

	if peak.Load() != 1 {
		t.Errorf("exclusive writers overlapped: peak %d", peak.Load())
	}
	if out.Count(Completed) != 6 {
		t.Errorf("completed %d, want 6", out.Count(Completed))
	}
	first := out.Order[0]
	if v, _ := st.Get("winner"); v != first {
		t.Errorf("winner %v, want first finisher %s", v, first)
	}
}

func TestRun_FanOutRunsConcurrentlyWithinBound(t *testing.T) {
	const width = 3
	schema := Schema{}
	var started sync.WaitGroup
	started.Add(width)
	var active, peak atomic.Int32
	b := NewBuilder(schema)
	for i := 0; i < width; i++ {
		field := fmt.Sprintf("out%d", i)
		schema[field] = OverwriteLastWriter
		b.AddNode(Node{Name: fmt.Sprintf("f%d", i), Outputs: []string{field}, Class: ReadOnlyFanOut, Run: func(_ context.Context, v *View) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			started.Done()
			done := make(chan struct{})
			go func() { started.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				return errors.New("fan-out nodes were serialized")
			}
			active.Add(-1)
			v.Set(field, true)
			return nil
		}})
	}
	out := newExec(ExecutorConfig{MaxParallel: width}).Run(context.Background(), "", mustBuild(t, b), NewState(schema))
	if out.Count(Completed) != width {
		t.Fatalf("completed %d: %+v", out.Count(Completed), out.Status)
	}
	if peak.Load() > width {
		t.Errorf("peak %d exceeds bound %d", peak.Load(), width)
	}
}

func TestRun_MaxParallelBound(t *testing.T) {
	schema := Schema{}
	var active, peak atomic.Int32
	b := NewBuilder(schema)
	for i := 0; i < 10; i++ {
		field := fmt.Sprintf("o%d", i)
		schema[field] = OverwriteLastWriter
		b.AddNode(Node{Name: field, Outputs: []string{field}, Class: ReadOnlyFanOut, Run: func(context.Context, *View) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(3 * time.Millisecond)
			active.Add(-1)
			return nil
		}})
	}
	newExec(ExecutorConfig{MaxParallel: 2}).Run(context.Background(), "", mustBuild(t, b), NewState(schema))
	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d, want <= 2", peak.Load())
	}
}

func TestBuild_Validation(t *testing.T) {
	noop := func(context.Context, *View) error { return nil }
	schema := Schema{"x": OverwriteLastWriter, "log": AppendOrdered}
	tests := []struct {
		name  string
		build func() *Builder
		want  error
	}{
		{"cycle", func() *Builder {
			return NewBuilder(schema).
				AddNode(Node{Name: "a", Run: noop}).
				AddNode(Node{Name: "b", Run: noop}).
				AddEdge("a", "b").AddEdge("b", "a")
		}, ErrCycle},
		{"unknown node", func() *Builder {
			return NewBuilder(schema).AddNode(Node{Name: "a", Run: noop}).AddEdge("a", "ghost")
		}, ErrUnknownNode},
		{"duplicate", func() *Builder {
			return NewBuilder(schema).AddNode(Node{Name: "a", Run: noop}).AddNode(Node{Name: "a", Run: noop})
		}, ErrDuplicateNode},
		{"unknown field", func() *Builder {
			return NewBuilder(schema).AddNode(Node{Name: "a", Outputs: []string{"nope"}, Run: noop})
		}, ErrUnknownField},
		{"unbound input", func() *Builder {
			return NewBuilder(schema).
				AddNode(Node{Name: "w", Outputs: []string{"x"}, Run: noop}).
				AddNode(Node{Name: "r", Inputs: []string{"x"}, Run: noop})
		}, ErrUnboundInput},
		{"unordered overwrite writers", func() *Builder {
			return NewBuilder(schema).
				AddNode(Node{Name: "a", Outputs: []string{"x"}, Run: noop}).
				AddNode(Node{Name: "b", Outputs: []string{"x"}, Run: noop})
		}, ErrWriteConflict},
		{"fan-out output shared", func() *Builder {
			return NewBuilder(schema).
				AddNode(Node{Name: "a", Outputs: []string{"log"}, Class: ReadOnlyFanOut, Run: noop}).
				AddNode(Node{Name: "b", Outputs: []string{"log"}, Run: noop})
		}, ErrFanOutWrite},
		{"bad debate", func() *Builder {
			return NewBuilder(schema).AddDebate(Debate{Name: "d", Rounds: 1, Transcript: "log"})
		}, ErrInvalidDebate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Build()
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuild_OrderedWritersAndAppendAllowed(t *testing.T) {
	noop := func(context.Context, *View) error { return nil }
	schema := Schema{"x": OverwriteLastWriter, "log": AppendOrdered}
	_, err := NewBuilder(schema).
		AddNode(Node{Name: "a", Outputs: []string{"x", "log"}, Run: noop}).
		AddNode(Node{Name: "b", Outputs: []string{"log"}, Run: noop}).
		AddNode(Node{Name: "c", Inputs: []string{"x"}, Outputs: []string{"x", "log"}, Run: noop}).
		AddEdge("a", "c").
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestState_Policies(t *testing.T) {
	st := NewState(Schema{"first": FirstWriterWins, "last": OverwriteLastWriter, "log": AppendOrdered})
	st.commit([]write{{field: "first", value: 1}, {field: "first", value: 2}})
	st.commit([]write{{field: "last", value: 1}, {field: "last", value: 2}})
	st.commit([]write{{field: "log", value: "a"}, {field: "log", value: "b"}})

	if v, _ := st.Get("first"); v != 1 {
		t.Errorf("first = %v", v)
	}
	if v, _ := st.Get("last"); v != 2 {
		t.Errorf("last = %v", v)
	}
	if items := st.Items("log"); len(items) != 2 || items[0] != "a" {
		t.Errorf("log = %v", items)
	}
	if err := st.Seed("ghost", 1); !errors.Is(err, ErrUnknownField) {
		t.Errorf("seed unknown: %v", err)
	}
	snap := st.Snapshot("first", "missing")
	if _, ok := snap.Get("missing"); ok {
		t.Error("absent field must stay absent in a snapshot")
	}
}
