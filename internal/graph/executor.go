package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrPanic = errors.New("node panicked")

// NodeState is a node's terminal status. Every node of a run ends in exactly
// one of Completed, Failed or Skipped.
type NodeState int

const (
	Pending NodeState = iota
	Completed
	Failed
	Skipped
)

func (s NodeState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("NodeState(%d)", int(s))
}

func (s NodeState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *NodeState) UnmarshalText(b []byte) error {
	for _, c := range []NodeState{Pending, Completed, Failed, Skipped} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", b)
}

// NodeResult is what happened to one node.
type NodeResult struct {
	Name     string    `json:"name"`
	State    NodeState `json:"state"`
	Round    int       `json:"round,omitempty"`
	Err      error     `json:"-"`
	Error    string    `json:"error,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Started  time.Time `json:"started,omitempty"`
	Finished time.Time `json:"finished,omitempty"`
}

// Outcome summarizes a run. The final state lives in the State passed to Run.
type Outcome struct {
	RunID     string
	Status    map[string]NodeResult
	Order     []string // nodes in the order they reached a terminal state
	Cancelled bool
	Started   time.Time
	Finished  time.Time
}

// State returns a node's terminal state, or Pending for unknown names.
func (o *Outcome) State(node string) NodeState {
	return o.Status[node].State
}

// Count returns how many nodes ended in s.
func (o *Outcome) Count(s NodeState) int {
	n := 0
	for _, r := range o.Status {
		if r.State == s {
			n++
		}
	}
	return n
}

// ExecutorConfig bounds a run.
type ExecutorConfig struct {
	MaxParallel int           `json:"max_parallel"`
	RunTimeout  time.Duration `json:"run_timeout"`
	// CancelGrace is how long in-flight nodes get to return after the run
	// is cancelled before they are abandoned.
	CancelGrace time.Duration `json:"cancel_grace"`
}

// Executor runs graphs. One Executor may run many graphs concurrently.
type Executor struct {
	cfg      ExecutorConfig
	observer Observer
	logger   *zap.Logger
}

func NewExecutor(cfg ExecutorConfig, observer Observer, logger *zap.Logger) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 2 * time.Second
	}
	if observer == nil {
		observer = Observers(nil)
	}
	return &Executor{cfg: cfg, observer: observer, logger: logger}
}

type edgeState int

const (
	edgePending edgeState = iota
	edgeActive
	edgeInactive
	edgeDead
)

type phase int

const (
	phaseWaiting phase = iota
	phaseReady
	phaseRunning
	phaseDone
)

type nodeDone struct {
	index    int
	view     *View
	err      error
	started  time.Time
	finished time.Time
}

type run struct {
	e        *Executor
	g        *Graph
	st       *State
	out      *Outcome
	edges    []edgeState
	phase    []phase
	started  []time.Time
	ready    []int
	running  map[int]bool
	results  chan nodeDone
	left     int
	aborting bool
}

// Run executes g against st and returns once every node is terminal. Node
// errors never escape: they become node states. When the run times out or
// ctx is cancelled, nothing new starts, in-flight nodes get CancelGrace to
// return, and every node that did not complete is skipped as "cancelled".
func (e *Executor) Run(ctx context.Context, runID string, g *Graph, st *State) *Outcome {
	if runID == "" {
		runID = uuid.New().String()
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if e.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	n := len(g.vertices)
	r := &run{
		e:       e,
		g:       g,
		st:      st,
		out:     &Outcome{RunID: runID, Status: make(map[string]NodeResult, n), Started: time.Now()},
		edges:   make([]edgeState, len(g.edges)),
		phase:   make([]phase, n),
		started: make([]time.Time, n),
		running: make(map[int]bool),
		results: make(chan nodeDone, n),
		left:    n,
	}
	for i := range g.vertices {
		r.decide(i)
	}

loop:
	for r.left > 0 {
		if runCtx.Err() != nil {
			r.abort()
			break
		}
		r.launch(runCtx)
		if r.left == 0 {
			break
		}
		if len(r.running) == 0 {
			r.skipWaiting("unreachable")
			break
		}
		select {
		case d := <-r.results:
			r.finish(runCtx, d)
		case <-runCtx.Done():
			r.abort()
			break loop
		}
	}

	r.out.Finished = time.Now()
	e.logger.Info("graph run finished",
		zap.String("run", runID),
		zap.Int("completed", r.out.Count(Completed)),
		zap.Int("failed", r.out.Count(Failed)),
		zap.Int("skipped", r.out.Count(Skipped)),
		zap.Bool("cancelled", r.out.Cancelled),
		zap.Duration("duration", r.out.Finished.Sub(r.out.Started)))
	return r.out
}

// launch starts ready nodes up to the parallelism bound. Nodes without work
// (pure barriers) complete inline.
func (r *run) launch(ctx context.Context) {
	for progressed := true; progressed; {
		progressed = false
		for k := 0; k < len(r.ready); k++ {
			i := r.ready[k]
			v := r.g.vertices[i]
			if v.Run != nil && (len(r.running) >= r.e.cfg.MaxParallel || r.blocked(v)) {
				continue
			}
			r.ready = slices.Delete(r.ready, k, k+1)
			k--
			progressed = true
			if v.Run == nil {
				now := time.Now()
				r.started[i] = now
				r.e.observer.NodeStarted(r.out.RunID, v.Name)
				r.terminal(i, Completed, nil, "", now)
				continue
			}
			r.start(ctx, i)
		}
	}
}

// blocked reports whether an exclusive node would share a non-append output
// with a running exclusive node.
func (r *run) blocked(v *vertex) bool {
	if v.Class == ReadOnlyFanOut || len(v.locks) == 0 {
		return false
	}
	for j := range r.running {
		other := r.g.vertices[j]
		if other.Class != Exclusive {
			continue
		}
		for _, f := range v.locks {
			if slices.Contains(other.locks, f) {
				return true
			}
		}
	}
	return false
}

func (r *run) start(ctx context.Context, i int) {
	v := r.g.vertices[i]
	r.phase[i] = phaseRunning
	r.running[i] = true
	r.started[i] = time.Now()
	r.e.observer.NodeStarted(r.out.RunID, v.Name)

	view := newView(r.st, v)
	started := r.started[i]
	go func() {
		err := safeRun(ctx, v.Run, view)
		r.results <- nodeDone{index: i, view: view, err: err, started: started, finished: time.Now()}
	}()
}

func safeRun(ctx context.Context, fn TaskFunc, v *View) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	return fn(ctx, v)
}

func (r *run) finish(ctx context.Context, d nodeDone) {
	delete(r.running, d.index)
	err := d.err
	if err == nil {
		err = d.view.violation()
	}
	switch {
	case err == nil:
		r.st.commit(d.view.pending)
		r.terminal(d.index, Completed, nil, "", d.finished)
	case ctx.Err() != nil:
		// The rest of the run is about to be cancelled; do not cascade.
		r.aborting = true
		r.terminal(d.index, Skipped, err, "cancelled", d.finished)
	default:
		r.terminal(d.index, Failed, err, "", d.finished)
	}
}

// terminal records a node's final state, resolves its outgoing edges and
// re-examines their targets. Skips cascade through decide.
func (r *run) terminal(i int, state NodeState, err error, reason string, at time.Time) {
	v := r.g.vertices[i]
	r.phase[i] = phaseDone
	r.left--

	res := NodeResult{
		Name:     v.Name,
		State:    state,
		Round:    v.round,
		Err:      err,
		Reason:   reason,
		Started:  r.started[i],
		Finished: at,
	}
	if err != nil {
		res.Error = err.Error()
	}
	r.out.Status[v.Name] = res
	r.out.Order = append(r.out.Order, v.Name)
	r.e.observer.NodeFinished(r.out.RunID, res)

	if r.aborting {
		return
	}
	for _, ei := range v.out {
		e := r.g.edges[ei]
		switch {
		case state != Completed:
			r.edges[ei] = edgeDead
		case e.Guard == nil:
			r.edges[ei] = edgeActive
		case e.Guard.Pred(r.st.Snapshot(e.Guard.Reads...)):
			r.edges[ei] = edgeActive
		default:
			r.edges[ei] = edgeInactive
		}
	}
	for _, ei := range v.out {
		r.decide(r.g.byName[r.g.edges[ei].To].index)
	}
}

// decide moves a waiting node to ready or skipped once its inbound edges
// allow it.
func (r *run) decide(i int) {
	if r.phase[i] != phaseWaiting {
		return
	}
	v := r.g.vertices[i]
	var ready bool
	var reason string
	if v.barrier {
		ready, reason = r.barrierReady(v)
	} else {
		ready, reason = r.nodeReady(v)
	}
	switch {
	case ready:
		r.phase[i] = phaseReady
		r.ready = append(r.ready, i)
	case reason != "":
		r.terminal(i, Skipped, nil, reason, time.Now())
	}
}

// nodeReady: every inbound edge resolved, none dead, at least one active.
// A dead edge skips the node at once.
func (r *run) nodeReady(v *vertex) (bool, string) {
	if len(v.in) == 0 {
		return true, ""
	}
	pending, active := false, false
	var guard string
	for _, ei := range v.in {
		e := r.g.edges[ei]
		switch r.edges[ei] {
		case edgeDead:
			return false, fmt.Sprintf("upstream %s %s", e.From, r.out.Status[e.From].State)
		case edgePending:
			pending = true
		case edgeActive:
			active = true
		case edgeInactive:
			if guard == "" && e.Guard != nil {
				guard = e.Guard.Name
			}
		}
	}
	if pending {
		return false, ""
	}
	if active {
		return true, ""
	}
	return false, fmt.Sprintf("guard %s not taken", guard)
}

// barrierReady fires as soon as every wait is active and each group has an
// active member; it gives up as soon as either can no longer happen.
func (r *run) barrierReady(v *vertex) (bool, string) {
	from := make(map[string]edgeState, len(v.in))
	for _, ei := range v.in {
		from[r.g.edges[ei].From] = r.edges[ei]
	}

	satisfied := true
	for _, m := range sortedNames(v.waits) {
		switch from[m] {
		case edgeActive:
		case edgePending:
			satisfied = false
		default:
			return false, fmt.Sprintf("required %s %s", m, r.describe(m))
		}
	}
	for _, grp := range v.groups {
		hit, open := false, false
		for _, m := range grp {
			switch from[m] {
			case edgeActive:
				hit = true
			case edgePending:
				open = true
			}
		}
		if hit {
			continue
		}
		if !open {
			return false, fmt.Sprintf("none of %v delivered", grp)
		}
		satisfied = false
	}
	return satisfied, ""
}

func (r *run) describe(node string) string {
	if res, ok := r.out.Status[node]; ok && res.State != Completed {
		return res.State.String()
	}
	return "not taken"
}

// abort skips everything that has not started and waits for in-flight nodes.
func (r *run) abort() {
	r.aborting = true
	r.out.Cancelled = true
	r.skipWaiting("cancelled")

	timer := time.NewTimer(r.e.cfg.CancelGrace)
	defer timer.Stop()
	for len(r.running) > 0 {
		select {
		case d := <-r.results:
			delete(r.running, d.index)
			err := d.err
			if err == nil {
				err = d.view.violation()
			}
			if err == nil {
				r.st.commit(d.view.pending)
				r.terminal(d.index, Completed, nil, "", d.finished)
			} else {
				r.terminal(d.index, Skipped, err, "cancelled", d.finished)
			}
		case <-timer.C:
			for _, i := range sortedKeys(r.running) {
				delete(r.running, i)
				r.e.logger.Warn("abandoning node after cancel grace",
					zap.String("run", r.out.RunID),
					zap.String("node", r.g.vertices[i].Name))
				r.terminal(i, Skipped, nil, "cancelled", time.Now())
			}
		}
	}
}

func (r *run) skipWaiting(reason string) {
	prev := r.aborting
	r.aborting = true
	for i, p := range r.phase {
		if p == phaseWaiting || p == phaseReady {
			r.terminal(i, Skipped, nil, reason, time.Now())
		}
	}
	r.ready = nil
	r.aborting = prev
}

func sortedNames(m map[string]bool) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
