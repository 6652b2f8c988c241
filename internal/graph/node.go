package graph

import "context"

// Class is a node's concurrency class.
type Class int

const (
	// Exclusive nodes never run alongside another exclusive node that writes
	// an overlapping non-append field.
	Exclusive Class = iota
	// ReadOnlyFanOut nodes read shared state and write only outputs no other
	// node writes, so they may run alongside anything.
	ReadOnlyFanOut
)

// TaskFunc is the work a node wraps.
type TaskFunc func(ctx context.Context, v *View) error

// Node is one task in the graph.
type Node struct {
	Name    string
	Inputs  []string
	Outputs []string
	Class   Class
	Run     TaskFunc
}

// Guard is a predicate over a snapshot of the fields it declares. It is
// evaluated exactly once, right after the edge's source completes.
type Guard struct {
	Name  string
	Reads []string
	Pred  func(Snapshot) bool
}

// Edge orders two nodes. A nil Guard is unconditional.
type Edge struct {
	From  string
	To    string
	Guard *Guard
}

// Barrier is a node that becomes ready once every Waits member has delivered
// and each AnyOf group has at least one member that delivered. Remaining
// group members may still be running or may end up skipped. A barrier fires
// at most once. Run may be nil for a pure synchronization point.
type Barrier struct {
	Node
	Waits []string
	AnyOf [][]string
}

// Turn is one side's contribution to a debate round.
type Turn struct {
	Argument  string
	Converged bool
}

// RoundFunc runs one side of one debate round.
type RoundFunc func(ctx context.Context, v *View, round int) (Turn, error)

// Side is one party of a debate.
type Side struct {
	Name   string
	Inputs []string
	Run    RoundFunc
}

// DebateEntry is one transcript item.
type DebateEntry struct {
	Round    int    `json:"round"`
	Side     string `json:"side"`
	Argument string `json:"argument"`
}

// Debate is a bounded loop of two opposing sides over a shared transcript.
// It expands into nodes "<name>.r<k>.<side>" for k in 1..Rounds, pro before
// con in every round, followed by a barrier named <name> that the rest of the
// graph depends on. Rounds == 0 short-circuits straight to the barrier.
type Debate struct {
	Name       string
	Rounds     int
	Pro, Con   Side
	Transcript string // append-ordered field of DebateEntry
	// Converged, when set, is an overwrite field a side may raise. The loop
	// exits early on it only when AllowEarlyExit is true.
	Converged      string
	AllowEarlyExit bool
}
