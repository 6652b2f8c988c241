package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrCycle          = errors.New("graph has a cycle")
	ErrUnknownNode    = errors.New("unknown node")
	ErrDuplicateNode  = errors.New("duplicate node")
	ErrUnboundInput   = errors.New("input not produced upstream")
	ErrWriteConflict  = errors.New("unordered writers of one field")
	ErrFanOutWrite    = errors.New("fan-out output written elsewhere")
	ErrInvalidDebate  = errors.New("invalid debate")
	ErrInvalidBarrier = errors.New("invalid barrier")
)

type vertex struct {
	Node
	index   int
	round   int
	barrier bool
	waits   map[string]bool
	groups  [][]string
	reads   map[string]bool
	writes  map[string]bool
	locks   []string // non-append outputs
	in, out []int
}

// Graph is a validated, immutable task graph.
type Graph struct {
	schema   Schema
	seeded   map[string]bool
	vertices []*vertex
	byName   map[string]*vertex
	edges    []Edge
}

// Nodes lists node names in declaration order, debate rounds expanded.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.vertices))
	for i, v := range g.vertices {
		out[i] = v.Name
	}
	return out
}

func (g *Graph) Edges() []Edge { return slices.Clone(g.edges) }

func (g *Graph) Schema() Schema { return g.schema }

// Builder assembles a Graph. Errors are collected and reported by Build.
type Builder struct {
	schema  Schema
	seeded  map[string]bool
	nodes   []*vertex
	names   map[string]bool
	edges   []Edge
	entries map[string]string // debate name -> first round node
	errs    []error
}

func NewBuilder(schema Schema) *Builder {
	return &Builder{
		schema:  schema,
		seeded:  make(map[string]bool),
		names:   make(map[string]bool),
		entries: make(map[string]string),
	}
}

// Seed declares fields the caller writes before the run starts.
func (b *Builder) Seed(fields ...string) *Builder {
	for _, f := range fields {
		b.seeded[f] = true
	}
	return b
}

func (b *Builder) AddNode(n Node) *Builder {
	b.add(&vertex{Node: n})
	return b
}

func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to})
	return b
}

func (b *Builder) AddGuardedEdge(from, to string, g Guard) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Guard: &g})
	return b
}

// AddBarrier adds a barrier node. Members without an explicit edge into the
// barrier get an unconditional one at Build time.
func (b *Builder) AddBarrier(br Barrier) *Builder {
	waits := make(map[string]bool, len(br.Waits))
	for _, w := range br.Waits {
		waits[w] = true
	}
	for _, grp := range br.AnyOf {
		if len(grp) == 0 {
			b.errs = append(b.errs, fmt.Errorf("%w: %s has an empty group", ErrInvalidBarrier, br.Name))
		}
		for _, m := range grp {
			if waits[m] {
				b.errs = append(b.errs, fmt.Errorf("%w: %s lists %s as both required and alternative", ErrInvalidBarrier, br.Name, m))
			}
		}
	}
	groups := make([][]string, len(br.AnyOf))
	for i, grp := range br.AnyOf {
		groups[i] = slices.Clone(grp)
	}
	b.add(&vertex{Node: br.Node, barrier: true, waits: waits, groups: groups})
	return b
}

// AddDebate expands a debate into its round nodes and exit barrier.
func (b *Builder) AddDebate(d Debate) *Builder {
	if d.Name == "" || d.Transcript == "" || d.Rounds < 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: %q needs a name, a transcript field and Rounds >= 0", ErrInvalidDebate, d.Name))
		return b
	}
	if p, ok := b.schema[d.Transcript]; !ok || p != AppendOrdered {
		b.errs = append(b.errs, fmt.Errorf("%w: %s transcript %s must be append-ordered", ErrInvalidDebate, d.Name, d.Transcript))
		return b
	}
	if d.Rounds == 0 {
		b.add(&vertex{Node: debateExit(d), barrier: true, waits: map[string]bool{}})
		return b
	}
	if d.Pro.Run == nil || d.Con.Run == nil || d.Pro.Name == "" || d.Con.Name == "" || d.Pro.Name == d.Con.Name {
		b.errs = append(b.errs, fmt.Errorf("%w: %s needs two distinct named sides", ErrInvalidDebate, d.Name))
		return b
	}
	earlyExit := d.AllowEarlyExit && d.Converged != ""

	var exits []string
	for k := 1; k <= d.Rounds; k++ {
		pro, con := debateNode(d, d.Pro, k), debateNode(d, d.Con, k)
		b.add(pro)
		b.add(con)
		b.AddEdge(pro.Name, con.Name)

		switch {
		case k == d.Rounds:
			b.AddEdge(con.Name, d.Name)
			exits = append(exits, con.Name)
		case earlyExit:
			conv := d.Converged
			b.AddGuardedEdge(con.Name, d.Name, Guard{
				Name: "converged", Reads: []string{conv},
				Pred: func(s Snapshot) bool { return s.Bool(conv) },
			})
			exits = append(exits, con.Name)
		}
		if k < d.Rounds {
			next := roundName(d.Name, k+1, d.Pro.Name)
			if earlyExit {
				conv := d.Converged
				b.AddGuardedEdge(con.Name, next, Guard{
					Name: "continue", Reads: []string{conv},
					Pred: func(s Snapshot) bool { return !s.Bool(conv) },
				})
			} else {
				b.AddEdge(con.Name, next)
			}
		}
	}
	b.add(&vertex{Node: debateExit(d), barrier: true, waits: map[string]bool{}, groups: [][]string{exits}})
	b.entries[d.Name] = roundName(d.Name, 1, d.Pro.Name)
	return b
}

// debateExit is the barrier closing a debate. It declares the transcript so
// downstream readers bind to it even when no round runs.
func debateExit(d Debate) Node {
	return Node{Name: d.Name, Outputs: []string{d.Transcript}}
}

func roundName(debate string, k int, side string) string {
	return fmt.Sprintf("%s.r%d.%s", debate, k, side)
}

func debateNode(d Debate, s Side, k int) *vertex {
	inputs := append(slices.Clone(s.Inputs), d.Transcript)
	outputs := []string{d.Transcript}
	if d.Converged != "" {
		outputs = append(outputs, d.Converged)
	}
	run := s.Run
	return &vertex{
		Node: Node{
			Name:    roundName(d.Name, k, s.Name),
			Inputs:  inputs,
			Outputs: outputs,
			Class:   Exclusive,
			Run: func(ctx context.Context, v *View) error {
				turn, err := run(ctx, v, k)
				if err != nil {
					return err
				}
				v.Append(d.Transcript, DebateEntry{Round: k, Side: s.Name, Argument: turn.Argument})
				if d.Converged != "" {
					v.Set(d.Converged, turn.Converged)
				}
				return nil
			},
		},
		round: k,
	}
}

func (b *Builder) add(v *vertex) {
	if v.Name == "" {
		b.errs = append(b.errs, fmt.Errorf("%w: empty name", ErrUnknownNode))
		return
	}
	if b.names[v.Name] {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateNode, v.Name))
		return
	}
	b.names[v.Name] = true
	b.nodes = append(b.nodes, v)
}

// Build validates the graph: unknown nodes and fields, cycles, inputs that
// nothing upstream produces, and unordered writers of overwrite fields.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	g := &Graph{
		schema: b.schema,
		seeded: b.seeded,
		byName: make(map[string]*vertex, len(b.nodes)),
	}
	for i, v := range b.nodes {
		v.index = i
		v.in, v.out = nil, nil
		g.vertices = append(g.vertices, v)
		g.byName[v.Name] = v
	}

	edges := make([]Edge, 0, len(b.edges))
	for _, e := range b.edges {
		if entry, ok := b.entries[e.To]; ok && !isDebateMember(e.From, e.To) {
			e.To = entry
		}
		edges = append(edges, e)
	}
	edges = addBarrierEdges(g.vertices, edges)

	for i, e := range edges {
		from, ok := g.byName[e.From]
		if !ok {
			return nil, fmt.Errorf("%w: edge from %s", ErrUnknownNode, e.From)
		}
		to, ok := g.byName[e.To]
		if !ok {
			return nil, fmt.Errorf("%w: edge to %s", ErrUnknownNode, e.To)
		}
		if e.From == e.To {
			return nil, fmt.Errorf("%w: %s depends on itself", ErrCycle, e.From)
		}
		from.out = append(from.out, i)
		to.in = append(to.in, i)
		if to.barrier && !to.isMember(e.From) {
			to.waits[e.From] = true
		}
	}
	g.edges = edges

	for _, v := range g.vertices {
		if v.barrier {
			for m := range v.waits {
				if _, ok := g.byName[m]; !ok {
					return nil, fmt.Errorf("%w: barrier %s waits on %s", ErrUnknownNode, v.Name, m)
				}
			}
		}
		if err := g.bindFields(v); err != nil {
			return nil, err
		}
	}
	for _, e := range g.edges {
		if e.Guard == nil {
			continue
		}
		for _, f := range e.Guard.Reads {
			if _, ok := g.schema[f]; !ok {
				return nil, fmt.Errorf("%w: guard %s on %s->%s reads %s", ErrUnknownField, e.Guard.Name, e.From, e.To, f)
			}
		}
	}

	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	anc := g.ancestors()
	if err := g.checkInputs(anc); err != nil {
		return nil, err
	}
	if err := g.checkWriters(anc); err != nil {
		return nil, err
	}
	return g, nil
}

// isDebateMember keeps a debate's own exit edges pointing at its barrier.
func isDebateMember(from, debate string) bool {
	return strings.HasPrefix(from, debate+".r")
}

func addBarrierEdges(vs []*vertex, edges []Edge) []Edge {
	has := make(map[[2]string]bool, len(edges))
	for _, e := range edges {
		has[[2]string{e.From, e.To}] = true
	}
	for _, v := range vs {
		if !v.barrier {
			continue
		}
		var members []string
		for m := range v.waits {
			members = append(members, m)
		}
		slices.Sort(members)
		for _, grp := range v.groups {
			members = append(members, grp...)
		}
		for _, m := range members {
			if !has[[2]string{m, v.Name}] {
				edges = append(edges, Edge{From: m, To: v.Name})
				has[[2]string{m, v.Name}] = true
			}
		}
	}
	return edges
}

func (v *vertex) isMember(name string) bool {
	if v.waits[name] {
		return true
	}
	for _, grp := range v.groups {
		if slices.Contains(grp, name) {
			return true
		}
	}
	return false
}

func (g *Graph) bindFields(v *vertex) error {
	v.reads = make(map[string]bool, len(v.Inputs))
	v.writes = make(map[string]bool, len(v.Outputs))
	v.locks = nil
	for _, f := range v.Inputs {
		if _, ok := g.schema[f]; !ok {
			return fmt.Errorf("%w: %s reads %s", ErrUnknownField, v.Name, f)
		}
		v.reads[f] = true
	}
	for _, f := range v.Outputs {
		p, ok := g.schema[f]
		if !ok {
			return fmt.Errorf("%w: %s writes %s", ErrUnknownField, v.Name, f)
		}
		v.writes[f] = true
		if p != AppendOrdered {
			v.locks = append(v.locks, f)
		}
	}
	return nil
}

// checkCycles runs a white/grey/black depth-first search over out-edges.
func (g *Graph) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	colour := make([]int, len(g.vertices))
	var visit func(i int) error
	visit = func(i int) error {
		colour[i] = grey
		for _, ei := range g.vertices[i].out {
			j := g.byName[g.edges[ei].To].index
			switch colour[j] {
			case grey:
				return fmt.Errorf("%w: %s -> %s", ErrCycle, g.vertices[i].Name, g.vertices[j].Name)
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		colour[i] = black
		return nil
	}
	for i := range g.vertices {
		if colour[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// ancestors maps each node index to the set of node indexes it depends on.
func (g *Graph) ancestors() []map[int]bool {
	anc := make([]map[int]bool, len(g.vertices))
	var walk func(i int) map[int]bool
	walk = func(i int) map[int]bool {
		if anc[i] != nil {
			return anc[i]
		}
		set := make(map[int]bool)
		for _, ei := range g.vertices[i].in {
			p := g.byName[g.edges[ei].From].index
			set[p] = true
			for a := range walk(p) {
				set[a] = true
			}
		}
		anc[i] = set
		return set
	}
	for i := range g.vertices {
		walk(i)
	}
	return anc
}

func (g *Graph) producedFor(v *vertex, field string, anc map[int]bool) bool {
	if g.seeded[field] || v.writes[field] {
		return true
	}
	for a := range anc {
		if g.vertices[a].writes[field] {
			return true
		}
	}
	return false
}

func (g *Graph) checkInputs(anc []map[int]bool) error {
	for _, v := range g.vertices {
		for _, f := range v.Inputs {
			if !g.producedFor(v, f, anc[v.index]) {
				return fmt.Errorf("%w: %s reads %s", ErrUnboundInput, v.Name, f)
			}
		}
	}
	for _, e := range g.edges {
		if e.Guard == nil {
			continue
		}
		src := g.byName[e.From]
		for _, f := range e.Guard.Reads {
			if !g.producedFor(src, f, anc[src.index]) {
				return fmt.Errorf("%w: guard %s on %s->%s reads %s", ErrUnboundInput, e.Guard.Name, e.From, e.To, f)
			}
		}
	}
	return nil
}

func (g *Graph) checkWriters(anc []map[int]bool) error {
	writers := make(map[string][]*vertex)
	for _, v := range g.vertices {
		for _, f := range v.Outputs {
			writers[f] = append(writers[f], v)
		}
	}
	for field, ws := range writers {
		for _, v := range ws {
			if v.Class == ReadOnlyFanOut && len(ws) > 1 {
				return fmt.Errorf("%w: %s by %s", ErrFanOutWrite, field, v.Name)
			}
		}
		if g.schema[field] != OverwriteLastWriter {
			continue
		}
		for i := 0; i < len(ws); i++ {
			for j := i + 1; j < len(ws); j++ {
				a, b := ws[i], ws[j]
				if !anc[a.index][b.index] && !anc[b.index][a.index] {
					return fmt.Errorf("%w: %s written by %s and %s", ErrWriteConflict, field, a.Name, b.Name)
				}
			}
		}
	}
	return nil
}
