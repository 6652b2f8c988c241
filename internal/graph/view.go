package graph

import (
	"errors"
	"fmt"
)

var (
	ErrUndeclaredRead  = errors.New("read of undeclared input")
	ErrUndeclaredWrite = errors.New("write of undeclared output")
	ErrPolicyMismatch  = errors.New("write does not match field policy")
)

// View is a task's window onto the shared state. Reads see committed state
// and are limited to the node's inputs; writes are limited to its outputs and
// are buffered until the task returns successfully. A failed task commits
// nothing, so its outputs stay absent.
type View struct {
	node    string
	round   int
	state   *State
	reads   map[string]bool
	writes  map[string]bool
	pending []write
	errs    []error
}

func newView(st *State, n *vertex) *View {
	return &View{
		node:   n.Name,
		round:  n.round,
		state:  st,
		reads:  n.reads,
		writes: n.writes,
	}
}

// Node is the name of the running node.
func (v *View) Node() string { return v.node }

// Round is the debate round the node belongs to, or 0 outside a debate.
func (v *View) Round() int { return v.round }

func (v *View) Get(field string) (any, bool) {
	if !v.reads[field] {
		v.errs = append(v.errs, fmt.Errorf("%w: %s reads %s", ErrUndeclaredRead, v.node, field))
		return nil, false
	}
	return v.state.Get(field)
}

// String reads a string field. A present non-string value reports ok=false.
func (v *View) String(field string) (string, bool) {
	raw, ok := v.Get(field)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func (v *View) Items(field string) []any {
	if !v.reads[field] {
		v.errs = append(v.errs, fmt.Errorf("%w: %s reads %s", ErrUndeclaredRead, v.node, field))
		return nil
	}
	return v.state.Items(field)
}

// Set buffers a write to an overwrite or first-writer-wins field.
func (v *View) Set(field string, value any) {
	if !v.checkWrite(field, false) {
		return
	}
	v.pending = append(v.pending, write{field: field, value: value})
}

// Append buffers one item for an append-ordered field.
func (v *View) Append(field string, item any) {
	if !v.checkWrite(field, true) {
		return
	}
	v.pending = append(v.pending, write{field: field, value: item})
}

func (v *View) checkWrite(field string, appending bool) bool {
	if !v.writes[field] {
		v.errs = append(v.errs, fmt.Errorf("%w: %s writes %s", ErrUndeclaredWrite, v.node, field))
		return false
	}
	p, _ := v.state.policy(field)
	if appending != (p == AppendOrdered) {
		v.errs = append(v.errs, fmt.Errorf("%w: %s on %s field %s", ErrPolicyMismatch, v.node, p, field))
		return false
	}
	return true
}

func (v *View) violation() error {
	return errors.Join(v.errs...)
}
