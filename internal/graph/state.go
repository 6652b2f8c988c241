package graph

import (
	"errors"
	"fmt"
	"sync"
)

// Policy is a field's merge rule.
type Policy int

const (
	// OverwriteLastWriter keeps the most recent committed value.
	OverwriteLastWriter Policy = iota
	// AppendOrdered keeps every appended item in commit order.
	AppendOrdered
	// FirstWriterWins keeps the first committed value and ignores the rest.
	FirstWriterWins
)

func (p Policy) String() string {
	switch p {
	case OverwriteLastWriter:
		return "overwrite"
	case AppendOrdered:
		return "append"
	case FirstWriterWins:
		return "first-writer-wins"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Schema declares every field of the shared state and its policy.
type Schema map[string]Policy

var ErrUnknownField = errors.New("unknown state field")

type slot struct {
	mu    sync.Mutex
	set   bool
	value any
	items []any
}

// State is the shared record of one run. Each field has its own lock, so
// commits to different fields never contend. Absent fields stay absent:
// nothing is defaulted.
type State struct {
	schema Schema
	fields map[string]*slot
}

func NewState(schema Schema) *State {
	st := &State{schema: schema, fields: make(map[string]*slot, len(schema))}
	for name := range schema {
		st.fields[name] = &slot{}
	}
	return st
}

// Seed writes an initial value before the run starts.
func (s *State) Seed(field string, value any) error {
	sl, ok := s.fields[field]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	_, spread := value.([]any)
	s.apply(field, sl, write{field: field, value: value, spread: spread})
	return nil
}

// Get returns a field's value. For append-ordered fields the value is a copy
// of the items. ok is false when nothing was ever written.
func (s *State) Get(field string) (any, bool) {
	sl, ok := s.fields[field]
	if !ok {
		return nil, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.set {
		return nil, false
	}
	if s.schema[field] == AppendOrdered {
		return append([]any(nil), sl.items...), true
	}
	return sl.value, true
}

// Items returns a copy of an append-ordered field.
func (s *State) Items(field string) []any {
	v, ok := s.Get(field)
	if !ok {
		return nil
	}
	items, _ := v.([]any)
	return items
}

// Has reports whether field has been written.
func (s *State) Has(field string) bool {
	_, ok := s.Get(field)
	return ok
}

// Snapshot is a stable copy of some fields, taken under their locks.
type Snapshot map[string]any

func (s Snapshot) Get(field string) (any, bool) {
	v, ok := s[field]
	return v, ok
}

func (s Snapshot) String(field string) string {
	v, _ := s[field].(string)
	return v
}

func (s Snapshot) Bool(field string) bool {
	v, _ := s[field].(bool)
	return v
}

// Snapshot copies the named fields. Absent fields are left out.
func (s *State) Snapshot(fields ...string) Snapshot {
	out := make(Snapshot, len(fields))
	for _, f := range fields {
		if v, ok := s.Get(f); ok {
			out[f] = v
		}
	}
	return out
}

// Export copies every written field.
func (s *State) Export() map[string]any {
	out := make(map[string]any, len(s.fields))
	for name := range s.fields {
		if v, ok := s.Get(name); ok {
			out[name] = v
		}
	}
	return out
}

func (s *State) policy(field string) (Policy, bool) {
	p, ok := s.schema[field]
	return p, ok
}

type write struct {
	field string
	value any
	// spread appends each element of a []any value instead of the slice itself.
	spread bool
}

func (s *State) commit(ws []write) {
	for _, w := range ws {
		s.apply(w.field, s.fields[w.field], w)
	}
}

func (s *State) apply(field string, sl *slot, w write) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	switch s.schema[field] {
	case AppendOrdered:
		if items, ok := w.value.([]any); ok && w.spread {
			sl.items = append(sl.items, items...)
		} else {
			sl.items = append(sl.items, w.value)
		}
	case FirstWriterWins:
		if sl.set {
			return
		}
		sl.value = w.value
	default:
		sl.value = w.value
	}
	sl.set = true
}
