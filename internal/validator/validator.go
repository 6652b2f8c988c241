// Package validator is the deterministic gate between data acquisition and
// the analyst graph. Evaluation is a pure function of the rule table and the
// facts; it never touches the network.
package validator

import (
	"fmt"
	"strings"
)

// Verdict is the route a decision selects.
type Verdict int

const (
	Pass Verdict = iota
	Warn
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "PASS"
	case Warn:
		return "WARN"
	case Reject:
		return "REJECT"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Facts is the structured input to the gate.
type Facts struct {
	Subject string
	Sector  string
	Values  map[string]float64
	Flags   map[string]bool
}

// Finding records one rule that fired. It is the only shape downstream
// consumers read.
type Finding struct {
	RuleID    string   `json:"rule_id"`
	Verdict   Verdict  `json:"-"`
	Severity  Severity `json:"severity"`
	Field     string   `json:"field"`
	Observed  *float64 `json:"observed,omitempty"`
	Threshold float64  `json:"threshold"`
	Message   string   `json:"message"`
}

// Decision is the gate's result.
type Decision struct {
	Verdict  Verdict
	Reason   string
	Flags    []Finding // warn findings carried forward
	Findings []Finding // every rule that fired, in table order
}

func (d Decision) String() string {
	switch d.Verdict {
	case Reject:
		return "REJECT:" + d.Reason
	case Warn:
		ids := make([]string, len(d.Flags))
		for i, f := range d.Flags {
			ids[i] = f.RuleID
		}
		return "WARN:" + strings.Join(ids, ",")
	}
	return "PASS"
}

// FlagIDs lists the rule ids of the warn findings.
func (d Decision) FlagIDs() []string {
	ids := make([]string, len(d.Flags))
	for i, f := range d.Flags {
		ids[i] = f.RuleID
	}
	return ids
}

// Evaluate runs every rule once, in table order. A missing value never fires
// a comparison rule; only OpMissing looks at absence.
func Evaluate(t Table, f Facts) Decision {
	sector := NormalizeSector(f.Sector)
	var d Decision
	for _, r := range t.Rules {
		fd, fired := check(r, sector, f)
		if !fired {
			continue
		}
		d.Findings = append(d.Findings, fd)
		switch fd.Verdict {
		case Reject:
			if d.Verdict != Reject {
				d.Verdict = Reject
				d.Reason = r.ID + " (" + r.Message + ")"
			}
		case Warn:
			d.Flags = append(d.Flags, fd)
		}
	}
	if d.Verdict != Reject && len(d.Flags) > 0 {
		d.Verdict = Warn
	}
	return d
}

func check(r Rule, sector string, f Facts) (Finding, bool) {
	fd := Finding{
		RuleID:   r.ID,
		Severity: r.Severity,
		Field:    r.Field,
		Message:  r.Message,
		Verdict:  Warn,
	}
	if r.Severity == SeverityReject {
		fd.Verdict = Reject
	}

	switch r.Op {
	case OpFlag:
		return fd, f.Flags[r.Field]
	case OpMissing:
		_, ok := f.Values[r.Field]
		return fd, !ok
	}

	v, ok := f.Values[r.Field]
	if !ok {
		return fd, false
	}
	limit := r.Threshold
	if s, ok := r.SectorThresholds[sector]; ok {
		limit = s
	}
	fd.Observed = &v
	fd.Threshold = limit

	switch r.Op {
	case OpLT:
		return fd, v < limit
	case OpLTE:
		return fd, v <= limit
	case OpGT:
		return fd, v > limit
	case OpGTE:
		return fd, v >= limit
	case OpEQ:
		return fd, v == limit
	}
	return fd, false
}
