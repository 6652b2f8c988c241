package validator

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Op is a rule comparison.
type Op string

const (
	OpLT      Op = "lt"
	OpLTE     Op = "lte"
	OpGT      Op = "gt"
	OpGTE     Op = "gte"
	OpEQ      Op = "eq"
	OpMissing Op = "missing" // fires when the field has no value
	OpFlag    Op = "flag"    // fires when the boolean flag is set
)

// Severity is the verdict a firing rule contributes.
type Severity string

const (
	SeverityReject Severity = "reject"
	SeverityWarn   Severity = "warn"
)

// Rule is one row of the validation table.
type Rule struct {
	ID               string             `yaml:"id" json:"id"`
	Field            string             `yaml:"field" json:"field"`
	Op               Op                 `yaml:"op" json:"op"`
	Threshold        float64            `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	SectorThresholds map[string]float64 `yaml:"sector_thresholds,omitempty" json:"sector_thresholds,omitempty"`
	Severity         Severity           `yaml:"severity" json:"severity"`
	Message          string             `yaml:"message" json:"message"`
}

// Table is an ordered rule list. Order decides which reject reason is reported.
type Table struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

var ErrInvalidTable = errors.New("invalid rule table")

// LoadTable reads a YAML rule table.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read rule table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse rule table: %w", err)
	}
	for i := range t.Rules {
		t.Rules[i].SectorThresholds = normalizeSectors(t.Rules[i].SectorThresholds)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// Validate checks ids are unique and every op and severity is known.
func (t Table) Validate() error {
	seen := make(map[string]bool, len(t.Rules))
	for i, r := range t.Rules {
		if r.ID == "" {
			return fmt.Errorf("%w: rule %d has no id", ErrInvalidTable, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidTable, r.ID)
		}
		seen[r.ID] = true
		if r.Field == "" {
			return fmt.Errorf("%w: rule %s has no field", ErrInvalidTable, r.ID)
		}
		switch r.Op {
		case OpLT, OpLTE, OpGT, OpGTE, OpEQ, OpMissing, OpFlag:
		default:
			return fmt.Errorf("%w: rule %s has unknown op %q", ErrInvalidTable, r.ID, r.Op)
		}
		switch r.Severity {
		case SeverityReject, SeverityWarn:
		default:
			return fmt.Errorf("%w: rule %s has unknown severity %q", ErrInvalidTable, r.ID, r.Severity)
		}
	}
	return nil
}

// DefaultTable is the built-in rule set used when no table file is configured.
func DefaultTable() Table {
	return Table{Rules: []Rule{
		{ID: "FACT-PRICE-MISSING", Field: "price", Op: OpMissing, Severity: SeverityReject,
			Message: "no price from any provider"},
		{ID: "FACT-PRICE-NONPOSITIVE", Field: "price", Op: OpLTE, Threshold: 0, Severity: SeverityReject,
			Message: "price is not positive"},
		{ID: "FACT-MCAP-MISMATCH", Field: "market_cap_mismatch", Op: OpFlag, Severity: SeverityReject,
			Message: "providers disagree on market cap"},
		{ID: "LIQ-VOLUME-THIN", Field: "avg_daily_volume_usd", Op: OpLT, Threshold: 100_000, Severity: SeverityReject,
			Message: "average daily volume below USD 100k"},
		{ID: "FIN-DEBT-EQUITY", Field: "debt_to_equity", Op: OpGT, Threshold: 2.0,
			SectorThresholds: map[string]float64{"financials": 8, "utilities": 3.5, "real_estate": 4},
			Severity:         SeverityWarn, Message: "leverage above sector norm"},
		{ID: "FIN-PE-HIGH", Field: "pe_ratio", Op: OpGT, Threshold: 60,
			SectorThresholds: map[string]float64{"technology": 90},
			Severity:         SeverityWarn, Message: "valuation multiple stretched"},
		{ID: "FIN-LIQUIDITY", Field: "current_ratio", Op: OpLT, Threshold: 1.0, Severity: SeverityWarn,
			Message: "current liabilities exceed current assets"},
		{ID: "VAL-ROE-NEGATIVE", Field: "roe", Op: OpLT, Threshold: 0, Severity: SeverityWarn,
			Message: "negative return on equity"},
	}}
}

// NormalizeSector folds "Real Estate" and "real-estate" to "real_estate".
func NormalizeSector(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func normalizeSectors(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[NormalizeSector(k)] = v
	}
	return out
}
