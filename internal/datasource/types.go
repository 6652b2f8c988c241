package datasource

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Field names one fact about a subject, e.g. "price" or "debt_to_equity".
type Field string

// Common fact fields. Providers may return others.
const (
	FieldName          Field = "name"
	FieldSector        Field = "sector"
	FieldCurrency      Field = "currency"
	FieldPrice         Field = "price"
	FieldMarketCap     Field = "market_cap"
	FieldPERatio       Field = "pe_ratio"
	FieldDebtToEquity  Field = "debt_to_equity"
	FieldCurrentRatio  Field = "current_ratio"
	FieldROE           Field = "roe"
	FieldRevenueGrowth Field = "revenue_growth"
	FieldAvgVolumeUSD  Field = "avg_daily_volume_usd"
	FieldHeadlines     Field = "headlines"
	FieldSentiment     Field = "sentiment_score"
)

// Record is a partial set of facts. A field that is not present is unknown;
// it is never represented by a zero value.
type Record map[Field]any

// Provider is one upstream source of facts.
type Provider interface {
	ID() string
	Fetch(ctx context.Context, subject string, fields []Field) (Record, error)
}

// Result is the merged view of all providers for one subject.
type Result struct {
	Subject    string           `json:"subject"`
	Record     Record           `json:"record"`
	Provenance map[Field]string `json:"provenance"`
	// Failures maps provider id to the reason it contributed nothing.
	Failures map[string]string `json:"failures,omitempty"`
	// Missing lists requested or critical fields nobody could supply.
	Missing []Field `json:"missing,omitempty"`
	// Conflicts lists numeric fields on which ranked providers disagree by
	// more than ConflictRatio.
	Conflicts []Field `json:"conflicts,omitempty"`
}

// ConflictRatio is how far apart two providers' numbers may be before the
// field is reported as conflicting.
const ConflictRatio = 1.5

// Has reports whether f was supplied by any provider.
func (r *Result) Has(f Field) bool {
	v, ok := r.Record[f]
	return ok && v != nil
}

func sortFields(fs []Field) {
	sort.Slice(fs, func(i, j int) bool { return fs[i] < fs[j] })
}

// subset keeps only the requested fields of rec, or all of them when fields is empty.
func subset(rec Record, fields []Field) Record {
	if len(fields) == 0 {
		out := make(Record, len(rec))
		for k, v := range rec {
			out[k] = v
		}
		return out
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok && v != nil {
			out[f] = v
		}
	}
	return out
}

func fieldStrings(fields []Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}

// Number coerces a decoded fact to float64. JSON numbers arrive as float64,
// static providers may use ints, and some feeds quote numbers as strings.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
