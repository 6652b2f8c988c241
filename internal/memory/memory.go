package memory

import (
	"context"
	"errors"
	"sort"
	"time"
)

var ErrEmptyNamespace = errors.New("empty memory namespace")

// Record is one note kept for a subject.
type Record struct {
	Namespace string            `json:"namespace"`
	Key       string            `json:"key"`
	Text      string            `json:"text"`
	Vector    []float32         `json:"vector,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Lookup is a query against one namespace. With neither Text nor Vector set
// it lists the newest records.
type Lookup struct {
	Text     string
	Vector   []float32
	Limit    int
	MinScore float64
}

// Scored is a query hit.
type Scored struct {
	Record
	Score float64 `json:"score"`
}

// Store is a namespaced note store. Query must only ever consider records
// written under the requested namespace.
type Store interface {
	Write(ctx context.Context, namespace string, rec Record) error
	Query(ctx context.Context, namespace string, lookup Lookup) ([]Scored, error)
}

const defaultLimit = 5

func (l Lookup) limit() int {
	if l.Limit <= 0 {
		return defaultLimit
	}
	return l.Limit
}

// rank orders hits by score, newest first on ties, and applies the lookup's cut-offs.
func rank(hits []Scored, l Lookup) []Scored {
	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= l.MinScore {
			kept = append(kept, h)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].CreatedAt.After(kept[j].CreatedAt)
	})
	if n := l.limit(); len(kept) > n {
		kept = kept[:n]
	}
	return kept
}

// score picks cosine similarity when both sides carry vectors, keyword
// overlap otherwise, and a flat score for plain listings.
func score(rec Record, l Lookup) float64 {
	if len(l.Vector) > 0 && len(rec.Vector) == len(l.Vector) {
		return cosine(l.Vector, rec.Vector)
	}
	if l.Text == "" {
		return 1
	}
	return keywordSimilarity(tokenize(l.Text), rec.Text)
}
