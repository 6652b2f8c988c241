package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/vectorstore"
)

func TestNamespace(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"AAPL", "AAPL"},
		{" aapl ", "AAPL"},
		{"$aapl", "AAPL"},
		{"BRK.B", "BRK.B"},
		{"brk-b", "BRK.B"},
		{"BRK B", "BRK.B"},
		{"BRK/B", "BRK.B"},
		{"7203.T", "7203.T"},
		{"7203t", "7203T"},
		{"7203", "7203"},
		{"0005.HK", "0005.HK"},
		{"NESN.SW", "NESN.SW"},
		{"a..b", "A.B"},
		{".hidden", "HIDDEN"},
		{"", "_"},
		{"   ", "_"},
		{"&&", "%26%26"},
		{"...", "_2e2e2e"},
		{"^n225", "%5EN225"},
		{"gc=f", "GC%3DF"},
		{"BRK & B", "BRK.%26.B"},
	}
	for _, tt := range tests {
		if got := Namespace(tt.in); got != tt.want {
			t.Errorf("Namespace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNamespace_DistinctListings(t *testing.T) {
	if Namespace("7203.T") == Namespace("7203T") {
		t.Error("separator must not be dropped")
	}
	if Namespace("7203.T") == Namespace("7203") {
		t.Error("exchange suffix must keep listings apart")
	}
	for _, pair := range [][2]string{
		{"^N225", "N225"},
		{"GC=F", "GCF"},
		{"BRK&B", "BRKB"},
		{"BRK&B", "BRK.B"},
		{"%5EN225", "^N225"},
	} {
		if Namespace(pair[0]) == Namespace(pair[1]) {
			t.Errorf("%q and %q share namespace %q", pair[0], pair[1], Namespace(pair[0]))
		}
	}
}

func TestInMemoryStore_ReplaceOnKey(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	if err := s.Write(ctx, "AAPL", Record{Key: "k", Text: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, "AAPL", Record{Key: "k", Text: "second"}); err != nil {
		t.Fatal(err)
	}
	hits, err := s.Query(ctx, "AAPL", Lookup{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Text != "second" {
		t.Fatalf("got %+v, want single replaced record", hits)
	}
}

func TestInMemoryStore_EmptyNamespace(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.Write(context.Background(), "", Record{Text: "x"}); !errors.Is(err, ErrEmptyNamespace) {
		t.Errorf("got %v, want ErrEmptyNamespace", err)
	}
	if _, err := s.Query(context.Background(), "", Lookup{}); !errors.Is(err, ErrEmptyNamespace) {
		t.Errorf("got %v, want ErrEmptyNamespace", err)
	}
}

func TestInMemoryStore_KeywordRanking(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	mem := For(s, "TSM")
	mem.Remember(ctx, Record{Key: "a", Text: "foundry capex cycle peaked last year"})
	mem.Remember(ctx, Record{Key: "b", Text: "dividend policy unchanged"})
	mem.Remember(ctx, Record{Key: "c", Text: "capex guidance raised, foundry demand strong"})

	hits, err := mem.Recall(ctx, Lookup{Text: "foundry capex", Limit: 2, MinScore: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	for _, h := range hits {
		if h.Key == "b" {
			t.Errorf("unrelated note ranked: %+v", h)
		}
		if h.Namespace != "TSM" {
			t.Errorf("hit namespace %q, want TSM", h.Namespace)
		}
	}
}

// isolationFixture writes notes for many subjects whose tickers share
// vocabulary, then checks that every recall only returns its own notes.
func isolationFixture(t *testing.T, store Store, seed int64, fixtures int) {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(seed))

	subjects := []string{
		"7203.T", "7203", "7203T", "BRK.A", "BRK.B", "0005.HK", "5", "AAPL",
		"AAPL.MX", "SAP", "SAP.DE", "NESN.SW", "RIO", "RIO.L", "RIO.AX", "VOW3.DE",
	}
	words := []string{"margin", "capex", "dividend", "guidance", "debt", "buyback", "yen", "tariff", "churn", "backlog"}

	owner := make(map[string]string) // key -> namespace
	for i := 0; i < fixtures; i++ {
		subject := subjects[rng.Intn(len(subjects))]
		ns := Namespace(subject)
		key := fmt.Sprintf("note-%d", i)
		var text []string
		for j := 0; j < 4; j++ {
			text = append(text, words[rng.Intn(len(words))])
		}
		text = append(text, strings.ToLower(subject))
		if err := For(store, subject).Remember(ctx, Record{Key: key, Text: strings.Join(text, " ")}); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
		owner[key] = ns
	}

	for i := 0; i < fixtures; i++ {
		subject := subjects[rng.Intn(len(subjects))]
		mem := For(store, subject)
		q := words[rng.Intn(len(words))] + " " + strings.ToLower(subject)
		hits, err := mem.Recall(ctx, Lookup{Text: q, Limit: 20})
		if err != nil {
			t.Fatalf("recall %s: %v", subject, err)
		}
		for _, h := range hits {
			if owner[h.Key] != mem.Namespace() || h.Namespace != mem.Namespace() {
				t.Fatalf("query %q for %s returned %s owned by %s", q, mem.Namespace(), h.Key, owner[h.Key])
			}
		}
	}
}

func TestInMemoryStore_NamespaceIsolation(t *testing.T) {
	isolationFixture(t, NewInMemoryStore(), 1, 1200)
}

// fakeIndex is an in-process stand-in for Qdrant that honours keyword filters.
type fakeIndex struct {
	mu          sync.Mutex
	points      map[string]fakePoint
	ignoreMatch bool
}

type fakePoint struct {
	vector  []float32
	payload map[string]string
}

func newFakeIndex() *fakeIndex { return &fakeIndex{points: make(map[string]fakePoint)} }

func (f *fakeIndex) Upsert(_ context.Context, _ string, id string, vector []float32, payload map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[id] = fakePoint{vector: vector, payload: payload}
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ string, q vectorstore.Query) ([]*vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*vectorstore.SearchResult
outer:
	for id, p := range f.points {
		if !f.ignoreMatch {
			for k, v := range q.Match {
				if p.payload[k] != v {
					continue outer
				}
			}
		}
		s := float32(cosine(q.Vector, p.vector))
		if s < q.ScoreThreshold {
			continue
		}
		out = append(out, &vectorstore.SearchResult{ID: id, Score: s, Payload: p.payload})
	}
	if uint64(len(out)) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}

// hashEmbedder buckets tokens into a small vector.
type hashEmbedder struct{ calls int }

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	h.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 16)
		for _, tok := range tokenize(text) {
			f := fnv.New32a()
			f.Write([]byte(tok))
			vec[f.Sum32()%16]++
		}
		out[i] = vec
	}
	return out, nil
}

func (h *hashEmbedder) Dimension() int { return 16 }

func TestQdrantStore_NamespaceIsolation(t *testing.T) {
	store := NewQdrantStore(newFakeIndex(), &hashEmbedder{}, nil, "notes", zap.NewNop())
	isolationFixture(t, store, 2, 1000)
}

func TestQdrantStore_DropsForeignHits(t *testing.T) {
	ctx := context.Background()
	idx := newFakeIndex()
	core, logs := observer.New(zap.WarnLevel)
	store := NewQdrantStore(idx, &hashEmbedder{}, nil, "notes", zap.New(core))

	store.Write(ctx, "7203.T", Record{Key: "a", Text: "yen weakness helps exporters"})
	store.Write(ctx, "7203", Record{Key: "b", Text: "yen weakness helps exporters"})

	idx.ignoreMatch = true
	hits, err := store.Query(ctx, "7203.T", Lookup{Text: "yen exporters"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Namespace != "7203.T" {
		t.Fatalf("got %+v, want only the 7203.T note", hits)
	}
	if logs.FilterMessage("dropping memory hit from foreign namespace").Len() != 1 {
		t.Errorf("expected one warning, got %d", logs.Len())
	}
}

func TestQdrantStore_RoundTripMetadata(t *testing.T) {
	ctx := context.Background()
	store := NewQdrantStore(newFakeIndex(), &hashEmbedder{}, nil, "notes", zap.NewNop())
	created := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	err := store.Write(ctx, "SAP.DE", Record{
		Key:       "run-1",
		Text:      "cloud backlog growth",
		Metadata:  map[string]string{"decision": "BUY"},
		CreatedAt: created,
	})
	if err != nil {
		t.Fatal(err)
	}
	hits, err := store.Query(ctx, "SAP.DE", Lookup{Text: "cloud backlog"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	h := hits[0]
	if h.Key != "run-1" || h.Metadata["decision"] != "BUY" || !h.CreatedAt.Equal(created) {
		t.Errorf("round trip lost data: %+v", h.Record)
	}
}

func TestQdrantStore_EmptyLookup(t *testing.T) {
	store := NewQdrantStore(newFakeIndex(), &hashEmbedder{}, nil, "notes", zap.NewNop())
	if _, err := store.Query(context.Background(), "AAPL", Lookup{}); !errors.Is(err, ErrEmptyLookup) {
		t.Errorf("got %v, want ErrEmptyLookup", err)
	}
}

func TestPointIDStable(t *testing.T) {
	if PointID("BRK.B", "k") != PointID("BRK.B", "k") {
		t.Error("point id not deterministic")
	}
	if PointID("BRK.B", "k") == PointID("BRK.A", "k") {
		t.Error("point id must differ across namespaces")
	}
}
