//go:build integration

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/batch"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
)

func startStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("analyzer_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	s, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("schema_migrations: got %d rows, %v", n, err)
	}
	return s
}

func TestManifestUpsert(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	e := batch.Entry{Subject: "brk-b", Namespace: "BRK.B", Date: "2026-03-14", Status: batch.StatusPending, UpdatedAt: now}
	if err := s.UpsertManifest(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	e.Status, e.RunID, e.DecisionPath = batch.StatusDone, "r1", "PASS"
	if err := s.UpsertManifest(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.ManifestEntry(ctx, "BRK.B")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != batch.StatusDone || got.RunID != "r1" || got.DecisionPath != "PASS" {
		t.Fatalf("got %+v", got)
	}
	all, err := s.ListManifest(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("got %d entries, err %v; want 1", len(all), err)
	}
	if _, err := s.ManifestEntry(ctx, "NOPE"); !errors.Is(err, batch.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestNodeOutcomesLatestRun(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	first := &graph.Outcome{RunID: "r1", Order: []string{"a"}, Status: map[string]graph.NodeResult{
		"a": {Name: "a", State: graph.Failed, Error: "boom", Started: at, Finished: at},
	}}
	second := &graph.Outcome{RunID: "r2", Order: []string{"a", "b"}, Status: map[string]graph.NodeResult{
		"a": {Name: "a", State: graph.Completed, Started: at, Finished: at},
		"b": {Name: "b", State: graph.Skipped, Reason: "guard rejected not taken"},
	}}
	if err := s.SaveNodeOutcomes(ctx, "ACME", first); err != nil {
		t.Fatalf("save: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.SaveNodeOutcomes(ctx, "acme", second); err != nil {
		t.Fatalf("save: %v", err)
	}

	runID, nodes, err := s.NodeOutcomes(ctx, "ACME")
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if runID != "r2" || len(nodes) != 2 {
		t.Fatalf("got run %s with %d nodes, want r2 with 2", runID, len(nodes))
	}
	if nodes[1].Name != "b" || nodes[1].State != graph.Skipped || nodes[1].Reason != "guard rejected not taken" {
		t.Fatalf("got %+v", nodes[1])
	}
	if !nodes[1].Started.IsZero() {
		t.Fatal("unset start time came back set")
	}
}
