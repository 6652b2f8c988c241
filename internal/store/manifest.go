package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/batch"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/memory"
)

// UpsertManifest records the latest state of one subject.
func (s *Store) UpsertManifest(ctx context.Context, e batch.Entry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO manifest_entries
			(namespace, subject, run_date, status, artifact, run_id, decision_path, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (namespace) DO UPDATE SET
			subject = EXCLUDED.subject,
			run_date = EXCLUDED.run_date,
			status = EXCLUDED.status,
			artifact = EXCLUDED.artifact,
			run_id = EXCLUDED.run_id,
			decision_path = EXCLUDED.decision_path,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		e.Namespace, e.Subject, e.Date, string(e.Status), e.Artifact, e.RunID, e.DecisionPath, e.Error, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert manifest %s: %w", e.Namespace, err)
	}
	return nil
}

const entryColumns = `namespace, subject, run_date, status, artifact, run_id, decision_path, error, updated_at`

func scanEntry(row pgx.Row) (batch.Entry, error) {
	var e batch.Entry
	var status string
	err := row.Scan(&e.Namespace, &e.Subject, &e.Date, &status, &e.Artifact, &e.RunID, &e.DecisionPath, &e.Error, &e.UpdatedAt)
	e.Status = batch.Status(status)
	return e, err
}

// ListManifest returns every entry ordered by namespace.
func (s *Store) ListManifest(ctx context.Context) ([]batch.Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM manifest_entries ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}
	defer rows.Close()

	var out []batch.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manifest entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ManifestEntry returns the entry for subject's namespace.
func (s *Store) ManifestEntry(ctx context.Context, subject string) (batch.Entry, error) {
	ns := memory.Namespace(subject)
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM manifest_entries WHERE namespace = $1`, ns))
	if errors.Is(err, pgx.ErrNoRows) {
		return batch.Entry{}, fmt.Errorf("manifest entry %s: %w", ns, batch.ErrNotFound)
	}
	if err != nil {
		return batch.Entry{}, fmt.Errorf("get manifest entry %s: %w", ns, err)
	}
	return e, nil
}

// SaveNodeOutcomes stores every node result of one run in terminal order.
func (s *Store) SaveNodeOutcomes(ctx context.Context, subject string, out *graph.Outcome) error {
	if out == nil {
		return nil
	}
	ns := memory.Namespace(subject)
	b := &pgx.Batch{}
	for i, name := range out.Order {
		r := out.Status[name]
		b.Queue(`
			INSERT INTO node_outcomes
				(run_id, namespace, subject, seq, node, state, round, error, reason, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (run_id, node) DO UPDATE SET
				seq = EXCLUDED.seq, state = EXCLUDED.state, error = EXCLUDED.error,
				reason = EXCLUDED.reason, started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at`,
			out.RunID, ns, subject, i, name, r.State.String(), r.Round, r.Error, r.Reason,
			nullTime(r.Started), nullTime(r.Finished),
		)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("save node outcomes for %s: %w", out.RunID, err)
	}
	return tx.Commit(ctx)
}

// NodeOutcomes returns the node results of the most recent run recorded for
// subject, in terminal order.
func (s *Store) NodeOutcomes(ctx context.Context, subject string) (string, []graph.NodeResult, error) {
	ns := memory.Namespace(subject)
	var runID string
	err := s.db.QueryRow(ctx, `
		SELECT run_id FROM node_outcomes
		WHERE namespace = $1
		ORDER BY recorded_at DESC
		LIMIT 1`, ns).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, fmt.Errorf("node outcomes %s: %w", ns, batch.ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("latest run for %s: %w", ns, err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT node, state, round, error, reason, started_at, finished_at
		FROM node_outcomes
		WHERE run_id = $1
		ORDER BY seq`, runID)
	if err != nil {
		return "", nil, fmt.Errorf("node outcomes %s: %w", runID, err)
	}
	defer rows.Close()

	var out []graph.NodeResult
	for rows.Next() {
		var (
			r                 graph.NodeResult
			state             string
			started, finished *time.Time
		)
		if err := rows.Scan(&r.Name, &state, &r.Round, &r.Error, &r.Reason, &started, &finished); err != nil {
			return "", nil, fmt.Errorf("scan node outcome: %w", err)
		}
		if err := r.State.UnmarshalText([]byte(state)); err != nil {
			return "", nil, err
		}
		if started != nil {
			r.Started = *started
		}
		if finished != nil {
			r.Finished = *finished
		}
		out = append(out, r)
	}
	return runID, out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
