// Package batch drives the analyzer over a list of subjects and makes the
// batch safe to kill and restart: finished artifacts on disk are the only
// record of what is done.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/analysis"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/memory"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/report"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoSubjects = errors.New("no subjects to run")

// Runner analyzes one subject.
type Runner interface {
	Analyze(ctx context.Context, subject string, opts analysis.Options) (*analysis.Report, error)
}

// Sink mirrors manifest entries and run outcomes somewhere durable.
type Sink interface {
	UpsertManifest(ctx context.Context, e Entry) error
	SaveNodeOutcomes(ctx context.Context, subject string, out *graph.Outcome) error
}

// Notifier receives the summary when a batch ends.
type Notifier interface {
	Notify(ctx context.Context, s *Summary) error
}

// Config controls one batch.
type Config struct {
	OutDir string
	// Parallel bounds how many subjects run at once. Default 1.
	Parallel int
	// Force re-runs subjects that already have a complete artifact.
	Force   bool
	Options analysis.Options
}

// Summary lists subjects by outcome. Infra is the subset of Failed whose
// run hit an infrastructure failure.
type Summary struct {
	Date    string   `json:"date"`
	Done    []string `json:"done"`
	Skipped []string `json:"skipped"`
	Failed  []string `json:"failed"`
	Infra   []string `json:"infra,omitempty"`
}

// Manager runs batches.
type Manager struct {
	runner   Runner
	renderer report.Renderer
	sink     Sink
	notifier Notifier
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	manifest *Manifest
}

func NewManager(runner Runner, renderer report.Renderer, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	if renderer == nil {
		renderer = report.Markdown{}
	}
	return &Manager{
		runner:   runner,
		renderer: renderer,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// WithSink mirrors manifest updates into s.
func (m *Manager) WithSink(s Sink) *Manager {
	m.sink = s
	return m
}

// WithNotifier sends the batch summary to n.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

type job struct {
	subject   string
	namespace string
}

// Dedupe drops blank subjects and later spellings of a namespace already seen.
func Dedupe(subjects []string) []string {
	seen := make(map[string]bool, len(subjects))
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ns := memory.Namespace(s)
		if seen[ns] {
			continue
		}
		seen[ns] = true
		out = append(out, s)
	}
	return out
}

// Run analyzes every subject that has no complete artifact for today. The
// error is reserved for failures that stop the whole batch, such as an
// unwritable output directory; per-subject failures land in the summary.
func (m *Manager) Run(ctx context.Context, subjects []string) (*Summary, error) {
	subjects = Dedupe(subjects)
	if len(subjects) == 0 {
		return nil, ErrNoSubjects
	}
	date := m.now().Format(time.DateOnly)
	sum := &Summary{Date: date}

	manifest, err := LoadManifest(m.cfg.OutDir)
	if err != nil {
		m.logger.Warn("ignoring unreadable manifest", zap.Error(err))
		manifest = &Manifest{}
	}
	m.manifest = manifest

	var jobs []job
	for _, s := range subjects {
		ns := memory.Namespace(s)
		path := ArtifactPath(m.cfg.OutDir, ns, date)
		entry := Entry{Subject: s, Namespace: ns, Date: date, Status: StatusPending, UpdatedAt: m.now()}
		if !m.cfg.Force && IsComplete(path) {
			entry.Status = StatusDone
			entry.Artifact = path
			if prev, ok := manifest.Find(ns); ok && prev.Date == date {
				entry.RunID = prev.RunID
				entry.DecisionPath = prev.DecisionPath
			}
			sum.Skipped = append(sum.Skipped, s)
			m.logger.Info("skipping subject with complete artifact",
				zap.String("subject", s), zap.String("artifact", path))
		} else {
			jobs = append(jobs, job{subject: s, namespace: ns})
		}
		manifest.upsert(entry)
	}
	if err := m.manifest.save(m.cfg.OutDir, m.now()); err != nil {
		return nil, fmt.Errorf("start batch: %w", err)
	}

	m.logger.Info("batch started",
		zap.Int("subjects", len(subjects)),
		zap.Int("to_run", len(jobs)),
		zap.Int("parallel", m.cfg.Parallel),
		zap.String("date", date))

	var (
		sumMu    sync.Mutex
		fatalErr error
	)
	var g errgroup.Group
	g.SetLimit(m.cfg.Parallel)
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			status, infra, err := m.runOne(ctx, j, date)
			sumMu.Lock()
			defer sumMu.Unlock()
			switch status {
			case StatusDone:
				sum.Done = append(sum.Done, j.subject)
			case StatusFailed:
				sum.Failed = append(sum.Failed, j.subject)
				if infra {
					sum.Infra = append(sum.Infra, j.subject)
				}
			}
			if err != nil && fatalErr == nil {
				fatalErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("batch finished",
		zap.Int("done", len(sum.Done)),
		zap.Int("skipped", len(sum.Skipped)),
		zap.Int("failed", len(sum.Failed)),
		zap.Int("infra", len(sum.Infra)))

	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, sum); err != nil {
			m.logger.Warn("batch notification failed", zap.Error(err))
		}
	}
	if fatalErr != nil {
		return sum, fatalErr
	}
	return sum, nil
}

// runOne analyzes one subject and records the result. The returned error is
// non-nil only when output could not be written.
func (m *Manager) runOne(ctx context.Context, j job, date string) (Status, bool, error) {
	opts := m.cfg.Options
	opts.RunID = uuid.NewString()
	dir := ArtifactDir(m.cfg.OutDir, j.namespace, date)

	rep, runErr := m.runner.Analyze(ctx, j.subject, opts)
	infra := errors.Is(runErr, analysis.ErrInfrastructure)

	entry := Entry{Subject: j.subject, Namespace: j.namespace, Date: date, RunID: opts.RunID}
	if rep != nil {
		entry.DecisionPath = rep.DecisionPath
		if m.sink != nil && rep.Outcome != nil {
			if err := m.sink.SaveNodeOutcomes(ctx, j.subject, rep.Outcome); err != nil {
				m.logger.Warn("mirror node outcomes", zap.String("subject", j.subject), zap.Error(err))
			}
		}
	}

	var writeErr error
	if runErr == nil && rep != nil && rep.Complete {
		path := filepath.Join(dir, ReportFile)
		if writeErr = m.writeArtifact(path, rep, StatusComplete); writeErr == nil {
			entry.Status = StatusDone
			entry.Artifact = path
			m.removeStale(dir)
		}
	} else {
		entry.Status = StatusFailed
		entry.Error = failureReason(rep, runErr)
		if rep != nil {
			path := filepath.Join(dir, PartialFile)
			if err := m.writeArtifact(path, rep, StatusPartial); err != nil {
				writeErr = err
			} else {
				entry.Artifact = path
			}
		}
		if err := m.writeRunLog(filepath.Join(dir, RunLogFile), j.subject, opts.RunID, rep, runErr); err != nil && writeErr == nil {
			writeErr = err
		}
	}
	if writeErr != nil {
		entry.Status = StatusFailed
		entry.Error = writeErr.Error()
		infra = true
	}
	entry.UpdatedAt = m.now()

	if err := m.record(ctx, entry); err != nil && writeErr == nil {
		writeErr = err
	}

	fields := []zap.Field{
		zap.String("subject", j.subject),
		zap.String("run_id", opts.RunID),
		zap.String("status", string(entry.Status)),
		zap.String("decision_path", entry.DecisionPath),
	}
	switch {
	case writeErr != nil:
		m.logger.Error("cannot write output", append(fields, zap.Error(writeErr))...)
		return StatusFailed, true, fmt.Errorf("write output for %s: %w", j.subject, writeErr)
	case entry.Status == StatusFailed:
		m.logger.Warn("subject failed", append(fields, zap.String("reason", entry.Error))...)
	default:
		m.logger.Info("subject done", fields...)
	}
	return entry.Status, infra, nil
}

// removeStale deletes what an earlier failed run left beside a report that
// is now complete.
func (m *Manager) removeStale(dir string) {
	for _, name := range []string{PartialFile, RunLogFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("remove stale artifact", zap.String("file", name), zap.Error(err))
		}
	}
}

func (m *Manager) writeArtifact(path string, rep *analysis.Report, status string) error {
	var body bytes.Buffer
	if err := m.renderer.Render(&body, rep); err != nil {
		return fmt.Errorf("render %s: %w", rep.Subject, err)
	}
	data, err := Encode(Meta{
		ArtifactID:   rep.Namespace + "/" + rep.RunID,
		Subject:      rep.Subject,
		Namespace:    rep.Namespace,
		Status:       status,
		RunID:        rep.RunID,
		Mode:         string(rep.Mode),
		DecisionPath: rep.DecisionPath,
		GeneratedAt:  m.now().UTC(),
	}, body.Bytes())
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// runLog is the machine-readable record left behind by a failed run.
type runLog struct {
	Subject string                      `json:"subject"`
	RunID   string                      `json:"run_id"`
	Error   string                      `json:"error,omitempty"`
	Nodes   map[string]graph.NodeResult `json:"nodes,omitempty"`
	Order   []string                    `json:"order,omitempty"`
	Written time.Time                   `json:"written"`
}

func (m *Manager) writeRunLog(path, subject, runID string, rep *analysis.Report, runErr error) error {
	l := runLog{Subject: subject, RunID: runID, Written: m.now().UTC()}
	if runErr != nil {
		l.Error = runErr.Error()
	}
	if rep != nil && rep.Outcome != nil {
		l.Nodes = rep.Outcome.Status
		l.Order = rep.Outcome.Order
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run log: %w", err)
	}
	return writeAtomic(path, data)
}

// record updates the manifest file and the sink. Only the file write can fail
// the subject; the sink is a mirror.
func (m *Manager) record(ctx context.Context, e Entry) error {
	m.mu.Lock()
	m.manifest.upsert(e)
	err := m.manifest.save(m.cfg.OutDir, m.now())
	m.mu.Unlock()
	if m.sink != nil {
		if serr := m.sink.UpsertManifest(ctx, e); serr != nil {
			m.logger.Warn("mirror manifest entry", zap.String("subject", e.Subject), zap.Error(serr))
		}
	}
	return err
}

func failureReason(rep *analysis.Report, err error) string {
	if err != nil {
		return err.Error()
	}
	if rep == nil || rep.Outcome == nil {
		return "no report"
	}
	var parts []string
	for _, n := range rep.Outcome.Order {
		res := rep.Outcome.Status[n]
		if res.State == graph.Failed {
			parts = append(parts, n+": "+res.Error)
		}
	}
	if rep.Outcome.Cancelled {
		parts = append(parts, "run cancelled")
	}
	if len(parts) == 0 {
		return "no decision produced"
	}
	return strings.Join(parts, "; ")
}
