package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/memory"
)

const ManifestFile = "manifest.json"

// ErrNotFound is returned by manifest readers for unknown subjects.
var ErrNotFound = errors.New("not found")

// Status is a subject's state within a batch.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Entry is one subject's manifest record.
type Entry struct {
	Subject      string    `json:"subject"`
	Namespace    string    `json:"namespace"`
	Date         string    `json:"date"`
	Status       Status    `json:"status"`
	Artifact     string    `json:"artifact,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	DecisionPath string    `json:"decision_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Manifest is the on-disk progress record of the output directory. It is a
// status view only; resumption is decided by scanning artifacts.
type Manifest struct {
	UpdatedAt time.Time `json:"updated_at"`
	Entries   []Entry   `json:"entries"`
}

// LoadManifest reads {out}/manifest.json. A missing file is an empty manifest.
func LoadManifest(out string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(out, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Find returns the entry for namespace, if any.
func (m *Manifest) Find(namespace string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Namespace == namespace {
			return e, true
		}
	}
	return Entry{}, false
}

func (m *Manifest) upsert(e Entry) {
	for i := range m.Entries {
		if m.Entries[i].Namespace == e.Namespace {
			m.Entries[i] = e
			return
		}
	}
	m.Entries = append(m.Entries, e)
}

func (m *Manifest) save(out string, now time.Time) error {
	m.UpdatedAt = now
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Namespace < m.Entries[j].Namespace })
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(out, ManifestFile), data); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// FileManifest reads the manifest file of an output directory.
type FileManifest struct {
	Dir string
}

func (f FileManifest) ListManifest(_ context.Context) ([]Entry, error) {
	m, err := LoadManifest(f.Dir)
	if err != nil {
		return nil, err
	}
	return m.Entries, nil
}

func (f FileManifest) ManifestEntry(_ context.Context, subject string) (Entry, error) {
	m, err := LoadManifest(f.Dir)
	if err != nil {
		return Entry{}, err
	}
	ns := memory.Namespace(subject)
	e, ok := m.Find(ns)
	if !ok {
		return Entry{}, fmt.Errorf("manifest entry %s: %w", ns, ErrNotFound)
	}
	return e, nil
}
