package batch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ReportFile  = "report.md"
	PartialFile = "report.partial.md"
	RunLogFile  = "run.log.json"

	// Trailer is the last line of every finished artifact. A file cut short
	// by a crash will not end with it.
	Trailer = "<!-- end-of-report -->"

	StatusComplete = "complete"
	StatusPartial  = "partial"
)

var (
	ErrMissingFrontMatter   = errors.New("artifact: missing frontmatter")
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// Meta is the YAML block at the top of an artifact.
type Meta struct {
	ArtifactID   string    `yaml:"artifact_id"`
	Subject      string    `yaml:"subject"`
	Namespace    string    `yaml:"namespace"`
	Status       string    `yaml:"status"`
	RunID        string    `yaml:"run_id"`
	Mode         string    `yaml:"mode,omitempty"`
	DecisionPath string    `yaml:"decision_path,omitempty"`
	GeneratedAt  time.Time `yaml:"generated_at"`
}

// ArtifactDir is {out}/{namespace}/{date}.
func ArtifactDir(out, namespace, date string) string {
	return filepath.Join(out, namespace, date)
}

// ArtifactPath is where the finished report for namespace on date lives.
func ArtifactPath(out, namespace, date string) string {
	return filepath.Join(ArtifactDir(out, namespace, date), ReportFile)
}

// Encode renders meta and body as a fenced document ending in Trailer.
func Encode(meta Meta, body []byte) ([]byte, error) {
	if meta.ArtifactID == "" {
		return nil, errors.New("artifact: metadata missing artifact id")
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(bytes.TrimRight(body, "\n"))
	buf.WriteString("\n\n" + Trailer + "\n")
	return buf.Bytes(), nil
}

// Decode splits a document into its metadata and body.
func Decode(content []byte) (Meta, []byte, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Meta{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Meta{}, nil, ErrMalformedFrontMatter
	}
	var meta Meta
	if err := yaml.Unmarshal(parts[0], &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("%w: %w", ErrMalformedFrontMatter, err)
	}
	return meta, parts[1], nil
}

// IsComplete reports whether path holds a finished artifact: parseable
// frontmatter with status complete and the trailer as the last line.
func IsComplete(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	meta, body, err := Decode(data)
	if err != nil || meta.Status != StatusComplete {
		return false
	}
	return bytes.HasSuffix(bytes.TrimRight(body, "\n"), []byte(Trailer))
}

// writeAtomic writes data next to path and renames it into place, so readers
// see either the old file or the whole new one.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
