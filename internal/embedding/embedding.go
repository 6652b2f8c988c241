// Package embedding turns memory note text into vectors for the Qdrant
// memory backend.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds the provider named by cfg.Provider. An empty provider disables
// embeddings and returns nil.
func New(cfg Config, client *http.Client) Provider {
	switch cfg.Provider {
	case "api":
		return NewAPIProvider(cfg, client)
	case "local":
		return NewLocalProvider(cfg, client)
	}
	return nil
}

func clientOrDefault(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}

// dimension starts at the configured size and switches to whatever the
// model actually returns. Vectors of another size are rejected after that,
// since the collection cannot hold them.
type dimension struct {
	configured int
	learned    atomic.Int64
}

func (d *dimension) get() int {
	if n := d.learned.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}

func (d *dimension) check(vecs [][]float32) error {
	for _, v := range vecs {
		if len(v) == 0 {
			return remote.Permanent(fmt.Errorf("embedding: empty vector"))
		}
		d.learned.CompareAndSwap(0, int64(len(v)))
		if want := d.learned.Load(); int64(len(v)) != want {
			return remote.Permanent(fmt.Errorf("embedding: got %d dimensions, want %d", len(v), want))
		}
	}
	return nil
}

// postJSON sends in to url and decodes a 200 reply into out. Non-200 replies
// become *remote.StatusError so the retrier can classify them.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remote.NewStatusError("embedding", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.Permanent(fmt.Errorf("embedding: decode response: %w", err))
	}
	return nil
}
