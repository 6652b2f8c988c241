package embedding

import (
	"context"
	"net/http"
)

// LocalProvider talks to an Ollama-style /api/embeddings endpoint, which
// takes one prompt per request.
type LocalProvider struct {
	endpoint string
	model    string
	client   *http.Client
	dim      dimension
}

func NewLocalProvider(cfg Config, client *http.Client) *LocalProvider {
	return &LocalProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   clientOrDefault(client),
		dim:      dimension{configured: cfg.Dimension},
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		var result localResponse
		if err := postJSON(ctx, p.client, p.endpoint+"/api/embeddings", "", localRequest{Model: p.model, Prompt: text}, &result); err != nil {
			return nil, err
		}
		vecs[i] = result.Embedding
	}
	if err := p.dim.check(vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (p *LocalProvider) Dimension() int { return p.dim.get() }
