package embedding

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
)

// maxBatch caps the inputs sent in one request.
const maxBatch = 64

// APIProvider talks to an OpenAI-compatible /embeddings endpoint.
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	dim      dimension
}

func NewAPIProvider(cfg Config, client *http.Client) *APIProvider {
	return &APIProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   clientOrDefault(client),
		dim:      dimension{configured: cfg.Dimension},
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed returns one vector per text, in input order, batching large inputs.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		vecs, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *APIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var result apiResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/embeddings", p.apiKey, apiRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Data) != len(texts) {
		return nil, remote.Permanent(fmt.Errorf("embedding: got %d vectors for %d inputs", len(result.Data), len(texts)))
	}

	// The API may answer out of order; index says where each vector belongs.
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vecs) || vecs[d.Index] != nil {
			return nil, remote.Permanent(fmt.Errorf("embedding: bad index %d in response", d.Index))
		}
		vecs[d.Index] = d.Embedding
	}
	if err := p.dim.check(vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Dimension is the configured size until the first vector comes back.
func (p *APIProvider) Dimension() int { return p.dim.get() }
