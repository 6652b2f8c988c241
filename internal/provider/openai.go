package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
	"go.uber.org/zap"
)

// OpenAIProvider covers OpenAI and any server exposing the same
// /chat/completions surface.
type OpenAIProvider struct {
	id, name string
	api      endpoint
	logger   *zap.Logger
}

func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	base := cfg.Endpoint
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return &OpenAIProvider{
		id:     cfg.ID,
		name:   cfg.Name,
		api:    newEndpoint("openai", base, cfg.Timeout, headers),
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.id }
func (p *OpenAIProvider) Name() string { return p.name }

type completion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// ChatRequest already matches the completions wire shape, so it is sent as is.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var c completion
	if err := p.api.call(ctx, http.MethodPost, "/chat/completions", req, &c); err != nil {
		return nil, err
	}
	if len(c.Choices) == 0 {
		return nil, remote.Permanent(fmt.Errorf("openai: %s returned no choices", p.id))
	}
	p.logger.Debug("openai reply", zap.String("model", c.Model), zap.Int("total_tokens", c.Usage.TotalTokens))
	first := c.Choices[0]
	return &ChatResponse{
		ID:           c.ID,
		Model:        c.Model,
		Content:      first.Message.Content,
		FinishReason: first.FinishReason,
		Usage:        c.Usage,
	}, nil
}

// HealthCheck lists models, which costs no tokens.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	return p.api.call(ctx, http.MethodGet, "/models", nil, nil)
}
