package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
	"go.uber.org/zap"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// AnthropicProvider speaks the Claude messages API.
type AnthropicProvider struct {
	id, name    string
	healthModel string
	api         endpoint
	logger      *zap.Logger
}

func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	base := cfg.Endpoint
	if base == "" {
		base = "https://api.anthropic.com/v1"
	}
	health := cfg.HealthModel
	if health == "" {
		health = "claude-3-5-haiku-20241022"
	}
	return &AnthropicProvider{
		id:          cfg.ID,
		name:        cfg.Name,
		healthModel: health,
		api: newEndpoint("anthropic", base, cfg.Timeout, map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": anthropicVersion,
		}),
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.id }
func (p *AnthropicProvider) Name() string { return p.name }

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeReply struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Model      string        `json:"model"`
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      struct {
		In  int `json:"input_tokens"`
		Out int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// System messages are lifted into the top-level system field; the messages
// API rejects them inline.
func toClaude(req *ChatRequest) claudeRequest {
	out := claudeRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    make([]claudeMessage, 0, len(req.Messages)),
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicMaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, claudeMessage(m))
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func (r *claudeReply) text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var reply claudeReply
	if err := p.api.call(ctx, http.MethodPost, "/messages", toClaude(req), &reply); err != nil {
		return nil, err
	}
	if reply.Type == "error" && reply.Error != nil {
		switch reply.Error.Type {
		case "overloaded_error", "rate_limit_error":
			// Some proxies relay these with a 200.
			return nil, &remote.RateLimitedError{Service: "anthropic"}
		}
		return nil, remote.Permanent(fmt.Errorf("anthropic: %s: %s", reply.Error.Type, reply.Error.Message))
	}
	p.logger.Debug("anthropic reply",
		zap.String("model", reply.Model),
		zap.Int("input_tokens", reply.Usage.In),
		zap.Int("output_tokens", reply.Usage.Out))
	return &ChatResponse{
		ID:           reply.ID,
		Model:        reply.Model,
		Content:      reply.text(),
		FinishReason: reply.StopReason,
		Usage: Usage{
			PromptTokens:     reply.Usage.In,
			CompletionTokens: reply.Usage.Out,
			TotalTokens:      reply.Usage.In + reply.Usage.Out,
		},
	}, nil
}

// HealthCheck spends one output token on the cheapest model.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.Chat(ctx, &ChatRequest{
		Model:     p.healthModel,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}
