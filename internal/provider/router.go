package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/ratelimit"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
	"go.uber.org/zap"
)

// RateClass is the budget class every inference call draws from.
const RateClass = "inference"

var ErrNoProvider = errors.New("no provider available")

// Target names a provider and the model to request from it.
type Target struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Binding maps a model class to a primary target and its fallback chain.
type Binding struct {
	Primary   Target   `json:"primary"`
	Fallbacks []Target `json:"fallbacks,omitempty"`
}

// Router resolves model classes to providers and pushes every call
// through the shared retrier.
type Router struct {
	providers map[string]Provider
	classes   map[ModelClass]Binding
	retrier   *ratelimit.Retrier
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a router. A nil retrier calls providers directly.
func NewRouter(retrier *ratelimit.Retrier, logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		classes:   make(map[ModelClass]Binding),
		retrier:   retrier,
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// BindClass sets the targets for a model class.
func (r *Router) BindClass(class ModelClass, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[class] = b
}

// Infer runs a single-turn prompt against the class's primary target,
// then its fallbacks if the primary is exhausted or unreachable.
func (r *Router) Infer(ctx context.Context, class ModelClass, prompt string, opts Options) (string, error) {
	r.mu.RLock()
	binding, ok := r.classes[class]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: model class %s is not bound", ErrNoProvider, class)
	}

	targets := append([]Target{binding.Primary}, binding.Fallbacks...)
	var lastErr error
	for i, t := range targets {
		p, ok := r.GetProvider(t.Provider)
		if !ok {
			lastErr = fmt.Errorf("%w: %s", ErrNoProvider, t.Provider)
			continue
		}
		req := &ChatRequest{
			Model:       t.Model,
			Messages:    buildMessages(opts.System, prompt),
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		}
		resp, err := ratelimit.Call(ctx, r.retrier, RateClass, func(ctx context.Context) (*ChatResponse, error) {
			return p.Chat(ctx, req)
		})
		if err == nil {
			return resp.Content, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i == 0 {
			r.logger.Warn("primary provider failed, trying fallbacks",
				zap.String("class", string(class)), zap.String("provider", t.Provider), zap.Error(err))
		} else {
			r.logger.Warn("fallback provider failed", zap.String("provider", t.Provider), zap.Error(err))
		}
		// A malformed request will fail the same way everywhere.
		var se *remote.StatusError
		if errors.As(err, &se) && se.StatusCode == 400 {
			break
		}
	}
	return "", fmt.Errorf("all providers failed for class %s: %w", class, lastErr)
}

func buildMessages(system, prompt string) []Message {
	var msgs []Message
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	return append(msgs, Message{Role: "user", Content: prompt})
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers ordered by ID.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// HealthCheck succeeds if at least one registered provider answers.
func (r *Router) HealthCheck(ctx context.Context) error {
	providers := r.ListProviders()
	if len(providers) == 0 {
		return ErrNoProvider
	}
	var errs []error
	for _, p := range providers {
		err := p.HealthCheck(ctx)
		if err == nil {
			return nil
		}
		r.logger.Warn("provider health check failed", zap.String("provider", p.ID()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.ID(), err))
	}
	return fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(errs...))
}
