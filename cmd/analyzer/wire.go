package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/config"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/datasource"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/embedding"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/events"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/mcp"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/memory"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/notify"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/provider"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/ratelimit"
	pgstore "github.com/rgoerwit/ai-investment-agent-sub000/internal/store"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/vectorstore"
	"go.uber.org/zap"
)

// services holds everything main builds from config, plus what to close on exit.
type services struct {
	limiter  *ratelimit.Limiter
	retrier  *ratelimit.Retrier
	router   *provider.Router
	pipeline *datasource.Pipeline
	memory   memory.Store
	pg       *pgstore.Store
	bus      *events.Bus
	notifier notify.Multi

	closers []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildLimiter(cfg *config.Config, logger *zap.Logger) *ratelimit.Limiter {
	limiter := ratelimit.NewLimiter(nil, logger)
	for class, rl := range cfg.RateLimits {
		limiter.Register(class, ratelimit.BucketConfig{
			Capacity:     rl.Capacity,
			Window:       rl.Window.Std(),
			SafetyMargin: rl.SafetyMargin,
		})
	}
	for _, d := range cfg.DataProviders {
		if _, ok := cfg.RateLimits[d.Class()]; !ok {
			logger.Warn("data provider has no rate limit; its calls will fail",
				zap.String("provider", d.ID), zap.String("class", d.Class()))
		}
	}
	return limiter
}

func retryPolicy(rc config.RetryConfig) ratelimit.RetryPolicy {
	return ratelimit.RetryPolicy{
		MaxAttempts:     rc.MaxAttempts,
		InitialInterval: rc.InitialInterval.Std(),
		MaxInterval:     rc.MaxInterval.Std(),
		Multiplier:      rc.Multiplier,
		Jitter:          rc.Jitter,
		CallTimeout:     rc.CallTimeout.Std(),
	}
}

func buildRouter(cfg *config.Config, retrier *ratelimit.Retrier, logger *zap.Logger) *provider.Router {
	router := provider.NewRouter(retrier, logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			HealthModel: pc.HealthModel, Timeout: pc.Timeout.Std(),
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		}
	}
	for class, cc := range cfg.ModelClasses {
		b := provider.Binding{Primary: provider.Target{Provider: cc.Provider, Model: cc.Model}}
		for _, fb := range cc.Fallbacks {
			b.Fallbacks = append(b.Fallbacks, provider.Target{Provider: fb.Provider, Model: fb.Model})
		}
		router.BindClass(provider.ModelClass(class), b)
	}
	return router
}

// buildPipeline creates one source per configured data provider. MCP
// servers that cannot be reached are left out with a warning.
func buildPipeline(ctx context.Context, cfg *config.Config, s *services, logger *zap.Logger) (*datasource.Pipeline, error) {
	var sources []datasource.Source
	for _, d := range cfg.DataProviders {
		var p datasource.Provider
		switch d.Type {
		case "http":
			p = datasource.NewHTTPProvider(d.ID, d.Endpoint, d.APIKey, d.Timeout.Std())
		case "mcp":
			c := mcp.NewClient(d.ID, d.Endpoint, logger)
			if err := c.Connect(ctx); err != nil {
				logger.Warn("MCP data provider unavailable", zap.String("provider", d.ID), zap.Error(err))
				continue
			}
			s.closers = append(s.closers, func() { c.Close() })
			if !c.HasTool(d.Tool) {
				logger.Warn("MCP server does not advertise configured tool",
					zap.String("provider", d.ID), zap.String("tool", d.Tool))
			}
			p = datasource.NewMCPProvider(d.ID, d.Tool, c)
		case "static":
			data, err := loadFixtures(d.Fixtures)
			if err != nil {
				return nil, fmt.Errorf("data provider %s: %w", d.ID, err)
			}
			p = datasource.NewStaticProvider(d.ID, data)
		}
		sources = append(sources, datasource.Source{Provider: p, RateClass: d.Class(), Timeout: d.Timeout.Std()})
	}

	pc := datasource.PipelineConfig{Sources: sources}
	for _, f := range cfg.CriticalFields {
		pc.Critical = append(pc.Critical, datasource.Field(f))
	}
	if cfg.SearchFallback {
		pc.Fallback = &datasource.Source{Provider: datasource.NewSearchFallback("search", s.router)}
	}
	return datasource.NewPipeline(pc, s.retrier, logger), nil
}

// loadFixtures reads {"SUBJECT": {"field": value}} for the static provider.
func loadFixtures(path string) (map[string]datasource.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	out := make(map[string]datasource.Record, len(raw))
	for subject, fields := range raw {
		rec := make(datasource.Record, len(fields))
		for k, v := range fields {
			rec[datasource.Field(k)] = v
		}
		out[subject] = rec
	}
	return out, nil
}

// buildMemory opens the configured backend. Failure to reach a remote
// backend degrades to running without memory.
func buildMemory(ctx context.Context, cfg *config.Config, s *services, logger *zap.Logger) memory.Store {
	switch cfg.Memory.Backend {
	case "neo4j":
		n := cfg.Memory.Neo4j
		st, err := memory.NewNeo4jStore(n.URI, n.User, n.Password, logger)
		if err == nil {
			err = st.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, running without memory", zap.Error(err))
			return nil
		}
		s.closers = append(s.closers, func() { st.Close(context.Background()) })
		return st

	case "qdrant":
		q := cfg.Memory.Qdrant
		client, err := vectorstore.NewClient(vectorstore.QdrantConfig{Host: q.Host, Port: q.Port})
		if err != nil {
			logger.Warn("Qdrant unavailable, running without memory", zap.Error(err))
			return nil
		}
		s.closers = append(s.closers, func() { client.Close() })
		e := cfg.Embedding
		embedder := embedding.New(embedding.Config{
			Provider: e.Provider, Endpoint: e.Endpoint, Model: e.Model,
			APIKey: e.APIKey, Dimension: e.Dimension,
		}, nil)
		if embedder == nil {
			logger.Warn("unknown embedding provider, running without memory", zap.String("provider", e.Provider))
			return nil
		}
		if err := memory.EnsureQdrant(ctx, client, q.Collection, embedder.Dimension()); err != nil {
			logger.Warn("Qdrant collection unavailable, running without memory", zap.Error(err))
			return nil
		}
		return memory.NewQdrantStore(client, embedder, s.retrier, q.Collection, logger)
	}
	return memory.NewInMemoryStore()
}

func buildPostgres(ctx context.Context, dsn string, logger *zap.Logger) *pgstore.Store {
	if dsn == "" {
		return nil
	}
	ps, err := pgstore.New(ctx, dsn, logger)
	if err != nil {
		logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
		return nil
	}
	if err := ps.Migrate(ctx); err != nil {
		logger.Warn("migration failed, running without persistence", zap.Error(err))
		ps.Close()
		return nil
	}
	return ps
}

func buildBus(ctx context.Context, rc config.RedisConfig, logger *zap.Logger) *events.Bus {
	if rc.URL == "" {
		return nil
	}
	bus, err := events.NewBus(ctx, rc.URL, rc.EventTTL.Std(), logger)
	if err != nil {
		logger.Warn("Redis unavailable, running without run events", zap.Error(err))
		return nil
	}
	return bus
}

func buildNotifier(nc config.NotifyConfig, logger *zap.Logger) notify.Multi {
	var out notify.Multi
	if nc.Slack.Enabled() {
		out = append(out, notify.NewSlack(nc.Slack.BotToken, nc.Slack.Channel, logger))
	}
	if nc.Discord.Enabled() {
		d, err := notify.NewDiscord(nc.Discord.BotToken, nc.Discord.Channel, logger)
		if err != nil {
			logger.Warn("Discord notifier unavailable", zap.Error(err))
		} else {
			out = append(out, d)
		}
	}
	return out
}

func buildServices(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*services, error) {
	s := &services{}
	s.limiter = buildLimiter(cfg, logger)
	s.retrier = ratelimit.NewRetrier(s.limiter, retryPolicy(cfg.Retry), logger)
	s.router = buildRouter(cfg, s.retrier, logger)

	pipeline, err := buildPipeline(ctx, cfg, s, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.pipeline = pipeline
	s.memory = buildMemory(ctx, cfg, s, logger)

	if s.pg = buildPostgres(ctx, cfg.Database.Postgres.DSN, logger); s.pg != nil {
		s.closers = append(s.closers, s.pg.Close)
	}
	if s.bus = buildBus(ctx, cfg.Database.Redis, logger); s.bus != nil {
		s.closers = append(s.closers, func() { s.bus.Close() })
	}
	s.notifier = buildNotifier(cfg.Notify, logger)
	return s, nil
}
