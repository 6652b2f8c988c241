package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server         ServerConfig               `json:"server"`
	Providers      []ProviderConfig           `json:"providers"`
	ModelClasses   map[string]ClassConfig     `json:"model_classes"`
	DataProviders  []DataProviderConfig       `json:"data_providers"`
	CriticalFields []string                   `json:"critical_fields"`
	SearchFallback bool                       `json:"search_fallback"`
	RateLimits     map[string]RateLimitConfig `json:"rate_limits"`
	Retry          RetryConfig                `json:"retry"`
	Executor       ExecutorConfig             `json:"executor"`
	Batch          BatchConfig                `json:"batch"`
	Memory         MemoryConfig               `json:"memory"`
	Embedding      EmbeddingConfig            `json:"embedding"`
	Database       DatabaseConfig             `json:"database"`
	Validator      ValidatorConfig            `json:"validator"`
	Notify         NotifyConfig               `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Endpoint    string   `json:"endpoint"`
	APIKey      string   `json:"api_key"`
	HealthModel string   `json:"health_model,omitempty"`
	Timeout     Duration `json:"timeout,omitempty"`
}

// TargetConfig names a provider and model for one class.
type TargetConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type ClassConfig struct {
	TargetConfig
	Fallbacks []TargetConfig `json:"fallbacks,omitempty"`
}

// DataProviderConfig is one fundamentals source. Order in the list is merge priority.
type DataProviderConfig struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"` // http, mcp or static
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key,omitempty"`
	Tool     string   `json:"tool,omitempty"`
	Fixtures string   `json:"fixtures,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
	// RateClass defaults to the provider id.
	RateClass string `json:"rate_class,omitempty"`
}

// Class returns the limiter class the provider draws from.
func (d DataProviderConfig) Class() string {
	if d.RateClass != "" {
		return d.RateClass
	}
	return d.ID
}

type RateLimitConfig struct {
	Capacity     int      `json:"capacity"`
	Window       Duration `json:"window"`
	SafetyMargin float64  `json:"safety_margin"`
}

type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
	Multiplier      float64  `json:"multiplier"`
	Jitter          float64  `json:"jitter"`
	CallTimeout     Duration `json:"call_timeout"`
}

type ExecutorConfig struct {
	MaxParallel int      `json:"max_parallel"`
	RunTimeout  Duration `json:"run_timeout"`
	CancelGrace Duration `json:"cancel_grace"`
	// DebateRounds, when positive, wins over the -mode round count.
	DebateRounds    int  `json:"debate_rounds"`
	DebateEarlyExit bool `json:"debate_early_exit"`
	MaxTokens       int  `json:"max_tokens"`
}

type BatchConfig struct {
	OutDir   string `json:"out_dir"`
	Parallel int    `json:"parallel"`
	Force    bool   `json:"force"`
}

type MemoryConfig struct {
	Backend string       `json:"backend"` // inmem, qdrant or neo4j
	Qdrant  QdrantConfig `json:"qdrant"`
	Neo4j   Neo4jConfig  `json:"neo4j"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL      string   `json:"url"`
	EventTTL Duration `json:"event_ttl"`
}

type ValidatorConfig struct {
	// RulesFile is a YAML rule table; empty uses the built-in table.
	RulesFile string `json:"rules_file"`
}

type NotifyConfig struct {
	Slack   ChannelConfig `json:"slack"`
	Discord ChannelConfig `json:"discord"`
}

type ChannelConfig struct {
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// Enabled reports whether both token and channel are set.
func (c ChannelConfig) Enabled() bool {
	return c.BotToken != "" && c.Channel != ""
}

// Default returns the configuration used when a file leaves a value out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "development"},
		RateLimits: map[string]RateLimitConfig{
			"inference": {Capacity: 50, Window: Duration(time.Minute), SafetyMargin: 0.1},
			"embedding": {Capacity: 100, Window: Duration(time.Minute), SafetyMargin: 0.1},
		},
		Retry: RetryConfig{
			MaxAttempts:     4,
			InitialInterval: Duration(time.Second),
			MaxInterval:     Duration(30 * time.Second),
			Multiplier:      2,
			Jitter:          0.5,
			CallTimeout:     Duration(90 * time.Second),
		},
		Executor: ExecutorConfig{
			MaxParallel: 8,
			RunTimeout:  Duration(20 * time.Minute),
			CancelGrace: Duration(2 * time.Second),
			MaxTokens:   4096,
		},
		Batch:  BatchConfig{OutDir: "results", Parallel: 1},
		Memory: MemoryConfig{
			Backend: "inmem",
			Qdrant:  QdrantConfig{Host: "localhost", Port: 6334, Collection: "analyzer_memory"},
		},
		Database: DatabaseConfig{Redis: RedisConfig{EventTTL: Duration(24 * time.Hour)}},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over Default, substituting environment
// variable references first, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal([]byte(expand(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

var ErrInvalid = errors.New("invalid config")

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for class, rl := range c.RateLimits {
		if rl.Capacity <= 0 {
			bad("rate limit %s: capacity must be positive", class)
		}
		if rl.Window <= 0 {
			bad("rate limit %s: window must be positive", class)
		}
		if rl.SafetyMargin < 0 || rl.SafetyMargin >= 1 {
			bad("rate limit %s: safety margin %.2f outside [0,1)", class, rl.SafetyMargin)
		}
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		switch {
		case p.ID == "":
			bad("provider without id")
		case providers[p.ID]:
			bad("duplicate provider %s", p.ID)
		}
		providers[p.ID] = true
		if p.Type != "anthropic" && p.Type != "openai" {
			bad("provider %s: unknown type %q", p.ID, p.Type)
		}
	}
	for class, cc := range c.ModelClasses {
		for _, t := range append([]TargetConfig{cc.TargetConfig}, cc.Fallbacks...) {
			if !providers[t.Provider] {
				bad("model class %s: unknown provider %q", class, t.Provider)
			}
		}
	}

	sources := make(map[string]bool, len(c.DataProviders))
	for _, d := range c.DataProviders {
		if d.ID == "" || sources[d.ID] {
			bad("data provider id %q missing or duplicated", d.ID)
		}
		sources[d.ID] = true
		switch d.Type {
		case "http", "mcp":
			if d.Endpoint == "" {
				bad("data provider %s: endpoint required", d.ID)
			}
		case "static":
			if d.Fixtures == "" {
				bad("data provider %s: fixtures file required", d.ID)
			}
		default:
			bad("data provider %s: unknown type %q", d.ID, d.Type)
		}
		if d.Type == "mcp" && d.Tool == "" {
			bad("data provider %s: tool required", d.ID)
		}
	}

	switch c.Memory.Backend {
	case "", "inmem", "neo4j":
	case "qdrant":
		if c.Embedding.Provider == "" {
			bad("memory backend qdrant needs an embedding provider")
		}
	default:
		bad("unknown memory backend %q", c.Memory.Backend)
	}
	if c.Batch.Parallel < 0 {
		bad("batch parallel must not be negative")
	}
	if c.Executor.MaxParallel < 0 {
		bad("executor max_parallel must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
