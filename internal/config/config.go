// Package config loads the serve-mode configuration: YAML file plus
// SPENDGATE_* environment overrides, with defaults matching the
// library's own.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/amerfu/spendgate/pkg/spendgate"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
}

type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

// DatabaseConfig points the durable ledger mirror at Postgres. Empty
// URL disables it; the in-memory ledger always runs.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// PipelineConfig mirrors spendgate.Config section by section.
type PipelineConfig struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Modules    ModulesConfig    `mapstructure:"modules"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Context    ContextConfig    `mapstructure:"context"`
	Router     RouterConfig     `mapstructure:"router"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	UserBudget UserBudgetConfig `mapstructure:"user_budget"`
	Anomaly    AnomalyConfig    `mapstructure:"anomaly"`
	Compressor CompressorConfig `mapstructure:"compressor"`
	Delta      DeltaConfig      `mapstructure:"delta"`
	Audit      AuditConfig      `mapstructure:"audit"`
	User       string           `mapstructure:"user"`
}

type ModulesConfig struct {
	Guard      bool `mapstructure:"guard"`
	Cache      bool `mapstructure:"cache"`
	Context    bool `mapstructure:"context"`
	Router     bool `mapstructure:"router"`
	Prefix     bool `mapstructure:"prefix"`
	Ledger     bool `mapstructure:"ledger"`
	Anomaly    bool `mapstructure:"anomaly"`
	Compressor bool `mapstructure:"compressor"`
	Delta      bool `mapstructure:"delta"`
}

type GuardConfig struct {
	Debounce             time.Duration `mapstructure:"debounce"`
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	MaxCostPerHour       float64       `mapstructure:"max_cost_per_hour"`
	DeduplicateWindow    time.Duration `mapstructure:"deduplicate_window"`
	MinInputLength       int           `mapstructure:"min_input_length"`
	MaxInputTokens       int           `mapstructure:"max_input_tokens"`
}

type CacheConfig struct {
	MaxEntries          int           `mapstructure:"max_entries"`
	TTL                 time.Duration `mapstructure:"ttl"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	Strategy            string        `mapstructure:"strategy"`
	Persist             bool          `mapstructure:"persist"`
}

type ContextConfig struct {
	MaxInputTokens   int `mapstructure:"max_input_tokens"`
	ReserveForOutput int `mapstructure:"reserve_for_output"`
}

type TierRule struct {
	Model         string  `mapstructure:"model"`
	MaxComplexity float64 `mapstructure:"max_complexity"`
}

type RouterConfig struct {
	Tiers               []TierRule `mapstructure:"tiers"`
	ComplexityThreshold float64    `mapstructure:"complexity_threshold"`
	ABTestHoldback      float64    `mapstructure:"ab_test_holdback"`
	CrossProvider       bool       `mapstructure:"cross_provider"`
}

type BreakerConfig struct {
	Limits  map[string]float64 `mapstructure:"limits"`
	Action  string             `mapstructure:"action"`
	Persist bool               `mapstructure:"persist"`
}

type BudgetLimits struct {
	Daily   float64 `mapstructure:"daily"`
	Monthly float64 `mapstructure:"monthly"`
}

type UserBudgetConfig struct {
	Users   map[string]BudgetLimits `mapstructure:"users"`
	Default *BudgetLimits           `mapstructure:"default"`
}

type AnomalyConfig struct {
	WindowSize int     `mapstructure:"window_size"`
	ZThreshold float64 `mapstructure:"z_threshold"`
	Warmup     int     `mapstructure:"warmup"`
}

type CompressorConfig struct {
	MinSavingsTokens int      `mapstructure:"min_savings_tokens"`
	PreservePatterns []string `mapstructure:"preserve_patterns"`
}

type DeltaConfig struct {
	MinSavingsTokens    int     `mapstructure:"min_savings_tokens"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MinParagraphChars   int     `mapstructure:"min_paragraph_chars"`
}

type AuditConfig struct {
	MinSeverity  string `mapstructure:"min_severity"`
	MaxEntries   int    `mapstructure:"max_entries"`
	InsecureHash bool   `mapstructure:"insecure_hash"`
}

type ModelPrice struct {
	InputPerMillion  float64  `mapstructure:"input_per_million"`
	OutputPerMillion float64  `mapstructure:"output_per_million"`
	ContextWindow    int      `mapstructure:"context_window"`
	Provider         string   `mapstructure:"provider"`
	Tier             string   `mapstructure:"tier"`
	Capabilities     []string `mapstructure:"capabilities"`
}

type PricingConfig struct {
	URL          string                `mapstructure:"url"`
	Refresh      time.Duration         `mapstructure:"refresh"`
	AllowedHosts []string              `mapstructure:"allowed_hosts"`
	Models       map[string]ModelPrice `mapstructure:"models"`
}

// Load reads config.yaml from configPath (or the usual locations) and
// applies environment overrides. A missing file is fine; everything
// has a default.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/spendgate")
	}

	setDefaults(v)

	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8710)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown", "30s")

	// Redis defaults
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "spendgate:")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Accept", "Content-Type"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 300)

	// Module toggles; the router substitutes models and stays opt-in.
	v.SetDefault("pipeline.modules.guard", true)
	v.SetDefault("pipeline.modules.cache", true)
	v.SetDefault("pipeline.modules.context", true)
	v.SetDefault("pipeline.modules.router", false)
	v.SetDefault("pipeline.modules.prefix", true)
	v.SetDefault("pipeline.modules.ledger", true)
	v.SetDefault("pipeline.modules.anomaly", true)
	v.SetDefault("pipeline.modules.compressor", true)
	v.SetDefault("pipeline.modules.delta", true)

	// Guard defaults
	v.SetDefault("pipeline.guard.debounce", "300ms")
	v.SetDefault("pipeline.guard.max_requests_per_minute", 60)
	v.SetDefault("pipeline.guard.max_cost_per_hour", 10.0)
	v.SetDefault("pipeline.guard.min_input_length", 2)

	// Cache defaults
	v.SetDefault("pipeline.cache.max_entries", 1000)
	v.SetDefault("pipeline.cache.ttl", "1h")
	v.SetDefault("pipeline.cache.similarity_threshold", 0.85)
	v.SetDefault("pipeline.cache.strategy", "minhash")

	// Audit defaults
	v.SetDefault("pipeline.audit.min_severity", "info")
	v.SetDefault("pipeline.audit.max_entries", 1000)

	// Pricing defaults
	v.SetDefault("pricing.refresh", "0s")
}

func bindEnvVars(v *viper.Viper) {
	// Server
	_ = v.BindEnv("server.host", "SPENDGATE_HOST")
	_ = v.BindEnv("server.port", "SPENDGATE_PORT")

	// Database
	_ = v.BindEnv("database.url", "DATABASE_URL")

	// Redis
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")

	// Logging
	_ = v.BindEnv("logging.level", "SPENDGATE_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "SPENDGATE_LOG_FORMAT")

	// Pipeline
	_ = v.BindEnv("pipeline.dry_run", "SPENDGATE_DRY_RUN")
	_ = v.BindEnv("pipeline.user", "SPENDGATE_USER")
	_ = v.BindEnv("pipeline.modules.router", "SPENDGATE_ROUTER_ENABLED")
	_ = v.BindEnv("pipeline.cache.persist", "SPENDGATE_CACHE_PERSIST")
	_ = v.BindEnv("pipeline.breaker.persist", "SPENDGATE_BREAKER_PERSIST")

	// Pricing
	_ = v.BindEnv("pricing.url", "SPENDGATE_PRICING_URL")
	_ = v.BindEnv("pricing.refresh", "SPENDGATE_PRICING_REFRESH")
}

// Middleware converts the loaded file into the library's Config. The
// logger is attached by the caller after Initialize.
func (c *Config) Middleware() spendgate.Config {
	p := c.Pipeline

	mods := spendgate.Modules{
		Guard:      p.Modules.Guard,
		Cache:      p.Modules.Cache,
		Context:    p.Modules.Context,
		Router:     p.Modules.Router,
		Prefix:     p.Modules.Prefix,
		Ledger:     p.Modules.Ledger,
		Anomaly:    p.Modules.Anomaly,
		Compressor: p.Modules.Compressor,
		Delta:      p.Modules.Delta,
	}

	out := spendgate.Config{
		Modules: &mods,
		DryRun:  p.DryRun,
		Guard: spendgate.GuardConfig{
			Debounce:             p.Guard.Debounce,
			MaxRequestsPerMinute: p.Guard.MaxRequestsPerMinute,
			MaxCostPerHour:       p.Guard.MaxCostPerHour,
			DeduplicateWindow:    p.Guard.DeduplicateWindow,
			MinInputLength:       p.Guard.MinInputLength,
			MaxInputTokens:       p.Guard.MaxInputTokens,
		},
		Cache: spendgate.CacheConfig{
			MaxEntries:          p.Cache.MaxEntries,
			TTL:                 p.Cache.TTL,
			SimilarityThreshold: p.Cache.SimilarityThreshold,
			Strategy:            p.Cache.Strategy,
			Persist:             p.Cache.Persist,
		},
		Context: spendgate.ContextConfig{
			MaxInputTokens:   p.Context.MaxInputTokens,
			ReserveForOutput: p.Context.ReserveForOutput,
		},
		Router: spendgate.RouterConfig{
			ComplexityThreshold: p.Router.ComplexityThreshold,
			ABTestHoldback:      p.Router.ABTestHoldback,
			CrossProvider:       p.Router.CrossProvider,
		},
		Breaker: spendgate.BreakerConfig{
			Limits:  p.Breaker.Limits,
			Action:  p.Breaker.Action,
			Persist: p.Breaker.Persist,
		},
		Anomaly: spendgate.AnomalyConfig{
			WindowSize: p.Anomaly.WindowSize,
			ZThreshold: p.Anomaly.ZThreshold,
			Warmup:     p.Anomaly.Warmup,
		},
		Compressor: spendgate.CompressorConfig{
			MinSavingsTokens: p.Compressor.MinSavingsTokens,
			PreservePatterns: p.Compressor.PreservePatterns,
		},
		Delta: spendgate.DeltaConfig{
			MinSavingsTokens:    p.Delta.MinSavingsTokens,
			SimilarityThreshold: p.Delta.SimilarityThreshold,
			MinParagraphChars:   p.Delta.MinParagraphChars,
		},
		Audit: spendgate.AuditConfig{
			MinSeverity:  p.Audit.MinSeverity,
			MaxEntries:   p.Audit.MaxEntries,
			InsecureHash: p.Audit.InsecureHash,
		},
	}

	if len(p.Router.Tiers) > 0 {
		tiers := make([]spendgate.TierRule, 0, len(p.Router.Tiers))
		for _, rule := range p.Router.Tiers {
			tiers = append(tiers, spendgate.TierRule{
				ModelID:       rule.Model,
				MaxComplexity: rule.MaxComplexity,
			})
		}
		out.Router.Tiers = tiers
	}

	if len(p.UserBudget.Users) > 0 || p.UserBudget.Default != nil {
		users := make(map[string]spendgate.BudgetLimits, len(p.UserBudget.Users))
		for id, lim := range p.UserBudget.Users {
			users[id] = spendgate.BudgetLimits{Daily: lim.Daily, Monthly: lim.Monthly}
		}
		out.UserBudget = spendgate.UserBudgetConfig{Users: users}
		if def := p.UserBudget.Default; def != nil {
			out.UserBudget.DefaultBudget = &spendgate.BudgetLimits{
				Daily:   def.Daily,
				Monthly: def.Monthly,
			}
		}
	}

	if len(c.Pricing.Models) > 0 {
		prices := make(map[string]spendgate.ModelPrice, len(c.Pricing.Models))
		for id, price := range c.Pricing.Models {
			prices[id] = spendgate.ModelPrice{
				InputPerMillion:  price.InputPerMillion,
				OutputPerMillion: price.OutputPerMillion,
				ContextWindow:    price.ContextWindow,
				Provider:         price.Provider,
				Tier:             price.Tier,
				Capabilities:     price.Capabilities,
			}
		}
		out.Prices = prices
	}

	if c.Redis.Addr != "" && (p.Cache.Persist || p.Breaker.Persist) {
		out.Redis = &spendgate.RedisConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			Namespace: c.Redis.Namespace,
		}
	}

	if p.User != "" {
		user := p.User
		out.GetUserID = func() string { return user }
	}

	return out
}
