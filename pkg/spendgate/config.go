package spendgate

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Modules selects which pipeline stages run. The zero value disables
// everything; start from DefaultModules and flip what you need.
type Modules struct {
	Guard      bool `json:"guard"`
	Cache      bool `json:"cache"`
	Context    bool `json:"context"`
	Router     bool `json:"router"`
	Prefix     bool `json:"prefix"`
	Ledger     bool `json:"ledger"`
	Anomaly    bool `json:"anomaly"`
	Compressor bool `json:"compressor"`
	Delta      bool `json:"delta"`
}

// DefaultModules enables every stage except the model router, which
// substitutes models and stays opt-in.
func DefaultModules() Modules {
	return Modules{
		Guard:      true,
		Cache:      true,
		Context:    true,
		Prefix:     true,
		Ledger:     true,
		Anomaly:    true,
		Compressor: true,
		Delta:      true,
	}
}

// GuardConfig tunes per-request admission. Zero values take the
// documented defaults; DeduplicateWindow and MaxInputTokens are
// disabled at zero.
type GuardConfig struct {
	Debounce             time.Duration
	MaxRequestsPerMinute int
	MaxCostPerHour       float64
	DeduplicateWindow    time.Duration
	MinInputLength       int
	MaxInputTokens       int
}

// CacheConfig tunes the semantic response cache.
type CacheConfig struct {
	MaxEntries          int
	TTL                 time.Duration
	SimilarityThreshold float64
	Strategy            string // bigram (default) or minhash
	Persist             bool
}

// ContextConfig bounds conversation size. A MaxInputTokens of zero
// means the target model's context window.
type ContextConfig struct {
	MaxInputTokens   int
	ReserveForOutput int
}

// TierRule maps a complexity ceiling to a model, evaluated in order.
type TierRule struct {
	ModelID       string  `json:"model_id"`
	MaxComplexity float64 `json:"max_complexity"`
}

// RouterConfig tunes cost-based model selection.
type RouterConfig struct {
	Tiers               []TierRule
	ComplexityThreshold float64
	ABTestHoldback      float64
	CrossProvider       bool
}

// BreakerConfig caps global spend. Limits maps window names (session,
// hour, day, month) to dollar caps; an absent window is unlimited and
// a zero limit blocks everything.
type BreakerConfig struct {
	Limits    map[string]float64
	Action    string // stop (default), throttle, or warn
	Persist   bool
	OnWarning func(BreakerNotice)
	OnTripped func(BreakerNotice)
}

// BudgetLimits caps one user's spend per window. Non-positive values
// leave the window unlimited.
type BudgetLimits struct {
	Daily   float64 `json:"daily,omitempty"`
	Monthly float64 `json:"monthly,omitempty"`
}

// UserBudgetConfig assigns per-user spend caps with in-flight
// reservations.
type UserBudgetConfig struct {
	Users         map[string]BudgetLimits
	DefaultBudget *BudgetLimits
	OnWarning     func(BudgetNotice)
	OnExceeded    func(BudgetNotice)
}

// AnomalyConfig tunes cost outlier detection.
type AnomalyConfig struct {
	WindowSize int
	ZThreshold float64
	Warmup     int
}

// CompressorConfig tunes prompt compression.
type CompressorConfig struct {
	MinSavingsTokens int
	PreservePatterns []string
}

// DeltaConfig tunes restated-content back-referencing.
type DeltaConfig struct {
	MinSavingsTokens    int
	SimilarityThreshold float64
	MinParagraphChars   int
}

// AuditConfig tunes the tamper-evident event record.
type AuditConfig struct {
	MinSeverity  string // debug (default), info, warning, critical
	MaxEntries   int
	InsecureHash bool // xxhash64 instead of sha256, marked in records
}

// RedisConfig points persistence at a Redis instance. Nil keeps
// persisted state in process memory.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// ModelPrice registers or overrides one model's rates.
type ModelPrice struct {
	InputPerMillion  float64  `json:"input_per_million"`
	OutputPerMillion float64  `json:"output_per_million"`
	ContextWindow    int      `json:"context_window"`
	Provider         string   `json:"provider"`
	Tier             string   `json:"tier"`
	Capabilities     []string `json:"capabilities,omitempty"`
}

// BreakerNotice reports a global spend limit crossing.
type BreakerNotice struct {
	Window       string  `json:"window"`
	LimitUSD     float64 `json:"limit_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	ProjectedUSD float64 `json:"projected_usd"`
	PercentUsed  float64 `json:"percent_used"`
	Action       string  `json:"action"`
}

// BudgetNotice reports a per-user spend limit crossing.
type BudgetNotice struct {
	UserID       string  `json:"user_id"`
	Window       string  `json:"window"`
	LimitUSD     float64 `json:"limit_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	ReservedUSD  float64 `json:"reserved_usd"`
	ProjectedUSD float64 `json:"projected_usd"`
}

// BlockedNotice is handed to OnBlocked whenever admission fails.
type BlockedNotice struct {
	Reason        string  `json:"reason"`
	Message       string  `json:"message"`
	UserID        string  `json:"user_id,omitempty"`
	Model         string  `json:"model"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// UsageReport is handed to OnUsage after each settled model call.
type UsageReport struct {
	UserID           string  `json:"user_id"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	SavedUSD         float64 `json:"saved_usd"`
}

// DryRunNote reports what one pipeline stage would have done.
type DryRunNote struct {
	Step   string `json:"step"`
	Action string `json:"action"`
}

// Config assembles the middleware. The zero value runs the default
// module set with in-memory state and no enforcement limits.
type Config struct {
	// Modules overrides the default stage selection when non-nil.
	Modules *Modules

	Guard      GuardConfig
	Cache      CacheConfig
	Context    ContextConfig
	Router     RouterConfig
	Breaker    BreakerConfig
	UserBudget UserBudgetConfig
	Anomaly    AnomalyConfig
	Compressor CompressorConfig
	Delta      DeltaConfig
	Audit      AuditConfig

	// Prices adds to or overrides the built-in rate table.
	Prices map[string]ModelPrice

	// Redis backs cache and breaker persistence when set.
	Redis *RedisConfig

	// DryRun reports what every stage would do without changing the
	// request or any counter. OnDryRun receives one note per stage.
	DryRun   bool
	OnDryRun func(DryRunNote)

	OnBlocked func(BlockedNotice)
	OnUsage   func(UsageReport)

	// RouterOverride short-circuits model selection for a prompt;
	// return "" to decline.
	RouterOverride func(prompt string) string

	// GetUserID resolves the budget principal when Params.User is
	// empty. With neither, spend is tracked under "anonymous".
	GetUserID func() string

	// ForwardToGlobal mirrors this instance's events onto the
	// process-wide bus. Off by default so instances stay isolated.
	ForwardToGlobal bool

	Logger *zap.Logger
}

func (c *Config) validate() error {
	if h := c.Router.ABTestHoldback; h < 0 || h > 1 {
		return fmt.Errorf("spendgate: router holdback %v outside [0,1]", h)
	}
	if t := c.Cache.SimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("spendgate: cache similarity threshold %v outside [0,1]", t)
	}
	if c.Guard.MaxRequestsPerMinute < 0 || c.Guard.MaxCostPerHour < 0 ||
		c.Guard.MinInputLength < 0 || c.Guard.MaxInputTokens < 0 {
		return fmt.Errorf("spendgate: guard limits must not be negative")
	}
	for user, l := range c.UserBudget.Users {
		if l.Daily < 0 || l.Monthly < 0 {
			return fmt.Errorf("spendgate: negative budget for user %q", user)
		}
	}
	if c.UserBudget.DefaultBudget != nil {
		if l := *c.UserBudget.DefaultBudget; l.Daily < 0 || l.Monthly < 0 {
			return fmt.Errorf("spendgate: negative default budget")
		}
	}
	if c.Redis != nil && c.Redis.Addr == "" {
		return fmt.Errorf("spendgate: redis persistence needs an address")
	}
	for id, p := range c.Prices {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("spendgate: negative rate for model %q", id)
		}
	}
	return nil
}
