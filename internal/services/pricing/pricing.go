// Package pricing maintains the model price registry used for cost
// estimation, routing, and ledger accounting. Lookups never fail: an
// unknown model resolves to conservative low-tier rates flagged as a
// fallback so budget checks stay functional.
package pricing

import (
	"sort"
	"strings"
	"sync"
)

// Tier ranks model capability classes. Ordering is meaningful:
// budget < standard < premium < flagship.
type Tier int

const (
	TierBudget Tier = iota
	TierStandard
	TierPremium
	TierFlagship
)

func (t Tier) String() string {
	switch t {
	case TierBudget:
		return "budget"
	case TierStandard:
		return "standard"
	case TierPremium:
		return "premium"
	case TierFlagship:
		return "flagship"
	default:
		return "unknown"
	}
}

// TierFromString parses a tier name; unknown names map to budget.
func TierFromString(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return TierStandard
	case "premium":
		return TierPremium
	case "flagship":
		return TierFlagship
	default:
		return TierBudget
	}
}

// Price holds the per-model rates in USD per million tokens.
type Price struct {
	InputPerMillion  float64  `json:"input_per_million"`
	OutputPerMillion float64  `json:"output_per_million"`
	ContextWindow    int      `json:"context_window"`
	Provider         string   `json:"provider"`
	Tier             Tier     `json:"tier"`
	Capabilities     []string `json:"capabilities,omitempty"`
	// Fallback marks rates resolved for an unregistered model.
	Fallback bool `json:"fallback,omitempty"`
}

// HasCapability reports whether the model advertises cap.
func (p Price) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// fallbackPrice is charged for unknown models. Low-tier rates, never
// zero, so projected costs and budget math keep working.
var fallbackPrice = Price{
	InputPerMillion:  0.5,
	OutputPerMillion: 1.5,
	ContextWindow:    8192,
	Provider:         "unknown",
	Tier:             TierBudget,
	Capabilities:     []string{"chat"},
	Fallback:         true,
}

func defaultPrices() map[string]Price {
	chat := []string{"chat"}
	vision := []string{"chat", "vision"}
	reasoning := []string{"chat", "reasoning"}
	return map[string]Price{
		// OpenAI
		"gpt-4o":        {InputPerMillion: 2.5, OutputPerMillion: 10, ContextWindow: 128000, Provider: "openai", Tier: TierPremium, Capabilities: vision},
		"gpt-4o-mini":   {InputPerMillion: 0.15, OutputPerMillion: 0.6, ContextWindow: 128000, Provider: "openai", Tier: TierBudget, Capabilities: vision},
		"gpt-4.1":       {InputPerMillion: 2, OutputPerMillion: 8, ContextWindow: 1047576, Provider: "openai", Tier: TierPremium, Capabilities: vision},
		"gpt-4.1-mini":  {InputPerMillion: 0.4, OutputPerMillion: 1.6, ContextWindow: 1047576, Provider: "openai", Tier: TierStandard, Capabilities: vision},
		"gpt-4.1-nano":  {InputPerMillion: 0.1, OutputPerMillion: 0.4, ContextWindow: 1047576, Provider: "openai", Tier: TierBudget, Capabilities: chat},
		"gpt-4-turbo":   {InputPerMillion: 10, OutputPerMillion: 30, ContextWindow: 128000, Provider: "openai", Tier: TierPremium, Capabilities: vision},
		"gpt-3.5-turbo": {InputPerMillion: 0.5, OutputPerMillion: 1.5, ContextWindow: 16385, Provider: "openai", Tier: TierBudget, Capabilities: chat},
		"o3":            {InputPerMillion: 2, OutputPerMillion: 8, ContextWindow: 200000, Provider: "openai", Tier: TierFlagship, Capabilities: reasoning},
		"o4-mini":       {InputPerMillion: 1.1, OutputPerMillion: 4.4, ContextWindow: 200000, Provider: "openai", Tier: TierStandard, Capabilities: reasoning},

		// Anthropic
		"claude-opus-4":     {InputPerMillion: 15, OutputPerMillion: 75, ContextWindow: 200000, Provider: "anthropic", Tier: TierFlagship, Capabilities: reasoning},
		"claude-sonnet-4":   {InputPerMillion: 3, OutputPerMillion: 15, ContextWindow: 200000, Provider: "anthropic", Tier: TierPremium, Capabilities: vision},
		"claude-3-7-sonnet": {InputPerMillion: 3, OutputPerMillion: 15, ContextWindow: 200000, Provider: "anthropic", Tier: TierPremium, Capabilities: reasoning},
		"claude-3-5-sonnet": {InputPerMillion: 3, OutputPerMillion: 15, ContextWindow: 200000, Provider: "anthropic", Tier: TierStandard, Capabilities: vision},
		"claude-3-5-haiku":  {InputPerMillion: 0.8, OutputPerMillion: 4, ContextWindow: 200000, Provider: "anthropic", Tier: TierBudget, Capabilities: chat},
		"claude-3-haiku":    {InputPerMillion: 0.25, OutputPerMillion: 1.25, ContextWindow: 200000, Provider: "anthropic", Tier: TierBudget, Capabilities: chat},

		// Google
		"gemini-2.5-pro":   {InputPerMillion: 1.25, OutputPerMillion: 10, ContextWindow: 1048576, Provider: "google", Tier: TierPremium, Capabilities: reasoning},
		"gemini-2.0-flash": {InputPerMillion: 0.1, OutputPerMillion: 0.4, ContextWindow: 1048576, Provider: "google", Tier: TierBudget, Capabilities: vision},
		"gemini-1.5-pro":   {InputPerMillion: 1.25, OutputPerMillion: 5, ContextWindow: 2097152, Provider: "google", Tier: TierStandard, Capabilities: vision},
		"gemini-1.5-flash": {InputPerMillion: 0.075, OutputPerMillion: 0.3, ContextWindow: 1048576, Provider: "google", Tier: TierBudget, Capabilities: vision},

		// Mistral
		"mistral-large": {InputPerMillion: 2, OutputPerMillion: 6, ContextWindow: 128000, Provider: "mistral", Tier: TierStandard, Capabilities: chat},
		"mistral-small": {InputPerMillion: 0.2, OutputPerMillion: 0.6, ContextWindow: 32000, Provider: "mistral", Tier: TierBudget, Capabilities: chat},

		// Meta
		"llama-3.1-405b": {InputPerMillion: 3, OutputPerMillion: 3, ContextWindow: 128000, Provider: "meta", Tier: TierStandard, Capabilities: chat},
		"llama-3.1-70b":  {InputPerMillion: 0.9, OutputPerMillion: 0.9, ContextWindow: 128000, Provider: "meta", Tier: TierBudget, Capabilities: chat},
		"llama-3.1-8b":   {InputPerMillion: 0.2, OutputPerMillion: 0.2, ContextWindow: 128000, Provider: "meta", Tier: TierBudget, Capabilities: chat},

		// DeepSeek
		"deepseek-chat":     {InputPerMillion: 0.27, OutputPerMillion: 1.1, ContextWindow: 64000, Provider: "deepseek", Tier: TierBudget, Capabilities: chat},
		"deepseek-reasoner": {InputPerMillion: 0.55, OutputPerMillion: 2.19, ContextWindow: 64000, Provider: "deepseek", Tier: TierStandard, Capabilities: reasoning},
	}
}

// Table is the mutable price registry. Safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// New returns a table seeded with the built-in registry.
func New() *Table {
	return &Table{prices: defaultPrices()}
}

// NewEmpty returns a table with no registered models. Lookups resolve
// to fallback rates until entries are registered.
func NewEmpty() *Table {
	return &Table{prices: make(map[string]Price)}
}

// Register inserts or replaces the price for a model id.
func (t *Table) Register(modelID string, p Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.Fallback = false
	t.prices[modelID] = p
}

// Lookup resolves the price for a model id: exact match first, then
// the longest registered prefix, then the conservative fallback. The
// returned price always carries non-zero rates.
func (t *Table) Lookup(modelID string) Price {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.prices[modelID]; ok {
		return p
	}
	bestLen := 0
	var best Price
	for id, p := range t.prices {
		if len(id) > bestLen && strings.HasPrefix(modelID, id) {
			bestLen = len(id)
			best = p
		}
	}
	if bestLen > 0 {
		return best
	}
	return fallbackPrice
}

// Cost computes the USD cost of a request at the model's rates and
// returns the price that was applied.
func (t *Table) Cost(modelID string, promptTokens, completionTokens int) (float64, Price) {
	p := t.Lookup(modelID)
	cost := float64(promptTokens)*p.InputPerMillion/1_000_000 +
		float64(completionTokens)*p.OutputPerMillion/1_000_000
	return cost, p
}

// EstimateCost is Cost without the applied-price detail.
func (t *Table) EstimateCost(modelID string, promptTokens, completionTokens int) float64 {
	cost, _ := t.Cost(modelID, promptTokens, completionTokens)
	return cost
}

// Snapshot copies the registry, keyed by model id, sorted iteration
// left to the caller.
func (t *Table) Snapshot() map[string]Price {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Price, len(t.prices))
	for id, p := range t.prices {
		out[id] = p
	}
	return out
}

// Models returns the registered model ids in lexical order.
func (t *Table) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.prices))
	for id := range t.prices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the exact model id is registered.
func (t *Table) Has(modelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.prices[modelID]
	return ok
}

// Len reports the number of registered models.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices)
}
