package events

// Payload shapes per event family. All money amounts are USD.

// BlockedPayload accompanies request:blocked.
type BlockedPayload struct {
	Reason        string  `json:"reason"`
	Message       string  `json:"message,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	Model         string  `json:"model,omitempty"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// AllowedPayload accompanies request:allowed.
type AllowedPayload struct {
	UserID          string  `json:"user_id,omitempty"`
	Model           string  `json:"model"`
	EstimatedTokens int     `json:"estimated_tokens"`
	EstimatedCost   float64 `json:"estimated_cost"`
}

// CachePayload accompanies cache:hit, cache:miss and cache:store.
type CachePayload struct {
	Model       string  `json:"model"`
	Key         string  `json:"key,omitempty"`
	MatchType   string  `json:"match_type,omitempty"` // exact or fuzzy
	Similarity  float64 `json:"similarity,omitempty"`
	SavedTokens int     `json:"saved_tokens,omitempty"`
}

// TrimPayload accompanies context:trimmed.
type TrimPayload struct {
	DroppedMessages int `json:"dropped_messages"`
	SavedTokens     int `json:"saved_tokens"`
}

// RoutePayload accompanies router:downgraded and router:holdback.
type RoutePayload struct {
	FromModel     string  `json:"from_model"`
	ToModel       string  `json:"to_model,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	CrossProvider bool    `json:"cross_provider,omitempty"`
	Complexity    float64 `json:"complexity,omitempty"`
	SavingsUSD    float64 `json:"savings_usd,omitempty"`
}

// LedgerPayload accompanies ledger:entry. It carries the full entry
// so durable sinks can mirror the ledger without reaching into it.
type LedgerPayload struct {
	UserID           string             `json:"user_id,omitempty"`
	Model            string             `json:"model"`
	Feature          string             `json:"feature,omitempty"`
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	CostUSD          float64            `json:"cost_usd"`
	SavedUSD         float64            `json:"saved_usd,omitempty"`
	Savings          map[string]float64 `json:"savings,omitempty"`
	CacheHit         bool               `json:"cache_hit"`
}

// BreakerPayload accompanies breaker:warning and breaker:tripped.
type BreakerPayload struct {
	Window      string  `json:"window"`
	LimitUSD    float64 `json:"limit_usd"`
	SpentUSD    float64 `json:"spent_usd"`
	Projected   float64 `json:"projected_usd"`
	PercentUsed float64 `json:"percent_used"`
	Action      string  `json:"action,omitempty"`
}

// BudgetPayload accompanies userBudget:warning and userBudget:exceeded.
type BudgetPayload struct {
	UserID      string  `json:"user_id"`
	Window      string  `json:"window"`
	LimitUSD    float64 `json:"limit_usd"`
	SpentUSD    float64 `json:"spent_usd"`
	ReservedUSD float64 `json:"reserved_usd"`
	Projected   float64 `json:"projected_usd"`
}

// SpendPayload accompanies userBudget:spend.
type SpendPayload struct {
	UserID  string  `json:"user_id"`
	Model   string  `json:"model,omitempty"`
	CostUSD float64 `json:"cost_usd"`
}

// StreamPayload accompanies the stream:* events emitted by streaming
// adapters layered on top of the middleware.
type StreamPayload struct {
	RequestID  string `json:"request_id"`
	Model      string `json:"model,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	Tokens     int    `json:"tokens,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AnomalyPayload accompanies anomaly:detected.
type AnomalyPayload struct {
	UserID   string  `json:"user_id,omitempty"`
	Model    string  `json:"model,omitempty"`
	CostUSD  float64 `json:"cost_usd"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
	ZScore   float64 `json:"z_score"`
	Severity string  `json:"severity"`
}

// CompressPayload accompanies compressor:applied.
type CompressPayload struct {
	OriginalTokens   int      `json:"original_tokens"`
	CompressedTokens int      `json:"compressed_tokens"`
	SavedTokens      int      `json:"saved_tokens"`
	Phases           []string `json:"phases,omitempty"`
}

// DeltaPayload accompanies delta:applied.
type DeltaPayload struct {
	ReplacedParagraphs int `json:"replaced_paragraphs"`
	DroppedParagraphs  int `json:"dropped_paragraphs"`
	SavedTokens        int `json:"saved_tokens"`
}

// StoragePayload accompanies storage:error.
type StoragePayload struct {
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
	Error string `json:"error"`
}

// FallbackPayload accompanies cost:fallback, emitted when pricing for
// a model is not registered and conservative default rates were used.
type FallbackPayload struct {
	Model    string  `json:"model"`
	InputPM  float64 `json:"input_per_million"`
	OutputPM float64 `json:"output_per_million"`
}
