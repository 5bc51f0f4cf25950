// Package spendgate wraps LLM calls in a cost-control pipeline:
// admission guards, global and per-user spend limits with in-flight
// reservations, a semantic response cache, context trimming, prompt
// compression, delta encoding, complexity-based model routing, and a
// cost ledger with anomaly detection. Every decision is published on
// an instance-scoped event bus and recorded in a tamper-evident audit
// log.
//
// The three entry points are Transform (pre-call), Record (post-call)
// and Wrap, which runs both around a provider invocation and
// guarantees that every budget reservation settles exactly once.
package spendgate

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/metrics"
	"github.com/amerfu/spendgate/internal/services/anomaly"
	"github.com/amerfu/spendgate/internal/services/audit"
	"github.com/amerfu/spendgate/internal/services/budget"
	"github.com/amerfu/spendgate/internal/services/circuitbreaker"
	"github.com/amerfu/spendgate/internal/services/complexity"
	"github.com/amerfu/spendgate/internal/services/compressor"
	"github.com/amerfu/spendgate/internal/services/delta"
	"github.com/amerfu/spendgate/internal/services/guard"
	"github.com/amerfu/spendgate/internal/services/ledger"
	"github.com/amerfu/spendgate/internal/services/persist"
	"github.com/amerfu/spendgate/internal/services/pricing"
	"github.com/amerfu/spendgate/internal/services/routing"
	"github.com/amerfu/spendgate/internal/services/semcache"
	"github.com/amerfu/spendgate/internal/services/tokenizer"
	"github.com/amerfu/spendgate/internal/services/trimmer"
	"github.com/amerfu/spendgate/pkg/events"
)

const (
	defaultPredictedOutput = 500
	anonymousUser          = "anonymous"
	persistLoadTimeout     = 10 * time.Second
)

// Middleware is the assembled pipeline. Safe for concurrent use; one
// instance is meant to front all traffic of a process.
type Middleware struct {
	cfg    Config
	mods   Modules
	logger *zap.Logger
	bus    *events.Bus

	estimator *tokenizer.Estimator
	table     *pricing.Table
	fetcher   *pricing.Fetcher

	guard      *guard.Guard
	cache      *semcache.Cache
	trimmer    *trimmer.Trimmer
	compressor *compressor.Compressor
	delta      *delta.Encoder
	scorer     *complexity.Scorer
	router     *routing.Router
	breaker    *circuitbreaker.Breaker
	budget     *budget.Manager
	ledger     *ledger.Ledger
	anomaly    *anomaly.Detector
	audit      *audit.Log

	store       persist.Store
	metricsObs  *metrics.Observer
	stopForward func()
	closeOnce   sync.Once
}

// New assembles a middleware from the config. Disabled modules cost
// nothing at request time.
func New(cfg Config) (*Middleware, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mods := DefaultModules()
	if cfg.Modules != nil {
		mods = *cfg.Modules
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Middleware{
		cfg:    cfg,
		mods:   mods,
		logger: logger,
		bus:    events.New(logger),
	}

	m.table = pricing.New()
	for id, mp := range cfg.Prices {
		m.table.Register(id, pricing.Price{
			InputPerMillion:  mp.InputPerMillion,
			OutputPerMillion: mp.OutputPerMillion,
			ContextWindow:    mp.ContextWindow,
			Provider:         mp.Provider,
			Tier:             pricing.TierFromString(mp.Tier),
			Capabilities:     mp.Capabilities,
		})
	}
	m.fetcher = pricing.NewFetcher(m.table, logger)
	m.estimator = tokenizer.New()

	if cfg.Cache.Persist || cfg.Breaker.Persist {
		m.store = buildStore(cfg, logger, m.bus)
	}

	if mods.Guard {
		m.guard = guard.New(guard.Config{
			Debounce:             cfg.Guard.Debounce,
			MaxRequestsPerMinute: cfg.Guard.MaxRequestsPerMinute,
			MaxCostPerHour:       cfg.Guard.MaxCostPerHour,
			DeduplicateWindow:    cfg.Guard.DeduplicateWindow,
			MinInputLength:       cfg.Guard.MinInputLength,
			MaxInputTokens:       cfg.Guard.MaxInputTokens,
			Logger:               logger,
		})
	}

	if mods.Cache {
		var cacheStore persist.Store
		if cfg.Cache.Persist {
			cacheStore = m.store
		}
		cache, err := semcache.New(semcache.Config{
			MaxEntries:          cfg.Cache.MaxEntries,
			TTL:                 cfg.Cache.TTL,
			SimilarityThreshold: cfg.Cache.SimilarityThreshold,
			Strategy:            cfg.Cache.Strategy,
			Store:               cacheStore,
			Logger:              logger,
		})
		if err != nil {
			return nil, err
		}
		m.cache = cache
	}

	if mods.Context {
		m.trimmer = trimmer.New(m.estimator, logger)
	}

	if mods.Compressor {
		comp, err := compressor.New(compressor.Config{
			MinSavingsTokens: cfg.Compressor.MinSavingsTokens,
			PreservePatterns: cfg.Compressor.PreservePatterns,
			Counter:          m.estimator,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		m.compressor = comp
	}

	if mods.Delta {
		m.delta = delta.New(delta.Config{
			MinSavingsTokens:    cfg.Delta.MinSavingsTokens,
			SimilarityThreshold: cfg.Delta.SimilarityThreshold,
			MinParagraphChars:   cfg.Delta.MinParagraphChars,
			Counter:             m.estimator,
			Logger:              logger,
		})
	}

	if mods.Router {
		m.scorer = complexity.New(m.estimator, logger)
		tiers := make([]routing.TierRule, 0, len(cfg.Router.Tiers))
		for _, t := range cfg.Router.Tiers {
			tiers = append(tiers, routing.TierRule{ModelID: t.ModelID, MaxComplexity: t.MaxComplexity})
		}
		var override func(routing.Request) string
		if cfg.RouterOverride != nil {
			ov := cfg.RouterOverride
			override = func(r routing.Request) string { return ov(r.Prompt) }
		}
		m.router = routing.New(m.table, routing.Config{
			Tiers:               tiers,
			ComplexityThreshold: cfg.Router.ComplexityThreshold,
			ABTestHoldback:      cfg.Router.ABTestHoldback,
			CrossProvider:       cfg.Router.CrossProvider,
			Override:            override,
			Logger:              logger,
		})
	}

	var breakerStore persist.Store
	if cfg.Breaker.Persist {
		breakerStore = m.store
	}
	var onBreakerWarn, onBreakerTrip func(circuitbreaker.Notice)
	if cb := cfg.Breaker.OnWarning; cb != nil {
		onBreakerWarn = func(n circuitbreaker.Notice) { cb(breakerNotice(n)) }
	}
	if cb := cfg.Breaker.OnTripped; cb != nil {
		onBreakerTrip = func(n circuitbreaker.Notice) { cb(breakerNotice(n)) }
	}
	breaker, err := circuitbreaker.New(circuitbreaker.Config{
		Limits:    breakerLimits(cfg.Breaker.Limits),
		Action:    circuitbreaker.Action(cfg.Breaker.Action),
		OnWarning: onBreakerWarn,
		OnTripped: onBreakerTrip,
		Store:     breakerStore,
		Bus:       m.bus,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	m.breaker = breaker

	var onBudgetWarn, onBudgetExceed func(budget.Notice)
	if cb := cfg.UserBudget.OnWarning; cb != nil {
		onBudgetWarn = func(n budget.Notice) { cb(budgetNotice(n)) }
	}
	if cb := cfg.UserBudget.OnExceeded; cb != nil {
		onBudgetExceed = func(n budget.Notice) { cb(budgetNotice(n)) }
	}
	users := make(map[string]budget.Limits, len(cfg.UserBudget.Users))
	for id, l := range cfg.UserBudget.Users {
		users[id] = budget.Limits{Daily: l.Daily, Monthly: l.Monthly}
	}
	var defaultLimits *budget.Limits
	if d := cfg.UserBudget.DefaultBudget; d != nil {
		defaultLimits = &budget.Limits{Daily: d.Daily, Monthly: d.Monthly}
	}
	m.budget = budget.New(budget.Config{
		Users:         users,
		DefaultLimits: defaultLimits,
		OnWarning:     onBudgetWarn,
		OnExceeded:    onBudgetExceed,
		Bus:           m.bus,
		Logger:        logger,
	})

	if mods.Ledger {
		m.ledger = ledger.New(ledger.Config{Bus: m.bus, Logger: logger})
	}

	if mods.Anomaly {
		m.anomaly = anomaly.New(anomaly.Config{
			WindowSize: cfg.Anomaly.WindowSize,
			ZThreshold: cfg.Anomaly.ZThreshold,
			Warmup:     cfg.Anomaly.Warmup,
			Logger:     logger,
		})
	}

	m.audit = audit.New(audit.Config{
		MinSeverity:  audit.ParseSeverity(cfg.Audit.MinSeverity),
		MaxEntries:   cfg.Audit.MaxEntries,
		InsecureHash: cfg.Audit.InsecureHash,
		Logger:       logger,
	})
	m.audit.Attach(m.bus)
	m.metricsObs = metrics.Attach(m.bus)

	if cfg.ForwardToGlobal {
		m.stopForward = m.bus.ForwardAll(events.Global())
	}

	if m.cache != nil && cfg.Cache.Persist {
		ctx, cancel := context.WithTimeout(context.Background(), persistLoadTimeout)
		defer cancel()
		if _, err := m.cache.LoadPersisted(ctx); err != nil {
			logger.Warn("cache restore failed", zap.Error(err))
		}
	}
	return m, nil
}

// buildStore picks the persistence backend. A Redis store that cannot
// connect degrades to memory through the fallback wrapper; either way
// storage failures surface as storage:error events.
func buildStore(cfg Config, logger *zap.Logger, bus *events.Bus) persist.Store {
	hook := func(op, key string, err error) {
		bus.Emit(events.StorageError, events.StoragePayload{
			Op: op, Key: key, Error: err.Error(),
		})
	}
	if cfg.Redis != nil {
		rs, err := persist.NewRedisStore(persist.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})
		if err != nil {
			logger.Warn("redis unavailable, persistence degraded to memory", zap.Error(err))
			return persist.NewMemoryStore()
		}
		return persist.NewFallback(rs, logger, hook)
	}
	return persist.NewMemoryStore()
}

func breakerLimits(limits map[string]float64) map[circuitbreaker.Window]float64 {
	if len(limits) == 0 {
		return nil
	}
	out := make(map[circuitbreaker.Window]float64, len(limits))
	for w, v := range limits {
		out[circuitbreaker.Window(w)] = v
	}
	return out
}

func breakerNotice(n circuitbreaker.Notice) BreakerNotice {
	return BreakerNotice{
		Window:       string(n.Window),
		LimitUSD:     n.Limit,
		SpentUSD:     n.Spent,
		ProjectedUSD: n.Projected,
		PercentUsed:  n.PercentUsed,
		Action:       string(n.Action),
	}
}

func budgetNotice(n budget.Notice) BudgetNotice {
	return BudgetNotice{
		UserID:       n.UserID,
		Window:       n.Window,
		LimitUSD:     n.Limit,
		SpentUSD:     n.Spent,
		ReservedUSD:  n.Reserved,
		ProjectedUSD: n.Projected,
	}
}

// Bus exposes the instance's event stream for subscribers.
func (m *Middleware) Bus() *events.Bus { return m.bus }

// Close detaches the audit log, metrics observer and global forwarder
// and closes the persistence backend. The middleware must not be used
// afterwards.
func (m *Middleware) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.stopForward != nil {
			m.stopForward()
		}
		if m.metricsObs != nil {
			m.metricsObs.Dispose()
		}
		m.audit.Dispose()
		if closer, ok := m.store.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}

// Health is the summary reported by HealthCheck.
type Health struct {
	Healthy          bool            `json:"healthy"`
	Modules          map[string]bool `json:"modules"`
	CacheHitRate     float64         `json:"cache_hit_rate"`
	GuardBlockedRate float64         `json:"guard_blocked_rate"`
	BreakerTripped   bool            `json:"breaker_tripped"`
	TotalSpent       float64         `json:"total_spent"`
	TotalSaved       float64         `json:"total_saved"`
}

// HealthCheck reports liveness: a tripped breaker marks the pipeline
// unhealthy because no further spend will be admitted.
func (m *Middleware) HealthCheck() Health {
	h := Health{
		Healthy: true,
		Modules: map[string]bool{
			"guard":      m.mods.Guard,
			"cache":      m.mods.Cache,
			"context":    m.mods.Context,
			"router":     m.mods.Router,
			"prefix":     m.mods.Prefix,
			"ledger":     m.mods.Ledger,
			"anomaly":    m.mods.Anomaly,
			"compressor": m.mods.Compressor,
			"delta":      m.mods.Delta,
		},
	}
	if m.cache != nil {
		h.CacheHitRate = m.cache.Stats().HitRate
	}
	if m.guard != nil {
		h.GuardBlockedRate = m.guard.Stats().BlockedRate
	}
	h.BreakerTripped = m.breaker.Tripped()
	if h.BreakerTripped {
		h.Healthy = false
	}
	if m.ledger != nil {
		s := m.ledger.Summary()
		h.TotalSpent = s.TotalActualCost
		h.TotalSaved = s.TotalSavedCost
	}
	return h
}

// RequestStats summarizes guard activity.
type RequestStats struct {
	Allowed     int64   `json:"allowed"`
	Blocked     int64   `json:"blocked"`
	BlockedRate float64 `json:"blocked_rate"`
	HourlySpend float64 `json:"hourly_spend"`
	InFlight    int     `json:"in_flight"`
	SavedUSD    float64 `json:"saved_usd"`
}

// CacheStats summarizes cache activity.
type CacheStats struct {
	Entries     int     `json:"entries"`
	Lookups     int64   `json:"lookups"`
	Hits        int64   `json:"hits"`
	ExactHits   int64   `json:"exact_hits"`
	FuzzyHits   int64   `json:"fuzzy_hits"`
	HitRate     float64 `json:"hit_rate"`
	SavedTokens int64   `json:"saved_tokens"`
}

// BreakerWindow is one spend window's state.
type BreakerWindow struct {
	Window      string  `json:"window"`
	Spent       float64 `json:"spent"`
	Limit       float64 `json:"limit,omitempty"`
	Limited     bool    `json:"limited"`
	PercentUsed float64 `json:"percent_used"`
}

// BreakerStats summarizes the spend breaker.
type BreakerStats struct {
	Action      string          `json:"action"`
	Tripped     bool            `json:"tripped"`
	TotalChecks int64           `json:"total_checks"`
	TotalTrips  int64           `json:"total_trips"`
	Windows     []BreakerWindow `json:"windows"`
}

// BudgetStats summarizes per-user reservation state.
type BudgetStats struct {
	TotalReserved float64 `json:"total_reserved"`
	TotalSpent    float64 `json:"total_spent"`
}

// SpendStats summarizes the cost ledger.
type SpendStats struct {
	Entries      int64   `json:"entries"`
	TotalCost    float64 `json:"total_cost"`
	TotalSaved   float64 `json:"total_saved"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// AnomalyStats summarizes the cost outlier window.
type AnomalyStats struct {
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
}

// AuditStats summarizes the audit chain.
type AuditStats struct {
	Entries    int  `json:"entries"`
	Pruned     bool `json:"pruned"`
	ChainValid bool `json:"chain_valid"`
}

// Stats is the aggregate snapshot served by monitoring surfaces.
type Stats struct {
	Requests RequestStats `json:"requests"`
	Cache    CacheStats   `json:"cache"`
	Breaker  BreakerStats `json:"breaker"`
	Budget   BudgetStats  `json:"budget"`
	Spend    SpendStats   `json:"spend"`
	Anomaly  AnomalyStats `json:"anomaly"`
	Audit    AuditStats   `json:"audit"`
}

// Stats snapshots every module.
func (m *Middleware) Stats() Stats {
	var s Stats
	if m.guard != nil {
		gs := m.guard.Stats()
		s.Requests = RequestStats{
			Allowed:     gs.TotalAllowed,
			Blocked:     gs.TotalBlocked,
			BlockedRate: gs.BlockedRate,
			HourlySpend: gs.CurrentHourlySpend,
			InFlight:    gs.InFlightCount,
			SavedUSD:    gs.TotalSavedDollars,
		}
	}
	if m.cache != nil {
		cs := m.cache.Stats()
		s.Cache = CacheStats{
			Entries:     cs.Entries,
			Lookups:     cs.Lookups,
			Hits:        cs.Hits,
			ExactHits:   cs.ExactHits,
			FuzzyHits:   cs.FuzzyHits,
			HitRate:     cs.HitRate,
			SavedTokens: cs.SavedTokens,
		}
	}
	bs := m.breaker.Stats()
	s.Breaker = BreakerStats{
		Action:      string(bs.Action),
		Tripped:     bs.Tripped,
		TotalChecks: bs.TotalChecks,
		TotalTrips:  bs.TotalTrips,
		Windows:     make([]BreakerWindow, 0, len(bs.Windows)),
	}
	for _, w := range bs.Windows {
		s.Breaker.Windows = append(s.Breaker.Windows, BreakerWindow{
			Window:      string(w.Window),
			Spent:       w.Spent,
			Limit:       w.Limit,
			Limited:     w.Limited,
			PercentUsed: w.PercentUsed,
		})
	}
	s.Budget = BudgetStats{
		TotalReserved: m.budget.TotalReserved(),
		TotalSpent:    m.budget.TotalSpent(),
	}
	if m.ledger != nil {
		ls := m.ledger.Summary()
		s.Spend = SpendStats{
			Entries:      ls.TotalEntries,
			TotalCost:    ls.TotalActualCost,
			TotalSaved:   ls.TotalSavedCost,
			InputTokens:  ls.TotalInputTokens,
			OutputTokens: ls.TotalOutputTokens,
		}
	}
	if m.anomaly != nil {
		count, mean, std := m.anomaly.Snapshot()
		s.Anomaly = AnomalyStats{Samples: count, Mean: mean, StdDev: std}
	}
	integrity := m.audit.VerifyIntegrity()
	s.Audit = AuditStats{
		Entries:    m.audit.Len(),
		Pruned:     m.audit.Pruned(),
		ChainValid: integrity.Valid,
	}
	return s
}

// AuditIntegrity is the verification result of the audit chain.
type AuditIntegrity struct {
	Valid        bool   `json:"valid"`
	BrokenAt     uint64 `json:"broken_at,omitempty"`
	Pruned       bool   `json:"pruned,omitempty"`
	VerifiedFrom uint64 `json:"verified_from,omitempty"`
}

// VerifyAudit re-derives the audit hash chain.
func (m *Middleware) VerifyAudit() AuditIntegrity {
	i := m.audit.VerifyIntegrity()
	return AuditIntegrity{
		Valid:        i.Valid,
		BrokenAt:     i.BrokenAt,
		Pruned:       i.Pruned,
		VerifiedFrom: i.VerifiedFrom,
	}
}

// ExportAuditJSON writes the audit log with an integrity envelope.
func (m *Middleware) ExportAuditJSON(w io.Writer) error { return m.audit.ExportJSON(w) }

// ExportAuditCSV writes the audit log as RFC 4180 CSV.
func (m *Middleware) ExportAuditCSV(w io.Writer) error { return m.audit.ExportCSV(w) }

// PricingSnapshot copies the live rate table.
func (m *Middleware) PricingSnapshot() map[string]ModelPrice {
	snap := m.table.Snapshot()
	out := make(map[string]ModelPrice, len(snap))
	for id, p := range snap {
		out[id] = ModelPrice{
			InputPerMillion:  p.InputPerMillion,
			OutputPerMillion: p.OutputPerMillion,
			ContextWindow:    p.ContextWindow,
			Provider:         p.Provider,
			Tier:             p.Tier.String(),
			Capabilities:     p.Capabilities,
		}
	}
	return out
}

// FetchPricing refreshes the rate table from a remote registry. Force
// bypasses the minimum inter-fetch interval; extraHosts supplements
// the built-in https allow-list.
func (m *Middleware) FetchPricing(ctx context.Context, rawURL string, force bool, extraHosts ...string) (updated, added int, err error) {
	res, err := m.fetcher.Fetch(ctx, rawURL, pricing.FetchOptions{Force: force, AllowedHosts: extraHosts})
	if err != nil {
		return 0, 0, fmt.Errorf("fetch pricing: %w", err)
	}
	return res.Updated, res.Added, nil
}
