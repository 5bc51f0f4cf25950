// Package routing picks the cheapest model able to handle a request,
// honoring provider, tier, capability, and context-window constraints.
// Requests above the complexity ceiling or held back for A/B
// comparison keep their original model.
package routing

import (
	"math/rand"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/services/complexity"
	"github.com/amerfu/spendgate/internal/services/pricing"
)

// Requests without an explicit output prediction assume this many
// completion tokens when estimating cost.
const defaultPredictedOutput = 500

// Score at or above which requests are never rerouted.
const defaultComplexityThreshold = 80.0

// TierRule pins a model for prompts scoring at or below its bound.
type TierRule struct {
	ModelID       string
	MaxComplexity float64
}

// Constraints narrow the candidate set for a single request.
type Constraints struct {
	AllowedProviders     []string
	MinTier              pricing.Tier
	MinContextWindow     int
	RequiredCapabilities []string
}

// Request carries the routing inputs for one call.
type Request struct {
	Model           string // requested model, the savings baseline
	Prompt          string // raw prompt text, for override hooks
	Score           complexity.Score
	PromptTokens    int
	PredictedOutput int
	Constraints     Constraints
}

// Decision reports the routing outcome. Model always names a usable
// target; when nothing better was found it equals the request model.
type Decision struct {
	Model            string
	Provider         string
	CrossProvider    bool
	SavingsVsDefault float64
	Holdback         bool
	Score            complexity.Score
	Reason           string
}

// Config tunes the router.
type Config struct {
	// Tiers, when set, maps complexity bounds to fixed models instead
	// of running the cheapest-candidate search.
	Tiers []TierRule
	// ComplexityThreshold is the score at or above which requests keep
	// their original model. 0 means the default of 80.
	ComplexityThreshold float64
	// ABTestHoldback is the fraction of requests (0..1) that skip
	// routing so their costs stay comparable to routed traffic.
	ABTestHoldback float64
	// CrossProvider permits rerouting to a different provider.
	CrossProvider bool
	// Override short-circuits every other rule for a request.
	// Returning "" declines to override.
	Override func(Request) string
	// Rand drives the holdback draw. Tests inject a fixed one.
	Rand   func() float64
	Logger *zap.Logger
}

// Router selects models against a price table. Safe for concurrent
// use; all state is read-only after construction.
type Router struct {
	table         *pricing.Table
	tiers         []TierRule
	threshold     float64
	holdback      float64
	crossProvider bool
	override      func(Request) string
	rng           func() float64
	logger        *zap.Logger
}

// New builds a router over the price table. A nil table uses the
// built-in registry.
func New(table *pricing.Table, cfg Config) *Router {
	if table == nil {
		table = pricing.New()
	}
	threshold := cfg.ComplexityThreshold
	if threshold <= 0 {
		threshold = defaultComplexityThreshold
	}
	holdback := cfg.ABTestHoldback
	if holdback < 0 {
		holdback = 0
	}
	if holdback > 1 {
		holdback = 1
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		table:         table,
		tiers:         append([]TierRule(nil), cfg.Tiers...),
		threshold:     threshold,
		holdback:      holdback,
		crossProvider: cfg.CrossProvider,
		override:      cfg.Override,
		rng:           rng,
		logger:        logger,
	}
}

// Route picks a model for the request.
func (r *Router) Route(req Request) Decision {
	predicted := req.PredictedOutput
	if predicted <= 0 {
		predicted = defaultPredictedOutput
	}
	def := r.table.Lookup(req.Model)
	defCost := r.table.EstimateCost(req.Model, req.PromptTokens, predicted)

	if r.override != nil {
		if m := r.override(req); m != "" {
			d := r.decisionFor(req, m, def.Provider, defCost, predicted, "override")
			r.logger.Debug("routing overridden", zap.String("model", m))
			return d
		}
	}

	if r.holdback > 0 && r.rng() < r.holdback {
		d := r.decisionFor(req, req.Model, def.Provider, defCost, predicted, "holdback")
		d.Holdback = true
		return d
	}

	if req.Score.Value >= r.threshold {
		return r.decisionFor(req, req.Model, def.Provider, defCost, predicted, "complexity-ceiling")
	}

	if len(r.tiers) > 0 {
		for _, rule := range r.tiers {
			if req.Score.Value <= rule.MaxComplexity {
				return r.decisionFor(req, rule.ModelID, def.Provider, defCost, predicted, "tier-rule")
			}
		}
		return r.decisionFor(req, req.Model, def.Provider, defCost, predicted, "tier-exhausted")
	}

	best, ok := r.cheapest(req, def.Provider, predicted)
	if !ok {
		return r.decisionFor(req, req.Model, def.Provider, defCost, predicted, "no-candidate")
	}
	d := Decision{
		Model:            best.id,
		Provider:         best.price.Provider,
		CrossProvider:    best.price.Provider != def.Provider,
		SavingsVsDefault: defCost - best.cost,
		Score:            req.Score,
		Reason:           "cheapest",
	}
	if d.Model != req.Model {
		r.logger.Debug("request rerouted",
			zap.String("from", req.Model),
			zap.String("to", d.Model),
			zap.Float64("savings_usd", d.SavingsVsDefault),
		)
	}
	return d
}

func (r *Router) decisionFor(req Request, target, defProvider string, defCost float64, predicted int, reason string) Decision {
	p := r.table.Lookup(target)
	cost := r.table.EstimateCost(target, req.PromptTokens, predicted)
	return Decision{
		Model:            target,
		Provider:         p.Provider,
		CrossProvider:    p.Provider != defProvider,
		SavingsVsDefault: defCost - cost,
		Score:            req.Score,
		Reason:           reason,
	}
}

type candidate struct {
	id    string
	price pricing.Price
	cost  float64
}

// cheapest runs the constrained search. Candidates must satisfy every
// request constraint, sit at or above the recommended tier, and fit
// the predicted token usage in their context window.
func (r *Router) cheapest(req Request, defProvider string, predicted int) (candidate, bool) {
	minTier := req.Score.RecommendedTier
	if req.Constraints.MinTier > minTier {
		minTier = req.Constraints.MinTier
	}
	needed := req.PromptTokens + predicted

	var out []candidate
	for id, p := range r.table.Snapshot() {
		if p.Tier < minTier {
			continue
		}
		if !r.crossProvider && p.Provider != defProvider {
			continue
		}
		if len(req.Constraints.AllowedProviders) > 0 && !containsFold(req.Constraints.AllowedProviders, p.Provider) {
			continue
		}
		if req.Constraints.MinContextWindow > 0 && p.ContextWindow < req.Constraints.MinContextWindow {
			continue
		}
		if p.ContextWindow > 0 && needed > p.ContextWindow {
			continue
		}
		if !hasAll(p, req.Constraints.RequiredCapabilities) {
			continue
		}
		out = append(out, candidate{id: id, price: p, cost: r.table.EstimateCost(id, req.PromptTokens, predicted)})
	}
	if len(out) == 0 {
		return candidate{}, false
	}
	// Model id breaks cost ties so map iteration order never shows.
	sort.Slice(out, func(i, j int) bool {
		if out[i].cost != out[j].cost {
			return out[i].cost < out[j].cost
		}
		return out[i].id < out[j].id
	})
	return out[0], true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func hasAll(p pricing.Price, caps []string) bool {
	for _, c := range caps {
		if !p.HasCapability(c) {
			return false
		}
	}
	return true
}
