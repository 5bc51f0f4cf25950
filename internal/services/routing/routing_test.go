package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/spendgate/internal/services/complexity"
	"github.com/amerfu/spendgate/internal/services/pricing"
)

func newTable() *pricing.Table {
	t := pricing.NewEmpty()
	t.Register("alpha-large", pricing.Price{
		InputPerMillion: 10, OutputPerMillion: 30, ContextWindow: 128000,
		Provider: "alpha", Tier: pricing.TierPremium, Capabilities: []string{"chat", "vision"},
	})
	t.Register("alpha-medium", pricing.Price{
		InputPerMillion: 2, OutputPerMillion: 8, ContextWindow: 128000,
		Provider: "alpha", Tier: pricing.TierStandard, Capabilities: []string{"chat"},
	})
	t.Register("alpha-lite", pricing.Price{
		InputPerMillion: 0.5, OutputPerMillion: 1.5, ContextWindow: 16000,
		Provider: "alpha", Tier: pricing.TierBudget, Capabilities: []string{"chat"},
	})
	t.Register("beta-lite", pricing.Price{
		InputPerMillion: 0.1, OutputPerMillion: 0.4, ContextWindow: 32000,
		Provider: "beta", Tier: pricing.TierBudget, Capabilities: []string{"chat", "vision"},
	})
	return t
}

func trivialScore() complexity.Score {
	return complexity.Score{Value: 10, Level: complexity.LevelTrivial, RecommendedTier: pricing.TierBudget}
}

func baseRequest() Request {
	return Request{
		Model:           "alpha-large",
		Score:           trivialScore(),
		PromptTokens:    1000,
		PredictedOutput: 500,
	}
}

// alpha-large at 1000 prompt + 500 completion tokens.
const defaultCost = 0.025

func TestCheapestSameProvider(t *testing.T) {
	r := New(newTable(), Config{})

	d := r.Route(baseRequest())
	assert.Equal(t, "alpha-lite", d.Model)
	assert.Equal(t, "alpha", d.Provider)
	assert.False(t, d.CrossProvider)
	assert.False(t, d.Holdback)
	assert.InDelta(t, defaultCost-0.00125, d.SavingsVsDefault, 1e-12)
	assert.Equal(t, "cheapest", d.Reason)
}

func TestCrossProvider(t *testing.T) {
	r := New(newTable(), Config{CrossProvider: true})

	d := r.Route(baseRequest())
	assert.Equal(t, "beta-lite", d.Model)
	assert.Equal(t, "beta", d.Provider)
	assert.True(t, d.CrossProvider)
	assert.InDelta(t, defaultCost-0.0003, d.SavingsVsDefault, 1e-12)
}

func TestPredictedOutputDefaults(t *testing.T) {
	r := New(newTable(), Config{})

	req := baseRequest()
	req.PredictedOutput = 0
	d := r.Route(req)
	assert.Equal(t, "alpha-lite", d.Model)
	assert.InDelta(t, defaultCost-0.00125, d.SavingsVsDefault, 1e-12, "500-token prediction assumed")
}

func TestConstraints(t *testing.T) {
	t.Run("min context window", func(t *testing.T) {
		r := New(newTable(), Config{})
		req := baseRequest()
		req.Constraints.MinContextWindow = 20000
		d := r.Route(req)
		assert.Equal(t, "alpha-medium", d.Model)
		assert.InDelta(t, defaultCost-0.006, d.SavingsVsDefault, 1e-12)
	})

	t.Run("required capability same provider", func(t *testing.T) {
		r := New(newTable(), Config{})
		req := baseRequest()
		req.Constraints.RequiredCapabilities = []string{"vision"}
		d := r.Route(req)
		assert.Equal(t, "alpha-large", d.Model, "only the original model has vision on alpha")
		assert.InDelta(t, 0, d.SavingsVsDefault, 1e-12)
	})

	t.Run("required capability cross provider", func(t *testing.T) {
		r := New(newTable(), Config{CrossProvider: true})
		req := baseRequest()
		req.Constraints.RequiredCapabilities = []string{"vision"}
		d := r.Route(req)
		assert.Equal(t, "beta-lite", d.Model)
	})

	t.Run("allowed providers", func(t *testing.T) {
		r := New(newTable(), Config{CrossProvider: true})
		req := baseRequest()
		req.Constraints.AllowedProviders = []string{"Beta"}
		d := r.Route(req)
		assert.Equal(t, "beta-lite", d.Model, "provider names compare case-insensitively")
	})

	t.Run("recommended tier floors candidates", func(t *testing.T) {
		r := New(newTable(), Config{})
		req := baseRequest()
		req.Score = complexity.Score{Value: 60, Level: complexity.LevelComplex, RecommendedTier: pricing.TierPremium}
		d := r.Route(req)
		assert.Equal(t, "alpha-large", d.Model)
		assert.InDelta(t, 0, d.SavingsVsDefault, 1e-12)
	})

	t.Run("explicit min tier", func(t *testing.T) {
		r := New(newTable(), Config{})
		req := baseRequest()
		req.Constraints.MinTier = pricing.TierStandard
		d := r.Route(req)
		assert.Equal(t, "alpha-medium", d.Model)
	})

	t.Run("nothing qualifies", func(t *testing.T) {
		r := New(newTable(), Config{})
		req := baseRequest()
		req.Constraints.RequiredCapabilities = []string{"audio"}
		d := r.Route(req)
		assert.Equal(t, "alpha-large", d.Model)
		assert.InDelta(t, 0, d.SavingsVsDefault, 1e-12)
		assert.Equal(t, "no-candidate", d.Reason)
	})
}

func TestContextWindowFitsUsage(t *testing.T) {
	r := New(newTable(), Config{})

	req := baseRequest()
	req.PromptTokens = 20000
	d := r.Route(req)
	assert.Equal(t, "alpha-medium", d.Model, "20500 tokens do not fit alpha-lite's window")
	assert.InDelta(t, 0.215-0.044, d.SavingsVsDefault, 1e-12)
}

func TestComplexityCeiling(t *testing.T) {
	t.Run("default threshold", func(t *testing.T) {
		r := New(newTable(), Config{})
		req := baseRequest()
		req.Score.Value = 85
		d := r.Route(req)
		assert.Equal(t, "alpha-large", d.Model)
		assert.Equal(t, "complexity-ceiling", d.Reason)
		assert.InDelta(t, 0, d.SavingsVsDefault, 1e-12)
	})

	t.Run("raised threshold routes again", func(t *testing.T) {
		r := New(newTable(), Config{ComplexityThreshold: 90})
		req := baseRequest()
		req.Score.Value = 85
		d := r.Route(req)
		assert.Equal(t, "alpha-lite", d.Model)
	})
}

func TestHoldback(t *testing.T) {
	t.Run("draw below fraction skips routing", func(t *testing.T) {
		r := New(newTable(), Config{
			ABTestHoldback: 0.5,
			Rand:           func() float64 { return 0.4 },
		})
		d := r.Route(baseRequest())
		assert.True(t, d.Holdback)
		assert.Equal(t, "alpha-large", d.Model)
		assert.InDelta(t, 0, d.SavingsVsDefault, 1e-12)
		assert.Equal(t, "holdback", d.Reason)
	})

	t.Run("draw above fraction routes", func(t *testing.T) {
		r := New(newTable(), Config{
			ABTestHoldback: 0.5,
			Rand:           func() float64 { return 0.6 },
		})
		d := r.Route(baseRequest())
		assert.False(t, d.Holdback)
		assert.Equal(t, "alpha-lite", d.Model)
	})

	t.Run("full holdback", func(t *testing.T) {
		r := New(newTable(), Config{
			ABTestHoldback: 1.0,
			Rand:           func() float64 { return 0.999 },
		})
		d := r.Route(baseRequest())
		assert.True(t, d.Holdback)
	})

	t.Run("zero holdback never draws", func(t *testing.T) {
		r := New(newTable(), Config{
			Rand: func() float64 {
				t.Fatal("rand consulted with holdback disabled")
				return 0
			},
		})
		d := r.Route(baseRequest())
		assert.False(t, d.Holdback)
	})
}

func TestOverride(t *testing.T) {
	r := New(newTable(), Config{
		ABTestHoldback: 1.0,
		Rand: func() float64 {
			t.Fatal("rand consulted despite override")
			return 0
		},
		Override: func(Request) string { return "alpha-medium" },
	})

	d := r.Route(baseRequest())
	assert.Equal(t, "alpha-medium", d.Model)
	assert.Equal(t, "override", d.Reason)
	assert.False(t, d.CrossProvider)
	assert.InDelta(t, defaultCost-0.006, d.SavingsVsDefault, 1e-12)
}

func TestOverrideDeclines(t *testing.T) {
	r := New(newTable(), Config{
		Override: func(Request) string { return "" },
	})

	d := r.Route(baseRequest())
	assert.Equal(t, "alpha-lite", d.Model, "empty override falls through to routing")
}

func TestTierTable(t *testing.T) {
	cfg := Config{Tiers: []TierRule{
		{ModelID: "alpha-lite", MaxComplexity: 30},
		{ModelID: "alpha-medium", MaxComplexity: 60},
	}}

	route := func(t *testing.T, value float64) Decision {
		t.Helper()
		r := New(newTable(), cfg)
		req := baseRequest()
		req.Score.Value = value
		return r.Route(req)
	}

	t.Run("first matching rule wins", func(t *testing.T) {
		d := route(t, 10)
		require.Equal(t, "alpha-lite", d.Model)
		assert.Equal(t, "tier-rule", d.Reason)
		assert.InDelta(t, defaultCost-0.00125, d.SavingsVsDefault, 1e-12)
	})

	t.Run("bound is inclusive", func(t *testing.T) {
		d := route(t, 30)
		assert.Equal(t, "alpha-lite", d.Model)
	})

	t.Run("second rule", func(t *testing.T) {
		d := route(t, 45)
		assert.Equal(t, "alpha-medium", d.Model)
	})

	t.Run("exhausted table keeps default", func(t *testing.T) {
		d := route(t, 70)
		assert.Equal(t, "alpha-large", d.Model)
		assert.Equal(t, "tier-exhausted", d.Reason)
		assert.InDelta(t, 0, d.SavingsVsDefault, 1e-12)
	})

	t.Run("ceiling applies before rules", func(t *testing.T) {
		d := route(t, 85)
		assert.Equal(t, "alpha-large", d.Model)
		assert.Equal(t, "complexity-ceiling", d.Reason)
	})
}

func TestCostTieBreaksOnModelID(t *testing.T) {
	table := newTable()
	table.Register("tie-b", pricing.Price{
		InputPerMillion: 0.05, OutputPerMillion: 0.1, ContextWindow: 64000,
		Provider: "alpha", Tier: pricing.TierBudget, Capabilities: []string{"chat"},
	})
	table.Register("tie-a", pricing.Price{
		InputPerMillion: 0.05, OutputPerMillion: 0.1, ContextWindow: 64000,
		Provider: "alpha", Tier: pricing.TierBudget, Capabilities: []string{"chat"},
	})
	r := New(table, Config{})

	d := r.Route(baseRequest())
	assert.Equal(t, "tie-a", d.Model)
}
