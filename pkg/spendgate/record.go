package spendgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/amerfu/spendgate/internal/services/ledger"
	"github.com/amerfu/spendgate/pkg/events"
	"github.com/amerfu/spendgate/pkg/llm"
)

// Record settles a transformed request. Exactly one of three paths
// runs: a cache hit synthesizes the result and commits zero cost, a
// provider error releases the reservation, and a success commits the
// actual cost with full accounting. Record never re-raises accounting
// problems; callErr is returned as-is on the error path.
func (m *Middleware) Record(ctx context.Context, sc *Sidecar, result *llm.Result, callErr error) (*llm.Result, error) {
	if sc == nil {
		return result, callErr
	}
	if sc.DryRun {
		return result, callErr
	}

	if callErr != nil {
		m.releaseHeld(sc)
		return nil, callErr
	}

	if sc.CacheHit != nil {
		m.budget.Commit(sc.reservation, 0, sc.Model)
		if m.ledger != nil {
			m.ledger.Append(ledger.Entry{
				Model:     sc.Model,
				User:      sc.UserID,
				Feature:   ledger.FeatureCache,
				SavedCost: sc.CacheHit.SavedCost,
				Savings:   map[string]float64{"cache": sc.CacheHit.SavedCost},
			})
		}
		return &llm.Result{
			Text:         sc.CacheHit.Response,
			Model:        sc.Model,
			FinishReason: "cached",
		}, nil
	}

	if result == nil {
		m.releaseHeld(sc)
		return nil, errors.New("spendgate: nil result without error")
	}

	usage := result.Usage
	actual, price := m.table.Cost(sc.Model, usage.PromptTokens, usage.CompletionTokens)

	m.budget.Commit(sc.reservation, actual, sc.Model)
	m.breaker.RecordSpend(actual)

	savings := make(map[string]float64, 4)
	addSaving(savings, "context", tokensUSD(sc.ContextSaved, price.InputPerMillion))
	addSaving(savings, "compressor", tokensUSD(sc.CompressorSaved, price.InputPerMillion))
	addSaving(savings, "delta", tokensUSD(sc.DeltaSaved, price.InputPerMillion))
	addSaving(savings, "router", sc.RouterSavedUSD)
	var savedTotal float64
	for _, v := range savings {
		savedTotal += v
	}

	if m.ledger != nil {
		feature := ledger.FeatureModel
		if sc.Route != nil {
			feature = ledger.FeatureRouter
		}
		m.ledger.Append(ledger.Entry{
			Model:        sc.Model,
			User:         sc.UserID,
			Feature:      feature,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			ActualCost:   actual,
			SavedCost:    savedTotal,
			Savings:      savings,
		})
	}

	if m.anomaly != nil {
		if a, flagged := m.anomaly.Observe(actual); flagged {
			m.bus.Emit(events.AnomalyDetected, events.AnomalyPayload{
				UserID:   sc.UserID,
				Model:    sc.Model,
				CostUSD:  a.Cost,
				Mean:     a.Mean,
				StdDev:   a.StdDev,
				ZScore:   a.Z,
				Severity: a.Severity,
			})
		}
	}

	if sc.handle != nil {
		m.guard.CompleteRequest(sc.prompt, actual)
		sc.handle = nil
	}

	// The entry is keyed by the prompt and model as requested, so the
	// next identical request hits regardless of routing.
	if m.cache != nil && result.Text != "" {
		m.cache.Store(ctx, sc.OriginalModel, sc.prompt, result.Text, usage.PromptTokens, usage.CompletionTokens)
		m.bus.Emit(events.CacheStore, events.CachePayload{Model: sc.OriginalModel})
	}

	if m.cfg.OnUsage != nil {
		m.cfg.OnUsage(UsageReport{
			UserID:           sc.UserID,
			Model:            sc.Model,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			CostUSD:          actual,
			SavedUSD:         savedTotal,
		})
	}
	return result, nil
}

// Wrap runs the full pipeline around one provider call. The
// reservation settles exactly once on every path, including a
// panicking invoker, which comes back as an error.
func (m *Middleware) Wrap(ctx context.Context, params *llm.Params, invoke llm.Invoker) (*llm.Result, error) {
	transformed, sc, err := m.Transform(ctx, params)
	if err != nil {
		return nil, err
	}

	if sc.CacheHit != nil && !sc.DryRun {
		return m.Record(ctx, sc, nil, nil)
	}

	result, callErr := safeInvoke(ctx, invoke, transformed)
	return m.Record(ctx, sc, result, callErr)
}

func safeInvoke(ctx context.Context, invoke llm.Invoker, params *llm.Params) (result *llm.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("spendgate: model invocation panicked: %v", r)
		}
	}()
	return invoke(ctx, params)
}

func addSaving(savings map[string]float64, key string, usd float64) {
	if usd > 0 {
		savings[key] = usd
	}
}

func tokensUSD(tokens int, inputPerMillion float64) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) * inputPerMillion / 1e6
}
