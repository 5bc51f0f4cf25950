package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/amerfu/spendgate/pkg/events"
)

// Collectors live on the default registry, so every assertion works
// on deltas against the value captured before publishing.

func TestObserverCounts(t *testing.T) {
	bus := events.New(nil)
	o := Attach(bus)
	defer o.Dispose()

	allowedBefore := testutil.ToFloat64(requestsTotal.WithLabelValues("allowed"))
	blockedBefore := testutil.ToFloat64(requestsTotal.WithLabelValues("blocked"))
	reasonBefore := testutil.ToFloat64(blockedTotal.WithLabelValues("rate-limited"))
	hitsBefore := testutil.ToFloat64(cacheHits.WithLabelValues("fuzzy"))
	missesBefore := testutil.ToFloat64(cacheMisses)
	storesBefore := testutil.ToFloat64(cacheStores)
	cacheSavedBefore := testutil.ToFloat64(savedTokens.WithLabelValues("cache"))
	contextSavedBefore := testutil.ToFloat64(savedTokens.WithLabelValues("context"))
	compressSavedBefore := testutil.ToFloat64(savedTokens.WithLabelValues("compressor"))
	deltaSavedBefore := testutil.ToFloat64(savedTokens.WithLabelValues("delta"))
	promptBefore := testutil.ToFloat64(tokensTotal.WithLabelValues("m1", "prompt"))
	completionBefore := testutil.ToFloat64(tokensTotal.WithLabelValues("m1", "completion"))
	costBefore := testutil.ToFloat64(costTotal.WithLabelValues("m1"))
	savedBefore := testutil.ToFloat64(savedUSD.WithLabelValues("m1"))
	reroutesBefore := testutil.ToFloat64(reroutesTotal.WithLabelValues("false"))
	holdbacksBefore := testutil.ToFloat64(holdbacksTotal)
	warnBefore := testutil.ToFloat64(breakerEvents.WithLabelValues("hour", "warning"))
	tripBefore := testutil.ToFloat64(breakerEvents.WithLabelValues("day", "tripped"))
	budgetWarnBefore := testutil.ToFloat64(budgetEvents.WithLabelValues("warning"))
	budgetExceededBefore := testutil.ToFloat64(budgetEvents.WithLabelValues("exceeded"))
	anomaliesBefore := testutil.ToFloat64(anomaliesTotal.WithLabelValues("critical"))
	chunksBefore := testutil.ToFloat64(streamEvents.WithLabelValues("chunk"))
	abortsBefore := testutil.ToFloat64(streamEvents.WithLabelValues("abort"))
	completesBefore := testutil.ToFloat64(streamEvents.WithLabelValues("complete"))
	storageBefore := testutil.ToFloat64(storageErrors.WithLabelValues("save"))
	fallbacksBefore := testutil.ToFloat64(pricingFallbacks.WithLabelValues("mystery-model"))

	bus.Emit(events.RequestAllowed, events.AllowedPayload{Model: "m1"})
	bus.Emit(events.RequestAllowed, events.AllowedPayload{Model: "m1"})
	bus.Emit(events.RequestBlocked, events.BlockedPayload{Reason: "rate-limited"})
	bus.Emit(events.CacheHit, events.CachePayload{Model: "m1", MatchType: "fuzzy", SavedTokens: 120})
	bus.Emit(events.CacheMiss, events.CachePayload{Model: "m1"})
	bus.Emit(events.CacheStore, events.CachePayload{Model: "m1"})
	bus.Emit(events.ContextTrimmed, events.TrimPayload{DroppedMessages: 2, SavedTokens: 40})
	bus.Emit(events.CompressApplied, events.CompressPayload{SavedTokens: 10})
	bus.Emit(events.DeltaApplied, events.DeltaPayload{SavedTokens: 5})
	bus.Emit(events.RouterDowngrade, events.RoutePayload{FromModel: "m1", ToModel: "m2"})
	bus.Emit(events.RouterHoldback, events.RoutePayload{FromModel: "m1"})
	bus.Emit(events.LedgerEntry, events.LedgerPayload{
		Model: "m1", PromptTokens: 100, CompletionTokens: 50, CostUSD: 0.012, SavedUSD: 0.03,
	})
	bus.Emit(events.BreakerWarning, events.BreakerPayload{Window: "hour", PercentUsed: 80})
	bus.Emit(events.BreakerTripped, events.BreakerPayload{Window: "day", PercentUsed: 101})
	bus.Emit(events.BudgetWarning, events.BudgetPayload{UserID: "u-1", Window: "daily"})
	bus.Emit(events.BudgetExceeded, events.BudgetPayload{UserID: "u-1", Window: "daily"})
	bus.Emit(events.StreamChunk, events.StreamPayload{RequestID: "r1"})
	bus.Emit(events.StreamAbort, events.StreamPayload{RequestID: "r1", Reason: "budget"})
	bus.Emit(events.StreamComplete, events.StreamPayload{RequestID: "r1"})
	bus.Emit(events.AnomalyDetected, events.AnomalyPayload{Severity: "critical", ZScore: 9})
	bus.Emit(events.StorageError, events.StoragePayload{Op: "save", Error: "redis down"})
	bus.Emit(events.CostFallback, events.FallbackPayload{Model: "mystery-model"})

	assert.Equal(t, allowedBefore+2, testutil.ToFloat64(requestsTotal.WithLabelValues("allowed")))
	assert.Equal(t, blockedBefore+1, testutil.ToFloat64(requestsTotal.WithLabelValues("blocked")))
	assert.Equal(t, reasonBefore+1, testutil.ToFloat64(blockedTotal.WithLabelValues("rate-limited")))
	assert.Equal(t, hitsBefore+1, testutil.ToFloat64(cacheHits.WithLabelValues("fuzzy")))
	assert.Equal(t, missesBefore+1, testutil.ToFloat64(cacheMisses))
	assert.Equal(t, storesBefore+1, testutil.ToFloat64(cacheStores))
	assert.Equal(t, cacheSavedBefore+120, testutil.ToFloat64(savedTokens.WithLabelValues("cache")))
	assert.Equal(t, contextSavedBefore+40, testutil.ToFloat64(savedTokens.WithLabelValues("context")))
	assert.Equal(t, compressSavedBefore+10, testutil.ToFloat64(savedTokens.WithLabelValues("compressor")))
	assert.Equal(t, deltaSavedBefore+5, testutil.ToFloat64(savedTokens.WithLabelValues("delta")))
	assert.Equal(t, promptBefore+100, testutil.ToFloat64(tokensTotal.WithLabelValues("m1", "prompt")))
	assert.Equal(t, completionBefore+50, testutil.ToFloat64(tokensTotal.WithLabelValues("m1", "completion")))
	assert.InDelta(t, costBefore+0.012, testutil.ToFloat64(costTotal.WithLabelValues("m1")), 1e-9)
	assert.InDelta(t, savedBefore+0.03, testutil.ToFloat64(savedUSD.WithLabelValues("m1")), 1e-9)
	assert.Equal(t, reroutesBefore+1, testutil.ToFloat64(reroutesTotal.WithLabelValues("false")))
	assert.Equal(t, holdbacksBefore+1, testutil.ToFloat64(holdbacksTotal))
	assert.Equal(t, warnBefore+1, testutil.ToFloat64(breakerEvents.WithLabelValues("hour", "warning")))
	assert.Equal(t, tripBefore+1, testutil.ToFloat64(breakerEvents.WithLabelValues("day", "tripped")))
	assert.Equal(t, 80.0, testutil.ToFloat64(breakerPercentUsed.WithLabelValues("hour")))
	assert.Equal(t, 101.0, testutil.ToFloat64(breakerPercentUsed.WithLabelValues("day")))
	assert.Equal(t, budgetWarnBefore+1, testutil.ToFloat64(budgetEvents.WithLabelValues("warning")))
	assert.Equal(t, budgetExceededBefore+1, testutil.ToFloat64(budgetEvents.WithLabelValues("exceeded")))
	assert.Equal(t, anomaliesBefore+1, testutil.ToFloat64(anomaliesTotal.WithLabelValues("critical")))
	assert.Equal(t, chunksBefore+1, testutil.ToFloat64(streamEvents.WithLabelValues("chunk")))
	assert.Equal(t, abortsBefore+1, testutil.ToFloat64(streamEvents.WithLabelValues("abort")))
	assert.Equal(t, completesBefore+1, testutil.ToFloat64(streamEvents.WithLabelValues("complete")))
	assert.Equal(t, storageBefore+1, testutil.ToFloat64(storageErrors.WithLabelValues("save")))
	assert.Equal(t, fallbacksBefore+1, testutil.ToFloat64(pricingFallbacks.WithLabelValues("mystery-model")))
}

func TestDisposeStopsObserving(t *testing.T) {
	bus := events.New(nil)
	o := Attach(bus)

	before := testutil.ToFloat64(requestsTotal.WithLabelValues("allowed"))
	bus.Emit(events.RequestAllowed, events.AllowedPayload{Model: "m1"})
	assert.Equal(t, before+1, testutil.ToFloat64(requestsTotal.WithLabelValues("allowed")))

	o.Dispose()
	bus.Emit(events.RequestAllowed, events.AllowedPayload{Model: "m1"})
	assert.Equal(t, before+1, testutil.ToFloat64(requestsTotal.WithLabelValues("allowed")))
}

func TestAttachNilBus(t *testing.T) {
	o := Attach(nil)
	assert.NotPanics(t, o.Dispose)
}

func TestReservationGaugeReadsThroughSource(t *testing.T) {
	SetReservationSource(func() float64 { return 3.25 })
	assert.InDelta(t, 3.25, testutil.ToFloat64(inflightReservations), 1e-9)

	SetReservationSource(nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(inflightReservations))
}

func TestRecordHTTPRequest(t *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/stats", "200"))
	RecordHTTPRequest("GET", "/stats", 200, 12*time.Millisecond)
	RecordHTTPRequest("GET", "/stats", 200, 40*time.Millisecond)
	assert.Equal(t, before+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/stats", "200")))
}
