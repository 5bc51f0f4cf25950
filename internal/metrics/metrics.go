// Package metrics exposes Prometheus collectors for the middleware
// and an observer that feeds them from the event bus. Collectors
// register on the default registry, so promhttp.Handler serves them
// without extra wiring.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/amerfu/spendgate/pkg/events"
)

var (
	// Admission metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_requests_total",
			Help: "Total number of requests seen, by admission outcome",
		},
		[]string{"outcome"}, // outcome: allowed, blocked
	)

	blockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_blocked_total",
			Help: "Total number of blocked requests by reason",
		},
		[]string{"reason"},
	)

	// Cache metrics
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"match_type"}, // exact or fuzzy
	)

	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spendgate_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	cacheStores = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spendgate_cache_stores_total",
			Help: "Total number of responses written to the cache",
		},
	)

	// Spend metrics
	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_tokens_total",
			Help: "Total number of tokens billed",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)

	costTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_cost_usd_total",
			Help: "Total spend in USD by model",
		},
		[]string{"model"},
	)

	savedUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_saved_usd_total",
			Help: "Total avoided spend in USD by model",
		},
		[]string{"model"},
	)

	savedTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_saved_tokens_total",
			Help: "Total tokens shaved off prompts by module",
		},
		[]string{"module"}, // context, compressor, delta, cache
	)

	// Routing metrics
	reroutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_reroutes_total",
			Help: "Total number of requests moved to a cheaper model",
		},
		[]string{"cross_provider"},
	)

	holdbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spendgate_holdbacks_total",
			Help: "Total number of requests held back from routing for baseline comparison",
		},
	)

	// Breaker and budget metrics
	breakerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_breaker_events_total",
			Help: "Total number of circuit breaker warnings and trips",
		},
		[]string{"window", "state"}, // state: warning, tripped
	)

	breakerPercentUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendgate_breaker_percent_used",
			Help: "Last reported share of a breaker window limit already spent",
		},
		[]string{"window"},
	)

	budgetEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_budget_events_total",
			Help: "Total number of user budget warnings and rejections",
		},
		[]string{"kind"}, // kind: warning, exceeded
	)

	// Anomaly metrics
	anomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_anomalies_total",
			Help: "Total number of cost anomalies by severity",
		},
		[]string{"severity"},
	)

	// Stream metrics
	streamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_stream_events_total",
			Help: "Total number of streaming lifecycle events",
		},
		[]string{"kind"}, // kind: chunk, abort, complete
	)

	// Error metrics
	storageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_storage_errors_total",
			Help: "Total number of persistence failures by operation",
		},
		[]string{"op"},
	)

	pricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_pricing_fallbacks_total",
			Help: "Total number of cost estimates that used fallback rates",
		},
		[]string{"model"},
	)

	// Ops server metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_http_requests_total",
			Help: "Total number of ops server requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spendgate_http_request_duration_seconds",
			Help:    "Ops server request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// reservationSource is read at scrape time by the gauge below. Stored
// as a value so swapping instances never races a scrape.
var reservationSource atomic.Value // func() float64

var inflightReservations = promauto.NewGaugeFunc(
	prometheus.GaugeOpts{
		Name: "spendgate_inflight_reservations",
		Help: "US dollars reserved against user budgets for requests still in flight",
	},
	func() float64 {
		if f, ok := reservationSource.Load().(func() float64); ok && f != nil {
			return f()
		}
		return 0
	},
)

// SetReservationSource installs the reader behind the in-flight
// reservation gauge, typically a closure over the middleware's budget
// stats. Pass nil to freeze the gauge at zero.
func SetReservationSource(f func() float64) {
	if f == nil {
		f = func() float64 { return 0 }
	}
	reservationSource.Store(f)
}

// RecordHTTPRequest feeds the ops server's request series. endpoint
// should be the route pattern, not the raw path.
func RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Observer pumps bus events into the package collectors. One observer
// per middleware instance; the collectors themselves are process-wide.
type Observer struct {
	unsubscribe func()
}

// Attach subscribes to every event on the bus and returns the
// observer handle. Detach with Dispose.
func Attach(bus *events.Bus) *Observer {
	o := &Observer{}
	if bus != nil {
		o.unsubscribe = bus.SubscribeAll(observe)
	}
	return o
}

// Dispose stops feeding the collectors. Recorded values remain.
func (o *Observer) Dispose() {
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
}

func observe(evt events.Event) {
	switch p := evt.Payload.(type) {
	case events.AllowedPayload:
		requestsTotal.WithLabelValues("allowed").Inc()
	case events.BlockedPayload:
		requestsTotal.WithLabelValues("blocked").Inc()
		blockedTotal.WithLabelValues(p.Reason).Inc()
	case events.CachePayload:
		switch evt.Type {
		case events.CacheHit:
			cacheHits.WithLabelValues(p.MatchType).Inc()
			savedTokens.WithLabelValues("cache").Add(float64(p.SavedTokens))
		case events.CacheMiss:
			cacheMisses.Inc()
		case events.CacheStore:
			cacheStores.Inc()
		}
	case events.TrimPayload:
		savedTokens.WithLabelValues("context").Add(float64(p.SavedTokens))
	case events.CompressPayload:
		savedTokens.WithLabelValues("compressor").Add(float64(p.SavedTokens))
	case events.DeltaPayload:
		savedTokens.WithLabelValues("delta").Add(float64(p.SavedTokens))
	case events.RoutePayload:
		if evt.Type == events.RouterHoldback {
			holdbacksTotal.Inc()
		} else {
			reroutesTotal.WithLabelValues(strconv.FormatBool(p.CrossProvider)).Inc()
		}
	case events.LedgerPayload:
		tokensTotal.WithLabelValues(p.Model, "prompt").Add(float64(p.PromptTokens))
		tokensTotal.WithLabelValues(p.Model, "completion").Add(float64(p.CompletionTokens))
		costTotal.WithLabelValues(p.Model).Add(p.CostUSD)
		savedUSD.WithLabelValues(p.Model).Add(p.SavedUSD)
	case events.BreakerPayload:
		state := "warning"
		if evt.Type == events.BreakerTripped {
			state = "tripped"
		}
		breakerEvents.WithLabelValues(p.Window, state).Inc()
		breakerPercentUsed.WithLabelValues(p.Window).Set(p.PercentUsed)
	case events.BudgetPayload:
		kind := "warning"
		if evt.Type == events.BudgetExceeded {
			kind = "exceeded"
		}
		budgetEvents.WithLabelValues(kind).Inc()
	case events.StreamPayload:
		switch evt.Type {
		case events.StreamAbort:
			streamEvents.WithLabelValues("abort").Inc()
		case events.StreamComplete:
			streamEvents.WithLabelValues("complete").Inc()
		default:
			streamEvents.WithLabelValues("chunk").Inc()
		}
	case events.AnomalyPayload:
		anomaliesTotal.WithLabelValues(p.Severity).Inc()
	case events.StoragePayload:
		storageErrors.WithLabelValues(p.Op).Inc()
	case events.FallbackPayload:
		pricingFallbacks.WithLabelValues(p.Model).Inc()
	}
}
