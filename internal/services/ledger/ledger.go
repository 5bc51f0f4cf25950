// Package ledger keeps the append-only record of actual spend and the
// savings attributed to each optimization. Entries are never mutated;
// rollups are derived from running totals so ring eviction does not
// lose history.
package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/spendgate/pkg/events"
)

const defaultMaxEntries = 10000

// Feature values recorded on entries, naming the path that produced
// them.
const (
	FeatureCache  = "cache"
	FeatureRouter = "router"
	FeatureModel  = "model"
)

// Entry is one spend record. SavedCost aggregates every optimization
// applied to the request; Savings breaks it down per feature.
type Entry struct {
	Timestamp    time.Time          `json:"timestamp"`
	Model        string             `json:"model"`
	User         string             `json:"user,omitempty"`
	Feature      string             `json:"feature,omitempty"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	ActualCost   float64            `json:"actual_cost"`
	SavedCost    float64            `json:"saved_cost"`
	Savings      map[string]float64 `json:"savings,omitempty"`
}

// ModelTotals aggregates entries for one model.
type ModelTotals struct {
	Entries      int64   `json:"entries"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	ActualCost   float64 `json:"actual_cost"`
	SavedCost    float64 `json:"saved_cost"`
}

// Summary is a point-in-time rollup over the full append history,
// including entries the ring has already evicted.
type Summary struct {
	TotalEntries      int64                  `json:"total_entries"`
	TotalActualCost   float64                `json:"total_actual_cost"`
	TotalSavedCost    float64                `json:"total_saved_cost"`
	TotalInputTokens  int64                  `json:"total_input_tokens"`
	TotalOutputTokens int64                  `json:"total_output_tokens"`
	ByModel           map[string]ModelTotals `json:"by_model"`
	ByFeature         map[string]float64     `json:"by_feature"`
	Since             time.Time              `json:"since"`
}

type Config struct {
	// MaxEntries caps the retained ring; older entries are dropped
	// but stay counted in the running totals.
	MaxEntries int
	Bus        *events.Bus
	Logger     *zap.Logger
}

// Ledger is safe for concurrent use. A single mutex covers appends and
// snapshot reads; event emission happens outside the lock.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	max     int

	totalEntries int64
	totalActual  float64
	totalSaved   float64
	totalIn      int64
	totalOut     int64
	byModel      map[string]*ModelTotals
	byFeature    map[string]float64
	since        time.Time

	bus    *events.Bus
	logger *zap.Logger
}

func New(cfg Config) *Ledger {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Ledger{
		entries:   make([]Entry, 0, 64),
		max:       cfg.MaxEntries,
		byModel:   make(map[string]*ModelTotals),
		byFeature: make(map[string]float64),
		since:     time.Now(),
		bus:       cfg.Bus,
		logger:    cfg.Logger,
	}
}

// Append records one entry. A zero Timestamp is stamped with the
// current time. Emits ledger:entry when a bus is wired.
func (l *Ledger) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		// Drop the oldest; totals keep the full history.
		over := len(l.entries) - l.max
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}

	l.totalEntries++
	l.totalActual += e.ActualCost
	l.totalSaved += e.SavedCost
	l.totalIn += int64(e.InputTokens)
	l.totalOut += int64(e.OutputTokens)

	mt := l.byModel[e.Model]
	if mt == nil {
		mt = &ModelTotals{}
		l.byModel[e.Model] = mt
	}
	mt.Entries++
	mt.InputTokens += int64(e.InputTokens)
	mt.OutputTokens += int64(e.OutputTokens)
	mt.ActualCost += e.ActualCost
	mt.SavedCost += e.SavedCost

	if e.Feature != "" {
		l.byFeature[e.Feature] += e.SavedCost
	}
	for feature, saved := range e.Savings {
		l.byFeature[feature] += saved
	}
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Emit(events.LedgerEntry, events.LedgerPayload{
			UserID:           e.User,
			Model:            e.Model,
			Feature:          e.Feature,
			PromptTokens:     e.InputTokens,
			CompletionTokens: e.OutputTokens,
			CostUSD:          e.ActualCost,
			SavedUSD:         e.SavedCost,
			Savings:          e.Savings,
			CacheHit:         e.Feature == FeatureCache,
		})
	}
	l.logger.Debug("ledger entry",
		zap.String("model", e.Model),
		zap.Float64("cost_usd", e.ActualCost),
		zap.Float64("saved_usd", e.SavedCost))
}

// Summary returns the rollup over everything ever appended.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	byModel := make(map[string]ModelTotals, len(l.byModel))
	for model, mt := range l.byModel {
		byModel[model] = *mt
	}
	byFeature := make(map[string]float64, len(l.byFeature))
	for feature, saved := range l.byFeature {
		byFeature[feature] = saved
	}
	return Summary{
		TotalEntries:      l.totalEntries,
		TotalActualCost:   l.totalActual,
		TotalSavedCost:    l.totalSaved,
		TotalInputTokens:  l.totalIn,
		TotalOutputTokens: l.totalOut,
		ByModel:           byModel,
		ByFeature:         byFeature,
		Since:             l.since,
	}
}

// Recent returns up to n retained entries, newest first.
func (l *Ledger) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(l.entries) - 1; i >= len(l.entries)-n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len reports the number of retained entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
