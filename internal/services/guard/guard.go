// Package guard makes per-request admission decisions: length and
// token caps, duplicate suppression, debounce, rate limiting, and an
// hourly cost gate. The guard does not know about models or pricing;
// callers hand it the estimated cost of the request being checked.
package guard

import (
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/textutil"
)

// Block reasons, surfaced through the pipeline's Blocked error.
const (
	ReasonTooShort      = "too_short"
	ReasonInputTooLarge = "input_too_large"
	ReasonDeduped       = "deduped"
	ReasonInFlight      = "in_flight"
	ReasonDebounced     = "debounced"
	ReasonRateLimited   = "rate_limited"
	ReasonHourlyCostCap = "hourly_cost_cap"
)

const (
	rateWindow    = time.Minute
	costWindow    = time.Hour
	inFlightStale = 5 * time.Minute
)

// Config for the guard. Zero values take the documented defaults;
// DeduplicateWindow and MaxInputTokens are disabled at zero.
type Config struct {
	Debounce             time.Duration
	MaxRequestsPerMinute int
	MaxCostPerHour       float64
	DeduplicateWindow    time.Duration
	MinInputLength       int
	MaxInputTokens       int
	Logger               *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Debounce == 0 {
		c.Debounce = 300 * time.Millisecond
	}
	if c.MaxRequestsPerMinute == 0 {
		c.MaxRequestsPerMinute = 60
	}
	if c.MaxCostPerHour == 0 {
		c.MaxCostPerHour = 10
	}
	if c.MinInputLength == 0 {
		c.MinInputLength = 2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed       bool
	Reason        string
	EstimatedCost float64
}

// Handle identifies one in-flight request. Cancelled() is closed when
// a newer request with the same prompt supersedes this one.
type Handle struct {
	fingerprint string
	startedAt   time.Time
	cancelOnce  sync.Once
	cancelCh    chan struct{}
}

func (h *Handle) Cancelled() <-chan struct{} { return h.cancelCh }

func (h *Handle) cancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

// IsCancelled is a non-blocking poll of the cancellation channel.
func (h *Handle) IsCancelled() bool {
	select {
	case <-h.cancelCh:
		return true
	default:
		return false
	}
}

type costSample struct {
	at   time.Time
	cost float64
}

// Stats is a point-in-time snapshot of guard counters.
type Stats struct {
	TotalAllowed       int64   `json:"total_allowed"`
	TotalBlocked       int64   `json:"total_blocked"`
	BlockedRate        float64 `json:"blocked_rate"`
	CurrentHourlySpend float64 `json:"current_hourly_spend"`
	InFlightCount      int     `json:"in_flight_count"`
	TotalSavedDollars  float64 `json:"total_saved_dollars"`
}

// Guard is safe for concurrent use. All checks run under one mutex;
// each check is O(in-flight + window sizes).
type Guard struct {
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	dedup        *gocache.Cache // nil when DeduplicateWindow == 0
	inflight     map[string]*Handle
	lastAccepted time.Time
	accepted     []time.Time
	hourly       []costSample
	hourlySum    float64

	totalAllowed int64
	totalBlocked int64
	savedDollars float64
}

func New(cfg Config) *Guard {
	cfg.applyDefaults()
	g := &Guard{
		cfg:      cfg,
		logger:   cfg.Logger,
		inflight: make(map[string]*Handle),
	}
	if cfg.DeduplicateWindow > 0 {
		g.dedup = gocache.New(cfg.DeduplicateWindow, cfg.DeduplicateWindow)
	}
	return g
}

func fingerprint(prompt string) string {
	return textutil.NormalizePrompt(prompt)
}

// Check runs the admission sequence for a prompt with the given input
// size and estimated cost. Blocked decisions accumulate the estimate
// into TotalSavedDollars.
func (g *Guard) Check(prompt string, inputTokens int, estimatedCost float64) Decision {
	now := time.Now()
	fp := fingerprint(prompt)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictStaleLocked(now)
	g.pruneWindowsLocked(now)

	if reason := g.reasonLocked(now, fp, prompt, inputTokens, estimatedCost); reason != "" {
		return g.blockLocked(reason, estimatedCost)
	}

	g.totalAllowed++
	g.lastAccepted = now
	g.accepted = append(g.accepted, now)
	if g.dedup != nil {
		g.dedup.Set(fp, struct{}{}, g.cfg.DeduplicateWindow)
	}
	return Decision{Allowed: true, EstimatedCost: estimatedCost}
}

// Preview reports what Check would decide right now without recording
// the attempt: counters, the debounce clock, and the dedup window stay
// untouched.
func (g *Guard) Preview(prompt string, inputTokens int, estimatedCost float64) Decision {
	now := time.Now()
	fp := fingerprint(prompt)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictStaleLocked(now)
	g.pruneWindowsLocked(now)

	if reason := g.reasonLocked(now, fp, prompt, inputTokens, estimatedCost); reason != "" {
		return Decision{Allowed: false, Reason: reason, EstimatedCost: estimatedCost}
	}
	return Decision{Allowed: true, EstimatedCost: estimatedCost}
}

// reasonLocked walks the admission sequence and returns the first
// block reason, or "" when the request passes every gate.
func (g *Guard) reasonLocked(now time.Time, fp, prompt string, inputTokens int, estimatedCost float64) string {
	if len(strings.TrimSpace(prompt)) < g.cfg.MinInputLength {
		return ReasonTooShort
	}
	if g.cfg.MaxInputTokens > 0 && inputTokens > g.cfg.MaxInputTokens {
		return ReasonInputTooLarge
	}
	if g.dedup != nil {
		if _, seen := g.dedup.Get(fp); seen {
			return ReasonDeduped
		}
	}
	if _, live := g.inflight[fp]; live {
		return ReasonInFlight
	}
	if !g.lastAccepted.IsZero() && now.Sub(g.lastAccepted) < g.cfg.Debounce {
		return ReasonDebounced
	}
	if len(g.accepted) >= g.cfg.MaxRequestsPerMinute {
		return ReasonRateLimited
	}
	if g.hourlySum+estimatedCost > g.cfg.MaxCostPerHour {
		return ReasonHourlyCostCap
	}
	return ""
}

func (g *Guard) blockLocked(reason string, estimatedCost float64) Decision {
	g.totalBlocked++
	g.savedDollars += estimatedCost
	return Decision{Allowed: false, Reason: reason, EstimatedCost: estimatedCost}
}

// evictStaleLocked drops in-flight entries older than five minutes;
// their owners are presumed gone.
func (g *Guard) evictStaleLocked(now time.Time) {
	for fp, h := range g.inflight {
		if now.Sub(h.startedAt) > inFlightStale {
			h.cancel()
			delete(g.inflight, fp)
		}
	}
}

func (g *Guard) pruneWindowsLocked(now time.Time) {
	rateCutoff := now.Add(-rateWindow)
	keep := g.accepted[:0]
	for _, t := range g.accepted {
		if t.After(rateCutoff) {
			keep = append(keep, t)
		}
	}
	g.accepted = keep

	costCutoff := now.Add(-costWindow)
	kept := g.hourly[:0]
	for _, s := range g.hourly {
		if s.at.After(costCutoff) {
			kept = append(kept, s)
		} else {
			g.hourlySum -= s.cost
		}
	}
	g.hourly = kept
	if len(g.hourly) == 0 {
		g.hourlySum = 0
	}
}

// StartRequest registers the prompt as in-flight. A live request with
// the same prompt is cancelled and superseded.
func (g *Guard) StartRequest(prompt string) *Handle {
	fp := fingerprint(prompt)
	h := &Handle{
		fingerprint: fp,
		startedAt:   time.Now(),
		cancelCh:    make(chan struct{}),
	}

	g.mu.Lock()
	if prev, ok := g.inflight[fp]; ok {
		prev.cancel()
	}
	g.inflight[fp] = h
	g.mu.Unlock()
	return h
}

// CompleteRequest clears the in-flight entry and credits the actual
// cost to the hourly spend log.
func (g *Guard) CompleteRequest(prompt string, actualCost float64) {
	fp := fingerprint(prompt)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, fp)
	if actualCost > 0 {
		g.hourly = append(g.hourly, costSample{at: now, cost: actualCost})
		g.hourlySum += actualCost
	}
}

// Stats snapshots the counters.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneWindowsLocked(time.Now())

	s := Stats{
		TotalAllowed:       g.totalAllowed,
		TotalBlocked:       g.totalBlocked,
		CurrentHourlySpend: g.hourlySum,
		InFlightCount:      len(g.inflight),
		TotalSavedDollars:  g.savedDollars,
	}
	if total := g.totalAllowed + g.totalBlocked; total > 0 {
		s.BlockedRate = float64(g.totalBlocked) / float64(total)
	}
	return s
}
