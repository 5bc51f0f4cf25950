// Package circuitbreaker gates requests on cumulative spend rather
// than failures. Each window (session, hour, day, month) accumulates
// actual cost; a check projects the next request's cost against every
// configured limit and disallows, throttles, or warns per the
// configured action.
package circuitbreaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/services/persist"
	"github.com/amerfu/spendgate/pkg/events"
)

// Action is what an over-limit check does.
type Action string

const (
	ActionStop     Action = "stop"
	ActionThrottle Action = "throttle"
	ActionWarn     Action = "warn"
)

// Window names a spend accumulation period.
type Window string

const (
	WindowSession Window = "session"
	WindowHour    Window = "hour"
	WindowDay     Window = "day"
	WindowMonth   Window = "month"
)

// windowOrder fixes evaluation order so the reported trip window is
// deterministic when several windows are over at once.
var windowOrder = []Window{WindowSession, WindowHour, WindowDay, WindowMonth}

const (
	warningFraction = 0.8
	// Reported percent for a zero limit, which blocks everything and
	// has no finite utilization.
	zeroLimitPercent = 999

	stateKey     = "breaker:state"
	storeTimeout = 5 * time.Second
)

// ThrottledReason is returned on over-limit checks under
// ActionThrottle; the request is still allowed.
const ThrottledReason = "Throttled"

// Notice describes a limit crossing, for callbacks and events.
type Notice struct {
	Window      Window  `json:"window"`
	Limit       float64 `json:"limit"`
	Spent       float64 `json:"spent"`
	Projected   float64 `json:"projected"`
	PercentUsed float64 `json:"percent_used"`
	Action      Action  `json:"action"`
}

// CheckResult is the admission decision for one projected cost.
type CheckResult struct {
	Allowed     bool
	Reason      string
	Window      Window
	PercentUsed float64
}

// WindowState is a snapshot of one window for monitoring.
type WindowState struct {
	Window      Window    `json:"window"`
	Spent       float64   `json:"spent"`
	Limit       float64   `json:"limit,omitempty"`
	Limited     bool      `json:"limited"`
	PercentUsed float64   `json:"percent_used"`
	Start       time.Time `json:"start"`
}

// Stats is a full snapshot for monitoring surfaces.
type Stats struct {
	Action      Action        `json:"action"`
	Tripped     bool          `json:"tripped"`
	TotalChecks int64         `json:"total_checks"`
	TotalTrips  int64         `json:"total_trips"`
	Windows     []WindowState `json:"windows"`
}

type Config struct {
	// Limits maps windows to dollar caps. Absent window = unlimited.
	// A limit of exactly 0 blocks everything.
	Limits map[Window]float64
	// Action defaults to stop.
	Action    Action
	OnWarning func(Notice)
	OnTripped func(Notice)
	// Store, when set, persists window state across restarts.
	Store  persist.Store
	Bus    *events.Bus
	Logger *zap.Logger
}

type windowState struct {
	Spent float64   `json:"spent"`
	Start time.Time `json:"start"`
}

type persistedState struct {
	Windows map[Window]*windowState `json:"windows"`
}

// Breaker is safe for concurrent use. Callbacks and events fire after
// the internal lock is released.
type Breaker struct {
	mu      sync.Mutex
	limits  map[Window]float64
	action  Action
	windows map[Window]*windowState
	warned  map[Window]bool

	totalChecks int64
	totalTrips  int64

	onWarning func(Notice)
	onTripped func(Notice)
	store     persist.Store
	bus       *events.Bus
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg Config) (*Breaker, error) {
	switch cfg.Action {
	case "":
		cfg.Action = ActionStop
	case ActionStop, ActionThrottle, ActionWarn:
	default:
		return nil, fmt.Errorf("circuitbreaker: unknown action %q", cfg.Action)
	}
	for w, limit := range cfg.Limits {
		switch w {
		case WindowSession, WindowHour, WindowDay, WindowMonth:
		default:
			return nil, fmt.Errorf("circuitbreaker: unknown window %q", w)
		}
		if limit < 0 {
			return nil, fmt.Errorf("circuitbreaker: negative limit for %s", w)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	b := &Breaker{
		limits:    make(map[Window]float64, len(cfg.Limits)),
		action:    cfg.Action,
		windows:   make(map[Window]*windowState, len(windowOrder)),
		warned:    make(map[Window]bool),
		onWarning: cfg.OnWarning,
		onTripped: cfg.OnTripped,
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	for w, limit := range cfg.Limits {
		b.limits[w] = limit
	}
	now := b.now()
	for _, w := range windowOrder {
		b.windows[w] = &windowState{Start: windowStart(w, now)}
	}
	b.load()
	return b, nil
}

// windowStart returns the wall-clock boundary the window began at.
// Session windows start when the breaker does and never roll.
func windowStart(w Window, now time.Time) time.Time {
	switch w {
	case WindowHour:
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	case WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return now
	}
}

// rollLocked resets any window whose wall-clock period has passed.
// A rolled window rearms its warning.
func (b *Breaker) rollLocked(now time.Time) {
	for _, w := range windowOrder {
		if w == WindowSession {
			continue
		}
		st := b.windows[w]
		boundary := windowStart(w, now)
		if st.Start.Before(boundary) {
			st.Spent = 0
			st.Start = boundary
			delete(b.warned, w)
		}
	}
}

func percentUsed(projected, limit float64) float64 {
	if limit <= 0 {
		return zeroLimitPercent
	}
	return projected / limit * 100
}

// Check projects an additional cost against every configured window.
func (b *Breaker) Check(projectedAdditionalCost float64) CheckResult {
	b.mu.Lock()
	now := b.now()
	b.rollLocked(now)
	b.totalChecks++

	var warnings []Notice
	var trip *Notice
	for _, w := range windowOrder {
		limit, limited := b.limits[w]
		if !limited {
			continue
		}
		spent := b.windows[w].Spent
		projected := spent + projectedAdditionalCost
		pct := percentUsed(projected, limit)

		if projected >= warningFraction*limit && !b.warned[w] {
			b.warned[w] = true
			warnings = append(warnings, Notice{
				Window: w, Limit: limit, Spent: spent,
				Projected: projected, PercentUsed: pct, Action: b.action,
			})
		}
		if trip == nil && projected >= limit {
			trip = &Notice{
				Window: w, Limit: limit, Spent: spent,
				Projected: projected, PercentUsed: pct, Action: b.action,
			}
		}
	}

	res := CheckResult{Allowed: true}
	if trip != nil {
		res.Window = trip.Window
		res.PercentUsed = trip.PercentUsed
		switch b.action {
		case ActionStop:
			b.totalTrips++
			res.Allowed = false
			res.Reason = fmt.Sprintf("spend limit reached for %s window", trip.Window)
		case ActionThrottle:
			res.Reason = ThrottledReason
		case ActionWarn:
		}
	}
	b.mu.Unlock()

	for _, n := range warnings {
		b.notifyWarning(n)
	}
	if trip != nil && !res.Allowed {
		b.notifyTripped(*trip)
	}
	return res
}

// Preview evaluates a projected cost the way Check would, without
// counting the check, arming warnings, or firing callbacks.
func (b *Breaker) Preview(projectedAdditionalCost float64) CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())

	for _, w := range windowOrder {
		limit, limited := b.limits[w]
		if !limited {
			continue
		}
		projected := b.windows[w].Spent + projectedAdditionalCost
		if projected < limit {
			continue
		}
		res := CheckResult{Allowed: true, Window: w, PercentUsed: percentUsed(projected, limit)}
		switch b.action {
		case ActionStop:
			res.Allowed = false
			res.Reason = fmt.Sprintf("spend limit reached for %s window", w)
		case ActionThrottle:
			res.Reason = ThrottledReason
		}
		return res
	}
	return CheckResult{Allowed: true}
}

// RecordSpend credits actual cost to every window.
func (b *Breaker) RecordSpend(cost float64) {
	if cost <= 0 {
		return
	}
	b.mu.Lock()
	b.rollLocked(b.now())
	for _, w := range windowOrder {
		b.windows[w].Spent += cost
	}
	data := b.snapshotLocked()
	b.mu.Unlock()

	b.save(data)
}

// Tripped reports whether any configured window is at or over its
// limit right now, independent of the action.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())
	for _, w := range windowOrder {
		limit, limited := b.limits[w]
		if limited && b.windows[w].Spent >= limit {
			return true
		}
	}
	return false
}

// UpdateLimits replaces the limit set and rearms all warnings.
func (b *Breaker) UpdateLimits(limits map[Window]float64) error {
	for w, limit := range limits {
		switch w {
		case WindowSession, WindowHour, WindowDay, WindowMonth:
		default:
			return fmt.Errorf("circuitbreaker: unknown window %q", w)
		}
		if limit < 0 {
			return fmt.Errorf("circuitbreaker: negative limit for %s", w)
		}
	}

	b.mu.Lock()
	b.limits = make(map[Window]float64, len(limits))
	for w, limit := range limits {
		b.limits[w] = limit
	}
	b.warned = make(map[Window]bool)
	b.mu.Unlock()
	return nil
}

// Reset zeroes every window and rearms warnings. Lifetime counters
// are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.now()
	for _, w := range windowOrder {
		b.windows[w].Spent = 0
		b.windows[w].Start = windowStart(w, now)
	}
	b.warned = make(map[Window]bool)
	data := b.snapshotLocked()
	b.mu.Unlock()

	b.save(data)
}

// Stats snapshots every window for monitoring.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())

	s := Stats{
		Action:      b.action,
		TotalChecks: b.totalChecks,
		TotalTrips:  b.totalTrips,
		Windows:     make([]WindowState, 0, len(windowOrder)),
	}
	for _, w := range windowOrder {
		st := b.windows[w]
		limit, limited := b.limits[w]
		ws := WindowState{
			Window:  w,
			Spent:   st.Spent,
			Limited: limited,
			Start:   st.Start,
		}
		if limited {
			ws.Limit = limit
			ws.PercentUsed = percentUsed(st.Spent, limit)
			if st.Spent >= limit {
				s.Tripped = true
			}
		}
		s.Windows = append(s.Windows, ws)
	}
	return s
}

func (b *Breaker) notifyWarning(n Notice) {
	b.logger.Warn("spend limit warning",
		zap.String("window", string(n.Window)),
		zap.Float64("limit_usd", n.Limit),
		zap.Float64("projected_usd", n.Projected),
		zap.Float64("percent_used", n.PercentUsed))
	if b.onWarning != nil {
		b.onWarning(n)
	}
	if b.bus != nil {
		b.bus.Emit(events.BreakerWarning, events.BreakerPayload{
			Window:      string(n.Window),
			LimitUSD:    n.Limit,
			SpentUSD:    n.Spent,
			Projected:   n.Projected,
			PercentUsed: n.PercentUsed,
			Action:      string(n.Action),
		})
	}
}

func (b *Breaker) notifyTripped(n Notice) {
	b.logger.Warn("spend limit tripped",
		zap.String("window", string(n.Window)),
		zap.Float64("limit_usd", n.Limit),
		zap.Float64("projected_usd", n.Projected))
	if b.onTripped != nil {
		b.onTripped(n)
	}
	if b.bus != nil {
		b.bus.Emit(events.BreakerTripped, events.BreakerPayload{
			Window:      string(n.Window),
			LimitUSD:    n.Limit,
			SpentUSD:    n.Spent,
			Projected:   n.Projected,
			PercentUsed: n.PercentUsed,
			Action:      string(n.Action),
		})
	}
}

func (b *Breaker) snapshotLocked() []byte {
	if b.store == nil {
		return nil
	}
	data, err := json.Marshal(persistedState{Windows: b.windows})
	if err != nil {
		return nil
	}
	return data
}

func (b *Breaker) save(data []byte) {
	if b.store == nil || data == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := b.store.Set(ctx, stateKey, data, 0); err != nil {
		b.logger.Warn("breaker state save failed", zap.Error(err))
		if b.bus != nil {
			b.bus.Emit(events.StorageError, events.StoragePayload{
				Op: "breaker_save", Key: stateKey, Error: err.Error(),
			})
		}
	}
}

func (b *Breaker) load() {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	data, err := b.store.Get(ctx, stateKey)
	if err != nil {
		if err != persist.ErrNotFound {
			b.logger.Warn("breaker state load failed", zap.Error(err))
		}
		return
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		b.logger.Warn("breaker state corrupt, starting fresh", zap.Error(err))
		return
	}

	b.mu.Lock()
	for _, w := range windowOrder {
		if saved, ok := st.Windows[w]; ok && saved != nil {
			b.windows[w] = saved
		}
	}
	// Stale saved windows roll forward immediately.
	b.rollLocked(b.now())
	b.mu.Unlock()
}
