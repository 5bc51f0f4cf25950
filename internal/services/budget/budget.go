// Package budget enforces per-user daily and monthly spend caps with
// in-flight reservations. A reservation holds estimated cost against
// both windows until the request settles; commit converts it to actual
// spend, release returns it. Windows roll lazily against the wall
// clock on reserve; a rolled window zeroes only its actual spend so
// reservations spanning the boundary stay accounted.
package budget

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amerfu/spendgate/pkg/events"
)

const warningFraction = 0.8

// Window names for budget buckets.
const (
	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

// Limits caps one user's spend. A non-positive value leaves that
// window unlimited.
type Limits struct {
	Daily   float64 `json:"daily,omitempty"`
	Monthly float64 `json:"monthly,omitempty"`
}

func (l Limits) limitFor(window string) float64 {
	if window == WindowDaily {
		return l.Daily
	}
	return l.Monthly
}

// ExceededError reports which window a reservation failed against.
type ExceededError struct {
	UserID    string
	Window    string
	Limit     float64
	Projected float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: user %s %s limit $%.4f exceeded (projected $%.4f)",
		e.UserID, e.Window, e.Limit, e.Projected)
}

// Notice carries limit-crossing details to callbacks.
type Notice struct {
	UserID    string  `json:"user_id"`
	Window    string  `json:"window"`
	Limit     float64 `json:"limit"`
	Spent     float64 `json:"spent"`
	Reserved  float64 `json:"reserved"`
	Projected float64 `json:"projected"`
}

// Reservation is the handle returned by Reserve. Exactly one of
// Commit or Release settles it; later calls are no-ops.
type Reservation struct {
	ID       string
	UserID   string
	Reserved float64
	Model    string
	At       time.Time

	settled uint32
}

func (r *Reservation) settle() bool {
	return atomic.CompareAndSwapUint32(&r.settled, 0, 1)
}

// Settled reports whether the reservation was committed or released.
func (r *Reservation) Settled() bool {
	return atomic.LoadUint32(&r.settled) == 1
}

type bucket struct {
	spentActual      float64
	inflightReserved float64
	windowStart      time.Time
	warned           bool
}

type userState struct {
	daily   bucket
	monthly bucket
}

func (s *userState) bucketFor(window string) *bucket {
	if window == WindowDaily {
		return &s.daily
	}
	return &s.monthly
}

// BucketUsage is a monitoring snapshot of one window.
type BucketUsage struct {
	Spent       float64   `json:"spent"`
	Reserved    float64   `json:"reserved"`
	Limit       float64   `json:"limit,omitempty"`
	WindowStart time.Time `json:"window_start"`
}

// Usage is a per-user snapshot.
type Usage struct {
	UserID  string      `json:"user_id"`
	Daily   BucketUsage `json:"daily"`
	Monthly BucketUsage `json:"monthly"`
}

type Config struct {
	// Users holds per-user limits; DefaultLimits applies to everyone
	// else. Both nil/empty means no enforcement, tracking only.
	Users         map[string]Limits
	DefaultLimits *Limits

	OnWarning  func(Notice)
	OnExceeded func(Notice)
	Bus        *events.Bus
	Logger     *zap.Logger
}

// Manager is safe for concurrent use. Callbacks and events fire after
// the internal lock is released.
type Manager struct {
	mu    sync.Mutex
	users map[string]*userState

	limits       map[string]Limits
	defaultLimit *Limits

	onWarning  func(Notice)
	onExceeded func(Notice)
	bus        *events.Bus
	logger     *zap.Logger
	now        func() time.Time
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Manager{
		users:        make(map[string]*userState),
		limits:       make(map[string]Limits, len(cfg.Users)),
		defaultLimit: cfg.DefaultLimits,
		onWarning:    cfg.OnWarning,
		onExceeded:   cfg.OnExceeded,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	for user, l := range cfg.Users {
		m.limits[user] = l
	}
	return m
}

func (m *Manager) limitsFor(userID string) Limits {
	if l, ok := m.limits[userID]; ok {
		return l
	}
	if m.defaultLimit != nil {
		return *m.defaultLimit
	}
	return Limits{}
}

func windowStart(window string, now time.Time) time.Time {
	if window == WindowDaily {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	}
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}

func (m *Manager) stateLocked(userID string, now time.Time) *userState {
	s, ok := m.users[userID]
	if !ok {
		s = &userState{
			daily:   bucket{windowStart: windowStart(WindowDaily, now)},
			monthly: bucket{windowStart: windowStart(WindowMonthly, now)},
		}
		m.users[userID] = s
	}
	return s
}

// rollLocked resets actual spend for any window whose wall-clock
// period has passed. Reservations in flight across the boundary keep
// counting; the warning latch rearms for the new cycle.
func (m *Manager) rollLocked(s *userState, now time.Time) {
	for _, window := range []string{WindowDaily, WindowMonthly} {
		b := s.bucketFor(window)
		boundary := windowStart(window, now)
		if b.windowStart.Before(boundary) {
			b.spentActual = 0
			b.windowStart = boundary
			b.warned = false
		}
	}
}

// Reserve holds estimated cost against both of the user's windows.
// It fails with *ExceededError naming the first window whose limit
// the projection passes.
func (m *Manager) Reserve(userID string, estimatedCost float64, model string) (*Reservation, error) {
	if estimatedCost < 0 {
		estimatedCost = 0
	}
	now := m.now()

	m.mu.Lock()
	s := m.stateLocked(userID, now)
	m.rollLocked(s, now)
	limits := m.limitsFor(userID)

	for _, window := range []string{WindowDaily, WindowMonthly} {
		limit := limits.limitFor(window)
		if limit <= 0 {
			continue
		}
		b := s.bucketFor(window)
		projected := b.spentActual + b.inflightReserved + estimatedCost
		if projected > limit {
			notice := Notice{
				UserID: userID, Window: window, Limit: limit,
				Spent: b.spentActual, Reserved: b.inflightReserved,
				Projected: projected,
			}
			m.mu.Unlock()

			m.notifyExceeded(notice)
			return nil, &ExceededError{
				UserID: userID, Window: window,
				Limit: limit, Projected: projected,
			}
		}
	}

	s.daily.inflightReserved += estimatedCost
	s.monthly.inflightReserved += estimatedCost
	warnings := m.warningsLocked(userID, s, limits)
	m.mu.Unlock()

	for _, n := range warnings {
		m.notifyWarning(n)
	}
	return &Reservation{
		ID:       uuid.New().String(),
		UserID:   userID,
		Reserved: estimatedCost,
		Model:    model,
		At:       now,
	}, nil
}

// Preview reports whether Reserve would succeed for the user right
// now. Nothing is held and no callbacks fire.
func (m *Manager) Preview(userID string, estimatedCost float64) error {
	if estimatedCost < 0 {
		estimatedCost = 0
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(userID, now)
	m.rollLocked(s, now)
	limits := m.limitsFor(userID)

	for _, window := range []string{WindowDaily, WindowMonthly} {
		limit := limits.limitFor(window)
		if limit <= 0 {
			continue
		}
		b := s.bucketFor(window)
		projected := b.spentActual + b.inflightReserved + estimatedCost
		if projected > limit {
			return &ExceededError{
				UserID: userID, Window: window,
				Limit: limit, Projected: projected,
			}
		}
	}
	return nil
}

// Commit settles the reservation with the actual cost.
func (m *Manager) Commit(r *Reservation, actualCost float64, model string) {
	if r == nil || !r.settle() {
		return
	}
	if actualCost < 0 {
		actualCost = 0
	}

	m.mu.Lock()
	s := m.stateLocked(r.UserID, m.now())
	for _, window := range []string{WindowDaily, WindowMonthly} {
		b := s.bucketFor(window)
		b.spentActual += actualCost
		b.inflightReserved -= r.Reserved
	}
	warnings := m.warningsLocked(r.UserID, s, m.limitsFor(r.UserID))
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(events.BudgetSpend, events.SpendPayload{
			UserID:  r.UserID,
			Model:   model,
			CostUSD: actualCost,
		})
	}
	for _, n := range warnings {
		m.notifyWarning(n)
	}
}

// Release returns the reservation without recording spend.
func (m *Manager) Release(r *Reservation) {
	if r == nil || !r.settle() {
		return
	}

	m.mu.Lock()
	s := m.stateLocked(r.UserID, m.now())
	s.daily.inflightReserved -= r.Reserved
	s.monthly.inflightReserved -= r.Reserved
	m.mu.Unlock()
}

// warningsLocked latches and collects 80% crossings for limited
// windows.
func (m *Manager) warningsLocked(userID string, s *userState, limits Limits) []Notice {
	var out []Notice
	for _, window := range []string{WindowDaily, WindowMonthly} {
		limit := limits.limitFor(window)
		if limit <= 0 {
			continue
		}
		b := s.bucketFor(window)
		if b.warned {
			continue
		}
		committed := b.spentActual + b.inflightReserved
		if committed/limit >= warningFraction {
			b.warned = true
			out = append(out, Notice{
				UserID: userID, Window: window, Limit: limit,
				Spent: b.spentActual, Reserved: b.inflightReserved,
				Projected: committed,
			})
		}
	}
	return out
}

func (m *Manager) notifyWarning(n Notice) {
	m.logger.Warn("user budget warning",
		zap.String("user_id", n.UserID),
		zap.String("window", n.Window),
		zap.Float64("limit_usd", n.Limit),
		zap.Float64("projected_usd", n.Projected))
	if m.onWarning != nil {
		m.onWarning(n)
	}
	if m.bus != nil {
		m.bus.Emit(events.BudgetWarning, events.BudgetPayload{
			UserID:      n.UserID,
			Window:      n.Window,
			LimitUSD:    n.Limit,
			SpentUSD:    n.Spent,
			ReservedUSD: n.Reserved,
			Projected:   n.Projected,
		})
	}
}

func (m *Manager) notifyExceeded(n Notice) {
	m.logger.Warn("user budget exceeded",
		zap.String("user_id", n.UserID),
		zap.String("window", n.Window),
		zap.Float64("limit_usd", n.Limit),
		zap.Float64("projected_usd", n.Projected))
	if m.onExceeded != nil {
		m.onExceeded(n)
	}
	if m.bus != nil {
		m.bus.Emit(events.BudgetExceeded, events.BudgetPayload{
			UserID:      n.UserID,
			Window:      n.Window,
			LimitUSD:    n.Limit,
			SpentUSD:    n.Spent,
			ReservedUSD: n.Reserved,
			Projected:   n.Projected,
		})
	}
}

// UsageFor snapshots one user's buckets.
func (m *Manager) UsageFor(userID string) Usage {
	now := m.now()
	limits := m.limitsFor(userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(userID, now)
	m.rollLocked(s, now)
	return Usage{
		UserID: userID,
		Daily: BucketUsage{
			Spent:       s.daily.spentActual,
			Reserved:    s.daily.inflightReserved,
			Limit:       limits.Daily,
			WindowStart: s.daily.windowStart,
		},
		Monthly: BucketUsage{
			Spent:       s.monthly.spentActual,
			Reserved:    s.monthly.inflightReserved,
			Limit:       limits.Monthly,
			WindowStart: s.monthly.windowStart,
		},
	}
}

// TotalReserved sums in-flight reservations across all users. Once
// every request has settled it returns to zero.
func (m *Manager) TotalReserved() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, s := range m.users {
		total += s.daily.inflightReserved
	}
	return total
}

// TotalSpent sums actual spend in the current daily windows.
func (m *Manager) TotalSpent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, s := range m.users {
		total += s.daily.spentActual
	}
	return total
}
