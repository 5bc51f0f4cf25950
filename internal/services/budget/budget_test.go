package budget

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/spendgate/pkg/events"
)

func TestReserveCommit(t *testing.T) {
	bus := events.New(nil)
	var spends []events.SpendPayload
	bus.Subscribe(events.BudgetSpend, func(e events.Event) {
		if p, ok := e.Payload.(events.SpendPayload); ok {
			spends = append(spends, p)
		}
	})

	m := New(Config{
		Users: map[string]Limits{"u1": {Daily: 1.0}},
		Bus:   bus,
	})

	r, err := m.Reserve("u1", 0.4, "gpt-4o")
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "u1", r.UserID)
	assert.InDelta(t, 0.4, r.Reserved, 1e-9)

	u := m.UsageFor("u1")
	assert.InDelta(t, 0.4, u.Daily.Reserved, 1e-9)
	assert.Zero(t, u.Daily.Spent)
	assert.InDelta(t, 0.4, u.Monthly.Reserved, 1e-9, "both windows hold the reservation")

	m.Commit(r, 0.35, "gpt-4o")
	u = m.UsageFor("u1")
	assert.Zero(t, u.Daily.Reserved)
	assert.InDelta(t, 0.35, u.Daily.Spent, 1e-9)
	assert.InDelta(t, 0.35, u.Monthly.Spent, 1e-9)

	require.Len(t, spends, 1)
	assert.Equal(t, "u1", spends[0].UserID)
	assert.InDelta(t, 0.35, spends[0].CostUSD, 1e-9)
}

func TestReserveExceeded(t *testing.T) {
	bus := events.New(nil)
	var exceeded []events.BudgetPayload
	bus.Subscribe(events.BudgetExceeded, func(e events.Event) {
		if p, ok := e.Payload.(events.BudgetPayload); ok {
			exceeded = append(exceeded, p)
		}
	})

	var notices []Notice
	m := New(Config{
		Users:      map[string]Limits{"u1": {Daily: 0.0001}},
		OnExceeded: func(n Notice) { notices = append(notices, n) },
		Bus:        bus,
	})

	r, err := m.Reserve("u1", 0.00005, "gpt-4o-mini")
	require.NoError(t, err)
	m.Commit(r, 0.000045, "gpt-4o-mini")

	_, err = m.Reserve("u1", 0.001, "gpt-4o")
	require.Error(t, err)
	var ee *ExceededError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, WindowDaily, ee.Window)
	assert.Equal(t, "u1", ee.UserID)
	assert.InDelta(t, 0.0001, ee.Limit, 1e-12)

	require.Len(t, notices, 1)
	require.Len(t, exceeded, 1)
	assert.Equal(t, WindowDaily, exceeded[0].Window)

	// A failed reserve holds nothing.
	assert.Zero(t, m.TotalReserved())
}

func TestDefaultLimitsApply(t *testing.T) {
	m := New(Config{
		Users:         map[string]Limits{"vip": {Daily: 100}},
		DefaultLimits: &Limits{Daily: 0.5},
	})

	_, err := m.Reserve("someone", 0.6, "gpt-4o")
	require.Error(t, err, "default cap binds unknown users")

	_, err = m.Reserve("vip", 0.6, "gpt-4o")
	assert.NoError(t, err, "per-user limit overrides the default")
}

func TestUnlimitedWithoutPolicy(t *testing.T) {
	m := New(Config{})
	_, err := m.Reserve("anyone", 1e6, "gpt-4o")
	assert.NoError(t, err)
	assert.InDelta(t, 1e6, m.TotalReserved(), 1e-3, "usage still tracked")
}

func TestReleaseRestoresHeadroom(t *testing.T) {
	m := New(Config{Users: map[string]Limits{"u1": {Daily: 1.0}}})

	r1, err := m.Reserve("u1", 0.6, "gpt-4o")
	require.NoError(t, err)

	_, err = m.Reserve("u1", 0.6, "gpt-4o")
	require.Error(t, err, "1.2 projected over 1.0")

	m.Release(r1)
	assert.True(t, r1.Settled())
	assert.Zero(t, m.TotalReserved())
	assert.Zero(t, m.TotalSpent(), "release records no spend")

	_, err = m.Reserve("u1", 0.6, "gpt-4o")
	assert.NoError(t, err)
}

func TestSettleExactlyOnce(t *testing.T) {
	m := New(Config{Users: map[string]Limits{"u1": {Daily: 10}}})

	r, err := m.Reserve("u1", 1.0, "gpt-4o")
	require.NoError(t, err)

	m.Commit(r, 0.8, "gpt-4o")
	m.Commit(r, 0.8, "gpt-4o")
	m.Release(r)

	u := m.UsageFor("u1")
	assert.InDelta(t, 0.8, u.Daily.Spent, 1e-9, "second settle is a no-op")
	assert.Zero(t, u.Daily.Reserved)
}

func TestDailyRolloverKeepsMonthly(t *testing.T) {
	m := New(Config{Users: map[string]Limits{"u1": {Daily: 1.0, Monthly: 1.5}}})
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	r, err := m.Reserve("u1", 0.9, "gpt-4o")
	require.NoError(t, err)
	m.Commit(r, 0.9, "gpt-4o")

	m.now = func() time.Time { return base.AddDate(0, 0, 1) }
	_, err = m.Reserve("u1", 0.9, "gpt-4o")
	require.Error(t, err, "monthly window does not roll with the day")
	var ee *ExceededError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, WindowMonthly, ee.Window)

	u := m.UsageFor("u1")
	assert.Zero(t, u.Daily.Spent, "daily actuals zeroed on rollover")
	assert.InDelta(t, 0.9, u.Monthly.Spent, 1e-9)
}

func TestReservationSpansRollover(t *testing.T) {
	m := New(Config{Users: map[string]Limits{"u1": {Daily: 1.0}}})
	base := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	r1, err := m.Reserve("u1", 0.5, "gpt-4o")
	require.NoError(t, err)

	// Next day: actuals reset, the in-flight reservation does not.
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = m.Reserve("u1", 0.6, "gpt-4o")
	require.Error(t, err, "0.5 still held across the boundary")

	m.Release(r1)
	_, err = m.Reserve("u1", 0.6, "gpt-4o")
	assert.NoError(t, err)
}

func TestWarningOncePerCycle(t *testing.T) {
	bus := events.New(nil)
	var warned []events.BudgetPayload
	bus.Subscribe(events.BudgetWarning, func(e events.Event) {
		if p, ok := e.Payload.(events.BudgetPayload); ok {
			warned = append(warned, p)
		}
	})

	var notices []Notice
	m := New(Config{
		Users:     map[string]Limits{"u1": {Daily: 1.0}},
		OnWarning: func(n Notice) { notices = append(notices, n) },
		Bus:       bus,
	})
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	r, err := m.Reserve("u1", 0.85, "gpt-4o")
	require.NoError(t, err)
	require.Len(t, notices, 1, "85% crossing warns")
	assert.Equal(t, WindowDaily, notices[0].Window)

	m.Commit(r, 0.85, "gpt-4o")
	assert.Len(t, notices, 1, "latched for the rest of the cycle")

	m.now = func() time.Time { return base.AddDate(0, 0, 1) }
	_, err = m.Reserve("u1", 0.85, "gpt-4o")
	require.NoError(t, err)
	assert.Len(t, notices, 2, "new cycle rearms the warning")
	assert.Len(t, warned, 2)
}

func TestReservationConservation(t *testing.T) {
	m := New(Config{DefaultLimits: &Limits{Daily: 1e9}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r, err := m.Reserve("shared-user", 0.01, "gpt-4o")
				if err != nil {
					continue
				}
				if j%2 == 0 {
					m.Commit(r, 0.01, "gpt-4o")
				} else {
					m.Release(r)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, m.TotalReserved(), "all reservations settled")
	assert.InDelta(t, 8*25*0.01, m.TotalSpent(), 1e-6)
}
