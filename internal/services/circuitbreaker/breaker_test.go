package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/spendgate/internal/services/persist"
	"github.com/amerfu/spendgate/pkg/events"
)

func TestNew(t *testing.T) {
	t.Run("defaults to stop action", func(t *testing.T) {
		b, err := New(Config{Limits: map[Window]float64{WindowSession: 5}})
		require.NoError(t, err)
		assert.Equal(t, ActionStop, b.action)
	})

	t.Run("rejects unknown action", func(t *testing.T) {
		_, err := New(Config{Action: "explode"})
		assert.Error(t, err)
	})

	t.Run("rejects unknown window", func(t *testing.T) {
		_, err := New(Config{Limits: map[Window]float64{"fortnight": 5}})
		assert.Error(t, err)
	})

	t.Run("rejects negative limit", func(t *testing.T) {
		_, err := New(Config{Limits: map[Window]float64{WindowDay: -1}})
		assert.Error(t, err)
	})
}

func TestCheckStop(t *testing.T) {
	var trips []Notice
	b, err := New(Config{
		Limits:    map[Window]float64{WindowSession: 1.0},
		OnTripped: func(n Notice) { trips = append(trips, n) },
	})
	require.NoError(t, err)

	res := b.Check(0.5)
	assert.True(t, res.Allowed)

	b.RecordSpend(0.6)
	res = b.Check(0.5)
	assert.False(t, res.Allowed)
	assert.Equal(t, WindowSession, res.Window)
	assert.Contains(t, res.Reason, "session")
	assert.InDelta(t, 110, res.PercentUsed, 1e-6)

	// Tripped fires on every disallowed check.
	b.Check(0.5)
	require.Len(t, trips, 2)
	assert.InDelta(t, 1.0, trips[0].Limit, 1e-9)
	assert.InDelta(t, 1.1, trips[0].Projected, 1e-9)

	s := b.Stats()
	assert.Equal(t, int64(3), s.TotalChecks)
	assert.Equal(t, int64(2), s.TotalTrips)
}

func TestZeroLimitBlocksEverything(t *testing.T) {
	b, err := New(Config{Limits: map[Window]float64{WindowSession: 0}})
	require.NoError(t, err)

	res := b.Check(0)
	assert.False(t, res.Allowed)
	assert.InDelta(t, 999, res.PercentUsed, 1e-9, "zero limit reports finite percent")

	res = b.Check(0.0001)
	assert.False(t, res.Allowed)

	assert.True(t, b.Tripped())
	s := b.Stats()
	assert.True(t, s.Tripped)
	for _, w := range s.Windows {
		if w.Window == WindowSession {
			assert.InDelta(t, 999, w.PercentUsed, 1e-9)
		}
	}
}

func TestThrottleAllowsWithReason(t *testing.T) {
	var trips int
	b, err := New(Config{
		Limits:    map[Window]float64{WindowSession: 1.0},
		Action:    ActionThrottle,
		OnTripped: func(Notice) { trips++ },
	})
	require.NoError(t, err)
	b.RecordSpend(2.0)

	res := b.Check(0.1)
	assert.True(t, res.Allowed)
	assert.Equal(t, ThrottledReason, res.Reason)
	assert.Zero(t, trips, "throttled checks are not disallowed")
}

func TestWarnAllowsSilently(t *testing.T) {
	b, err := New(Config{
		Limits: map[Window]float64{WindowSession: 1.0},
		Action: ActionWarn,
	})
	require.NoError(t, err)
	b.RecordSpend(2.0)

	res := b.Check(0.1)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reason)
}

func TestWarningFiresOncePerWindow(t *testing.T) {
	var warnings []Notice
	b, err := New(Config{
		Limits:    map[Window]float64{WindowSession: 10},
		OnWarning: func(n Notice) { warnings = append(warnings, n) },
	})
	require.NoError(t, err)

	b.RecordSpend(7.9)
	res := b.Check(0.2) // projected 8.1 crosses 8.0
	assert.True(t, res.Allowed)
	require.Len(t, warnings, 1)
	assert.Equal(t, WindowSession, warnings[0].Window)
	assert.InDelta(t, 81, warnings[0].PercentUsed, 1e-6)

	b.Check(0.3)
	assert.Len(t, warnings, 1, "latched until rearm")

	require.NoError(t, b.UpdateLimits(map[Window]float64{WindowSession: 10}))
	b.Check(0.2)
	assert.Len(t, warnings, 2, "UpdateLimits rearms")

	b.Reset()
	b.Check(0.2) // spent back to 0, below threshold
	assert.Len(t, warnings, 2)
	b.RecordSpend(9)
	b.Check(0)
	assert.Len(t, warnings, 3, "Reset rearms")
}

func TestWindowRollover(t *testing.T) {
	b, err := New(Config{Limits: map[Window]float64{
		WindowSession: 100,
		WindowHour:    1.0,
	}})
	require.NoError(t, err)

	base := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }
	b.Reset()

	b.RecordSpend(0.9)
	res := b.Check(0.2)
	assert.False(t, res.Allowed, "hour window over")
	assert.Equal(t, WindowHour, res.Window)

	// Next hour: the hour window resets, the session window does not.
	b.now = func() time.Time { return base.Add(70 * time.Minute) }
	res = b.Check(0.2)
	assert.True(t, res.Allowed)

	s := b.Stats()
	for _, w := range s.Windows {
		switch w.Window {
		case WindowHour:
			assert.Zero(t, w.Spent)
		case WindowSession:
			assert.InDelta(t, 0.9, w.Spent, 1e-9, "session spend survives rollover")
		}
	}
}

func TestMonthRollover(t *testing.T) {
	b, err := New(Config{Limits: map[Window]float64{WindowMonth: 1.0}})
	require.NoError(t, err)

	base := time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }
	b.Reset()
	b.RecordSpend(1.5)
	assert.False(t, b.Check(0).Allowed)

	b.now = func() time.Time { return time.Date(2025, 2, 1, 0, 0, 1, 0, time.UTC) }
	assert.True(t, b.Check(0).Allowed, "new month clears the window")
}

func TestWarningRearmsOnRollover(t *testing.T) {
	var warnings int
	b, err := New(Config{
		Limits:    map[Window]float64{WindowHour: 1.0},
		Action:    ActionWarn,
		OnWarning: func(Notice) { warnings++ },
	})
	require.NoError(t, err)

	base := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }
	b.Reset()

	b.RecordSpend(0.85)
	b.Check(0)
	b.Check(0)
	assert.Equal(t, 1, warnings)

	b.now = func() time.Time { return base.Add(2 * time.Hour) }
	b.RecordSpend(0.85)
	b.Check(0)
	assert.Equal(t, 2, warnings)
}

func TestPersistence(t *testing.T) {
	store := persist.NewMemoryStore()

	b1, err := New(Config{
		Limits: map[Window]float64{WindowSession: 10},
		Store:  store,
	})
	require.NoError(t, err)
	b1.RecordSpend(2.5)

	b2, err := New(Config{
		Limits: map[Window]float64{WindowSession: 10},
		Store:  store,
	})
	require.NoError(t, err)

	s := b2.Stats()
	for _, w := range s.Windows {
		if w.Window == WindowSession {
			assert.InDelta(t, 2.5, w.Spent, 1e-9, "restored from store")
		}
	}
}

func TestBreakerEvents(t *testing.T) {
	bus := events.New(nil)
	var warned, tripped []events.BreakerPayload
	bus.Subscribe(events.BreakerWarning, func(e events.Event) {
		if p, ok := e.Payload.(events.BreakerPayload); ok {
			warned = append(warned, p)
		}
	})
	bus.Subscribe(events.BreakerTripped, func(e events.Event) {
		if p, ok := e.Payload.(events.BreakerPayload); ok {
			tripped = append(tripped, p)
		}
	})

	b, err := New(Config{
		Limits: map[Window]float64{WindowSession: 1.0},
		Bus:    bus,
	})
	require.NoError(t, err)

	b.RecordSpend(0.9)
	b.Check(0.2)

	require.Len(t, warned, 1)
	assert.Equal(t, "session", warned[0].Window)
	require.Len(t, tripped, 1)
	assert.InDelta(t, 1.1, tripped[0].Projected, 1e-9)
	assert.Equal(t, "stop", tripped[0].Action)
}

func TestConcurrentSpendAndCheck(t *testing.T) {
	b, err := New(Config{Limits: map[Window]float64{WindowSession: 1000}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.RecordSpend(0.01)
				b.Check(0.01)
			}
		}()
	}
	wg.Wait()

	s := b.Stats()
	assert.Equal(t, int64(800), s.TotalChecks)
	for _, w := range s.Windows {
		if w.Window == WindowSession {
			assert.InDelta(t, 8.0, w.Spent, 1e-6)
		}
	}
}
