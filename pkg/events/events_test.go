package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePublish(t *testing.T) {
	bus := New(nil)

	t.Run("typed handler receives only its type", func(t *testing.T) {
		var hits, misses int
		bus.Subscribe(CacheHit, func(evt Event) { hits++ })
		bus.Subscribe(CacheMiss, func(evt Event) { misses++ })

		bus.Emit(CacheHit, CachePayload{Model: "gpt-4o"})
		bus.Emit(CacheHit, CachePayload{Model: "gpt-4o"})
		bus.Emit(CacheMiss, CachePayload{Model: "gpt-4o"})

		assert.Equal(t, 2, hits)
		assert.Equal(t, 1, misses)
	})

	t.Run("registration order preserved", func(t *testing.T) {
		b := New(nil)
		var order []int
		b.Subscribe(LedgerEntry, func(Event) { order = append(order, 1) })
		b.Subscribe(LedgerEntry, func(Event) { order = append(order, 2) })
		b.SubscribeAll(func(Event) { order = append(order, 3) })

		b.Emit(LedgerEntry, nil)
		assert.Equal(t, []int{1, 2, 3}, order)
	})

	t.Run("timestamp filled in", func(t *testing.T) {
		b := New(nil)
		var got Event
		b.Subscribe(BudgetSpend, func(evt Event) { got = evt })
		b.Emit(BudgetSpend, SpendPayload{UserID: "u1", CostUSD: 0.02})
		assert.False(t, got.Time.IsZero())
		payload, ok := got.Payload.(SpendPayload)
		require.True(t, ok)
		assert.Equal(t, "u1", payload.UserID)
	})
}

func TestUnsubscribe(t *testing.T) {
	bus := New(nil)
	var count int
	unsub := bus.Subscribe(AnomalyDetected, func(Event) { count++ })

	bus.Emit(AnomalyDetected, nil)
	unsub()
	bus.Emit(AnomalyDetected, nil)
	unsub() // second call is a no-op

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount(AnomalyDetected))
}

func TestHandlerPanicContained(t *testing.T) {
	bus := New(nil)
	var after bool
	bus.Subscribe(StorageError, func(Event) { panic("boom") })
	bus.Subscribe(StorageError, func(Event) { after = true })

	assert.NotPanics(t, func() {
		bus.Emit(StorageError, StoragePayload{Op: "set", Error: "down"})
	})
	assert.True(t, after, "handler after the panicking one still runs")
}

func TestForwardAll(t *testing.T) {
	src := New(nil)
	dst := New(nil)

	var forwarded []Type
	dst.SubscribeAll(func(evt Event) { forwarded = append(forwarded, evt.Type) })

	stop := src.ForwardAll(dst)
	src.Emit(CacheHit, nil)
	src.Emit(BreakerTripped, nil)
	stop()
	src.Emit(CacheHit, nil)

	assert.Equal(t, []Type{CacheHit, BreakerTripped}, forwarded)

	t.Run("self forward rejected", func(t *testing.T) {
		b := New(nil)
		stop := b.ForwardAll(b)
		b.Emit(CacheHit, nil) // must not loop forever
		stop()
	})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	seen := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Emit(LedgerEntry, LedgerPayload{Model: "gpt-4o-mini"})
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(LedgerEntry, func(Event) {})
			unsub()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20*50, seen)
}

func TestAllTypesComplete(t *testing.T) {
	types := AllTypes()
	assert.Len(t, types, 22)
	unique := map[Type]bool{}
	for _, ty := range types {
		unique[ty] = true
	}
	assert.Len(t, unique, 22)
}
