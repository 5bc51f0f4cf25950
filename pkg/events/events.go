// Package events provides the typed publish/subscribe bus the
// middleware emits its lifecycle events on. Each middleware instance
// owns a private bus so concurrent instances in one process never
// observe each other's traffic; ForwardAll can relay into the optional
// process-global bus for consumers that want a single firehose.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies an event kind. The set is fixed; payload shapes per
// type are defined in payloads.go.
type Type string

const (
	RequestBlocked  Type = "request:blocked"
	RequestAllowed  Type = "request:allowed"
	CacheHit        Type = "cache:hit"
	CacheMiss       Type = "cache:miss"
	CacheStore      Type = "cache:store"
	ContextTrimmed  Type = "context:trimmed"
	RouterDowngrade Type = "router:downgraded"
	RouterHoldback  Type = "router:holdback"
	LedgerEntry     Type = "ledger:entry"
	BreakerWarning  Type = "breaker:warning"
	BreakerTripped  Type = "breaker:tripped"
	BudgetWarning   Type = "userBudget:warning"
	BudgetExceeded  Type = "userBudget:exceeded"
	BudgetSpend     Type = "userBudget:spend"
	StreamChunk     Type = "stream:chunk"
	StreamAbort     Type = "stream:abort"
	StreamComplete  Type = "stream:complete"
	AnomalyDetected Type = "anomaly:detected"
	CompressApplied Type = "compressor:applied"
	DeltaApplied    Type = "delta:applied"
	StorageError    Type = "storage:error"
	CostFallback    Type = "cost:fallback"
)

// AllTypes lists every event type, in a stable order. Useful for
// consumers that fan out per type (metrics, audit severity maps).
func AllTypes() []Type {
	return []Type{
		RequestBlocked, RequestAllowed,
		CacheHit, CacheMiss, CacheStore,
		ContextTrimmed,
		RouterDowngrade, RouterHoldback,
		LedgerEntry,
		BreakerWarning, BreakerTripped,
		BudgetWarning, BudgetExceeded, BudgetSpend,
		StreamChunk, StreamAbort, StreamComplete,
		AnomalyDetected,
		CompressApplied, DeltaApplied,
		StorageError, CostFallback,
	}
}

// Event is a single published occurrence.
type Event struct {
	Type    Type        `json:"type"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handler receives events synchronously on the publisher's goroutine.
// Handlers must not block for long; slow consumers should hand off to
// their own channel.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a per-instance synchronous event bus. The zero value is not
// usable; construct with New.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byType map[Type][]subscription
	all    []subscription
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		byType: make(map[Type][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function. Handlers fire in registration order.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.byType[t]
		for i, s := range subs {
			if s.id == id {
				b.byType[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every event type. All-handlers
// fire after type-specific handlers, in registration order.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.all {
			if s.id == id {
				b.all = append(b.all[:i:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to all matching subscribers on the
// calling goroutine. A zero Time is stamped with the current time.
// Handler panics are recovered and logged; they never reach the
// publisher. Handlers may subscribe or unsubscribe reentrantly; such
// changes take effect for the next publish.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	typed := make([]subscription, len(b.byType[evt.Type]))
	copy(typed, b.byType[evt.Type])
	all := make([]subscription, len(b.all))
	copy(all, b.all)
	b.mu.RUnlock()

	for _, s := range typed {
		b.deliver(s, evt)
	}
	for _, s := range all {
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(evt.Type)),
				zap.Any("panic", r))
		}
	}()
	s.handler(evt)
}

// Emit is shorthand for publishing a payload of the given type now.
func (b *Bus) Emit(t Type, payload interface{}) {
	b.Publish(Event{Type: t, Payload: payload})
}

// SubscriberCount reports how many handlers would see an event of the
// given type.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byType[t]) + len(b.all)
}

// ForwardAll relays every event from b into dst until the returned
// stop function is called. Forwarding into the bus itself is rejected
// to avoid infinite republish loops.
func (b *Bus) ForwardAll(dst *Bus) func() {
	if dst == nil || dst == b {
		return func() {}
	}
	return b.SubscribeAll(func(evt Event) {
		dst.Publish(evt)
	})
}

var (
	globalOnce sync.Once
	globalBus  *Bus
)

// Global returns the shared process-wide bus. Nothing is forwarded to
// it unless an instance opts in via ForwardAll.
func Global() *Bus {
	globalOnce.Do(func() {
		globalBus = New(nil)
	})
	return globalBus
}
