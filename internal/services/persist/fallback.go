package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ErrorHook observes backend failures; the pipeline wires it to the
// storage:error event.
type ErrorHook func(op, key string, err error)

// Fallback serves from a primary store until it fails, then degrades
// permanently to an in-process store. The switch logs one warning.
// Writes are mirrored to memory while the primary is healthy so a
// mid-flight failover keeps the session's data.
//
// Access is serialized per key via striped locks; persistence callers
// never need their own ordering.
type Fallback struct {
	primary Store
	memory  *MemoryStore
	logger  *zap.Logger
	onError ErrorHook

	degraded atomic.Bool
	warnOnce sync.Once
	locks    [64]sync.Mutex
}

func NewFallback(primary Store, logger *zap.Logger, onError ErrorHook) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onError == nil {
		onError = func(string, string, error) {}
	}
	return &Fallback{
		primary: primary,
		memory:  NewMemoryStore(),
		logger:  logger,
		onError: onError,
	}
}

func (f *Fallback) lock(key string) *sync.Mutex {
	return &f.locks[xxhash.Sum64String(key)&63]
}

// Degraded reports whether the primary has been abandoned.
func (f *Fallback) Degraded() bool { return f.degraded.Load() }

func (f *Fallback) degrade(op, key string, err error) {
	f.onError(op, key, err)
	if f.degraded.Swap(true) {
		return
	}
	f.warnOnce.Do(func() {
		f.logger.Warn("persistence backend failed, continuing in-memory only",
			zap.String("op", op),
			zap.Error(err))
	})
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	mu := f.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if f.primary != nil && !f.degraded.Load() {
		val, err := f.primary.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		f.degrade("get", key, err)
	}
	return f.memory.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	mu := f.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := f.memory.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if f.primary != nil && !f.degraded.Load() {
		if err := f.primary.Set(ctx, key, value, ttl); err != nil {
			f.degrade("set", key, err)
		}
	}
	return nil
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	mu := f.lock(key)
	mu.Lock()
	defer mu.Unlock()

	_ = f.memory.Delete(ctx, key)
	if f.primary != nil && !f.degraded.Load() {
		if err := f.primary.Delete(ctx, key); err != nil {
			f.degrade("delete", key, err)
		}
	}
	return nil
}

func (f *Fallback) Keys(ctx context.Context, prefix string) ([]string, error) {
	if f.primary != nil && !f.degraded.Load() {
		keys, err := f.primary.Keys(ctx, prefix)
		if err == nil {
			return keys, nil
		}
		f.degrade("keys", prefix, err)
	}
	return f.memory.Keys(ctx, prefix)
}

func (f *Fallback) Close() error {
	if f.primary != nil {
		return f.primary.Close()
	}
	return nil
}
