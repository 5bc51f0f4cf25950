package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultOpTimeout = 5 * time.Second

// RedisConfig configures the redis-backed store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string        // key prefix, default "spendgate:"
	OpTimeout time.Duration // per-operation deadline, default 5s
}

// RedisStore persists keys in redis under a namespace prefix. Every
// operation runs under a bounded deadline so a stalled backend cannot
// wedge the request path.
type RedisStore struct {
	client    *redis.Client
	namespace string
	timeout   time.Duration
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "spendgate:"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{
		client:    client,
		namespace: cfg.Namespace,
		timeout:   cfg.OpTimeout,
	}, nil
}

func (r *RedisStore) key(k string) string { return r.namespace + k }

func (r *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	opCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	val, err := r.client.Get(opCtx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	opCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Set(opCtx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	opCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Del(opCtx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	opCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	var out []string
	iter := r.client.Scan(opCtx, 0, r.key(prefix)+"*", 0).Iterator()
	for iter.Next(opCtx) {
		out = append(out, iter.Val()[len(r.namespace):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
