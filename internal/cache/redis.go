package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a cache.Gateway backed by a shared Redis instance — the
// "shared network cache (for multi-server PBX installations)" of §4.2.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to addr and returns a ready cache.Gateway.
func NewRedis(addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis cache at %s: %w", addr, err)
	}

	return &Redis{
		client: client,
		logger: logger.With("subsystem", "cache", "backend", "redis"),
	}, nil
}

// Close releases the underlying Redis connection pool.
func (r *Redis) Close() error { return r.client.Close() }

// Put implements Gateway.
func (r *Redis) Put(ctx context.Context, callID, treePath string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, Key(callID, treePath), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, Key(callID, treePath), err)
	}
	return nil
}

// Get implements Gateway.
func (r *Redis) Get(ctx context.Context, callID, treePath string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, Key(callID, treePath)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, Key(callID, treePath), err)
	}
	return val, true, nil
}

var _ Gateway = (*Redis)(nil)
