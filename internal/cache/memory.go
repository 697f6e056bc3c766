package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// entry is one cached value with its absolute expiry.
type entry struct {
	value  []byte
	expiry time.Time
}

// Memory is an in-process cache.Gateway backed by a map guarded by a
// mutex, with a background janitor that sweeps expired entries. Suitable
// for single-server deployments and for tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	logger  *slog.Logger
}

// NewMemory creates an empty Memory cache.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		entries: make(map[string]entry),
		logger:  logger.With("subsystem", "cache", "backend", "memory"),
	}
}

// Put implements Gateway.
func (m *Memory) Put(_ context.Context, callID, treePath string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	m.mu.Lock()
	m.entries[Key(callID, treePath)] = entry{value: buf, expiry: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Get implements Gateway.
func (m *Memory) Get(_ context.Context, callID, treePath string) ([]byte, bool, error) {
	m.mu.Lock()
	e, ok := m.entries[Key(callID, treePath)]
	m.mu.Unlock()

	if !ok || time.Now().After(e.expiry) {
		return nil, false, nil
	}
	buf := make([]byte, len(e.value))
	copy(buf, e.value)
	return buf, true, nil
}

// StartJanitor runs a background goroutine that periodically evicts
// expired entries. The goroutine stops when ctx is cancelled.
func (m *Memory) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := m.sweep()
				if removed > 0 {
					m.logger.Debug("cache janitor swept expired entries", "removed", removed)
				}
			}
		}
	}()
}

func (m *Memory) sweep() int {
	now := time.Now()
	removed := 0

	m.mu.Lock()
	for k, e := range m.entries {
		if now.After(e.expiry) {
			delete(m.entries, k)
			removed++
		}
	}
	m.mu.Unlock()

	return removed
}

var _ Gateway = (*Memory)(nil)
