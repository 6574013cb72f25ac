package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"openbloom-market/internal/clock"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend stores opaque values with a TTL. Implementations must be safe for
// concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is a process-local Backend.
type MemoryBackend struct {
	clock   clock.Clock
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend(clk clock.Clock) *MemoryBackend {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryBackend{clock: clk, entries: map[string]memoryEntry{}}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// LayeredBackend writes through to a shared backend and a local one. Reads
// prefer the shared backend and fall back to the local copy when it errors,
// so a Redis outage degrades to per-process caching instead of failing.
type LayeredBackend struct {
	shared Backend
	local  Backend
	logger zerolog.Logger
}

// NewLayeredBackend layers shared over local.
func NewLayeredBackend(shared, local Backend, logger zerolog.Logger) *LayeredBackend {
	return &LayeredBackend{
		shared: shared,
		local:  local,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

func (l *LayeredBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := l.shared.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrMiss) {
		l.logger.Warn().Err(err).Str("key", key).Msg("shared cache read failed, using local copy")
	}
	return l.local.Get(ctx, key)
}

func (l *LayeredBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := l.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := l.shared.Set(ctx, key, value, ttl); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("shared cache write failed")
	}
	return nil
}

func (l *LayeredBackend) Delete(ctx context.Context, key string) error {
	_ = l.local.Delete(ctx, key)
	return l.shared.Delete(ctx, key)
}

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*LayeredBackend)(nil)
)
