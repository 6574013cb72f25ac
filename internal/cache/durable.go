package cache

import (
	"context"
	"time"
)

// Durable keeps last-known-good payloads across restarts.
type Durable interface {
	SaveLKG(ctx context.Context, key string, payload []byte, asOf time.Time) error
	// LoadLKG returns ErrMiss when nothing was stored for key.
	LoadLKG(ctx context.Context, key string) ([]byte, error)
}

// BackendDurable keeps LKG payloads in a Backend under a long TTL. Backed by
// Redis it survives process restarts; backed by memory it is only useful in
// tests and single-shot CLI runs.
type BackendDurable struct {
	backend Backend
	prefix  string
	ttl     time.Duration
}

// NewBackendDurable stores LKG entries in backend with ttl.
func NewBackendDurable(backend Backend, prefix string, ttl time.Duration) *BackendDurable {
	return &BackendDurable{backend: backend, prefix: prefix, ttl: ttl}
}

func (b *BackendDurable) SaveLKG(ctx context.Context, key string, payload []byte, _ time.Time) error {
	return b.backend.Set(ctx, b.prefix+key, payload, b.ttl)
}

func (b *BackendDurable) LoadLKG(ctx context.Context, key string) ([]byte, error) {
	return b.backend.Get(ctx, b.prefix+key)
}

var _ Durable = (*BackendDurable)(nil)
