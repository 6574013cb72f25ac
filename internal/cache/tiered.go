package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Tier names where a value was found.
type Tier string

const (
	TierFresh Tier = "fresh"
	TierStale Tier = "stale"
	TierLKG   Tier = "lkg"
	TierLive  Tier = "live"
)

// Fresh is implemented by cacheable values; Freshness orders competing
// writes to one key.
type Fresh interface {
	Freshness() time.Time
}

// live is implemented by values that may be degraded answers. Degraded
// values only populate the fresh tier so they never displace good stale or
// LKG entries.
type live interface {
	Live() bool
}

// TTLs size the three tiers. Fresh <= Stale <= LKG.
type TTLs struct {
	Fresh time.Duration
	Stale time.Duration
	LKG   time.Duration
}

// DefaultTTLs match an 8 second upstream cadence.
func DefaultTTLs() TTLs {
	return TTLs{Fresh: 8 * time.Second, Stale: 5 * time.Minute, LKG: 7 * 24 * time.Hour}
}

func (t TTLs) normalized() TTLs {
	d := DefaultTTLs()
	if t.Fresh <= 0 {
		t.Fresh = d.Fresh
	}
	if t.Stale < t.Fresh {
		t.Stale = max(d.Stale, t.Fresh)
	}
	if t.LKG < t.Stale {
		t.LKG = max(d.LKG, t.Stale)
	}
	return t
}

// Options configure a Tiered cache.
type Options struct {
	Namespace string
	TTL       TTLs
	Codec     Codec
	// Durable receives LKG writes; nil keeps LKG in the backend.
	Durable Durable
	Logger  zerolog.Logger
}

// RefreshFunc produces a new value for a key.
type RefreshFunc[T Fresh] func(ctx context.Context) (T, error)

// Tiered is a fresh/stale/LKG cache with single-flight refreshes.
type Tiered[T Fresh] struct {
	backend Backend
	durable Durable
	codec   Codec
	ttl     TTLs
	ns      string
	logger  zerolog.Logger

	group   singleflight.Group
	locks   sync.Map // key -> *sync.Mutex
	pending sync.WaitGroup
}

// NewTiered builds a cache over backend.
func NewTiered[T Fresh](backend Backend, opts Options) *Tiered[T] {
	if opts.Codec == nil {
		opts.Codec = MsgpackCodec{}
	}
	ttl := opts.TTL.normalized()
	durable := opts.Durable
	if durable == nil {
		durable = NewBackendDurable(backend, "openbloom:lkg:"+opts.Namespace+":", ttl.LKG)
	}
	return &Tiered[T]{
		backend: backend,
		durable: durable,
		codec:   opts.Codec,
		ttl:     ttl,
		ns:      opts.Namespace,
		logger:  opts.Logger.With().Str("component", "cache").Str("namespace", opts.Namespace).Logger(),
	}
}

func (t *Tiered[T]) key(tier Tier, key string) string {
	return fmt.Sprintf("openbloom:%s:%s:%s", tier, t.ns, key)
}

// Fresh returns the fresh-tier value for key.
func (t *Tiered[T]) Fresh(ctx context.Context, key string) (T, bool) {
	return t.read(ctx, t.key(TierFresh, key))
}

// Stale returns the stale-tier value for key.
func (t *Tiered[T]) Stale(ctx context.Context, key string) (T, bool) {
	return t.read(ctx, t.key(TierStale, key))
}

// LKG returns the durable last-known-good value for key.
func (t *Tiered[T]) LKG(ctx context.Context, key string) (T, bool) {
	var zero T
	payload, err := t.durable.LoadLKG(ctx, t.lkgKey(key))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			t.logger.Warn().Err(err).Str("key", key).Msg("lkg read failed")
		}
		return zero, false
	}
	var v T
	if err := t.codec.Unmarshal(payload, &v); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("lkg decode failed")
		return zero, false
	}
	return v, true
}

func (t *Tiered[T]) lkgKey(key string) string { return t.ns + ":" + key }

// GetOrRefresh returns the fresh value for key, or runs refresh once for all
// concurrent callers of the same key. When refresh fails the stale and then
// the LKG tier are consulted; the error is returned only when every tier
// misses.
func (t *Tiered[T]) GetOrRefresh(ctx context.Context, key string, refresh RefreshFunc[T]) (T, Tier, error) {
	if v, ok := t.Fresh(ctx, key); ok {
		return v, TierFresh, nil
	}

	ch := t.group.DoChan(key, func() (any, error) {
		// the refresh outlives any single caller's cancellation
		bg := context.WithoutCancel(ctx)
		if v, ok := t.Fresh(bg, key); ok {
			return v, nil
		}
		v, err := refresh(bg)
		if err != nil {
			return nil, err
		}
		if err := t.Put(bg, key, v); err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, "", ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(T), TierLive, nil
		}
		if v, ok := t.Stale(ctx, key); ok {
			return v, TierStale, nil
		}
		if v, ok := t.LKG(ctx, key); ok {
			return v, TierLKG, nil
		}
		return zero, "", res.Err
	}
}

// Put writes v to the fresh and stale tiers and schedules the LKG write.
// A tier already holding a fresher value is left untouched.
func (t *Tiered[T]) Put(ctx context.Context, key string, v T) error {
	payload, err := t.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	mu := t.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if err := t.writeIfNewer(ctx, t.key(TierFresh, key), v, payload, t.ttl.Fresh); err != nil {
		return err
	}
	if l, ok := any(v).(live); ok && !l.Live() {
		return nil
	}
	if err := t.writeIfNewer(ctx, t.key(TierStale, key), v, payload, t.ttl.Stale); err != nil {
		return err
	}

	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		lkgMu := t.lockFor("lkg:" + key)
		lkgMu.Lock()
		defer lkgMu.Unlock()
		lkgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if current, ok := t.LKG(lkgCtx, key); ok && current.Freshness().After(v.Freshness()) {
			return
		}
		if err := t.durable.SaveLKG(lkgCtx, t.lkgKey(key), payload, v.Freshness()); err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("lkg write failed")
		}
	}()
	return nil
}

func (t *Tiered[T]) lockFor(key string) *sync.Mutex {
	mu, _ := t.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Wait blocks until scheduled LKG writes finish.
func (t *Tiered[T]) Wait() { t.pending.Wait() }

func (t *Tiered[T]) writeIfNewer(ctx context.Context, fullKey string, v T, payload []byte, ttl time.Duration) error {
	if current, ok := t.read(ctx, fullKey); ok && current.Freshness().After(v.Freshness()) {
		return nil
	}
	return t.backend.Set(ctx, fullKey, payload, ttl)
}

func (t *Tiered[T]) read(ctx context.Context, fullKey string) (T, bool) {
	var zero T
	payload, err := t.backend.Get(ctx, fullKey)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			t.logger.Warn().Err(err).Str("key", fullKey).Msg("cache read failed")
		}
		return zero, false
	}
	var v T
	if err := t.codec.Unmarshal(payload, &v); err != nil {
		t.logger.Warn().Err(err).Str("key", fullKey).Msg("cache decode failed")
		return zero, false
	}
	return v, true
}
