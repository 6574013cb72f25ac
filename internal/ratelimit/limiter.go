package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Quota sizes one provider's token bucket.
type Quota struct {
	PerMinute int
	Burst     int
}

func (q Quota) limiter() *rate.Limiter {
	if q.PerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := q.Burst
	if burst <= 0 {
		burst = q.PerMinute / 4
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(q.PerMinute)/60.0), burst)
}

type bucket struct {
	limiter  *rate.Limiter
	admitted atomic.Int64
	rejected atomic.Int64
}

// Stats reports admission counters for one provider.
type Stats struct {
	Admitted int64
	Rejected int64
}

// Registry holds an independent token bucket per provider. Admission never
// blocks: a rejected call is reported to the caller, which treats it like
// a provider error for fallback purposes.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewRegistry builds buckets for the given quotas.
func NewRegistry(quotas map[string]Quota) *Registry {
	r := &Registry{buckets: make(map[string]*bucket, len(quotas))}
	for id, q := range quotas {
		r.buckets[id] = &bucket{limiter: q.limiter()}
	}
	return r
}

// Set installs or replaces the quota for a provider.
func (r *Registry) Set(providerID string, q Quota) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[providerID] = &bucket{limiter: q.limiter()}
}

// Admit consumes one token for providerID at now. Unknown providers are
// unlimited.
func (r *Registry) Admit(providerID string, now time.Time) bool {
	r.mu.RLock()
	b, ok := r.buckets[providerID]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	if b.limiter.AllowN(now, 1) {
		b.admitted.Add(1)
		return true
	}
	b.rejected.Add(1)
	return false
}

// Stats returns counters for providerID.
func (r *Registry) Stats(providerID string) Stats {
	r.mu.RLock()
	b, ok := r.buckets[providerID]
	r.mu.RUnlock()
	if !ok {
		return Stats{}
	}
	return Stats{Admitted: b.admitted.Load(), Rejected: b.rejected.Load()}
}
