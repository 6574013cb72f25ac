package provider

import (
	"sync"
	"time"
)

// Status is the externally reported provider state.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusCooldown Status = "cooldown"
	StatusDisabled Status = "disabled"
	StatusInternal Status = "internal"
)

// Health is a copy of one provider's counters.
type Health struct {
	Provider            string    `json:"provider"`
	Status              Status    `json:"status"`
	LastAttemptAt       time.Time `json:"lastAttemptAt"`
	LastSuccessAt       time.Time `json:"lastSuccessAt"`
	LastError           string    `json:"lastError,omitempty"`
	SuccessCount        int64     `json:"successCount"`
	FailureCount        int64     `json:"failureCount"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CooldownUntil       time.Time `json:"cooldownUntil"`
	RateLimited         int64     `json:"rateLimited"`
	Skipped             int64     `json:"skipped"`
}

// tracker guards one Health record. Only the owning client writes it.
type tracker struct {
	mu sync.Mutex
	h  Health
}

func newTracker(providerID string, status Status) *tracker {
	return &tracker{h: Health{Provider: providerID, Status: status}}
}

func (t *tracker) success(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Status = StatusOK
	t.h.LastAttemptAt = now
	t.h.LastSuccessAt = now
	t.h.LastError = ""
	t.h.SuccessCount++
	t.h.ConsecutiveFailures = 0
	t.h.CooldownUntil = time.Time{}
}

func (t *tracker) failure(now time.Time, err error, consecutive int, cooldownUntil time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.LastAttemptAt = now
	t.h.LastError = Summarize(err)
	t.h.FailureCount++
	t.h.ConsecutiveFailures = consecutive
	if !cooldownUntil.IsZero() && cooldownUntil.After(now) {
		t.h.Status = StatusCooldown
		t.h.CooldownUntil = cooldownUntil
		return
	}
	t.h.Status = StatusDegraded
}

func (t *tracker) rateLimited() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.RateLimited++
}

func (t *tracker) skipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Skipped++
}

func (t *tracker) disabled(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Status = StatusDisabled
	t.h.LastError = reason
}

func (t *tracker) internalHit(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Status = StatusInternal
	t.h.LastAttemptAt = now
	t.h.LastSuccessAt = now
	t.h.SuccessCount++
}

func (t *tracker) snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}
