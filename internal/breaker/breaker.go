package breaker

import (
	"math"
	"sync"
	"time"
)

// State of a circuit.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Decision is the admission result for one call.
type Decision int

const (
	// Allow permits a normal call.
	Allow Decision = iota
	// Probe permits the single half-open trial call.
	Probe
	// Skip short-circuits the call without network I/O.
	Skip
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Probe:
		return "probe"
	default:
		return "skip"
	}
}

// Settings configure one provider's breaker.
type Settings struct {
	FailureThreshold int
	Cooldown         time.Duration
	// BackoffFactor multiplies the cooldown after each failed probe; values
	// <= 1 keep it constant.
	BackoffFactor float64
	MaxCooldown   time.Duration
}

// CooldownFor returns the cooldown applied after reopens consecutive
// failed probes (0 for the first trip).
func CooldownFor(s Settings, reopens int) time.Duration {
	base := s.Cooldown
	if base <= 0 {
		return 0
	}
	if s.BackoffFactor <= 1 || reopens <= 0 {
		return base
	}
	scaled := float64(base) * math.Pow(s.BackoffFactor, float64(reopens))
	limit := s.MaxCooldown
	if limit <= 0 {
		limit = base * 10
	}
	if scaled >= float64(limit) || math.IsInf(scaled, 1) {
		return limit
	}
	return time.Duration(scaled)
}

// Status is a point-in-time copy of breaker state.
type Status struct {
	State               State
	ConsecutiveFailures int
	CooldownUntil       time.Time
	Reopens             int
}

// Breaker is a CLOSED -> OPEN -> HALF-OPEN circuit for one provider. It is
// independent of every other provider's breaker.
type Breaker struct {
	mu            sync.Mutex
	settings      Settings
	state         State
	consecutive   int
	reopens       int
	cooldownUntil time.Time
	probing       bool
}

// New creates a closed breaker.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 1
	}
	return &Breaker{settings: s, state: Closed}
}

// Allow decides whether a call may proceed at now. While open, calls are
// skipped until the cooldown elapses; then exactly one probe is admitted.
func (b *Breaker) Allow(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return Allow
	case Open:
		if now.Before(b.cooldownUntil) {
			return Skip
		}
		b.state = HalfOpen
		b.probing = true
		return Probe
	default:
		if b.probing {
			return Skip
		}
		b.probing = true
		return Probe
	}
}

// Success closes the circuit and resets the failure streak.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutive = 0
	b.reopens = 0
	b.probing = false
	b.cooldownUntil = time.Time{}
}

// Failure records a failed call at now and reports whether the circuit
// (re)opened as a result.
func (b *Breaker) Failure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.consecutive++
		b.reopens++
		b.open(now)
		return true
	case Open:
		// a call admitted before the trip finished late; the cooldown stands
		return false
	default:
		b.consecutive++
		if b.consecutive >= b.settings.FailureThreshold {
			b.reopens = 0
			b.open(now)
			return true
		}
		return false
	}
}

// Release abandons an admitted probe without an outcome so the next caller
// may probe instead.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.probing {
		b.probing = false
		b.state = Open
	}
}

// Status returns a copy of the current state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		CooldownUntil:       b.cooldownUntil,
		Reopens:             b.reopens,
	}
}

// Settings returns the breaker configuration.
func (b *Breaker) Settings() Settings {
	return b.settings
}

func (b *Breaker) open(now time.Time) {
	b.state = Open
	b.probing = false
	b.cooldownUntil = now.Add(CooldownFor(b.settings, b.reopens))
}
