package provider

import (
	"sort"
	"sync"
	"time"

	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

// Role is a provider's position in a section's fallback chain.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleBackup    Role = "backup"
	RoleAugmenter Role = "augmenter"
	RoleInternal  Role = "internal"
)

// Internal pseudo-providers reported in diagnostics.
const (
	InternalLKG           = "lkg"
	InternalBootstrap     = "bootstrap"
	InternalRatesDefaults = "rates_defaults"
)

// Entry is one provider slot in a section chain.
type Entry struct {
	Client *Client
	Role   Role
}

// Registry owns every provider client and the internal trackers. Clients are
// shared across sections so the breaker and rate limit are per provider.
type Registry struct {
	clock    clock.Clock
	mu       sync.RWMutex
	clients  map[string]*Client
	chains   map[market.Section][]Entry
	internal map[string]*tracker
}

// NewRegistry returns an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	internal := map[string]*tracker{}
	for _, id := range []string{InternalLKG, InternalBootstrap, InternalRatesDefaults} {
		internal[id] = newTracker(id, StatusInternal)
	}
	return &Registry{
		clock:    clk,
		clients:  map[string]*Client{},
		chains:   map[market.Section][]Entry{},
		internal: internal,
	}
}

// Add registers client under section with role. The same client may be
// added to several sections.
func (r *Registry) Add(section market.Section, role Role, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID()] = client
	r.chains[section] = append(r.chains[section], Entry{Client: client, Role: role})
}

// Chain returns the entries of a section in registration order.
func (r *Registry) Chain(section market.Section) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.chains[section]))
	copy(out, r.chains[section])
	return out
}

// Client looks up a provider by id.
func (r *Registry) Client(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// MarkInternal records that an internal tier served data.
func (r *Registry) MarkInternal(id string) {
	r.mu.RLock()
	t, ok := r.internal[id]
	r.mu.RUnlock()
	if ok {
		t.internalHit(r.clock.Now())
	}
}

// Health returns every provider's counters sorted by id.
func (r *Registry) Health() []Health {
	r.mu.RLock()
	out := make([]Health, 0, len(r.clients)+len(r.internal))
	for _, c := range r.clients {
		out = append(out, c.Health())
	}
	for _, t := range r.internal {
		out = append(out, t.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Overall summarises provider health: "degraded" when any external provider
// is degraded or cooling down.
func Overall(health []Health) string {
	for _, h := range health {
		if h.Status == StatusDegraded || h.Status == StatusCooldown {
			return "degraded"
		}
	}
	return "ok"
}

// Now exposes the registry clock to callers sharing it.
func (r *Registry) Now() time.Time { return r.clock.Now() }
