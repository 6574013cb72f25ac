// Package diagnostics reports provider health for external health checks.
package diagnostics

import (
	"sort"
	"time"

	"openbloom-market/internal/breaker"
	"openbloom-market/internal/market"
	"openbloom-market/internal/provider"
)

// ProviderStatus is one row of the health table.
type ProviderStatus struct {
	provider.Health
	Breaker  breaker.State `json:"breaker,omitempty"`
	Sections []string      `json:"sections,omitempty"`
}

// Report is the full health table.
type Report struct {
	Status      string           `json:"status"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Providers   []ProviderStatus `json:"providers"`
}

// Collect snapshots the registry. It holds no state of its own.
func Collect(reg *provider.Registry) Report {
	health := reg.Health()

	sections := map[string][]string{}
	for _, section := range market.Sections {
		for _, entry := range reg.Chain(section) {
			id := entry.Client.ID()
			sections[id] = append(sections[id], string(section)+":"+string(entry.Role))
		}
	}

	rows := make([]ProviderStatus, 0, len(health))
	for _, h := range health {
		row := ProviderStatus{Health: h, Sections: sections[h.Provider]}
		if c, ok := reg.Client(h.Provider); ok {
			row.Breaker = c.BreakerStatus().State
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Provider < rows[j].Provider })

	return Report{
		Status:      provider.Overall(health),
		GeneratedAt: reg.Now(),
		Providers:   rows,
	}
}

// Find returns the row for id.
func (r Report) Find(id string) (ProviderStatus, bool) {
	for _, p := range r.Providers {
		if p.Provider == id {
			return p, true
		}
	}
	return ProviderStatus{}, false
}
