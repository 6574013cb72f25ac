package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"openbloom-market/internal/cache"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/fallback"
	"openbloom-market/internal/market"
	"openbloom-market/internal/provider"
)

// SectionMeta describes where a section's rows came from.
type SectionMeta struct {
	Source   string        `json:"source"`
	Sources  []string      `json:"sources"`
	AsOf     time.Time     `json:"asOf"`
	Loaded   int           `json:"loaded"`
	Expected int           `json:"expected"`
	Stale    bool          `json:"stale"`
	Origin   market.Origin `json:"origin"`
	Gaps     []string      `json:"gaps,omitempty"`
}

// Overview is the aggregated market snapshot served to clients.
type Overview struct {
	AsOf     time.Time                        `json:"asOf"`
	Degraded bool                             `json:"degraded"`
	Banner   string                           `json:"banner,omitempty"`
	Warnings []string                         `json:"warnings"`
	Sections map[market.Section][]market.Quote `json:"sections"`
	Meta     map[market.Section]SectionMeta   `json:"sectionMeta"`
}

// SnapshotCache is the part of cache.Tiered the overview needs.
type SnapshotCache interface {
	GetOrRefresh(ctx context.Context, key string, refresh cache.RefreshFunc[market.SectionSnapshot]) (market.SectionSnapshot, cache.Tier, error)
}

// Resolver produces a section snapshot from live providers and cached tiers.
type Resolver interface {
	Resolve(ctx context.Context, section market.Section) market.SectionSnapshot
}

// OverviewService answers market-overview requests through the tiered
// cache. Data requests never fail for provider reasons.
type OverviewService struct {
	cache    SnapshotCache
	resolver Resolver
	registry *provider.Registry
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewOverviewService wires the cache in front of resolver.
func NewOverviewService(c SnapshotCache, resolver Resolver, registry *provider.Registry, clk clock.Clock, logger zerolog.Logger) *OverviewService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &OverviewService{
		cache:    c,
		resolver: resolver,
		registry: registry,
		clock:    clk,
		logger:   logger.With().Str("component", "overview").Logger(),
	}
}

// Section returns the snapshot for one section. Concurrent callers share a
// single upstream refresh.
func (s *OverviewService) Section(ctx context.Context, section market.Section) (market.SectionSnapshot, error) {
	snap, tier, err := s.cache.GetOrRefresh(ctx, string(section), func(ctx context.Context) (market.SectionSnapshot, error) {
		return s.resolver.Resolve(ctx, section), nil
	})
	if err != nil {
		return market.SectionSnapshot{}, err
	}
	if tier == cache.TierStale && snap.Origin == market.OriginLive {
		snap.Origin = market.OriginStale
	}
	s.logger.Debug().Str("section", string(section)).Str("tier", string(tier)).Str("origin", string(snap.Origin)).Int("rows", len(snap.Quotes)).Msg("section served")
	return snap, nil
}

// Sections refreshes every section concurrently.
func (s *OverviewService) Sections(ctx context.Context) (map[market.Section]market.SectionSnapshot, error) {
	var mu sync.Mutex
	out := make(map[market.Section]market.SectionSnapshot, len(market.Sections))
	g, gctx := errgroup.WithContext(ctx)
	for _, section := range market.Sections {
		g.Go(func() error {
			snap, err := s.Section(gctx, section)
			if err != nil {
				return fmt.Errorf("section %s: %w", section, err)
			}
			mu.Lock()
			out[section] = snap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Overview assembles every section with warnings and the banner.
func (s *OverviewService) Overview(ctx context.Context) (Overview, error) {
	snaps, err := s.Sections(ctx)
	if err != nil {
		return Overview{}, err
	}
	return s.assemble(snaps), nil
}

func (s *OverviewService) assemble(snaps map[market.Section]market.SectionSnapshot) Overview {
	ov := Overview{
		AsOf:     s.clock.Now(),
		Warnings: []string{},
		Sections: make(map[market.Section][]market.Quote, len(snaps)),
		Meta:     make(map[market.Section]SectionMeta, len(snaps)),
	}

	var (
		warnings  []string
		liveRows  int
		totalRows int
		stale     bool
	)
	for _, section := range market.Sections {
		snap, ok := snaps[section]
		if !ok {
			continue
		}
		meta := metaFor(snap)
		quotes := snap.Quotes
		if quotes == nil {
			quotes = []market.Quote{}
		}
		ov.Sections[section] = quotes
		ov.Meta[section] = meta

		totalRows += meta.Loaded
		if snap.Origin == market.OriginLive {
			liveRows += meta.Loaded
		}
		if meta.Stale && meta.Loaded > 0 {
			stale = true
		}

		warnings = append(warnings, snap.Warnings...)
		switch {
		case meta.Loaded == 0:
			warnings = append(warnings, fmt.Sprintf("No %s data available from live providers or cache.", section))
		case meta.Loaded < meta.Expected:
			warnings = append(warnings, fmt.Sprintf("Partial %s coverage (%d/%d).", section, meta.Loaded, meta.Expected))
		}
	}

	if totalRows == 0 {
		warnings = append(warnings, "No live market data available from providers, cache, or bootstrap snapshot.")
	} else if stale && liveRows == 0 {
		warnings = append(warnings, "Live providers unavailable; data served from cache/default snapshots.")
	}

	ov.Banner = s.banner(ov.Meta, totalRows)
	ov.Warnings = dedupe(warnings)
	ov.Degraded = ov.Banner != "" || len(ov.Warnings) > 0 || stale
	return ov
}

// banner reports a Yahoo outage while other providers keep data flowing.
func (s *OverviewService) banner(meta map[market.Section]SectionMeta, totalRows int) string {
	if s.registry == nil || totalRows == 0 {
		return ""
	}
	yahoo, ok := s.registry.Client("yahoo")
	if !ok {
		return ""
	}
	status := yahoo.Health().Status
	if status != provider.StatusDegraded && status != provider.StatusCooldown {
		return ""
	}
	var sources []string
	for _, section := range market.Sections {
		m, ok := meta[section]
		if !ok || m.Source == "" {
			continue
		}
		switch m.Source {
		case "yahoo", provider.InternalLKG, provider.InternalBootstrap:
			continue
		}
		sources = append(sources, m.Source)
	}
	sources = dedupe(sources)
	text := "fallback providers"
	if len(sources) > 0 {
		text = strings.Join(sources, "/")
	}
	return fmt.Sprintf("Yahoo down, serving from %s.", text)
}

func metaFor(snap market.SectionSnapshot) SectionMeta {
	meta := SectionMeta{
		Sources:  snap.Sources,
		AsOf:     snap.AsOf,
		Loaded:   snap.Loaded(),
		Expected: snap.Expected,
		Origin:   snap.Origin,
		Gaps:     snap.Gaps,
		Stale:    snap.Origin != market.OriginLive,
	}
	if meta.Sources == nil {
		meta.Sources = []string{}
	}
	if len(snap.Sources) > 0 {
		meta.Source = snap.Sources[0]
	}
	for _, q := range snap.Quotes {
		if q.Stale {
			meta.Stale = true
			break
		}
	}
	if meta.Expected == 0 {
		meta.Expected = len(market.Targets(snap.Section))
	}
	return meta
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

var (
	_ SnapshotCache = (*cache.Tiered[market.SectionSnapshot])(nil)
	_ Resolver      = (*fallback.Chain)(nil)
)
