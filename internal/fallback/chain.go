package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
	"openbloom-market/internal/provider"
)

// ErrAllProvidersExhausted names the condition recorded in a snapshot's
// warnings when no primary or backup provider answered.
var ErrAllProvidersExhausted = errors.New("all live providers exhausted")

// LKGSourcePrefix marks rows served from the last-known-good tier.
const LKGSourcePrefix = "lkg:"

// TierReader exposes the cached tiers consulted after live providers fail.
type TierReader interface {
	Stale(ctx context.Context, key string) (market.SectionSnapshot, bool)
	LKG(ctx context.Context, key string) (market.SectionSnapshot, bool)
}

// Options gate the internal tiers.
type Options struct {
	// LKGGapFill lets LKG rows fill symbols missing from a live result.
	LKGGapFill bool
	// RatesDefaults enables the static yield snapshot for the rates section.
	RatesDefaults bool
	// Bootstrap enables the static seed dataset.
	Bootstrap bool
}

// Chain resolves a section through its ordered providers and the cached
// tiers. It never returns an error: the worst case is an empty, degraded
// snapshot whose warnings name the exhausted providers.
type Chain struct {
	registry *provider.Registry
	tiers    TierReader
	opts     Options
	clock    clock.Clock
	logger   zerolog.Logger
}

// New builds a chain over registry. tiers may be nil.
func New(registry *provider.Registry, tiers TierReader, opts Options, clk clock.Clock, logger zerolog.Logger) *Chain {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Chain{
		registry: registry,
		tiers:    tiers,
		opts:     opts,
		clock:    clk,
		logger:   logger.With().Str("component", "fallback").Logger(),
	}
}

// SetTiers attaches the cache once it exists; the cache and the chain are
// built in that order at startup.
func (c *Chain) SetTiers(tiers TierReader) { c.tiers = tiers }

// Resolve produces the snapshot for section.
func (c *Chain) Resolve(ctx context.Context, section market.Section) market.SectionSnapshot {
	targets := market.Targets(section)
	expected := market.TargetSet(section)
	chain := c.registry.Chain(section)

	var (
		quotes    []market.Quote
		sources   []string
		failures  []string
		satisfied bool
	)
	for _, entry := range chain {
		if entry.Role != provider.RolePrimary && entry.Role != provider.RoleBackup {
			continue
		}
		got, err := entry.Client.Fetch(ctx, targets)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s (%s)", entry.Client.ID(), provider.KindOf(err)))
			c.logger.Debug().Err(err).Str("section", string(section)).Str("provider", entry.Client.ID()).Msg("provider unavailable")
			continue
		}
		merged, added := market.MergeMissing(nil, got, expected)
		if added == 0 {
			failures = append(failures, fmt.Sprintf("%s (%s)", entry.Client.ID(), provider.KindParse))
			continue
		}
		quotes = merged
		sources = append(sources, entry.Client.ID())
		satisfied = true
		break
	}

	if !satisfied {
		return c.exhausted(ctx, section, failures)
	}

	for _, entry := range chain {
		if entry.Role != provider.RoleAugmenter {
			continue
		}
		missing := missingTargets(targets, quotes)
		if len(missing) == 0 {
			break
		}
		got, err := entry.Client.Fetch(ctx, missing)
		if err != nil {
			c.logger.Debug().Err(err).Str("section", string(section)).Str("provider", entry.Client.ID()).Msg("augmenter unavailable")
			continue
		}
		var added int
		quotes, added = market.MergeMissing(quotes, got, expected)
		if added > 0 {
			sources = append(sources, entry.Client.ID())
		}
	}

	if c.opts.LKGGapFill && c.tiers != nil && len(missingTargets(targets, quotes)) > 0 {
		if lkg, ok := c.tiers.LKG(ctx, string(section)); ok {
			var added int
			quotes, added = market.MergeMissing(quotes, relabelLKG(lkg.Quotes), expected)
			if added > 0 {
				sources = append(sources, provider.InternalLKG)
				c.registry.MarkInternal(provider.InternalLKG)
			}
		}
	}

	quotes = market.OrderQuotes(section, quotes)
	gaps := market.Missing(section, quotes)
	return market.SectionSnapshot{
		Section:  section,
		Quotes:   quotes,
		Sources:  sources,
		AsOf:     market.LatestAsOf(quotes),
		Origin:   market.OriginLive,
		Degraded: len(gaps) > 0,
		Expected: len(targets),
		Gaps:     gaps,
	}
}

// exhausted walks stale, LKG, rates defaults, bootstrap and finally the
// empty snapshot.
func (c *Chain) exhausted(ctx context.Context, section market.Section, failures []string) market.SectionSnapshot {
	expected := len(market.Targets(section))
	var warnings []string
	if len(failures) > 0 {
		warnings = append(warnings, fmt.Sprintf("%v for %s: %s", ErrAllProvidersExhausted, section, strings.Join(failures, ", ")))
	}
	c.logger.Warn().Str("section", string(section)).Strs("providers", failures).Msg("live providers exhausted")

	if c.tiers != nil {
		if stale, ok := c.tiers.Stale(ctx, string(section)); ok && len(stale.Quotes) > 0 {
			out := stale
			out.Quotes = markStale(stale.Quotes)
			out.Origin = market.OriginStale
			out.Degraded = true
			out.Expected = expected
			out.Gaps = market.Missing(section, out.Quotes)
			out.Warnings = warnings
			return out
		}
		if lkg, ok := c.tiers.LKG(ctx, string(section)); ok && len(lkg.Quotes) > 0 {
			c.registry.MarkInternal(provider.InternalLKG)
			quotes := market.OrderQuotes(section, relabelLKG(lkg.Quotes))
			gaps := market.Missing(section, quotes)
			return market.SectionSnapshot{
				Section:  section,
				Quotes:   quotes,
				Sources:  []string{provider.InternalLKG},
				AsOf:     lkg.AsOf,
				Origin:   market.OriginLKG,
				Degraded: len(gaps) > 0,
				Expected: expected,
				Gaps:     gaps,
				Warnings: warnings,
			}
		}
	}

	now := c.clock.Now()
	if section == market.Rates && c.opts.RatesDefaults {
		c.registry.MarkInternal(provider.InternalRatesDefaults)
		return c.static(section, market.RatesDefaultQuotes(now), provider.InternalRatesDefaults, now, warnings)
	}
	if c.opts.Bootstrap {
		c.registry.MarkInternal(provider.InternalBootstrap)
		return c.static(section, market.BootstrapQuotes(section, now), provider.InternalBootstrap, now, warnings)
	}

	return market.SectionSnapshot{
		Section:  section,
		Quotes:   []market.Quote{},
		Sources:  []string{},
		AsOf:     now,
		Origin:   market.OriginEmpty,
		Degraded: true,
		Expected: expected,
		Gaps:     market.Missing(section, nil),
		Warnings: warnings,
	}
}

func (c *Chain) static(section market.Section, quotes []market.Quote, source string, now time.Time, warnings []string) market.SectionSnapshot {
	return market.SectionSnapshot{
		Section:  section,
		Quotes:   quotes,
		Sources:  []string{source},
		AsOf:     now,
		Origin:   market.OriginBootstrap,
		Degraded: true,
		Expected: len(market.Targets(section)),
		Gaps:     market.Missing(section, quotes),
		Warnings: warnings,
	}
}

func missingTargets(targets []market.Target, quotes []market.Quote) []market.Target {
	have := make(map[string]struct{}, len(quotes))
	for _, q := range quotes {
		have[q.Symbol] = struct{}{}
	}
	var out []market.Target
	for _, t := range targets {
		if _, ok := have[t.Symbol]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// relabelLKG attributes rows to the cache while keeping the original
// provider visible.
func relabelLKG(quotes []market.Quote) []market.Quote {
	out := make([]market.Quote, 0, len(quotes))
	for _, q := range quotes {
		src := q.Source
		if !strings.HasPrefix(src, LKGSourcePrefix) {
			src = LKGSourcePrefix + src
		}
		out = append(out, q.WithSource(src, true))
	}
	return out
}

func markStale(quotes []market.Quote) []market.Quote {
	out := make([]market.Quote, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q.WithSource(q.Source, true))
	}
	return out
}
