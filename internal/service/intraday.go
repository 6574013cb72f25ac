package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/cache"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
	"openbloom-market/internal/provider"
)

// Stream states reported with an intraday answer.
const (
	StreamLive        = "live"
	StreamDelayed     = "delayed"
	StreamStale       = "stale"
	StreamUnavailable = "unavailable"
)

// SourceUnavailable attributes an empty intraday answer.
const SourceUnavailable = "Unavailable"

// Intraday is one symbol's quote plus its session points.
type Intraday struct {
	Symbol                 string         `json:"symbol"`
	DisplaySymbol          string         `json:"displaySymbol"`
	InstrumentType         string         `json:"instrumentType"`
	Source                 string         `json:"source"`
	AsOf                   time.Time      `json:"asOf"`
	LastPrice              float64        `json:"lastPrice"`
	Change                 float64        `json:"change"`
	ChangePercent          float64        `json:"changePercent"`
	Volume                 *float64       `json:"volume,omitempty"`
	Currency               string         `json:"currency,omitempty"`
	Stale                  bool           `json:"stale"`
	FreshnessSeconds       int            `json:"freshnessSeconds"`
	UpstreamRefreshSeconds int            `json:"upstreamRefreshIntervalSeconds"`
	StreamStatus           string         `json:"streamStatus"`
	Warnings               []string       `json:"warnings"`
	Points                 []market.Point `json:"points"`
}

// Quote converts the answer into a stream quote.
func (i Intraday) Quote() market.Quote {
	return market.Quote{
		Symbol:        i.Symbol,
		DisplaySymbol: i.DisplaySymbol,
		Price:         i.LastPrice,
		Change:        i.Change,
		ChangePercent: i.ChangePercent,
		Volume:        i.Volume,
		Currency:      i.Currency,
		Source:        i.Source,
		AsOf:          i.AsOf,
		Stale:         i.Stale,
	}
}

// SeriesCache is the part of cache.Tiered the intraday service needs.
type SeriesCache interface {
	GetOrRefresh(ctx context.Context, key string, refresh cache.RefreshFunc[provider.Series]) (provider.Series, cache.Tier, error)
}

// SeriesFetcher loads an intraday series from one provider.
type SeriesFetcher interface {
	ID() string
	FetchSeries(ctx context.Context, d market.Descriptor) (provider.Series, error)
}

// IntradayOptions tune the upstream cadence.
type IntradayOptions struct {
	UpstreamRefresh   time.Duration
	FXUpstreamRefresh time.Duration
	// Lookback bounds the accumulated points returned with an answer.
	Lookback time.Duration
}

// IntradayService serves per-symbol intraday snapshots. Live order is the
// fetchers' order; a failed refresh falls back to the previous upstream
// snapshot and finally to an empty answer.
type IntradayService struct {
	cache    SeriesCache
	fetchers []SeriesFetcher
	series   cache.SeriesStore
	opts     IntradayOptions
	clock    clock.Clock
	logger   zerolog.Logger

	quotes QuotePublisher
}

// QuotePublisher receives single-symbol quotes.
type QuotePublisher interface {
	PublishQuote(q market.Quote)
}

// NewIntradayService builds the service. series may be nil.
func NewIntradayService(c SeriesCache, fetchers []SeriesFetcher, series cache.SeriesStore, opts IntradayOptions, clk clock.Clock, logger zerolog.Logger) *IntradayService {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	return &IntradayService{
		cache:    c,
		fetchers: fetchers,
		series:   series,
		opts:     opts,
		clock:    clk,
		logger:   logger.With().Str("component", "intraday").Logger(),
	}
}

// PublishTo sends every new intraday price to p. Call it before the
// service is shared.
func (s *IntradayService) PublishTo(p QuotePublisher) { s.quotes = p }

// Get answers for raw. Only a malformed symbol is an error. Live and fresh
// answers are published; stale fallbacks are not.
func (s *IntradayService) Get(ctx context.Context, raw string) (Intraday, error) {
	d, err := market.Normalize(raw)
	if err != nil {
		return Intraday{}, &alerting.ValidationError{Field: "symbol", Message: err.Error()}
	}

	var attempts []string
	series, tier, err := s.cache.GetOrRefresh(ctx, d.Canonical, func(ctx context.Context) (provider.Series, error) {
		got, warnings, err := s.fetchLive(ctx, d)
		attempts = warnings
		return got, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return Intraday{}, ctx.Err()
		}
		s.logger.Warn().Err(err).Str("symbol", d.Canonical).Msg("intraday unavailable")
		warnings := append([]string{"No live intraday data available."}, attempts...)
		return s.empty(d, warnings), nil
	}

	out := s.build(ctx, d, series, tier)
	if tier == cache.TierStale || tier == cache.TierLKG {
		out.Stale = true
		out.StreamStatus = StreamStale
		out.Warnings = dedupe(append(append(out.Warnings, attempts...), "Live refresh failed; serving stale snapshot."))
		return out, nil
	}
	if s.quotes != nil && out.LastPrice > 0 {
		s.quotes.PublishQuote(out.Quote())
	}
	return out, nil
}

func (s *IntradayService) fetchLive(ctx context.Context, d market.Descriptor) (provider.Series, []string, error) {
	var (
		warnings []string
		errs     []error
	)
	for _, f := range s.fetchers {
		series, err := f.FetchSeries(ctx, d)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s intraday unavailable (%s).", f.ID(), provider.Summarize(err)))
			errs = append(errs, err)
			continue
		}
		series.Warnings = dedupe(append(series.Warnings, warnings...))
		if s.series != nil && !series.Stale {
			if err := s.series.Append(ctx, d.Canonical, series.Points...); err != nil {
				s.logger.Warn().Err(err).Str("symbol", d.Canonical).Msg("series append failed")
			}
		}
		return series, warnings, nil
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no intraday providers configured"))
	}
	return provider.Series{}, warnings, errors.Join(errs...)
}

func (s *IntradayService) build(ctx context.Context, d market.Descriptor, series provider.Series, tier cache.Tier) Intraday {
	now := s.clock.Now()
	change, pct := series.Change()
	out := Intraday{
		Symbol:                 d.Canonical,
		DisplaySymbol:          d.DisplaySymbol,
		InstrumentType:         d.InstrumentType,
		Source:                 series.Source,
		AsOf:                   series.AsOf,
		LastPrice:              series.LastPrice,
		Change:                 change,
		ChangePercent:          pct,
		Volume:                 series.Volume,
		Currency:               series.Currency,
		Stale:                  series.Stale,
		FreshnessSeconds:       freshness(now, series.AsOf),
		UpstreamRefreshSeconds: int(s.refreshFor(d).Seconds()),
		StreamStatus:           StreamLive,
		Warnings:               append([]string{}, series.Warnings...),
		Points:                 s.points(ctx, d, series),
	}
	if series.Stale {
		out.StreamStatus = StreamDelayed
	}
	return out
}

// points prefers the accumulated session history over the single answer.
func (s *IntradayService) points(ctx context.Context, d market.Descriptor, series provider.Series) []market.Point {
	if s.series == nil || series.Stale {
		return nonNil(market.CompactPoints(series.Points))
	}
	stored, err := s.series.Range(ctx, d.Canonical, series.AsOf.Add(-s.opts.Lookback))
	if err != nil || len(stored) == 0 {
		return nonNil(market.CompactPoints(series.Points))
	}
	return nonNil(market.CompactPoints(stored))
}

func (s *IntradayService) empty(d market.Descriptor, warnings []string) Intraday {
	return Intraday{
		Symbol:                 d.Canonical,
		DisplaySymbol:          d.DisplaySymbol,
		InstrumentType:         d.InstrumentType,
		Source:                 SourceUnavailable,
		AsOf:                   s.clock.Now(),
		Stale:                  true,
		UpstreamRefreshSeconds: int(s.refreshFor(d).Seconds()),
		StreamStatus:           StreamUnavailable,
		Warnings:               dedupe(warnings),
		Points:                 []market.Point{},
	}
}

func (s *IntradayService) refreshFor(d market.Descriptor) time.Duration {
	if d.InstrumentType == market.TypeFX && s.opts.FXUpstreamRefresh > 0 {
		return s.opts.FXUpstreamRefresh
	}
	return s.opts.UpstreamRefresh
}

func freshness(now, asOf time.Time) int {
	if asOf.IsZero() || now.Before(asOf) {
		return 0
	}
	return int(now.Sub(asOf).Seconds())
}

func nonNil(points []market.Point) []market.Point {
	if points == nil {
		return []market.Point{}
	}
	return points
}

var (
	_ SeriesCache   = (*cache.Tiered[provider.Series])(nil)
	_ SeriesFetcher = (*provider.Client)(nil)
)
