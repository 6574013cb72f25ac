package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/cache"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
	"openbloom-market/internal/provider"
	"openbloom-market/internal/service"
)

type fakeFetcher struct {
	id     string
	series provider.Series
	err    error
	calls  int
}

func (f *fakeFetcher) ID() string { return f.id }

func (f *fakeFetcher) FetchSeries(_ context.Context, d market.Descriptor) (provider.Series, error) {
	f.calls++
	if f.err != nil {
		return provider.Series{}, f.err
	}
	s := f.series
	s.Symbol = d.Canonical
	return s, nil
}

func yahooSeries(asOf time.Time) provider.Series {
	return provider.Series{
		Source:        "yahoo",
		Currency:      "USD",
		LastPrice:     5310,
		PreviousClose: 5300,
		AsOf:          asOf,
		Points: []market.Point{
			{Time: asOf.Add(-10 * time.Minute), Price: 5302},
			{Time: asOf.Add(-5 * time.Minute), Price: 5306},
			{Time: asOf, Price: 5310},
		},
	}
}

func stooqSeries(asOf time.Time) provider.Series {
	return provider.Series{
		Source:        "stooq",
		LastPrice:     5305,
		PreviousClose: 5300,
		AsOf:          asOf,
		Stale:         true,
		Warnings:      []string{provider.StooqSnapshotWarning},
		Points: []market.Point{
			{Time: asOf.Add(-5 * time.Minute), Price: 5300},
			{Time: asOf, Price: 5305},
		},
	}
}

func newIntraday(clk clock.Clock, series cache.SeriesStore, fetchers ...service.SeriesFetcher) *service.IntradayService {
	tiered := cache.NewTiered[provider.Series](cache.NewMemoryBackend(clk), cache.Options{
		Namespace: "intraday",
		TTL:       cache.TTLs{Fresh: 8 * time.Second, Stale: 5 * time.Minute, LKG: 24 * time.Hour},
		Logger:    zerolog.Nop(),
	})
	return service.NewIntradayService(tiered, fetchers, series, service.IntradayOptions{
		UpstreamRefresh: 8 * time.Second,
	}, clk, zerolog.Nop())
}

func TestIntradayLiveFromFirstProvider(t *testing.T) {
	clk := clock.NewManual(t0.Add(30 * time.Second))
	yahoo := &fakeFetcher{id: "yahoo", series: yahooSeries(t0)}
	stooq := &fakeFetcher{id: "stooq", series: stooqSeries(t0)}
	svc := newIntraday(clk, cache.NewMemorySeries(), yahoo, stooq)

	got, err := svc.Get(context.Background(), "spx index")
	require.NoError(t, err)

	assert.Equal(t, "^GSPC", got.Symbol)
	assert.Equal(t, market.TypeIndex, got.InstrumentType)
	assert.Equal(t, "yahoo", got.Source)
	assert.Equal(t, service.StreamLive, got.StreamStatus)
	assert.False(t, got.Stale)
	assert.InDelta(t, 10, got.Change, 1e-9)
	assert.InDelta(t, 10.0/5300*100, got.ChangePercent, 1e-9)
	assert.Equal(t, 30, got.FreshnessSeconds)
	assert.Equal(t, 8, got.UpstreamRefreshSeconds)
	assert.Len(t, got.Points, 3)
	assert.Equal(t, 0, stooq.calls)
}

func TestIntradayFallsBackToDelayedSnapshot(t *testing.T) {
	clk := clock.NewManual(t0)
	yahoo := &fakeFetcher{id: "yahoo", err: &provider.Error{Kind: provider.KindHTTP, Status: 429}}
	stooq := &fakeFetcher{id: "stooq", series: stooqSeries(t0)}
	svc := newIntraday(clk, cache.NewMemorySeries(), yahoo, stooq)

	got, err := svc.Get(context.Background(), "^GSPC")
	require.NoError(t, err)

	assert.Equal(t, "stooq", got.Source)
	assert.True(t, got.Stale)
	assert.Equal(t, service.StreamDelayed, got.StreamStatus)
	assert.Contains(t, got.Warnings, provider.StooqSnapshotWarning)
	require.Len(t, got.Warnings, 2)
	assert.Contains(t, got.Warnings[1], "yahoo intraday unavailable")
	assert.Len(t, got.Points, 2)
}

func TestIntradayServesPreviousSnapshotWhenRefreshFails(t *testing.T) {
	clk := clock.NewManual(t0)
	yahoo := &fakeFetcher{id: "yahoo", series: yahooSeries(t0)}
	svc := newIntraday(clk, nil, yahoo)
	ctx := context.Background()

	_, err := svc.Get(ctx, "^GSPC")
	require.NoError(t, err)

	yahoo.err = &provider.Error{Kind: provider.KindTimeout}
	clk.Advance(time.Minute)

	got, err := svc.Get(ctx, "^GSPC")
	require.NoError(t, err)
	assert.True(t, got.Stale)
	assert.Equal(t, service.StreamStale, got.StreamStatus)
	assert.Equal(t, "yahoo", got.Source)
	assert.Contains(t, got.Warnings, "Live refresh failed; serving stale snapshot.")
	assert.Equal(t, 60, got.FreshnessSeconds)
	assert.Equal(t, 2, yahoo.calls)
}

func TestIntradayUnavailableIsNotAnError(t *testing.T) {
	clk := clock.NewManual(t0)
	yahoo := &fakeFetcher{id: "yahoo", err: &provider.Error{Kind: provider.KindCircuitOpen}}
	svc := newIntraday(clk, nil, yahoo)

	got, err := svc.Get(context.Background(), "eur/usd")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD=X", got.Symbol)
	assert.Equal(t, service.SourceUnavailable, got.Source)
	assert.Equal(t, service.StreamUnavailable, got.StreamStatus)
	assert.Contains(t, got.Warnings, "No live intraday data available.")
	assert.NotNil(t, got.Points)
	assert.Empty(t, got.Points)
}

func TestIntradayRejectsInvalidSymbol(t *testing.T) {
	svc := newIntraday(clock.NewManual(t0), nil)
	_, err := svc.Get(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, alerting.IsValidation(err))
}

func TestIntradayAccumulatesSessionPoints(t *testing.T) {
	clk := clock.NewManual(t0)
	first := yahooSeries(t0)
	yahoo := &fakeFetcher{id: "yahoo", series: first}
	svc := newIntraday(clk, cache.NewMemorySeries(), yahoo)
	ctx := context.Background()

	_, err := svc.Get(ctx, "^GSPC")
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	later := yahooSeries(t0.Add(5 * time.Minute))
	later.Points = later.Points[2:]
	yahoo.series = later

	got, err := svc.Get(ctx, "^GSPC")
	require.NoError(t, err)
	assert.Len(t, got.Points, 4)
	assert.True(t, got.Points[3].Time.Equal(t0.Add(5*time.Minute)))
}

func TestIntradayPublishesLiveAnswersOnly(t *testing.T) {
	clk := clock.NewManual(t0)
	yahoo := &fakeFetcher{id: "yahoo", series: yahooSeries(t0)}
	svc := newIntraday(clk, nil, yahoo)
	pub := &recordingPublisher{}
	svc.PublishTo(pub)
	ctx := context.Background()

	_, err := svc.Get(ctx, "aapl")
	require.NoError(t, err)
	require.Len(t, pub.quotes, 1)
	assert.Equal(t, "AAPL", pub.quotes[0].Symbol)
	assert.Equal(t, 5310.0, pub.quotes[0].Price)

	yahoo.err = &provider.Error{Kind: provider.KindTimeout}
	clk.Advance(time.Minute)
	got, err := svc.Get(ctx, "aapl")
	require.NoError(t, err)
	require.Equal(t, service.StreamStale, got.StreamStatus)
	assert.Len(t, pub.quotes, 1, "stale fallbacks are not evaluated")
}
