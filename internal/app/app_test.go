package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/config"
	"openbloom-market/internal/market"
	"openbloom-market/internal/provider"
	"openbloom-market/internal/service"
	"openbloom-market/internal/watchlist"
)

var t0 = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.DSN = ""
	cfg.Redis.Addr = ""
	var out bytes.Buffer
	return &App{Config: cfg, Logger: zerolog.Nop(), Clock: clock.NewManual(t0), Out: &out}, &out
}

func TestBuildRegistryFollowsSectionChains(t *testing.T) {
	a, _ := newTestApp(t)
	reg, err := a.buildRegistry()
	require.NoError(t, err)

	chain := reg.Chain(market.Indices)
	require.Len(t, chain, 3)
	assert.Equal(t, "stooq", chain[0].Client.ID())
	assert.Equal(t, provider.RolePrimary, chain[0].Role)
	assert.Equal(t, "stooq_proxy", chain[1].Client.ID())
	assert.Equal(t, provider.RoleBackup, chain[1].Role)
	assert.Equal(t, "yahoo", chain[2].Client.ID())
	assert.Equal(t, provider.RoleAugmenter, chain[2].Role)

	rates := reg.Chain(market.Rates)
	require.Len(t, rates, 2)
	assert.Equal(t, "fred_public", rates[0].Client.ID())

	// one client per provider across sections
	stooqFX := reg.Chain(market.FX)[0].Client
	assert.Same(t, chain[0].Client, stooqFX)
}

func TestBuildRegistrySkipsDisabledProviders(t *testing.T) {
	a, _ := newTestApp(t)
	pc := a.Config.Providers["stooq_proxy"]
	pc.Enabled = false
	a.Config.Providers["stooq_proxy"] = pc

	reg, err := a.buildRegistry()
	require.NoError(t, err)
	for _, entry := range reg.Chain(market.Commodities) {
		assert.NotEqual(t, "stooq_proxy", entry.Client.ID())
	}
	_, ok := reg.Client("stooq_proxy")
	assert.False(t, ok)
}

func TestKeylessProvidersReportDisabled(t *testing.T) {
	a, _ := newTestApp(t)
	a.Config.Ethereum.RPCURL = ""
	reg, err := a.buildRegistry()
	require.NoError(t, err)

	for _, id := range []string{"fred_api", "chainlink"} {
		c, ok := reg.Client(id)
		require.True(t, ok, id)
		assert.Equal(t, provider.StatusDisabled, c.Health().Status, id)
	}
}

func TestClientConfigAppliesOverrides(t *testing.T) {
	a, _ := newTestApp(t)

	yahoo := a.clientConfig("yahoo", a.Config.Provider("yahoo"))
	assert.Equal(t, 2, yahoo.Breaker.FailureThreshold)
	assert.Equal(t, 300*time.Second, yahoo.Breaker.Cooldown)
	assert.Equal(t, 2, yahoo.Retry.MaxRetries)
	assert.Len(t, yahoo.Endpoints, 2)

	stooq := a.clientConfig("stooq", a.Config.Provider("stooq"))
	assert.Equal(t, a.Config.Breaker.FailureThreshold, stooq.Breaker.FailureThreshold)
	assert.Equal(t, a.Config.Breaker.Cooldown, stooq.Breaker.Cooldown)
	assert.Equal(t, a.Config.Breaker.MaxCooldown, stooq.Breaker.MaxCooldown)

	a.Config.Ethereum.RequestTimeout = 3 * time.Second
	chainlink := a.clientConfig("chainlink", a.Config.Provider("chainlink"))
	assert.Equal(t, 3*time.Second, chainlink.Timeout)
}

func TestNewSourceRejectsUnknownProvider(t *testing.T) {
	a, _ := newTestApp(t)
	_, err := a.newSource("bloomberg", config.ProviderConfig{}, provider.NewHTTPClient())
	assert.Error(t, err)
}

func TestSimulateQuoteWithoutAlerts(t *testing.T) {
	a, out := newTestApp(t)
	err := a.SimulateQuote(context.Background(), SimulateOptions{Symbol: "spx index", Price: 5400})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "no alerts fired for ^GSPC")
}

func TestSimulateQuoteValidates(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.SimulateQuote(context.Background(), SimulateOptions{Symbol: "", Price: 1})
	assert.True(t, alerting.IsValidation(err))
	err = a.SimulateQuote(context.Background(), SimulateOptions{Symbol: "^GSPC", Price: 0})
	assert.True(t, alerting.IsValidation(err))
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.Export(context.Background(), ExportOptions{Symbol: "^GSPC"})
	assert.Error(t, err)
}

func TestDownsampleKeepsEnds(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	got := downsample(items, 5)
	assert.Equal(t, []int{0, 25, 50, 74, 99}, got)
	assert.Len(t, downsample(items, 0), 100)
	assert.Equal(t, []int{99}, downsample(items, 1))
	assert.Len(t, downsample(items[:3], 5), 3)
}

func TestWritePointsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "spx.csv")
	vol := 1200.0
	got := service.Intraday{Symbol: "^GSPC", Source: "yahoo"}
	points := []market.Point{
		{Time: t0, Price: 5300.25, Volume: &vol},
		{Time: t0.Add(5 * time.Minute), Price: 5301.5},
	}
	require.NoError(t, writePointsCSV(path, got, points))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"ts", "symbol", "price", "volume", "source", "stale"}, records[0])
	assert.Equal(t, []string{"2024-06-03T14:30:00Z", "^GSPC", "5300.25", "1200", "yahoo", "false"}, records[1])
	assert.Equal(t, "", records[2][3])
}

func TestWritePointsPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spx.png")
	got := service.Intraday{Symbol: "^GSPC", DisplaySymbol: "^GSPC", Currency: "USD", Source: "yahoo"}
	points := []market.Point{
		{Time: t0, Price: 5300},
		{Time: t0.Add(5 * time.Minute), Price: 5305},
		{Time: t0.Add(10 * time.Minute), Price: 5302},
	}
	require.NoError(t, writePointsPNG(path, got, points))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWriteOverviewTable(t *testing.T) {
	var buf bytes.Buffer
	ov := service.Overview{
		Banner:   "Yahoo down, serving from stooq.",
		Warnings: []string{"Partial indices coverage (1/4)."},
		Sections: map[market.Section][]market.Quote{
			market.Indices: {{Symbol: "^GSPC", DisplaySymbol: "^GSPC", Price: 5300, Source: "stooq", AsOf: t0}},
		},
	}
	require.NoError(t, writeOverview(&buf, ov))
	text := buf.String()
	assert.Contains(t, text, "! Yahoo down, serving from stooq.")
	assert.Contains(t, text, "5300.0000")
	assert.Contains(t, text, "warning: Partial indices coverage (1/4).")
	assert.Contains(t, text, "crypto")
}

func TestWriteEventsTable(t *testing.T) {
	var buf bytes.Buffer
	events := []alerting.TriggerEvent{{
		ID: 3, AlertID: 1, Symbol: "^GSPC", Condition: alerting.PriceAbove,
		Threshold: decimal.NewFromInt(5000), TriggerPrice: decimal.RequireFromString("5001.5"),
		Source: "stooq", TriggeredAt: t0,
	}}
	require.NoError(t, writeEvents(&buf, events))
	assert.Contains(t, buf.String(), "5001.5")
	assert.Contains(t, buf.String(), "price_above")
}

func TestWatchlistCommandsInMemory(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.WatchlistAdd(ctx, "aapl"))
	assert.Contains(t, out.String(), "added AAPL as item 1 at position 1")

	// each command builds its own runtime, so memory state does not carry over
	out.Reset()
	require.NoError(t, a.WatchlistReorder(ctx, []int64{1}))
	assert.Equal(t, "watchlist is empty\n", out.String())

	assert.ErrorIs(t, a.WatchlistRemove(ctx, "MSFT"), watchlist.ErrNotFound)
	assert.ErrorIs(t, a.WatchlistRemove(ctx, "7"), watchlist.ErrNotFound)
}

func TestWriteWatchlistTable(t *testing.T) {
	var buf bytes.Buffer
	snap := watchlist.Snapshot{
		Items: []watchlist.Entry{
			{
				Item:  watchlist.Item{ID: 4, Symbol: "AAPL", DisplaySymbol: "AAPL", InstrumentType: "equity", Position: 1},
				Quote: &watchlist.Quote{Source: "yahoo", LastPrice: 190.25, ChangePercent: 1.2, Stale: true, AsOf: t0},
				Alert: &watchlist.Alert{ID: 9, Direction: "above", TargetPrice: decimal.NewFromInt(200)},
			},
			{Item: watchlist.Item{ID: 5, Symbol: "MSFT", DisplaySymbol: "MSFT", Position: 2}},
		},
		Warnings: []string{"MSFT: upstream\nunavailable"},
	}
	require.NoError(t, writeWatchlist(&buf, snap))
	text := buf.String()
	assert.Contains(t, text, "190.2500")
	assert.Contains(t, text, "yahoo (stale)")
	assert.Contains(t, text, "above 200 (off)")
	assert.Contains(t, text, "warning: MSFT: upstream unavailable")

	buf.Reset()
	require.NoError(t, writeWatchlist(&buf, watchlist.Snapshot{}))
	assert.Equal(t, "watchlist is empty\n", buf.String())
}
