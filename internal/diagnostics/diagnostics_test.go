package diagnostics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openbloom-market/internal/breaker"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/diagnostics"
	"openbloom-market/internal/market"
	"openbloom-market/internal/provider"
)

type failing struct{ id string }

func (f failing) ID() string { return f.id }

func (f failing) Fetch(context.Context, string, []market.Target) ([]market.Quote, error) {
	return nil, &provider.Error{Kind: provider.KindHTTP, Status: 502, Err: errors.New("bad gateway")}
}

type keyless struct{ failing }

func (keyless) Disabled() (bool, string) { return true, "api key not configured" }

func TestCollectReportsCooldownAndDisabled(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC))
	reg := provider.NewRegistry(clk)
	settings := breaker.Settings{FailureThreshold: 2, Cooldown: 3 * time.Minute}
	yahoo := provider.NewClient(provider.Config{ID: "yahoo", Breaker: settings}, failing{id: "yahoo"}, nil, clk, zerolog.Nop())
	fred := provider.NewClient(provider.Config{ID: "fred_api", Breaker: settings}, keyless{failing{id: "fred_api"}}, nil, clk, zerolog.Nop())
	reg.Add(market.Indices, provider.RoleAugmenter, yahoo)
	reg.Add(market.Crypto, provider.RoleAugmenter, yahoo)
	reg.Add(market.Rates, provider.RoleBackup, fred)

	for i := 0; i < 2; i++ {
		_, err := yahoo.Fetch(context.Background(), market.Targets(market.Indices))
		require.Error(t, err)
	}

	report := diagnostics.Collect(reg)

	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, clk.Now(), report.GeneratedAt)

	y, ok := report.Find("yahoo")
	require.True(t, ok)
	assert.Equal(t, provider.StatusCooldown, y.Status)
	assert.Equal(t, breaker.Open, y.Breaker)
	assert.Equal(t, 2, y.ConsecutiveFailures)
	assert.Equal(t, clk.Now().Add(3*time.Minute), y.CooldownUntil)
	assert.Equal(t, []string{"indices:augmenter", "crypto:augmenter"}, y.Sections)

	f, ok := report.Find("fred_api")
	require.True(t, ok)
	assert.Equal(t, provider.StatusDisabled, f.Status)

	lkg, ok := report.Find(provider.InternalLKG)
	require.True(t, ok)
	assert.Equal(t, provider.StatusInternal, lkg.Status)
	assert.Empty(t, lkg.Breaker)
}

func TestCollectHealthyRegistry(t *testing.T) {
	reg := provider.NewRegistry(clock.NewManual(time.Now()))
	report := diagnostics.Collect(reg)
	assert.Equal(t, "ok", report.Status)
	assert.Len(t, report.Providers, 3)
}
