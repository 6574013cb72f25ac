package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAliases(t *testing.T) {
	cases := []struct {
		raw       string
		canonical string
		kind      string
		display   string
	}{
		{"SPX Index", "^GSPC", TypeIndex, "^GSPC"},
		{"  ^gspc ", "^GSPC", TypeIndex, "^GSPC"},
		{"EURUSD Curncy", "EURUSD=X", TypeFX, "EUR/USD"},
		{"eur/usd", "EURUSD=X", TypeFX, "EUR/USD"},
		{"EUR-USD", "EURUSD=X", TypeFX, "EUR/USD"},
		{"EURUSD", "EURUSD=X", TypeFX, "EUR/USD"},
		{"BRLUSD", "USDBRL=X", TypeFX, "USD/BRL"},
		{"BTCUSD", "BTC-USD", TypeCrypto, "BTC/USD"},
		{"btc/usd", "BTC-USD", TypeCrypto, "BTC/USD"},
		{"XBTUSD Curncy", "BTC-USD", TypeCrypto, "BTC/USD"},
		{"CL1 Comdty", "CL=F", TypeCommodity, "CL=F"},
		{"^TNX", "^TNX", TypeRate, "^TNX"},
		{"AAPL", "AAPL", TypeEquity, "AAPL"},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			d, err := Normalize(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.canonical, d.Canonical)
			assert.Equal(t, tc.kind, d.InstrumentType)
			assert.Equal(t, tc.display, d.DisplaySymbol)
		})
	}
}

func TestNormalizeEquityProviderSymbol(t *testing.T) {
	d, err := Normalize("brk.b")
	require.NoError(t, err)
	assert.Equal(t, "BRK.B", d.Canonical)
	assert.Equal(t, "BRK-B", d.ProviderSymbol)
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	_, err := Normalize("   ")
	require.ErrorIs(t, err, ErrEmptySymbol)

	_, err = Normalize("??nope??")
	require.Error(t, err)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	for _, raw := range []string{"SPX Index", "eur/usd", "BTCUSD", "brk.b", "GC1 Comdty"} {
		first, err := Normalize(raw)
		require.NoError(t, err)
		second, err := Normalize(first.Canonical)
		require.NoError(t, err)
		assert.Equal(t, first.Canonical, second.Canonical, raw)
	}
}

func TestMergeMissingAndOrder(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	base := []Quote{{Symbol: "^DJI", Source: "stooq", AsOf: now}}
	candidates := []Quote{
		{Symbol: "^DJI", Source: "yahoo", AsOf: now},
		{Symbol: "^GSPC", Source: "yahoo", AsOf: now},
		{Symbol: "AAPL", Source: "yahoo", AsOf: now},
	}

	merged, added := MergeMissing(base, candidates, TargetSet(Indices))
	require.Equal(t, 1, added)
	require.Len(t, merged, 2)

	ordered := OrderQuotes(Indices, merged)
	assert.Equal(t, "^GSPC", ordered[0].Symbol)
	assert.Equal(t, "yahoo", ordered[0].Source)
	assert.Equal(t, "^DJI", ordered[1].Symbol)
	assert.Equal(t, "stooq", ordered[1].Source)

	assert.Equal(t, []string{"^IXIC", "^RUT"}, Missing(Indices, ordered))
}

func TestBootstrapQuotesCoverTargets(t *testing.T) {
	now := time.Now().UTC()
	for _, section := range Sections {
		quotes := BootstrapQuotes(section, now)
		assert.Len(t, quotes, len(Targets(section)), section)
		for _, q := range quotes {
			assert.Equal(t, "bootstrap", q.Source)
			assert.True(t, q.Stale)
		}
	}
	rates := RatesDefaultQuotes(now)
	require.Len(t, rates, 3)
	assert.Equal(t, 4.15, rates[0].Price)
}
