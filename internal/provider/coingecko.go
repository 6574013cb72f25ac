package provider

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

const coingeckoURL = "https://api.coingecko.com/api/v3/simple/price"

var coingeckoIDs = map[string]string{
	"BTC-USD": "bitcoin",
	"ETH-USD": "ethereum",
	"SOL-USD": "solana",
}

// CoinGeckoSource reads the simple/price endpoint.
type CoinGeckoSource struct {
	http  requester
	clock clock.Clock
}

// NewCoinGecko returns a CoinGecko source.
func NewCoinGecko(client HTTPClient, clk clock.Clock) *CoinGeckoSource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &CoinGeckoSource{http: newRequester("coingecko", client, ""), clock: clk}
}

func (c *CoinGeckoSource) ID() string { return "coingecko" }

type coingeckoPrice struct {
	USD          *float64 `json:"usd"`
	USD24hChange *float64 `json:"usd_24h_change"`
	UpdatedAt    int64    `json:"last_updated_at"`
}

func (c *CoinGeckoSource) Fetch(ctx context.Context, endpoint string, targets []market.Target) ([]market.Quote, error) {
	if endpoint == "" {
		endpoint = coingeckoURL
	}
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		if id, ok := coingeckoIDs[t.Symbol]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, parseError("coingecko", "no mapped symbols")
	}

	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	params.Set("vs_currencies", "usd")
	params.Set("include_24hr_change", "true")
	params.Set("include_last_updated_at", "true")
	body, err := c.http.get(ctx, endpoint, params, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, err
	}

	var payload map[string]coingeckoPrice
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, parseError("coingecko", "decode: %v", err)
	}

	now := c.clock.Now()
	out := make([]market.Quote, 0, len(targets))
	for _, t := range targets {
		row, ok := payload[coingeckoIDs[t.Symbol]]
		if !ok || row.USD == nil {
			continue
		}
		price := *row.USD
		pct := deref(row.USD24hChange)
		asOf := now
		if row.UpdatedAt > 0 {
			asOf = time.Unix(row.UpdatedAt, 0).UTC()
		}
		out = append(out, market.Quote{
			Symbol:        t.Symbol,
			DisplaySymbol: market.DisplaySymbol(t.Symbol),
			Name:          t.Name,
			Price:         price,
			Change:        price * pct / 100,
			ChangePercent: pct,
			Currency:      t.Currency,
			Source:        "coingecko",
			AsOf:          asOf,
		})
	}
	return out, nil
}
