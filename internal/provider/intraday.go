package provider

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"openbloom-market/internal/market"
)

// StooqSnapshotWarning accompanies series built from a single Stooq row.
const StooqSnapshotWarning = "Near real-time snapshot from fallback source (can lag by ~15 minutes)."

// Series is one provider's intraday answer for a symbol.
type Series struct {
	Symbol        string         `json:"symbol" msgpack:"symbol"`
	Source        string         `json:"source" msgpack:"source"`
	Currency      string         `json:"currency,omitempty" msgpack:"currency,omitempty"`
	LastPrice     float64        `json:"lastPrice" msgpack:"last_price"`
	PreviousClose float64        `json:"previousClose" msgpack:"previous_close"`
	Volume        *float64       `json:"volume,omitempty" msgpack:"volume,omitempty"`
	AsOf          time.Time      `json:"asOf" msgpack:"as_of"`
	Stale         bool           `json:"stale" msgpack:"stale"`
	Warnings      []string       `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
	Points        []market.Point `json:"points" msgpack:"points"`
}

// Freshness orders competing cache writes.
func (s Series) Freshness() time.Time { return s.AsOf }

// Change returns the move against the previous close.
func (s Series) Change() (float64, float64) {
	if s.PreviousClose == 0 {
		return 0, 0
	}
	change := s.LastPrice - s.PreviousClose
	return change, change / s.PreviousClose * 100
}

// SeriesSource is implemented by sources that can serve intraday points.
type SeriesSource interface {
	FetchSeries(ctx context.Context, endpoint string, d market.Descriptor) (Series, error)
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string   `json:"currency"`
				RegularMarketPrice *float64 `json:"regularMarketPrice"`
				ChartPreviousClose *float64 `json:"chartPreviousClose"`
				PreviousClose      *float64 `json:"previousClose"`
				RegularMarketTime  int64    `json:"regularMarketTime"`
				RegularMarketVol   *float64 `json:"regularMarketVolume"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// chartURL derives the v8 chart URL from a v7 quote endpoint.
func chartURL(endpoint, symbol string) string {
	if endpoint == "" {
		endpoint = YahooQuoteEndpoints[0]
	}
	base := strings.Replace(endpoint, "/v7/finance/quote", "/v8/finance/chart", 1)
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(symbol)
}

// FetchSeries reads the 5-minute chart for the current session.
func (y *YahooSource) FetchSeries(ctx context.Context, endpoint string, d market.Descriptor) (Series, error) {
	params := url.Values{}
	params.Set("interval", "5m")
	params.Set("range", "1d")
	params.Set("includePrePost", "false")
	body, err := y.http.get(ctx, chartURL(endpoint, d.ProviderSymbol), params, yahooHeaders)
	if err != nil {
		return Series{}, err
	}

	var payload yahooChartResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Series{}, parseError("yahoo", "decode chart: %v", err)
	}
	if e := payload.Chart.Error; e != nil && e.Code != "" {
		return Series{}, parseError("yahoo", "%s: %s", e.Code, e.Description)
	}
	if len(payload.Chart.Result) == 0 {
		return Series{}, parseError("yahoo", "chart result missing")
	}
	res := payload.Chart.Result[0]

	var closes, volumes []*float64
	if len(res.Indicators.Quote) > 0 {
		closes = res.Indicators.Quote[0].Close
		volumes = res.Indicators.Quote[0].Volume
	}
	points := make([]market.Point, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		if i >= len(closes) || closes[i] == nil {
			continue
		}
		p := market.Point{Time: time.Unix(ts, 0).UTC(), Price: *closes[i]}
		if i < len(volumes) && volumes[i] != nil {
			v := *volumes[i]
			p.Volume = &v
		}
		points = append(points, p)
	}
	points = market.CompactPoints(points)

	s := Series{
		Symbol:   d.Canonical,
		Source:   "yahoo",
		Currency: res.Meta.Currency,
		Volume:   res.Meta.RegularMarketVol,
		Points:   points,
	}
	switch {
	case res.Meta.RegularMarketPrice != nil:
		s.LastPrice = *res.Meta.RegularMarketPrice
	case len(points) > 0:
		s.LastPrice = points[len(points)-1].Price
	}
	if res.Meta.ChartPreviousClose != nil {
		s.PreviousClose = *res.Meta.ChartPreviousClose
	} else if res.Meta.PreviousClose != nil {
		s.PreviousClose = *res.Meta.PreviousClose
	}
	switch {
	case res.Meta.RegularMarketTime > 0:
		s.AsOf = time.Unix(res.Meta.RegularMarketTime, 0).UTC()
	case len(points) > 0:
		s.AsOf = points[len(points)-1].Time
	default:
		s.AsOf = y.clock.Now()
	}
	return s, nil
}

// FetchSeries builds a two-point series (open, close) from one Stooq row.
// The result is always marked stale.
func (s *StooqSource) FetchSeries(ctx context.Context, _ string, d market.Descriptor) (Series, error) {
	row, err := stooqSnapshot(ctx, s.http, stooqSymbolFor(d.Canonical, d.ProviderSymbol, d.InstrumentType))
	if err != nil {
		return Series{}, err
	}
	now := s.clock.Now()
	series := Series{
		Symbol:        d.Canonical,
		Source:        s.label(),
		LastPrice:     row.close,
		PreviousClose: row.open,
		AsOf:          now,
		Stale:         true,
		Warnings:      []string{StooqSnapshotWarning},
		Points: []market.Point{
			{Time: now.Add(-5 * time.Minute), Price: row.open},
			{Time: now, Price: row.close},
		},
	}
	if row.volume > 0 {
		v := row.volume
		series.Volume = &v
	}
	return series, nil
}
