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

// Yahoo quote endpoints, tried in order.
var YahooQuoteEndpoints = []string{
	"https://query1.finance.yahoo.com/v7/finance/quote",
	"https://query2.finance.yahoo.com/v7/finance/quote",
}

var yahooHeaders = map[string]string{
	"Accept":  "application/json,text/plain,*/*",
	"Origin":  "https://finance.yahoo.com",
	"Referer": "https://finance.yahoo.com/",
}

// YahooSource reads Yahoo Finance's batch quote endpoint.
type YahooSource struct {
	http  requester
	clock clock.Clock
}

// NewYahoo returns a Yahoo source.
func NewYahoo(client HTTPClient, clk clock.Clock) *YahooSource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &YahooSource{http: newRequester("yahoo", client, ""), clock: clk}
}

func (y *YahooSource) ID() string { return "yahoo" }

type yahooQuoteResponse struct {
	QuoteResponse struct {
		Result []yahooQuote `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteResponse"`
}

type yahooQuote struct {
	Symbol                     string   `json:"symbol"`
	ShortName                  string   `json:"shortName"`
	LongName                   string   `json:"longName"`
	Currency                   string   `json:"currency"`
	RegularMarketPrice         *float64 `json:"regularMarketPrice"`
	RegularMarketChange        *float64 `json:"regularMarketChange"`
	RegularMarketChangePercent *float64 `json:"regularMarketChangePercent"`
	RegularMarketVolume        *float64 `json:"regularMarketVolume"`
	RegularMarketTime          int64    `json:"regularMarketTime"`
}

// Fetch requests the targets in one batch. Rows without a price are dropped.
func (y *YahooSource) Fetch(ctx context.Context, endpoint string, targets []market.Target) ([]market.Quote, error) {
	if endpoint == "" {
		endpoint = YahooQuoteEndpoints[0]
	}
	if len(targets) == 0 {
		return nil, parseError("yahoo", "no symbols requested")
	}

	byYahoo := make(map[string]market.Target, len(targets))
	symbols := make([]string, 0, len(targets))
	for _, t := range targets {
		byYahoo[strings.ToUpper(t.Symbol)] = t
		symbols = append(symbols, t.Symbol)
	}

	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	body, err := y.http.get(ctx, endpoint, params, yahooHeaders)
	if err != nil {
		return nil, err
	}

	var payload yahooQuoteResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, parseError("yahoo", "decode: %v", err)
	}
	if e := payload.QuoteResponse.Error; e != nil && e.Code != "" {
		return nil, parseError("yahoo", "%s: %s", e.Code, e.Description)
	}

	now := y.clock.Now()
	out := make([]market.Quote, 0, len(payload.QuoteResponse.Result))
	for _, row := range payload.QuoteResponse.Result {
		target, ok := byYahoo[strings.ToUpper(row.Symbol)]
		if !ok || row.RegularMarketPrice == nil {
			continue
		}
		name := firstNonEmpty(row.ShortName, row.LongName, target.Name)
		currency := firstNonEmpty(row.Currency, target.Currency)
		asOf := now
		if row.RegularMarketTime > 0 {
			asOf = time.Unix(row.RegularMarketTime, 0).UTC()
		}
		q := market.Quote{
			Symbol:        target.Symbol,
			DisplaySymbol: market.DisplaySymbol(target.Symbol),
			Name:          name,
			Price:         *row.RegularMarketPrice,
			Change:        deref(row.RegularMarketChange),
			ChangePercent: deref(row.RegularMarketChangePercent),
			Volume:        row.RegularMarketVolume,
			Currency:      currency,
			Source:        "yahoo",
			AsOf:          asOf,
		}
		out = append(out, q)
	}
	return out, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
