package provider

import (
	"context"
	"encoding/json"
	"net/url"

	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

const (
	frankfurterURL      = "https://api.frankfurter.app/latest"
	exchangeRateHostURL = "https://api.exchangerate.host/latest"
)

// FXRatesSource reads a USD-based reference rate table and derives the
// three overview pairs. Reference tables carry no intraday change.
type FXRatesSource struct {
	id       string
	endpoint string
	params   url.Values
	http     requester
	clock    clock.Clock
}

// NewFrankfurter returns the ECB reference rate source.
func NewFrankfurter(client HTTPClient, clk clock.Clock) *FXRatesSource {
	params := url.Values{}
	params.Set("from", "USD")
	params.Set("to", "EUR,JPY,GBP")
	return newFXRates("frankfurter", frankfurterURL, params, client, clk)
}

// NewExchangeRateHost returns the exchangerate.host source.
func NewExchangeRateHost(client HTTPClient, clk clock.Clock) *FXRatesSource {
	params := url.Values{}
	params.Set("base", "USD")
	params.Set("symbols", "EUR,JPY,GBP")
	return newFXRates("exchangerate_host", exchangeRateHostURL, params, client, clk)
}

func newFXRates(id, endpoint string, params url.Values, client HTTPClient, clk clock.Clock) *FXRatesSource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &FXRatesSource{id: id, endpoint: endpoint, params: params, http: newRequester(id, client, ""), clock: clk}
}

func (f *FXRatesSource) ID() string { return f.id }

type fxRatesResponse struct {
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

func (f *FXRatesSource) Fetch(ctx context.Context, endpoint string, targets []market.Target) ([]market.Quote, error) {
	if endpoint == "" {
		endpoint = f.endpoint
	}
	body, err := f.http.get(ctx, endpoint, f.params, nil)
	if err != nil {
		return nil, err
	}
	var payload fxRatesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, parseError(f.id, "decode: %v", err)
	}
	if len(payload.Rates) == 0 {
		return nil, parseError(f.id, "missing rates")
	}

	asOf := f.clock.Now()

	derived := map[string]float64{}
	if eur := payload.Rates["EUR"]; eur > 0 {
		derived["EURUSD=X"] = 1 / eur
	}
	if gbp := payload.Rates["GBP"]; gbp > 0 {
		derived["GBPUSD=X"] = 1 / gbp
	}
	if jpy := payload.Rates["JPY"]; jpy > 0 {
		derived["USDJPY=X"] = jpy
	}

	out := make([]market.Quote, 0, len(targets))
	for _, t := range targets {
		price, ok := derived[t.Symbol]
		if !ok {
			continue
		}
		out = append(out, market.Quote{
			Symbol:        t.Symbol,
			DisplaySymbol: market.DisplaySymbol(t.Symbol),
			Name:          t.Name,
			Price:         price,
			Currency:      t.Currency,
			Source:        f.id,
			AsOf:          asOf,
		})
	}
	return out, nil
}
