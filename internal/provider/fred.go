package provider

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

const (
	fredGraphURL = "https://fred.stlouisfed.org/graph/fredgraph.csv"
	fredAPIURL   = "https://api.stlouisfed.org/fred/series/observations"
)

// fredSeries maps overview yield symbols to FRED series ids.
var fredSeries = map[string]string{
	"^TNX": "DGS10",
	"^FVX": "DGS5",
	"^IRX": "DGS3MO",
}

type observation struct {
	date  time.Time
	value float64
}

// FREDPublicSource reads the keyless fredgraph CSV download.
type FREDPublicSource struct {
	http  requester
	clock clock.Clock
}

// NewFREDPublic returns the keyless FRED source.
func NewFREDPublic(client HTTPClient, clk clock.Clock) *FREDPublicSource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &FREDPublicSource{http: newRequester("fred_public", client, ""), clock: clk}
}

func (f *FREDPublicSource) ID() string { return "fred_public" }

// Fetch downloads one CSV per series. A failure on any series fails the call
// so the chain can try the next provider.
func (f *FREDPublicSource) Fetch(ctx context.Context, endpoint string, targets []market.Target) ([]market.Quote, error) {
	if endpoint == "" {
		endpoint = fredGraphURL
	}
	out := make([]market.Quote, 0, len(targets))
	for _, t := range targets {
		series, ok := fredSeries[t.Symbol]
		if !ok {
			continue
		}
		params := url.Values{}
		params.Set("id", series)
		body, err := f.http.get(ctx, endpoint, params, nil)
		if err != nil {
			return nil, err
		}
		obs, err := parseFREDCSV(body, series)
		if err != nil {
			return nil, parseError("fred_public", "%s: %v", series, err)
		}
		if q, ok := yieldQuote(t, obs, "fred_public", f.clock.Now()); ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// parseFREDCSV returns valid observations oldest first. FRED writes "." for
// missing days.
func parseFREDCSV(body []byte, series string) ([]observation, error) {
	r := csv.NewReader(bytes.NewReader(body))
	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	dateCol, valueCol := -1, -1
	for i, h := range header {
		switch strings.ToUpper(strings.TrimSpace(h)) {
		case "DATE", "OBSERVATION_DATE":
			dateCol = i
		case strings.ToUpper(series):
			valueCol = i
		}
	}
	if dateCol < 0 || valueCol < 0 {
		return nil, errMissingColumns
	}
	var out []observation
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) <= valueCol || len(rec) <= dateCol {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[valueCol]), 64)
		if err != nil {
			continue
		}
		d, err := time.Parse("2006-01-02", strings.TrimSpace(rec[dateCol]))
		if err != nil {
			continue
		}
		out = append(out, observation{date: d, value: v})
	}
	return out, nil
}

// FREDAPISource reads the authenticated observations API.
type FREDAPISource struct {
	apiKey string
	http   requester
	clock  clock.Clock
}

// NewFREDAPI returns the keyed FRED source. It reports disabled without a key.
func NewFREDAPI(apiKey string, client HTTPClient, clk clock.Clock) *FREDAPISource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &FREDAPISource{apiKey: strings.TrimSpace(apiKey), http: newRequester("fred_api", client, ""), clock: clk}
}

func (f *FREDAPISource) ID() string { return "fred_api" }

// Disabled implements Disabler.
func (f *FREDAPISource) Disabled() (bool, string) {
	if f.apiKey == "" {
		return true, "FRED api key not configured"
	}
	return false, ""
}

type fredObservations struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

func (f *FREDAPISource) Fetch(ctx context.Context, endpoint string, targets []market.Target) ([]market.Quote, error) {
	if endpoint == "" {
		endpoint = fredAPIURL
	}
	out := make([]market.Quote, 0, len(targets))
	for _, t := range targets {
		series, ok := fredSeries[t.Symbol]
		if !ok {
			continue
		}
		params := url.Values{}
		params.Set("series_id", series)
		params.Set("api_key", f.apiKey)
		params.Set("file_type", "json")
		params.Set("sort_order", "desc")
		params.Set("limit", "3")
		body, err := f.http.get(ctx, endpoint, params, nil)
		if err != nil {
			return nil, err
		}
		var payload fredObservations
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, parseError("fred_api", "decode %s: %v", series, err)
		}
		// desc order from the API; flip to oldest first
		obs := make([]observation, 0, len(payload.Observations))
		for i := len(payload.Observations) - 1; i >= 0; i-- {
			row := payload.Observations[i]
			v, err := strconv.ParseFloat(row.Value, 64)
			if err != nil {
				continue
			}
			d, err := time.Parse("2006-01-02", row.Date)
			if err != nil {
				continue
			}
			obs = append(obs, observation{date: d, value: v})
		}
		if q, ok := yieldQuote(t, obs, "fred_api", f.clock.Now()); ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// yieldQuote builds a quote from the latest observation, with change against
// the one before it.
func yieldQuote(t market.Target, obs []observation, source string, now time.Time) (market.Quote, bool) {
	if len(obs) == 0 {
		return market.Quote{}, false
	}
	last := obs[len(obs)-1]
	q := market.Quote{
		Symbol:        t.Symbol,
		DisplaySymbol: market.DisplaySymbol(t.Symbol),
		Name:          t.Name,
		Price:         last.value,
		Currency:      t.Currency,
		Source:        source,
		AsOf:          now,
	}
	if len(obs) > 1 {
		prev := obs[len(obs)-2].value
		q.Change = last.value - prev
		if prev != 0 {
			q.ChangePercent = q.Change / prev * 100
		}
	}
	return q, true
}
