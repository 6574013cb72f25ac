package provider

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"net/url"
	"strconv"
	"strings"

	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

const stooqQuoteURL = "https://stooq.com/q/l/"

// Stooq symbol maps. The proxy map swaps indices and futures for ETFs that
// track them, which Stooq serves more reliably.
var (
	stooqPrimarySymbols = map[string]string{
		"^GSPC":    "^spx",
		"^DJI":     "^dji",
		"^IXIC":    "^ndq",
		"^RUT":     "iwm.us",
		"EURUSD=X": "eurusd",
		"USDJPY=X": "usdjpy",
		"GBPUSD=X": "gbpusd",
		"CL=F":     "cl.f",
		"GC=F":     "gc.f",
		"SI=F":     "si.f",
		"HG=F":     "hg.f",
	}
	stooqProxySymbols = map[string]string{
		"^GSPC": "spy.us",
		"^DJI":  "dia.us",
		"^IXIC": "qqq.us",
		"^RUT":  "iwm.us",
		"CL=F":  "uso.us",
		"GC=F":  "gld.us",
		"SI=F":  "slv.us",
		"HG=F":  "cper.us",
	}
)

// StooqSource reads Stooq's multi-symbol CSV quote endpoint.
type StooqSource struct {
	id      string
	symbols map[string]string
	http    requester
	clock   clock.Clock
}

// NewStooq returns the primary Stooq source.
func NewStooq(client HTTPClient, clk clock.Clock) *StooqSource {
	return newStooq("stooq", stooqPrimarySymbols, client, clk)
}

// NewStooqProxy returns the ETF proxy Stooq source.
func NewStooqProxy(client HTTPClient, clk clock.Clock) *StooqSource {
	return newStooq("stooq_proxy", stooqProxySymbols, client, clk)
}

func newStooq(id string, symbols map[string]string, client HTTPClient, clk clock.Clock) *StooqSource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &StooqSource{id: id, symbols: symbols, http: newRequester(id, client, ""), clock: clk}
}

func (s *StooqSource) ID() string { return s.id }

// label is the source name attached to quotes.
func (s *StooqSource) label() string { return strings.ReplaceAll(s.id, "_", "-") }

// Fetch requests every mapped target in a single call.
func (s *StooqSource) Fetch(ctx context.Context, endpoint string, targets []market.Target) ([]market.Quote, error) {
	if endpoint == "" {
		endpoint = stooqQuoteURL
	}

	byStooq := map[string]market.Target{}
	requested := make([]string, 0, len(targets))
	for _, t := range targets {
		sym, ok := s.symbols[t.Symbol]
		if !ok {
			continue
		}
		if _, dup := byStooq[strings.ToUpper(sym)]; dup {
			continue
		}
		byStooq[strings.ToUpper(sym)] = t
		requested = append(requested, sym)
	}
	if len(requested) == 0 {
		return nil, parseError(s.id, "no mapped symbols")
	}

	params := url.Values{}
	params.Set("s", strings.Join(requested, "+"))
	params.Set("f", "sd2t2ohlcvn")
	params.Set("e", "csv")
	body, err := s.http.get(ctx, endpoint, params, nil)
	if err != nil {
		return nil, err
	}
	rows, err := parseStooqCSV(body)
	if err != nil {
		return nil, parseError(s.id, "csv: %v", err)
	}

	now := s.clock.Now()
	out := make([]market.Quote, 0, len(rows))
	for _, row := range rows {
		target, ok := byStooq[strings.ToUpper(row.symbol)]
		if !ok {
			continue
		}
		name := target.Name
		if row.name != "" && s.id == "stooq" {
			name = row.name
		}
		change := row.close - row.open
		pct := 0.0
		if row.open != 0 {
			pct = change / row.open * 100
		}
		q := market.Quote{
			Symbol:        target.Symbol,
			DisplaySymbol: market.DisplaySymbol(target.Symbol),
			Name:          name,
			Price:         row.close,
			Change:        change,
			ChangePercent: pct,
			Currency:      target.Currency,
			Source:        s.label(),
			AsOf:          now,
		}
		if row.volume > 0 {
			v := row.volume
			q.Volume = &v
		}
		out = append(out, q)
	}
	return out, nil
}

type stooqRow struct {
	symbol string
	open   float64
	close  float64
	volume float64
	name   string
}

// parseStooqCSV skips the header and rows Stooq marks N/D.
func parseStooqCSV(body []byte) ([]stooqRow, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	var out []stooqRow
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "symbol") {
				continue
			}
		}
		if len(rec) < 7 {
			continue
		}
		open, errOpen := strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
		closeP, errClose := strconv.ParseFloat(strings.TrimSpace(rec[6]), 64)
		if errOpen != nil || errClose != nil || closeP <= 0 {
			continue
		}
		row := stooqRow{symbol: strings.TrimSpace(rec[0]), open: open, close: closeP}
		if len(rec) > 7 {
			row.volume, _ = strconv.ParseFloat(strings.TrimSpace(rec[7]), 64)
		}
		if len(rec) > 8 {
			row.name = strings.TrimSpace(rec[8])
		}
		out = append(out, row)
	}
	return out, nil
}

// stooqSnapshot fetches one symbol and returns its open and close, used by
// the intraday fallback.
func stooqSnapshot(ctx context.Context, req requester, stooqSymbol string) (stooqRow, error) {
	params := url.Values{}
	params.Set("s", stooqSymbol)
	params.Set("f", "sd2t2ohlcvn")
	params.Set("e", "csv")
	body, err := req.get(ctx, stooqQuoteURL, params, nil)
	if err != nil {
		return stooqRow{}, err
	}
	rows, err := parseStooqCSV(body)
	if err != nil {
		return stooqRow{}, parseError(req.provider, "csv: %v", err)
	}
	if len(rows) == 0 {
		return stooqRow{}, parseError(req.provider, "no row for %s", stooqSymbol)
	}
	return rows[0], nil
}

// stooqSymbolFor maps a canonical symbol to Stooq's spelling for single
// instrument lookups.
func stooqSymbolFor(canonical, providerSymbol string, instrument string) string {
	if sym, ok := stooqPrimarySymbols[canonical]; ok {
		return sym
	}
	switch instrument {
	case market.TypeFX:
		return strings.ToLower(strings.TrimSuffix(canonical, "=X"))
	case market.TypeCrypto:
		return strings.ToLower(strings.ReplaceAll(canonical, "-", ""))
	case market.TypeEquity:
		return strings.ToLower(strings.ReplaceAll(providerSymbol, "-", ".")) + ".us"
	}
	return strings.ToLower(providerSymbol)
}
