package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Section groups the overview targets.
type Section string

const (
	Indices     Section = "indices"
	Rates       Section = "rates"
	FX          Section = "fx"
	Commodities Section = "commodities"
	Crypto      Section = "crypto"
)

// Sections lists every section in display order.
var Sections = []Section{Indices, Rates, FX, Commodities, Crypto}

// ParseSection validates a section name.
func ParseSection(raw string) (Section, error) {
	candidate := Section(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range Sections {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown section %q", raw)
}

// Origin records which tier produced a snapshot.
type Origin string

const (
	OriginLive      Origin = "live"
	OriginStale     Origin = "stale"
	OriginLKG       Origin = "lkg"
	OriginBootstrap Origin = "bootstrap"
	OriginEmpty     Origin = "empty"
)

// Quote is one priced instrument. Quotes are replaced, never patched.
type Quote struct {
	Symbol        string    `json:"symbol" msgpack:"symbol"`
	DisplaySymbol string    `json:"displaySymbol" msgpack:"display_symbol"`
	Name          string    `json:"name" msgpack:"name"`
	Price         float64   `json:"price" msgpack:"price"`
	Change        float64   `json:"change" msgpack:"change"`
	ChangePercent float64   `json:"changePercent" msgpack:"change_percent"`
	Volume        *float64  `json:"volume,omitempty" msgpack:"volume,omitempty"`
	Currency      string    `json:"currency,omitempty" msgpack:"currency,omitempty"`
	Source        string    `json:"source" msgpack:"source"`
	AsOf          time.Time `json:"asOf" msgpack:"as_of"`
	Stale         bool      `json:"stale" msgpack:"stale"`
}

// WithSource returns a copy attributed to source.
func (q Quote) WithSource(source string, stale bool) Quote {
	q.Source = source
	q.Stale = stale
	return q
}

// SectionSnapshot is the immutable result of one section refresh.
type SectionSnapshot struct {
	Section  Section   `json:"section" msgpack:"section"`
	Quotes   []Quote   `json:"quotes" msgpack:"quotes"`
	Sources  []string  `json:"sources" msgpack:"sources"`
	AsOf     time.Time `json:"asOf" msgpack:"as_of"`
	Origin   Origin    `json:"origin" msgpack:"origin"`
	Degraded bool      `json:"degraded" msgpack:"degraded"`
	Expected int       `json:"expected" msgpack:"expected"`
	Gaps     []string  `json:"gaps,omitempty" msgpack:"gaps,omitempty"`
	Warnings []string  `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
}

// Freshness is the timestamp used to order competing cache writes.
func (s SectionSnapshot) Freshness() time.Time { return s.AsOf }

// Live reports whether every row came from an upstream provider in this cycle.
func (s SectionSnapshot) Live() bool { return s.Origin == OriginLive }

// Loaded is the number of populated rows.
func (s SectionSnapshot) Loaded() int { return len(s.Quotes) }

// Quote looks up a row by canonical symbol.
func (s SectionSnapshot) Quote(symbol string) (Quote, bool) {
	for _, q := range s.Quotes {
		if q.Symbol == symbol {
			return q, true
		}
	}
	return Quote{}, false
}

// LatestAsOf returns the newest quote timestamp, or zero.
func LatestAsOf(quotes []Quote) time.Time {
	var latest time.Time
	for _, q := range quotes {
		if q.AsOf.After(latest) {
			latest = q.AsOf
		}
	}
	return latest
}

// MergeMissing appends candidates for expected symbols not already present
// and returns the merged slice and the number of rows added.
func MergeMissing(current, candidates []Quote, expected map[string]struct{}) ([]Quote, int) {
	seen := make(map[string]struct{}, len(current))
	for _, q := range current {
		seen[q.Symbol] = struct{}{}
	}
	added := 0
	for _, q := range candidates {
		if _, ok := expected[q.Symbol]; !ok {
			continue
		}
		if _, ok := seen[q.Symbol]; ok {
			continue
		}
		current = append(current, q)
		seen[q.Symbol] = struct{}{}
		added++
	}
	return current, added
}

// OrderQuotes sorts rows into target order. Unknown symbols go last.
func OrderQuotes(section Section, quotes []Quote) []Quote {
	rank := make(map[string]int)
	for i, t := range Targets(section) {
		rank[t.Symbol] = i
	}
	out := make([]Quote, len(quotes))
	copy(out, quotes)
	sort.SliceStable(out, func(i, j int) bool {
		ri, ok := rank[out[i].Symbol]
		if !ok {
			ri = len(rank)
		}
		rj, ok := rank[out[j].Symbol]
		if !ok {
			rj = len(rank)
		}
		return ri < rj
	})
	return out
}

// Missing returns expected symbols absent from quotes, in target order.
func Missing(section Section, quotes []Quote) []string {
	have := make(map[string]struct{}, len(quotes))
	for _, q := range quotes {
		have[q.Symbol] = struct{}{}
	}
	var gaps []string
	for _, t := range Targets(section) {
		if _, ok := have[t.Symbol]; !ok {
			gaps = append(gaps, t.Symbol)
		}
	}
	return gaps
}

// Point is one intraday observation.
type Point struct {
	Time   time.Time `json:"time" msgpack:"time"`
	Price  float64   `json:"price" msgpack:"price"`
	Volume *float64  `json:"volume,omitempty" msgpack:"volume,omitempty"`
}

// MaxIntradayPoints caps every intraday series.
const MaxIntradayPoints = 240

// CompactPoints sorts by time, keeps the last point per timestamp and trims
// to the newest MaxIntradayPoints.
func CompactPoints(points []Point) []Point {
	if len(points) == 0 {
		return nil
	}
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	out := sorted[:0]
	for _, p := range sorted {
		if n := len(out); n > 0 && out[n-1].Time.Equal(p.Time) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	if len(out) > MaxIntradayPoints {
		out = out[len(out)-MaxIntradayPoints:]
	}
	return out
}
