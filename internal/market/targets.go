package market

import "time"

// Target is an instrument the overview is expected to populate.
type Target struct {
	Symbol   string
	Name     string
	Currency string
}

var sectionTargets = map[Section][]Target{
	Indices: {
		{Symbol: "^GSPC", Name: "S&P 500", Currency: "USD"},
		{Symbol: "^DJI", Name: "Dow Jones Industrial Average", Currency: "USD"},
		{Symbol: "^IXIC", Name: "Nasdaq Composite", Currency: "USD"},
		{Symbol: "^RUT", Name: "Russell 2000", Currency: "USD"},
	},
	Rates: {
		{Symbol: "^TNX", Name: "US 10Y Treasury Yield", Currency: "PCT"},
		{Symbol: "^FVX", Name: "US 5Y Treasury Yield", Currency: "PCT"},
		{Symbol: "^IRX", Name: "US 13W Treasury Yield", Currency: "PCT"},
	},
	FX: {
		{Symbol: "EURUSD=X", Name: "EUR/USD", Currency: "USD"},
		{Symbol: "USDJPY=X", Name: "USD/JPY", Currency: "JPY"},
		{Symbol: "GBPUSD=X", Name: "GBP/USD", Currency: "USD"},
	},
	Commodities: {
		{Symbol: "CL=F", Name: "WTI Crude Oil", Currency: "USD"},
		{Symbol: "GC=F", Name: "Gold", Currency: "USD"},
		{Symbol: "SI=F", Name: "Silver", Currency: "USD"},
		{Symbol: "HG=F", Name: "Copper", Currency: "USD"},
	},
	Crypto: {
		{Symbol: "BTC-USD", Name: "Bitcoin", Currency: "USD"},
		{Symbol: "ETH-USD", Name: "Ethereum", Currency: "USD"},
		{Symbol: "SOL-USD", Name: "Solana", Currency: "USD"},
	},
}

var bootstrapPrices = map[string]float64{
	"^GSPC": 5980.0, "^DJI": 41850.0, "^IXIC": 18950.0, "^RUT": 2065.0,
	"^TNX": 4.12, "^FVX": 3.90, "^IRX": 4.22,
	"EURUSD=X": 1.0850, "USDJPY=X": 150.0, "GBPUSD=X": 1.2680,
	"CL=F": 72.4, "GC=F": 2355.0, "SI=F": 29.2, "HG=F": 4.01,
	"BTC-USD": 64000.0, "ETH-USD": 3200.0, "SOL-USD": 120.0,
}

var ratesDefaults = map[string]float64{
	"^TNX": 4.15,
	"^FVX": 3.95,
	"^IRX": 4.30,
}

// Targets returns the expected rows of a section in display order.
func Targets(section Section) []Target {
	return sectionTargets[section]
}

// TargetSet returns the section's symbols as a lookup set.
func TargetSet(section Section) map[string]struct{} {
	set := make(map[string]struct{}, len(sectionTargets[section]))
	for _, t := range sectionTargets[section] {
		set[t.Symbol] = struct{}{}
	}
	return set
}

// TargetFor finds the section and target of a canonical symbol.
func TargetFor(symbol string) (Section, Target, bool) {
	for _, section := range Sections {
		for _, t := range sectionTargets[section] {
			if t.Symbol == symbol {
				return section, t, true
			}
		}
	}
	return "", Target{}, false
}

// BootstrapQuotes is the static seed dataset for a section.
func BootstrapQuotes(section Section, now time.Time) []Quote {
	return staticQuotes(Targets(section), bootstrapPrices, "bootstrap", " (Bootstrap)", now)
}

// RatesDefaultQuotes is the default yield snapshot used before bootstrap.
func RatesDefaultQuotes(now time.Time) []Quote {
	return staticQuotes(Targets(Rates), ratesDefaults, "rates_defaults", " (Default Snapshot)", now)
}

func staticQuotes(targets []Target, prices map[string]float64, source, suffix string, now time.Time) []Quote {
	out := make([]Quote, 0, len(targets))
	for _, t := range targets {
		price, ok := prices[t.Symbol]
		if !ok {
			continue
		}
		out = append(out, Quote{
			Symbol:        t.Symbol,
			DisplaySymbol: DisplaySymbol(t.Symbol),
			Name:          t.Name + suffix,
			Price:         price,
			Currency:      t.Currency,
			Source:        source,
			AsOf:          now,
			Stale:         true,
		})
	}
	return out
}
