package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Instrument types reported by Normalize.
const (
	TypeIndex     = "index"
	TypeRate      = "rate"
	TypeFX        = "fx"
	TypeCommodity = "commodity"
	TypeCrypto    = "crypto"
	TypeEquity    = "equity"
)

// ErrEmptySymbol is returned for blank input.
var ErrEmptySymbol = errors.New("symbol is required")

// Descriptor is the canonical identity of a user-supplied symbol.
type Descriptor struct {
	Canonical      string
	ProviderSymbol string
	DisplaySymbol  string
	InstrumentType string
}

var fiatCodes = map[string]bool{
	"USD": true, "EUR": true, "JPY": true, "GBP": true, "CHF": true, "CAD": true, "AUD": true,
	"NZD": true, "BRL": true, "CNY": true, "HKD": true, "SEK": true, "NOK": true, "MXN": true,
}

var cryptoCodes = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "XRP": true, "DOGE": true,
	"BNB": true, "ADA": true, "AVAX": true, "DOT": true, "LTC": true,
}

// Bloomberg-style tickers, keyed after spaces are removed.
var terminalAliases = map[string]string{
	"SPXINDEX":      "^GSPC",
	"SPX":           "^GSPC",
	"INDUINDEX":     "^DJI",
	"CCMPINDEX":     "^IXIC",
	"RTYINDEX":      "^RUT",
	"USGG10YRINDEX": "^TNX",
	"USGG5YRINDEX":  "^FVX",
	"USGG3MINDEX":   "^IRX",
	"CL1COMDTY":     "CL=F",
	"GC1COMDTY":     "GC=F",
	"SI1COMDTY":     "SI=F",
	"HG1COMDTY":     "HG=F",
	"XBTUSDCURNCY":  "BTC-USD",
	"XETUSDCURNCY":  "ETH-USD",
	"XSOUSDCURNCY":  "SOL-USD",
}

var fxAliases = map[string]string{
	"BRLUSD": "USDBRL",
}

var (
	terminalFXPattern = regexp.MustCompile(`^([A-Z]{6})(?:CURNCY|CURRENCY)$`)
	fxSeparated       = regexp.MustCompile(`^([A-Z]{3})[/-]([A-Z]{3})$`)
	fxYahoo           = regexp.MustCompile(`^([A-Z]{3})([A-Z]{3})=X$`)
	sixLetters        = regexp.MustCompile(`^([A-Z]{3})([A-Z]{3,4})$`)
	dashedPair        = regexp.MustCompile(`^([A-Z]{2,6})[-/]([A-Z]{3,4})$`)
	futuresPattern    = regexp.MustCompile(`^[A-Z]{1,3}=F$`)
	tickerPattern     = regexp.MustCompile(`^[\^A-Z][A-Z0-9.\-]{0,15}$`)
)

// Normalize maps alias forms onto one canonical symbol. It is applied at
// every lookup boundary before the cache or the alert store is consulted.
func Normalize(raw string) (Descriptor, error) {
	candidate := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	if candidate == "" {
		return Descriptor{}, ErrEmptySymbol
	}

	if alias, ok := terminalAliases[candidate]; ok {
		candidate = alias
	}
	if m := terminalFXPattern.FindStringSubmatch(candidate); m != nil {
		candidate = m[1]
	}

	if section, _, ok := TargetFor(candidate); ok {
		return describeTarget(candidate, section), nil
	}

	if m := fxSeparated.FindStringSubmatch(candidate); m != nil {
		if cryptoCodes[m[1]] {
			return cryptoDescriptor(m[1], m[2]), nil
		}
		return fxDescriptor(m[1], m[2]), nil
	}
	if m := fxYahoo.FindStringSubmatch(candidate); m != nil {
		return fxDescriptor(m[1], m[2]), nil
	}
	if m := sixLetters.FindStringSubmatch(candidate); m != nil {
		base, quote := m[1], m[2]
		if cryptoCodes[base] && (quote == "USD" || quote == "USDT") {
			return cryptoDescriptor(base, quote), nil
		}
		if len(quote) == 3 && fiatCodes[base] && fiatCodes[quote] {
			return fxDescriptor(base, quote), nil
		}
	}
	if m := dashedPair.FindStringSubmatch(candidate); m != nil && cryptoCodes[m[1]] {
		return cryptoDescriptor(m[1], m[2]), nil
	}
	if futuresPattern.MatchString(candidate) {
		return Descriptor{
			Canonical:      candidate,
			ProviderSymbol: candidate,
			DisplaySymbol:  candidate,
			InstrumentType: TypeCommodity,
		}, nil
	}
	if tickerPattern.MatchString(candidate) {
		kind := TypeEquity
		if strings.HasPrefix(candidate, "^") {
			kind = TypeIndex
		}
		return Descriptor{
			Canonical:      candidate,
			ProviderSymbol: equityProviderSymbol(candidate),
			DisplaySymbol:  candidate,
			InstrumentType: kind,
		}, nil
	}

	return Descriptor{}, fmt.Errorf("unsupported symbol format: %s", raw)
}

// DisplaySymbol renders a canonical symbol for humans.
func DisplaySymbol(canonical string) string {
	if m := fxYahoo.FindStringSubmatch(canonical); m != nil {
		return m[1] + "/" + m[2]
	}
	if m := dashedPair.FindStringSubmatch(canonical); m != nil && cryptoCodes[m[1]] {
		return m[1] + "/" + m[2]
	}
	return canonical
}

func describeTarget(symbol string, section Section) Descriptor {
	kind := map[Section]string{
		Indices:     TypeIndex,
		Rates:       TypeRate,
		FX:          TypeFX,
		Commodities: TypeCommodity,
		Crypto:      TypeCrypto,
	}[section]
	return Descriptor{
		Canonical:      symbol,
		ProviderSymbol: symbol,
		DisplaySymbol:  DisplaySymbol(symbol),
		InstrumentType: kind,
	}
}

func fxDescriptor(base, quote string) Descriptor {
	pair := base + quote
	if alias, ok := fxAliases[pair]; ok {
		pair = alias
	}
	canonical := pair + "=X"
	return Descriptor{
		Canonical:      canonical,
		ProviderSymbol: canonical,
		DisplaySymbol:  pair[:3] + "/" + pair[3:],
		InstrumentType: TypeFX,
	}
}

func cryptoDescriptor(base, quote string) Descriptor {
	canonical := base + "-" + quote
	return Descriptor{
		Canonical:      canonical,
		ProviderSymbol: canonical,
		DisplaySymbol:  base + "/" + quote,
		InstrumentType: TypeCrypto,
	}
}

// Yahoo expects class shares in dash form (BRK-B).
func equityProviderSymbol(symbol string) string {
	if strings.HasPrefix(symbol, "^") {
		return symbol
	}
	parts := strings.Split(symbol, ".")
	if len(parts) == 2 && len(parts[1]) == 1 && parts[0] != "" {
		return parts[0] + "-" + parts[1]
	}
	return symbol
}
