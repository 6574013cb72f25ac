package app

import (
	"context"
	"fmt"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/market"
)

// SimulateOptions describe one synthetic tick.
type SimulateOptions struct {
	Symbol        string
	Price         float64
	ChangePercent float64
	Source        string
}

// SimulateQuote feeds a synthetic quote through the evaluator, so matching
// alerts fire, persist their events and notify exactly like a live tick.
func (a *App) SimulateQuote(ctx context.Context, opts SimulateOptions) error {
	desc, err := market.Normalize(opts.Symbol)
	if err != nil {
		return &alerting.ValidationError{Field: "symbol", Message: err.Error()}
	}
	if opts.Price <= 0 {
		return &alerting.ValidationError{Field: "price", Message: "must be > 0"}
	}
	if opts.Source == "" {
		opts.Source = "simulated"
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.store == nil {
		a.Logger.Warn().Msg("no database configured; only alerts created in this process can fire")
	}

	q := market.Quote{
		Symbol:        desc.Canonical,
		DisplaySymbol: desc.DisplaySymbol,
		Price:         opts.Price,
		ChangePercent: opts.ChangePercent,
		Source:        opts.Source,
		AsOf:          a.Clock.Now(),
	}
	fired, err := rt.evaluator.OnQuote(ctx, q)
	if err != nil {
		return err
	}

	a.Logger.Info().Str("symbol", q.Symbol).Float64("price", q.Price).Int("fired", len(fired)).Msg("simulated quote evaluated")
	if len(fired) == 0 {
		fmt.Fprintf(a.Out, "no alerts fired for %s at %s\n", q.Symbol, formatFloat(q.Price, 4))
		return nil
	}
	return writeEvents(a.Out, fired)
}
