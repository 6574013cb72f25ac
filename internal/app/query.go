package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"openbloom-market/internal/diagnostics"
	"openbloom-market/internal/market"
	"openbloom-market/internal/service"
)

// Overview prints one market-overview pull.
func (a *App) Overview(ctx context.Context, asJSON bool) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ov, err := rt.overview.Overview(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(a.Out, ov)
	}
	return writeOverview(a.Out, ov)
}

func writeOverview(out io.Writer, ov service.Overview) error {
	if ov.Banner != "" {
		fmt.Fprintf(out, "! %s\n", ov.Banner)
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Section\tSymbol\tPrice\tChange\tChange%\tSource\tAs of (UTC)\tStale")
	for _, section := range market.Sections {
		rows := ov.Sections[section]
		if len(rows) == 0 {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t-\t-\t-\n", section)
			continue
		}
		for _, q := range rows {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
				section,
				displayOr(q.DisplaySymbol, q.Symbol),
				formatFloat(q.Price, 4),
				formatFloat(q.Change, 4),
				formatFloat(q.ChangePercent, 2),
				q.Source,
				formatTime(q.AsOf),
				q.Stale,
			)
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	for _, w := range ov.Warnings {
		fmt.Fprintf(out, "warning: %s\n", sanitizeInline(w))
	}
	return nil
}

// Intraday prints one symbol's intraday answer.
func (a *App) Intraday(ctx context.Context, symbol string, asJSON bool) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	got, err := rt.intraday.Get(ctx, symbol)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(a.Out, got)
	}
	return writeIntraday(a.Out, got)
}

func writeIntraday(out io.Writer, got service.Intraday) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Symbol\t%s (%s)\n", got.DisplaySymbol, got.Symbol)
	fmt.Fprintf(writer, "Type\t%s\n", got.InstrumentType)
	fmt.Fprintf(writer, "Last\t%s %s\n", formatFloat(got.LastPrice, 4), got.Currency)
	fmt.Fprintf(writer, "Change\t%s (%s%%)\n", formatFloat(got.Change, 4), formatFloat(got.ChangePercent, 2))
	fmt.Fprintf(writer, "Source\t%s\n", got.Source)
	fmt.Fprintf(writer, "Stream\t%s (stale=%t, freshness=%ds, refresh=%ds)\n",
		got.StreamStatus, got.Stale, got.FreshnessSeconds, got.UpstreamRefreshSeconds)
	fmt.Fprintf(writer, "As of\t%s\n", formatTime(got.AsOf))
	fmt.Fprintf(writer, "Points\t%d\n", len(got.Points))
	if err := writer.Flush(); err != nil {
		return err
	}
	for _, w := range got.Warnings {
		fmt.Fprintf(out, "warning: %s\n", sanitizeInline(w))
	}
	return nil
}

// Watch polls one symbol and prints each update until ctx ends or Count
// updates were printed.
func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	interval := opts.Interval
	if interval <= 0 {
		interval = a.Config.Stream.PushInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	source := service.NewPollSource(rt.overview, rt.intraday, interval, a.Clock, a.Logger)
	updates, err := source.Subscribe(ctx, service.SymbolTopic(opts.Symbol))
	if err != nil {
		return err
	}

	printed := 0
	for u := range updates {
		if u.Quote == nil {
			continue
		}
		q := u.Quote
		fmt.Fprintf(a.Out, "%s  %s  %s  %s%%  %s  stale=%t\n",
			formatTime(u.At), q.Symbol, formatFloat(q.Price, 4), formatFloat(q.ChangePercent, 2), q.Source, q.Stale)
		printed++
		if opts.Count > 0 && printed >= opts.Count {
			cancel()
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Health probes every section once and prints the provider table.
func (a *App) Health(ctx context.Context, asJSON bool) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.overview.Sections(ctx); err != nil {
		return err
	}
	report := diagnostics.Collect(rt.registry)
	if asJSON {
		return writeJSON(a.Out, report)
	}
	return writeHealth(a.Out, report)
}

func writeHealth(out io.Writer, report diagnostics.Report) error {
	fmt.Fprintf(out, "status: %s (%s)\n", report.Status, formatTime(report.GeneratedAt))
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Provider\tStatus\tBreaker\tOK\tFail\tStreak\tLimited\tSkipped\tCooldown until\tSections\tLast error")
	for _, p := range report.Providers {
		cooldown := "-"
		if !p.CooldownUntil.IsZero() {
			cooldown = formatTime(p.CooldownUntil)
		}
		breakerState := string(p.Breaker)
		if breakerState == "" {
			breakerState = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			p.Provider,
			p.Status,
			breakerState,
			p.SuccessCount,
			p.FailureCount,
			p.ConsecutiveFailures,
			p.RateLimited,
			p.Skipped,
			cooldown,
			strings.Join(p.Sections, ","),
			sanitizeInline(p.LastError),
		)
	}
	return writer.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFloat(v float64, places int) string {
	return fmt.Sprintf("%.*f", places, v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func displayOr(display, fallback string) string {
	if display != "" {
		return display
	}
	return fallback
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
