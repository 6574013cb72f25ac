package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"openbloom-market/internal/alerting"
)

// ListAlerts prints alerts filtered by symbol and status.
func (a *App) ListAlerts(ctx context.Context, symbol string, status alerting.Status, asJSON bool) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	views, err := rt.alerts.List(ctx, symbol, status)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(a.Out, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}
	return writeAlerts(a.Out, views...)
}

// CreateAlert stores a new alert and prints it.
func (a *App) CreateAlert(ctx context.Context, in alerting.CreateInput) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	view, err := rt.alerts.Create(ctx, in)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("alert_id", view.ID).Str("symbol", view.Symbol).Msg("alert created")
	return writeAlerts(a.Out, view)
}

// UpdateAlert patches an alert and prints the result.
func (a *App) UpdateAlert(ctx context.Context, id int64, in alerting.UpdateInput) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	view, err := rt.alerts.Update(ctx, id, in)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("alert_id", view.ID).Str("symbol", view.Symbol).Msg("alert updated")
	return writeAlerts(a.Out, view)
}

// DeleteAlert removes an alert. Its trigger events are kept.
func (a *App) DeleteAlert(ctx context.Context, id int64) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.alerts.Delete(ctx, id); err != nil {
		return err
	}
	a.Logger.Info().Int64("alert_id", id).Msg("alert deleted")
	fmt.Fprintf(a.Out, "deleted alert %d\n", id)
	return nil
}

// Events prints one page of the trigger history.
func (a *App) Events(ctx context.Context, q alerting.EventQuery, asJSON bool) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	events, err := rt.alerts.Events(ctx, q)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(a.Out, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(a.Out, "no events found")
		return nil
	}
	return writeEvents(a.Out, events)
}

func writeAlerts(out io.Writer, views ...alerting.View) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSymbol\tCondition\tThreshold\tEnabled\tOne-shot\tCooldown(s)\tState\tLast triggered\tLast price")
	for _, v := range views {
		lastTriggered := "-"
		if v.LastTriggeredAt != nil {
			lastTriggered = formatTime(*v.LastTriggeredAt)
		}
		lastPrice := "-"
		if v.LastTriggerPrice.Valid {
			lastPrice = v.LastTriggerPrice.Decimal.String()
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%t\t%t\t%d\t%s\t%s\t%s\n",
			v.ID,
			displayOr(v.DisplaySymbol, v.Symbol),
			v.Condition,
			v.Threshold.String(),
			v.Enabled,
			v.OneShot,
			v.CooldownSeconds,
			v.TriggerState,
			lastTriggered,
			lastPrice,
		)
	}
	return writer.Flush()
}

func writeEvents(out io.Writer, events []alerting.TriggerEvent) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Event\tAlert\tSymbol\tCondition\tThreshold\tPrice\tSource\tTriggered (UTC)")
	for _, ev := range events {
		fmt.Fprintf(writer, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.ID,
			ev.AlertID,
			ev.Symbol,
			ev.Condition,
			ev.Threshold.String(),
			ev.TriggerPrice.String(),
			ev.Source,
			formatTime(ev.TriggeredAt),
		)
	}
	return writer.Flush()
}
