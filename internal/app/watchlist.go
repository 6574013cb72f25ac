package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"openbloom-market/internal/watchlist"
)

// Watchlist prints every item with its quote and linked alert.
func (a *App) Watchlist(ctx context.Context, asJSON bool) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	snap, err := rt.watchlist.Snapshot(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(a.Out, snap)
	}
	return writeWatchlist(a.Out, snap)
}

// WatchlistAdd appends a symbol, or reports the existing item.
func (a *App) WatchlistAdd(ctx context.Context, symbol string) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	item, created, err := rt.watchlist.Add(ctx, symbol)
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintf(a.Out, "%s already on the watchlist (item %d)\n", item.DisplaySymbol, item.ID)
		return nil
	}
	a.Logger.Info().Int64("item_id", item.ID).Str("symbol", item.Symbol).Msg("watchlist item added")
	fmt.Fprintf(a.Out, "added %s as item %d at position %d\n", item.DisplaySymbol, item.ID, item.Position)
	return nil
}

// WatchlistRemove deletes an item by id or, when ref is not a number, by
// symbol.
func (a *App) WatchlistRemove(ctx context.Context, ref string) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		err = rt.watchlist.Remove(ctx, id)
	} else {
		err = rt.watchlist.RemoveSymbol(ctx, ref)
	}
	if err != nil {
		return err
	}
	a.Logger.Info().Str("ref", ref).Msg("watchlist item removed")
	fmt.Fprintf(a.Out, "removed %s\n", ref)
	return nil
}

// WatchlistReorder moves ids to the front and prints the new order.
func (a *App) WatchlistReorder(ctx context.Context, ids []int64) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	items, err := rt.watchlist.Reorder(ctx, ids)
	if err != nil {
		return err
	}
	entries := make([]watchlist.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, watchlist.Entry{Item: item})
	}
	return writeWatchlist(a.Out, watchlist.Snapshot{Items: entries})
}

// WatchlistSetAlert creates or updates the alert linked to an item.
func (a *App) WatchlistSetAlert(ctx context.Context, itemID int64, in watchlist.AlertInput) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	view, err := rt.watchlist.SetAlert(ctx, itemID, in)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("item_id", itemID).Int64("alert_id", view.ID).Msg("watchlist alert saved")
	return writeAlerts(a.Out, view)
}

// WatchlistDeleteAlert removes the alert linked to an item.
func (a *App) WatchlistDeleteAlert(ctx context.Context, itemID int64) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.watchlist.DeleteAlert(ctx, itemID); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "deleted alert for item %d\n", itemID)
	return nil
}

func writeWatchlist(out io.Writer, snap watchlist.Snapshot) error {
	if len(snap.Items) == 0 {
		fmt.Fprintln(out, "watchlist is empty")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tID\tSymbol\tType\tPrice\tChange %\tSource\tAs of (UTC)\tAlert")
	for _, e := range snap.Items {
		price, change, source, asOf := "-", "-", "-", "-"
		if q := e.Quote; q != nil {
			price = formatFloat(q.LastPrice, 4)
			change = formatFloat(q.ChangePercent, 2)
			source = q.Source
			if q.Stale {
				source += " (stale)"
			}
			asOf = formatTime(q.AsOf)
		}
		alert := "-"
		if al := e.Alert; al != nil {
			alert = fmt.Sprintf("%s %s", al.Direction, al.TargetPrice.String())
			if !al.Enabled {
				alert += " (off)"
			}
		}
		fmt.Fprintf(writer, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Position,
			e.ID,
			displayOr(e.DisplaySymbol, e.Symbol),
			e.InstrumentType,
			price,
			change,
			source,
			asOf,
			alert,
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	for _, w := range snap.Warnings {
		fmt.Fprintf(out, "warning: %s\n", sanitizeInline(w))
	}
	return nil
}
