package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"openbloom-market/internal/alerting"
)

const (
	insertTriggerEventSQL = `INSERT INTO alert_trigger_events (
        alert_id,
        symbol,
        condition,
        threshold,
        trigger_price,
        source,
        triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id;`

	eventColumns = `id, alert_id, symbol, condition, threshold, trigger_price, source, triggered_at`

	listEventsAfterSQL = `SELECT ` + eventColumns + `
    FROM alert_trigger_events
    WHERE ($1 = '' OR symbol = $1)
      AND ($2 = 0 OR alert_id = $2)
      AND id > $3
    ORDER BY id ASC
    LIMIT $4;`

	listEventsLatestSQL = `SELECT ` + eventColumns + `
    FROM alert_trigger_events
    WHERE ($1 = '' OR symbol = $1)
      AND ($2 = 0 OR alert_id = $2)
    ORDER BY id DESC
    LIMIT $3;`
)

// Append persists a trigger event. Ids come from a sequence, so they are
// monotonic across processes sharing the database.
func (s *Store) Append(ctx context.Context, ev alerting.TriggerEvent) (alerting.TriggerEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerting.TriggerEvent{}, err
	}
	if err := pool.QueryRow(ctx, insertTriggerEventSQL,
		ev.AlertID,
		ev.Symbol,
		string(ev.Condition),
		ev.Threshold.String(),
		ev.TriggerPrice.String(),
		ev.Source,
		ev.TriggeredAt,
	).Scan(&ev.ID); err != nil {
		return alerting.TriggerEvent{}, fmt.Errorf("insert trigger event: %w", err)
	}
	return ev, nil
}

// RecordFiring saves a fired alert's state and appends its event in one
// transaction, so a failed write cannot leave an event without the state
// that suppresses the next one.
func (s *Store) RecordFiring(ctx context.Context, a alerting.Alert, ev alerting.TriggerEvent) (alerting.TriggerEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerting.TriggerEvent{}, err
	}
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, savePriceAlertStateSQL,
			a.ID,
			a.Enabled,
			a.LastConditionState,
			int16(a.LastSide),
			nullDecimal(a.LastSeenPrice),
			a.CooldownUntil,
			a.LastTriggeredAt,
			nullDecimal(a.LastTriggerPrice),
			a.LastTriggerSource,
		)
		if err != nil {
			return fmt.Errorf("save price alert %d state: %w", a.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return alerting.ErrNotFound
		}
		if err := tx.QueryRow(ctx, insertTriggerEventSQL,
			ev.AlertID,
			ev.Symbol,
			string(ev.Condition),
			ev.Threshold.String(),
			ev.TriggerPrice.String(),
			ev.Source,
			ev.TriggeredAt,
		).Scan(&ev.ID); err != nil {
			return fmt.Errorf("insert trigger event: %w", err)
		}
		return nil
	})
	if err != nil {
		return alerting.TriggerEvent{}, err
	}
	return ev, nil
}

// ListEvents pages the event feed.
func (s *Store) ListEvents(ctx context.Context, q alerting.EventQuery) ([]alerting.TriggerEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit := alerting.ClampLimit(q.Limit)

	var rows pgx.Rows
	if q.AfterID != nil {
		rows, err = pool.Query(ctx, listEventsAfterSQL, q.Symbol, q.AlertID, *q.AfterID, limit)
	} else {
		rows, err = pool.Query(ctx, listEventsLatestSQL, q.Symbol, q.AlertID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list trigger events: %w", err)
	}
	defer rows.Close()

	events := make([]alerting.TriggerEvent, 0, limit)
	for rows.Next() {
		var (
			ev           alerting.TriggerEvent
			condition    string
			thresholdStr string
			priceStr     string
		)
		if err := rows.Scan(&ev.ID, &ev.AlertID, &ev.Symbol, &condition, &thresholdStr, &priceStr, &ev.Source, &ev.TriggeredAt); err != nil {
			return nil, err
		}
		if ev.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
			return nil, fmt.Errorf("parse threshold: %w", err)
		}
		if ev.TriggerPrice, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse trigger price: %w", err)
		}
		ev.Condition = alerting.Condition(condition)
		ev.TriggeredAt = ev.TriggeredAt.UTC()
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// Events is the alerting.EventLog view of a Store.
type Events struct{ store *Store }

// EventLog returns the trigger-event view of the store.
func (s *Store) EventLog() Events { return Events{store: s} }

func (e Events) Append(ctx context.Context, ev alerting.TriggerEvent) (alerting.TriggerEvent, error) {
	return e.store.Append(ctx, ev)
}

func (e Events) List(ctx context.Context, q alerting.EventQuery) ([]alerting.TriggerEvent, error) {
	return e.store.ListEvents(ctx, q)
}

var _ alerting.EventLog = Events{}
