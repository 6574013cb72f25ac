package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"openbloom-market/internal/alerting"
)

const alertColumns = `id,
        symbol,
        display_symbol,
        instrument_type,
        condition,
        threshold,
        enabled,
        one_shot,
        cooldown_seconds,
        source,
        last_condition_state,
        last_side,
        last_seen_price,
        cooldown_until,
        last_triggered_at,
        last_trigger_price,
        last_trigger_source,
        created_at,
        updated_at`

const (
	insertPriceAlertSQL = `INSERT INTO price_alerts (
        symbol,
        display_symbol,
        instrument_type,
        condition,
        threshold,
        enabled,
        one_shot,
        cooldown_seconds,
        source,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    RETURNING ` + alertColumns + `;`

	getPriceAlertSQL = `SELECT ` + alertColumns + `
    FROM price_alerts
    WHERE id = $1;`

	// Evaluator-owned columns are only touched when the caller asks: $7
	// gates enabled and $11 resets the rule-dependent state.
	updatePriceAlertSQL = `UPDATE price_alerts
    SET
        symbol               = $2,
        display_symbol       = $3,
        instrument_type      = $4,
        condition            = $5,
        threshold            = $6,
        enabled              = CASE WHEN $7::boolean THEN $8::boolean ELSE enabled END,
        one_shot             = $9,
        cooldown_seconds     = $10,
        source               = $12,
        last_condition_state = CASE WHEN $11::boolean THEN FALSE ELSE last_condition_state END,
        last_side            = CASE WHEN $11::boolean THEN 0 ELSE last_side END,
        updated_at           = $13
    WHERE id = $1
    RETURNING ` + alertColumns + `;`

	deletePriceAlertSQL = `DELETE FROM price_alerts WHERE id = $1;`

	listPriceAlertsSQL = `SELECT ` + alertColumns + `
    FROM price_alerts
    WHERE ($1 = '' OR symbol = $1)
      AND ($2 = '' OR ($2 = 'active' AND enabled) OR ($2 = 'inactive' AND NOT enabled))
    ORDER BY updated_at DESC, id DESC;`

	enabledAlertsForSymbolSQL = `SELECT ` + alertColumns + `
    FROM price_alerts
    WHERE symbol = $1
      AND enabled
    ORDER BY id;`

	enabledAlertSymbolsSQL = `SELECT DISTINCT symbol
    FROM price_alerts
    WHERE enabled
    ORDER BY symbol;`

	// The evaluator may disable a one-shot alert but never re-enable one.
	savePriceAlertStateSQL = `UPDATE price_alerts
    SET
        enabled              = enabled AND $2,
        last_condition_state = $3,
        last_side            = $4,
        last_seen_price      = $5,
        cooldown_until       = $6,
        last_triggered_at    = $7,
        last_trigger_price   = $8,
        last_trigger_source  = $9
    WHERE id = $1;`
)

// Create inserts a new alert and returns it with its id.
func (s *Store) Create(ctx context.Context, a alerting.Alert) (alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerting.Alert{}, err
	}
	row := pool.QueryRow(ctx, insertPriceAlertSQL,
		a.Symbol,
		a.DisplaySymbol,
		a.InstrumentType,
		string(a.Condition),
		a.Threshold.String(),
		a.Enabled,
		a.OneShot,
		a.CooldownSeconds,
		a.Source,
		a.CreatedAt,
		a.UpdatedAt,
	)
	created, err := scanAlert(row)
	if err != nil {
		return alerting.Alert{}, fmt.Errorf("insert price alert: %w", err)
	}
	return created, nil
}

// Get loads one alert.
func (s *Store) Get(ctx context.Context, id int64) (alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerting.Alert{}, err
	}
	a, err := scanAlert(pool.QueryRow(ctx, getPriceAlertSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return alerting.Alert{}, alerting.ErrNotFound
	}
	if err != nil {
		return alerting.Alert{}, fmt.Errorf("get price alert %d: %w", id, err)
	}
	return a, nil
}

// Update writes the owner-editable fields. Evaluator state written since
// the caller's read survives unless scope asks otherwise.
func (s *Store) Update(ctx context.Context, a alerting.Alert, scope alerting.UpdateScope) (alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerting.Alert{}, err
	}
	row := pool.QueryRow(ctx, updatePriceAlertSQL,
		a.ID,
		a.Symbol,
		a.DisplaySymbol,
		a.InstrumentType,
		string(a.Condition),
		a.Threshold.String(),
		scope.SetEnabled,
		a.Enabled,
		a.OneShot,
		a.CooldownSeconds,
		scope.ResetState,
		a.Source,
		a.UpdatedAt,
	)
	updated, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return alerting.Alert{}, alerting.ErrNotFound
	}
	if err != nil {
		return alerting.Alert{}, fmt.Errorf("update price alert %d: %w", a.ID, err)
	}
	return updated, nil
}

// Delete removes an alert; its trigger events are retained.
func (s *Store) Delete(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deletePriceAlertSQL, id)
	if err != nil {
		return fmt.Errorf("delete price alert %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return alerting.ErrNotFound
	}
	return nil
}

// List returns alerts matching f, most recently updated first.
func (s *Store) List(ctx context.Context, f alerting.Filter) ([]alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listPriceAlertsSQL, f.Symbol, string(f.Status))
	if err != nil {
		return nil, fmt.Errorf("list price alerts: %w", err)
	}
	return collectAlerts(rows)
}

// EnabledForSymbol returns the alerts the evaluator must consider.
func (s *Store) EnabledForSymbol(ctx context.Context, symbol string) ([]alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, enabledAlertsForSymbolSQL, symbol)
	if err != nil {
		return nil, fmt.Errorf("list alerts for %s: %w", symbol, err)
	}
	return collectAlerts(rows)
}

// EnabledSymbols returns the distinct symbols the evaluator must watch.
func (s *Store) EnabledSymbols(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, enabledAlertSymbolsSQL)
	if err != nil {
		return nil, fmt.Errorf("list alert symbols: %w", err)
	}
	symbols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan alert symbols: %w", err)
	}
	return symbols, nil
}

// SaveState writes the evaluator-owned fields.
func (s *Store) SaveState(ctx context.Context, a alerting.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, savePriceAlertStateSQL,
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
	return nil
}

func collectAlerts(rows pgx.Rows) ([]alerting.Alert, error) {
	defer rows.Close()
	alerts := make([]alerting.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (alerting.Alert, error) {
	var (
		a            alerting.Alert
		condition    string
		thresholdStr string
		side         int16
		seenStr      *string
		triggerStr   *string
		cooldown     *time.Time
		triggeredAt  *time.Time
	)
	if err := row.Scan(
		&a.ID,
		&a.Symbol,
		&a.DisplaySymbol,
		&a.InstrumentType,
		&condition,
		&thresholdStr,
		&a.Enabled,
		&a.OneShot,
		&a.CooldownSeconds,
		&a.Source,
		&a.LastConditionState,
		&side,
		&seenStr,
		&cooldown,
		&triggeredAt,
		&triggerStr,
		&a.LastTriggerSource,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return alerting.Alert{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return alerting.Alert{}, fmt.Errorf("parse threshold: %w", err)
	}
	if a.LastSeenPrice, err = parseNullDecimal(seenStr); err != nil {
		return alerting.Alert{}, fmt.Errorf("parse last seen price: %w", err)
	}
	if a.LastTriggerPrice, err = parseNullDecimal(triggerStr); err != nil {
		return alerting.Alert{}, fmt.Errorf("parse last trigger price: %w", err)
	}
	a.Condition = alerting.Condition(condition)
	a.Threshold = threshold
	a.LastSide = alerting.Side(side)
	a.CooldownUntil = utcPtr(cooldown)
	a.LastTriggeredAt = utcPtr(triggeredAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

var (
	_ alerting.Repository     = (*Store)(nil)
	_ alerting.FiringRecorder = (*Store)(nil)
)
