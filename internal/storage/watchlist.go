package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"openbloom-market/internal/watchlist"
)

const watchlistColumns = `id,
        symbol,
        display_symbol,
        provider_symbol,
        instrument_type,
        position,
        created_at`

const (
	listWatchlistSQL = `SELECT ` + watchlistColumns + `
    FROM watchlist_items
    ORDER BY position, id;`

	getWatchlistItemSQL = `SELECT ` + watchlistColumns + `
    FROM watchlist_items
    WHERE id = $1;`

	watchlistItemBySymbolSQL = `SELECT ` + watchlistColumns + `
    FROM watchlist_items
    WHERE symbol = $1;`

	// Serialises adds so the count and the next position stay consistent.
	lockWatchlistSQL = `LOCK TABLE watchlist_items IN SHARE ROW EXCLUSIVE MODE;`

	countWatchlistSQL = `SELECT COUNT(*), COALESCE(MAX(position), 0) FROM watchlist_items;`

	insertWatchlistItemSQL = `INSERT INTO watchlist_items (
        symbol,
        display_symbol,
        provider_symbol,
        instrument_type,
        position,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING ` + watchlistColumns + `;`

	deleteWatchlistItemSQL = `DELETE FROM watchlist_items WHERE id = $1;`

	compactWatchlistSQL = `UPDATE watchlist_items w
    SET position = r.rn
    FROM (
        SELECT id, ROW_NUMBER() OVER (ORDER BY position, id) AS rn
        FROM watchlist_items
    ) r
    WHERE w.id = r.id
      AND w.position <> r.rn;`

	setWatchlistPositionsSQL = `UPDATE watchlist_items w
    SET position = o.ord
    FROM unnest($1::bigint[]) WITH ORDINALITY AS o(id, ord)
    WHERE w.id = o.id;`
)

// Watchlist adapts Store to watchlist.Repository.
type Watchlist struct {
	store *Store
}

// Watchlist returns the store's watchlist repository.
func (s *Store) Watchlist() Watchlist { return Watchlist{store: s} }

func (w Watchlist) List(ctx context.Context) ([]watchlist.Item, error) {
	pool, err := w.store.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listWatchlistSQL)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanWatchlistItem)
	if err != nil {
		return nil, fmt.Errorf("scan watchlist: %w", err)
	}
	return items, nil
}

func (w Watchlist) Get(ctx context.Context, id int64) (watchlist.Item, error) {
	return w.one(ctx, getWatchlistItemSQL, id)
}

func (w Watchlist) BySymbol(ctx context.Context, symbol string) (watchlist.Item, error) {
	return w.one(ctx, watchlistItemBySymbolSQL, symbol)
}

func (w Watchlist) one(ctx context.Context, query string, arg any) (watchlist.Item, error) {
	pool, err := w.store.getPool()
	if err != nil {
		return watchlist.Item{}, err
	}
	rows, err := pool.Query(ctx, query, arg)
	if err != nil {
		return watchlist.Item{}, fmt.Errorf("get watchlist item %v: %w", arg, err)
	}
	item, err := pgx.CollectExactlyOneRow(rows, scanWatchlistItem)
	if errors.Is(err, pgx.ErrNoRows) {
		return watchlist.Item{}, watchlist.ErrNotFound
	}
	if err != nil {
		return watchlist.Item{}, fmt.Errorf("get watchlist item %v: %w", arg, err)
	}
	return item, nil
}

func (w Watchlist) Insert(ctx context.Context, item watchlist.Item, maxItems int) (watchlist.Item, bool, error) {
	pool, err := w.store.getPool()
	if err != nil {
		return watchlist.Item{}, false, err
	}

	var (
		out     watchlist.Item
		created bool
	)
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockWatchlistSQL); err != nil {
			return fmt.Errorf("lock watchlist: %w", err)
		}

		rows, err := tx.Query(ctx, watchlistItemBySymbolSQL, item.Symbol)
		if err != nil {
			return err
		}
		existing, err := pgx.CollectRows(rows, scanWatchlistItem)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing[0]
			return nil
		}

		var count, last int
		if err := tx.QueryRow(ctx, countWatchlistSQL).Scan(&count, &last); err != nil {
			return fmt.Errorf("count watchlist: %w", err)
		}
		if count >= maxItems {
			return &watchlist.LimitError{Max: maxItems}
		}

		rows, err = tx.Query(ctx, insertWatchlistItemSQL,
			item.Symbol,
			item.DisplaySymbol,
			item.ProviderSymbol,
			item.InstrumentType,
			last+1,
			item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert watchlist item: %w", err)
		}
		out, err = pgx.CollectExactlyOneRow(rows, scanWatchlistItem)
		if err != nil {
			return fmt.Errorf("insert watchlist item: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return watchlist.Item{}, false, err
	}
	return out, created, nil
}

func (w Watchlist) Delete(ctx context.Context, id int64) error {
	pool, err := w.store.getPool()
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, deleteWatchlistItemSQL, id)
		if err != nil {
			return fmt.Errorf("delete watchlist item %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return watchlist.ErrNotFound
		}
		if _, err := tx.Exec(ctx, compactWatchlistSQL); err != nil {
			return fmt.Errorf("compact watchlist: %w", err)
		}
		return nil
	})
}

func (w Watchlist) SetPositions(ctx context.Context, ids []int64) error {
	pool, err := w.store.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setWatchlistPositionsSQL, ids)
	if err != nil {
		return fmt.Errorf("reorder watchlist: %w", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return watchlist.ErrNotFound
	}
	return nil
}

func scanWatchlistItem(row pgx.CollectableRow) (watchlist.Item, error) {
	var item watchlist.Item
	err := row.Scan(
		&item.ID,
		&item.Symbol,
		&item.DisplaySymbol,
		&item.ProviderSymbol,
		&item.InstrumentType,
		&item.Position,
		&item.CreatedAt,
	)
	item.CreatedAt = item.CreatedAt.UTC()
	return item, err
}

var _ watchlist.Repository = Watchlist{}
