package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"openbloom-market/internal/cache"
)

const (
	// An older snapshot never replaces a newer one, even across processes.
	upsertLKGSQL = `INSERT INTO lkg_snapshots (cache_key, payload, as_of, updated_at)
    VALUES ($1, $2, $3, NOW())
    ON CONFLICT (cache_key) DO UPDATE
    SET
        payload    = EXCLUDED.payload,
        as_of      = EXCLUDED.as_of,
        updated_at = NOW()
    WHERE lkg_snapshots.as_of <= EXCLUDED.as_of;`

	loadLKGSQL = `SELECT payload FROM lkg_snapshots WHERE cache_key = $1;`
)

// SaveLKG stores an encoded snapshot.
func (s *Store) SaveLKG(ctx context.Context, key string, payload []byte, asOf time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertLKGSQL, key, payload, asOf.UTC()); err != nil {
		return fmt.Errorf("upsert lkg %s: %w", key, err)
	}
	return nil
}

// LoadLKG returns cache.ErrMiss when key has never been stored.
func (s *Store) LoadLKG(ctx context.Context, key string) ([]byte, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var payload []byte
	if err := pool.QueryRow(ctx, loadLKGSQL, key).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cache.ErrMiss
		}
		return nil, fmt.Errorf("load lkg %s: %w", key, err)
	}
	return payload, nil
}

var _ cache.Durable = (*Store)(nil)
