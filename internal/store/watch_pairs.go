package store

import (
	"context"
	"fmt"
	"time"
)

// WatchPair is one row of the watch list: a market pair the collector keeps
// a live candle subscription for.
type WatchPair struct {
	ID        int64     `db:"id" json:"id"`
	CoinPair  string    `db:"coin_pair" json:"coin_pair"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AddWatchPair inserts the pair, or re-enables/disables it when it already
// exists.
func (s *Store) AddWatchPair(ctx context.Context, pair string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coin_pair_watch (coin_pair, enabled) VALUES (?, ?)
		ON CONFLICT(coin_pair) DO UPDATE SET
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP`,
		pair, enabled)
	if err != nil {
		return fmt.Errorf("failed to add watch pair %v: %w", pair, err)
	}
	return nil
}

// RemoveWatchPair deletes the pair from the watch list. Removing an unknown
// pair is a no-op.
func (s *Store) RemoveWatchPair(ctx context.Context, pair string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM coin_pair_watch WHERE coin_pair = ?`, pair); err != nil {
		return fmt.Errorf("failed to remove watch pair %v: %w", pair, err)
	}
	return nil
}

// SetWatchPairEnabled flips the pair's enabled flag. Unknown pairs are a
// no-op.
func (s *Store) SetWatchPairEnabled(ctx context.Context, pair string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE coin_pair_watch SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE coin_pair = ?`,
		enabled, pair)
	if err != nil {
		return fmt.Errorf("failed to set watch pair %v enabled=%v: %w", pair, enabled, err)
	}
	return nil
}

// ListWatchPairs returns the watch list ordered by pair, optionally filtered
// to enabled pairs only.
func (s *Store) ListWatchPairs(ctx context.Context, enabledOnly bool) ([]WatchPair, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT id, coin_pair, enabled, created_at, updated_at FROM coin_pair_watch`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY coin_pair ASC`

	pairs := []WatchPair{}
	if err := s.db.SelectContext(ctx, &pairs, query); err != nil {
		return nil, fmt.Errorf("failed to list watch pairs: %w", err)
	}
	return pairs, nil
}
