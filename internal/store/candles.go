package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/candleproxy/candleproxy/exchange/common"
)

const upsertBarQuery = `
INSERT INTO candle_data (coin_pair, timestamp, open, high, low, close, volume, volume_quote, confirm)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(coin_pair, timestamp) DO UPDATE SET
	open = excluded.open,
	high = excluded.high,
	low = excluded.low,
	close = excluded.close,
	volume = excluded.volume,
	volume_quote = excluded.volume_quote,
	confirm = excluded.confirm`

func validateBar(bar common.Candlestick) error {
	if !common.IsMinuteAligned(bar.Timestamp) {
		return fmt.Errorf("%w: %v", ErrUnalignedTimestamp, bar.Timestamp)
	}
	if !bar.HasValidOHLC() {
		return fmt.Errorf("%w: open=%v high=%v low=%v close=%v", ErrInvalidBar, bar.Open, bar.High, bar.Low, bar.Close)
	}
	if bar.Volume < 0 || bar.QuoteVolume < 0 {
		return fmt.Errorf("%w: volume=%v volume_quote=%v", ErrInvalidBar, bar.Volume, bar.QuoteVolume)
	}
	return nil
}

// UpsertBar writes one bar, overwriting any existing bar of the same pair
// and timestamp.
func (s *Store) UpsertBar(ctx context.Context, pair string, bar common.Candlestick) error {
	if err := validateBar(bar); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, upsertBarQuery,
		pair, bar.Timestamp, float64(bar.Open), float64(bar.High), float64(bar.Low), float64(bar.Close),
		float64(bar.Volume), float64(bar.QuoteVolume), bar.Confirm)
	if err != nil {
		return fmt.Errorf("failed to upsert bar: %w", err)
	}
	return nil
}

// UpsertBatch writes all bars in one transaction. Within the batch the last
// bar per timestamp wins, matching the single-bar upsert semantics.
func (s *Store) UpsertBatch(ctx context.Context, pair string, bars []common.Candlestick) error {
	if len(bars) == 0 {
		return nil
	}
	for _, bar := range bars {
		if err := validateBar(bar); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertBarQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		_, err := stmt.ExecContext(ctx,
			pair, bar.Timestamp, float64(bar.Open), float64(bar.High), float64(bar.Low), float64(bar.Close),
			float64(bar.Volume), float64(bar.QuoteVolume), bar.Confirm)
		if err != nil {
			return fmt.Errorf("failed to upsert bar at %v: %w", bar.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Scan returns the pair's bars in ascending timestamp order. The bounds are
// inclusive on both ends; a negative bound is unbounded on that side. A
// positive limit keeps the first limit bars of the range.
func (s *Store) Scan(ctx context.Context, pair string, fromMs, toMs int64, limit int) ([]common.Candlestick, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT timestamp, open, high, low, close, volume, volume_quote, confirm FROM candle_data WHERE coin_pair = ?`
	args := []interface{}{pair}
	if fromMs >= 0 {
		query += " AND timestamp >= ?"
		args = append(args, fromMs)
	}
	if toMs >= 0 {
		query += " AND timestamp <= ?"
		args = append(args, toMs)
	}
	query += " ORDER BY timestamp ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	bars := []common.Candlestick{}
	if err := s.db.SelectContext(ctx, &bars, query, args...); err != nil {
		return nil, fmt.Errorf("failed to scan bars: %w", err)
	}
	return bars, nil
}

// Count returns how many bars the pair has within the inclusive bounds. A
// negative bound is unbounded on that side.
func (s *Store) Count(ctx context.Context, pair string, fromMs, toMs int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT COUNT(*) FROM candle_data WHERE coin_pair = ?`
	args := []interface{}{pair}
	if fromMs >= 0 {
		query += " AND timestamp >= ?"
		args = append(args, fromMs)
	}
	if toMs >= 0 {
		query += " AND timestamp <= ?"
		args = append(args, toMs)
	}

	var count int64
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return count, nil
}

// Latest returns the pair's most recent bar. The second return is false when
// the pair has no bars at all.
func (s *Store) Latest(ctx context.Context, pair string) (common.Candlestick, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var bar common.Candlestick
	err := s.db.GetContext(ctx, &bar,
		`SELECT timestamp, open, high, low, close, volume, volume_quote, confirm FROM candle_data
		 WHERE coin_pair = ? ORDER BY timestamp DESC LIMIT 1`, pair)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Candlestick{}, false, nil
	}
	if err != nil {
		return common.Candlestick{}, false, fmt.Errorf("failed to get latest bar: %w", err)
	}
	return bar, true, nil
}

// Stats summarizes stored data: row count and timestamp extremes, with the
// extremes also formatted as local dates for human consumption. Pair may be
// empty to cover the whole table. An empty table yields nulls.
type Stats struct {
	CoinPair     string  `json:"coin_pair,omitempty"`
	TotalCount   int64   `json:"total_count"`
	MinTimestamp *int64  `json:"min_timestamp"`
	MaxTimestamp *int64  `json:"max_timestamp"`
	MinDate      *string `json:"min_date"`
	MaxDate      *string `json:"max_date"`
}

// Stats computes Stats for one pair, or for all data when pair is empty.
func (s *Store) Stats(ctx context.Context, pair string) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM candle_data`
	args := []interface{}{}
	if pair != "" {
		query += " WHERE coin_pair = ?"
		args = append(args, pair)
	}

	var (
		count        int64
		minTs, maxTs sql.NullInt64
	)
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&count, &minTs, &maxTs); err != nil {
		return Stats{}, fmt.Errorf("failed to compute stats: %w", err)
	}

	stats := Stats{CoinPair: pair, TotalCount: count}
	if minTs.Valid {
		stats.MinTimestamp = &minTs.Int64
		formatted := formatLocalDate(minTs.Int64)
		stats.MinDate = &formatted
	}
	if maxTs.Valid {
		stats.MaxTimestamp = &maxTs.Int64
		formatted := formatLocalDate(maxTs.Int64)
		stats.MaxDate = &formatted
	}
	return stats, nil
}

func formatLocalDate(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

// DeleteOlderThan removes all bars strictly older than cutoffMs, across all
// pairs, and returns how many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM candle_data WHERE timestamp < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old bars: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted bars: %w", err)
	}
	return deleted, nil
}

// DeleteOnDay removes the bars of one local calendar day, given as
// "2006-01-02". The window is [00:00 that day, 00:00 next day). Pair may be
// empty to cover all pairs. Returns how many bars were removed.
func (s *Store) DeleteOnDay(ctx context.Context, day string, pair string) (int64, error) {
	dayStart, err := time.ParseInLocation("2006-01-02", day, time.Local)
	if err != nil {
		return 0, fmt.Errorf("failed to parse day %q: %w", day, err)
	}
	fromMs := dayStart.UnixMilli()
	toMs := dayStart.AddDate(0, 0, 1).UnixMilli()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `DELETE FROM candle_data WHERE timestamp >= ? AND timestamp < ?`
	args := []interface{}{fromMs, toMs}
	if pair != "" {
		query += " AND coin_pair = ?"
		args = append(args, pair)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete bars on %v: %w", day, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted bars: %w", err)
	}
	return deleted, nil
}
