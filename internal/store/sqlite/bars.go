package sqlite

import (
	"context"
	"fmt"
	"time"

	"market-pipeline/internal/model"
)

// UpsertBars writes bars in a single transaction keyed by (symbol, interval_start).
// Replaying the same bars leaves the table unchanged. A cancelled context
// rolls the whole batch back.
func (s *Store) UpsertBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w: %w", model.ErrTransientIO, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, interval_start, open, high, low, close, volume, ticks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, interval_start) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, ticks = excluded.ticks
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, b.Symbol, b.Start.UnixMilli(), b.Open, b.High, b.Low, b.Close, b.Volume, b.Ticks)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite upsert %s@%d: %w: %w", b.Symbol, b.Start.UnixMilli(), model.ErrTransientIO, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w: %w", model.ErrTransientIO, err)
	}
	return nil
}

// ReadBars returns the newest limit bars with interval_start <= upto, ascending.
func (s *Store) ReadBars(ctx context.Context, symbol string, upto time.Time, limit int) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, interval_start, open, high, low, close, volume, ticks
		FROM bars
		WHERE symbol = ? AND interval_start <= ?
		ORDER BY interval_start DESC
		LIMIT ?
	`, symbol, upto.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// ReadBarsAfter returns up to limit bars with interval_start > after, ascending.
func (s *Store) ReadBarsAfter(ctx context.Context, symbol string, after time.Time, limit int) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, interval_start, open, high, low, close, volume, ticks
		FROM bars
		WHERE symbol = ? AND interval_start > ?
		ORDER BY interval_start ASC
		LIMIT ?
	`, symbol, after.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars after: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Symbols lists every symbol with persisted bars.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM bars ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBar(row scanner) (model.Bar, error) {
	var b model.Bar
	var startMs int64
	if err := row.Scan(&b.Symbol, &startMs, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Ticks); err != nil {
		return model.Bar{}, fmt.Errorf("sqlite scan bar: %w", err)
	}
	b.Start = time.UnixMilli(startMs).UTC()
	return b, nil
}
