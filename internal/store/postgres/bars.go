package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"market-pipeline/internal/model"
)

// UpsertBars writes bars in a single transaction keyed by (symbol, interval_start).
// A cancelled context rolls the whole batch back.
func (s *Store) UpsertBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	const q = `
		INSERT INTO bars (symbol, interval_start, open, high, low, close, volume, ticks)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (symbol, interval_start) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume, ticks = EXCLUDED.ticks
	`
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres begin: %w: %w", model.ErrTransientIO, err)
	}
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("postgres prepare upsert: %w: %w", model.ErrTransientIO, err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.Start.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume, b.Ticks); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("postgres upsert %s: %w: %w", b.Symbol, model.ErrTransientIO, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres commit: %w: %w", model.ErrTransientIO, err)
	}
	return nil
}

// ReadBars returns the newest limit bars with interval_start <= upto, ascending.
func (s *Store) ReadBars(ctx context.Context, symbol string, upto time.Time, limit int) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, interval_start, open, high, low, close, volume, ticks FROM (
			SELECT * FROM bars
			WHERE symbol = $1 AND interval_start <= $2
			ORDER BY interval_start DESC
			LIMIT $3
		) t ORDER BY interval_start ASC
	`, symbol, upto.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres query bars: %w", err)
	}
	return collectBars(rows)
}

// ReadBarsAfter returns up to limit bars with interval_start > after, ascending.
func (s *Store) ReadBarsAfter(ctx context.Context, symbol string, after time.Time, limit int) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, interval_start, open, high, low, close, volume, ticks
		FROM bars
		WHERE symbol = $1 AND interval_start > $2
		ORDER BY interval_start ASC
		LIMIT $3
	`, symbol, after.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres query bars after: %w", err)
	}
	return collectBars(rows)
}

// Symbols lists every symbol with persisted bars.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM bars ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres query symbols: %w", err)
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

func collectBars(rows *sql.Rows) ([]model.Bar, error) {
	defer rows.Close()
	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		if err := rows.Scan(&b.Symbol, &b.Start, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Ticks); err != nil {
			return nil, fmt.Errorf("postgres scan bar: %w", err)
		}
		b.Start = b.Start.UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}
