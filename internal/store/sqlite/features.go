package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"market-pipeline/internal/model"
)

// WriteFeatureVectors inserts vectors in one transaction. An existing
// (symbol, ts) row is kept: vectors are never mutated once emitted.
func (s *Store) WriteFeatureVectors(ctx context.Context, vecs []model.FeatureVector) error {
	if len(vecs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w: %w", model.ErrTransientIO, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feature_vectors (symbol, ts, payload) VALUES (?, ?, ?)
		ON CONFLICT (symbol, ts) DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare features: %w", err)
	}
	defer stmt.Close()

	for i := range vecs {
		v := &vecs[i]
		if _, err := stmt.ExecContext(ctx, v.Symbol, v.TS.UnixMilli(), string(v.JSON())); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert feature %s: %w: %w", v.Symbol, model.ErrTransientIO, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit features: %w: %w", model.ErrTransientIO, err)
	}
	return nil
}

// LatestFeatureTS returns the newest vector timestamp for symbol.
// Returns the zero time if no vectors exist.
func (s *Store) LatestFeatureTS(ctx context.Context, symbol string) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM feature_vectors WHERE symbol = ?`, symbol,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite latest feature ts: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64).UTC(), nil
}
