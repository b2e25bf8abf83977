package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"market-pipeline/internal/model"
)

// WriteFeatureVectors inserts vectors in one transaction; existing rows are kept.
func (s *Store) WriteFeatureVectors(ctx context.Context, vecs []model.FeatureVector) error {
	if len(vecs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres begin: %w: %w", model.ErrTransientIO, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feature_vectors (symbol, ts, payload) VALUES ($1,$2,$3)
		ON CONFLICT (symbol, ts) DO NOTHING
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("postgres prepare features: %w: %w", model.ErrTransientIO, err)
	}
	defer stmt.Close()

	for i := range vecs {
		v := &vecs[i]
		if _, err := stmt.ExecContext(ctx, v.Symbol, v.TS.UTC(), string(v.JSON())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("postgres insert feature %s: %w: %w", v.Symbol, model.ErrTransientIO, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres commit features: %w: %w", model.ErrTransientIO, err)
	}
	return nil
}

// LatestFeatureTS returns the newest vector timestamp for symbol, or zero.
func (s *Store) LatestFeatureTS(ctx context.Context, symbol string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM feature_vectors WHERE symbol = $1`, symbol).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres latest feature ts: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time.UTC(), nil
}
