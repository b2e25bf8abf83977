package sqlite

import (
	"context"
	"fmt"
	"time"
)

// PruneBarsBefore deletes symbol's bars with interval_start < cutoff.
func (s *Store) PruneBarsBefore(ctx context.Context, symbol string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bars WHERE symbol = ? AND interval_start < ?`, symbol, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune bars: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneFeaturesBefore deletes symbol's feature vectors with ts < cutoff.
func (s *Store) PruneFeaturesBefore(ctx context.Context, symbol string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feature_vectors WHERE symbol = ? AND ts < ?`, symbol, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune features: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Compact reclaims space freed by pruning.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("sqlite vacuum: %w", err)
	}
	return nil
}
