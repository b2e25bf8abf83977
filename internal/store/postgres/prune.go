package postgres

import (
	"context"
	"fmt"
	"time"
)

// PruneBarsBefore deletes symbol's bars with interval_start < cutoff.
func (s *Store) PruneBarsBefore(ctx context.Context, symbol string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bars WHERE symbol = $1 AND interval_start < $2`, symbol, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres prune bars: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneFeaturesBefore deletes symbol's feature vectors with ts < cutoff.
func (s *Store) PruneFeaturesBefore(ctx context.Context, symbol string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feature_vectors WHERE symbol = $1 AND ts < $2`, symbol, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres prune features: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Compact runs VACUUM ANALYZE on both tables. VACUUM cannot run inside a
// transaction block, so each statement is issued on its own.
func (s *Store) Compact(ctx context.Context) error {
	for _, table := range []string{"bars", "feature_vectors"} {
		if _, err := s.db.ExecContext(ctx, "VACUUM ANALYZE "+table); err != nil {
			return fmt.Errorf("postgres vacuum %s: %w", table, err)
		}
	}
	return nil
}
