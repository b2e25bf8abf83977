// Package retention prunes durable history older than the retention window
// without touching bars the feature engine still needs.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"market-pipeline/internal/model"
)

// HighWaterMark reports the oldest bar timestamp of symbol still required by
// feature computation. ok is false when nothing is pinned for symbol.
type HighWaterMark interface {
	Oldest(symbol string) (ts time.Time, ok bool)
}

// Store is the slice of the durable store retention works against.
type Store interface {
	model.Pruner
	Symbols(ctx context.Context) ([]string, error)
}

// Config controls the retention window and cadence.
type Config struct {
	Window   time.Duration // RETENTION_WINDOW
	Interval time.Duration // RETENTION_INTERVAL, default 24h
}

// Manager runs prune + compaction against a durable store.
type Manager struct {
	store Store
	mark  HighWaterMark
	cfg   Config
	now   func() time.Time
	log   *slog.Logger

	// Metrics hooks (optional, set externally)
	OnPrune func(bars, features int, elapsed time.Duration)
}

// New creates a retention manager. mark may be nil.
func New(store Store, mark HighWaterMark, cfg Config) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Manager{
		store: store,
		mark:  mark,
		cfg:   cfg,
		now:   time.Now,
		log:   slog.With("component", "retention"),
	}
}

// Cutoff returns min(now - window, high-water mark of symbol).
func (m *Manager) Cutoff(symbol string, now time.Time) time.Time {
	cutoff := now.Add(-m.cfg.Window)
	if m.mark != nil {
		if hw, ok := m.mark.Oldest(symbol); ok && hw.Before(cutoff) {
			cutoff = hw
		}
	}
	return cutoff
}

// Prune deletes, per symbol, bars with interval_start < cutoff and older
// feature vectors, then compacts. Compaction failures are logged, not returned.
func (m *Manager) Prune(ctx context.Context, now time.Time) (removed int, err error) {
	start := time.Now()

	symbols, err := m.store.Symbols(ctx)
	if err != nil {
		return 0, fmt.Errorf("list symbols: %w", err)
	}

	var bars, vecs int
	for _, sym := range symbols {
		cutoff := m.Cutoff(sym, now)
		n, err := m.store.PruneBarsBefore(ctx, sym, cutoff)
		if err != nil {
			return bars + vecs, fmt.Errorf("prune %s bars before %s: %w", sym, cutoff.Format(time.RFC3339), err)
		}
		bars += n
		n, err = m.store.PruneFeaturesBefore(ctx, sym, cutoff)
		if err != nil {
			return bars + vecs, fmt.Errorf("prune %s features before %s: %w", sym, cutoff.Format(time.RFC3339), err)
		}
		vecs += n
	}

	if err := m.store.Compact(ctx); err != nil {
		m.log.Warn("compaction failed", "err", err)
	}

	elapsed := time.Since(start)
	m.log.Info("pruned history", "symbols", len(symbols), "bars", bars, "features", vecs, "elapsed", elapsed)
	if m.OnPrune != nil {
		m.OnPrune(bars, vecs, elapsed)
	}
	return bars + vecs, nil
}

// Run prunes every Interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Prune(ctx, m.now()); err != nil && ctx.Err() == nil {
				m.log.Warn("prune failed", "err", err)
			}
		}
	}
}
