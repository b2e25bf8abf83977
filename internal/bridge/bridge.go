// Package bridge moves sealed bars from the tick cache into the durable store.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"market-pipeline/internal/backoff"
	"market-pipeline/internal/model"
)

// Backlog is the part of the tick cache the bridge drains.
type Backlog interface {
	SealBars(now time.Time) []model.Bar
	Pending() []model.Bar
	Ack(bars []model.Bar)
}

// Config controls flush cadence and retry behaviour.
type Config struct {
	Interval        time.Duration  // flush period (FLUSH_INTERVAL)
	Retry           backoff.Policy // per-cycle retry policy; MaxAttempts is FLUSH_MAX_RETRIES
	ShutdownTimeout time.Duration  // bound on the final flush
}

// Bridge periodically seals due bars and upserts every pending bar in one
// transaction. Bars stay in the cache until a write succeeds.
type Bridge struct {
	cache Backlog
	store model.BarWriter
	cfg   Config
	now   func() time.Time
	log   *slog.Logger

	// Metrics hooks (optional, set externally)
	OnFlush func(written, failed int, elapsed time.Duration)
	OnRetry func(attempt int, err error)
}

// New creates a bridge between cache and store.
func New(cache Backlog, store model.BarWriter, cfg Config) *Bridge {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Bridge{
		cache: cache,
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   slog.With("component", "bridge"),
	}
}

// Flush runs one cycle. written is the number of bars durably stored; failed
// is the batch size when every retry was exhausted.
func (b *Bridge) Flush(ctx context.Context) (written, failed int) {
	start := time.Now()
	b.cache.SealBars(b.now())
	batch := b.cache.Pending()
	if len(batch) == 0 {
		return 0, 0
	}

	attempt := 0
	write := func(ctx context.Context) error {
		attempt++
		err := b.store.UpsertBars(ctx, batch)
		if err != nil && b.OnRetry != nil {
			b.OnRetry(attempt, err)
		}
		return err
	}

	var err error
	if b.cfg.Retry.MaxAttempts <= 0 {
		err = write(ctx)
	} else {
		err = backoff.Retry(ctx, b.cfg.Retry, write)
	}

	elapsed := time.Since(start)
	if err != nil {
		b.log.Warn("flush failed, bars kept in cache",
			"bars", len(batch), "attempts", attempt, "err", err)
		failed = len(batch)
	} else {
		b.cache.Ack(batch)
		written = len(batch)
		b.log.Debug("flushed bars", "bars", written, "attempts", attempt, "elapsed", elapsed)
	}
	if b.OnFlush != nil {
		b.OnFlush(written, failed, elapsed)
	}
	return written, failed
}

// Run flushes every Interval until ctx is cancelled, then performs a final
// flush bounded by ShutdownTimeout.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
			written, failed := b.Flush(final)
			cancel()
			b.log.Info("final flush", "written", written, "failed", failed)
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}
