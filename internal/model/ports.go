package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple pipeline logic from concrete backends
// (Redis, SQLite, PostgreSQL). Each backend satisfies one or more of them.

// TickSink receives normalized ticks from the feed client, in receipt order per connection.
type TickSink interface {
	Append(t Tick) error
}

// BarWriter persists sealed bars idempotently, keyed by (symbol, start).
type BarWriter interface {
	// UpsertBars writes all bars in one transaction. Either every bar is
	// written or none is.
	UpsertBars(ctx context.Context, bars []Bar) error
}

// BarReader reads persisted (sealed) bars.
type BarReader interface {
	// ReadBars returns up to limit bars with Start <= upto, ordered ascending.
	ReadBars(ctx context.Context, symbol string, upto time.Time, limit int) ([]Bar, error)

	// ReadBarsAfter returns up to limit bars with Start > after, ordered ascending.
	ReadBarsAfter(ctx context.Context, symbol string, after time.Time, limit int) ([]Bar, error)

	// Symbols lists every symbol with persisted history.
	Symbols(ctx context.Context) ([]string, error)
}

// FeatureWriter persists emitted feature vectors. Writes never overwrite an
// existing (symbol, ts) vector.
type FeatureWriter interface {
	WriteFeatureVectors(ctx context.Context, vecs []FeatureVector) error

	// LatestFeatureTS returns the newest emitted vector timestamp for symbol,
	// or the zero time when none exists.
	LatestFeatureTS(ctx context.Context, symbol string) (time.Time, error)
}

// Pruner removes history outside the retention window and reclaims space.
// Cutoffs are per symbol so one idle symbol cannot hold back the others.
type Pruner interface {
	PruneBarsBefore(ctx context.Context, symbol string, cutoff time.Time) (int, error)
	PruneFeaturesBefore(ctx context.Context, symbol string, cutoff time.Time) (int, error)
	Compact(ctx context.Context) error
}

// DurableStore is the relational store behind the persistence bridge.
type DurableStore interface {
	BarWriter
	BarReader
	FeatureWriter
	Pruner

	// Ping checks connectivity for health probes.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// CacheMirror replicates tick cache mutations to a crash-tolerant store.
// Implementations must not block the caller.
type CacheMirror interface {
	MirrorTick(t Tick, open Bar)
	MirrorSealed(b Bar)
	MirrorFlushed(bars []Bar)
}

// FeaturePublisher delivers emitted vectors to stream consumers.
type FeaturePublisher interface {
	PublishFeatures(ctx context.Context, vecs []FeatureVector) error
}

// SentimentSource supplies the externally produced sentiment score for a symbol.
// ok is false when no score is available.
type SentimentSource interface {
	Sentiment(ctx context.Context, symbol string) (score float64, ok bool, err error)
}
