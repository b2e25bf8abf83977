package features

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"market-pipeline/internal/model"
)

// Store is what the evaluator needs from the durable store.
type Store interface {
	model.BarReader
	model.FeatureWriter
}

// EvaluatorConfig controls evaluation cadence.
type EvaluatorConfig struct {
	Interval  time.Duration // FEATURE_INTERVAL
	BatchSize int           // new bars read per symbol per pass (default 1000)
}

// Evaluator periodically turns newly persisted bars into feature vectors,
// writes them durably and publishes them to stream consumers.
type Evaluator struct {
	engine *Engine
	store  Store
	pub    model.FeaturePublisher
	cfg    EvaluatorConfig
	log    *slog.Logger

	mu      sync.Mutex
	cursors map[string]time.Time // newest bar start evaluated per symbol

	// Metrics hooks (optional, set externally)
	OnEmitted      func(n int)
	OnWithheld     func(n int)
	OnPublishError func(err error)
}

// NewEvaluator creates an evaluator. pub may be nil.
func NewEvaluator(engine *Engine, store Store, pub model.FeaturePublisher, cfg EvaluatorConfig) *Evaluator {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Evaluator{
		engine:  engine,
		store:   store,
		pub:     pub,
		cfg:     cfg,
		log:     slog.With("component", "features"),
		cursors: make(map[string]time.Time),
	}
}

// Run evaluates every Interval until ctx is cancelled.
func (ev *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(ev.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := ev.Evaluate(ctx); err != nil && ctx.Err() == nil {
				ev.log.Warn("evaluation pass failed", "err", err)
			}
		}
	}
}

// Evaluate runs one pass over every symbol with persisted history.
func (ev *Evaluator) Evaluate(ctx context.Context) (emitted, withheld int, err error) {
	symbols, err := ev.store.Symbols(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list symbols: %w", err)
	}
	var firstErr error
	for _, sym := range symbols {
		e, w, err := ev.evaluateSymbol(ctx, sym)
		emitted += e
		withheld += w
		if err != nil {
			ev.log.Warn("symbol evaluation failed", "symbol", sym, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if ev.OnEmitted != nil && emitted > 0 {
		ev.OnEmitted(emitted)
	}
	if ev.OnWithheld != nil && withheld > 0 {
		ev.OnWithheld(withheld)
	}
	return emitted, withheld, firstErr
}

func (ev *Evaluator) cursor(ctx context.Context, symbol string) (time.Time, error) {
	ev.mu.Lock()
	c, ok := ev.cursors[symbol]
	ev.mu.Unlock()
	if ok {
		return c, nil
	}
	c, err := ev.store.LatestFeatureTS(ctx, symbol)
	if err != nil {
		return time.Time{}, err
	}
	ev.setCursor(symbol, c)
	return c, nil
}

func (ev *Evaluator) setCursor(symbol string, c time.Time) {
	ev.mu.Lock()
	ev.cursors[symbol] = c
	ev.mu.Unlock()

	// The next vector reads lookback bars behind the cursor.
	if !c.IsZero() {
		e := ev.engine
		e.wm.SetPending(symbol, c.Add(-time.Duration(e.graph.Lookback())*e.interval))
	}
}

// evaluateSymbol computes vectors for every bar newer than the symbol's cursor.
func (ev *Evaluator) evaluateSymbol(ctx context.Context, symbol string) (emitted, withheld int, err error) {
	e := ev.engine
	lb := e.graph.Lookback()

	cur, err := ev.cursor(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}
	fresh, err := ev.store.ReadBarsAfter(ctx, symbol, cur, ev.cfg.BatchSize)
	if err != nil || len(fresh) == 0 {
		return 0, 0, err
	}

	first := fresh[0].Start
	release := e.wm.Acquire(symbol, first.Add(-time.Duration(lb)*e.interval))
	defer release()

	var history []model.Bar
	if lb > 0 {
		history, err = ev.store.ReadBars(ctx, symbol, first.Add(-e.interval), lb)
		if err != nil {
			return 0, 0, err
		}
	}
	all := append(history, fresh...)

	score, has, err := e.readSentiment(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}

	vecs := make([]model.FeatureVector, 0, len(fresh))
	for pos := len(history); pos < len(all); pos++ {
		from := pos - lb
		if from < 0 {
			from = 0
		}
		vec, ok, _ := e.vectorAt(symbol, trailingRun(all[from:pos+1], e.interval), score, has)
		if !ok {
			withheld++
			continue
		}
		vecs = append(vecs, vec)
	}

	if err := ev.store.WriteFeatureVectors(ctx, vecs); err != nil {
		return 0, withheld, err
	}
	if ev.pub != nil && len(vecs) > 0 {
		if err := ev.pub.PublishFeatures(ctx, vecs); err != nil {
			ev.log.Warn("publish features failed", "symbol", symbol, "vectors", len(vecs), "err", err)
			if ev.OnPublishError != nil {
				ev.OnPublishError(err)
			}
		}
	}
	ev.setCursor(symbol, fresh[len(fresh)-1].Start)
	return len(vecs), withheld, nil
}
