package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"market-pipeline/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

type opKind int

const (
	opTick opKind = iota
	opSealed
	opFlushed
)

// mirrorOp is one queued cache mutation.
type mirrorOp struct {
	kind opKind
	tick model.Tick
	bar  model.Bar   // open bar for opTick, sealed bar for opSealed
	bars []model.Bar // acknowledged bars for opFlushed
}

// MirrorConfig tunes the asynchronous mirror writer.
type MirrorConfig struct {
	QueueSize      int           // pending ops before drops (default 8192)
	BatchSize      int           // ops per pipeline (default 256)
	SealedMaxLen   int64         // MAXLEN of bars:sealed:* streams (ring capacity)
	MaxFailures    int           // breaker threshold (default 5)
	BreakerTimeout time.Duration // breaker reset timeout (default 10s)
	WriteTimeout   time.Duration // per-pipeline deadline (default 2s)
}

func (c MirrorConfig) withDefaults() MirrorConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 8192
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.SealedMaxLen <= 0 {
		c.SealedMaxLen = 1024
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	return c
}

// Mirror replicates tick cache mutations into Redis. Calls never block: ops
// go through a bounded queue drained by Run, and a circuit breaker sheds
// writes while Redis is unreachable. Shed and dropped ops are counted.
type Mirror struct {
	store *Store
	cfg   MirrorConfig
	cb    *CircuitBreaker
	queue chan mirrorOp

	// exec writes a batch; replaced in tests.
	exec func(ctx context.Context, ops []mirrorOp) error

	dropped atomic.Uint64

	// Callbacks (optional)
	OnDrop func(n int) // ops lost to a full queue, open breaker or write error
}

// NewMirror creates a mirror writer over s.
func NewMirror(s *Store, cfg MirrorConfig) *Mirror {
	cfg = cfg.withDefaults()
	m := &Mirror{
		store: s,
		cfg:   cfg,
		cb:    NewCircuitBreaker(cfg.MaxFailures, cfg.BreakerTimeout),
		queue: make(chan mirrorOp, cfg.QueueSize),
	}
	m.exec = m.execPipeline
	m.cb.OnStateChange = func(from, to State) {
		s.log.Warn("mirror circuit state change", "from", from.String(), "to", to.String())
	}
	return m
}

// Breaker exposes the mirror's circuit breaker for health reporting.
func (m *Mirror) Breaker() *CircuitBreaker { return m.cb }

// Dropped returns the number of mirror ops lost so far.
func (m *Mirror) Dropped() uint64 { return m.dropped.Load() }

// MirrorTick records the latest trade and the open bar it updated.
func (m *Mirror) MirrorTick(t model.Tick, open model.Bar) {
	m.enqueue(mirrorOp{kind: opTick, tick: t, bar: open})
}

// MirrorSealed appends a sealed bar to the symbol's backlog stream.
func (m *Mirror) MirrorSealed(b model.Bar) {
	m.enqueue(mirrorOp{kind: opSealed, bar: b})
}

// MirrorFlushed removes durably written bars from the backlog streams.
func (m *Mirror) MirrorFlushed(bars []model.Bar) {
	if len(bars) == 0 {
		return
	}
	m.enqueue(mirrorOp{kind: opFlushed, bars: append([]model.Bar(nil), bars...)})
}

func (m *Mirror) enqueue(op mirrorOp) {
	select {
	case m.queue <- op:
	default:
		m.drop(1)
	}
}

func (m *Mirror) drop(n int) {
	m.dropped.Add(uint64(n))
	if m.OnDrop != nil {
		m.OnDrop(n)
	}
}

// Run drains the queue until ctx is cancelled, then writes what is left
// with a short deadline.
func (m *Mirror) Run(ctx context.Context) {
	batch := make([]mirrorOp, 0, m.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case op := <-m.queue:
			batch = append(batch[:0], op)
			batch = m.fill(batch)
			m.write(context.Background(), batch)
		}
	}
}

// fill tops up batch with whatever is already queued, without waiting.
func (m *Mirror) fill(batch []mirrorOp) []mirrorOp {
	for len(batch) < m.cfg.BatchSize {
		select {
		case op := <-m.queue:
			batch = append(batch, op)
		default:
			return batch
		}
	}
	return batch
}

func (m *Mirror) drain() {
	batch := make([]mirrorOp, 0, m.cfg.BatchSize)
	for {
		batch = m.fill(batch[:0])
		if len(batch) == 0 {
			return
		}
		m.write(context.Background(), batch)
	}
}

func (m *Mirror) write(ctx context.Context, batch []mirrorOp) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	err := m.cb.Execute(func() error { return m.exec(ctx, batch) })
	if err == nil {
		return
	}
	m.drop(len(batch))
	if !errors.Is(err, ErrCircuitOpen) {
		m.store.log.Warn("mirror write failed", "ops", len(batch), "err", err)
	}
}

// execPipeline sends one batch in a single round trip.
func (m *Mirror) execPipeline(ctx context.Context, ops []mirrorOp) error {
	pipe := m.store.client.Pipeline()
	for i := range ops {
		op := &ops[i]
		switch op.kind {
		case opTick:
			sym := op.tick.Symbol
			pipe.Set(ctx, priceKey(sym), op.tick.Price, 0)
			pipe.Set(ctx, tradeKey(sym), tradeJSON(op.tick), tradeTTL)
			pipe.HSet(ctx, ohlcvKey(sym), barFields(op.bar))
		case opSealed:
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: op.bar.StreamKey(),
				ID:     sealedID(op.bar),
				MaxLen: m.cfg.SealedMaxLen,
				Values: map[string]interface{}{"data": string(op.bar.JSON())},
			})
		case opFlushed:
			ids := make(map[string][]string)
			for _, b := range op.bars {
				ids[b.StreamKey()] = append(ids[b.StreamKey()], sealedID(b))
			}
			for stream, list := range ids {
				pipe.XDel(ctx, stream, list...)
			}
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// LoadSealedBars reads every sealed-unflushed bar left in bars:sealed:*
// streams, e.g. after a crash. Entries that fail to decode are skipped.
func (s *Store) LoadSealedBars(ctx context.Context) ([]model.Bar, error) {
	var out []model.Bar
	iter := s.client.Scan(ctx, 0, sealedScanPattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		msgs, err := s.client.XRange(ctx, key, "-", "+").Result()
		if err != nil {
			return nil, fmt.Errorf("xrange %s: %w", key, err)
		}
		for _, msg := range msgs {
			b, err := decodeBar(msg.Values)
			if err != nil {
				s.log.Warn("skipping sealed entry", "stream", key, "id", msg.ID, "err", err)
				continue
			}
			if b.Symbol != symbolFromSealedKey(key) {
				continue
			}
			out = append(out, b)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", sealedScanPattern, err)
	}
	return out, nil
}
