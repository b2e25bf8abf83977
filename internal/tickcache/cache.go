// Package tickcache folds ticks into per-symbol interval bars and holds
// sealed bars until the persistence bridge acknowledges them.
package tickcache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market-pipeline/internal/model"
	"market-pipeline/internal/ringbuf"
)

// Config controls bar boundaries and backlog capacity.
type Config struct {
	Interval     time.Duration // bar length, default 1m
	Grace        time.Duration // late-tick allowance after interval end
	RingCapacity int           // sealed-unflushed bars kept per symbol
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = 1024
	}
	return c
}

// symbolState is everything the cache knows about one symbol.
// mu serializes the appender and the sealer for that symbol.
type symbolState struct {
	mu sync.Mutex

	open map[int64]*model.Bar // keyed by interval start (unix nanos)

	sealedThrough time.Time // start of the newest sealed interval
	hasSealed     bool

	ring *ringbuf.Ring[model.Bar]
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Symbols   int
	OpenBars  int
	Pending   int
	Appended  uint64
	LateTicks uint64
	DataLoss  uint64
	Sealed    uint64
}

// Cache is the in-memory tick cache. It is safe for concurrent use; work on
// different symbols proceeds in parallel.
type Cache struct {
	cfg Config

	mu      sync.RWMutex
	symbols map[string]*symbolState

	mirror model.CacheMirror
	now    func() time.Time
	log    *slog.Logger

	appended  atomic.Uint64
	lateTicks atomic.Uint64
	dataLoss  atomic.Uint64
	sealed    atomic.Uint64

	// Metrics hooks (optional, set externally)
	OnLateTick func()
	OnDataLoss func(evicted model.Bar)
	OnSealed   func(b model.Bar)
}

// Option customizes a Cache.
type Option func(*Cache)

// WithMirror replicates cache mutations to m.
func WithMirror(m model.CacheMirror) Option {
	return func(c *Cache) { c.mirror = m }
}

// WithClock overrides the wall clock used for late-tick checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		cfg:     cfg.withDefaults(),
		symbols: make(map[string]*symbolState),
		now:     time.Now,
		log:     slog.With("component", "tickcache"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Interval returns the configured bar interval.
func (c *Cache) Interval() time.Duration { return c.cfg.Interval }

// bucket returns the interval start containing ts.
func (c *Cache) bucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(c.cfg.Interval)
}

func (c *Cache) state(symbol string) *symbolState {
	c.mu.RLock()
	st, ok := c.symbols[symbol]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{
		open: make(map[int64]*model.Bar),
		ring: ringbuf.New[model.Bar](c.cfg.RingCapacity),
	}
	c.symbols[symbol] = st
	return st
}

func (c *Cache) lookup(symbol string) (*symbolState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.symbols[symbol]
	return st, ok
}

// Append folds t into the open bar of its receipt interval. Ticks whose
// interval is already sealed or past the grace window are dropped with
// ErrLateTick.
func (c *Cache) Append(t model.Tick) error {
	if err := t.Validate(); err != nil {
		return err
	}
	start := c.bucket(t.ReceiptTS)
	st := c.state(t.Symbol)

	st.mu.Lock()
	late := (st.hasSealed && !start.After(st.sealedThrough)) ||
		c.now().After(start.Add(c.cfg.Interval+c.cfg.Grace))
	if late {
		st.mu.Unlock()
		c.lateTicks.Add(1)
		if c.OnLateTick != nil {
			c.OnLateTick()
		}
		return fmt.Errorf("%s at %s: %w", t.Symbol, start.Format(time.RFC3339), model.ErrLateTick)
	}

	key := start.UnixNano()
	bar, ok := st.open[key]
	if !ok {
		b := model.NewBar(start, t)
		bar = &b
		st.open[key] = bar
	} else {
		bar.Apply(t)
	}
	snapshot := *bar
	st.mu.Unlock()

	c.appended.Add(1)
	if c.mirror != nil {
		c.mirror.MirrorTick(t, snapshot)
	}
	return nil
}

// ReadBar returns the bar for (symbol, start), open or sealed-unflushed.
func (c *Cache) ReadBar(symbol string, start time.Time) (model.Bar, bool) {
	st, ok := c.lookup(symbol)
	if !ok {
		return model.Bar{}, false
	}
	start = start.UTC()

	st.mu.Lock()
	defer st.mu.Unlock()
	if b, ok := st.open[start.UnixNano()]; ok {
		return *b, true
	}
	for _, b := range st.ring.Items() {
		if b.Start.Equal(start) {
			return b, true
		}
	}
	return model.Bar{}, false
}

// SealBars seals every open bar whose interval plus grace has elapsed at now.
// Bars are sealed in strictly ascending start order per symbol and moved to
// the pending backlog. The newly sealed bars are returned.
func (c *Cache) SealBars(now time.Time) []model.Bar {
	c.mu.RLock()
	states := make([]*symbolState, 0, len(c.symbols))
	for _, st := range c.symbols {
		states = append(states, st)
	}
	c.mu.RUnlock()

	var out []model.Bar
	for _, st := range states {
		out = append(out, c.sealSymbol(st, now)...)
	}
	return out
}

func (c *Cache) sealSymbol(st *symbolState, now time.Time) []model.Bar {
	st.mu.Lock()
	var ready []int64
	for key, b := range st.open {
		if !b.Start.Add(c.cfg.Interval + c.cfg.Grace).After(now) {
			ready = append(ready, key)
		}
	}
	if len(ready) == 0 {
		st.mu.Unlock()
		return nil
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	sealed := make([]model.Bar, 0, len(ready))
	var evicted []model.Bar
	for _, key := range ready {
		b := *st.open[key]
		delete(st.open, key)
		st.sealedThrough = b.Start
		st.hasSealed = true
		if old, dropped := st.ring.Push(b); dropped {
			evicted = append(evicted, old)
		}
		sealed = append(sealed, b)
	}
	st.mu.Unlock()

	c.sealed.Add(uint64(len(sealed)))
	for _, old := range evicted {
		c.evict(old)
	}
	for _, b := range sealed {
		if c.mirror != nil {
			c.mirror.MirrorSealed(b)
		}
		if c.OnSealed != nil {
			c.OnSealed(b)
		}
	}
	return sealed
}

// Pending returns every sealed bar not yet acknowledged, ascending per symbol.
func (c *Cache) Pending() []model.Bar {
	c.mu.RLock()
	names := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		names = append(names, s)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	var out []model.Bar
	for _, s := range names {
		st, _ := c.lookup(s)
		st.mu.Lock()
		out = append(out, st.ring.Items()...)
		st.mu.Unlock()
	}
	return out
}

// Ack removes flushed bars from the backlog. For each symbol every pending
// bar at or before the newest acknowledged start is released.
func (c *Cache) Ack(bars []model.Bar) {
	if len(bars) == 0 {
		return
	}
	upto := make(map[string]time.Time)
	for _, b := range bars {
		if cur, ok := upto[b.Symbol]; !ok || b.Start.After(cur) {
			upto[b.Symbol] = b.Start
		}
	}
	for sym, limit := range upto {
		st, ok := c.lookup(sym)
		if !ok {
			continue
		}
		st.mu.Lock()
		for {
			b, ok := st.ring.Peek()
			if !ok || b.Start.After(limit) {
				break
			}
			st.ring.Pop()
		}
		st.mu.Unlock()
	}
	if c.mirror != nil {
		c.mirror.MirrorFlushed(bars)
	}
}

// Restore reloads sealed-unflushed bars recovered from the mirror after a
// restart. Bars are treated as sealed: later ticks for those intervals are late.
func (c *Cache) Restore(bars []model.Bar) {
	sorted := append([]model.Bar(nil), bars...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Symbol != sorted[j].Symbol {
			return sorted[i].Symbol < sorted[j].Symbol
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})
	for _, b := range sorted {
		st := c.state(b.Symbol)
		st.mu.Lock()
		if st.hasSealed && !b.Start.After(st.sealedThrough) {
			st.mu.Unlock()
			continue
		}
		st.sealedThrough = b.Start
		st.hasSealed = true
		old, dropped := st.ring.Push(b)
		st.mu.Unlock()
		if dropped {
			c.evict(old)
		}
	}
	if len(sorted) > 0 {
		c.log.Info("restored sealed backlog", "bars", len(sorted))
	}
}

// evict accounts for an unflushed bar pushed out of a full backlog.
func (c *Cache) evict(old model.Bar) {
	c.dataLoss.Add(1)
	c.log.Warn("sealed backlog full, evicted oldest unflushed bar",
		"symbol", old.Symbol, "start", old.Start, "err", model.ErrCapacityExceeded)
	if c.OnDataLoss != nil {
		c.OnDataLoss(old)
	}
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	states := make([]*symbolState, 0, len(c.symbols))
	for _, st := range c.symbols {
		states = append(states, st)
	}
	c.mu.RUnlock()

	s := Stats{
		Symbols:   len(states),
		Appended:  c.appended.Load(),
		LateTicks: c.lateTicks.Load(),
		DataLoss:  c.dataLoss.Load(),
		Sealed:    c.sealed.Load(),
	}
	for _, st := range states {
		st.mu.Lock()
		s.OpenBars += len(st.open)
		s.Pending += st.ring.Len()
		st.mu.Unlock()
	}
	return s
}
