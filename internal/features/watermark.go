package features

import (
	"sync"
	"time"
)

// Watermark tracks, per symbol, the oldest bar timestamp the feature engine
// still needs: reads in flight plus the history required for the next vector.
// Retention never prunes a symbol's bars at or after Oldest(symbol).
type Watermark struct {
	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]mark
	pending  map[string]time.Time
}

type mark struct {
	symbol string
	ts     time.Time
}

// NewWatermark creates an empty tracker.
func NewWatermark() *Watermark {
	return &Watermark{
		inflight: make(map[uint64]mark),
		pending:  make(map[string]time.Time),
	}
}

// Acquire registers a read of symbol's bars from ts onward. Call release when done.
func (w *Watermark) Acquire(symbol string, ts time.Time) (release func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.inflight[id] = mark{symbol: symbol, ts: ts}
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.inflight, id)
			w.mu.Unlock()
		})
	}
}

// SetPending records the oldest bar symbol's next vector will read.
func (w *Watermark) SetPending(symbol string, ts time.Time) {
	w.mu.Lock()
	w.pending[symbol] = ts
	w.mu.Unlock()
}

// Oldest returns the minimum timestamp tracked for symbol. ok is false when
// nothing is tracked for it.
func (w *Watermark) Oldest(symbol string) (oldest time.Time, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.inflight {
		if m.symbol == symbol && (!ok || m.ts.Before(oldest)) {
			oldest, ok = m.ts, true
		}
	}
	if ts, has := w.pending[symbol]; has && (!ok || ts.Before(oldest)) {
		oldest, ok = ts, true
	}
	return oldest, ok
}
