package features

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/model"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// memStore is an in-memory durable store for engine and evaluator tests.
type memStore struct {
	mu      sync.Mutex
	bars    map[string][]model.Bar
	vectors []model.FeatureVector
	failW   error
}

func newMemStore() *memStore { return &memStore{bars: map[string][]model.Bar{}} }

func (m *memStore) add(bars ...model.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		m.bars[b.Symbol] = append(m.bars[b.Symbol], b)
		sort.Slice(m.bars[b.Symbol], func(i, j int) bool {
			return m.bars[b.Symbol][i].Start.Before(m.bars[b.Symbol][j].Start)
		})
	}
}

func (m *memStore) ReadBars(_ context.Context, symbol string, upto time.Time, limit int) ([]model.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Bar
	for _, b := range m.bars[symbol] {
		if !b.Start.After(upto) {
			out = append(out, b)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) ReadBarsAfter(_ context.Context, symbol string, after time.Time, limit int) ([]model.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Bar
	for _, b := range m.bars[symbol] {
		if b.Start.After(after) && len(out) < limit {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) Symbols(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for s := range m.bars {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) WriteFeatureVectors(_ context.Context, vecs []model.FeatureVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failW != nil {
		return m.failW
	}
	m.vectors = append(m.vectors, vecs...)
	return nil
}

func (m *memStore) LatestFeatureTS(_ context.Context, symbol string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, v := range m.vectors {
		if v.Symbol == symbol && v.TS.After(latest) {
			latest = v.TS
		}
	}
	return latest, nil
}

func closeBars(sym string, closes ...float64) []model.Bar {
	out := make([]model.Bar, len(closes))
	for i, c := range closes {
		out[i] = model.Bar{
			Symbol: sym, Start: t0.Add(time.Duration(i) * time.Minute),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1 + float64(i), Ticks: 1,
		}
	}
	return out
}

func compile(t *testing.T, defs ...NodeDef) *Graph {
	t.Helper()
	g, err := Compile(defs)
	require.NoError(t, err)
	return g
}

func TestCompute_SMA3Scenario(t *testing.T) {
	store := newMemStore()
	store.add(closeBars("BTC", 102, 104, 106)...)
	eng := NewEngine(compile(t, NodeDef{Name: "sma_3", Kind: "sma", Inputs: []string{"close"}, Window: 3}), store, time.Minute)

	vec, ok, err := eng.Compute(context.Background(), "BTC", t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 104.0, vec.Values["sma_3"])
	assert.True(t, vec.TS.Equal(t0.Add(2*time.Minute)))
	assert.Equal(t, "BTC", vec.Symbol)
}

func TestCompute_IncompleteBelowWindow(t *testing.T) {
	store := newMemStore()
	store.add(closeBars("BTC", 102, 104)...)
	eng := NewEngine(compile(t, NodeDef{Name: "sma_3", Kind: "sma", Inputs: []string{"close"}, Window: 3}), store, time.Minute)

	for _, upto := range []time.Time{t0, t0.Add(time.Minute)} {
		vec, ok, err := eng.Compute(context.Background(), "BTC", upto)
		require.NoError(t, err)
		assert.False(t, ok, "fewer than 3 bars must never yield a partial average")
		assert.Nil(t, vec.Values)
	}

	// Missing bar at upto.
	_, ok, err := eng.Compute(context.Background(), "BTC", t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompute_GapBreaksHistory(t *testing.T) {
	store := newMemStore()
	bars := closeBars("BTC", 1, 2, 3, 4)
	store.add(bars[0], bars[2], bars[3]) // minute 1 never persisted
	eng := NewEngine(compile(t, NodeDef{Name: "sma_3", Kind: "sma", Inputs: []string{"close"}, Window: 3}), store, time.Minute)

	_, ok, err := eng.Compute(context.Background(), "BTC", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompute_AnyIncompleteNodeWithholdsVector(t *testing.T) {
	store := newMemStore()
	store.add(closeBars("BTC", 5, 5, 5, 5)...)
	eng := NewEngine(compile(t,
		NodeDef{Name: "sma_2", Kind: "sma", Inputs: []string{"close"}, Window: 2},
		NodeDef{Name: "z", Kind: "zscore", Inputs: []string{"close"}, Window: 3}, // flat series: zero stddev
	), store, time.Minute)

	_, ok, err := eng.Compute(context.Background(), "BTC", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

type fixedSentiment struct {
	score float64
	ok    bool
	err   error
}

func (f fixedSentiment) Sentiment(context.Context, string) (float64, bool, error) {
	return f.score, f.ok, f.err
}

func TestCompute_Sentiment(t *testing.T) {
	store := newMemStore()
	store.add(closeBars("BTC", 1, 2)...)
	g := compile(t,
		NodeDef{Name: "mood", Kind: "sma", Inputs: []string{"sentiment"}, Window: 2},
		NodeDef{Name: "last", Kind: "sma", Inputs: []string{"close"}, Window: 1},
	)
	upto := t0.Add(time.Minute)

	vec, ok, err := NewEngine(g, store, time.Minute, WithSentiment(fixedSentiment{score: 0.4, ok: true})).Compute(context.Background(), "BTC", upto)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.4, vec.Values["mood"], 1e-12)

	_, ok, err = NewEngine(g, store, time.Minute, WithSentiment(fixedSentiment{})).Compute(context.Background(), "BTC", upto)
	require.NoError(t, err)
	assert.False(t, ok, "missing sentiment leaves dependent nodes incomplete")

	_, _, err = NewEngine(g, store, time.Minute, WithSentiment(fixedSentiment{err: errors.New("timeout")})).Compute(context.Background(), "BTC", upto)
	assert.Error(t, err)
}

func TestCompute_ReleasesWatermark(t *testing.T) {
	store := newMemStore()
	store.add(closeBars("BTC", 102, 104, 106)...)
	wm := NewWatermark()
	eng := NewEngine(compile(t, NodeDef{Name: "sma_3", Kind: "sma", Inputs: []string{"close"}, Window: 3}), store, time.Minute, WithWatermark(wm))

	_, _, err := eng.Compute(context.Background(), "BTC", t0.Add(2*time.Minute))
	require.NoError(t, err)
	_, tracked := wm.Oldest("BTC")
	assert.False(t, tracked)
}

func evalAt(t *testing.T, g *Graph, closes ...float64) (map[string]float64, bool) {
	t.Helper()
	return g.evaluate(closeBars("X", closes...), 0, false)
}

func TestKernels(t *testing.T) {
	one := func(kind string, w int, param float64) *Graph {
		return compile(t, NodeDef{Name: "n", Kind: kind, Inputs: []string{"close"}, Window: w, Param: param})
	}

	v, ok := evalAt(t, one("ema", 2, 0), 1, 2, 3)
	require.True(t, ok)
	assert.InDelta(t, 2.5, v["n"], 1e-12) // seed 1.5, alpha 2/3

	_, ok = evalAt(t, one("ema", 2, 0), 2, 3)
	assert.False(t, ok, "ema needs 2w-1 points")

	v, ok = evalAt(t, one("rsi", 2, 0), 1, 3, 2)
	require.True(t, ok)
	assert.InDelta(t, 200.0/3, v["n"], 1e-9)

	_, ok = evalAt(t, one("rsi", 2, 0), 4, 4, 4)
	assert.False(t, ok, "flat series has no rsi")

	v, ok = evalAt(t, one("stddev", 2, 0), 1, 3)
	require.True(t, ok)
	assert.InDelta(t, 1.0, v["n"], 1e-12)

	v, ok = evalAt(t, one("zscore", 2, 0), 1, 3)
	require.True(t, ok)
	assert.InDelta(t, 1.0, v["n"], 1e-12)

	v, ok = evalAt(t, one("roc", 1, 0), 100, 110)
	require.True(t, ok)
	assert.InDelta(t, 10.0, v["n"], 1e-9)

	_, ok = evalAt(t, one("roc", 1, 0), 0, 110)
	assert.False(t, ok, "zero base is a zero denominator")

	v, ok = evalAt(t, one("logreturn", 1, 0), 100, 100)
	require.True(t, ok)
	assert.Equal(t, 0.0, v["n"])

	v, ok = evalAt(t, one("bollinger_upper", 2, 0), 1, 3)
	require.True(t, ok)
	assert.InDelta(t, 4.0, v["n"], 1e-12) // mean 2 + 2*1

	v, ok = evalAt(t, one("bollinger_lower", 2, 1), 1, 3)
	require.True(t, ok)
	assert.InDelta(t, 1.0, v["n"], 1e-12)
}

func TestKernels_MultiInput(t *testing.T) {
	g := compile(t,
		NodeDef{Name: "vwap", Kind: "vwap", Inputs: []string{"close", "volume"}, Window: 2},
		NodeDef{Name: "atr", Kind: "atr", Inputs: []string{"high", "low", "close"}, Window: 1},
		NodeDef{Name: "spread", Kind: "diff", Inputs: []string{"high", "low"}},
		NodeDef{Name: "rel", Kind: "ratio", Inputs: []string{"close", "open"}},
	)
	// closeBars: volume 1,2; high/low = close±1.
	v, ok := evalAt(t, g, 10, 20)
	require.True(t, ok)
	assert.InDelta(t, (10*1+20*2)/3.0, v["vwap"], 1e-12)
	assert.InDelta(t, 11.0, v["atr"], 1e-12) // |21-10|
	assert.Equal(t, 2.0, v["spread"])
	assert.Equal(t, 1.0, v["rel"])

	zero := compile(t, NodeDef{Name: "r", Kind: "ratio", Inputs: []string{"close", "open"}})
	bars := closeBars("X", 1)
	bars[0].Open = 0
	_, ok = zero.evaluate(bars, 0, false)
	assert.False(t, ok)
}

func TestDefaultGraph_WarmUp(t *testing.T) {
	defs, err := DefaultDefinitions()
	require.NoError(t, err)
	g := compile(t, defs...)

	closes := make([]float64, g.Lookback()+1)
	for i := range closes {
		closes[i] = 100 + float64(i%7) - float64(i%3)
	}
	_, ok := evalAt(t, g, closes[:len(closes)-1]...)
	assert.False(t, ok, "one bar short of the lookback")

	v, ok := evalAt(t, g, closes...)
	require.True(t, ok)
	assert.Len(t, v, len(defs))
	assert.Greater(t, v["bb_upper_20"], v["bb_lower_20"])
}
