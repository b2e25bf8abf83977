package tickcache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/model"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeMirror struct {
	mu      sync.Mutex
	ticks   int
	sealed  []model.Bar
	flushed []model.Bar
}

func (m *fakeMirror) MirrorTick(model.Tick, model.Bar) {
	m.mu.Lock()
	m.ticks++
	m.mu.Unlock()
}

func (m *fakeMirror) MirrorSealed(b model.Bar) {
	m.mu.Lock()
	m.sealed = append(m.sealed, b)
	m.mu.Unlock()
}

func (m *fakeMirror) MirrorFlushed(bars []model.Bar) {
	m.mu.Lock()
	m.flushed = append(m.flushed, bars...)
	m.mu.Unlock()
}

// clock is a settable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func tick(sym string, price, size float64, at time.Time) model.Tick {
	return model.Tick{Symbol: sym, Price: price, Size: size, Side: model.SideBuy, ExchangeTS: at, ReceiptTS: at}
}

func newCache(t *testing.T, capacity int) (*Cache, *clock, *fakeMirror) {
	t.Helper()
	clk := &clock{t: base}
	m := &fakeMirror{}
	c := New(Config{Interval: time.Minute, Grace: 5 * time.Second, RingCapacity: capacity},
		WithClock(clk.Now), WithMirror(m))
	return c, clk, m
}

func TestCache_BTCScenario(t *testing.T) {
	c, clk, m := newCache(t, 8)

	prices := []float64{100, 105, 102}
	sizes := []float64{1, 2, 1}
	for i := range prices {
		at := base.Add(time.Duration(i*10) * time.Second)
		clk.Set(at)
		require.NoError(t, c.Append(tick("BTC", prices[i], sizes[i], at)))
	}

	open, ok := c.ReadBar("BTC", base)
	require.True(t, ok)
	assert.Equal(t, 3, open.Ticks)

	// Not sealed until interval end plus grace.
	assert.Empty(t, c.SealBars(base.Add(time.Minute)))

	sealed := c.SealBars(base.Add(time.Minute + 5*time.Second))
	require.Len(t, sealed, 1)
	b := sealed[0]
	assert.Equal(t, "BTC", b.Symbol)
	assert.True(t, b.Start.Equal(base))
	assert.Equal(t, 100.0, b.Open)
	assert.Equal(t, 105.0, b.High)
	assert.Equal(t, 100.0, b.Low)
	assert.Equal(t, 102.0, b.Close)
	assert.Equal(t, 4.0, b.Volume)

	assert.Equal(t, 3, m.ticks)
	assert.Len(t, m.sealed, 1)

	// Sealed bars stay readable until acknowledged.
	got, ok := c.ReadBar("BTC", base)
	require.True(t, ok)
	assert.Equal(t, b, got)
	assert.Len(t, c.Pending(), 1)
}

func TestCache_LateTickWithinGraceIsFolded(t *testing.T) {
	c, clk, _ := newCache(t, 8)

	clk.Set(base.Add(10 * time.Second))
	require.NoError(t, c.Append(tick("ETH", 10, 1, base.Add(10*time.Second))))

	// Next interval has started but the previous one is still within grace.
	clk.Set(base.Add(time.Minute + 3*time.Second))
	require.NoError(t, c.Append(tick("ETH", 12, 1, base.Add(50*time.Second))))

	b, ok := c.ReadBar("ETH", base)
	require.True(t, ok)
	assert.Equal(t, 12.0, b.Close)
	assert.Equal(t, 2, b.Ticks)
}

func TestCache_LateTickAfterSealIsDropped(t *testing.T) {
	c, clk, _ := newCache(t, 8)
	var lateHook int
	c.OnLateTick = func() { lateHook++ }

	clk.Set(base)
	require.NoError(t, c.Append(tick("ETH", 10, 1, base)))
	c.SealBars(base.Add(time.Minute + 5*time.Second))

	err := c.Append(tick("ETH", 11, 1, base.Add(30*time.Second)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrLateTick))

	// Past grace relative to the clock, even without a seal.
	clk.Set(base.Add(10 * time.Minute))
	err = c.Append(tick("SOL", 1, 1, base.Add(2*time.Minute)))
	assert.True(t, errors.Is(err, model.ErrLateTick))

	assert.Equal(t, 2, lateHook)
	assert.Equal(t, uint64(2), c.Stats().LateTicks)

	b, _ := c.ReadBar("ETH", base)
	assert.Equal(t, 1, b.Ticks, "sealed bar must not change")
}

func TestCache_RejectsMalformedTick(t *testing.T) {
	c, _, _ := newCache(t, 8)
	err := c.Append(model.Tick{Symbol: "BTC", Price: -1, ReceiptTS: base})
	assert.True(t, errors.Is(err, model.ErrMalformedInput))
}

func TestCache_SealsAscending(t *testing.T) {
	c, clk, _ := newCache(t, 8)

	// Open three intervals out of order.
	for _, m := range []int{2, 0, 1} {
		at := base.Add(time.Duration(m) * time.Minute)
		clk.Set(at)
		require.NoError(t, c.Append(tick("BTC", float64(100+m), 1, at)))
	}

	sealed := c.SealBars(base.Add(10 * time.Minute))
	require.Len(t, sealed, 3)
	for i := 1; i < len(sealed); i++ {
		assert.True(t, sealed[i-1].Start.Before(sealed[i].Start))
	}
}

func TestCache_CapacityScenario(t *testing.T) {
	const capacity = 3
	c, clk, _ := newCache(t, capacity)
	var lost []model.Bar
	c.OnDataLoss = func(b model.Bar) { lost = append(lost, b) }

	// Five sealed intervals with no flush: the two oldest are evicted.
	for m := 0; m < 5; m++ {
		at := base.Add(time.Duration(m) * time.Minute)
		clk.Set(at)
		require.NoError(t, c.Append(tick("BTC", float64(100+m), 1, at)))
		c.SealBars(at.Add(time.Minute + 5*time.Second))
	}

	st := c.Stats()
	assert.Equal(t, uint64(2), st.DataLoss)
	assert.Equal(t, capacity, st.Pending)
	require.Len(t, lost, 2)
	assert.True(t, lost[0].Start.Equal(base))
	assert.True(t, lost[1].Start.Equal(base.Add(time.Minute)))

	pending := c.Pending()
	require.Len(t, pending, capacity)
	assert.True(t, pending[0].Start.Equal(base.Add(2*time.Minute)))
	assert.True(t, pending[2].Start.Equal(base.Add(4*time.Minute)))
}

func TestCache_AckReleasesThroughNewest(t *testing.T) {
	c, clk, m := newCache(t, 8)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		clk.Set(at)
		require.NoError(t, c.Append(tick("BTC", 100, 1, at)))
		require.NoError(t, c.Append(tick("ETH", 10, 1, at)))
	}
	c.SealBars(base.Add(10 * time.Minute))
	pending := c.Pending()
	require.Len(t, pending, 6)

	var btc []model.Bar
	for _, b := range pending {
		if b.Symbol == "BTC" {
			btc = append(btc, b)
		}
	}
	c.Ack(btc[:2])

	rest := c.Pending()
	require.Len(t, rest, 4)
	assert.Len(t, m.flushed, 2)
	for _, b := range rest {
		if b.Symbol == "BTC" {
			assert.True(t, b.Start.Equal(base.Add(2*time.Minute)))
		}
	}
}

func TestCache_RestoreMarksIntervalsSealed(t *testing.T) {
	c, clk, _ := newCache(t, 8)
	restored := []model.Bar{
		{Symbol: "BTC", Start: base.Add(time.Minute), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Ticks: 1},
		{Symbol: "BTC", Start: base, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Ticks: 1},
	}
	c.Restore(restored)

	pending := c.Pending()
	require.Len(t, pending, 2)
	assert.True(t, pending[0].Start.Equal(base))

	clk.Set(base.Add(time.Minute + time.Second))
	err := c.Append(tick("BTC", 2, 1, base.Add(time.Minute+time.Second)))
	assert.True(t, errors.Is(err, model.ErrLateTick))
}

func TestCache_RestoreOverflowReportsDataLoss(t *testing.T) {
	c, _, _ := newCache(t, 2)
	var lost []model.Bar
	c.OnDataLoss = func(b model.Bar) { lost = append(lost, b) }

	var restored []model.Bar
	for i := 0; i < 3; i++ {
		restored = append(restored, model.Bar{Symbol: "BTC", Start: base.Add(time.Duration(i) * time.Minute), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Ticks: 1})
	}
	c.Restore(restored)

	require.Len(t, lost, 1)
	assert.True(t, lost[0].Start.Equal(base), "oldest bar is the one lost")
	assert.EqualValues(t, 1, c.Stats().DataLoss)
	assert.Len(t, c.Pending(), 2)
}

func TestCache_ConcurrentSymbols(t *testing.T) {
	c, _, _ := newCache(t, 64)
	c.now = func() time.Time { return base }

	var wg sync.WaitGroup
	for _, sym := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = c.Append(tick(sym, 1+float64(i%7), 1, base.Add(time.Second)))
			}
		}(sym)
	}
	wg.Wait()

	for _, sym := range []string{"A", "B", "C", "D"} {
		b, ok := c.ReadBar(sym, base)
		require.True(t, ok)
		assert.Equal(t, 500, b.Ticks)
		assert.Equal(t, 500.0, b.Volume)
	}
}
