package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/features"
	"market-pipeline/internal/model"
	"market-pipeline/internal/store/sqlite"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, days int) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "retention.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var bars []model.Bar
	var vecs []model.FeatureVector
	for d := 0; d < days; d++ {
		at := t0.Add(time.Duration(d) * 24 * time.Hour)
		bars = append(bars, model.Bar{Symbol: "BTC", Start: at, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Ticks: 1})
		vecs = append(vecs, model.FeatureVector{Symbol: "BTC", TS: at, Values: map[string]float64{"x": 1}})
	}
	require.NoError(t, s.UpsertBars(context.Background(), bars))
	require.NoError(t, s.WriteFeatureVectors(context.Background(), vecs))
	return s
}

func remaining(t *testing.T, s *sqlite.Store) []model.Bar {
	t.Helper()
	return remainingFor(t, s, "BTC")
}

func remainingFor(t *testing.T, s *sqlite.Store, symbol string) []model.Bar {
	t.Helper()
	bars, err := s.ReadBarsAfter(context.Background(), symbol, time.Time{}, 1000)
	require.NoError(t, err)
	return bars
}

func TestPrune_WindowOnly(t *testing.T) {
	s := seed(t, 10)
	m := New(s, nil, Config{Window: 3 * 24 * time.Hour})

	now := t0.Add(9 * 24 * time.Hour)
	removed, err := m.Prune(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 12, removed) // 6 bars + 6 vectors

	left := remaining(t, s)
	require.Len(t, left, 4)
	assert.True(t, left[0].Start.Equal(t0.Add(6*24*time.Hour)))
}

func TestPrune_NeverPastHighWaterMark(t *testing.T) {
	s := seed(t, 10)
	wm := features.NewWatermark()
	hw := t0.Add(2 * 24 * time.Hour)
	release := wm.Acquire("BTC", hw)
	defer release()

	m := New(s, wm, Config{Window: 24 * time.Hour})
	_, err := m.Prune(context.Background(), t0.Add(9*24*time.Hour))
	require.NoError(t, err)

	left := remaining(t, s)
	require.NotEmpty(t, left)
	for _, b := range left {
		assert.False(t, b.Start.Before(hw))
	}
	assert.True(t, left[0].Start.Equal(hw), "bar at the mark must survive")
}

func TestCutoff(t *testing.T) {
	wm := features.NewWatermark()
	m := New(nil, wm, Config{Window: time.Hour})
	now := t0.Add(10 * time.Hour)

	assert.True(t, m.Cutoff("BTC", now).Equal(now.Add(-time.Hour)))

	wm.SetPending("BTC", now.Add(-30*time.Minute)) // newer than window: no effect
	assert.True(t, m.Cutoff("BTC", now).Equal(now.Add(-time.Hour)))

	wm.SetPending("ETH", now.Add(-5*time.Hour))
	assert.True(t, m.Cutoff("ETH", now).Equal(now.Add(-5*time.Hour)))
	assert.True(t, m.Cutoff("BTC", now).Equal(now.Add(-time.Hour)), "ETH mark must not hold back BTC")
}

func TestPrune_IdleSymbolDoesNotBlockOthers(t *testing.T) {
	s := seed(t, 10)
	ctx := context.Background()

	// OLD traded for five minutes on day 0 and then went quiet.
	var old []model.Bar
	for i := 0; i < 5; i++ {
		old = append(old, model.Bar{Symbol: "OLD", Start: t0.Add(time.Duration(i) * time.Minute), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Ticks: 1})
	}
	require.NoError(t, s.UpsertBars(ctx, old))

	g, err := features.Compile([]features.NodeDef{{Name: "sma_3", Kind: "sma", Inputs: []string{"close"}, Window: 3}})
	require.NoError(t, err)
	eng := features.NewEngine(g, s, time.Minute)
	_, _, err = features.NewEvaluator(eng, s, nil, features.EvaluatorConfig{}).Evaluate(ctx)
	require.NoError(t, err)

	m := New(s, eng.Watermark(), Config{Window: 3 * 24 * time.Hour})
	_, err = m.Prune(ctx, t0.Add(9*24*time.Hour))
	require.NoError(t, err)

	btc := remainingFor(t, s, "BTC")
	require.Len(t, btc, 4, "window keeps days 6..9")
	assert.True(t, btc[0].Start.Equal(t0.Add(6*24*time.Hour)))

	// OLD keeps the lookback its next vector would read.
	left := remainingFor(t, s, "OLD")
	require.Len(t, left, 3)
	assert.True(t, left[0].Start.Equal(t0.Add(2*time.Minute)))
}

type brokenCompactor struct {
	bars, feats int
	compactErr  error
	pruneErr    error
}

func (b *brokenCompactor) Symbols(context.Context) ([]string, error) { return []string{"BTC"}, nil }
func (b *brokenCompactor) PruneBarsBefore(context.Context, string, time.Time) (int, error) {
	return b.bars, b.pruneErr
}
func (b *brokenCompactor) PruneFeaturesBefore(context.Context, string, time.Time) (int, error) {
	return b.feats, nil
}
func (b *brokenCompactor) Compact(context.Context) error { return b.compactErr }

func TestPrune_CompactionErrorOnlyLogged(t *testing.T) {
	m := New(&brokenCompactor{bars: 2, feats: 1, compactErr: errors.New("disk full")}, nil, Config{})
	var hook int
	m.OnPrune = func(bars, features int, _ time.Duration) { hook = bars + features }

	removed, err := m.Prune(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 3, hook)

	_, err = New(&brokenCompactor{pruneErr: errors.New("locked")}, nil, Config{}).Prune(context.Background(), t0)
	assert.Error(t, err)
}
