package features

import (
	"context"
	"fmt"
	"math"
	"time"

	"market-pipeline/internal/model"
)

// evaluate runs every node over bars and returns the values at the last bar.
// ok is false when any node is Incomplete there.
func (g *Graph) evaluate(bars []model.Bar, sentiment float64, hasSentiment bool) (map[string]float64, bool) {
	n := len(bars)
	if n == 0 {
		return nil, false
	}
	slots := make([]series, len(rawInputs)+len(g.nodes))
	for s := range rawInputs {
		slots[s] = newSeries(n)
	}
	for i, b := range bars {
		for s, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
			slots[s].v[i] = v
			slots[s].ok[i] = true
		}
		slots[sentimentSlot].v[i] = sentiment
		slots[sentimentSlot].ok[i] = hasSentiment
	}

	in := make([]series, 0, 3)
	for idx := range g.nodes {
		nd := &g.nodes[idx]
		in = in[:0]
		for _, s := range nd.inputs {
			in = append(in, slots[s])
		}
		out := newSeries(n)
		// Positions before the node's lookback can never resolve.
		for i := nd.lookback; i < n; i++ {
			v, ok := nd.k.fn(in, nd.window, nd.param, i)
			if ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
				out.v[i] = v
				out.ok[i] = true
			}
		}
		slots[len(rawInputs)+idx] = out
	}

	values := make(map[string]float64, len(g.nodes))
	for idx := range g.nodes {
		s := slots[len(rawInputs)+idx]
		if !s.ok[n-1] {
			return nil, false
		}
		values[g.nodes[idx].name] = s.v[n-1]
	}
	return values, true
}

// trailingRun returns the longest suffix of ascending bars with no missing interval.
func trailingRun(bars []model.Bar, interval time.Duration) []model.Bar {
	if len(bars) == 0 {
		return bars
	}
	from := len(bars) - 1
	for from > 0 && bars[from-1].Start.Add(interval).Equal(bars[from].Start) {
		from--
	}
	return bars[from:]
}

// Engine computes feature vectors for one symbol at a time from persisted bars.
type Engine struct {
	graph     *Graph
	reader    model.BarReader
	sentiment model.SentimentSource
	interval  time.Duration
	wm        *Watermark
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithSentiment supplies the external sentiment input.
func WithSentiment(src model.SentimentSource) EngineOption {
	return func(e *Engine) { e.sentiment = src }
}

// WithWatermark registers in-flight reads on wm.
func WithWatermark(wm *Watermark) EngineOption {
	return func(e *Engine) { e.wm = wm }
}

// NewEngine creates an engine over graph. interval is the bar interval used
// to detect gaps in history.
func NewEngine(graph *Graph, reader model.BarReader, interval time.Duration, opts ...EngineOption) *Engine {
	e := &Engine{graph: graph, reader: reader, interval: interval, wm: NewWatermark()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Graph returns the compiled graph.
func (e *Engine) Graph() *Graph { return e.graph }

// Watermark returns the engine's high-water mark tracker.
func (e *Engine) Watermark() *Watermark { return e.wm }

// Compute evaluates the graph at the bar starting at upto. ok is false when
// the bar is missing or any node lacks history; that is not an error.
func (e *Engine) Compute(ctx context.Context, symbol string, upto time.Time) (model.FeatureVector, bool, error) {
	upto = upto.UTC()
	lb := e.graph.Lookback()
	release := e.wm.Acquire(symbol, upto.Add(-time.Duration(lb)*e.interval))
	defer release()

	bars, err := e.reader.ReadBars(ctx, symbol, upto, lb+1)
	if err != nil {
		return model.FeatureVector{}, false, fmt.Errorf("read bars %s: %w", symbol, err)
	}
	if len(bars) == 0 || !bars[len(bars)-1].Start.Equal(upto) {
		return model.FeatureVector{}, false, nil
	}

	score, has, err := e.readSentiment(ctx, symbol)
	if err != nil {
		return model.FeatureVector{}, false, err
	}
	return e.vectorAt(symbol, trailingRun(bars, e.interval), score, has)
}

func (e *Engine) readSentiment(ctx context.Context, symbol string) (float64, bool, error) {
	if !e.graph.UsesSentiment() || e.sentiment == nil {
		return 0, false, nil
	}
	score, ok, err := e.sentiment.Sentiment(ctx, symbol)
	if err != nil {
		return 0, false, fmt.Errorf("sentiment %s: %w", symbol, err)
	}
	return score, ok, nil
}

// vectorAt builds the vector for the last bar of run.
func (e *Engine) vectorAt(symbol string, run []model.Bar, score float64, has bool) (model.FeatureVector, bool, error) {
	values, ok := e.graph.evaluate(run, score, has)
	if !ok {
		return model.FeatureVector{}, false, nil
	}
	return model.FeatureVector{Symbol: symbol, TS: run[len(run)-1].Start, Values: values}, true, nil
}
