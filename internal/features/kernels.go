package features

import "math"

// series is one slot's values over the evaluated bar run. ok[i] is false
// where the value is Incomplete.
type series struct {
	v  []float64
	ok []bool
}

func newSeries(n int) series {
	return series{v: make([]float64, n), ok: make([]bool, n)}
}

// kernel is a pure indicator function evaluated at position i.
type kernel struct {
	arity     int
	minWindow int // 0: kind takes no window
	lookback  func(window int) int
	fn        func(in []series, window int, param float64, i int) (float64, bool)
}

var kernels = map[string]*kernel{
	"sma": {
		arity: 1, minWindow: 1,
		lookback: func(w int) int { return w - 1 },
		fn: func(in []series, w int, _ float64, i int) (float64, bool) {
			xs, ok := span(in[0], i, w)
			if !ok {
				return 0, false
			}
			return mean(xs), true
		},
	},
	// ema seeds with the SMA of its first w points, then smooths over w-1 more.
	"ema": {
		arity: 1, minWindow: 1,
		lookback: func(w int) int { return 2*w - 2 },
		fn: func(in []series, w int, _ float64, i int) (float64, bool) {
			xs, ok := span(in[0], i, 2*w-1)
			if !ok {
				return 0, false
			}
			alpha := 2 / float64(w+1)
			e := mean(xs[:w])
			for _, x := range xs[w:] {
				e = alpha*x + (1-alpha)*e
			}
			return e, true
		},
	},
	"rsi": {
		arity: 1, minWindow: 1,
		lookback: func(w int) int { return w },
		fn: func(in []series, w int, _ float64, i int) (float64, bool) {
			xs, ok := span(in[0], i, w+1)
			if !ok {
				return 0, false
			}
			var gain, loss float64
			for j := 1; j < len(xs); j++ {
				d := xs[j] - xs[j-1]
				if d > 0 {
					gain += d
				} else {
					loss -= d
				}
			}
			if gain+loss == 0 {
				return 0, false
			}
			return 100 * gain / (gain + loss), true
		},
	},
	"stddev": {
		arity: 1, minWindow: 2,
		lookback: func(w int) int { return w - 1 },
		fn: func(in []series, w int, _ float64, i int) (float64, bool) {
			xs, ok := span(in[0], i, w)
			if !ok {
				return 0, false
			}
			return stddev(xs), true
		},
	},
	"zscore": {
		arity: 1, minWindow: 2,
		lookback: func(w int) int { return w - 1 },
		fn: func(in []series, w int, _ float64, i int) (float64, bool) {
			xs, ok := span(in[0], i, w)
			if !ok {
				return 0, false
			}
			sd := stddev(xs)
			if sd == 0 {
				return 0, false
			}
			return (xs[len(xs)-1] - mean(xs)) / sd, true
		},
	},
	"roc": {
		arity: 1, minWindow: 1,
		lookback: func(w int) int { return w },
		fn: func(in []series, w int, _ float64, i int) (float64, bool) {
			xs, ok := span(in[0], i, w+1)
			if !ok || xs[0] == 0 {
				return 0, false
			}
			return (xs[w] - xs[0]) / xs[0] * 100, true
		},
	},
	"logreturn": {
		arity: 1, minWindow: 1,
		lookback: func(w int) int { return w },
		fn: func(in []series, w int, _ float64, i int) (float64, bool) {
			xs, ok := span(in[0], i, w+1)
			if !ok || xs[0] <= 0 || xs[w] <= 0 {
				return 0, false
			}
			return math.Log(xs[w] / xs[0]), true
		},
	},
	// vwap inputs: price, volume.
	"vwap": {
		arity: 2, minWindow: 1,
		lookback: func(w int) int { return w - 1 },
		fn: func(in []series, w int, _ float64, i int) (float64, bool) {
			px, ok1 := span(in[0], i, w)
			vol, ok2 := span(in[1], i, w)
			if !ok1 || !ok2 {
				return 0, false
			}
			var pv, v float64
			for j := range px {
				pv += px[j] * vol[j]
				v += vol[j]
			}
			if v == 0 {
				return 0, false
			}
			return pv / v, true
		},
	},
	// atr inputs: high, low, close. True range needs the previous close.
	"atr": {
		arity: 3, minWindow: 1,
		lookback: func(w int) int { return w },
		fn: func(in []series, w int, _ float64, i int) (float64, bool) {
			hi, ok1 := span(in[0], i, w)
			lo, ok2 := span(in[1], i, w)
			cl, ok3 := span(in[2], i, w+1)
			if !ok1 || !ok2 || !ok3 {
				return 0, false
			}
			var sum float64
			for j := 0; j < w; j++ {
				prev := cl[j]
				tr := math.Max(hi[j]-lo[j], math.Max(math.Abs(hi[j]-prev), math.Abs(lo[j]-prev)))
				sum += tr
			}
			return sum / float64(w), true
		},
	},
	"diff": {
		arity:    2,
		lookback: func(int) int { return 0 },
		fn: func(in []series, _ int, _ float64, i int) (float64, bool) {
			if !in[0].ok[i] || !in[1].ok[i] {
				return 0, false
			}
			return in[0].v[i] - in[1].v[i], true
		},
	},
	"ratio": {
		arity:    2,
		lookback: func(int) int { return 0 },
		fn: func(in []series, _ int, _ float64, i int) (float64, bool) {
			if !in[0].ok[i] || !in[1].ok[i] || in[1].v[i] == 0 {
				return 0, false
			}
			return in[0].v[i] / in[1].v[i], true
		},
	},
	"bollinger_upper": {
		arity: 1, minWindow: 2,
		lookback: func(w int) int { return w - 1 },
		fn: func(in []series, w int, k float64, i int) (float64, bool) {
			return bollinger(in[0], w, k, i, 1)
		},
	},
	"bollinger_lower": {
		arity: 1, minWindow: 2,
		lookback: func(w int) int { return w - 1 },
		fn: func(in []series, w int, k float64, i int) (float64, bool) {
			return bollinger(in[0], w, k, i, -1)
		},
	},
}

// span returns the n values ending at i, or false if any is missing.
func span(s series, i, n int) ([]float64, bool) {
	from := i - n + 1
	if from < 0 {
		return nil, false
	}
	for j := from; j <= i; j++ {
		if !s.ok[j] {
			return nil, false
		}
	}
	return s.v[from : i+1], true
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func bollinger(s series, w int, k float64, i int, sign float64) (float64, bool) {
	xs, ok := span(s, i, w)
	if !ok {
		return 0, false
	}
	if k == 0 {
		k = 2
	}
	return mean(xs) + sign*k*stddev(xs), true
}
