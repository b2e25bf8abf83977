package model

import (
	"encoding/json"
	"time"
)

// Bar is an OHLCV summary for one symbol over one fixed interval.
// Start is the interval boundary (UTC) derived from tick receipt time.
type Bar struct {
	Symbol string    `json:"symbol"`
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Ticks  int       `json:"ticks"` // number of ticks folded in
}

// NewBar opens a bar for the interval starting at start with t as its first tick.
func NewBar(start time.Time, t Tick) Bar {
	return Bar{
		Symbol: t.Symbol,
		Start:  start,
		Open:   t.Price,
		High:   t.Price,
		Low:    t.Price,
		Close:  t.Price,
		Volume: t.Size,
		Ticks:  1,
	}
}

// Apply folds a tick into the bar. Close always follows the last tick applied.
func (b *Bar) Apply(t Tick) {
	if b.Ticks == 0 {
		*b = NewBar(b.Start, t)
		return
	}
	if t.Price > b.High {
		b.High = t.Price
	}
	if t.Price < b.Low {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume += t.Size
	b.Ticks++
}

// StreamKey returns the Redis stream holding sealed, unflushed bars: "bars:sealed:{symbol}".
func (b *Bar) StreamKey() string {
	return SealedStreamKey(b.Symbol)
}

// SealedStreamKey returns the sealed-bar backlog stream for a symbol.
func SealedStreamKey(symbol string) string {
	return "bars:sealed:" + symbol
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}
