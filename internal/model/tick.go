package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Side is the aggressor side of a trade, when the venue reports it.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// ParseSide normalizes a venue side string. Anything unrecognized is SideUnknown.
func ParseSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "b", "buy", "bid":
		return SideBuy
	case "s", "sell", "ask":
		return SideSell
	default:
		return SideUnknown
	}
}

// Tick represents a single normalized trade/quote event from the feed.
// Ticks are values and never mutated after the feed client creates them.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	Side       Side      `json:"side"`
	ExchangeTS time.Time `json:"exchange_ts"` // venue timestamp (UTC)
	ReceiptTS  time.Time `json:"receipt_ts"`  // local arrival time (UTC), drives bar bucketing
}

// Validate reports ErrMalformedInput for ticks that must never reach the cache.
func (t *Tick) Validate() error {
	switch {
	case t.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrMalformedInput)
	case math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0:
		return fmt.Errorf("%w: %s price %v", ErrMalformedInput, t.Symbol, t.Price)
	case math.IsNaN(t.Size) || math.IsInf(t.Size, 0) || t.Size < 0:
		return fmt.Errorf("%w: %s size %v", ErrMalformedInput, t.Symbol, t.Size)
	case t.ReceiptTS.IsZero():
		return fmt.Errorf("%w: %s missing receipt timestamp", ErrMalformedInput, t.Symbol)
	}
	return nil
}
