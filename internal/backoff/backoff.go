// Package backoff implements a bounded-state retry policy: the whole retry
// state is {interval, attempt}, the next delay is a deterministic function of
// that state plus a jitter draw, and the interval never exceeds Max.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with jitter and an explicit cap.
type Policy struct {
	Initial     time.Duration // first delay (before jitter)
	Max         time.Duration // hard cap on any delay
	Multiplier  float64       // interval growth factor, >= 1
	Jitter      float64       // fraction in [0,1]; delay drawn from interval*(1±Jitter)
	MaxAttempts int           // 0 means unlimited

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// State is the entire retry state carried between attempts.
type State struct {
	Interval time.Duration
	Attempt  int
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Max <= 0 {
		p.Max = 60 * time.Second
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Start returns the initial state.
func (p Policy) Start() State {
	p = p.withDefaults()
	return State{Interval: p.Initial}
}

// Next returns the delay to wait before the next attempt and the state after it.
// ok is false once MaxAttempts attempts have been made.
func (p Policy) Next(s State) (next State, delay time.Duration, ok bool) {
	p = p.withDefaults()
	if p.MaxAttempts > 0 && s.Attempt >= p.MaxAttempts {
		return s, 0, false
	}
	if s.Interval <= 0 {
		s.Interval = p.Initial
	}

	r := 0.5
	if p.Rand != nil {
		r = p.Rand()
	} else if p.Jitter > 0 {
		r = rand.Float64()
	}
	factor := 1 - p.Jitter + 2*p.Jitter*r
	delay = time.Duration(float64(s.Interval) * factor)
	if delay > p.Max {
		delay = p.Max
	}
	if delay < 0 {
		delay = 0
	}

	grown := time.Duration(float64(s.Interval) * p.Multiplier)
	if grown > p.Max || grown <= 0 {
		grown = p.Max
	}
	return State{Interval: grown, Attempt: s.Attempt + 1}, delay, true
}

// Retry runs fn until it succeeds, the policy is exhausted or ctx is done.
// fn is always called at least once; MaxAttempts counts retries after the first call.
// The last error from fn is returned.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	st := p.Start()
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		next, delay, ok := p.Next(st)
		if !ok {
			return err
		}
		if !Sleep(ctx, delay) {
			return err
		}
		st = next
	}
}

// Sleep waits for d or until ctx is done. It returns false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
