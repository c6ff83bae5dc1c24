// Package retryschedule implements RetrySchedule (spec §4.1): a pure,
// immutable description of a retry budget with a per-attempt interval.
// A Schedule never performs I/O or sleeps itself — internal/monotask
// consumes it to decide whether and how long to wait before retrying.
package retryschedule

import (
	"math"
	"time"
)

// Schedule describes the delay before the next retry attempt, and how
// the schedule looks after that attempt is consumed. It is immutable:
// Next always returns a new value rather than mutating the receiver.
type Schedule interface {
	// Interval reports the delay before the next attempt. ok is false
	// when no further attempts should be made ("never").
	Interval() (d time.Duration, ok bool)

	// Next returns the schedule after one attempt has been consumed.
	Next() Schedule
}

// Never is the terminal schedule: no further attempts are ever made.
func Never() Schedule { return neverSchedule{} }

type neverSchedule struct{}

func (neverSchedule) Interval() (time.Duration, bool) { return 0, false }
func (neverSchedule) Next() Schedule                  { return neverSchedule{} }

// Fixed retries forever with a constant interval d. Combine with
// Count to impose a budget.
func Fixed(d time.Duration) Schedule { return fixedSchedule{d} }

type fixedSchedule struct{ d time.Duration }

func (f fixedSchedule) Interval() (time.Duration, bool) { return f.d, true }
func (f fixedSchedule) Next() Schedule                  { return f }

// Exponential retries forever, multiplying the interval by scale after
// every attempt. A scale <= 1 never increases the interval (spec
// edge case); a zero or negative initial interval preserves its sign
// through the multiplication.
func Exponential(initial time.Duration, scale float64) Schedule {
	return exponentialSchedule{current: initial, scale: scale}
}

type exponentialSchedule struct {
	current time.Duration
	scale   float64
}

func (e exponentialSchedule) Interval() (time.Duration, bool) { return e.current, true }
func (e exponentialSchedule) Next() Schedule {
	return exponentialSchedule{current: scaleDuration(e.current, e.scale), scale: e.scale}
}

// ExponentialThenFixed applies Exponential(initial, scale) for the
// first n advances (n multiplications), then reverts to Fixed(initial)
// forever.
func ExponentialThenFixed(initial time.Duration, n int, scale float64) Schedule {
	if n < 0 {
		n = 0
	}
	return expThenFixedSchedule{initial: initial, scale: scale, remaining: n, current: initial}
}

type expThenFixedSchedule struct {
	initial   time.Duration
	scale     float64
	remaining int
	current   time.Duration
}

func (e expThenFixedSchedule) Interval() (time.Duration, bool) { return e.current, true }
func (e expThenFixedSchedule) Next() Schedule {
	if e.remaining > 0 {
		return expThenFixedSchedule{
			initial:   e.initial,
			scale:     e.scale,
			remaining: e.remaining - 1,
			current:   scaleDuration(e.current, e.scale),
		}
	}
	return expThenFixedSchedule{initial: e.initial, scale: e.scale, remaining: 0, current: e.initial}
}

// FixedThenExponential applies Fixed(initial) for the first n
// advances, then switches to Exponential starting at initial*scale.
func FixedThenExponential(initial time.Duration, n int, scale float64) Schedule {
	if n < 0 {
		n = 0
	}
	return fixedThenExpSchedule{fixedVal: initial, scale: scale, remaining: n, current: initial}
}

type fixedThenExpSchedule struct {
	fixedVal  time.Duration
	scale     float64
	remaining int
	current   time.Duration
	switched  bool
}

func (f fixedThenExpSchedule) Interval() (time.Duration, bool) { return f.current, true }
func (f fixedThenExpSchedule) Next() Schedule {
	if f.remaining > 0 {
		return fixedThenExpSchedule{fixedVal: f.fixedVal, scale: f.scale, remaining: f.remaining - 1, current: f.fixedVal}
	}
	next := fixedThenExpSchedule{fixedVal: f.fixedVal, scale: f.scale, switched: true}
	if !f.switched {
		next.current = scaleDuration(f.fixedVal, f.scale)
	} else {
		next.current = scaleDuration(f.current, f.scale)
	}
	return next
}

// Count wraps strategy with a finite retry budget. It advances
// strategy on every Next and becomes Never once the budget is
// exhausted.
//
// count(n) is read as "n total attempts" — the first attempt is
// always made unconditionally by the caller (spec §4.1 edge cases),
// so the schedule itself only ever needs to authorize up to n-1
// retries. This makes count(0) and count(1) both terminal immediately
// (zero further attempts), matching the spec's stated edge case
// literally, and count(2) authorize exactly one retry.
func Count(n int, strategy Schedule) Schedule {
	remaining := n - 1
	if remaining < 0 {
		remaining = 0
	}
	return countSchedule{remaining: remaining, infinite: false, strategy: strategy}
}

// Infinite wraps strategy with an unbounded retry budget: Interval
// always defers to strategy and the budget never depletes.
func Infinite(strategy Schedule) Schedule {
	return countSchedule{infinite: true, strategy: strategy}
}

// New mirrors the spec's "integer literal N" shorthand: N is
// equivalent to Count(N, Fixed(0)).
func New(n int) Schedule {
	return Count(n, Fixed(0))
}

type countSchedule struct {
	remaining int
	infinite  bool
	strategy  Schedule
}

func (c countSchedule) Interval() (time.Duration, bool) {
	if !c.infinite && c.remaining <= 0 {
		return 0, false
	}
	return c.strategy.Interval()
}

func (c countSchedule) Next() Schedule {
	if !c.infinite && c.remaining <= 0 {
		return neverSchedule{}
	}
	remaining := c.remaining
	if !c.infinite {
		remaining--
	}
	return countSchedule{remaining: remaining, infinite: c.infinite, strategy: c.strategy.Next()}
}

// scaleDuration multiplies d by scale, saturating instead of
// overflowing int64 on pathological inputs (spec: "large counts must
// not overflow; intervals are computed lazily").
func scaleDuration(d time.Duration, scale float64) time.Duration {
	product := float64(d) * scale
	if product > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if product < math.MinInt64 {
		return time.Duration(math.MinInt64)
	}
	return time.Duration(product)
}
