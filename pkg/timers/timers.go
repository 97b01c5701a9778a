// Package timers computes delays for backoff and polling.
//
// A Timer only answers "how long should I wait now", it never sleeps itself.
// Callers sleep on their own clock so that cancellation stays in their hands.
package timers

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer yields the next delay.
type Timer interface {
	Delay() time.Duration
}

// Construction errors.
var (
	ErrNegativeDelay    = errors.New("timers: delay must not be negative")
	ErrDelayRange       = errors.New("timers: max delay must not be smaller than min delay")
	ErrIntervalTooSmall = errors.New("timers: interval must be larger than zero")
)

// Float64 returns a pseudo-random number in [0, 1).
// The default source is safe for concurrent use.
type Float64 func() float64

// DefaultRand is the jitter source used when none is configured.
var DefaultRand Float64 = rand.Float64

// Constant always returns the same delay.
type Constant time.Duration

// NewConstant creates a constant timer.
func NewConstant(d time.Duration) (Constant, error) {
	if d < 0 {
		return 0, ErrNegativeDelay
	}
	return Constant(d), nil
}

// Delay implements Timer.
func (c Constant) Delay() time.Duration {
	return time.Duration(c)
}

// Random returns delays drawn uniformly from [Min, Max].
type Random struct {
	Min  time.Duration
	Max  time.Duration
	Rand Float64
}

// NewRandom creates a uniform random timer.
func NewRandom(min, max time.Duration) (*Random, error) {
	if min < 0 {
		return nil, ErrNegativeDelay
	}
	if max < min {
		return nil, ErrDelayRange
	}
	return &Random{Min: min, Max: max, Rand: DefaultRand}, nil
}

// Delay implements Timer.
func (r *Random) Delay() time.Duration {
	return r.Min + jitter(r.Rand, r.Max-r.Min)
}

// Interval spreads exactly one wake-up into each slot of a rolling grid of fixed-width intervals.
//
// Each call draws a random point between the start and the end of the current slot
// (or between now and the end, if the slot already began) and moves the grid pointer one slot ahead.
// If the caller fell behind by more than a slot, the delay is zero and the pointer skips
// to the slot containing now.
// Over a long run this yields one event per interval on average, regardless of jitter.
//
// The pointer is advanced with a compare-and-swap loop, so concurrent callers never block each other
// and every successful caller claims a distinct slot.
type Interval struct {
	clock    clockwork.Clock
	interval int64
	start    atomic.Int64 // unix nanos of the current slot start
	Rand     Float64
}

// NewInterval creates an interval timer whose first slot starts now.
func NewInterval(clock clockwork.Clock, interval time.Duration) (*Interval, error) {
	if interval <= 0 {
		return nil, ErrIntervalTooSmall
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &Interval{
		clock:    clock,
		interval: int64(interval),
		Rand:     DefaultRand,
	}
	t.start.Store(clock.Now().UnixNano())
	return t, nil
}

// Reset moves the interval grid so that the current slot starts now.
func (t *Interval) Reset() {
	t.start.Store(t.clock.Now().UnixNano())
}

// Delay implements Timer.
func (t *Interval) Delay() time.Duration {
	for {
		now := t.clock.Now().UnixNano()
		start := t.start.Load()
		end := start + t.interval
		var delay, add int64
		switch {
		case now > end:
			// Missed at least one slot, fire immediately.
			add = (now - start) / t.interval * t.interval
		case now > start:
			delay = int64(jitter(t.Rand, time.Duration(end-now)))
			add = t.interval
		default:
			delay = start - now + int64(jitter(t.Rand, time.Duration(t.interval)))
			add = t.interval
		}
		if t.start.CompareAndSwap(start, start+add) {
			return time.Duration(delay)
		}
	}
}

func jitter(rnd Float64, span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	if rnd == nil {
		rnd = DefaultRand
	}
	return time.Duration(float64(span) * rnd())
}
