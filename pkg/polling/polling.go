// Package polling decides how long a receiver waits before it fetches again.
package polling

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"go.od2.network/conveyor/pkg/ratelimit"
	"go.od2.network/conveyor/pkg/timers"
)

// Strategy returns the delay before the next fetch,
// given the number of messages returned by the previous fetch.
type Strategy interface {
	Delay(previousBatchSize int) time.Duration
}

// NoRepeatLimit disables burst mode.
const NoRepeatLimit = math.MaxInt

// ErrRepeatLimit is returned for a repeat limit smaller than one.
var ErrRepeatLimit = errors.New("polling: repeat limit must be at least 1")

// Continuous never waits. Use it with long-polling sources.
type Continuous struct{}

// Delay implements Strategy.
func (Continuous) Delay(int) time.Duration { return 0 }

// FixedInterval wakes up at the boundaries of a fixed interval grid.
// When the previous fetch returned at least repeatLimit messages it fetches again immediately.
type FixedInterval struct {
	clock       clockwork.Clock
	interval    time.Duration
	repeatLimit int

	mu   sync.Mutex
	next time.Time
}

// NewFixedInterval creates a fixed interval strategy.
// The first wake-up is one interval from now.
func NewFixedInterval(clock clockwork.Clock, interval time.Duration, repeatLimit int) (*FixedInterval, error) {
	if interval <= 0 {
		return nil, timers.ErrIntervalTooSmall
	}
	if repeatLimit < 1 {
		return nil, ErrRepeatLimit
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FixedInterval{
		clock:       clock,
		interval:    interval,
		repeatLimit: repeatLimit,
		next:        clock.Now().Add(interval),
	}, nil
}

// Delay implements Strategy.
func (f *FixedInterval) Delay(previousBatchSize int) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	var delay time.Duration
	if previousBatchSize < f.repeatLimit && f.next.After(now) {
		delay = f.next.Sub(now)
	}
	wake := now.Add(delay)
	for !f.next.After(wake) {
		f.next = f.next.Add(f.interval)
	}
	return delay
}

// UniformRandom waits a uniformly random time between min and max.
type UniformRandom struct {
	timer       *timers.Random
	repeatLimit int
}

// NewUniformRandom creates a uniform random strategy.
func NewUniformRandom(min, max time.Duration, repeatLimit int) (*UniformRandom, error) {
	if repeatLimit < 1 {
		return nil, ErrRepeatLimit
	}
	timer, err := timers.NewRandom(min, max)
	if err != nil {
		return nil, err
	}
	return &UniformRandom{timer: timer, repeatLimit: repeatLimit}, nil
}

// Delay implements Strategy.
func (u *UniformRandom) Delay(previousBatchSize int) time.Duration {
	if previousBatchSize >= u.repeatLimit {
		return 0
	}
	return u.timer.Delay()
}

// ConstantRateRandom wakes up once per interval at a random point in the interval.
// On average it fetches at a constant rate, independent of jitter.
type ConstantRateRandom struct {
	timer       *timers.Interval
	repeatLimit int
}

// NewConstantRateRandom creates a constant rate random strategy.
func NewConstantRateRandom(clock clockwork.Clock, interval time.Duration, repeatLimit int) (*ConstantRateRandom, error) {
	if repeatLimit < 1 {
		return nil, ErrRepeatLimit
	}
	timer, err := timers.NewInterval(clock, interval)
	if err != nil {
		return nil, err
	}
	return &ConstantRateRandom{timer: timer, repeatLimit: repeatLimit}, nil
}

// Timer exposes the underlying interval timer.
func (c *ConstantRateRandom) Timer() *timers.Interval {
	return c.timer
}

// Delay implements Strategy.
func (c *ConstantRateRandom) Delay(previousBatchSize int) time.Duration {
	if previousBatchSize >= c.repeatLimit {
		// Keep the grid moving even in burst mode.
		c.timer.Delay()
		return 0
	}
	return c.timer.Delay()
}

// Throttled adds the delay needed to keep the received message rate under a target.
type Throttled struct {
	Strategy
	clock clockwork.Clock
	limit *ratelimit.RateLimit
}

// NewThrottled wraps a strategy with a message rate limit.
// perSecond is the target rate of received messages, averaged over window.
func NewThrottled(clock clockwork.Clock, inner Strategy, perSecond float32, window time.Duration) *Throttled {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Throttled{
		Strategy: inner,
		clock:    clock,
		limit:    ratelimit.NewRateLimit(perSecond, window),
	}
}

// Delay implements Strategy.
func (t *Throttled) Delay(previousBatchSize int) time.Duration {
	ban := t.limit.Count(t.clock.Now(), int64(previousBatchSize))
	return ban + t.Strategy.Delay(previousBatchSize)
}
