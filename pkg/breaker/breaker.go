// Package breaker slows down callers while an operation keeps failing.
package breaker

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"go.od2.network/conveyor/pkg/failrate"
	"go.od2.network/conveyor/pkg/timers"
)

// Breaker records outcomes and tells callers how long to back off.
//
// Delay returns false while the breaker is closed.
// Recording outcomes never changes the state directly,
// the state is evaluated on Delay.
type Breaker interface {
	OnSuccess()
	OnFailure()
	Delay() (time.Duration, bool)
}

// ErrThreshold is returned for a failure rate threshold outside of (0, 1].
var ErrThreshold = errors.New("breaker: threshold must be in (0, 1]")

// Defaults of NewDefault.
const (
	DefaultThreshold      = 0.5
	DefaultInterval       = 5 * time.Second
	DefaultBuckets        = 10
	DefaultBucketDuration = 10 * time.Second
)

// Rate opens when the failure rate rises above the threshold
// and closes again only once it fell below the threshold.
type Rate struct {
	threshold float64
	timer     timers.Timer
	calc      failrate.Calculator
	open      atomic.Bool
}

// NewRate creates a failure rate breaker.
// While open, every Delay call is answered by timer.
func NewRate(threshold float64, timer timers.Timer, calc failrate.Calculator) (*Rate, error) {
	if !(threshold > 0 && threshold <= 1) {
		return nil, ErrThreshold
	}
	if timer == nil || calc == nil {
		return nil, errors.New("breaker: timer and calculator are required")
	}
	return &Rate{threshold: threshold, timer: timer, calc: calc}, nil
}

// NewDefault creates a Rate breaker opening at 50% failures over the last 100 seconds,
// backing off in randomized 5 second intervals.
func NewDefault(clock clockwork.Clock) *Rate {
	timer, err := timers.NewInterval(clock, DefaultInterval)
	if err != nil {
		panic(err)
	}
	calc, err := failrate.NewWindow(clock, DefaultBuckets, DefaultBucketDuration)
	if err != nil {
		panic(err)
	}
	return &Rate{threshold: DefaultThreshold, timer: timer, calc: calc}
}

// OnSuccess implements Breaker.
func (r *Rate) OnSuccess() { r.calc.OnSuccess() }

// OnFailure implements Breaker.
func (r *Rate) OnFailure() { r.calc.OnFailure() }

// Open reports whether the breaker was open at the last Delay call.
func (r *Rate) Open() bool { return r.open.Load() }

// Delay implements Breaker.
func (r *Rate) Delay() (time.Duration, bool) {
	rate := r.calc.FailureRate()
	if r.open.Load() {
		if rate < r.threshold {
			r.open.Store(false)
			return 0, false
		}
		return r.timer.Delay(), true
	}
	if rate <= r.threshold {
		return 0, false
	}
	if r.open.CompareAndSwap(false, true) {
		if resetter, ok := r.timer.(interface{ Reset() }); ok {
			resetter.Reset()
		}
	}
	return r.timer.Delay(), true
}

// Exponential backs off exponentially with the number of recent errors.
//
// Each failure increments the error count up to maxExponent+1,
// each success halves it.
// The delay is 2^(count-1) seconds scaled by a uniform random factor,
// and absent while count is at most one.
type Exponential struct {
	maxExponent int
	rnd         func() float64

	mu    sync.Mutex
	count int
}

// NewExponential creates an error count breaker.
// A nil rnd uses math/rand.
func NewExponential(maxExponent int, rnd func() float64) *Exponential {
	if maxExponent < 0 {
		maxExponent = 0
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Exponential{maxExponent: maxExponent, rnd: rnd}
}

// OnSuccess implements Breaker.
func (e *Exponential) OnSuccess() {
	e.mu.Lock()
	e.count /= 2
	e.mu.Unlock()
}

// OnFailure implements Breaker.
func (e *Exponential) OnFailure() {
	e.mu.Lock()
	if e.count-1 < e.maxExponent {
		e.count++
	}
	e.mu.Unlock()
}

// Count returns the current error count.
func (e *Exponential) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Delay implements Breaker.
func (e *Exponential) Delay() (time.Duration, bool) {
	count := e.Count()
	if count <= 1 {
		return 0, false
	}
	max := math.Pow(2, float64(count-1)) * float64(time.Second)
	return time.Duration(max * e.rnd()), true
}

// Never is a Breaker that never delays.
type Never struct{}

func (Never) OnSuccess()                   {}
func (Never) OnFailure()                   {}
func (Never) Delay() (time.Duration, bool) { return 0, false }
