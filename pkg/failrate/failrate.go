// Package failrate measures the ratio of failed operations over a sliding time window.
//
// The window is a ring of fixed-duration buckets.
// Buckets are rotated lazily whenever the calculator is touched,
// so an idle calculator costs nothing and forgets everything older than
// buckets × bucketDuration.
package failrate

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Calculator records outcomes and reports the failure rate.
type Calculator interface {
	OnSuccess()
	OnFailure()
	FailureRate() float64
}

// Construction errors.
var (
	ErrBucketCount    = errors.New("failrate: bucket count must be larger than zero")
	ErrBucketDuration = errors.New("failrate: bucket duration must be larger than zero")
)

// Window is a Calculator over a ring of time buckets.
// It is safe for concurrent use.
type Window struct {
	clock          clockwork.Clock
	bucketDuration time.Duration

	mu          sync.Mutex
	buckets     []bucket
	current     int       // index of the bucket receiving events
	currentFrom time.Time // start timestamp of the current bucket
}

type bucket struct {
	successes int
	failures  int
}

// NewWindow creates a failure rate window of n buckets with the given bucket duration.
func NewWindow(clock clockwork.Clock, n int, bucketDuration time.Duration) (*Window, error) {
	if n <= 0 {
		return nil, ErrBucketCount
	}
	if bucketDuration <= 0 {
		return nil, ErrBucketDuration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{
		clock:          clock,
		bucketDuration: bucketDuration,
		buckets:        make([]bucket, n),
		currentFrom:    clock.Now(),
	}, nil
}

// OnSuccess records a successful operation.
func (w *Window) OnSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.buckets[w.current].successes++
}

// OnFailure records a failed operation.
func (w *Window) OnFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.buckets[w.current].failures++
}

// FailureRate returns failures / (failures + successes) over the whole window,
// or zero if nothing was recorded.
func (w *Window) FailureRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	var successes, failures int
	for _, b := range w.buckets {
		successes += b.successes
		failures += b.failures
	}
	sum := successes + failures
	if sum == 0 {
		return 0
	}
	return float64(failures) / float64(sum)
}

// advance moves the current pointer over every bucket that elapsed since the last touch,
// clearing the buckets it passes. Caller must hold the lock.
func (w *Window) advance() {
	diff := w.clock.Now().Sub(w.currentFrom)
	if diff < w.bucketDuration {
		return
	}
	steps := int64(diff / w.bucketDuration)
	w.currentFrom = w.currentFrom.Add(time.Duration(steps) * w.bucketDuration)
	// Everything is stale after a full lap.
	if steps >= int64(len(w.buckets)) {
		for i := range w.buckets {
			w.buckets[i] = bucket{}
		}
		w.current = int((int64(w.current) + steps) % int64(len(w.buckets)))
		return
	}
	for i := int64(0); i < steps; i++ {
		w.current = (w.current + 1) % len(w.buckets)
		w.buckets[w.current] = bucket{}
	}
}
