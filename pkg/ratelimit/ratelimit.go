// Package ratelimit estimates how far an event stream runs above a target rate.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// RateLimit is a best-effort, lock-free, CloudFlare-style rate-limiter.
//
// Algorithm: https://blog.cloudflare.com/counting-things-a-lot-of-different-things/
type RateLimit struct {
	Target float32       // Events per second
	Window time.Duration // Window size, a multiple of one second
	Epoch  int64         // Window offset
	W0, W1 int64         // Windows
}

// NewRateLimit creates a new rate limiter.
func NewRateLimit(target float32, window time.Duration) *RateLimit {
	if window < time.Second {
		window = time.Second
	}
	return &RateLimit{
		Target: target,
		Window: window.Truncate(time.Second),
	}
}

// Count registers x events at now and returns the time to sleep to match the rate limit.
// This function is safe to access from multiple goroutines at the same time.
func (r *RateLimit) Count(now time.Time, x int64) time.Duration {
	nanos := now.UnixNano()
	window := int64(r.Window)
	// Fetch and update the rate limiting windows.
	epoch := nanos / window
	fastPath := true
	var w0, w1 int64
	for {
		// Shift rate-limiting windows.
		savedEpoch := atomic.LoadInt64(&r.Epoch)
		if savedEpoch >= epoch {
			break // fast path
		}
		fastPath = false
		if !atomic.CompareAndSwapInt64(&r.Epoch, savedEpoch, epoch) {
			continue
		}
		if savedEpoch+1 == epoch {
			w1 = x
			w0 = atomic.SwapInt64(&r.W1, w1)
			atomic.StoreInt64(&r.W0, w0)
		} else {
			atomic.StoreInt64(&r.W0, 0)
			atomic.StoreInt64(&r.W1, 0)
		}
	}
	if fastPath {
		w1 = atomic.AddInt64(&r.W1, x)
		w0 = atomic.LoadInt64(&r.W0)
	}
	// Calculate the estimated rate-limit usage.
	seconds := float32(r.Window / time.Second)
	offset := 1.0 - float32(nanos%window)/float32(window)
	usage := offset*float32(w0) + float32(w1)
	rate := usage / seconds
	if rate <= r.Target {
		return 0
	}
	ban := seconds * (rate - r.Target)
	return time.Duration(ban * float32(time.Second))
}
