// Package appctx provides a context that is cancelled by interrupts.
package appctx

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var once sync.Once
var ctx context.Context

// Context returns the application context that closes on SIGINT or SIGTERM.
// It is safe to call this function multiple times, it will return the same context object.
func Context() context.Context {
	once.Do(func() {
		ctx, _ = WithSignals(context.Background(), os.Interrupt, syscall.SIGTERM)
	})
	return ctx
}

// WithSignals returns a child context that is cancelled when one of the signals arrives.
// The returned stop function releases the signal handler.
func WithSignals(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
		case <-c.Done():
		}
	}()
	return c, cancel
}
