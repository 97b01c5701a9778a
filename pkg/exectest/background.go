// Package exectest runs helper processes alongside tests.
package exectest

import (
	"bytes"
	"os/exec"
	"sync"
	"testing"
)

// Background is a command running for the duration of a test.
type Background struct {
	tb   testing.TB
	Cmd  *exec.Cmd
	wg   sync.WaitGroup
	done chan struct{}

	errLock sync.Mutex
	err     error

	// Name prefixes logged output.
	Name      string
	LogStdout bool
	LogStderr bool
}

// NewBackground prepares a command to run in the background of a test.
func NewBackground(tb testing.TB, cmd *exec.Cmd) *Background {
	return &Background{
		tb:   tb,
		Cmd:  cmd,
		done: make(chan struct{}),
	}
}

// Start spawns a goroutine running the process in the background.
// After calling Start, accessing the provided exec.Cmd is unsafe until Close returns.
// Can only be called once.
func (b *Background) Start() {
	var prefix string
	if b.Name != "" {
		prefix = b.Name + ": "
	}
	var captures []*PipeCapture
	if b.LogStdout {
		c := &PipeCapture{Prefix: prefix, TB: b.tb}
		b.Cmd.Stdout = c
		captures = append(captures, c)
	}
	if b.LogStderr {
		c := &PipeCapture{Prefix: prefix, TB: b.tb}
		b.Cmd.Stderr = c
		captures = append(captures, c)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.done)
		err := b.Cmd.Run()
		for _, c := range captures {
			c.Flush()
		}
		b.errLock.Lock()
		b.err = err
		b.errLock.Unlock()
	}()
}

// Close kills the process and waits for it to exit.
// It must be called before the test completes and is idempotent.
func (b *Background) Close() {
	if b.Cmd.Process != nil {
		_ = b.Cmd.Process.Kill()
	}
	b.wg.Wait()
}

// Done returns a channel that closes when the command exits.
func (b *Background) Done() <-chan struct{} {
	return b.done
}

// Err returns the exit error of the process.
func (b *Background) Err() error {
	b.errLock.Lock()
	defer b.errLock.Unlock()
	return b.err
}

// PipeCapture forwards process output to the test log line by line.
type PipeCapture struct {
	TB     testing.TB
	Prefix string

	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

func (w *PipeCapture) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.line(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush logs any incomplete trailing line.
func (w *PipeCapture) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.line(w.buf.String())
		w.buf.Reset()
	}
}

// Lines returns all lines captured so far.
func (w *PipeCapture) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

func (w *PipeCapture) line(s string) {
	w.lines = append(w.lines, s)
	w.TB.Log(w.Prefix + s)
}
