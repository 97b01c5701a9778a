package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type namedTarget string

func (n namedTarget) Name() string      { return string(n) }
func (n namedTarget) Enqueue(...string) {}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "Close", Close[string]().String())
	assert.Equal(t, "Close", Op[string]{}.String())
	assert.Equal(t, "Retry", InstantRetry[string]().String())
	assert.Equal(t, "Retry", Retry[string](0).String())
	assert.Equal(t, "Retry in 1.5s", Retry[string](1500*time.Millisecond).String())
	assert.Equal(t, "Transfer to archiver", TransferTo[string](namedTarget("archiver")).String())
}

func TestOp_Kinds(t *testing.T) {
	assert.Equal(t, OpClose, Close[int]().Kind())
	assert.Equal(t, OpRetry, Retry[int](time.Second).Kind())
	assert.Equal(t, time.Second, Retry[int](time.Second).Delay())
	op := TransferTo[string](namedTarget("x"))
	assert.Equal(t, OpTransfer, op.Kind())
	assert.Equal(t, "x", op.Target().Name())
	assert.Equal(t, op, TransferTo[string](namedTarget("x")))
}

func TestOp_Invalid(t *testing.T) {
	assert.Panics(t, func() { Retry[int](-time.Second) })
	assert.Panics(t, func() { TransferTo[int](nil) })
}
