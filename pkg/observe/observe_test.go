package observe

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"go.od2.network/conveyor/pkg/queue"
)

type stage string

func (s stage) Name() string      { return string(s) }
func (s stage) Enqueue(...string) {}

func TestZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	z := &Zap[string]{
		Log:      zap.New(core),
		Describe: func(msg string) zap.Field { return zap.String("msg", msg) },
	}
	z.Received("source", []string{"a", "b"})
	z.Processed("handler", "a", queue.Failed("timeout", errors.New("slow")), queue.TransferTo[string](stage("archiver")))
	z.Exception("handler", errors.New("boom"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, int64(2), entries[0].ContextMap()["receiver.batch_size"])
	processed := entries[1].ContextMap()
	assert.Equal(t, "Failed(timeout)", processed["result"])
	assert.Equal(t, "Transfer to archiver", processed["op"])
	assert.Equal(t, "a", processed["msg"])
	assert.Equal(t, "slow", processed["error"])
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics[string]("conveyor", reg)
	require.NoError(t, err)

	m.Received("source", []string{"a", "b", "c"})
	m.Processed("handler", "a", queue.Ok(), queue.TransferTo[string](stage("remover")))
	m.Processed("handler", "b", queue.Failed("", nil), queue.Retry[string](time.Second))
	m.Processed("handler", "c", queue.Failed("", nil), queue.Retry[string](time.Minute))
	m.BatchProcessed("handler", nil, nil, time.Second)
	m.Exception("source", errors.New("down"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.received.WithLabelValues("source")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.processed.WithLabelValues("handler", "done", "transfer:remover")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.processed.WithLabelValues("handler", "failed", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exceptions.WithLabelValues("source")))

	_, err = NewMetrics[string]("conveyor", reg)
	assert.Error(t, err, "duplicate registration")
}

func TestMulti(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	reg := prometheus.NewRegistry()
	m, err := NewMetrics[string]("conveyor", reg)
	require.NoError(t, err)
	var obs queue.Observer[string] = Multi[string]{&Zap[string]{Log: zap.New(core)}, m}

	obs.Received("source", []string{"a"})
	obs.BatchProcessed("handler", nil, errors.New("x"), time.Millisecond)
	assert.Equal(t, 2, logs.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.received.WithLabelValues("source")))
}
