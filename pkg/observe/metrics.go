package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.od2.network/conveyor/pkg/queue"
)

// Metrics exports hooks as Prometheus metrics.
type Metrics[T any] struct {
	received   *prometheus.CounterVec
	processed  *prometheus.CounterVec
	batches    *prometheus.HistogramVec
	exceptions *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics[T any](namespace string, reg prometheus.Registerer) (*Metrics[T], error) {
	m := &Metrics[T]{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from the source.",
		}, []string{"component"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Messages processed, by result and routing decision.",
		}, []string{"component", "result", "op"}),
		batches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Transform duration per batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "failed"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exceptions_total",
			Help:      "Errors not attributed to a single message.",
		}, []string{"component"}),
	}
	for _, c := range []prometheus.Collector{m.received, m.processed, m.batches, m.exceptions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Received implements queue.Observer.
func (m *Metrics[T]) Received(component string, msgs []T) {
	m.received.WithLabelValues(component).Add(float64(len(msgs)))
}

// Processed implements queue.Observer.
func (m *Metrics[T]) Processed(component string, _ T, result queue.Result, op queue.Op[T]) {
	m.processed.WithLabelValues(component, resultLabel(result), opLabel(op)).Inc()
}

// BatchProcessed implements queue.Observer.
func (m *Metrics[T]) BatchProcessed(component string, _ []*queue.Job[T], err error, elapsed time.Duration) {
	failed := "false"
	if err != nil {
		failed = "true"
	}
	m.batches.WithLabelValues(component, failed).Observe(elapsed.Seconds())
}

// Exception implements queue.Observer.
func (m *Metrics[T]) Exception(component string, _ error) {
	m.exceptions.WithLabelValues(component).Inc()
}

func resultLabel(r queue.Result) string {
	if r.IsError() {
		return "failed"
	}
	return "done"
}

// opLabel drops retry delays to keep label cardinality bounded.
func opLabel[T any](op queue.Op[T]) string {
	switch op.Kind() {
	case queue.OpRetry:
		return "retry"
	case queue.OpTransfer:
		return "transfer:" + op.Target().Name()
	default:
		return "close"
	}
}
