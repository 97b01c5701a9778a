package topology

import (
	"fmt"

	"github.com/jonboulle/clockwork"

	"go.od2.network/conveyor/pkg/breaker"
	"go.od2.network/conveyor/pkg/failrate"
	"go.od2.network/conveyor/pkg/limiter"
	"go.od2.network/conveyor/pkg/polling"
	"go.od2.network/conveyor/pkg/queue"
	"go.od2.network/conveyor/pkg/timers"
)

// NewBreaker constructs the configured circuit breaker.
func (b *Breaker) NewBreaker(clock clockwork.Clock) (breaker.Breaker, error) {
	switch b.Kind {
	case BreakerNever:
		return breaker.Never{}, nil
	case BreakerExponential:
		return breaker.NewExponential(b.MaxExponent, nil), nil
	case BreakerRate:
		timer, err := timers.NewInterval(clock, b.Interval)
		if err != nil {
			return nil, err
		}
		calc, err := failrate.NewWindow(clock, b.Buckets, b.BucketDuration)
		if err != nil {
			return nil, err
		}
		rate, err := breaker.NewRate(b.Threshold, timer, calc)
		if err != nil {
			return nil, err
		}
		return rate, nil
	default:
		return nil, fmt.Errorf("unknown breaker kind %q", b.Kind)
	}
}

// NewStrategy constructs the configured polling strategy.
func (p *Polling) NewStrategy(clock clockwork.Clock) (polling.Strategy, error) {
	repeatLimit := p.RepeatLimit
	if repeatLimit <= 0 {
		repeatLimit = polling.NoRepeatLimit
	}
	var strategy polling.Strategy
	var err error
	switch p.Kind {
	case PollingContinuous:
		strategy = polling.Continuous{}
	case PollingFixedInterval:
		strategy, err = polling.NewFixedInterval(clock, p.Interval, repeatLimit)
	case PollingUniformRandom:
		strategy, err = polling.NewUniformRandom(p.Min, p.Max, repeatLimit)
	case PollingConstantRateRandom:
		strategy, err = polling.NewConstantRateRandom(clock, p.Interval, repeatLimit)
	default:
		err = fmt.Errorf("unknown polling kind %q", p.Kind)
	}
	if err != nil {
		return nil, err
	}
	if p.RateLimit > 0 {
		strategy = polling.NewThrottled(clock, strategy, p.RateLimit, p.RateWindow)
	}
	return strategy, nil
}

// ReceiverOptions translates the receiver config into queue options.
func ReceiverOptions[T any](r *Receiver, clock clockwork.Clock) ([]queue.ReceiverOption[T], error) {
	strategy, err := r.Polling.NewStrategy(clock)
	if err != nil {
		return nil, fmt.Errorf("receiver polling: %w", err)
	}
	b, err := r.Breaker.NewBreaker(clock)
	if err != nil {
		return nil, fmt.Errorf("receiver breaker: %w", err)
	}
	inflightLimit := r.InflightLimit
	if inflightLimit == 0 {
		inflightLimit = limiter.Unbounded
	}
	return []queue.ReceiverOption[T]{
		queue.WithConcurrency[T](r.Concurrency),
		queue.WithPolling[T](strategy),
		queue.WithBreaker[T](b),
		queue.WithInflightLimit[T](inflightLimit),
		queue.WithReceiverClock[T](clock),
	}, nil
}

// ProcessorOptions translates a stage config into queue options.
func ProcessorOptions[T any](s *Stage, clock clockwork.Clock) ([]queue.ProcessorOption[T], error) {
	b, err := s.Breaker.NewBreaker(clock)
	if err != nil {
		return nil, err
	}
	return []queue.ProcessorOption[T]{
		queue.WithWorkers[T](s.Workers),
		queue.WithBatching[T](s.MaxBatchSize, s.MinBatchDuration),
		queue.WithProcessorBreaker[T](b),
		queue.WithProcessorClock[T](clock),
	}, nil
}
