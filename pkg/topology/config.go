// Package topology holds the pipeline configuration of a relay.
//
// A relay is one receiver feeding a handler stage,
// followed by an archiver (dead letter) and a remover stage.
// The configuration is read from TOML.
package topology

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
	"go.uber.org/multierr"
)

// Config holds the full pipeline configuration.
type Config struct {
	Receiver Receiver `toml:"receiver"`
	Handler  Stage    `toml:"handler"`
	Archiver Stage    `toml:"archiver"`
	Remover  Stage    `toml:"remover"`
	Relay    Relay    `toml:"relay"`
}

// Receiver configures the message source poller.
type Receiver struct {
	Concurrency   int           `toml:"concurrency"`    // concurrent pollers
	InflightLimit int           `toml:"inflight_limit"` // 0 means unbounded
	FetchBatch    int           `toml:"fetch_batch"`    // max messages per fetch
	LockTimeout   time.Duration `toml:"lock_timeout"`   // visibility timeout of received messages
	Polling       Polling       `toml:"polling"`
	Breaker       Breaker       `toml:"breaker"`
}

// Polling strategy kinds.
const (
	PollingContinuous         = "continuous"
	PollingFixedInterval      = "fixed_interval"
	PollingUniformRandom      = "uniform_random"
	PollingConstantRateRandom = "constant_rate_random"
)

// Polling selects a polling strategy.
type Polling struct {
	Kind        string        `toml:"kind"`
	Interval    time.Duration `toml:"interval"`     // fixed_interval, constant_rate_random
	Min         time.Duration `toml:"min"`          // uniform_random
	Max         time.Duration `toml:"max"`          // uniform_random
	RepeatLimit int           `toml:"repeat_limit"` // 0 means unlimited
	// RateLimit caps received messages per second over RateWindow. Zero disables throttling.
	RateLimit  float32       `toml:"rate_limit"`
	RateWindow time.Duration `toml:"rate_window"`
}

// Breaker kinds.
const (
	BreakerRate        = "rate"
	BreakerExponential = "exponential"
	BreakerNever       = "never"
)

// Breaker selects a circuit breaker.
type Breaker struct {
	Kind           string        `toml:"kind"`
	Threshold      float64       `toml:"threshold"`
	Interval       time.Duration `toml:"interval"`
	Buckets        int           `toml:"buckets"`
	BucketDuration time.Duration `toml:"bucket_duration"`
	MaxExponent    int           `toml:"max_exponent"`
}

// Stage configures a processor.
type Stage struct {
	Workers          int           `toml:"workers"`
	MaxBatchSize     int           `toml:"max_batch_size"`
	MinBatchDuration time.Duration `toml:"min_batch_duration"`
	Breaker          Breaker       `toml:"breaker"`
}

// Relay configures the reference pipeline.
type Relay struct {
	Topic string `toml:"topic"`
	// MaxReceives is the number of deliveries before a failing message is dead-lettered.
	MaxReceives  int           `toml:"max_receives"`
	Claimer      string        `toml:"claimer"`
	KeyPrefix    string        `toml:"key_prefix"`
	ExpireBatch  uint          `toml:"expire_batch"`
	EmptyBackoff time.Duration `toml:"empty_backoff"`
}

var defaultBreaker = Breaker{
	Kind:           BreakerRate,
	Threshold:      0.5,
	Interval:       5 * time.Second,
	Buckets:        10,
	BucketDuration: 10 * time.Second,
	MaxExponent:    6,
}

var defaultStage = Stage{
	Workers:          1,
	MaxBatchSize:     1,
	MinBatchDuration: time.Second,
	Breaker:          defaultBreaker,
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Receiver: Receiver{
			Concurrency: 1,
			FetchBatch:  32,
			LockTimeout: time.Minute,
			Polling: Polling{
				Kind:     PollingConstantRateRandom,
				Interval: time.Second,
			},
			Breaker: defaultBreaker,
		},
		Handler:  defaultStage,
		Archiver: defaultStage,
		Remover:  defaultStage,
		Relay: Relay{
			Topic:        "conveyor",
			MaxReceives:  5,
			Claimer:      "conveyor",
			KeyPrefix:    "conveyor",
			ExpireBatch:  128,
			EmptyBackoff: time.Second,
		},
	}
}

// Load reads a TOML configuration.
// Missing values are set to their defaults.
func Load(r io.Reader) (*Config, error) {
	c := new(Config)
	if err := toml.NewDecoder(r).Decode(c); err != nil {
		return nil, fmt.Errorf("failed to decode topology: %w", err)
	}
	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) fillDefaults() {
	d := Default()
	r := &c.Receiver
	if r.Concurrency == 0 {
		r.Concurrency = d.Receiver.Concurrency
	}
	if r.FetchBatch == 0 {
		r.FetchBatch = d.Receiver.FetchBatch
	}
	if r.LockTimeout == 0 {
		r.LockTimeout = d.Receiver.LockTimeout
	}
	if r.Polling.Kind == "" {
		r.Polling = d.Receiver.Polling
	}
	r.Breaker.fillDefaults()
	for _, s := range []*Stage{&c.Handler, &c.Archiver, &c.Remover} {
		if s.Workers == 0 {
			s.Workers = defaultStage.Workers
		}
		if s.MaxBatchSize == 0 {
			s.MaxBatchSize = defaultStage.MaxBatchSize
		}
		if s.MinBatchDuration == 0 {
			s.MinBatchDuration = defaultStage.MinBatchDuration
		}
		s.Breaker.fillDefaults()
	}
	rl := &c.Relay
	if rl.Topic == "" {
		rl.Topic = d.Relay.Topic
	}
	if rl.MaxReceives == 0 {
		rl.MaxReceives = d.Relay.MaxReceives
	}
	if rl.Claimer == "" {
		rl.Claimer = d.Relay.Claimer
	}
	if rl.KeyPrefix == "" {
		rl.KeyPrefix = d.Relay.KeyPrefix
	}
	if rl.ExpireBatch == 0 {
		rl.ExpireBatch = d.Relay.ExpireBatch
	}
	if rl.EmptyBackoff == 0 {
		rl.EmptyBackoff = d.Relay.EmptyBackoff
	}
}

func (b *Breaker) fillDefaults() {
	if b.Kind == "" {
		b.Kind = defaultBreaker.Kind
	}
	if b.Threshold == 0 {
		b.Threshold = defaultBreaker.Threshold
	}
	if b.Interval == 0 {
		b.Interval = defaultBreaker.Interval
	}
	if b.Buckets == 0 {
		b.Buckets = defaultBreaker.Buckets
	}
	if b.BucketDuration == 0 {
		b.BucketDuration = defaultBreaker.BucketDuration
	}
	if b.MaxExponent == 0 {
		b.MaxExponent = defaultBreaker.MaxExponent
	}
}

// Validate checks value ranges and kinds.
func (c *Config) Validate() (err error) {
	if c.Receiver.Concurrency < 1 {
		err = multierr.Append(err, errors.New("receiver.concurrency must be at least 1"))
	}
	if c.Receiver.InflightLimit < 0 {
		err = multierr.Append(err, errors.New("receiver.inflight_limit must not be negative"))
	}
	if c.Receiver.FetchBatch < 1 {
		err = multierr.Append(err, errors.New("receiver.fetch_batch must be at least 1"))
	}
	if c.Receiver.LockTimeout < time.Second {
		err = multierr.Append(err, errors.New("receiver.lock_timeout must be at least 1s"))
	}
	switch c.Receiver.Polling.Kind {
	case PollingContinuous, PollingFixedInterval, PollingUniformRandom, PollingConstantRateRandom:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown receiver.polling.kind %q", c.Receiver.Polling.Kind))
	}
	err = multierr.Append(err, c.Receiver.Breaker.validate("receiver.breaker"))
	stages := []struct {
		name  string
		stage Stage
	}{{"handler", c.Handler}, {"archiver", c.Archiver}, {"remover", c.Remover}}
	for _, s := range stages {
		if s.stage.Workers < 1 {
			err = multierr.Append(err, fmt.Errorf("%s.workers must be at least 1", s.name))
		}
		if s.stage.MaxBatchSize < 1 {
			err = multierr.Append(err, fmt.Errorf("%s.max_batch_size must be at least 1", s.name))
		}
		if s.stage.MinBatchDuration <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s.min_batch_duration must be positive", s.name))
		}
		err = multierr.Append(err, s.stage.Breaker.validate(s.name+".breaker"))
	}
	if c.Relay.MaxReceives < 1 {
		err = multierr.Append(err, errors.New("relay.max_receives must be at least 1"))
	}
	return err
}

func (b *Breaker) validate(prefix string) error {
	switch b.Kind {
	case BreakerRate, BreakerExponential, BreakerNever:
		return nil
	default:
		return fmt.Errorf("unknown %s.kind %q", prefix, b.Kind)
	}
}
