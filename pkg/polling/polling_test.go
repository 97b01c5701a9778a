package polling

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

func countWakeups(clock clockwork.FakeClock, s Strategy, d time.Duration) int {
	end := clock.Now().Add(d)
	count := 0
	for {
		clock.Advance(s.Delay(0))
		if clock.Now().After(end) {
			return count
		}
		count++
	}
}

func TestContinuous(t *testing.T) {
	assert.Equal(t, time.Duration(0), Continuous{}.Delay(0))
}

func TestFixedInterval_Predictable(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s, err := NewFixedInterval(clock, time.Second, 10)
	require.NoError(t, err)
	assert.Equal(t, 1000, countWakeups(clock, s, 1000*time.Second))
}

func TestFixedInterval_Behind(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s, err := NewFixedInterval(clock, time.Second, 10)
	require.NoError(t, err)

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, time.Duration(0), s.Delay(0))
	assert.Equal(t, 500*time.Millisecond, s.Delay(0))
}

func TestFixedInterval_RepeatLimit(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s, err := NewFixedInterval(clock, time.Second, 10)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), s.Delay(10))
	assert.Equal(t, time.Second, s.Delay(9))
}

func TestUniformRandom(t *testing.T) {
	s, err := NewUniformRandom(time.Second, 2*time.Second, 10)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), s.Delay(10))
	for i := 0; i < 100; i++ {
		d := s.Delay(0)
		assert.GreaterOrEqual(t, int64(d), int64(time.Second))
		assert.LessOrEqual(t, int64(d), int64(2*time.Second))
	}
}

func TestConstantRateRandom_Predictable(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s, err := NewConstantRateRandom(clock, time.Second, NoRepeatLimit)
	require.NoError(t, err)
	assert.Equal(t, 1000, countWakeups(clock, s, 1000*time.Second))
}

func TestConstantRateRandom_Behind(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s, err := NewConstantRateRandom(clock, time.Second, 10)
	require.NoError(t, err)
	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, time.Duration(0), s.Delay(0))
	assert.Equal(t, time.Duration(0), s.Delay(10))
}

func TestInvalidRepeatLimit(t *testing.T) {
	_, err := NewFixedInterval(nil, time.Second, 0)
	assert.Equal(t, ErrRepeatLimit, err)
	_, err = NewUniformRandom(0, 0, 0)
	assert.Equal(t, ErrRepeatLimit, err)
	_, err = NewConstantRateRandom(nil, time.Second, 0)
	assert.Equal(t, ErrRepeatLimit, err)
}

func TestThrottled(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	s := NewThrottled(clock, Continuous{}, 1, 5*time.Second)
	// The first count only opens the window.
	assert.Equal(t, time.Duration(0), s.Delay(0))
	assert.Equal(t, time.Duration(0), s.Delay(5))
	assert.Equal(t, 5*time.Second, s.Delay(5).Round(time.Millisecond))
}
