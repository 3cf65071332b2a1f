package retry

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	se "wuyrush.io/pinvault/errors"
)

type testErrRetryable struct {
}

func (e testErrRetryable) Error() string {
	return "retryable err"
}

func TestRetry(t *testing.T) {
	retryable, nonRetryable := testErrRetryable{}, fmt.Errorf("non-retryable")
	f := func(count *int, errs []error) error {
		cnt := *count
		// to prove the function logic is actually executed
		*count = cnt + 1
		return errs[cnt]
	}
	retryOn := func(e error) bool {
		_, ok := e.(testErrRetryable)
		return ok
	}
	tcs := []struct {
		name     string
		errs     []error
		strategy []RetryOption
		expected int
	}{
		{
			name:     "no retry",
			errs:     []error{nil},
			expected: 1,
		},
		{
			name: "retry with max attempt",
			errs: []error{
				retryable,
				retryable,
				nonRetryable,
			},
			expected: 3,
			strategy: []RetryOption{
				WithMaxAttempts(2),
				WithRetryOn(retryOn),
			},
		},
		{
			name: "retryOn",
			errs: []error{
				retryable,
				retryable,
				nonRetryable,
				retryable,
				retryable,
			},
			expected: 3,
			strategy: []RetryOption{
				WithMaxAttempts(10),
				WithRetryOn(retryOn),
			},
		},
		{
			name: "retry on conflict",
			errs: []error{
				se.NewConflict("version moved"),
				se.NewConflict("version moved"),
				nil,
			},
			expected: 3,
			strategy: []RetryOption{
				WithMaxAttempts(5),
				WithRetryOn(IsConflict),
			},
		},
		{
			name: "exhaust max attempts",
			errs: []error{
				retryable,
				retryable,
				retryable,
				retryable,
			},
			expected: 3,
			strategy: []RetryOption{
				WithMaxAttempts(2),
				WithRetryOn(retryOn),
				WithBaseDelay(time.Millisecond),
				WithExp(2),
			},
		},
	}

	for _, c := range tcs {
		c := c
		t.Run(c.name, func(t *testing.T) {
			calls := 0
			Retry(func() error { return f(&calls, c.errs) }, c.strategy...)
			assert.Equal(t, c.expected, calls, "errors: %v", c.errs)
		})
	}
}

func TestRetryTimeout(t *testing.T) {
	calls := 0
	err := Retry(
		func() error {
			calls++
			return testErrRetryable{}
		},
		WithRetryOn(func(error) bool { return true }),
		WithBaseDelay(time.Hour),
		WithTimeout(10*time.Millisecond),
	)
	assert.Equal(t, ErrRetryTimedOut, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffJitter(t *testing.T) {
	tcs := []struct {
		name     string
		opts     []RetryOption
		draws    []float64
		attempt  int64
		expected []time.Duration
	}{
		{
			name:     "no jitter",
			opts:     []RetryOption{WithBaseDelay(10 * time.Millisecond), WithExp(2)},
			draws:    []float64{0.1, 0.9},
			attempt:  2,
			expected: []time.Duration{40 * time.Millisecond, 40 * time.Millisecond},
		},
		{
			name:     "jitter spreads retriers apart",
			opts:     []RetryOption{WithBaseDelay(10 * time.Millisecond), WithJitter(0.5)},
			draws:    []float64{0, 0.5, 0.75},
			attempt:  0,
			expected: []time.Duration{10 * time.Millisecond, 12500 * time.Microsecond, 13750 * time.Microsecond},
		},
		{
			name:     "capped",
			opts:     []RetryOption{WithBaseDelay(time.Second), WithExp(10), WithJitter(1), WithMaxBackoff(3 * time.Second)},
			draws:    []float64{0, 0.5},
			attempt:  3,
			expected: []time.Duration{3 * time.Second, 3 * time.Second},
		},
	}
	for _, c := range tcs {
		c := c
		t.Run(c.name, func(t *testing.T) {
			cfg := defaultRetryConfig()
			for _, opt := range c.opts {
				opt(cfg)
			}
			actual := []time.Duration{}
			for _, d := range c.draws {
				d := d
				cfg.rand = func() float64 { return d }
				actual = append(actual, cfg.backoff(c.attempt))
			}
			assert.Equal(t, c.expected, actual)
		})
	}
}

func TestIsDepOffline(t *testing.T) {
	assert.True(t, IsDepOffline(&net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")}))
	assert.False(t, IsDepOffline(fmt.Errorf("boom")))
	assert.False(t, IsDepOffline(nil))
}
