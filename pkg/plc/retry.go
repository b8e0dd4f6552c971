package plc

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backoff selects how the delay grows between attempts.
type Backoff int

const (
	BackoffConstant Backoff = iota
	BackoffLinear
	BackoffExponential
)

// BackoffFactor is the growth of an exponential backoff per attempt.
const BackoffFactor = 2

// MaxRetryDelay caps a growing backoff.
const MaxRetryDelay = 30 * time.Second

func (b Backoff) String() string {
	switch b {
	case BackoffLinear:
		return "linear"
	case BackoffExponential:
		return "exponential"
	}
	return "constant"
}

// ParseBackoff accepts "constant", "linear" or "exponential".
func ParseBackoff(s string) (Backoff, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "constant":
		return BackoffConstant, nil
	case "linear":
		return BackoffLinear, nil
	case "exponential":
		return BackoffExponential, nil
	default:
		return 0, fmt.Errorf("unknown backoff %q", s)
	}
}

// RetryPolicy bounds how often an operation is attempted.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     Backoff
}

// DefaultRetryPolicy returns 3 attempts with a linear 500ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 500 * time.Millisecond, Backoff: BackoffLinear}
}

// DelayFor returns the pause after the given failed attempt (1-based).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 || p.Delay <= 0 {
		return 0
	}
	switch p.Backoff {
	case BackoffLinear:
		return min(p.Delay*time.Duration(attempt), MaxRetryDelay)
	case BackoffExponential:
		d := p.Delay
		for i := 1; i < attempt && d < MaxRetryDelay; i++ {
			d *= BackoffFactor
		}
		return min(d, MaxRetryDelay)
	}
	return p.Delay
}

func (p RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, fails with an error retryable rejects, or
// the attempts run out. The last error of op is returned. Cancellation while
// waiting between attempts returns the context error.
func (p RetryPolicy) Do(ctx context.Context, sleep SleepFunc, retryable func(error) bool, op func(ctx context.Context, attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil || attempt >= p.attempts() || !retryable(err) {
			return err
		}
		if serr := sleep(ctx, p.DelayFor(attempt)); serr != nil {
			return serr
		}
	}
}
