package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls bounded-attempt exponential backoff with jitter for
// Do; the peer manager's ConnectWithBackoff uses it for P2P reconnects.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // 0..1, fraction of delay randomized
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second, JitterFactor: 0.2}
}

// Delay computes the backoff delay after failed attempt n (1-indexed),
// i.e. before attempt n+1.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		jitter := d * p.JitterFactor
		d = d - jitter + rand.Float64()*2*jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do runs fn up to MaxAttempts times, sleeping per Delay between attempts,
// stopping early if ctx is cancelled or shouldRetry(err) is false.
func Do(ctx context.Context, p RetryPolicy, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
