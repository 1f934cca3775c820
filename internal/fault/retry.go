package fault

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how a Retrier backs off.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on the un-jittered delay
	Multiplier  float64       // growth factor per attempt
	Jitter      float64       // fraction of the delay randomised, in [0,1]
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// NewBackOff returns a fresh exponential backoff following p. It never
// gives up on its own; attempt limits are applied by the caller.
//
// Example:
//
//	b := policy.NewBackOff()
//	delay := b.NextBackOff() // BaseDelay, +/- Jitter
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retrier runs an operation until it succeeds, fails permanently or runs out
// of attempts. Only errors for which Transient returns true are retried.
type Retrier struct {
	policy RetryPolicy
}

// NewRetrier creates a retrier for policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{policy: policy.withDefaults()}
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Do calls fn with the 1-based attempt number until it returns nil, a
// non-transient error, the attempts are exhausted or ctx is done.
//
// Parameters:
//   - ctx: stops the retries; fn receives it unchanged
//   - fn: one attempt
//
// Returns:
//   - nil once fn succeeds, otherwise the last error fn returned
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(r.policy.NewBackOff(), uint64(r.policy.MaxAttempts-1)),
		ctx,
	)
	var (
		attempt int
		last    error
	)
	err := backoff.Retry(func() error {
		attempt++
		last = fn(ctx, attempt)
		if last != nil && !Transient(last) {
			return backoff.Permanent(last)
		}
		return last
	}, b)
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}
