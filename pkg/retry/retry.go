// Package retry runs a unit of work with exponential backoff and jitter,
// retrying only the error classes the policy names.
package retry

import (
	"context"
	"log"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pario-ai/cupid/pkg/apierr"
	"github.com/pario-ai/cupid/pkg/ratelimit"
)

// jitterFraction bounds jitter at 30% of the exponential delay.
const jitterFraction = 0.3

// Policy configures retries.
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryableCodes map[apierr.Code]bool
}

// DefaultPolicy is the policy for text calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		RetryableCodes: map[apierr.Code]bool{
			apierr.NetworkError: true,
			apierr.Timeout:      true,
			apierr.RateLimited:  true,
			apierr.ServerError:  true,
		},
	}
}

// ImagePolicy is the policy for image analysis, which is costlier per attempt.
func ImagePolicy() Policy {
	p := DefaultPolicy()
	p.MaxRetries = 2
	return p
}

// Backoff returns the pre-jitter delay for attempt (numbered from 0), capped
// at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for range attempt {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Delay returns min(backoff + jitter, MaxDelay) where jitter is r scaled to
// [0, 0.3*backoff). r must be in [0, 1).
func (p Policy) Delay(attempt int, r float64) time.Duration {
	exp := p.Backoff(attempt)
	jitter := time.Duration(r * jitterFraction * float64(exp))
	return min(exp+jitter, p.MaxDelay)
}

func (p Policy) retryable(code apierr.Code) bool {
	if p.RetryableCodes == nil {
		return code.Retryable()
	}
	return p.RetryableCodes[code]
}

// policyBackOff feeds Policy.Delay to the backoff loop. Attempts are
// numbered from 0.
type policyBackOff struct {
	policy  Policy
	rand    func() float64
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt, b.rand())
	b.attempt++
	return d
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// sleepTimer adapts a Sleeper to backoff.Timer. Start blocks for the wait and
// only fires when the sleep completed; a cancelled sleep leaves the loop to
// observe ctx.Done.
type sleepTimer struct {
	ctx   context.Context
	sleep ratelimit.Sleeper
	c     chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	if err := t.sleep(t.ctx, d); err == nil {
		t.c <- time.Now()
	}
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

// Executor applies a Policy. The zero value is not usable; call New.
type Executor struct {
	sleep ratelimit.Sleeper
	rand  func() float64
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleeper sets the backoff wait implementation.
func WithSleeper(s ratelimit.Sleeper) Option { return func(e *Executor) { e.sleep = s } }

// WithRand sets the jitter source; it must return values in [0, 1).
func WithRand(r func() float64) Option { return func(e *Executor) { e.rand = r } }

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{sleep: ratelimit.Sleep, rand: rand.Float64}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Do runs op until it succeeds, fails with a non-retryable class, or the
// policy's attempts (MaxRetries+1) are spent. Failures are returned as
// *apierr.Error.
func Do[T any](ctx context.Context, e *Executor, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			// the caller's context ended; its error wins over whatever the attempt saw
			return v, backoff.Permanent(apierr.Classify(ctx.Err()))
		}
		classified := apierr.Classify(err)
		if !p.retryable(classified.Code) {
			return v, backoff.Permanent(classified)
		}
		return v, classified
	}
	notify := func(err error, delay time.Duration) {
		log.Printf("retry: attempt %d failed with %s, retrying in %s", attempt, apierr.Classify(err).Code, delay)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&policyBackOff{policy: p, rand: e.rand}, uint64(max(p.MaxRetries, 0))),
		ctx,
	)
	v, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, &sleepTimer{ctx: ctx, sleep: e.sleep})
	if err != nil {
		var zero T
		return zero, apierr.Classify(err)
	}
	return v, nil
}
