// Package ratelimit implements the outbound token bucket that throttles model calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxTokens  = 10
	DefaultRefillRate = 0.5 // tokens per second
)

// Sleeper suspends for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
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

// State is a snapshot of the bucket.
type State struct {
	Tokens       float64
	LastRefillAt time.Time
	MaxTokens    float64
	RefillRate   float64
}

// Limiter is a token bucket with continuous refill. Safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	last       time.Time
	maxTokens  float64
	refillRate float64

	now   func() time.Time
	sleep Sleeper
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithSleeper sets the wait implementation.
func WithSleeper(s Sleeper) Option { return func(l *Limiter) { l.sleep = s } }

// New returns a full bucket. Non-positive arguments fall back to the defaults.
func New(maxTokens, refillPerSecond float64, opts ...Option) *Limiter {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if refillPerSecond <= 0 {
		refillPerSecond = DefaultRefillRate
	}
	l := &Limiter{
		maxTokens:  maxTokens,
		refillRate: refillPerSecond,
		now:        time.Now,
		sleep:      Sleep,
	}
	for _, o := range opts {
		o(l)
	}
	l.tokens = maxTokens
	l.last = l.now()
	return l
}

// refill must be called with mu held.
func (l *Limiter) refill(now time.Time) {
	if now.Before(l.last) {
		// clock went backwards: treat as no elapsed time
		l.last = now
		return
	}
	elapsed := now.Sub(l.last).Seconds()
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.last = now
}

// tryTake refills and consumes one token if available. Otherwise it returns
// the wait needed for the bucket to reach one token.
func (l *Limiter) tryTake() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.now())
	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	secs := (1 - l.tokens) / l.refillRate
	return false, time.Duration(secs * float64(time.Second))
}

// Acquire takes one token, waiting for refill when the bucket is empty.
// Interleaved waiters may both wake to find the token gone, so Acquire keeps
// waiting until it wins one or ctx ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, wait := l.tryTake()
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TryAcquire takes one token without waiting.
func (l *Limiter) TryAcquire() bool {
	ok, _ := l.tryTake()
	return ok
}

// Available returns the token count after applying refill up to now.
func (l *Limiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.now())
	return l.tokens
}

// Snapshot returns the bucket state after refill.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.now())
	return State{Tokens: l.tokens, LastRefillAt: l.last, MaxTokens: l.maxTokens, RefillRate: l.refillRate}
}

// Reset refills the bucket to capacity.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = l.maxTokens
	l.last = l.now()
}
