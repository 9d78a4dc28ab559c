package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pario-ai/cupid/pkg/apierr"
)

type recorder struct {
	delays []time.Duration
}

func (r *recorder) Sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestExecutor(rec *recorder, jitter float64) *Executor {
	return New(WithSleeper(rec.Sleep), WithRand(func() float64 { return jitter }))
}

func TestBackoffSchedule(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{1000, 2000, 4000, 8000, 10000}
	for attempt, ms := range want {
		require.Equal(t, ms*time.Millisecond, p.Backoff(attempt), "attempt %d", attempt)
	}
	require.Equal(t, 10*time.Second, p.Backoff(30))
}

func TestDelayJitterBounds(t *testing.T) {
	p := DefaultPolicy()
	for attempt := range 6 {
		base := p.Backoff(attempt)
		lo := p.Delay(attempt, 0)
		hi := p.Delay(attempt, 0.999999)
		require.Equal(t, base, lo)
		require.LessOrEqual(t, hi, p.MaxDelay)
		require.LessOrEqual(t, hi-base, time.Duration(0.3*float64(base)))
	}
	require.Equal(t, 1300*time.Millisecond, p.Delay(0, 1.0))
	require.Equal(t, 10*time.Second, p.Delay(3, 0.9))
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(rec, 0)
	calls := 0

	got, err := Do(context.Background(), e, DefaultPolicy(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &apierr.HTTPError{StatusCode: 503}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestTotalAttemptsIsMaxRetriesPlusOne(t *testing.T) {
	for _, p := range []Policy{DefaultPolicy(), ImagePolicy()} {
		rec := &recorder{}
		calls := 0
		_, err := Do(context.Background(), newTestExecutor(rec, 0.5), p, func(context.Context) (int, error) {
			calls++
			return 0, &apierr.HTTPError{StatusCode: 429}
		})
		var apiErr *apierr.Error
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, apierr.RateLimited, apiErr.Code)
		require.Equal(t, p.MaxRetries+1, calls)
		require.Len(t, rec.delays, p.MaxRetries)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	rec := &recorder{}
	calls := 0
	_, err := Do(context.Background(), newTestExecutor(rec, 0), DefaultPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, &apierr.HTTPError{StatusCode: 401}
	})
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.InvalidAPIKey, apiErr.Code)
	require.False(t, apiErr.Retryable)
	require.Equal(t, 1, calls)
	require.Empty(t, rec.delays)
}

func TestPolicyCodesRestrictRetries(t *testing.T) {
	p := DefaultPolicy()
	p.RetryableCodes = map[apierr.Code]bool{apierr.ServerError: true}
	calls := 0
	_, err := Do(context.Background(), newTestExecutor(&recorder{}, 0), p, func(context.Context) (int, error) {
		calls++
		return 0, &apierr.HTTPError{StatusCode: 429}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestCancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	calls := 0
	_, err := Do(ctx, newTestExecutor(&recorder{}, 0), DefaultPolicy(), func(context.Context) (int, error) {
		calls++
		cancel(apierr.ErrCancelled)
		return 0, errors.New("connection reset")
	})
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.Cancelled, apiErr.Code)
	require.False(t, apiErr.Retryable)
	require.Equal(t, 1, calls)
}

func TestPolicyBackOffFollowsSchedule(t *testing.T) {
	b := &policyBackOff{policy: DefaultPolicy(), rand: func() float64 { return 0 }}
	for _, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second} {
		require.Equal(t, want, b.NextBackOff())
	}
	b.Reset()
	require.Equal(t, time.Second, b.NextBackOff())
}

func TestCancelDuringBackoffWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	calls := 0
	_, err := Do(ctx, New(WithSleeper(sleeper)), DefaultPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, &apierr.HTTPError{StatusCode: 503}
	})
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.Cancelled, apiErr.Code)
	require.Equal(t, 1, calls)
}
