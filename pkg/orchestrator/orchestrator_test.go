package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pario-ai/cupid/pkg/apierr"
	"github.com/pario-ai/cupid/pkg/cache/memory"
	"github.com/pario-ai/cupid/pkg/models"
	"github.com/pario-ai/cupid/pkg/queue"
	"github.com/pario-ai/cupid/pkg/ratelimit"
	"github.com/pario-ai/cupid/pkg/retry"
	"github.com/pario-ai/cupid/pkg/router"
	"github.com/pario-ai/cupid/pkg/store"
	"github.com/pario-ai/cupid/pkg/usage"
)

const validContent = `Here are some ideas:
{"suggestions":[
 {"type":"safe","text":"Pretty good! How about yours?","reason":"Friendly and reciprocal"},
 {"type":"balanced","text":"Better now that you asked","reason":"Light flirt"},
 {"type":"bold","text":"It'd be even better over drinks","reason":"Moves toward a date"}],
 "proTip":"Mirror their energy","interestLevel":7,"mood":"friendly"}`

type fakeCompleter struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int) (*models.Completion, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, _ models.RequestDescriptor) (*models.Completion, error) {
	n := int(f.calls.Add(1))
	return f.fn(ctx, n)
}

func replying(content string) func(context.Context, int) (*models.Completion, error) {
	return func(context.Context, int) (*models.Completion, error) {
		return &models.Completion{Content: content, Model: "gpt-4o-mini", Usage: models.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}}, nil
	}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func fixedLimiter() *ratelimit.Limiter {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	return ratelimit.New(10, 0.5, ratelimit.WithClock(func() time.Time { return now }))
}

func newOrchestrator(c Completer, opts ...Option) *Orchestrator {
	return New(Deps{
		Router:  c,
		Cache:   memory.New(5*time.Minute, 100),
		Limiter: fixedLimiter(),
		Retry:   retry.New(retry.WithSleeper(noSleep), retry.WithRand(func() float64 { return 0 })),
	}, opts...)
}

func flirt() models.RequestDescriptor {
	return FlirtResponse("gpt-4o-mini", models.AuthDirect, "sk-test", Params{Culture: "western", Message: "Hey! How was your day?"})
}

func TestEndToEndCachesSecondCall(t *testing.T) {
	var upstreamCalls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		_ = json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Model:   "gpt-4o-mini",
			Choices: []models.Choice{{Message: models.ChatMessage{Role: "assistant", Content: models.TextContent(validContent)}}},
			Usage:   &models.Usage{PromptTokens: 120, CompletionTokens: 80, TotalTokens: 200},
		})
	}))
	defer upstream.Close()

	kv, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer kv.Close()

	limiter := fixedLimiter()
	c := memory.New(5*time.Minute, 100)
	o := New(Deps{
		Router:  router.New(kv, router.WithDirectURL(upstream.URL)),
		Cache:   c,
		Limiter: limiter,
	})

	ctx := context.Background()
	res, err := o.GenerateSuggestion(ctx, "", flirt())
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Len(t, res.Analysis.Suggestions, 3)
	require.Equal(t, 70, *res.Analysis.InterestLevel)
	require.Equal(t, float64(9), limiter.Available())
	require.Equal(t, 1, c.Len())

	again, err := o.GenerateSuggestion(ctx, "", flirt())
	require.NoError(t, err)
	require.True(t, again.Cached)
	require.Equal(t, res.Analysis, again.Analysis)
	require.Equal(t, int32(1), upstreamCalls.Load())
	require.Equal(t, float64(9), limiter.Available(), "a cache hit must not take a token")

	total := o.Usage().Total(time.Time{})
	require.Equal(t, 1, total.RequestCount)
	require.Equal(t, int64(200), total.Tokens)
}

func TestFallbackIsNotCached(t *testing.T) {
	fc := &fakeCompleter{fn: replying("I'm sorry, I can't help with that.")}
	o := newOrchestrator(fc)

	res, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.NoError(t, err)
	require.True(t, res.Analysis.Fallback)
	require.Len(t, res.Analysis.Suggestions, 3)

	_, err = o.GenerateSuggestion(context.Background(), "", flirt())
	require.NoError(t, err)
	require.Equal(t, int32(2), fc.calls.Load())
	require.Equal(t, 2, o.Usage().Len(), "tokens spent on unusable output are still recorded")
}

func TestMalformedProviderBodyFallsBack(t *testing.T) {
	fc := &fakeCompleter{fn: func(context.Context, int) (*models.Completion, error) {
		return nil, apierr.New(apierr.ParseError, "malformed completion response")
	}}
	o := newOrchestrator(fc)
	res, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.NoError(t, err)
	require.True(t, res.Analysis.Fallback)
	require.Equal(t, int32(1), fc.calls.Load())
}

func TestCancelInFlight(t *testing.T) {
	started := make(chan struct{})
	fc := &fakeCompleter{fn: func(ctx context.Context, _ int) (*models.Completion, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newOrchestrator(fc)

	var wg sync.WaitGroup
	var gotErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, gotErr = o.GenerateSuggestion(context.Background(), "req-1", flirt())
	}()

	<-started
	require.True(t, o.Cancel("req-1"))
	wg.Wait()
	require.False(t, o.Cancel("req-1"))

	var ae *apierr.Error
	require.ErrorAs(t, gotErr, &ae)
	require.Equal(t, apierr.Cancelled, ae.Code)
	require.False(t, ae.Retryable)
	require.Equal(t, int32(1), fc.calls.Load(), "a cancelled call is not retried")
	require.Equal(t, 0, o.registry.Len())
}

func TestPerAttemptTimeout(t *testing.T) {
	fc := &fakeCompleter{fn: func(ctx context.Context, _ int) (*models.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := retry.DefaultPolicy()
	p.MaxRetries = 1
	o := newOrchestrator(fc, WithTimeouts(20*time.Millisecond, 20*time.Millisecond), WithPolicies(p, p))

	_, err := o.GenerateSuggestion(context.Background(), "", flirt())
	var ae *apierr.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierr.Timeout, ae.Code)
	require.Equal(t, int32(2), fc.calls.Load(), "timeouts are retried")
}

func TestPermanentErrorNotRetried(t *testing.T) {
	fc := &fakeCompleter{fn: func(context.Context, int) (*models.Completion, error) {
		return nil, &apierr.HTTPError{StatusCode: http.StatusUnauthorized}
	}}
	o := newOrchestrator(fc)
	_, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.Equal(t, apierr.InvalidAPIKey, apierr.Classify(err).Code)
	require.Equal(t, int32(1), fc.calls.Load())
	require.Equal(t, 0, o.Queue().Size())
}

func TestOfflineQueuesAndReplays(t *testing.T) {
	fc := &fakeCompleter{fn: replying(validContent)}
	o := newOrchestrator(fc)
	o.SetOnline(false)

	_, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.ErrorIs(t, err, ErrQueued)
	require.Equal(t, apierr.NetworkError, apierr.Classify(err).Code)
	require.Equal(t, 1, o.Queue().Size())
	require.Equal(t, int32(0), fc.calls.Load())

	require.Empty(t, o.Replay(context.Background()), "no replay while offline")

	o.SetOnline(true)
	results := o.Replay(context.Background())
	require.Len(t, results, 1)
	require.Nil(t, results[0].Err)
	require.Len(t, results[0].Result.Analysis.Suggestions, 3)
	require.Equal(t, 0, o.Queue().Size())

	// The replayed result now serves from cache.
	res, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.NoError(t, err)
	require.True(t, res.Cached)
}

func TestNetworkFailureQueuesAfterRetries(t *testing.T) {
	fc := &fakeCompleter{fn: func(context.Context, int) (*models.Completion, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}}
	o := newOrchestrator(fc)

	_, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.ErrorIs(t, err, ErrQueued)
	require.Equal(t, int32(4), fc.calls.Load(), "maxRetries+1 attempts")
	require.Equal(t, 1, o.Queue().Size())
}

func TestReplayEvictsAfterMaxAttempts(t *testing.T) {
	fc := &fakeCompleter{fn: func(context.Context, int) (*models.Completion, error) {
		return nil, &apierr.HTTPError{StatusCode: http.StatusServiceUnavailable}
	}}
	p := retry.DefaultPolicy()
	p.MaxRetries = 0
	o := newOrchestrator(fc, WithPolicies(p, p), WithMaxReplayAttempts(3))
	o.SetOnline(false)
	_, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.ErrorIs(t, err, ErrQueued)
	o.SetOnline(true)

	for pass := 1; pass <= 3; pass++ {
		results := o.Replay(context.Background())
		require.Len(t, results, 1)
		require.Equal(t, apierr.ServerError, results[0].Err.Code)
		require.Equal(t, pass == 3, results[0].Evicted, "pass %d", pass)
	}
	require.Equal(t, 0, o.Queue().Size())
}

func TestReset(t *testing.T) {
	fc := &fakeCompleter{fn: replying(validContent)}
	o := newOrchestrator(fc)
	_, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.NoError(t, err)
	o.SetOnline(false)
	_, _ = o.GenerateSuggestion(context.Background(), "", ConversationStarter("m", models.AuthDirect, "k", Params{Message: "likes hiking"}))
	require.Equal(t, 1, o.Queue().Size())

	require.NoError(t, o.Reset())
	require.Equal(t, 0, o.Queue().Size())
	o.SetOnline(true)
	res, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.NoError(t, err)
	require.False(t, res.Cached)
}

func TestScreenshotRequestUsesImagePolicy(t *testing.T) {
	fc := &fakeCompleter{fn: func(context.Context, int) (*models.Completion, error) {
		return nil, &apierr.HTTPError{StatusCode: http.StatusBadGateway}
	}}
	o := newOrchestrator(fc)
	desc := ScreenshotAnalysis("gpt-4o", models.AuthDirect, "k", "data:image/png;base64,AAAA", Params{Culture: "western"})
	require.True(t, desc.HasImage())

	_, err := o.AnalyzeImage(context.Background(), "", desc)
	require.Equal(t, apierr.ServerError, apierr.Classify(err).Code)
	require.Equal(t, int32(3), fc.calls.Load(), "image calls allow two retries")
}

func TestUsageIsPricedByRequestedModel(t *testing.T) {
	fc := &fakeCompleter{fn: func(context.Context, int) (*models.Completion, error) {
		return &models.Completion{
			Content: validContent,
			Model:   "gpt-4o-mini-2024-07-18",
			Usage:   models.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000},
		}, nil
	}}
	o := New(Deps{
		Router:  fc,
		Limiter: fixedLimiter(),
		Usage: usage.New(10, usage.WithPricing([]models.ModelPricing{
			{Model: "gpt-4o-mini", PromptCost: 0.15, CompletionCost: 0.6},
		})),
		Retry: retry.New(retry.WithSleeper(noSleep)),
	})

	_, err := o.GenerateSuggestion(context.Background(), "", flirt())
	require.NoError(t, err)

	recs := o.Usage().Records()
	require.Len(t, recs, 1)
	require.Equal(t, "gpt-4o-mini", recs[0].Model)
	total := o.Usage().Total(time.Time{})
	require.Equal(t, int64(2000), total.Tokens)
	require.InDelta(t, 0.75, total.Cost, 1e-9)
}

func TestQueuedRequestReplaysInLaterProcess(t *testing.T) {
	kv, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer kv.Close()

	down := &fakeCompleter{fn: func(context.Context, int) (*models.Completion, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}}
	first := New(Deps{
		Router:  down,
		Limiter: fixedLimiter(),
		Queue:   queue.New(10, queue.WithStore(kv)),
		Retry:   retry.New(retry.WithSleeper(noSleep)),
	})
	_, err = first.GenerateSuggestion(context.Background(), "", flirt())
	require.ErrorIs(t, err, ErrQueued)

	q := queue.New(10, queue.WithStore(kv))
	require.NoError(t, q.Load(context.Background()))
	require.Equal(t, 1, q.Size())

	var gotKey string
	up := &fakeCompleter{}
	up.fn = replying(validContent)
	second := New(Deps{
		Router: completerFunc(func(ctx context.Context, d models.RequestDescriptor) (*models.Completion, error) {
			gotKey = d.APIKey
			return up.Complete(ctx, d)
		}),
		Limiter: fixedLimiter(),
		Queue:   q,
		Retry:   retry.New(retry.WithSleeper(noSleep)),
	})
	results := second.Replay(context.Background())
	require.Len(t, results, 1)
	require.Nil(t, results[0].Err)
	require.Empty(t, gotKey, "keys are not persisted with queued requests")

	after := queue.New(10, queue.WithStore(kv))
	require.NoError(t, after.Load(context.Background()))
	require.Equal(t, 0, after.Size())
}

type completerFunc func(context.Context, models.RequestDescriptor) (*models.Completion, error)

func (f completerFunc) Complete(ctx context.Context, d models.RequestDescriptor) (*models.Completion, error) {
	return f(ctx, d)
}
