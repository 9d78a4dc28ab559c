// Package orchestrator composes the cache, rate limiter, auth router, retry
// executor, cancellation registry, offline queue, parser and usage ledger into
// the public suggestion and image analysis operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pario-ai/cupid/pkg/apierr"
	"github.com/pario-ai/cupid/pkg/cache"
	"github.com/pario-ai/cupid/pkg/cancel"
	"github.com/pario-ai/cupid/pkg/models"
	"github.com/pario-ai/cupid/pkg/parser"
	"github.com/pario-ai/cupid/pkg/queue"
	"github.com/pario-ai/cupid/pkg/ratelimit"
	"github.com/pario-ai/cupid/pkg/retry"
	"github.com/pario-ai/cupid/pkg/usage"
)

// Default per-attempt deadlines.
const (
	DefaultTextTimeout  = 30 * time.Second
	DefaultImageTimeout = 60 * time.Second

	DefaultMaxReplayAttempts = 3
)

// ErrQueued marks a request that was not sent but held for replay. It is
// wrapped inside the NETWORK_ERROR returned to the caller.
var ErrQueued = errors.New("request queued for replay")

// Completer performs one chat call. *router.Router implements it.
type Completer interface {
	Complete(ctx context.Context, desc models.RequestDescriptor) (*models.Completion, error)
}

// Deps are the collaborators an Orchestrator owns. Router is required; nil
// Cache disables caching and the remaining nil fields get default instances.
type Deps struct {
	Router   Completer
	Cache    cache.Cache
	Limiter  *ratelimit.Limiter
	Registry *cancel.Registry
	Queue    *queue.Queue
	Usage    *usage.Tracker
	Retry    *retry.Executor
}

// Result is a successful analysis.
type Result struct {
	Analysis models.AnalysisResult
	// Cached is set when no network call was made.
	Cached bool
	Usage  models.Usage
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	router   Completer
	cache    cache.Cache
	limiter  *ratelimit.Limiter
	registry *cancel.Registry
	queue    *queue.Queue
	usage    *usage.Tracker
	retry    *retry.Executor

	textPolicy        retry.Policy
	imagePolicy       retry.Policy
	textTimeout       time.Duration
	imageTimeout      time.Duration
	cacheTTL          time.Duration
	maxReplayAttempts int
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPolicies sets the retry policies for text and image calls.
func WithPolicies(text, image retry.Policy) Option {
	return func(o *Orchestrator) {
		o.textPolicy = text
		o.imagePolicy = image
	}
}

// WithTimeouts sets the per-attempt deadlines for text and image calls.
func WithTimeouts(text, image time.Duration) Option {
	return func(o *Orchestrator) {
		o.textTimeout = text
		o.imageTimeout = image
	}
}

// WithCacheTTL sets the TTL passed on cache writes.
func WithCacheTTL(ttl time.Duration) Option { return func(o *Orchestrator) { o.cacheTTL = ttl } }

// WithMaxReplayAttempts sets how many failed replays evict a queued request.
func WithMaxReplayAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxReplayAttempts = n }
}

// New wires an Orchestrator.
func New(d Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		router:            d.Router,
		cache:             d.Cache,
		limiter:           d.Limiter,
		registry:          d.Registry,
		queue:             d.Queue,
		usage:             d.Usage,
		retry:             d.Retry,
		textPolicy:        retry.DefaultPolicy(),
		imagePolicy:       retry.ImagePolicy(),
		textTimeout:       DefaultTextTimeout,
		imageTimeout:      DefaultImageTimeout,
		cacheTTL:          cache.DefaultTTL,
		maxReplayAttempts: DefaultMaxReplayAttempts,
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(ratelimit.DefaultMaxTokens, ratelimit.DefaultRefillRate)
	}
	if o.registry == nil {
		o.registry = cancel.NewRegistry()
	}
	if o.queue == nil {
		o.queue = queue.New(queue.DefaultMaxSize)
	}
	if o.usage == nil {
		o.usage = usage.New(usage.DefaultCapacity)
	}
	if o.retry == nil {
		o.retry = retry.New()
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// GenerateSuggestion runs a text request. id names the request for Cancel;
// an empty id gets a generated one.
func (o *Orchestrator) GenerateSuggestion(ctx context.Context, id string, desc models.RequestDescriptor) (*Result, error) {
	return o.execute(ctx, id, desc, o.textPolicy, o.textTimeout, true)
}

// AnalyzeImage runs a vision request with the image retry policy and deadline.
func (o *Orchestrator) AnalyzeImage(ctx context.Context, id string, desc models.RequestDescriptor) (*Result, error) {
	return o.execute(ctx, id, desc, o.imagePolicy, o.imageTimeout, true)
}

// Cancel aborts the in-flight request registered under id.
func (o *Orchestrator) Cancel(id string) bool {
	return o.registry.Cancel(id)
}

// SetOnline records connectivity. Requests made while offline are queued.
func (o *Orchestrator) SetOnline(online bool) { o.queue.SetOnline(online) }

// Queue exposes the offline queue.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Usage exposes the usage ledger.
func (o *Orchestrator) Usage() *usage.Tracker { return o.usage }

// Reset cancels every in-flight request and drops cached, queued and rate
// limiter state. The usage ledger is kept.
func (o *Orchestrator) Reset() error {
	n := o.registry.CancelAll()
	if n > 0 {
		log.Printf("reset: cancelled %d in-flight requests", n)
	}
	o.queue.Clear()
	o.limiter.Reset()
	if o.cache != nil {
		if err := o.cache.Clear(); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, id string, desc models.RequestDescriptor, policy retry.Policy, timeout time.Duration, mayQueue bool) (*Result, error) {
	cacheable := o.cache != nil && len(desc.CacheKeyParams) > 0
	if cacheable {
		if hit, ok := o.cache.Get(desc.RequestType, desc.CacheKeyParams); ok {
			return &Result{Analysis: hit, Cached: true}, nil
		}
	}

	if mayQueue && !o.queue.IsOnline() {
		return nil, o.enqueue(desc, apierr.New(apierr.NetworkError, "offline"))
	}

	h := o.registry.Create(ctx, id)
	defer o.registry.Cleanup(h)

	if err := o.limiter.Acquire(h.Context()); err != nil {
		return nil, apierr.Classify(err)
	}

	completion, err := retry.Do(h.Context(), o.retry, policy, func(ctx context.Context) (*models.Completion, error) {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return o.router.Complete(actx, desc)
	})
	if err != nil {
		ae := apierr.Classify(err)
		switch {
		case ae.Code == apierr.ParseError:
			log.Printf("%s: unreadable completion, using fallback: %s", desc.RequestType, ae.Message)
			return &Result{Analysis: Fallback(desc.RequestType)}, nil
		case ae.Code == apierr.NetworkError && mayQueue:
			return nil, o.enqueue(desc, ae)
		}
		return nil, ae
	}

	// Price by the requested model; providers echo dated snapshot names.
	model := desc.Model
	if model == "" {
		model = completion.Model
	}
	o.usage.Record(models.UsageRecord{
		RequestType:      desc.RequestType,
		Model:            model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		TotalTokens:      completion.Usage.TotalTokens,
	})

	analysis := parser.Parse(completion.Content)
	if analysis == nil {
		log.Printf("%s: model output did not parse, using fallback", desc.RequestType)
		return &Result{Analysis: Fallback(desc.RequestType), Usage: completion.Usage}, nil
	}

	if cacheable {
		if err := o.cache.Set(desc.RequestType, desc.CacheKeyParams, *analysis, o.cacheTTL); err != nil {
			log.Printf("cache set failed: %v", err)
		}
	}
	return &Result{Analysis: *analysis, Usage: completion.Usage}, nil
}

func (o *Orchestrator) enqueue(desc models.RequestDescriptor, cause *apierr.Error) *apierr.Error {
	qid := o.queue.Add(desc.RequestType, desc)
	log.Printf("%s: queued %s for replay (%s)", desc.RequestType, qid, cause.Code)
	return &apierr.Error{
		Code:       apierr.NetworkError,
		Message:    cause.Message,
		HTTPStatus: cause.HTTPStatus,
		Retryable:  true,
		Err:        fmt.Errorf("%w: %s", ErrQueued, qid),
	}
}
