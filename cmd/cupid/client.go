package main

import (
	"context"
	"fmt"

	"github.com/pario-ai/cupid/pkg/cache"
	"github.com/pario-ai/cupid/pkg/cache/memory"
	cachepkg "github.com/pario-ai/cupid/pkg/cache/sqlite"
	"github.com/pario-ai/cupid/pkg/config"
	"github.com/pario-ai/cupid/pkg/models"
	"github.com/pario-ai/cupid/pkg/orchestrator"
	"github.com/pario-ai/cupid/pkg/queue"
	"github.com/pario-ai/cupid/pkg/ratelimit"
	"github.com/pario-ai/cupid/pkg/retry"
	"github.com/pario-ai/cupid/pkg/router"
	"github.com/pario-ai/cupid/pkg/store"
	"github.com/pario-ai/cupid/pkg/usage"
)

// client bundles everything a client-side command needs.
type client struct {
	cfg    *config.Config
	kv     *store.SQLiteStore
	router *router.Router
	orch   *orchestrator.Orchestrator
	queue  *queue.Queue
	closer []func() error
}

// keyedRouter fills in the configured API key for direct-mode descriptors
// restored from the offline queue, which is persisted without keys.
type keyedRouter struct {
	*router.Router
	apiKey string
}

func (k keyedRouter) Complete(ctx context.Context, desc models.RequestDescriptor) (*models.Completion, error) {
	if desc.AuthMode == models.AuthDirect && desc.APIKey == "" {
		desc.APIKey = k.apiKey
	}
	return k.Router.Complete(ctx, desc)
}

func (c *client) Close() {
	for i := len(c.closer) - 1; i >= 0; i-- {
		_ = c.closer[i]()
	}
}

func newClient(cfg *config.Config) (*client, error) {
	kv, err := store.New(cfg.Client.StatePath)
	if err != nil {
		return nil, fmt.Errorf("init state: %w", err)
	}
	c := &client{cfg: cfg, kv: kv, closer: []func() error{kv.Close}}

	c.router = router.New(kv,
		router.WithDirectURL(cfg.Client.DirectURL),
		router.WithProxyURL(cfg.Client.ProxyURL),
	)

	var rc cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.Persist {
			pc, err := cachepkg.New(cfg.Cache.DBPath, cfg.Cache.TTL, cfg.Cache.MaxEntries)
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("init cache: %w", err)
			}
			c.closer = append(c.closer, pc.Close)
			rc = pc
		} else {
			rc = memory.New(cfg.Cache.TTL, cfg.Cache.MaxEntries)
		}
	}

	text := retry.DefaultPolicy()
	text.MaxRetries = cfg.Retry.MaxRetries
	text.BaseDelay = cfg.Retry.BaseDelay
	text.MaxDelay = cfg.Retry.MaxDelay
	image := text
	image.MaxRetries = cfg.Retry.ImageMaxRetries

	c.queue = queue.New(cfg.Queue.MaxSize, queue.WithStore(kv))
	if err := c.queue.Load(context.Background()); err != nil {
		c.Close()
		return nil, fmt.Errorf("load offline queue: %w", err)
	}

	c.orch = orchestrator.New(orchestrator.Deps{
		Router:  keyedRouter{Router: c.router, apiKey: cfg.Client.APIKey},
		Cache:   rc,
		Limiter: ratelimit.New(cfg.RateLimit.MaxTokens, cfg.RateLimit.RefillPerSecond),
		Queue:   c.queue,
		Usage:   usage.New(cfg.Usage.Capacity, usage.WithPricing(cfg.Pricing)),
	},
		orchestrator.WithPolicies(text, image),
		orchestrator.WithTimeouts(cfg.Timeouts.Text, cfg.Timeouts.Image),
		orchestrator.WithCacheTTL(cfg.Cache.TTL),
		orchestrator.WithMaxReplayAttempts(cfg.Queue.MaxReplayAttempts),
	)
	return c, nil
}
