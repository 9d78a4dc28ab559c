// Package router sends chat calls either directly to the upstream provider
// with a caller key or through the first-party proxy with a session token.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/cupid/pkg/apierr"
	"github.com/pario-ai/cupid/pkg/models"
	"github.com/pario-ai/cupid/pkg/store"
)

// Default endpoints.
const (
	DefaultDirectURL = "https://api.openai.com/v1"
	DefaultProxyURL  = "http://localhost:8090"
)

// registerTimeout bounds the shared registration exchange, which runs
// detached from any single caller.
const registerTimeout = 30 * time.Second

// ErrNoSession is returned by Session when no proxy session is held.
var ErrNoSession = errors.New("no proxy session")

// Router resolves the auth mode of each call and performs the HTTP exchange.
type Router struct {
	directURL string
	proxyURL  string
	client    *http.Client
	kv        store.KV

	register singleflight.Group
	mu       sync.RWMutex
	session  *models.ProxySession
}

// Option customizes a Router.
type Option func(*Router)

// WithDirectURL sets the upstream base URL used in direct mode.
func WithDirectURL(u string) Option { return func(r *Router) { r.directURL = strings.TrimRight(u, "/") } }

// WithProxyURL sets the first-party proxy base URL.
func WithProxyURL(u string) Option { return func(r *Router) { r.proxyURL = strings.TrimRight(u, "/") } }

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option { return func(r *Router) { r.client = c } }

// New creates a Router persisting proxy state in kv.
func New(kv store.KV, opts ...Option) *Router {
	r := &Router{
		directURL: DefaultDirectURL,
		proxyURL:  DefaultProxyURL,
		client:    http.DefaultClient,
		kv:        kv,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Complete performs one chat completion in the descriptor's auth mode and
// returns the provider-agnostic result.
func (r *Router) Complete(ctx context.Context, desc models.RequestDescriptor) (*models.Completion, error) {
	body, err := json.Marshal(desc.ChatRequest())
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var url, bearer string
	var rt models.RequestType
	switch desc.AuthMode {
	case models.AuthDirect:
		if desc.APIKey == "" {
			return nil, apierr.New(apierr.InvalidAPIKey, "missing API key")
		}
		url, bearer = r.directURL+"/chat/completions", desc.APIKey
	case models.AuthProxy, "":
		sess, err := r.EnsureSession(ctx)
		if err != nil {
			return nil, err
		}
		url, bearer = r.proxyURL+"/proxy/chat/completions", sess.Token
		rt = desc.RequestType
	default:
		return nil, fmt.Errorf("unknown auth mode %q", desc.AuthMode)
	}

	respBody, err := r.do(ctx, http.MethodPost, url, bearer, body, rt)
	if err != nil {
		var he *apierr.HTTPError
		if desc.AuthMode != models.AuthDirect && errors.As(err, &he) && he.StatusCode == http.StatusUnauthorized {
			// The proxy no longer knows this token; register afresh next time.
			r.forget(ctx, bearer)
		}
		return nil, err
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apierr.New(apierr.ParseError, "malformed completion response")
	}
	if len(resp.Choices) == 0 {
		return nil, apierr.New(apierr.ParseError, "completion response has no choices")
	}
	out := &models.Completion{
		Content: resp.Choices[0].Message.Content.String(),
		Model:   resp.Model,
	}
	if out.Model == "" {
		out.Model = desc.Model
	}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	}
	return out, nil
}

// Session returns the held proxy session, loading it from the store if needed.
func (r *Router) Session(ctx context.Context) (models.ProxySession, error) {
	r.mu.RLock()
	if r.session != nil {
		s := *r.session
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return *r.session, nil
	}
	s, err := store.LoadSession(ctx, r.kv)
	if errors.Is(err, store.ErrNotFound) {
		return models.ProxySession{}, ErrNoSession
	}
	if err != nil {
		return models.ProxySession{}, err
	}
	r.session = &s
	return s, nil
}

// EnsureSession returns the proxy session, registering the device once if
// none is held. Interleaved callers share a single registration exchange;
// it runs detached from the caller that started it, so each caller only
// stops waiting when its own ctx ends.
func (r *Router) EnsureSession(ctx context.Context) (models.ProxySession, error) {
	s, err := r.Session(ctx)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNoSession) {
		return models.ProxySession{}, err
	}

	ch := r.register.DoChan("register", func() (any, error) {
		regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registerTimeout)
		defer cancel()
		if s, err := r.Session(regCtx); err == nil {
			return s, nil
		}
		return r.registerDevice(regCtx)
	})
	select {
	case <-ctx.Done():
		return models.ProxySession{}, context.Cause(ctx)
	case res := <-ch:
		if res.Err != nil {
			return models.ProxySession{}, res.Err
		}
		return res.Val.(models.ProxySession), nil
	}
}

func (r *Router) registerDevice(ctx context.Context) (models.ProxySession, error) {
	deviceID, err := store.DeviceID(ctx, r.kv)
	if err != nil {
		return models.ProxySession{}, fmt.Errorf("device id: %w", err)
	}
	body, err := json.Marshal(models.RegisterRequest{DeviceID: deviceID})
	if err != nil {
		return models.ProxySession{}, fmt.Errorf("encode register request: %w", err)
	}
	respBody, err := r.do(ctx, http.MethodPost, r.proxyURL+"/auth/register", "", body, "")
	if err != nil {
		return models.ProxySession{}, err
	}

	var reg models.RegisterResponse
	if err := json.Unmarshal(respBody, &reg); err != nil || reg.Token == "" {
		return models.ProxySession{}, apierr.New(apierr.ParseError, "malformed registration response")
	}
	sess := reg.Session()
	r.mu.Lock()
	if err := store.SaveSession(ctx, r.kv, sess); err != nil {
		r.mu.Unlock()
		return models.ProxySession{}, fmt.Errorf("persist session: %w", err)
	}
	r.session = &sess
	r.mu.Unlock()
	log.Printf("registered proxy user %s (tier %s, daily limit %d)", sess.UserID, sess.Tier, sess.DailyLimit)
	return sess, nil
}

// Usage returns the server-reported quota state for the current session.
func (r *Router) Usage(ctx context.Context) (*models.ProxyUsage, error) {
	sess, err := r.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	respBody, err := r.do(ctx, http.MethodGet, r.proxyURL+"/usage", sess.Token, nil, "")
	if err != nil {
		return nil, err
	}
	var u models.ProxyUsage
	if err := json.Unmarshal(respBody, &u); err != nil {
		return nil, apierr.New(apierr.ParseError, "malformed usage response")
	}
	return &u, nil
}

// CheckHealth reports whether the proxy answers its liveness probe.
func (r *Router) CheckHealth(ctx context.Context) bool {
	_, err := r.do(ctx, http.MethodGet, r.proxyURL+"/health", "", nil, "")
	if err != nil {
		log.Printf("proxy health check failed: %v", err)
		return false
	}
	return true
}

// ClearSession drops the session in memory and in the store. The device id
// is kept so a later registration maps to the same device.
func (r *Router) ClearSession(ctx context.Context) error {
	r.mu.Lock()
	r.session = nil
	r.mu.Unlock()
	return store.DeleteSession(ctx, r.kv)
}

// forget drops the session only while it still carries the rejected token,
// so a session registered meanwhile by another caller survives.
func (r *Router) forget(ctx context.Context, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := r.session
	if held == nil {
		s, err := store.LoadSession(ctx, r.kv)
		if err != nil {
			return
		}
		held = &s
	}
	if held.Token != token {
		return
	}
	r.session = nil
	if err := store.DeleteSession(ctx, r.kv); err != nil {
		log.Printf("clear rejected session: %v", err)
	}
}

// do sends one request and returns the body of a 2xx response. Any other
// status comes back as *apierr.HTTPError; transport failures are returned as is.
func (r *Router) do(ctx context.Context, method, url, bearer string, body []byte, rt models.RequestType) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if rt != "" {
		req.Header.Set("X-Cupid-Request-Type", string(rt))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apierr.HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
