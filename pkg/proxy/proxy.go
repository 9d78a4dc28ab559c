package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/pario-ai/cupid/pkg/budget"
	"github.com/pario-ai/cupid/pkg/config"
	"github.com/pario-ai/cupid/pkg/models"
	"github.com/pario-ai/cupid/pkg/tracker"
)

// Server is the first-party proxy: it registers devices, enforces per-tier
// daily quotas and forwards chat completions with the shared upstream key.
type Server struct {
	cfg      config.ServerConfig
	tracker  tracker.Tracker
	enforcer *budget.Enforcer
	limiters *xsync.Map[string, *rate.Limiter]
	client   *http.Client
	mux      *http.ServeMux
}

// New creates a proxy Server wired with all dependencies.
func New(cfg config.ServerConfig, t tracker.Tracker, e *budget.Enforcer) *Server {
	s := &Server{
		cfg:      cfg,
		tracker:  t,
		enforcer: e,
		limiters: xsync.NewMap[string, *rate.Limiter](),
		client:   &http.Client{Timeout: 90 * time.Second},
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/proxy/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("/usage", s.handleUsage)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the proxy server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("cupid proxy listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// upstreamResult holds the response from the upstream provider.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

// doUpstreamRequest sends a request to the upstream provider and returns the result.
func (s *Server) doUpstreamRequest(ctx context.Context, path string, headers map[string]string, body []byte) (*upstreamResult, error) {
	target, err := url.Parse(s.cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target.String(), "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		header:     resp.Header,
	}, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req models.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || strings.TrimSpace(req.DeviceID) == "" {
		writeJSONError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	acct, created, err := s.tracker.RegisterDevice(r.Context(), req.DeviceID, s.cfg.DefaultTier)
	if err != nil {
		log.Printf("register device: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	if created {
		log.Printf("registered user %s on tier %s", acct.UserID, acct.Tier)
	}

	st, err := s.enforcer.Status(r.Context(), acct.UserID, acct.Tier)
	if err != nil {
		log.Printf("budget status: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "budget status failed")
		return
	}
	writeJSON(w, http.StatusOK, models.RegisterResponse{
		Token:          acct.Token,
		UserID:         acct.UserID,
		Tier:           acct.Tier,
		DailyLimit:     st.Policy.MaxRequests,
		UsedToday:      st.Used,
		RemainingToday: st.Remaining,
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	acct, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if !s.limiter(acct.UserID).Allow() {
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var req models.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" || len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Reserve a quota slot before forwarding so concurrent requests cannot
	// overrun it; the slot is settled with token counts or released.
	slot, err := s.enforcer.Reserve(r.Context(), acct.Tier, models.UsageRecord{
		UserID:      acct.UserID,
		RequestType: models.RequestType(r.Header.Get("X-Cupid-Request-Type")),
		Model:       req.Model,
	})
	if err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			writeJSONError(w, http.StatusForbidden, "daily limit reached")
			return
		}
		log.Printf("budget reserve: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "budget check failed")
		return
	}

	headers := map[string]string{
		"Authorization": "Bearer " + s.cfg.UpstreamAPIKey,
	}
	result, err := s.doUpstreamRequest(r.Context(), "/chat/completions", headers, body)
	if err != nil {
		s.release(slot)
		log.Printf("upstream failed for %s: %v", acct.UserID, err)
		writeJSONError(w, http.StatusBadGateway, "upstream provider failed")
		return
	}

	if result.statusCode == http.StatusOK {
		var chatResp models.ChatCompletionResponse
		var rec models.UsageRecord
		if err := json.Unmarshal(result.body, &chatResp); err == nil && chatResp.Usage != nil {
			rec.Model = chatResp.Model
			rec.PromptTokens = chatResp.Usage.PromptTokens
			rec.CompletionTokens = chatResp.Usage.CompletionTokens
			rec.TotalTokens = chatResp.Usage.TotalTokens
		}
		if err := s.tracker.Settle(context.WithoutCancel(r.Context()), slot, rec); err != nil {
			log.Printf("record usage: %v", err)
		}
	} else {
		s.release(slot)
		log.Printf("upstream returned %d for %s", result.statusCode, acct.UserID)
	}

	// Forward response headers and body
	for k, vals := range result.header {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	if st, err := s.enforcer.Status(r.Context(), acct.UserID, acct.Tier); err == nil {
		w.Header().Set("X-Cupid-Remaining", strconv.Itoa(st.Remaining))
	}
	w.WriteHeader(result.statusCode)
	w.Write(result.body)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	acct, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	st, err := s.enforcer.Status(r.Context(), acct.UserID, acct.Tier)
	if err != nil {
		log.Printf("budget status: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "budget status failed")
		return
	}
	writeJSON(w, http.StatusOK, models.ProxyUsage{
		UserID:         acct.UserID,
		Tier:           acct.Tier,
		DailyLimit:     st.Policy.MaxRequests,
		UsedToday:      st.Used,
		RemainingToday: st.Remaining,
		TokensToday:    st.UsedTokens,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// release frees a reserved quota slot for a call that did not complete.
func (s *Server) release(slot int64) {
	if err := s.tracker.Release(context.Background(), slot); err != nil {
		log.Printf("release quota slot: %v", err)
	}
}

// authenticate resolves the bearer token or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (models.Account, bool) {
	token := extractAPIKey(r)
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing token")
		return models.Account{}, false
	}
	acct, err := s.tracker.AccountByToken(r.Context(), token)
	if errors.Is(err, tracker.ErrNotFound) {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return models.Account{}, false
	}
	if err != nil {
		log.Printf("resolve token: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
		return models.Account{}, false
	}
	return acct, true
}

// limiter returns the per-user request limiter, creating it on first use.
// A non-positive rate disables limiting.
func (s *Server) limiter(userID string) *rate.Limiter {
	l, _ := s.limiters.LoadOrCompute(userID, func() (*rate.Limiter, bool) {
		if s.cfg.RequestsPerSec <= 0 {
			return rate.NewLimiter(rate.Inf, 0), false
		}
		burst := s.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		return rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSec), burst), false
	})
	return l
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"cupid_error","code":%d}}`, message, code)
}
