// Package apierr is the single classification boundary between transport
// failures and the closed error taxonomy callers match on.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Code is a member of the closed error taxonomy.
type Code string

const (
	NetworkError      Code = "NETWORK_ERROR"
	Timeout           Code = "TIMEOUT"
	RateLimited       Code = "RATE_LIMITED"
	InvalidAPIKey     Code = "INVALID_API_KEY"
	InsufficientQuota Code = "INSUFFICIENT_QUOTA"
	ServerError       Code = "SERVER_ERROR"
	ParseError        Code = "PARSE_ERROR"
	Cancelled         Code = "CANCELLED"
	UnknownError      Code = "UNKNOWN_ERROR"
)

// Codes lists every code in the taxonomy.
var Codes = []Code{
	NetworkError, Timeout, RateLimited, InvalidAPIKey, InsufficientQuota,
	ServerError, ParseError, Cancelled, UnknownError,
}

// Retryable reports whether the taxonomy marks the code as transient.
func (c Code) Retryable() bool {
	switch c {
	case NetworkError, Timeout, RateLimited, ServerError:
		return true
	default:
		return false
	}
}

// ErrCancelled is the cancellation cause used by the cancellation registry.
var ErrCancelled = errors.New("request cancelled")

// Error is the classified, immutable error surfaced to callers.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Retryable  bool
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds an Error whose retryability follows the taxonomy.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.Retryable()}
}

// HTTPError is returned by transports when the server answered with a
// non-success status.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Classify maps any error to the taxonomy. It is a pure function of err.
// A nil error yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return &Error{Code: Cancelled, Message: "request was cancelled", Err: err}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: Timeout, Message: "request timed out", Retryable: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Code: Timeout, Message: "request timed out", Retryable: true, Err: err}
		}
		return &Error{Code: NetworkError, Message: "network request failed", Retryable: true, Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &Error{Code: NetworkError, Message: "connection closed", Retryable: true, Err: err}
	}

	return &Error{Code: UnknownError, Message: nonEmpty(err.Error(), "unexpected error"), Err: err}
}

func classifyStatus(h *HTTPError, err error) *Error {
	e := &Error{HTTPStatus: h.StatusCode, Err: err}
	switch h.StatusCode {
	case http.StatusUnauthorized:
		e.Code, e.Message = InvalidAPIKey, "invalid API key"
	case http.StatusTooManyRequests:
		e.Code, e.Message, e.Retryable = RateLimited, "rate limited by provider", true
	case http.StatusPaymentRequired, http.StatusForbidden:
		e.Code, e.Message = InsufficientQuota, "insufficient quota"
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		e.Code, e.Message, e.Retryable = ServerError, "upstream server error", true
	default:
		e.Code = UnknownError
		e.Message = nonEmpty(bodyMessage(h.Body), fmt.Sprintf("unexpected status %d", h.StatusCode))
	}
	return e
}

// bodyMessage pulls a human-readable message out of an error body. It
// understands {"error":{"message":..}}, {"error":".."} and {"message":".."},
// and falls back to the trimmed raw body.
func bodyMessage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	var shaped struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &shaped); err == nil {
		if len(shaped.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if json.Unmarshal(shaped.Error, &flat) == nil && flat != "" {
				return flat
			}
		}
		if shaped.Message != "" {
			return shaped.Message
		}
	}
	return truncate(body, 500)
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
