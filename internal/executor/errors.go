package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a provider call outcome into a closed set.
type ErrorKind string

const (
	KindAuthMissing       ErrorKind = "auth_missing"
	KindRateLimitCooldown ErrorKind = "rate_limit_cooldown"
	KindRateLimitUpstream ErrorKind = "rate_limit_upstream"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindProvider5xx       ErrorKind = "provider_5xx"
	KindProvider4xx       ErrorKind = "provider_4xx"
	KindFallbackFailed    ErrorKind = "fallback_failed"
	KindNetwork           ErrorKind = "network"
)

// ProviderError carries the classified kind plus the upstream detail.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	Model      string
	StatusCode int
	Message    string
	RetryAfter int // seconds, only for rate-limit kinds
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s/%s status %d: %s", e.Kind, e.Provider, e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s/%s: %s", e.Kind, e.Provider, e.Model, e.Message)
}

// Retryable reports whether the executor may retry the same attempt with
// backoff. Rate limits are never retried here; they go to fallback handling.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindProvider5xx, KindNetwork:
		return true
	default:
		return false
	}
}

// FallbackEligible reports whether the error class permits a fallback
// attempt. Non-429 4xx errors surface directly.
func (e *ProviderError) FallbackEligible() bool {
	switch e.Kind {
	case KindRateLimitUpstream, KindProvider5xx, KindNetwork, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the kind onto the status surfaced to the caller.
func (e *ProviderError) HTTPStatus() int {
	switch e.Kind {
	case KindAuthMissing:
		return http.StatusUnauthorized
	case KindRateLimitCooldown, KindRateLimitUpstream:
		return http.StatusTooManyRequests
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindProvider4xx:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return http.StatusBadRequest
	case KindFallbackFailed:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// providerErrorBody is the error envelope most providers return.
type providerErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// classifyResponse maps an upstream non-2xx response into a ProviderError.
func classifyResponse(provider, model string, status int, body []byte, retryAfter int) *ProviderError {
	msg := extractErrorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return &ProviderError{
			Kind:       KindRateLimitUpstream,
			Provider:   provider,
			Model:      model,
			StatusCode: status,
			Message:    msg,
			RetryAfter: retryAfter,
		}
	case status >= 500:
		return &ProviderError{
			Kind:       KindProvider5xx,
			Provider:   provider,
			Model:      model,
			StatusCode: status,
			Message:    msg,
		}
	default:
		return &ProviderError{
			Kind:       KindProvider4xx,
			Provider:   provider,
			Model:      model,
			StatusCode: status,
			Message:    msg,
		}
	}
}

// classifyTransport maps a transport-level failure. Context cancellation
// counts as a breaker failure but stays distinguishable for cooldown logic.
func classifyTransport(provider, model string, err error) *ProviderError {
	msg := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = "request cancelled: " + msg
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "timeout: " + msg
	}
	return &ProviderError{
		Kind:     KindNetwork,
		Provider: provider,
		Model:    model,
		Message:  msg,
	}
}

func extractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return "empty error body"
	}
	var envelope providerErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
