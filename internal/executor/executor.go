// Package executor performs the outbound provider call for a routing
// decision, with circuit breakers, per-user cooldowns, and one fallback.
package executor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sibyllinesoft/heimdall-sub002/internal/circuitbreaker"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

const breakerOperation = "chat_completion"

// cheapOpenRouterModel is the substitute for Anthropic 429s on plain prompts.
const cheapOpenRouterModel = "deepseek/deepseek-chat"

// Result is the outcome of Execute: either a successful call result or a
// classified error, plus execution metadata for the metrics engine.
type Result struct {
	Provider      core.ProviderKind `json:"provider"`
	Model         string            `json:"model"`
	Success       bool              `json:"success"`
	Response      *CallResult       `json:"-"`
	Err           *ProviderError    `json:"-"`
	FallbackUsed  bool              `json:"fallback_used"`
	ExecutionTime time.Duration     `json:"execution_time"`
	Anthropic429  bool              `json:"anthropic_429"`
	RetryAfter    int               `json:"retry_after,omitempty"`
}

// Executor orchestrates provider calls. It owns the breaker manager, the
// Anthropic cooldown table, and per-provider request counters.
type Executor struct {
	client    *Client
	breakers  *circuitbreaker.Manager
	cooldowns *CooldownTable
	logger    *log.Logger

	retryBase time.Duration
	maxTries  uint64

	countMu  sync.Mutex
	requests map[core.ProviderKind]uint64
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetryBase overrides the initial backoff interval.
func WithRetryBase(d time.Duration) Option {
	return func(e *Executor) { e.retryBase = d }
}

// New builds an executor around the provider client.
func New(client *Client, breakers *circuitbreaker.Manager, cooldowns *CooldownTable, opts ...Option) *Executor {
	e := &Executor{
		client:    client,
		breakers:  breakers,
		cooldowns: cooldowns,
		logger:    log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
		retryBase: 100 * time.Millisecond,
		maxTries:  2,
		requests:  make(map[core.ProviderKind]uint64),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Breakers exposes the breaker manager for the dashboard.
func (e *Executor) Breakers() *circuitbreaker.Manager { return e.breakers }

// Cooldowns exposes the cooldown table for the dashboard and admin surface.
func (e *Executor) Cooldowns() *CooldownTable { return e.cooldowns }

// RequestCounts returns a copy of the per-provider request counters.
func (e *Executor) RequestCounts() map[core.ProviderKind]uint64 {
	e.countMu.Lock()
	defer e.countMu.Unlock()

	out := make(map[core.ProviderKind]uint64, len(e.requests))
	for k, v := range e.requests {
		out[k] = v
	}
	return out
}

func (e *Executor) countRequest(kind core.ProviderKind) {
	e.countMu.Lock()
	e.requests[kind]++
	e.countMu.Unlock()
}

// Execute runs the decision against its provider, falling back at most once.
func (e *Executor) Execute(ctx context.Context, d *core.Decision, req *core.Request, f *core.RequestFeatures, auth *core.AuthInfo) *Result {
	start := time.Now()
	result := &Result{Provider: d.Kind, Model: d.Model}

	// Cooldown short-circuit: no upstream call for a cooled-down user.
	if d.Kind == core.ProviderAnthropic && auth != nil && auth.UserID != "" {
		if cd, active := e.cooldowns.Check(auth.UserID); active {
			result.Err = &ProviderError{
				Kind:       KindRateLimitCooldown,
				Provider:   string(d.Kind),
				Model:      d.Model,
				Message:    "user in cooldown: " + cd.Reason,
				RetryAfter: int(time.Until(cd.ExpiresAt) / time.Second),
			}
			result.RetryAfter = result.Err.RetryAfter
			result.ExecutionTime = time.Since(start)
			return result
		}
	}

	callRes, provErr := e.attempt(ctx, d, req, auth)
	if provErr == nil {
		result.Success = true
		result.Response = callRes
		result.ExecutionTime = time.Since(start)
		return result
	}

	e.noteRateLimit(d, auth, provErr, result)

	fb := e.fallbackFor(d, provErr, f)
	if fb == nil || !provErr.FallbackEligible() {
		result.Err = provErr
		result.RetryAfter = provErr.RetryAfter
		result.ExecutionTime = time.Since(start)
		return result
	}

	e.logger.Printf("⚠️ Falling back %s/%s -> %s/%s after %s", d.Kind, d.Model, fb.Kind, fb.Model, provErr.Kind)
	result.FallbackUsed = true
	result.Provider = fb.Kind
	result.Model = fb.Model

	callRes, fbErr := e.attempt(ctx, fb, req, auth)
	if fbErr == nil {
		result.Success = true
		result.Response = callRes
		result.ExecutionTime = time.Since(start)
		return result
	}

	e.noteRateLimit(fb, auth, fbErr, result)
	result.Err = &ProviderError{
		Kind:     KindFallbackFailed,
		Provider: string(fb.Kind),
		Model:    fb.Model,
		Message:  "primary: " + provErr.Error() + "; fallback: " + fbErr.Error(),
	}
	result.ExecutionTime = time.Since(start)
	return result
}

// attempt runs one decision through its circuit breaker, with backoff on
// retryable errors. Rate limits are never retried in place.
func (e *Executor) attempt(ctx context.Context, d *core.Decision, req *core.Request, auth *core.AuthInfo) (*CallResult, *ProviderError) {
	breaker := e.breakers.Get(string(d.Kind), breakerOperation)
	if err := breaker.Allow(); err != nil {
		return nil, &ProviderError{
			Kind:     KindCircuitOpen,
			Provider: string(d.Kind),
			Model:    d.Model,
			Message:  err.Error(),
		}
	}

	e.countRequest(d.Kind)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryBase
	bo.Multiplier = 2
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, e.maxTries), ctx)

	var callRes *CallResult
	err := backoff.Retry(func() error {
		res, callErr := e.client.Call(ctx, d, req, auth)
		if callErr == nil {
			callRes = res
			return nil
		}
		var pe *ProviderError
		if errors.As(callErr, &pe) && pe.Retryable() {
			return callErr
		}
		return backoff.Permanent(callErr)
	}, policy)

	if err == nil {
		breaker.RecordSuccess()
		return callRes, nil
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		pe = classifyTransport(string(d.Kind), d.Model, err)
	}
	// A missing gateway credential is a config problem, not provider health.
	if pe.Kind != KindAuthMissing {
		breaker.RecordFailure()
	}
	return nil, pe
}

// noteRateLimit applies the Anthropic cooldown on an upstream 429.
func (e *Executor) noteRateLimit(d *core.Decision, auth *core.AuthInfo, pe *ProviderError, result *Result) {
	if d.Kind != core.ProviderAnthropic || pe.Kind != KindRateLimitUpstream {
		return
	}
	result.Anthropic429 = true
	if auth != nil && auth.UserID != "" {
		cd := e.cooldowns.Apply(auth.UserID, pe.RetryAfter, "anthropic_429")
		result.RetryAfter = cd.RetryAfterSeconds
	}
}

// fallbackFor picks the single substitute decision for a failed primary, or
// nil when the error class admits no fallback.
func (e *Executor) fallbackFor(d *core.Decision, pe *ProviderError, f *core.RequestFeatures) *core.Decision {
	if !pe.FallbackEligible() {
		return nil
	}

	switch d.Kind {
	case core.ProviderAnthropic:
		if pe.Kind != KindRateLimitUpstream {
			return nil
		}
		return e.anthropicSubstitute(d, f)

	case core.ProviderOpenAI:
		fb := &core.Decision{
			Kind:  core.ProviderGoogle,
			Model: "google/gemini-2.5-pro",
			Auth:  d.Auth,
			Prefs: d.Prefs,
			Params: map[string]any{
				"thinking_budget": geminiHardDefault,
			},
		}
		return fb

	case core.ProviderGoogle:
		return &core.Decision{
			Kind:   core.ProviderOpenAI,
			Model:  "openai/gpt-5",
			Auth:   d.Auth,
			Prefs:  d.Prefs,
			Params: map[string]any{"reasoning_effort": "high"},
		}

	case core.ProviderOpenRouter:
		if len(d.Fallbacks) == 0 {
			return nil
		}
		next := d.Fallbacks[0]
		return &core.Decision{
			Kind:      core.ProviderOpenRouter,
			Model:     next,
			Auth:      d.Auth,
			Prefs:     d.Prefs,
			Params:    d.Params,
			Fallbacks: d.Fallbacks[1:],
		}
	}
	return nil
}

// anthropicSubstitute routes around an Anthropic 429 based on the request
// shape.
func (e *Executor) anthropicSubstitute(d *core.Decision, f *core.RequestFeatures) *core.Decision {
	switch {
	case f != nil && f.TokenCount > longContextTokens:
		return &core.Decision{
			Kind:   core.ProviderGoogle,
			Model:  "google/gemini-2.5-pro",
			Auth:   d.Auth,
			Prefs:  d.Prefs,
			Params: map[string]any{"thinking_budget": geminiBudgetMax},
		}
	case f != nil && (f.HasCode || f.HasMath):
		return &core.Decision{
			Kind:   core.ProviderOpenAI,
			Model:  "openai/gpt-5",
			Auth:   d.Auth,
			Prefs:  d.Prefs,
			Params: map[string]any{"reasoning_effort": "high"},
		}
	default:
		return &core.Decision{
			Kind:  core.ProviderOpenRouter,
			Model: cheapOpenRouterModel,
			Auth:  d.Auth,
			Prefs: d.Prefs,
		}
	}
}
