package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyllinesoft/heimdall-sub002/internal/authadapter"
	"github.com/sibyllinesoft/heimdall-sub002/internal/circuitbreaker"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

func testRegistry(t *testing.T) *authadapter.Registry {
	t.Helper()
	reg := authadapter.NewRegistry()
	require.NoError(t, reg.Register(authadapter.NewAnthropicAdapter()))
	require.NoError(t, reg.Register(authadapter.NewOpenAIAdapter()))
	require.NoError(t, reg.Register(authadapter.NewGoogleAdapter()))
	return reg
}

func okResponse(content string) []byte {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return body
}

func newTestExecutor(t *testing.T, opts ...ClientOption) (*Executor, *Client) {
	t.Helper()
	client := NewClient(testRegistry(t), 5*time.Second, opts...)
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute})
	cooldowns := NewCooldownTable(3*time.Minute, 5*time.Minute)
	return New(client, breakers, cooldowns, WithRetryBase(time.Millisecond)), client
}

func chatRequest() *core.Request {
	return &core.Request{
		Messages: []core.Message{{Role: "user", Content: "hello"}},
	}
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Write(okResponse("hi"))
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, WithBaseURL(core.ProviderOpenAI, srv.URL))
	d := &core.Decision{Kind: core.ProviderOpenAI, Model: "openai/gpt-5"}
	auth := &core.AuthInfo{Provider: "openai", Type: "apikey", Token: "sk-test", UserID: "u1"}

	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, auth)
	require.True(t, res.Success)
	assert.Equal(t, "hi", res.Response.Content)
	assert.Equal(t, 15, res.Response.TotalTokens)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, uint64(1), exec.RequestCounts()[core.ProviderOpenAI])
}

func TestExecuteRetriesOn5xxThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(okResponse("recovered"))
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t,
		WithBaseURL(core.ProviderOpenAI, srv.URL),
		WithEnvKey(core.ProviderOpenAI, "sk-gateway"),
	)
	d := &core.Decision{Kind: core.ProviderOpenAI, Model: "openai/gpt-5"}

	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, nil)
	require.True(t, res.Success)
	assert.False(t, res.FallbackUsed, "retry happens inside the attempt, not as fallback")
	assert.Equal(t, 2, calls)
}

func TestOpenAIFailureFallsBackToGemini(t *testing.T) {
	openai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer openai.Close()

	var geminiBody map[string]any
	google := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&geminiBody)
		resp, _ := json.Marshal(map[string]any{
			"candidates":    []map[string]any{{"content": map[string]any{"parts": []map[string]string{{"text": "from gemini"}}}}},
			"usageMetadata": map[string]int{"promptTokenCount": 8, "candidatesTokenCount": 4, "totalTokenCount": 12},
		})
		w.Write(resp)
	}))
	defer google.Close()

	exec, _ := newTestExecutor(t,
		WithBaseURL(core.ProviderOpenAI, openai.URL),
		WithBaseURL(core.ProviderGoogle, google.URL),
		WithEnvKey(core.ProviderOpenAI, "sk-gateway"),
		WithEnvKey(core.ProviderGoogle, "gm-gateway"),
	)
	d := &core.Decision{Kind: core.ProviderOpenAI, Model: "openai/gpt-5"}

	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, nil)
	require.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, core.ProviderGoogle, res.Provider)
	assert.Equal(t, "google/gemini-2.5-pro", res.Model)
	assert.Equal(t, "from gemini", res.Response.Content)

	// The substitute carries a hard-tier thinking budget.
	genCfg, ok := geminiBody["generationConfig"].(map[string]any)
	require.True(t, ok)
	thinking, ok := genCfg["thinkingConfig"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, geminiHardDefault, thinking["thinkingBudget"])
}

func TestProvider4xxSurfacesWithoutFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t,
		WithBaseURL(core.ProviderOpenAI, srv.URL),
		WithEnvKey(core.ProviderOpenAI, "sk-gateway"),
	)
	d := &core.Decision{Kind: core.ProviderOpenAI, Model: "openai/gpt-5"}

	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, nil)
	require.False(t, res.Success)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, KindProvider4xx, res.Err.Kind)
	assert.Equal(t, "bad key", res.Err.Message)
	assert.Equal(t, http.StatusUnauthorized, res.Err.HTTPStatus())
}

func TestAnthropic429AppliesCooldownAndSubstitutes(t *testing.T) {
	anthropic := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer anthropic.Close()

	openrouter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(okResponse("cheap substitute"))
	}))
	defer openrouter.Close()

	exec, _ := newTestExecutor(t,
		WithBaseURL(core.ProviderAnthropic, anthropic.URL),
		WithBaseURL(core.ProviderOpenRouter, openrouter.URL),
		WithEnvKey(core.ProviderOpenRouter, "sk-or-gateway"),
	)
	d := &core.Decision{Kind: core.ProviderAnthropic, Model: "anthropic/claude-sonnet-4"}
	auth := &core.AuthInfo{Provider: "anthropic", Type: "bearer", Token: "ant-test-token", UserID: "u42"}
	f := &core.RequestFeatures{TokenCount: 500}

	res := exec.Execute(context.Background(), d, chatRequest(), f, auth)
	require.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.True(t, res.Anthropic429)
	assert.Equal(t, core.ProviderOpenRouter, res.Provider)
	assert.Equal(t, cheapOpenRouterModel, res.Model)

	// The cooldown landed for the user, honoring the upstream retry-after.
	cd, active := exec.Cooldowns().Check("u42")
	require.True(t, active)
	assert.Equal(t, 120, cd.RetryAfterSeconds)
}

func TestAnthropicSubstituteSelection(t *testing.T) {
	exec, _ := newTestExecutor(t)
	d := &core.Decision{Kind: core.ProviderAnthropic, Model: "anthropic/claude-opus-4"}
	rateLimited := &ProviderError{Kind: KindRateLimitUpstream, Provider: "anthropic"}

	longCtx := exec.fallbackFor(d, rateLimited, &core.RequestFeatures{TokenCount: 300000})
	require.NotNil(t, longCtx)
	assert.Equal(t, "google/gemini-2.5-pro", longCtx.Model)
	assert.Equal(t, geminiBudgetMax, longCtx.Params["thinking_budget"])

	codeMath := exec.fallbackFor(d, rateLimited, &core.RequestFeatures{TokenCount: 500, HasCode: true})
	require.NotNil(t, codeMath)
	assert.Equal(t, "openai/gpt-5", codeMath.Model)
	assert.Equal(t, "high", codeMath.Params["reasoning_effort"])

	plain := exec.fallbackFor(d, rateLimited, &core.RequestFeatures{TokenCount: 500})
	require.NotNil(t, plain)
	assert.Equal(t, core.ProviderOpenRouter, plain.Kind)
}

func TestCooldownShortCircuitSkipsUpstream(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write(okResponse("should not happen"))
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, WithBaseURL(core.ProviderAnthropic, srv.URL))
	exec.Cooldowns().Apply("u9", 60, "anthropic_429")

	d := &core.Decision{Kind: core.ProviderAnthropic, Model: "anthropic/claude-sonnet-4"}
	auth := &core.AuthInfo{Provider: "anthropic", Type: "bearer", Token: "ant-x", UserID: "u9"}

	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, auth)
	require.False(t, res.Success)
	assert.Equal(t, KindRateLimitCooldown, res.Err.Kind)
	assert.Equal(t, http.StatusTooManyRequests, res.Err.HTTPStatus())
	assert.Greater(t, res.RetryAfter, 0)
	assert.False(t, called, "no upstream call during cooldown")
}

func TestOpenRouterWalksFallbackList(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		model := body["model"].(string)
		models = append(models, model)
		if model == "deepseek/deepseek-chat" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(okResponse("backup"))
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t,
		WithBaseURL(core.ProviderOpenRouter, srv.URL),
		WithEnvKey(core.ProviderOpenRouter, "sk-or-gateway"),
	)
	d := &core.Decision{
		Kind:      core.ProviderOpenRouter,
		Model:     "deepseek/deepseek-chat",
		Fallbacks: []string{"qwen/qwen-2.5-coder-32b-instruct"},
	}

	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, nil)
	require.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "qwen/qwen-2.5-coder-32b-instruct", res.Model)
	assert.Contains(t, models, "qwen/qwen-2.5-coder-32b-instruct")
}

func TestFallbackFailureIsComposite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t,
		WithBaseURL(core.ProviderOpenAI, srv.URL),
		WithBaseURL(core.ProviderGoogle, srv.URL),
		WithEnvKey(core.ProviderOpenAI, "sk-gateway"),
		WithEnvKey(core.ProviderGoogle, "gm-gateway"),
	)
	d := &core.Decision{Kind: core.ProviderOpenAI, Model: "openai/gpt-5"}

	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, nil)
	require.False(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, KindFallbackFailed, res.Err.Kind)
	assert.Equal(t, http.StatusBadGateway, res.Err.HTTPStatus())
	assert.Contains(t, res.Err.Message, "primary:")
	assert.Contains(t, res.Err.Message, "fallback:")
}

func TestCircuitOpenShortCircuits(t *testing.T) {
	called := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.Write(okResponse("x"))
	}))
	defer srv.Close()

	client := NewClient(testRegistry(t), time.Second, WithBaseURL(core.ProviderOpenRouter, srv.URL))
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	exec := New(client, breakers, NewCooldownTable(0, 0), WithRetryBase(time.Millisecond))

	breakers.Get("openrouter", breakerOperation).RecordFailure()

	d := &core.Decision{Kind: core.ProviderOpenRouter, Model: "deepseek/deepseek-chat"}
	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, nil)
	require.False(t, res.Success)
	assert.Equal(t, KindCircuitOpen, res.Err.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, res.Err.HTTPStatus())
	assert.Zero(t, called)
}

func TestNoCredentialAnywhereIsAuthMissing(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write(okResponse("unreachable"))
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, WithBaseURL(core.ProviderOpenAI, srv.URL))
	d := &core.Decision{Kind: core.ProviderOpenAI, Model: "openai/gpt-5"}

	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, nil)
	require.False(t, res.Success)
	assert.Equal(t, KindAuthMissing, res.Err.Kind)
	assert.Equal(t, http.StatusUnauthorized, res.Err.HTTPStatus())
	assert.False(t, res.Err.Retryable())
	assert.False(t, res.Err.FallbackEligible())
	assert.False(t, called, "no upstream call without a credential")
}

func TestAuthMissingDoesNotTripBreaker(t *testing.T) {
	client := NewClient(testRegistry(t), time.Second)
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour})
	exec := New(client, breakers, NewCooldownTable(0, 0), WithRetryBase(time.Millisecond))

	d := &core.Decision{Kind: core.ProviderOpenAI, Model: "openai/gpt-5"}
	for i := 0; i < 5; i++ {
		res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, nil)
		require.False(t, res.Success)
		require.Equal(t, KindAuthMissing, res.Err.Kind)
	}

	// The breaker stays closed; missing keys are a config problem, not
	// provider health.
	assert.NoError(t, breakers.Get("openai", breakerOperation).Allow())
}

func TestCrossProviderFallbackUsesGatewayKey(t *testing.T) {
	openai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer openai.Close()

	var googleKey, googleAuthz string
	google := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		googleKey = r.URL.Query().Get("key")
		googleAuthz = r.Header.Get("Authorization")
		resp, _ := json.Marshal(map[string]any{
			"candidates":    []map[string]any{{"content": map[string]any{"parts": []map[string]string{{"text": "ok"}}}}},
			"usageMetadata": map[string]int{"totalTokenCount": 3},
		})
		w.Write(resp)
	}))
	defer google.Close()

	exec, _ := newTestExecutor(t,
		WithBaseURL(core.ProviderOpenAI, openai.URL),
		WithBaseURL(core.ProviderGoogle, google.URL),
		WithEnvKey(core.ProviderGoogle, "gm-gateway"),
	)
	d := &core.Decision{Kind: core.ProviderOpenAI, Model: "openai/gpt-5"}
	auth := &core.AuthInfo{Provider: "openai", Type: "apikey", Token: "sk-caller", UserID: "u1"}

	res := exec.Execute(context.Background(), d, chatRequest(), &core.RequestFeatures{}, auth)
	require.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, core.ProviderGoogle, res.Provider)

	// The caller's OpenAI key never crossed provider families.
	assert.Equal(t, "gm-gateway", googleKey)
	assert.NotContains(t, googleAuthz, "sk-caller")
}

func TestClassifyResponseKinds(t *testing.T) {
	assert.Equal(t, KindRateLimitUpstream, classifyResponse("openai", "m", 429, nil, 30).Kind)
	assert.Equal(t, KindProvider5xx, classifyResponse("openai", "m", 503, nil, 0).Kind)
	assert.Equal(t, KindProvider4xx, classifyResponse("openai", "m", 400, nil, 0).Kind)

	assert.True(t, classifyResponse("openai", "m", 500, nil, 0).Retryable())
	assert.False(t, classifyResponse("openai", "m", 429, nil, 0).Retryable(), "rate limits go to fallback, not retry")
	assert.False(t, classifyResponse("openai", "m", 404, nil, 0).Retryable())
}
