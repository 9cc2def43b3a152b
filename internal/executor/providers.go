package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sibyllinesoft/heimdall-sub002/internal/authadapter"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// Default provider endpoints. Overridable for tests.
const (
	defaultOpenAIBase     = "https://api.openai.com"
	defaultGoogleBase     = "https://generativelanguage.googleapis.com"
	defaultAnthropicBase  = "https://api.anthropic.com"
	defaultOpenRouterBase = "https://openrouter.ai"
)

// CallResult is the normalized outcome of one upstream provider call.
type CallResult struct {
	StatusCode       int
	Body             json.RawMessage
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GoogleTokenSource supplies cached OAuth access tokens by user id. The
// PKCE flow in authadapter implements it.
type GoogleTokenSource interface {
	TokenFor(ctx context.Context, userID string) (string, error)
}

// Client performs the wire-level provider calls. Caller credentials are
// shaped by the adapter registry; requests without a usable credential fall
// back to the gateway's own per-provider keys.
type Client struct {
	http     *http.Client
	adapters *authadapter.Registry

	envKeys      map[core.ProviderKind]string
	googleTokens GoogleTokenSource

	openAIBase     string
	googleBase     string
	anthropicBase  string
	openRouterBase string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides one provider's base URL.
func WithBaseURL(kind core.ProviderKind, base string) ClientOption {
	return func(c *Client) {
		base = strings.TrimRight(base, "/")
		switch kind {
		case core.ProviderOpenAI:
			c.openAIBase = base
		case core.ProviderGoogle:
			c.googleBase = base
		case core.ProviderAnthropic:
			c.anthropicBase = base
		case core.ProviderOpenRouter:
			c.openRouterBase = base
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithEnvKey installs the gateway's own API key for a provider. Empty keys
// are ignored.
func WithEnvKey(kind core.ProviderKind, key string) ClientOption {
	return func(c *Client) {
		if key != "" {
			c.envKeys[kind] = key
		}
	}
}

// WithGoogleTokenSource installs the OAuth token cache consulted for Gemini
// calls that carry no Google credential of their own.
func WithGoogleTokenSource(src GoogleTokenSource) ClientOption {
	return func(c *Client) { c.googleTokens = src }
}

// NewClient builds a provider client with the given call timeout.
func NewClient(adapters *authadapter.Registry, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		http:           &http.Client{Timeout: timeout},
		adapters:       adapters,
		envKeys:        make(map[core.ProviderKind]string),
		openAIBase:     defaultOpenAIBase,
		googleBase:     defaultGoogleBase,
		anthropicBase:  defaultAnthropicBase,
		openRouterBase: defaultOpenRouterBase,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call executes one upstream request for the decision. Non-2xx responses
// and transport failures come back as *ProviderError.
func (c *Client) Call(ctx context.Context, d *core.Decision, req *core.Request, auth *core.AuthInfo) (*CallResult, error) {
	var (
		httpReq *http.Request
		err     error
	)
	switch d.Kind {
	case core.ProviderOpenAI:
		httpReq, err = c.buildOpenAI(ctx, c.openAIBase+"/v1/chat/completions", d, req)
	case core.ProviderGoogle:
		httpReq, err = c.buildGoogle(ctx, d, req)
	case core.ProviderAnthropic:
		httpReq, err = c.buildAnthropic(ctx, d, req)
	case core.ProviderOpenRouter:
		httpReq, err = c.buildOpenRouter(ctx, d, req)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", d.Kind)
	}
	if err != nil {
		return nil, err
	}

	if pe := c.applyAuth(ctx, httpReq, d, auth); pe != nil {
		return nil, pe
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(string(d.Kind), d.Model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, classifyTransport(string(d.Kind), d.Model, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, classifyResponse(string(d.Kind), d.Model, resp.StatusCode, body, retryAfter)
	}

	result := &CallResult{StatusCode: resp.StatusCode, Body: body}
	parseUsage(d.Kind, body, result)
	return result, nil
}

// applyAuth attaches a credential for the target provider. A caller
// credential is used only when it belongs to the same provider family;
// cross-provider fallbacks run on the gateway's own keys. With no usable
// credential at all the call fails as auth_missing.
func (c *Client) applyAuth(ctx context.Context, req *http.Request, d *core.Decision, auth *core.AuthInfo) *ProviderError {
	kind := d.Kind
	if auth != nil && credentialFits(auth.Provider, kind) {
		var id string
		switch kind {
		case core.ProviderAnthropic:
			id = "anthropic-oauth"
		case core.ProviderGoogle:
			id = "google-oauth"
		default:
			id = "openai-key"
		}
		for _, a := range c.adapters.GetEnabled([]string{id}) {
			a.Apply(req, auth)
		}
		return nil
	}

	if kind == core.ProviderGoogle && c.googleTokens != nil && auth != nil && auth.UserID != "" {
		if tok, err := c.googleTokens.TokenFor(ctx, auth.UserID); err == nil && tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
			req.Header.Set("Content-Type", "application/json")
			return nil
		}
	}

	if key := c.envKeys[kind]; key != "" {
		c.applyEnvKey(req, kind, key)
		return nil
	}

	return &ProviderError{
		Kind:     KindAuthMissing,
		Provider: string(kind),
		Model:    d.Model,
		Message:  "no credential available for provider",
	}
}

// credentialFits reports whether a caller credential authenticates against
// the provider family. OpenAI-style sk- keys also serve OpenRouter.
func credentialFits(provider string, kind core.ProviderKind) bool {
	switch kind {
	case core.ProviderAnthropic:
		return provider == "anthropic"
	case core.ProviderGoogle:
		return provider == "google"
	case core.ProviderOpenAI, core.ProviderOpenRouter:
		return provider == "openai"
	}
	return false
}

// applyEnvKey shapes the gateway's own key per the provider wire contract.
func (c *Client) applyEnvKey(req *http.Request, kind core.ProviderKind, key string) {
	switch kind {
	case core.ProviderAnthropic:
		req.Header.Set("x-api-key", key)
		req.Header.Set("anthropic-version", authadapter.AnthropicVersion)
	case core.ProviderGoogle:
		q := req.URL.Query()
		q.Set("key", key)
		req.URL.RawQuery = q.Encode()
	default:
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
}

// ==== REQUEST SHAPING ====

// stripVendorPrefix removes the vendor segment for direct provider calls;
// OpenRouter keeps the full slug.
func stripVendorPrefix(model string) string {
	if i := strings.IndexByte(model, '/'); i >= 0 {
		return model[i+1:]
	}
	return model
}

func (c *Client) buildOpenAI(ctx context.Context, url string, d *core.Decision, req *core.Request) (*http.Request, error) {
	body := map[string]any{
		"model":    stripVendorPrefix(d.Model),
		"messages": req.Messages,
		"stream":   false,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != 0 {
		body["temperature"] = req.Temperature
	}
	for k, v := range req.Extra {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	if effort, ok := d.Params["reasoning_effort"]; ok {
		body["reasoning_effort"] = effort
	}
	return jsonRequest(ctx, url, body)
}

// buildOpenRouter is OpenAI-compatible but keeps the full vendor-qualified
// slug and attaches the routing prefs.
func (c *Client) buildOpenRouter(ctx context.Context, d *core.Decision, req *core.Request) (*http.Request, error) {
	body := map[string]any{
		"model":    d.Model,
		"messages": req.Messages,
		"stream":   false,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != 0 {
		body["temperature"] = req.Temperature
	}
	for k, v := range req.Extra {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	if d.Prefs.Sort != "" || d.Prefs.MaxPrice > 0 || d.Prefs.AllowFallbacks {
		prefs := map[string]any{"allow_fallbacks": d.Prefs.AllowFallbacks}
		if d.Prefs.Sort != "" {
			prefs["sort"] = d.Prefs.Sort
		}
		if d.Prefs.MaxPrice > 0 {
			prefs["max_price"] = d.Prefs.MaxPrice
		}
		body["provider"] = prefs
	}
	return jsonRequest(ctx, c.openRouterBase+"/api/v1/chat/completions", body)
}

func (c *Client) buildGoogle(ctx context.Context, d *core.Decision, req *core.Request) (*http.Request, error) {
	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		if role == "system" {
			role = "user"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}
	genConfig := map[string]any{}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != 0 {
		genConfig["temperature"] = req.Temperature
	}
	if budget, ok := d.Params["thinking_budget"]; ok {
		genConfig["thinkingConfig"] = map[string]any{"thinkingBudget": budget}
	}
	body := map[string]any{"contents": contents}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.googleBase, stripVendorPrefix(d.Model))
	return jsonRequest(ctx, url, body)
}

func (c *Client) buildAnthropic(ctx context.Context, d *core.Decision, req *core.Request) (*http.Request, error) {
	var system string
	messages := make([]core.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, m)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	body := map[string]any{
		"model":      stripVendorPrefix(d.Model),
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != 0 {
		body["temperature"] = req.Temperature
	}
	return jsonRequest(ctx, c.anthropicBase+"/v1/messages", body)
}

func jsonRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// ==== RESPONSE PARSING ====

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseUsage(kind core.ProviderKind, body []byte, out *CallResult) {
	switch kind {
	case core.ProviderGoogle:
		var r googleResponse
		if json.Unmarshal(body, &r) != nil {
			return
		}
		if len(r.Candidates) > 0 {
			var sb strings.Builder
			for _, p := range r.Candidates[0].Content.Parts {
				sb.WriteString(p.Text)
			}
			out.Content = sb.String()
		}
		out.PromptTokens = r.UsageMetadata.PromptTokenCount
		out.CompletionTokens = r.UsageMetadata.CandidatesTokenCount
		out.TotalTokens = r.UsageMetadata.TotalTokenCount
	case core.ProviderAnthropic:
		var r anthropicResponse
		if json.Unmarshal(body, &r) != nil {
			return
		}
		var sb strings.Builder
		for _, block := range r.Content {
			if block.Type == "text" || block.Type == "" {
				sb.WriteString(block.Text)
			}
		}
		out.Content = sb.String()
		out.PromptTokens = r.Usage.InputTokens
		out.CompletionTokens = r.Usage.OutputTokens
		out.TotalTokens = r.Usage.InputTokens + r.Usage.OutputTokens
	default:
		var r openAIResponse
		if json.Unmarshal(body, &r) != nil {
			return
		}
		if len(r.Choices) > 0 {
			out.Content = r.Choices[0].Message.Content
		}
		out.PromptTokens = r.Usage.PromptTokens
		out.CompletionTokens = r.Usage.CompletionTokens
		out.TotalTokens = r.Usage.TotalTokens
	}
}

// parseRetryAfter handles the delta-seconds form; HTTP-date values return 0
// and fall through to the default cooldown.
func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		return n
	}
	return 0
}
