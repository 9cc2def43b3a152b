// Package core holds the domain types shared across the routing pipeline.
package core

import "time"

// Bucket is the quality tier a request is routed into.
type Bucket string

const (
	BucketCheap Bucket = "cheap"
	BucketMid   Bucket = "mid"
	BucketHard  Bucket = "hard"
)

// Valid reports whether b is one of the three tiers.
func (b Bucket) Valid() bool {
	return b == BucketCheap || b == BucketMid || b == BucketHard
}

// BucketProbabilities are the triage outputs; non-negative, summing to 1.
type BucketProbabilities struct {
	Cheap float64 `json:"cheap"`
	Mid   float64 `json:"mid"`
	Hard  float64 `json:"hard"`
}

// Sum returns the total probability mass (should be 1 ± epsilon).
func (p BucketProbabilities) Sum() float64 {
	return p.Cheap + p.Mid + p.Hard
}

// Message is one turn of a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the parsed chat-completion-shaped request at the boundary.
// Extra carries unrecognized body keys for pass-through.
type Request struct {
	Method  string
	Path    string
	Headers map[string][]string

	Messages    []Message
	Model       string
	Stream      bool
	MaxTokens   int
	Temperature float64
	Extra       map[string]interface{}
}

// RequestFeatures is the feature vector derived once per request.
// Immutable after extraction.
type RequestFeatures struct {
	Embedding    []float64 `json:"embedding"`
	ClusterID    int       `json:"cluster_id"`
	Distances    []float64 `json:"distances"` // nearest-centroid distances, ascending
	TokenCount   int       `json:"token_count"`
	HasCode      bool      `json:"has_code"`
	HasMath      bool      `json:"has_math"`
	NgramEntropy float64   `json:"ngram_entropy"`
	ContextRatio float64   `json:"context_ratio"` // tokens / 128k, clamped to [0,1]
	Degraded     bool      `json:"degraded"`      // fallback features were used
}

// ProviderKind identifies an upstream provider family.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderGoogle     ProviderKind = "google"
	ProviderAnthropic  ProviderKind = "anthropic"
	ProviderOpenRouter ProviderKind = "openrouter"
)

// AuthInfo is the credential identified on an incoming request.
// Token is an opaque secret; UserID identifies, it does not authenticate.
type AuthInfo struct {
	Provider string `json:"provider"`
	Type     string `json:"type"` // "bearer" or "apikey"
	Token    string `json:"-"`
	UserID   string `json:"user_id,omitempty"`
}

// ProviderPrefs are pass-through routing preferences. Accepted on the wire
// and attached to decisions; not enforced.
type ProviderPrefs struct {
	Sort           string `json:"sort,omitempty"`
	MaxPrice       int    `json:"max_price,omitempty"`
	AllowFallbacks bool   `json:"allow_fallbacks"`
}

// Decision is the executor's input: which model to call and how.
type Decision struct {
	Kind      ProviderKind           `json:"kind"`
	Model     string                 `json:"model"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Auth      *AuthInfo              `json:"auth,omitempty"`
	Fallbacks []string               `json:"fallbacks,omitempty"`
	Prefs     ProviderPrefs          `json:"provider_prefs"`
}

// MetricRecord is one completed request's outcome.
type MetricRecord struct {
	Timestamp         time.Time    `json:"ts"`
	RequestID         string       `json:"request_id"`
	Bucket            Bucket       `json:"bucket"`
	Provider          ProviderKind `json:"provider"`
	Model             string       `json:"model"`
	Success           bool         `json:"success"`
	ExecutionTimeMs   float64      `json:"execution_time_ms"`
	CostEstimate      float64      `json:"cost_estimate"`
	PromptTokens      int          `json:"prompt_tokens"`
	CompletionTokens  int          `json:"completion_tokens"`
	TotalTokens       int          `json:"total_tokens"`
	FallbackUsed      bool         `json:"fallback_used"`
	ErrorKind         string       `json:"error_kind,omitempty"`
	UserID            string       `json:"user_id,omitempty"`
	Anthropic429      bool         `json:"anthropic_429"`
	WinRateVsBaseline float64      `json:"win_rate_vs_baseline"`
	ArtifactVersion   string       `json:"artifact_version,omitempty"`
}

// InferProviderKind maps a model slug to its provider family.
// Slugs that match no known family route through OpenRouter.
func InferProviderKind(model string) ProviderKind {
	switch {
	case hasAnyPrefix(model, "openai/", "gpt", "o1", "o3"):
		return ProviderOpenAI
	case hasAnyPrefix(model, "anthropic/", "claude"):
		return ProviderAnthropic
	case hasAnyPrefix(model, "google/", "gemini"):
		return ProviderGoogle
	default:
		return ProviderOpenRouter
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}
