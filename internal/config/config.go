package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// Config is the root configuration for the routing gateway.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Router       RouterConfig       `yaml:"router"`
	AuthAdapters AuthAdaptersConfig `yaml:"auth_adapters"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Artifact     ArtifactConfig     `yaml:"artifact"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Canary       CanaryConfig       `yaml:"canary"`
	Tuning       TuningConfig       `yaml:"tuning"`
	Features     FeaturesConfig     `yaml:"features"`
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	DashboardPort string `yaml:"dashboard_port"`
	Env           string `yaml:"env"`
}

// RouterConfig carries the per-bucket candidate lists and selector knobs.
type RouterConfig struct {
	CheapCandidates []string `yaml:"cheap_candidates"`
	MidCandidates   []string `yaml:"mid_candidates"`
	HardCandidates  []string `yaml:"hard_candidates"`

	// Exploration: with probability Epsilon pick uniformly among the TopN
	// scorers instead of greedy. Epsilon 0 means pure greedy.
	Epsilon float64 `yaml:"epsilon"`
	TopN    int     `yaml:"top_n"`
}

type AuthAdaptersConfig struct {
	// Enabled lists adapter ids in match-priority order.
	Enabled []string `yaml:"enabled"`

	// Google OAuth client, for the PKCE flow endpoints.
	GoogleClientID    string `yaml:"google_client_id"`
	GoogleRedirectURI string `yaml:"google_redirect_uri"`
}

// ProvidersConfig holds the gateway's own provider API keys, used when a
// request carries no credential or a fallback crosses provider families.
type ProvidersConfig struct {
	OpenAIKey     string `yaml:"openai_api_key"`
	GeminiKey     string `yaml:"gemini_api_key"`
	AnthropicKey  string `yaml:"anthropic_api_key"`
	OpenRouterKey string `yaml:"openrouter_api_key"`
}

type ArtifactConfig struct {
	URL          string        `yaml:"url"`
	CacheDir     string        `yaml:"cache_dir"`
	ReloadEvery  time.Duration `yaml:"reload_every"`
	MaxMemoryAge time.Duration `yaml:"max_memory_age"`
}

type CatalogConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	FullRefreshHour  int           `yaml:"full_refresh_hour_utc"`
	DriftCheckEvery  time.Duration `yaml:"drift_check_every"`
	SignificantDelta float64       `yaml:"significant_delta"`
	DriftDelta       float64       `yaml:"drift_delta"`
}

type ExecutorConfig struct {
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
	CooldownDefault  time.Duration `yaml:"cooldown_default"`
	CooldownMax      time.Duration `yaml:"cooldown_max"`
}

type MetricsConfig struct {
	BufferSize      int    `yaml:"buffer_size"`
	WarehouseURL    string `yaml:"warehouse_url"`
	LogsPath        string `yaml:"logs_path"`
	AlertWebhookURL string `yaml:"alert_webhook_url"`

	SLO SLOConfig `yaml:"slo"`
}

// SLOConfig holds the overridable SLO thresholds.
type SLOConfig struct {
	P95LatencyMs    float64 `yaml:"p95_latency_ms"`
	MisfireRate     float64 `yaml:"misfire_rate"`
	Uptime          float64 `yaml:"uptime"`
	MeanCostPerTask float64 `yaml:"mean_cost_per_task"`
	WinRate         float64 `yaml:"win_rate"`
}

type CanaryConfig struct {
	EvalInterval       time.Duration `yaml:"eval_interval"`
	MinSamplesPerStage int           `yaml:"min_samples_per_stage"`
	MinStageDuration   time.Duration `yaml:"min_stage_duration"`
}

type TuningConfig struct {
	Weekday    time.Weekday `yaml:"weekday"`
	HourUTC    int          `yaml:"hour_utc"`
	MinSamples int          `yaml:"min_samples"`
}

type FeaturesConfig struct {
	EmbeddingURL     string        `yaml:"embedding_url"`
	EmbeddingTimeout time.Duration `yaml:"embedding_timeout"`
	ExtractDeadline  time.Duration `yaml:"extract_deadline"`
	CacheSize        int           `yaml:"cache_size"`
}

// Load reads a YAML config file and applies env overrides and defaults.
// A missing file is not an error; the built-in defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// applyEnv maps the recognized environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ARTIFACT_STORE_URL"); v != "" {
		c.Artifact.URL = v
	}
	if v := os.Getenv("CATALOG_SERVICE_URL"); v != "" {
		c.Catalog.BaseURL = v
	}
	if v := os.Getenv("METRICS_WAREHOUSE_URL"); v != "" {
		c.Metrics.WarehouseURL = v
	}
	if v := os.Getenv("POSTHOOK_LOGS_PATH"); v != "" {
		c.Metrics.LogsPath = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.Metrics.AlertWebhookURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.GeminiKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.AnthropicKey = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.Providers.OpenRouterKey = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.AuthAdapters.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_REDIRECT_URI"); v != "" {
		c.AuthAdapters.GoogleRedirectURI = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.DashboardPort == "" {
		c.Server.DashboardPort = "8081"
	}
	if len(c.Router.CheapCandidates) == 0 {
		c.Router.CheapCandidates = []string{
			"qwen/qwen-2.5-coder-32b-instruct",
			"deepseek/deepseek-chat",
		}
	}
	if len(c.Router.MidCandidates) == 0 {
		c.Router.MidCandidates = []string{
			"openai/gpt-5",
			"anthropic/claude-sonnet-4",
			"google/gemini-2.5-pro",
		}
	}
	if len(c.Router.HardCandidates) == 0 {
		c.Router.HardCandidates = []string{
			"google/gemini-2.5-pro",
			"openai/gpt-5",
			"anthropic/claude-opus-4",
		}
	}
	if c.Router.TopN == 0 {
		c.Router.TopN = 3
	}
	if len(c.AuthAdapters.Enabled) == 0 {
		c.AuthAdapters.Enabled = []string{"anthropic-oauth", "google-oauth", "openai-key"}
	}
	if c.Artifact.CacheDir == "" {
		c.Artifact.CacheDir = "./.cache/artifacts"
	}
	if c.Artifact.ReloadEvery == 0 {
		c.Artifact.ReloadEvery = 5 * time.Minute
	}
	if c.Artifact.MaxMemoryAge == 0 {
		c.Artifact.MaxMemoryAge = 10 * time.Minute
	}
	if c.Catalog.Timeout == 0 {
		c.Catalog.Timeout = 10 * time.Second
	}
	if c.Catalog.FullRefreshHour == 0 {
		c.Catalog.FullRefreshHour = 2
	}
	if c.Catalog.DriftCheckEvery == 0 {
		c.Catalog.DriftCheckEvery = 6 * time.Hour
	}
	if c.Catalog.SignificantDelta == 0 {
		c.Catalog.SignificantDelta = 0.3
	}
	if c.Catalog.DriftDelta == 0 {
		c.Catalog.DriftDelta = 0.5
	}
	if c.Executor.ProviderTimeout == 0 {
		c.Executor.ProviderTimeout = 30 * time.Second
	}
	if c.Executor.BreakerThreshold == 0 {
		c.Executor.BreakerThreshold = 5
	}
	if c.Executor.BreakerReset == 0 {
		c.Executor.BreakerReset = 60 * time.Second
	}
	if c.Executor.CooldownDefault == 0 {
		c.Executor.CooldownDefault = 3 * time.Minute
	}
	if c.Executor.CooldownMax == 0 {
		c.Executor.CooldownMax = 5 * time.Minute
	}
	if c.Metrics.BufferSize == 0 {
		c.Metrics.BufferSize = 50000
	}
	if c.Metrics.SLO.P95LatencyMs == 0 {
		c.Metrics.SLO.P95LatencyMs = 2500
	}
	if c.Metrics.SLO.MisfireRate == 0 {
		c.Metrics.SLO.MisfireRate = 0.05
	}
	if c.Metrics.SLO.Uptime == 0 {
		c.Metrics.SLO.Uptime = 0.995
	}
	if c.Metrics.SLO.MeanCostPerTask == 0 {
		c.Metrics.SLO.MeanCostPerTask = 0.10
	}
	if c.Metrics.SLO.WinRate == 0 {
		c.Metrics.SLO.WinRate = 0.85
	}
	if c.Canary.EvalInterval == 0 {
		c.Canary.EvalInterval = 5 * time.Minute
	}
	if c.Canary.MinSamplesPerStage == 0 {
		c.Canary.MinSamplesPerStage = 100
	}
	if c.Canary.MinStageDuration == 0 {
		c.Canary.MinStageDuration = 15 * time.Minute
	}
	if c.Tuning.HourUTC == 0 {
		c.Tuning.HourUTC = 3
	}
	if c.Tuning.MinSamples == 0 {
		c.Tuning.MinSamples = 1000
	}
	if c.Features.EmbeddingTimeout == 0 {
		c.Features.EmbeddingTimeout = 25 * time.Millisecond
	}
	if c.Features.ExtractDeadline == 0 {
		c.Features.ExtractDeadline = 25 * time.Millisecond
	}
	if c.Features.CacheSize == 0 {
		c.Features.CacheSize = 1000
	}
}

// CandidatesFor returns the candidate list for a bucket.
func (c *Config) CandidatesFor(bucket core.Bucket) []string {
	switch bucket {
	case core.BucketCheap:
		return c.Router.CheapCandidates
	case core.BucketMid:
		return c.Router.MidCandidates
	case core.BucketHard:
		return c.Router.HardCandidates
	}
	return nil
}
