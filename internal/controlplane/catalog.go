// Package controlplane hosts the background activities that keep the
// routing artifact fresh: catalog refresh, canary rollout, tuning, and
// recommendations. Nothing here runs on the request hot path.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
)

// wellKnownModels are probed by the lightweight drift check.
var wellKnownModels = []string{
	"openai/gpt-5",
	"anthropic/claude-sonnet-4",
	"anthropic/claude-opus-4",
	"google/gemini-2.5-pro",
	"deepseek/deepseek-chat",
}

// ModelInfo is one catalog entry as served by the catalog service.
type ModelInfo struct {
	Slug          string  `json:"slug"`
	PromptPrice   float64 `json:"prompt_price"`
	ContextWindow int     `json:"context_window"`
	SupportsTools bool    `json:"supports_tools"`
}

// CatalogChange records one observed difference between snapshots.
type CatalogChange struct {
	Slug      string    `json:"slug"`
	Field     string    `json:"field"`
	Old       float64   `json:"old"`
	New       float64   `json:"new"`
	Magnitude float64   `json:"magnitude"`
	SeenAt    time.Time `json:"seen_at"`
}

// Significant reports whether the change magnitude crosses the invalidation
// threshold.
func (c CatalogChange) Significant(threshold float64) bool {
	return c.Magnitude >= threshold
}

// CatalogRefresherConfig tunes the refresher schedules and thresholds.
type CatalogRefresherConfig struct {
	BaseURL          string
	Timeout          time.Duration
	FullRefreshHour  int           // UTC hour of the nightly full refresh
	DriftCheckEvery  time.Duration // default 6h
	SignificantDelta float64       // default 0.3
	DriftDelta       float64       // default 0.5
}

func (c CatalogRefresherConfig) withDefaults() CatalogRefresherConfig {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.FullRefreshHour < 0 || c.FullRefreshHour > 23 {
		c.FullRefreshHour = 2
	}
	if c.DriftCheckEvery <= 0 {
		c.DriftCheckEvery = 6 * time.Hour
	}
	if c.SignificantDelta <= 0 {
		c.SignificantDelta = 0.3
	}
	if c.DriftDelta <= 0 {
		c.DriftDelta = 0.5
	}
	return c
}

// CatalogRefresher drives the nightly full refresh and the 6-hourly drift
// check, invalidating the artifact on significant catalog movement.
type CatalogRefresher struct {
	cfg    CatalogRefresherConfig
	store  *artifact.Store
	client *http.Client
	logger *log.Logger

	mu       sync.RWMutex
	snapshot map[string]ModelInfo
	changes  []CatalogChange
	lastFull time.Time

	now func() time.Time
}

// NewCatalogRefresher builds a refresher against the artifact store.
func NewCatalogRefresher(cfg CatalogRefresherConfig, store *artifact.Store) *CatalogRefresher {
	cfg = cfg.withDefaults()
	return &CatalogRefresher{
		cfg:      cfg,
		store:    store,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   log.New(log.Writer(), "[CATALOG] ", log.LstdFlags),
		snapshot: make(map[string]ModelInfo),
		now:      time.Now,
	}
}

// Run schedules full refreshes and drift checks until the context ends.
func (r *CatalogRefresher) Run(ctx context.Context) error {
	r.logger.Printf("🚀 Catalog refresher started (full refresh %02d:00 UTC, drift every %s)", r.cfg.FullRefreshHour, r.cfg.DriftCheckEvery)

	fullTimer := time.NewTimer(r.untilNextFullRefresh())
	driftTicker := time.NewTicker(r.cfg.DriftCheckEvery)
	defer fullTimer.Stop()
	defer driftTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fullTimer.C:
			if err := r.FullRefresh(ctx); err != nil {
				r.logger.Printf("⚠️ Full refresh failed: %v", err)
			}
			fullTimer.Reset(r.untilNextFullRefresh())
		case <-driftTicker.C:
			if err := r.DriftCheck(ctx); err != nil {
				r.logger.Printf("⚠️ Drift check failed: %v", err)
			}
		}
	}
}

// untilNextFullRefresh returns the duration to the next scheduled nightly
// refresh hour in UTC.
func (r *CatalogRefresher) untilNextFullRefresh() time.Duration {
	now := r.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), r.cfg.FullRefreshHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// FullRefresh pulls the complete catalog, diffs it against the previous
// snapshot, and invalidates the artifact when any change is significant.
func (r *CatalogRefresher) FullRefresh(ctx context.Context) error {
	models, err := r.fetchCatalog(ctx)
	if err != nil {
		return err
	}

	changes := r.diffAndSwap(models)
	significant := 0
	for _, c := range changes {
		if c.Significant(r.cfg.SignificantDelta) {
			significant++
		}
	}
	r.logger.Printf("📦 Full refresh: %d models, %d changes (%d significant)", len(models), len(changes), significant)

	if significant > 0 {
		r.logger.Printf("⚠️ Significant catalog movement, invalidating artifact")
		r.store.Invalidate()
		if _, err := r.store.Load(ctx, true); err != nil {
			return fmt.Errorf("artifact reload after invalidation: %w", err)
		}
	}
	return nil
}

// DriftCheck probes the well-known models only; heavy drift schedules an
// immediate full refresh.
func (r *CatalogRefresher) DriftCheck(ctx context.Context) error {
	var maxDrift float64
	for _, slug := range wellKnownModels {
		info, err := r.fetchModel(ctx, slug)
		if err != nil {
			continue
		}
		r.mu.RLock()
		prev, known := r.snapshot[slug]
		r.mu.RUnlock()
		if !known {
			continue
		}
		if d := relativeDelta(prev.PromptPrice, info.PromptPrice); d > maxDrift {
			maxDrift = d
		}
		if d := relativeDelta(float64(prev.ContextWindow), float64(info.ContextWindow)); d > maxDrift {
			maxDrift = d
		}
	}
	if maxDrift >= r.cfg.DriftDelta {
		r.logger.Printf("⚠️ Catalog drift %.2f >= %.2f, scheduling immediate full refresh", maxDrift, r.cfg.DriftDelta)
		return r.FullRefresh(ctx)
	}
	return nil
}

// Changes returns the recorded change history, newest last.
func (r *CatalogRefresher) Changes() []CatalogChange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CatalogChange, len(r.changes))
	copy(out, r.changes)
	return out
}

// LastFullRefresh returns when the last successful full refresh completed.
func (r *CatalogRefresher) LastFullRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastFull
}

func (r *CatalogRefresher) diffAndSwap(models map[string]ModelInfo) []CatalogChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var changes []CatalogChange
	for slug, next := range models {
		prev, known := r.snapshot[slug]
		if !known {
			continue
		}
		if prev.PromptPrice != next.PromptPrice {
			changes = append(changes, CatalogChange{
				Slug: slug, Field: "prompt_price",
				Old: prev.PromptPrice, New: next.PromptPrice,
				Magnitude: relativeDelta(prev.PromptPrice, next.PromptPrice),
				SeenAt:    now,
			})
		}
		if prev.ContextWindow != next.ContextWindow {
			changes = append(changes, CatalogChange{
				Slug: slug, Field: "context_window",
				Old: float64(prev.ContextWindow), New: float64(next.ContextWindow),
				Magnitude: relativeDelta(float64(prev.ContextWindow), float64(next.ContextWindow)),
				SeenAt:    now,
			})
		}
		if prev.SupportsTools != next.SupportsTools {
			changes = append(changes, CatalogChange{
				Slug: slug, Field: "supports_tools",
				Old: boolFloat(prev.SupportsTools), New: boolFloat(next.SupportsTools),
				Magnitude: 1,
				SeenAt:    now,
			})
		}
	}

	r.snapshot = models
	r.changes = append(r.changes, changes...)
	if len(r.changes) > 1000 {
		r.changes = r.changes[len(r.changes)-1000:]
	}
	r.lastFull = now
	return changes
}

func (r *CatalogRefresher) fetchCatalog(ctx context.Context) (map[string]ModelInfo, error) {
	var list []ModelInfo
	if err := r.getJSON(ctx, r.cfg.BaseURL+"/models", &list); err != nil {
		return nil, err
	}
	out := make(map[string]ModelInfo, len(list))
	for _, m := range list {
		out[m.Slug] = m
	}
	return out, nil
}

func (r *CatalogRefresher) fetchModel(ctx context.Context, slug string) (ModelInfo, error) {
	var info ModelInfo
	err := r.getJSON(ctx, r.cfg.BaseURL+"/models/"+slug, &info)
	return info, err
}

func (r *CatalogRefresher) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog service returned %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// relativeDelta is |new-old| / max(|old|, epsilon).
func relativeDelta(old, next float64) float64 {
	denom := math.Abs(old)
	if denom < 1e-9 {
		denom = 1e-9
	}
	return math.Abs(next-old) / denom
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
