package controlplane

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
	"github.com/sibyllinesoft/heimdall-sub002/internal/metrics"
)

// RecommendationKind categorizes advisory output.
type RecommendationKind string

const (
	RecommendCost          RecommendationKind = "cost"
	RecommendQuality       RecommendationKind = "quality"
	RecommendPerformance   RecommendationKind = "performance"
	RecommendConfiguration RecommendationKind = "configuration"
)

// Recommendation is one advisory item for the operator.
type Recommendation struct {
	ID             string             `json:"id"`
	Kind           RecommendationKind `json:"kind"`
	Priority       int                `json:"priority"` // 1 = highest
	Title          string             `json:"title"`
	Detail         string             `json:"detail"`
	ExpectedImpact string             `json:"expected_impact"`
	CreatedAt      time.Time          `json:"created_at"`
}

// recommendationTTL discards pending recommendations after this age.
const recommendationTTL = 7 * 24 * time.Hour

// Recommender inspects recent metrics on a cadence and emits typed
// advisory recommendations. All output is advisory; nothing is applied
// automatically.
type Recommender struct {
	engine   *metrics.Engine
	interval time.Duration
	logger   *log.Logger

	mu      sync.RWMutex
	pending []Recommendation

	now func() time.Time
}

// NewRecommender builds a recommender on the given cadence (default 6h).
func NewRecommender(engine *metrics.Engine, interval time.Duration) *Recommender {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Recommender{
		engine:   engine,
		interval: interval,
		logger:   log.New(log.Writer(), "[RECOMMEND] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Run generates recommendations on the cadence until the context ends.
func (r *Recommender) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.GenerateOnce()
		}
	}
}

// GenerateOnce runs one inspection pass.
func (r *Recommender) GenerateOnce() {
	d := r.engine.Snapshot(metrics.DefaultWindow)
	if d.TotalRequests == 0 {
		r.prune()
		return
	}

	var fresh []Recommendation
	now := r.now()

	if d.CostOverall.Mean > 0.08 {
		fresh = append(fresh, Recommendation{
			Kind:     RecommendCost,
			Priority: 2,
			Title:    "Mean request cost near SLO ceiling",
			Detail:   fmt.Sprintf("Mean cost $%.4f over the last day; consider lowering alpha or tightening cheap-tier thresholds.", d.CostOverall.Mean),
			ExpectedImpact: fmt.Sprintf("Up to $%.4f/request saved by shifting %.0f%% of mid traffic to cheap.",
				d.CostOverall.Mean-d.CostPerBucket[core.BucketCheap].Mean, d.RouteShare[core.BucketMid]*100),
		})
	}
	if d.WinRateOverall > 0 && d.WinRateOverall < 0.88 {
		fresh = append(fresh, Recommendation{
			Kind:     RecommendQuality,
			Priority: 1,
			Title:    "Win rate trending toward SLO floor",
			Detail:   fmt.Sprintf("Overall win rate %.3f; review per-bucket win rates for a regressing tier.", d.WinRateOverall),
			ExpectedImpact: "Raising alpha by 0.05 typically recovers 1-2pp of win rate at higher cost.",
		})
	}
	if d.LatencyOverall.P95Ms > 2000 {
		fresh = append(fresh, Recommendation{
			Kind:     RecommendPerformance,
			Priority: 2,
			Title:    "P95 latency approaching SLO",
			Detail:   fmt.Sprintf("P95 latency %.0fms; check per-provider latencies for a slow upstream.", d.LatencyOverall.P95Ms),
			ExpectedImpact: "Routing away from the slowest provider cuts P95 proportionally to its traffic share.",
		})
	}
	for prov, h := range d.ProviderHealth {
		if h.Requests >= 20 && h.ErrorRate > 0.10 {
			fresh = append(fresh, Recommendation{
				Kind:     RecommendConfiguration,
				Priority: 1,
				Title:    fmt.Sprintf("Provider %s degraded", prov),
				Detail:   fmt.Sprintf("%s error rate %.3f over %d requests; consider dropping it from candidate lists until recovered.", prov, h.ErrorRate, h.Requests),
				ExpectedImpact: "Removes fallback churn and breaker trips from the affected provider.",
			})
		}
	}

	r.mu.Lock()
	for _, rec := range fresh {
		rec.ID = uuid.NewString()
		rec.CreatedAt = now
		r.pending = append(r.pending, rec)
	}
	r.mu.Unlock()
	r.prune()

	if len(fresh) > 0 {
		r.logger.Printf("Generated %d recommendations", len(fresh))
	}
}

// prune drops recommendations past the TTL.
func (r *Recommender) prune() {
	cutoff := r.now().Add(-recommendationTTL)
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.pending[:0]
	for _, rec := range r.pending {
		if rec.CreatedAt.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	r.pending = kept
}

// Pending returns a snapshot of current recommendations.
func (r *Recommender) Pending() []Recommendation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Recommendation, len(r.pending))
	copy(out, r.pending)
	return out
}
