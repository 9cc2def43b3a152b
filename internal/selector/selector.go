// Package selector picks the best model inside a bucket by the alpha score:
// alpha*quality - (1-alpha)*cost - penalties, with a small closed set of
// model-specific adjustments.
package selector

import (
	"log"
	"math/rand"
	"sort"
	"strings"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// Selector scores candidates against the artifact's quality/cost tables.
type Selector struct {
	logger *log.Logger

	// Exploration: with probability epsilon pick uniformly among the topN
	// scorers. Zero epsilon is pure greedy (the default).
	epsilon float64
	topN    int

	// latencyVariance maps model slug to its relative latency variance,
	// fed by the metrics engine. Missing entries count as zero.
	latencyVariance func(model string) float64
}

// Option configures a Selector.
type Option func(*Selector)

// WithExploration enables epsilon-greedy choice among the top n scorers.
func WithExploration(epsilon float64, topN int) Option {
	return func(s *Selector) {
		s.epsilon = epsilon
		s.topN = topN
	}
}

// WithLatencyVariance injects the per-model latency variance source.
func WithLatencyVariance(fn func(model string) float64) Option {
	return func(s *Selector) { s.latencyVariance = fn }
}

// New builds a selector.
func New(opts ...Option) *Selector {
	s := &Selector{
		logger: log.New(log.Writer(), "[SELECTOR] ", log.LstdFlags),
		topN:   3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scored is one candidate with its computed alpha score.
type Scored struct {
	Model string
	Score float64
}

// Select returns the best candidate slug. Candidates missing from qhat or
// chat are disqualified; if everything is disqualified the first original
// candidate is returned. An empty input returns "" with a logged warning.
// seed drives the exploration draw and must be derived per request.
func (s *Selector) Select(candidates []string, f *core.RequestFeatures, art *artifact.Artifact, seed int64) string {
	if len(candidates) == 0 {
		s.logger.Printf("⚠️  Select called with no candidates")
		return ""
	}

	scored := s.ScoreAll(candidates, f, art)
	if len(scored) == 0 {
		return candidates[0]
	}

	if s.epsilon > 0 {
		rng := rand.New(rand.NewSource(seed))
		if rng.Float64() < s.epsilon {
			n := s.topN
			if n > len(scored) {
				n = len(scored)
			}
			return scored[rng.Intn(n)].Model
		}
	}
	return scored[0].Model
}

// ScoreAll computes alpha scores for every qualified candidate, sorted
// descending. Ties preserve input order (stable sort).
func (s *Selector) ScoreAll(candidates []string, f *core.RequestFeatures, art *artifact.Artifact) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, m := range candidates {
		quality, ok := art.QualityFor(m, f.ClusterID)
		if !ok {
			continue
		}
		cost, ok := art.Chat[m]
		if !ok {
			continue
		}

		penalty := 0.0
		if f.ContextRatio > 0.8 {
			penalty += art.Penalties.CtxOver80Pct
		}
		if s.latencyVariance != nil {
			penalty += art.Penalties.LatencySD * s.latencyVariance(m)
		}
		penalty += adjustment(m, f)

		score := art.Alpha*quality - (1-art.Alpha)*cost - penalty
		scored = append(scored, Scored{Model: m, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// Fallbacks returns the remaining qualified candidates in score order,
// excluding the chosen model.
func (s *Selector) Fallbacks(chosen string, candidates []string, f *core.RequestFeatures, art *artifact.Artifact) []string {
	scored := s.ScoreAll(candidates, f, art)
	out := make([]string, 0, len(scored))
	for _, sc := range scored {
		if sc.Model != chosen {
			out = append(out, sc.Model)
		}
	}
	return out
}

// adjustment applies the closed set of model-specific score adjustments.
// Negative values are bonuses (penalty is subtracted from the score).
func adjustment(model string, f *core.RequestFeatures) float64 {
	adj := 0.0
	if f.HasCode && strings.Contains(model, "deepseek") {
		adj -= 0.05
	}
	if f.HasMath && !isReasoningModel(model) {
		adj += 0.10
	}
	if f.TokenCount > 100000 && !strings.Contains(model, "gemini") {
		adj += 0.15
	}
	return adj
}

// isReasoningModel reports whether the slug names a model with a latent
// reasoning mode.
func isReasoningModel(model string) bool {
	for _, marker := range []string{"gpt-5", "o1", "o3", "gemini-2", "deepseek-r1", "opus", "thinking"} {
		if strings.Contains(model, marker) {
			return true
		}
	}
	return false
}
