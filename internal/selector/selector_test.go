package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

func scoringArtifact(alpha float64) *artifact.Artifact {
	return &artifact.Artifact{
		Version: "test",
		Alpha:   alpha,
		Qhat: map[string][]float64{
			"premium/model": {0.95, 0.90},
			"budget/model":  {0.60, 0.55},
			"middle/model":  {0.80, 0.75},
		},
		Chat: map[string]float64{
			"premium/model": 0.90,
			"budget/model":  0.05,
			"middle/model":  0.40,
		},
	}
}

func plainFeatures() *core.RequestFeatures {
	return &core.RequestFeatures{TokenCount: 2000, ClusterID: 0, ContextRatio: 0.1}
}

var allCandidates = []string{"premium/model", "budget/model", "middle/model"}

func TestAlphaZeroPicksCheapest(t *testing.T) {
	s := New()
	got := s.Select(allCandidates, plainFeatures(), scoringArtifact(0), 1)
	assert.Equal(t, "budget/model", got)
}

func TestAlphaOnePicksHighestQuality(t *testing.T) {
	s := New()
	got := s.Select(allCandidates, plainFeatures(), scoringArtifact(1), 1)
	assert.Equal(t, "premium/model", got)
}

func TestScoreAllSortsDescending(t *testing.T) {
	s := New()
	scored := s.ScoreAll(allCandidates, plainFeatures(), scoringArtifact(0.5))
	require.Len(t, scored, 3)
	for i := 1; i < len(scored); i++ {
		assert.GreaterOrEqual(t, scored[i-1].Score, scored[i].Score)
	}
}

func TestCandidatesMissingFromTablesAreDisqualified(t *testing.T) {
	art := scoringArtifact(0.5)
	delete(art.Qhat, "middle/model")
	delete(art.Chat, "budget/model")

	s := New()
	scored := s.ScoreAll(allCandidates, plainFeatures(), art)
	require.Len(t, scored, 1)
	assert.Equal(t, "premium/model", scored[0].Model)
}

func TestAllDisqualifiedFallsBackToFirstCandidate(t *testing.T) {
	art := scoringArtifact(0.5)
	art.Qhat = map[string][]float64{}
	art.Chat = map[string]float64{}

	s := New()
	got := s.Select(allCandidates, plainFeatures(), art, 1)
	assert.Equal(t, "premium/model", got)
}

func TestEmptyCandidateListReturnsEmpty(t *testing.T) {
	s := New()
	assert.Equal(t, "", s.Select(nil, plainFeatures(), scoringArtifact(0.5), 1))
}

func TestContextPenaltyApplies(t *testing.T) {
	art := scoringArtifact(0.5)
	art.Penalties.CtxOver80Pct = 0.2

	s := New()
	low := s.ScoreAll([]string{"middle/model"}, plainFeatures(), art)
	high := s.ScoreAll([]string{"middle/model"}, &core.RequestFeatures{TokenCount: 2000, ContextRatio: 0.9}, art)
	require.Len(t, low, 1)
	require.Len(t, high, 1)
	assert.InDelta(t, 0.2, low[0].Score-high[0].Score, 1e-9)
}

func TestLatencyVariancePenalty(t *testing.T) {
	art := scoringArtifact(1)
	art.Penalties.LatencySD = 0.1

	s := New(WithLatencyVariance(func(model string) float64 {
		if model == "premium/model" {
			return 2.0
		}
		return 0
	}))
	scored := s.ScoreAll([]string{"premium/model", "middle/model"}, plainFeatures(), art)
	require.Len(t, scored, 2)

	// Premium leads on quality (0.95 vs 0.80) until its 0.2 variance
	// penalty drops it below middle.
	assert.Equal(t, "middle/model", scored[0].Model)
}

func TestDeepseekCodeBonus(t *testing.T) {
	f := &core.RequestFeatures{TokenCount: 2000, HasCode: true}
	assert.InDelta(t, -0.05, adjustment("deepseek/deepseek-chat", f), 1e-9)
	assert.InDelta(t, 0.0, adjustment("middle/model", f), 1e-9)
}

func TestMathPenalizesNonReasoningModels(t *testing.T) {
	f := &core.RequestFeatures{TokenCount: 2000, HasMath: true}
	assert.InDelta(t, 0.10, adjustment("mistral/mistral-large", f), 1e-9)
	assert.InDelta(t, 0.0, adjustment("openai/gpt-5", f), 1e-9)
	assert.InDelta(t, 0.0, adjustment("anthropic/claude-opus-4", f), 1e-9)
}

func TestLongContextPenalizesNonGemini(t *testing.T) {
	f := &core.RequestFeatures{TokenCount: 150000}
	assert.InDelta(t, 0.0, adjustment("google/gemini-2.5-pro", f), 1e-9)
	assert.InDelta(t, 0.15, adjustment("anthropic/claude-sonnet-4", f), 1e-9)
}

func TestFallbacksExcludeChosenAndKeepScoreOrder(t *testing.T) {
	s := New()
	art := scoringArtifact(1)

	fallbacks := s.Fallbacks("premium/model", allCandidates, plainFeatures(), art)
	assert.Equal(t, []string{"middle/model", "budget/model"}, fallbacks)
}

func TestExplorationStaysWithinTopN(t *testing.T) {
	s := New(WithExploration(1.0, 2))
	art := scoringArtifact(1)

	seen := make(map[string]bool)
	for seed := int64(0); seed < 50; seed++ {
		seen[s.Select(allCandidates, plainFeatures(), art, seed)] = true
	}
	// Epsilon 1.0 always explores, but only among the two best scorers.
	assert.False(t, seen["budget/model"])
	assert.True(t, seen["premium/model"])
}

func TestExplorationIsDeterministicPerSeed(t *testing.T) {
	s := New(WithExploration(0.5, 3))
	art := scoringArtifact(0.5)

	a := s.Select(allCandidates, plainFeatures(), art, 42)
	b := s.Select(allCandidates, plainFeatures(), art, 42)
	assert.Equal(t, a, b)
}
