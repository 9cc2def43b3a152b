package guardrail

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

func featsWithTokens(tokens int) *core.RequestFeatures {
	return &core.RequestFeatures{TokenCount: tokens}
}

func TestEstimateOutputTokens(t *testing.T) {
	cases := []struct {
		name string
		f    *core.RequestFeatures
		want int
	}{
		{"short prompt", featsWithTokens(500), 1024},
		{"typical prompt", featsWithTokens(5000), 2048},
		{"long prompt", featsWithTokens(30000), 4096},
		{"very long prompt", featsWithTokens(60000), 8192},
		{"short with code", &core.RequestFeatures{TokenCount: 500, HasCode: true}, 4096},
		{"short with math", &core.RequestFeatures{TokenCount: 500, HasMath: true}, 3072},
		{"long prompt beats code bump", &core.RequestFeatures{TokenCount: 60000, HasCode: true}, 8192},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EstimateOutputTokens(tc.f))
		})
	}
}

func TestFittingRequestKeepsBucket(t *testing.T) {
	g := New()
	res := g.Adjust(core.BucketCheap, featsWithTokens(1000), nil)
	assert.Equal(t, core.BucketCheap, res.Bucket)
	assert.False(t, res.Escalated)
	assert.Empty(t, res.Reason)
}

func TestCheapSafeLimitBoundary(t *testing.T) {
	g := New()

	// Safe input limit for cheap is 32768*0.9 = 29491 tokens.
	res := g.Adjust(core.BucketCheap, featsWithTokens(29491), nil)
	assert.Equal(t, core.BucketCheap, res.Bucket)
	assert.False(t, res.Escalated)

	res = g.Adjust(core.BucketCheap, featsWithTokens(29492), nil)
	assert.Equal(t, core.BucketMid, res.Bucket)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.Reason, "cheap")
}

func TestMidEscalatesToHard(t *testing.T) {
	g := New()
	res := g.Adjust(core.BucketMid, featsWithTokens(200000), nil)
	assert.Equal(t, core.BucketHard, res.Bucket)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.Reason, "mid")
}

func TestCheapJumpsStraightToHardWhenMidIsTooSmall(t *testing.T) {
	g := New()
	res := g.Adjust(core.BucketCheap, featsWithTokens(500000), nil)
	assert.Equal(t, core.BucketHard, res.Bucket)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.Reason, "mid")
}

func TestEmergencyEscalationRecommendsWidestModel(t *testing.T) {
	fired := 0
	g := New(WithEmergencyHook(func() { fired++ }))

	available := []ModelWindow{
		{Model: "openai/gpt-5", Input: 272000},
		{Model: "google/gemini-2.5-pro", Input: 1048576},
		{Model: "deepseek/deepseek-chat", Input: 64000},
	}
	res := g.Adjust(core.BucketHard, featsWithTokens(2000000), available)

	assert.Equal(t, core.BucketHard, res.Bucket)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.Reason, "hard")
	assert.Equal(t, "google/gemini-2.5-pro", res.RecommendedModel)
	assert.Equal(t, 1, fired)
}

func TestEmergencyWithNoAvailableModels(t *testing.T) {
	g := New(WithEmergencyHook(func() {}))
	res := g.Adjust(core.BucketHard, featsWithTokens(2000000), nil)
	assert.Equal(t, core.BucketHard, res.Bucket)
	assert.Empty(t, res.RecommendedModel)
}

func TestCustomLimits(t *testing.T) {
	g := New(WithLimits(map[core.Bucket]Limits{
		core.BucketCheap: {Input: 1000, Output: 4096},
		core.BucketMid:   {Input: 8000, Output: 4096},
		core.BucketHard:  {Input: 64000, Output: 4096},
	}))

	res := g.Adjust(core.BucketCheap, featsWithTokens(1500), nil)
	assert.Equal(t, core.BucketMid, res.Bucket)
	assert.True(t, res.Escalated)
}
