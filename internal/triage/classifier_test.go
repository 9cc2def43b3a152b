package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

func feats(tokens int, code, math bool) *core.RequestFeatures {
	return &core.RequestFeatures{
		TokenCount:   tokens,
		HasCode:      code,
		HasMath:      math,
		NgramEntropy: 4.0,
		ContextRatio: 0.1,
		Distances:    []float64{0.2},
	}
}

func probSum(p core.BucketProbabilities) float64 {
	return p.Cheap + p.Mid + p.Hard
}

func TestEmergencyRules(t *testing.T) {
	cases := []struct {
		name string
		f    *core.RequestFeatures
		want core.BucketProbabilities
	}{
		{"short prose is cheap", feats(500, false, false), core.BucketProbabilities{Cheap: 1}},
		{"long context is hard", feats(150000, false, false), core.BucketProbabilities{Hard: 1}},
		{"code plus math is hard", feats(500, true, true), core.BucketProbabilities{Hard: 1}},
		{"code alone is mid", feats(500, true, false), core.BucketProbabilities{Mid: 1}},
		{"medium length is mid", feats(5000, false, false), core.BucketProbabilities{Mid: 1}},
	}

	c := NewClassifier()
	art := artifact.Emergency()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Predict(tc.f, art)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNilArtifactFallsBackToEmergencyRules(t *testing.T) {
	c := NewClassifier()
	p := c.Predict(feats(100, false, false), nil)
	assert.Equal(t, 1.0, p.Cheap)
}

func TestUnknownFrameworkFallsBackToEmergencyRules(t *testing.T) {
	art := artifact.Emergency()
	art.GBDT.Framework = "onnx"

	c := NewClassifier()
	p := c.Predict(feats(100, false, false), art)
	assert.Equal(t, 1.0, p.Cheap)
}

// twoLeafTree returns a stump on feature fi: value left when below the
// threshold, right otherwise.
func twoLeafTree(class, fi int, threshold, left, right float64) artifact.Tree {
	return artifact.Tree{
		Class: class,
		Nodes: []artifact.TreeNode{
			{Feature: fi, Threshold: threshold, Left: 1, Right: 2},
			{Left: -1, Right: -1, Value: left},
			{Left: -1, Right: -1, Value: right},
		},
	}
}

func treeArtifact(trees ...artifact.Tree) *artifact.Artifact {
	art := artifact.Emergency()
	art.GBDT = artifact.GBDTHandle{
		Framework:     "trees",
		FeatureSchema: []string{"token_count", "has_code"},
		Trees:         trees,
	}
	return art
}

func TestTreeScorerProbabilitiesSumToOne(t *testing.T) {
	art := treeArtifact(
		twoLeafTree(0, 0, 1000, 2.0, -1.0), // cheap margin favors short prompts
		twoLeafTree(2, 0, 1000, -1.0, 2.0), // hard margin favors long prompts
		twoLeafTree(1, 1, 0.5, 0.0, 1.5),   // code nudges toward mid
	)

	c := NewClassifier()
	for _, f := range []*core.RequestFeatures{
		feats(100, false, false),
		feats(100000, true, false),
		feats(3000, false, true),
	} {
		p := c.Predict(f, art)
		assert.InDelta(t, 1.0, probSum(p), 1e-6)
		assert.GreaterOrEqual(t, p.Cheap, 0.0)
		assert.GreaterOrEqual(t, p.Mid, 0.0)
		assert.GreaterOrEqual(t, p.Hard, 0.0)
	}
}

func TestTreeScorerOrdersClassesByMargin(t *testing.T) {
	art := treeArtifact(
		twoLeafTree(0, 0, 1000, 3.0, -3.0),
		twoLeafTree(2, 0, 1000, -3.0, 3.0),
	)
	c := NewClassifier()

	short := c.Predict(feats(10, false, false), art)
	assert.Greater(t, short.Cheap, short.Hard)

	long := c.Predict(feats(50000, false, false), art)
	assert.Greater(t, long.Hard, long.Cheap)
}

func TestNewTreeScorerRejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name string
		h    artifact.GBDTHandle
	}{
		{"no trees", artifact.GBDTHandle{Framework: "trees", FeatureSchema: []string{"token_count"}}},
		{"empty schema", artifact.GBDTHandle{Framework: "trees", Trees: []artifact.Tree{twoLeafTree(0, 0, 1, 0, 0)}}},
		{"bad class", artifact.GBDTHandle{
			Framework:     "trees",
			FeatureSchema: []string{"token_count"},
			Trees:         []artifact.Tree{twoLeafTree(7, 0, 1, 0, 0)},
		}},
		{"child out of range", artifact.GBDTHandle{
			Framework:     "trees",
			FeatureSchema: []string{"token_count"},
			Trees: []artifact.Tree{{
				Class: 0,
				Nodes: []artifact.TreeNode{{Feature: 0, Threshold: 1, Left: 5, Right: 6}},
			}},
		}},
		{"self-loop", artifact.GBDTHandle{
			Framework:     "trees",
			FeatureSchema: []string{"token_count"},
			Trees: []artifact.Tree{{
				Class: 0,
				Nodes: []artifact.TreeNode{{Feature: 0, Threshold: 1, Left: 0, Right: 0}},
			}},
		}},
		{"cycle through interior nodes", artifact.GBDTHandle{
			Framework:     "trees",
			FeatureSchema: []string{"token_count"},
			Trees: []artifact.Tree{{
				Class: 0,
				Nodes: []artifact.TreeNode{
					{Feature: 0, Threshold: 1, Left: 1, Right: 2},
					{Feature: 0, Threshold: 1, Left: 0, Right: 2},
					{Left: -1, Right: -1, Value: 1},
				},
			}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTreeScorer(tc.h)
			require.ErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestMalformedTreePayloadDegradesToEmergency(t *testing.T) {
	art := artifact.Emergency()
	art.GBDT = artifact.GBDTHandle{Framework: "trees"} // no trees, no schema

	c := NewClassifier()
	p := c.Predict(feats(100, false, false), art)
	assert.Equal(t, 1.0, p.Cheap)
}

func TestAssembleVectorZeroImputesUnknownFeatures(t *testing.T) {
	vec := assembleVector([]string{"token_count", "mystery_feature", "has_code"}, feats(42, true, false))
	assert.Equal(t, []float64{42, 0, 1}, vec)
}

func TestSoftmaxIsStableForLargeMargins(t *testing.T) {
	p := softmax([3]float64{1000, 999, 998})
	assert.InDelta(t, 1.0, probSum(p), 1e-9)
	assert.Greater(t, p.Cheap, p.Mid)
	assert.Greater(t, p.Mid, p.Hard)
}
