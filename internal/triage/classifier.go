// Package triage produces cheap/mid/hard probabilities from request
// features by evaluating the gradient-boosted model the artifact references.
package triage

import (
	"errors"
	"log"
	"math"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// ErrUnavailable signals the configured framework could not score; callers
// fall back to the emergency framework.
var ErrUnavailable = errors.New("triage_unavailable")

// Scorer is the capability set a triage framework must provide: an ordered
// feature schema and a raw 3-class score.
type Scorer interface {
	Schema() []string
	Score(vector []float64) ([3]float64, error)
}

// Classifier dispatches over the artifact's gbdt.framework tag. The
// emergency framework is always present as the terminal fallback.
type Classifier struct {
	logger *log.Logger
}

// NewClassifier builds a triage classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		logger: log.New(log.Writer(), "[TRIAGE] ", log.LstdFlags),
	}
}

// Predict assembles the feature vector in schema order (unknown features
// zero-imputed), evaluates the model, and softmax-normalizes the output.
// On framework failure it degrades to the emergency rule set.
func (c *Classifier) Predict(f *core.RequestFeatures, art *artifact.Artifact) core.BucketProbabilities {
	scorer, err := c.scorerFor(art)
	if err != nil {
		c.logger.Printf("⚠️  %v, using emergency rules", err)
		scorer = EmergencyScorer{}
	}

	vec := assembleVector(scorer.Schema(), f)
	raw, err := scorer.Score(vec)
	if err != nil {
		c.logger.Printf("⚠️  Score failed (%v), using emergency rules", err)
		scorer = EmergencyScorer{}
		raw, _ = scorer.Score(assembleVector(scorer.Schema(), f))
	}

	// Emergency output is already a one-hot probability vector.
	if _, oneHot := scorer.(EmergencyScorer); oneHot {
		return core.BucketProbabilities{Cheap: raw[0], Mid: raw[1], Hard: raw[2]}
	}
	return softmax(raw)
}

func (c *Classifier) scorerFor(art *artifact.Artifact) (Scorer, error) {
	if art == nil {
		return nil, ErrUnavailable
	}
	switch art.GBDT.Framework {
	case "emergency", "":
		return EmergencyScorer{}, nil
	case "trees":
		return NewTreeScorer(art.GBDT)
	default:
		return nil, ErrUnavailable
	}
}

// assembleVector maps the schema's feature names onto numeric values.
// Unknown names are zero-imputed.
func assembleVector(schema []string, f *core.RequestFeatures) []float64 {
	vec := make([]float64, len(schema))
	for i, name := range schema {
		switch name {
		case "token_count":
			vec[i] = float64(f.TokenCount)
		case "has_code":
			vec[i] = boolToFloat(f.HasCode)
		case "has_math":
			vec[i] = boolToFloat(f.HasMath)
		case "ngram_entropy":
			vec[i] = f.NgramEntropy
		case "context_ratio":
			vec[i] = f.ContextRatio
		case "cluster_id":
			vec[i] = float64(f.ClusterID)
		case "top_distance":
			if len(f.Distances) > 0 {
				vec[i] = f.Distances[0]
			}
		}
	}
	return vec
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// softmax normalizes raw class scores into probabilities that are
// non-negative and sum to 1.
func softmax(raw [3]float64) core.BucketProbabilities {
	max := raw[0]
	for _, v := range raw[1:] {
		if v > max {
			max = v
		}
	}
	var exps [3]float64
	sum := 0.0
	for i, v := range raw {
		exps[i] = math.Exp(v - max)
		sum += exps[i]
	}
	return core.BucketProbabilities{
		Cheap: exps[0] / sum,
		Mid:   exps[1] / sum,
		Hard:  exps[2] / sum,
	}
}
