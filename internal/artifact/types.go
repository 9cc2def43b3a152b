// Package artifact loads, validates, caches, and hot-reloads the routing
// policy artifact. The store is the exclusive owner of the current artifact;
// readers get an immutable snapshot pointer valid for the life of a request.
package artifact

import (
	"fmt"
)

// Thresholds are the triage cut-offs read from the artifact.
type Thresholds struct {
	Cheap float64 `json:"cheap"`
	Hard  float64 `json:"hard"`
}

// Penalties are the non-negative score penalties applied by the selector.
type Penalties struct {
	LatencySD    float64 `json:"latency_sd"`
	CtxOver80Pct float64 `json:"ctx_over_80pct"`
}

// GBDTHandle references the triage model: a framework tag, a payload (inline
// trees or a path resolved against the artifact base URL), and the ordered
// feature schema the model expects.
type GBDTHandle struct {
	Framework     string  `json:"framework"`
	ModelPath     string  `json:"model_path,omitempty"`
	Trees         []Tree  `json:"trees,omitempty"`
	FeatureSchema []string `json:"feature_schema"`
}

// Tree is one regression tree of the ensemble, one per output class round.
// Nodes are stored flat; Left/Right index into Nodes, -1 marks a leaf.
type Tree struct {
	Class int        `json:"class"` // 0=cheap 1=mid 2=hard
	Nodes []TreeNode `json:"nodes"`
}

// TreeNode is a split (Feature/Threshold/Left/Right) or a leaf (Value).
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// Artifact is the routing policy in force, versioned by an opaque string.
type Artifact struct {
	Version    string     `json:"version"`
	Alpha      float64    `json:"alpha"`
	Thresholds Thresholds `json:"thresholds"`
	Penalties  Penalties  `json:"penalties"`

	// Qhat maps model slug to K per-cluster quality scores in [0,1].
	Qhat map[string][]float64 `json:"qhat"`
	// Chat maps model slug to a normalized cost score in [0,1].
	Chat map[string]float64 `json:"chat"`

	GBDT GBDTHandle `json:"gbdt"`
	// Centroids points to the nearest-neighbour index asset, resolved
	// relative to the artifact URL base. May also inline vectors.
	Centroids       string      `json:"centroids,omitempty"`
	CentroidVectors [][]float64 `json:"centroid_vectors,omitempty"`
}

// K returns the cluster count the artifact was trained with.
func (a *Artifact) K() int {
	for _, scores := range a.Qhat {
		return len(scores)
	}
	return 0
}

// QualityFor returns qhat[model][cluster], falling back to the mean over
// clusters when the cluster id is out of range. The second return is false
// when the model has no qhat entry at all.
func (a *Artifact) QualityFor(model string, cluster int) (float64, bool) {
	scores, ok := a.Qhat[model]
	if !ok || len(scores) == 0 {
		return 0, false
	}
	if cluster >= 0 && cluster < len(scores) {
		return scores[cluster], true
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores)), true
}

// Validate checks the structural invariants of a decoded artifact.
// Candidates are the union of all configured bucket candidate lists; every
// candidate must resolve in both qhat and chat.
func (a *Artifact) Validate(candidates []string) error {
	if a.Version == "" {
		return fmt.Errorf("invalid_artifact: missing version")
	}
	if a.Alpha < 0 || a.Alpha > 1 {
		return fmt.Errorf("invalid_artifact: alpha %v outside [0,1]", a.Alpha)
	}
	if a.Thresholds.Cheap < 0 || a.Thresholds.Cheap > 1 {
		return fmt.Errorf("invalid_artifact: thresholds.cheap %v outside [0,1]", a.Thresholds.Cheap)
	}
	if a.Thresholds.Hard < 0 || a.Thresholds.Hard > 1 {
		return fmt.Errorf("invalid_artifact: thresholds.hard %v outside [0,1]", a.Thresholds.Hard)
	}
	if a.Penalties.LatencySD < 0 || a.Penalties.CtxOver80Pct < 0 {
		return fmt.Errorf("invalid_artifact: negative penalty")
	}

	k := a.K()
	for model, scores := range a.Qhat {
		if len(scores) != k {
			return fmt.Errorf("invalid_artifact: qhat[%s] has %d clusters, want %d", model, len(scores), k)
		}
		for i, s := range scores {
			if s < 0 || s > 1 {
				return fmt.Errorf("invalid_artifact: qhat[%s][%d]=%v outside [0,1]", model, i, s)
			}
		}
	}
	for model, cost := range a.Chat {
		if cost < 0 || cost > 1 {
			return fmt.Errorf("invalid_artifact: chat[%s]=%v outside [0,1]", model, cost)
		}
	}

	for _, m := range candidates {
		if _, ok := a.Qhat[m]; !ok {
			return fmt.Errorf("invalid_artifact: candidate %s missing from qhat", m)
		}
		if _, ok := a.Chat[m]; !ok {
			return fmt.Errorf("invalid_artifact: candidate %s missing from chat", m)
		}
	}
	return nil
}
