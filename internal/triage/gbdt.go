package triage

import (
	"fmt"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
)

// TreeScorer evaluates an inline gradient-boosted tree ensemble. Each tree
// contributes its leaf value to one of the three class margins; the sum per
// class is the raw score softmaxed by the classifier.
type TreeScorer struct {
	schema []string
	trees  []artifact.Tree
}

// NewTreeScorer validates and wraps the artifact's inline tree payload.
func NewTreeScorer(h artifact.GBDTHandle) (*TreeScorer, error) {
	if len(h.Trees) == 0 {
		return nil, fmt.Errorf("%w: no trees in payload", ErrUnavailable)
	}
	if len(h.FeatureSchema) == 0 {
		return nil, fmt.Errorf("%w: empty feature schema", ErrUnavailable)
	}
	for ti, t := range h.Trees {
		if t.Class < 0 || t.Class > 2 {
			return nil, fmt.Errorf("%w: tree %d targets class %d", ErrUnavailable, ti, t.Class)
		}
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("%w: tree %d has no nodes", ErrUnavailable, ti)
		}
		for ni, n := range t.Nodes {
			if n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return nil, fmt.Errorf("%w: tree %d node %d child out of range", ErrUnavailable, ti, ni)
			}
		}
		if err := checkAcyclic(t.Nodes); err != nil {
			return nil, fmt.Errorf("%w: tree %d %v", ErrUnavailable, ti, err)
		}
	}
	return &TreeScorer{schema: h.FeatureSchema, trees: h.Trees}, nil
}

// checkAcyclic verifies every path from the root reaches a leaf. A node
// revisited on the walk means walk() would never terminate on it.
func checkAcyclic(nodes []artifact.TreeNode) error {
	visited := make([]bool, len(nodes))
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[i] {
			return fmt.Errorf("node %d revisited: cyclic structure", i)
		}
		visited[i] = true
		n := nodes[i]
		if n.Left < 0 || n.Right < 0 {
			continue
		}
		stack = append(stack, n.Left, n.Right)
	}
	return nil
}

// Schema returns the ordered feature names the ensemble expects.
func (s *TreeScorer) Schema() []string { return s.schema }

// Score walks each tree to its leaf and accumulates per-class margins.
func (s *TreeScorer) Score(vec []float64) ([3]float64, error) {
	var out [3]float64
	for _, t := range s.trees {
		out[t.Class] += walk(t.Nodes, vec)
	}
	return out, nil
}

func walk(nodes []artifact.TreeNode, vec []float64) float64 {
	i := 0
	for {
		n := nodes[i]
		if n.Left < 0 || n.Right < 0 {
			return n.Value
		}
		feat := 0.0
		if n.Feature >= 0 && n.Feature < len(vec) {
			feat = vec[n.Feature]
		}
		if feat < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}
