package ml

import (
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold is the probability above which a transaction is labelled
// fraud, matching the XGBoost classifier convention.
const DefaultThreshold = 0.5

// TreeNode is one node of a regression tree stored in a flat slice.
// Children always have a larger index than their parent.
type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Value      float64 `json:"value"`
	Cover      float64 `json:"cover"`
	IsLeaf     bool    `json:"is_leaf"`
}

// Tree is a single boosted regression tree. A sample goes left when
// x[FeatureIdx] < Threshold.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeEnsemble is a gradient-boosted binary classifier. The raw score is
// BaseMargin plus the sum of every tree's leaf value, in log-odds.
type TreeEnsemble struct {
	BaseMargin float64 `json:"base_margin"`
	Trees      []Tree  `json:"trees"`
}

func (t *Tree) leaf(x []float64) int {
	idx := 0
	for {
		node := &t.Nodes[idx]
		if node.IsLeaf {
			return idx
		}
		if x[node.FeatureIdx] < node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
	}
}

// Predict returns the leaf value reached by x. The tree must be valid.
func (t *Tree) Predict(x []float64) float64 {
	return t.Nodes[t.leaf(x)].Value
}

// Depth is the number of edges on the longest root-to-leaf path.
func (t *Tree) Depth() int {
	depths := make([]int, len(t.Nodes))
	maxDepth := 0
	for i, node := range t.Nodes {
		if node.IsLeaf {
			if depths[i] > maxDepth {
				maxDepth = depths[i]
			}
			continue
		}
		depths[node.LeftChild] = depths[i] + 1
		depths[node.RightChild] = depths[i] + 1
	}
	return maxDepth
}

func (t *Tree) validate(numFeatures int) error {
	if len(t.Nodes) == 0 {
		return errors.New("tree has no nodes")
	}
	parents := make([]int, len(t.Nodes))
	for i, node := range t.Nodes {
		if math.IsNaN(node.Value) || math.IsInf(node.Value, 0) {
			return fmt.Errorf("node %d value is not finite", i)
		}
		if !(node.Cover > 0) || math.IsInf(node.Cover, 0) {
			return fmt.Errorf("node %d cover must be positive", i)
		}
		if node.IsLeaf {
			continue
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= numFeatures {
			return fmt.Errorf("node %d feature index %d out of range", i, node.FeatureIdx)
		}
		if math.IsNaN(node.Threshold) || math.IsInf(node.Threshold, 0) {
			return fmt.Errorf("node %d threshold is not finite", i)
		}
		for _, child := range []int{node.LeftChild, node.RightChild} {
			if child <= i || child >= len(t.Nodes) {
				return fmt.Errorf("node %d has invalid child %d", i, child)
			}
			parents[child]++
		}
		if node.LeftChild == node.RightChild {
			return fmt.Errorf("node %d points both branches at %d", i, node.LeftChild)
		}
	}
	for i := 1; i < len(parents); i++ {
		if parents[i] != 1 {
			return fmt.Errorf("node %d has %d parents", i, parents[i])
		}
	}
	return nil
}

// Validate checks every tree against a feature space of numFeatures.
func (e *TreeEnsemble) Validate(numFeatures int) error {
	if len(e.Trees) == 0 {
		return errors.New("ensemble has no trees")
	}
	if math.IsNaN(e.BaseMargin) || math.IsInf(e.BaseMargin, 0) {
		return errors.New("base margin is not finite")
	}
	for i := range e.Trees {
		if err := e.Trees[i].validate(numFeatures); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

// Margin is the raw log-odds score of x.
func (e *TreeEnsemble) Margin(x []float64) float64 {
	margin := e.BaseMargin
	for i := range e.Trees {
		margin += e.Trees[i].Predict(x)
	}
	return margin
}

// PredictProba returns the probability of the fraud class.
func (e *TreeEnsemble) PredictProba(features []float64) (float64, error) {
	if len(e.Trees) == 0 {
		return 0, errors.New("model not trained")
	}
	if len(features) != FeatureCount {
		return 0, fmt.Errorf("model expects %d features, got %d", FeatureCount, len(features))
	}
	p := sigmoid(e.Margin(features))
	if math.IsNaN(p) {
		return 0, errors.New("model produced a non-finite score")
	}
	return p, nil
}

// MaxDepth is the deepest tree in the ensemble.
func (e *TreeEnsemble) MaxDepth() int {
	d := 0
	for i := range e.Trees {
		if td := e.Trees[i].Depth(); td > d {
			d = td
		}
	}
	return d
}

func sigmoid(m float64) float64 {
	if m >= 0 {
		return 1 / (1 + math.Exp(-m))
	}
	z := math.Exp(m)
	return z / (1 + z)
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}
