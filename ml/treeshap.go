package ml

import (
	"errors"
	"fmt"
)

// TreeExplainer computes exact path-dependent TreeSHAP attributions in
// log-odds space. Node covers stand in for the training distribution, so
// for every x: ExpectedValue() + sum(ShapValues(x)) == Margin(x).
type TreeExplainer struct {
	model         *TreeEnsemble
	numFeatures   int
	expectedValue float64
}

// NewTreeExplainer derives an explainer from a validated ensemble.
func NewTreeExplainer(model *TreeEnsemble, numFeatures int) (*TreeExplainer, error) {
	if model == nil {
		return nil, errors.New("model is nil")
	}
	if err := model.Validate(numFeatures); err != nil {
		return nil, err
	}
	expected := model.BaseMargin
	for i := range model.Trees {
		expected += model.Trees[i].expectedValue(0)
	}
	return &TreeExplainer{model: model, numFeatures: numFeatures, expectedValue: expected}, nil
}

// ExpectedValue is the cover-weighted mean margin of the ensemble.
func (te *TreeExplainer) ExpectedValue() float64 {
	return te.expectedValue
}

// ShapValues returns one attribution per feature for x.
func (te *TreeExplainer) ShapValues(features []float64) ([]float64, error) {
	if len(features) != te.numFeatures {
		return nil, fmt.Errorf("explainer expects %d features, got %d", te.numFeatures, len(features))
	}
	phi := make([]float64, te.numFeatures)
	for i := range te.model.Trees {
		te.model.Trees[i].shap(phi, features, 0, nil, 0, 1, 1, -1)
	}
	return phi, nil
}

func (t *Tree) expectedValue(idx int) float64 {
	node := &t.Nodes[idx]
	if node.IsLeaf {
		return node.Value
	}
	left, right := &t.Nodes[node.LeftChild], &t.Nodes[node.RightChild]
	return (left.Cover*t.expectedValue(node.LeftChild) + right.Cover*t.expectedValue(node.RightChild)) / (left.Cover + right.Cover)
}

type pathElement struct {
	featureIdx   int
	zeroFraction float64
	oneFraction  float64
	pweight      float64
}

func (t *Tree) shap(phi, x []float64, idx int, parent []pathElement, depth int, zero, one float64, feature int) {
	path := make([]pathElement, depth+1)
	copy(path, parent)
	extendPath(path, depth, zero, one, feature)

	node := &t.Nodes[idx]
	if node.IsLeaf {
		for i := 1; i <= depth; i++ {
			w := unwoundPathSum(path, depth, i)
			el := path[i]
			phi[el.featureIdx] += w * (el.oneFraction - el.zeroFraction) * node.Value
		}
		return
	}

	hot, cold := node.LeftChild, node.RightChild
	if !(x[node.FeatureIdx] < node.Threshold) {
		hot, cold = cold, hot
	}
	total := t.Nodes[hot].Cover + t.Nodes[cold].Cover
	hotZero := t.Nodes[hot].Cover / total
	coldZero := t.Nodes[cold].Cover / total

	// a feature seen higher up the path is unwound so it is counted once
	incomingZero, incomingOne := 1.0, 1.0
	k := 0
	for ; k <= depth; k++ {
		if path[k].featureIdx == node.FeatureIdx {
			break
		}
	}
	if k <= depth {
		incomingZero = path[k].zeroFraction
		incomingOne = path[k].oneFraction
		unwindPath(path, depth, k)
		depth--
	}

	t.shap(phi, x, hot, path, depth+1, hotZero*incomingZero, incomingOne, node.FeatureIdx)
	t.shap(phi, x, cold, path, depth+1, coldZero*incomingZero, 0, node.FeatureIdx)
}

func extendPath(path []pathElement, depth int, zero, one float64, feature int) {
	path[depth] = pathElement{featureIdx: feature, zeroFraction: zero, oneFraction: one}
	if depth == 0 {
		path[0].pweight = 1
	}
	d := float64(depth + 1)
	for i := depth - 1; i >= 0; i-- {
		path[i+1].pweight += one * path[i].pweight * float64(i+1) / d
		path[i].pweight = zero * path[i].pweight * float64(depth-i) / d
	}
}

func unwindPath(path []pathElement, depth, idx int) {
	one := path[idx].oneFraction
	zero := path[idx].zeroFraction
	next := path[depth].pweight
	d := float64(depth + 1)
	for i := depth - 1; i >= 0; i-- {
		if one != 0 {
			tmp := path[i].pweight
			path[i].pweight = next * d / (float64(i+1) * one)
			next = tmp - path[i].pweight*zero*float64(depth-i)/d
		} else {
			path[i].pweight = path[i].pweight * d / (zero * float64(depth-i))
		}
	}
	for i := idx; i < depth; i++ {
		path[i].featureIdx = path[i+1].featureIdx
		path[i].zeroFraction = path[i+1].zeroFraction
		path[i].oneFraction = path[i+1].oneFraction
	}
}

func unwoundPathSum(path []pathElement, depth, idx int) float64 {
	one := path[idx].oneFraction
	zero := path[idx].zeroFraction
	next := path[depth].pweight
	d := float64(depth + 1)
	total := 0.0
	for i := depth - 1; i >= 0; i-- {
		if one != 0 {
			tmp := next * d / (float64(i+1) * one)
			total += tmp
			next = path[i].pweight - tmp*zero*float64(depth-i)/d
		} else if zero != 0 {
			total += path[i].pweight / zero / (float64(depth-i) / d)
		}
	}
	return total
}
