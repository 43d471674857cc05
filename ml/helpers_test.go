package ml

import "math/rand"

// stump splits on one feature into two leaves.
func stump(feature int, threshold, left, right, coverLeft, coverRight float64) Tree {
	return Tree{Nodes: []TreeNode{
		{FeatureIdx: feature, Threshold: threshold, LeftChild: 1, RightChild: 2, Cover: coverLeft + coverRight},
		{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Value: left, Cover: coverLeft, IsLeaf: true},
		{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Value: right, Cover: coverRight, IsLeaf: true},
	}}
}

// threeFeatureTree uses features 0, 1 and 2, and splits on feature 0 twice
// along one path so the unwind branch of TreeSHAP is exercised.
func threeFeatureTree() Tree {
	return Tree{Nodes: []TreeNode{
		{FeatureIdx: 0, Threshold: 0.5, LeftChild: 1, RightChild: 6, Cover: 100},
		{FeatureIdx: 1, Threshold: -1, LeftChild: 2, RightChild: 3, Cover: 60},
		{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Value: -0.8, Cover: 25, IsLeaf: true},
		{FeatureIdx: 0, Threshold: -0.25, LeftChild: 4, RightChild: 5, Cover: 35},
		{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Value: 0.3, Cover: 15, IsLeaf: true},
		{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Value: 1.1, Cover: 20, IsLeaf: true},
		{FeatureIdx: 2, Threshold: 2, LeftChild: 7, RightChild: 8, Cover: 40},
		{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Value: 0.6, Cover: 30, IsLeaf: true},
		{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Value: -1.7, Cover: 10, IsLeaf: true},
	}}
}

func testEnsemble() *TreeEnsemble {
	return &TreeEnsemble{
		BaseMargin: -2,
		Trees: []Tree{
			threeFeatureTree(),
			stump(13, 0, 1.5, -0.4, 20, 80),
			stump(28, 1.2, -0.2, 0.9, 70, 30),
			stump(3, 0.1, 0.25, -0.35, 50, 50),
		},
	}
}

func identityScaler() *StandardScaler {
	s := &StandardScaler{Mean: make([]float64, FeatureCount), Scale: make([]float64, FeatureCount)}
	for i := range s.Scale {
		s.Scale[i] = 1
	}
	return s
}

func randomVector(rnd *rand.Rand) []float64 {
	x := make([]float64, FeatureCount)
	for i := range x {
		x[i] = rnd.NormFloat64() * 2
	}
	return x
}
