// Package mltest provides small, hand-checkable artifacts for tests.
package mltest

import (
	"testing"

	"fraudsentinel/ml"
)

const (
	v4     = 3
	v12    = 11
	v14    = 13
	amount = 28
)

func stump(feature int, threshold, left, right, coverLeft, coverRight float64) ml.Tree {
	return ml.Tree{Nodes: []ml.TreeNode{
		{FeatureIdx: feature, Threshold: threshold, LeftChild: 1, RightChild: 2, Cover: coverLeft + coverRight},
		{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Value: left, Cover: coverLeft, IsLeaf: true},
		{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Value: right, Cover: coverRight, IsLeaf: true},
	}}
}

// Scaler is the identity except for Amount, which is centred on 88 with
// scale 250.
func Scaler() *ml.StandardScaler {
	s := &ml.StandardScaler{Mean: make([]float64, ml.FeatureCount), Scale: make([]float64, ml.FeatureCount)}
	for i := range s.Scale {
		s.Scale[i] = 1
	}
	s.Mean[amount] = 88
	s.Scale[amount] = 250
	return s
}

// Ensemble has four stumps on V14, Amount, V4 and V12.
//
// For ZeroVector the margin is -3.7 and the attributions are
// V4 -0.32, V14 -0.23, Amount -0.195, V12 -0.18.
// For FraudVector the margin is 1.6 and the attributions are
// V14 2.07, Amount 1.105, V12 0.72, V4 0.48.
func Ensemble() *ml.TreeEnsemble {
	return &ml.TreeEnsemble{
		BaseMargin: -3,
		Trees: []ml.Tree{
			stump(v14, -1.5, 2.0, -0.3, 10, 90),
			stump(amount, 1.0, -0.1, 1.2, 85, 15),
			stump(v4, 0.5, -0.2, 0.6, 60, 40),
			stump(v12, -1, 0.8, -0.1, 20, 80),
		},
	}
}

// ZeroVector is a legitimate transaction.
func ZeroVector() []float64 {
	return make([]float64, ml.FeatureCount)
}

// FraudVector trips every stump toward fraud.
func FraudVector() []float64 {
	x := make([]float64, ml.FeatureCount)
	x[v4] = 1
	x[v12] = -2
	x[v14] = -5
	x[amount] = 600
	return x
}

// Artifacts returns the in-memory fixture artifacts.
func Artifacts(tb testing.TB) *ml.Artifacts {
	tb.Helper()
	model := Ensemble()
	explainer, err := ml.NewTreeExplainer(model, ml.FeatureCount)
	if err != nil {
		tb.Fatalf("build explainer: %v", err)
	}
	return &ml.Artifacts{
		Scaler:    Scaler(),
		Model:     model,
		Explainer: explainer,
		Info: ml.ArtifactInfo{
			FormatVersion: ml.ArtifactFormatVersion,
			ModelFormat:   ml.ModelFormatNative,
			Trees:         len(model.Trees),
			MaxDepth:      model.MaxDepth(),
			ExpectedValue: explainer.ExpectedValue(),
			FeatureNames:  ml.FeatureNames(),
		},
	}
}

// WriteArtifacts saves the fixture under dir and returns its paths.
func WriteArtifacts(tb testing.TB, dir string) ml.ArtifactPaths {
	tb.Helper()
	if err := ml.SaveArtifacts(dir, Scaler(), Ensemble()); err != nil {
		tb.Fatalf("save artifacts: %v", err)
	}
	return ml.DefaultArtifactPaths(dir)
}
