package ml

import "testing"

func TestTreeEnsemblePredict(t *testing.T) {
	model := testEnsemble()
	if err := model.Validate(FeatureCount); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	x := make([]float64, FeatureCount)
	// tree 0: x0=0 < 0.5, x1=0 >= -1, x0=0 >= -0.25 -> 1.1
	// tree 1: x13=0 >= 0 -> -0.4; tree 2: x28=0 < 1.2 -> -0.2; tree 3: x3=0 < 0.1 -> 0.25
	want := -2 + 1.1 - 0.4 - 0.2 + 0.25
	if got := model.Margin(x); got < want-1e-12 || got > want+1e-12 {
		t.Fatalf("expected margin %v, got %v", want, got)
	}

	p, err := model.PredictProba(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p <= 0 || p >= DefaultThreshold {
		t.Fatalf("expected probability in (0, 0.5), got %v", p)
	}

	x[13] = -1
	x[28] = 5
	p, err = model.PredictProba(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p <= DefaultThreshold {
		t.Fatalf("expected fraud probability above %v, got %v", DefaultThreshold, p)
	}
}

func TestTreeEnsemblePredictErrors(t *testing.T) {
	empty := &TreeEnsemble{}
	if _, err := empty.PredictProba(make([]float64, FeatureCount)); err == nil {
		t.Fatal("expected error for untrained model")
	}
	if _, err := testEnsemble().PredictProba([]float64{1}); err == nil {
		t.Fatal("expected error for short vector")
	}
}

func TestTreeValidate(t *testing.T) {
	cases := map[string]Tree{
		"empty":         {},
		"child before":  {Nodes: []TreeNode{{FeatureIdx: 0, LeftChild: 0, RightChild: 1, Cover: 1}, {IsLeaf: true, Cover: 1}}},
		"child missing": {Nodes: []TreeNode{{FeatureIdx: 0, LeftChild: 1, RightChild: 5, Cover: 1}, {IsLeaf: true, Cover: 1}}},
		"feature range": stump(40, 0, 1, 1, 1, 1),
		"zero cover":    stump(0, 0, 1, 1, 0, 1),
		"shared child":  {Nodes: []TreeNode{{FeatureIdx: 0, LeftChild: 1, RightChild: 1, Cover: 2}, {IsLeaf: true, Cover: 1}}},
		"orphan":        {Nodes: []TreeNode{{IsLeaf: true, Cover: 1}, {IsLeaf: true, Cover: 1}}},
	}
	for name, tree := range cases {
		if err := tree.validate(FeatureCount); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	tree := threeFeatureTree()
	if err := tree.validate(FeatureCount); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d := tree.Depth(); d != 3 {
		t.Fatalf("expected depth 3, got %d", d)
	}
}
