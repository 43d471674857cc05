package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// xgbNode mirrors one node of Booster.dump_model(with_stats=True,
// dump_format="json").
type xgbNode struct {
	NodeID         int       `json:"nodeid"`
	Split          string    `json:"split"`
	SplitCondition float64   `json:"split_condition"`
	Yes            int       `json:"yes"`
	No             int       `json:"no"`
	Cover          float64   `json:"cover"`
	Leaf           *float64  `json:"leaf"`
	Children       []xgbNode `json:"children"`
}

// ImportXGBoostDump converts an XGBoost JSON tree dump into a TreeEnsemble.
// baseScore is the booster's base_score in probability space.
func ImportXGBoostDump(r io.Reader, baseScore float64) (*TreeEnsemble, error) {
	if !(baseScore > 0 && baseScore < 1) {
		return nil, fmt.Errorf("base score %v must be in (0, 1)", baseScore)
	}
	var dump []xgbNode
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return nil, fmt.Errorf("decode xgboost dump: %w", err)
	}
	if len(dump) == 0 {
		return nil, errors.New("xgboost dump has no trees")
	}

	model := &TreeEnsemble{BaseMargin: logit(baseScore)}
	for i := range dump {
		tree := Tree{}
		if err := flattenXGBNode(&tree, &dump[i]); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		model.Trees = append(model.Trees, tree)
	}
	return model, nil
}

func flattenXGBNode(tree *Tree, n *xgbNode) error {
	if n.Cover <= 0 {
		return fmt.Errorf("node %d has no cover; dump the model with with_stats=True", n.NodeID)
	}
	idx := len(tree.Nodes)
	if n.Leaf != nil {
		tree.Nodes = append(tree.Nodes, TreeNode{
			FeatureIdx: -1,
			LeftChild:  -1,
			RightChild: -1,
			Value:      *n.Leaf,
			Cover:      n.Cover,
			IsLeaf:     true,
		})
		return nil
	}

	feature, err := xgbFeatureIndex(n.Split)
	if err != nil {
		return fmt.Errorf("node %d: %w", n.NodeID, err)
	}
	var yes, no *xgbNode
	for i := range n.Children {
		switch n.Children[i].NodeID {
		case n.Yes:
			yes = &n.Children[i]
		case n.No:
			no = &n.Children[i]
		}
	}
	if yes == nil || no == nil {
		return fmt.Errorf("node %d is missing its yes/no children", n.NodeID)
	}

	tree.Nodes = append(tree.Nodes, TreeNode{
		FeatureIdx: feature,
		Threshold:  n.SplitCondition,
		Cover:      n.Cover,
	})
	tree.Nodes[idx].LeftChild = len(tree.Nodes)
	if err := flattenXGBNode(tree, yes); err != nil {
		return err
	}
	tree.Nodes[idx].RightChild = len(tree.Nodes)
	return flattenXGBNode(tree, no)
}

// xgbFeatureIndex accepts positional names (f0..f28) and column names.
func xgbFeatureIndex(split string) (int, error) {
	if idx, ok := FeatureIndex(split); ok {
		return idx, nil
	}
	if rest, ok := strings.CutPrefix(split, "f"); ok {
		if idx, err := strconv.Atoi(rest); err == nil && idx >= 0 && idx < FeatureCount {
			return idx, nil
		}
	}
	return -1, fmt.Errorf("unknown split feature %q", split)
}
