package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BoostingConfig controls the offline gradient-boosting trainer.
type BoostingConfig struct {
	NEstimators    int     `yaml:"n_estimators"`
	MaxDepth       int     `yaml:"max_depth"`
	LearningRate   float64 `yaml:"learning_rate"`
	Lambda         float64 `yaml:"lambda"`
	MinChildWeight float64 `yaml:"min_child_weight"`
	MaxBins        int     `yaml:"max_bins"`
}

// DefaultBoostingConfig returns the parameters the production model is trained with.
func DefaultBoostingConfig() BoostingConfig {
	return BoostingConfig{
		NEstimators:    100,
		MaxDepth:       6,
		LearningRate:   0.1,
		Lambda:         1,
		MinChildWeight: 1,
		MaxBins:        64,
	}
}

func (c BoostingConfig) withDefaults() BoostingConfig {
	d := DefaultBoostingConfig()
	if c.NEstimators <= 0 {
		c.NEstimators = d.NEstimators
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.Lambda < 0 {
		c.Lambda = d.Lambda
	}
	if c.MinChildWeight <= 0 {
		c.MinChildWeight = d.MinChildWeight
	}
	if c.MaxBins < 2 || c.MaxBins > math.MaxUint16 {
		c.MaxBins = d.MaxBins
	}
	return c
}

type booster struct {
	cfg     BoostingConfig
	rows    [][]float64
	cuts    [][]float64
	bins    [][]uint16 // bins[feature][row]
	grad    []float64
	hess    []float64
	workers int
}

type split struct {
	feature int
	bin     int
	gain    float64
}

// TrainGradientBoosting fits a logistic-loss tree ensemble with second-order
// leaf weights and histogram split finding. Labels must be 0 or 1.
func TrainGradientBoosting(ctx context.Context, rows [][]float64, labels []int, cfg BoostingConfig, logger *zap.Logger) (*TreeEnsemble, error) {
	if len(rows) == 0 || len(labels) == 0 {
		return nil, errors.New("features or labels empty")
	}
	if len(rows) != len(labels) {
		return nil, errors.New("features and labels size mismatch")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	width := len(rows[0])
	positives := 0
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), width)
		}
		switch labels[i] {
		case 0:
		case 1:
			positives++
		default:
			return nil, fmt.Errorf("label %d at row %d is not binary", labels[i], i)
		}
	}

	b := &booster{
		cfg:     cfg,
		rows:    rows,
		grad:    make([]float64, len(rows)),
		hess:    make([]float64, len(rows)),
		workers: runtime.GOMAXPROCS(0),
	}
	b.buildHistograms(width)

	prior := float64(positives) / float64(len(rows))
	prior = math.Min(math.Max(prior, 1e-6), 1-1e-6)
	model := &TreeEnsemble{BaseMargin: logit(prior)}

	margins := make([]float64, len(rows))
	for i := range margins {
		margins[i] = model.BaseMargin
	}

	for round := 0; round < cfg.NEstimators; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, m := range margins {
			p := sigmoid(m)
			b.grad[i] = p - float64(labels[i])
			b.hess[i] = math.Max(p*(1-p), 1e-16)
		}

		indices := make([]int, len(rows))
		for i := range indices {
			indices[i] = i
		}
		tree := Tree{}
		if err := b.grow(ctx, &tree, indices, 0); err != nil {
			return nil, err
		}
		model.Trees = append(model.Trees, tree)

		for i, row := range rows {
			margins[i] += tree.Predict(row)
		}
		if (round+1)%10 == 0 || round == cfg.NEstimators-1 {
			logger.Debug("boosting round",
				zap.Int("round", round+1),
				zap.Int("nodes", len(tree.Nodes)),
				zap.Float64("train_logloss", marginLogLoss(margins, labels)))
		}
	}
	return model, nil
}

func (b *booster) buildHistograms(width int) {
	b.cuts = make([][]float64, width)
	b.bins = make([][]uint16, width)
	values := make([]float64, len(b.rows))
	for f := 0; f < width; f++ {
		for i, row := range b.rows {
			values[i] = row[f]
		}
		cuts := quantileCuts(values, b.cfg.MaxBins)
		bins := make([]uint16, len(b.rows))
		for i, row := range b.rows {
			x := row[f]
			bins[i] = uint16(sort.Search(len(cuts), func(j int) bool { return cuts[j] > x }))
		}
		b.cuts[f] = cuts
		b.bins[f] = bins
	}
}

// quantileCuts returns strictly increasing split candidates. A row with
// value x falls in bin k = number of cuts <= x, so x < cuts[k] iff bin <= k.
func quantileCuts(values []float64, maxBins int) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	uniq := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			uniq = append(uniq, v)
		}
	}
	if len(uniq) < 2 {
		return nil
	}
	if len(uniq) <= maxBins {
		cuts := make([]float64, 0, len(uniq)-1)
		for i := 1; i < len(uniq); i++ {
			cuts = append(cuts, uniq[i-1]+(uniq[i]-uniq[i-1])/2)
		}
		return cuts
	}
	cuts := make([]float64, 0, maxBins-1)
	for k := 1; k < maxBins; k++ {
		c := sorted[k*len(sorted)/maxBins]
		if c <= sorted[0] {
			continue
		}
		if len(cuts) == 0 || c > cuts[len(cuts)-1] {
			cuts = append(cuts, c)
		}
	}
	return cuts
}

func (b *booster) grow(ctx context.Context, tree *Tree, indices []int, depth int) error {
	var g, h float64
	for _, i := range indices {
		g += b.grad[i]
		h += b.hess[i]
	}
	idx := len(tree.Nodes)
	tree.Nodes = append(tree.Nodes, TreeNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Value:      -g / (h + b.cfg.Lambda) * b.cfg.LearningRate,
		Cover:      h,
		IsLeaf:     true,
	})
	if depth >= b.cfg.MaxDepth || h < 2*b.cfg.MinChildWeight {
		return nil
	}

	best, err := b.bestSplit(ctx, indices, g, h)
	if err != nil {
		return err
	}
	if best.feature < 0 || best.gain <= 1e-12 {
		return nil
	}

	left := make([]int, 0, len(indices))
	right := make([]int, 0, len(indices))
	bins := b.bins[best.feature]
	for _, i := range indices {
		if int(bins[i]) <= best.bin {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return nil
	}

	tree.Nodes[idx].IsLeaf = false
	tree.Nodes[idx].FeatureIdx = best.feature
	tree.Nodes[idx].Threshold = b.cuts[best.feature][best.bin]

	tree.Nodes[idx].LeftChild = len(tree.Nodes)
	if err := b.grow(ctx, tree, left, depth+1); err != nil {
		return err
	}
	tree.Nodes[idx].RightChild = len(tree.Nodes)
	return b.grow(ctx, tree, right, depth+1)
}

func (b *booster) bestSplit(ctx context.Context, indices []int, g, h float64) (split, error) {
	width := len(b.cuts)
	candidates := make([]split, width)
	parentScore := g * g / (h + b.cfg.Lambda)

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(b.workers)
	for f := 0; f < width; f++ {
		eg.Go(func() error {
			candidates[f] = split{feature: -1}
			cuts := b.cuts[f]
			if len(cuts) == 0 {
				return nil
			}
			gh := make([]float64, len(cuts)+1)
			hh := make([]float64, len(cuts)+1)
			bins := b.bins[f]
			for _, i := range indices {
				gh[bins[i]] += b.grad[i]
				hh[bins[i]] += b.hess[i]
			}
			var gl, hl float64
			for k := 0; k < len(cuts); k++ {
				gl += gh[k]
				hl += hh[k]
				gr, hr := g-gl, h-hl
				if hl < b.cfg.MinChildWeight || hr < b.cfg.MinChildWeight {
					continue
				}
				gain := gl*gl/(hl+b.cfg.Lambda) + gr*gr/(hr+b.cfg.Lambda) - parentScore
				if gain > candidates[f].gain {
					candidates[f] = split{feature: f, bin: k, gain: gain}
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return split{feature: -1}, err
	}

	best := split{feature: -1}
	for _, c := range candidates {
		if c.feature >= 0 && c.gain > best.gain {
			best = c
		}
	}
	return best, nil
}

func marginLogLoss(margins []float64, labels []int) float64 {
	probs := make([]float64, len(margins))
	for i, m := range margins {
		probs[i] = sigmoid(m)
	}
	return LogLoss(probs, labels)
}
