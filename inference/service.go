// Package inference scores transactions against the loaded artifacts.
package inference

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fraudsentinel/ml"
)

// MsgFeatureCount is the detail returned for a vector of the wrong length.
var MsgFeatureCount = fmt.Sprintf("Expected %d features", ml.FeatureCount)

// TopDrivers is the number of attributions kept in a result.
const TopDrivers = 3

// Options tunes a Service.
type Options struct {
	// Threshold is the fraud probability above which is_fraud is 1.
	Threshold float64
	// CacheSize bounds the result cache; 0 disables it.
	CacheSize int
}

// DefaultOptions matches the XGBoost classifier defaults.
func DefaultOptions() Options {
	return Options{Threshold: ml.DefaultThreshold, CacheSize: 4096}
}

// Service is safe for concurrent use. Everything except the cache is read-only.
type Service struct {
	scaler    ml.Transformer
	model     ml.Classifier
	explainer ml.Explainer
	names     []string
	threshold float64
	info      ml.ArtifactInfo

	cache  *lru.Cache[ml.FeatureVector, *Result]
	hits   atomic.Uint64
	misses atomic.Uint64
	logger *zap.Logger
}

// NewService builds a service over loaded artifacts.
func NewService(a *ml.Artifacts, opts Options, logger *zap.Logger) (*Service, error) {
	if a == nil || a.Scaler == nil || a.Model == nil || a.Explainer == nil {
		return nil, errors.New("inference: artifacts are not loaded")
	}
	s, err := New(a.Scaler, a.Model, a.Explainer, opts, logger)
	if err != nil {
		return nil, err
	}
	s.info = a.Info
	return s, nil
}

// New builds a service from its three collaborators.
func New(scaler ml.Transformer, model ml.Classifier, explainer ml.Explainer, opts Options, logger *zap.Logger) (*Service, error) {
	if scaler == nil || model == nil || explainer == nil {
		return nil, errors.New("inference: scaler, model and explainer are required")
	}
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		return nil, fmt.Errorf("inference: threshold %v outside (0, 1)", opts.Threshold)
	}
	if opts.CacheSize < 0 {
		return nil, fmt.Errorf("inference: negative cache size %d", opts.CacheSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		scaler:    scaler,
		model:     model,
		explainer: explainer,
		names:     ml.FeatureNames(),
		threshold: opts.Threshold,
		logger:    logger,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[ml.FeatureVector, *Result](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("inference: result cache: %w", err)
		}
		s.cache = cache
	}
	logger.Info("inference service ready",
		zap.Float64("threshold", s.threshold),
		zap.Int("cache_size", opts.CacheSize),
	)
	return s, nil
}

// Info describes the artifacts the service was built from.
func (s *Service) Info() ml.ArtifactInfo {
	return s.info
}

// CacheStats returns result cache hits and misses since start.
func (s *Service) CacheStats() (hits, misses uint64) {
	return s.hits.Load(), s.misses.Load()
}

// Predict validates, scales, classifies and explains one transaction.
func (s *Service) Predict(ctx context.Context, features []float64) (*Result, error) {
	if len(features) != ml.FeatureCount {
		return nil, &Error{Kind: KindInvalidInput, Msg: MsgFeatureCount, Err: ml.ErrFeatureCount}
	}
	vec, err := ml.NewFeatureVector(features)
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Msg: ml.ErrNonFinite.Error(), Err: err}
	}

	if s.cache != nil {
		if r, ok := s.cache.Get(vec); ok {
			s.hits.Add(1)
			return r.clone(), nil
		}
		s.misses.Add(1)
	}

	r, err := s.score(ctx, vec)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(vec, r.clone())
	}
	return r, nil
}

func (s *Service) score(ctx context.Context, vec ml.FeatureVector) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindCanceled, err)
	}
	scaled, err := s.scaler.Transform(vec)
	if err != nil {
		return nil, newError(KindInference, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, newError(KindCanceled, err)
	}
	p, err := s.model.PredictProba(scaled[:])
	if err != nil {
		return nil, newError(KindInference, err)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return nil, newError(KindInference, fmt.Errorf("probability %v outside [0, 1]", p))
	}

	if err := ctx.Err(); err != nil {
		return nil, newError(KindCanceled, err)
	}
	phi, err := s.explainer.ShapValues(scaled[:])
	if err != nil {
		return nil, newError(KindInference, err)
	}
	if len(phi) != len(s.names) {
		return nil, newError(KindInference, fmt.Errorf("explainer returned %d values for %d features", len(phi), len(s.names)))
	}

	drivers, err := s.rank(phi)
	if err != nil {
		return nil, newError(KindInference, err)
	}

	r := &Result{
		FraudProbability: round4(p),
		Label:            LabelLegitimate,
		Explanation:      Explanation{TopDrivers: drivers},
	}
	if p > s.threshold {
		r.IsFraud = 1
		r.Label = LabelFraudulent
	}
	return r, nil
}

// rank keeps the TopDrivers largest attributions by magnitude. Ties keep
// feature order.
func (s *Service) rank(phi []float64) (Drivers, error) {
	idx := make([]int, len(phi))
	for i, v := range phi {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite attribution for %s", s.names[i])
		}
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(math.Abs(phi[b]), math.Abs(phi[a]))
	})

	n := min(TopDrivers, len(idx))
	drivers := make(Drivers, n)
	for i, f := range idx[:n] {
		drivers[i] = Driver{Feature: s.names[f], Value: round4(phi[f])}
	}
	return drivers, nil
}

// round4 rounds half away from zero at the fourth decimal.
func round4(v float64) float64 {
	return decimal.NewFromFloat(v).Round(4).InexactFloat64()
}
