package ml

import (
	"errors"
	"fmt"
	"math"
)

// StandardScaler holds the per-feature mean and scale fitted on the
// training split. It is never modified after fitting.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitStandardScaler computes mean and population standard deviation for each
// column. Constant columns get a scale of 1 so they transform to zero.
func FitStandardScaler(rows [][]float64) (*StandardScaler, error) {
	if len(rows) == 0 {
		return nil, errors.New("rows is empty")
	}
	width := len(rows[0])
	if width == 0 {
		return nil, errors.New("rows have no columns")
	}

	mean := make([]float64, width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), width)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(rows))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, width)
	for _, row := range rows {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}
	return &StandardScaler{Mean: mean, Scale: scale}, nil
}

func (s *StandardScaler) validate(width int) error {
	if len(s.Mean) != width || len(s.Scale) != width {
		return fmt.Errorf("scaler has %d means and %d scales, expected %d", len(s.Mean), len(s.Scale), width)
	}
	for j := 0; j < width; j++ {
		if math.IsNaN(s.Mean[j]) || math.IsInf(s.Mean[j], 0) {
			return fmt.Errorf("mean of %s is not finite", featureNames[j])
		}
		if !(s.Scale[j] > 0) || math.IsInf(s.Scale[j], 0) {
			return fmt.Errorf("scale of %s must be a positive finite number", featureNames[j])
		}
	}
	return nil
}

// Transform applies (x - mean) / scale to every position.
func (s *StandardScaler) Transform(x FeatureVector) (FeatureVector, error) {
	var out FeatureVector
	if len(s.Mean) != FeatureCount || len(s.Scale) != FeatureCount {
		return out, fmt.Errorf("scaler fitted on %d features, got %d", len(s.Mean), FeatureCount)
	}
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
		if math.IsNaN(out[j]) || math.IsInf(out[j], 0) {
			return out, fmt.Errorf("scaled value of %s is not finite", featureNames[j])
		}
	}
	return out, nil
}

// TransformRows scales a whole matrix, used by the offline pipeline.
func (s *StandardScaler) TransformRows(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(s.Mean) {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), len(s.Mean))
		}
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - s.Mean[j]) / s.Scale[j]
		}
		out[i] = scaled
	}
	return out, nil
}
