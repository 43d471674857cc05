package ml

import (
	"errors"
	"fmt"
	"math"
)

// FeatureCount is the width of every transaction vector: V1..V28 then Amount.
const FeatureCount = 29

// FeatureVector is one transaction in training column order.
type FeatureVector [FeatureCount]float64

var (
	ErrFeatureCount = fmt.Errorf("expected %d features", FeatureCount)
	ErrNonFinite    = errors.New("features must be finite numbers")
)

var featureNames = buildFeatureNames()

func buildFeatureNames() []string {
	names := make([]string, 0, FeatureCount)
	for i := 1; i < FeatureCount; i++ {
		names = append(names, fmt.Sprintf("V%d", i))
	}
	return append(names, "Amount")
}

// FeatureNames returns a copy of the feature names in vector order.
func FeatureNames() []string {
	return append([]string(nil), featureNames...)
}

// FeatureIndex maps a feature name to its vector position.
func FeatureIndex(name string) (int, bool) {
	for i, n := range featureNames {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// NewFeatureVector copies values into a FeatureVector, rejecting wrong
// lengths and NaN or infinite entries.
func NewFeatureVector(values []float64) (FeatureVector, error) {
	var vec FeatureVector
	if len(values) != FeatureCount {
		return vec, ErrFeatureCount
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return vec, fmt.Errorf("%w: %s", ErrNonFinite, featureNames[i])
		}
		vec[i] = v
	}
	return vec, nil
}

func sameFeatureNames(names []string) bool {
	if len(names) != len(featureNames) {
		return false
	}
	for i := range names {
		if names[i] != featureNames[i] {
			return false
		}
	}
	return true
}
