package ml

// Transformer maps a raw transaction into model space.
type Transformer interface {
	Transform(x FeatureVector) (FeatureVector, error)
}

// Classifier returns the fraud-class probability of a scaled vector.
type Classifier interface {
	PredictProba(features []float64) (float64, error)
}

// Explainer attributes a prediction to each input feature.
type Explainer interface {
	ShapValues(features []float64) ([]float64, error)
}

var (
	_ Transformer = (*StandardScaler)(nil)
	_ Classifier  = (*TreeEnsemble)(nil)
	_ Explainer   = (*TreeExplainer)(nil)
)
