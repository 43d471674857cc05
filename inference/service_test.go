package inference

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraudsentinel/ml"
	"fraudsentinel/ml/mltest"
)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	s, err := NewService(mltest.Artifacts(t), opts, nil)
	require.NoError(t, err)
	return s
}

func TestPredictLegitimate(t *testing.T) {
	s := newTestService(t, DefaultOptions())

	r, err := s.Predict(context.Background(), mltest.ZeroVector())
	require.NoError(t, err)
	assert.Equal(t, 0, r.IsFraud)
	assert.Equal(t, LabelLegitimate, r.Label)
	assert.InDelta(t, 1/(1+math.Exp(3.7)), r.FraudProbability, 1e-4)

	drivers := r.Explanation.TopDrivers
	require.Len(t, drivers, TopDrivers)
	assert.Equal(t, "V4", drivers[0].Feature)
	assert.Equal(t, "V14", drivers[1].Feature)
	assert.Equal(t, "Amount", drivers[2].Feature)
	assert.Equal(t, -0.32, drivers[0].Value)
	assert.Equal(t, -0.23, drivers[1].Value)
	assert.Equal(t, -0.195, drivers[2].Value)
}

func TestPredictFraud(t *testing.T) {
	s := newTestService(t, DefaultOptions())

	r, err := s.Predict(context.Background(), mltest.FraudVector())
	require.NoError(t, err)
	assert.Equal(t, 1, r.IsFraud)
	assert.Equal(t, LabelFraudulent, r.Label)
	assert.Equal(t, 0.832, r.FraudProbability)

	names := []string{}
	for _, d := range r.Explanation.TopDrivers {
		names = append(names, d.Feature)
	}
	assert.Equal(t, []string{"V14", "Amount", "V12"}, names)
	assert.Equal(t, 2.07, r.Explanation.TopDrivers[0].Value)
}

func TestPredictThreshold(t *testing.T) {
	opts := DefaultOptions()
	opts.Threshold = 0.9
	s := newTestService(t, opts)

	r, err := s.Predict(context.Background(), mltest.FraudVector())
	require.NoError(t, err)
	assert.Equal(t, 0, r.IsFraud)
	assert.Equal(t, LabelLegitimate, r.Label)
}

func TestPredictInvalidInput(t *testing.T) {
	s := newTestService(t, DefaultOptions())
	ctx := context.Background()

	for _, features := range [][]float64{nil, {}, {0, 1.1}, make([]float64, 30)} {
		_, err := s.Predict(ctx, features)
		require.Error(t, err)
		assert.Equal(t, KindInvalidInput, KindOf(err))
		assert.Equal(t, "Expected 29 features", err.Error())
		assert.ErrorIs(t, err, ml.ErrFeatureCount)
	}

	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		x := mltest.ZeroVector()
		x[5] = bad
		_, err := s.Predict(ctx, x)
		require.Error(t, err)
		assert.Equal(t, KindInvalidInput, KindOf(err))
		assert.Equal(t, "features must be finite numbers", err.Error())
		assert.ErrorIs(t, err, ml.ErrNonFinite)
	}
}

func TestPredictCanceled(t *testing.T) {
	s := newTestService(t, Options{Threshold: 0.5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Predict(ctx, mltest.ZeroVector())
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.True(t, KindOf(err).Retryable())
	assert.ErrorIs(t, err, context.Canceled)

	// validation still wins over cancellation
	_, err = s.Predict(ctx, []float64{1})
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestPredictDeterministicJSON(t *testing.T) {
	s := newTestService(t, Options{Threshold: 0.5})
	ctx := context.Background()

	first, err := s.Predict(ctx, mltest.FraudVector())
	require.NoError(t, err)
	second, err := s.Predict(ctx, mltest.FraudVector())
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.JSONEq(t,
		`{"is_fraud":1,"fraud_probability":0.832,"label":"Fraudulent","explanation":{"top_3_drivers":{"V14":2.07,"Amount":1.105,"V12":0.72}}}`,
		string(a))
	assert.Contains(t, string(a), `{"V14":2.07,"Amount":1.105,"V12":0.72}`)
}

func TestPredictCache(t *testing.T) {
	s := newTestService(t, Options{Threshold: 0.5, CacheSize: 8})
	ctx := context.Background()

	first, err := s.Predict(ctx, mltest.FraudVector())
	require.NoError(t, err)
	first.Explanation.TopDrivers[0].Value = 99

	second, err := s.Predict(ctx, mltest.FraudVector())
	require.NoError(t, err)
	assert.Equal(t, 2.07, second.Explanation.TopDrivers[0].Value, "cached results are copied")

	hits, misses := s.CacheStats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestPredictConcurrent(t *testing.T) {
	s := newTestService(t, Options{Threshold: 0.5, CacheSize: 2})
	want, err := s.Predict(context.Background(), mltest.FraudVector())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x := mltest.FraudVector()
			if i%2 == 0 {
				x = mltest.ZeroVector()
			}
			r, err := s.Predict(context.Background(), x)
			if err != nil {
				errs <- err
				return
			}
			if i%2 == 1 && r.FraudProbability != want.FraudProbability {
				errs <- errors.New("inconsistent probability")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

type fakeScaler struct{ err error }

func (f fakeScaler) Transform(x ml.FeatureVector) (ml.FeatureVector, error) { return x, f.err }

type fakeModel struct {
	p   float64
	err error
}

func (f fakeModel) PredictProba([]float64) (float64, error) { return f.p, f.err }

type fakeExplainer struct {
	phi []float64
	err error
}

func (f fakeExplainer) ShapValues([]float64) ([]float64, error) { return f.phi, f.err }

func TestPredictInferenceErrors(t *testing.T) {
	phi := make([]float64, ml.FeatureCount)
	boom := errors.New("boom")
	nan := append([]float64(nil), phi...)
	nan[2] = math.NaN()

	cases := map[string]struct {
		scaler    fakeScaler
		model     fakeModel
		explainer fakeExplainer
	}{
		"scale":       {fakeScaler{boom}, fakeModel{p: 0.1}, fakeExplainer{phi: phi}},
		"classify":    {fakeScaler{}, fakeModel{err: boom}, fakeExplainer{phi: phi}},
		"probability": {fakeScaler{}, fakeModel{p: 1.5}, fakeExplainer{phi: phi}},
		"attribute":   {fakeScaler{}, fakeModel{p: 0.1}, fakeExplainer{err: boom}},
		"short phi":   {fakeScaler{}, fakeModel{p: 0.1}, fakeExplainer{phi: phi[:3]}},
		"nan phi":     {fakeScaler{}, fakeModel{p: 0.1}, fakeExplainer{phi: nan}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := New(tc.scaler, tc.model, tc.explainer, Options{Threshold: 0.5}, nil)
			require.NoError(t, err)
			_, err = s.Predict(context.Background(), mltest.ZeroVector())
			require.Error(t, err)
			assert.Equal(t, KindInference, KindOf(err))
			assert.Equal(t, http.StatusInternalServerError, KindOf(err).HTTPStatus())
			assert.False(t, KindOf(err).Retryable())
		})
	}
}

func TestNewValidation(t *testing.T) {
	_, err := NewService(nil, DefaultOptions(), nil)
	assert.Error(t, err)
	_, err = New(fakeScaler{}, nil, fakeExplainer{}, DefaultOptions(), nil)
	assert.Error(t, err)
	_, err = New(fakeScaler{}, fakeModel{}, fakeExplainer{}, Options{Threshold: 1}, nil)
	assert.Error(t, err)
	_, err = New(fakeScaler{}, fakeModel{}, fakeExplainer{}, Options{Threshold: 0.5, CacheSize: -1}, nil)
	assert.Error(t, err)
}

func TestRankTiesKeepFeatureOrder(t *testing.T) {
	s := newTestService(t, DefaultOptions())
	phi := make([]float64, ml.FeatureCount)
	phi[20] = 0.5
	phi[2] = -0.5
	phi[9] = 0.5
	drivers, err := s.rank(phi)
	require.NoError(t, err)
	assert.Equal(t, Drivers{{"V3", -0.5}, {"V10", 0.5}, {"V21", 0.5}}, drivers)
}

func TestRound4(t *testing.T) {
	assert.Equal(t, 0.1235, round4(0.12345))
	assert.Equal(t, -0.1235, round4(-0.12345))
	assert.Equal(t, 1.0, round4(0.99999))
	assert.Equal(t, 0.0, round4(-0.00001))
}

func TestKind(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindInvalidInput.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindCanceled.HTTPStatus())
	assert.Equal(t, "invalid_input", KindInvalidInput.String())
	assert.Equal(t, KindInference, KindOf(errors.New("plain")))
}

func TestDriversJSONOrder(t *testing.T) {
	in := Drivers{{"Amount", -3}, {"V1", 2.5}, {"V28", 0.0001}}
	payload, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"Amount":-3,"V1":2.5,"V28":0.0001}`, string(payload))

	var out Drivers
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, in, out)

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &out))
	assert.Error(t, json.Unmarshal([]byte(`{"V1":"x"}`), &out))
}
