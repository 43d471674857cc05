package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraudsentinel/db"
	"fraudsentinel/inference"
	"fraudsentinel/ml"
	"fraudsentinel/ml/mltest"
	"fraudsentinel/monitoring"
)

type fakeFeed struct {
	mu     sync.Mutex
	events []monitoring.PredictionEvent
}

func (f *fakeFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (f *fakeFeed) Publish(e monitoring.PredictionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

type fakeAudit struct {
	records []db.PredictionRecord
	full    bool
	limit   int
	err     error
}

func (f *fakeAudit) Record(rec db.PredictionRecord) bool {
	if f.full {
		return false
	}
	f.records = append(f.records, rec)
	return true
}

func (f *fakeAudit) Recent(_ context.Context, limit int) ([]db.PredictionRecord, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	out := slices.Clone(f.records)
	slices.Reverse(out)
	return out[:min(limit, len(out))], nil
}

type fakeAlerts struct {
	events []monitoring.PredictionEvent
}

func (f *fakeAlerts) ObservePrediction(e monitoring.PredictionEvent) {
	f.events = append(f.events, e)
}

func (f *fakeAlerts) Recent() []monitoring.Alert {
	return []monitoring.Alert{{ID: "a1", Level: monitoring.AlertCritical}}
}

func (f *fakeAlerts) GetStats() monitoring.AlertStats {
	return monitoring.AlertStats{Total: 1}
}

type testEnv struct {
	handler http.Handler
	metrics *monitoring.MetricsCollector
	feed    *fakeFeed
	audit   *fakeAudit
	alerts  *fakeAlerts
	stats   *monitoring.PredictionTracker
	static  string
}

func newTestEnv(t *testing.T, predictor Predictor) *testEnv {
	t.Helper()
	if predictor == nil {
		svc, err := inference.NewService(mltest.Artifacts(t), inference.DefaultOptions(), nil)
		require.NoError(t, err)
		predictor = svc
	}
	env := &testEnv{
		metrics: monitoring.NewMetricsCollector(),
		feed:    &fakeFeed{},
		audit:   &fakeAudit{},
		alerts:  &fakeAlerts{},
		stats:   monitoring.NewPredictionTracker(16),
		static:  t.TempDir(),
	}
	config := DefaultServerConfig()
	config.StaticDir = env.static
	srv, err := NewServer(config, Dependencies{
		Predictor: predictor,
		Metrics:   env.metrics,
		Stats:     env.stats,
		Feed:      env.feed,
		Audit:     env.audit,
		Alerts:    env.alerts,
	})
	require.NoError(t, err)
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func featuresBody(t *testing.T, features []float64) string {
	t.Helper()
	payload, err := json.Marshal(map[string][]float64{"features": features})
	require.NoError(t, err)
	return string(payload)
}

type predictResponse struct {
	IsFraud          int     `json:"is_fraud"`
	FraudProbability float64 `json:"fraud_probability"`
	Label            string  `json:"label"`
	Explanation      struct {
		TopDrivers inference.Drivers `json:"top_3_drivers"`
	} `json:"explanation"`
}

func TestPredictAllZeros(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("POST", "/predict", featuresBody(t, make([]float64, 29)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	for _, key := range []string{"is_fraud", "fraud_probability", "label", "explanation"} {
		assert.Contains(t, raw, key)
	}

	var resp predictResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, []int{0, 1}, resp.IsFraud)
	assert.GreaterOrEqual(t, resp.FraudProbability, 0.0)
	assert.LessOrEqual(t, resp.FraudProbability, 1.0)
	assert.Equal(t, inference.LabelLegitimate, resp.Label)
	assert.Len(t, resp.Explanation.TopDrivers, 3)
}

func TestPredictFraudDrivers(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("POST", "/predict", featuresBody(t, mltest.FraudVector()))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t,
		`{"is_fraud":1,"fraud_probability":0.832,"label":"Fraudulent","explanation":{"top_3_drivers":{"V14":2.07,"Amount":1.105,"V12":0.72}}}`,
		rr.Body.String())

	var resp predictResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	names := ml.FeatureNames()
	prev := math.Inf(1)
	for _, d := range resp.Explanation.TopDrivers {
		assert.Contains(t, names, d.Feature)
		assert.LessOrEqual(t, math.Abs(d.Value), prev)
		prev = math.Abs(d.Value)
		assert.Equal(t, d.Value, math.Round(d.Value*1e4)/1e4, "at most 4 decimals")
	}
}

func TestPredictDeterministic(t *testing.T) {
	env := newTestEnv(t, nil)
	body := featuresBody(t, mltest.FraudVector())

	first := env.do("POST", "/predict", body)
	second := env.do("POST", "/predict", body)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

func TestPredictWrongLength(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{
		`{"features":[0.0,1.1]}`,
		`{"features":[]}`,
		featuresBody(t, make([]float64, 30)),
	} {
		rr := env.do("POST", "/predict", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
		assert.JSONEq(t, `{"detail":"Expected 29 features"}`, rr.Body.String(), body)
	}
	assert.Empty(t, env.feed.events)
	assert.Empty(t, env.audit.records)

	m, ok := env.metrics.GetMetric(monitoring.MetricPredictionErrors, map[string]string{"kind": "invalid_input"})
	require.True(t, ok)
	assert.Equal(t, 3.0, m.Value)
}

func TestPredictMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{
		`not json`,
		`{"features":"abc"}`,
		`{"features":[1,"x"]}`,
		`{"features":null}`,
		`{}`,
		`{"features":[1e400]}`,
		`{"features":[null` + strings.Repeat(",0", 28) + `]}`,
		featuresBody(t, make([]float64, 29)) + ` trailing`,
		featuresBody(t, make([]float64, 29)) + `{}`,
	} {
		rr := env.do("POST", "/predict", body)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, body)
		var resp errorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), body)
		assert.NotEmpty(t, resp.Detail)
	}
}

func TestPredictRejectsNullFeature(t *testing.T) {
	env := newTestEnv(t, nil)
	features := strings.Repeat("0,", 5) + "null" + strings.Repeat(",0", 23)

	rr := env.do("POST", "/predict", `{"features":[`+features+`]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.JSONEq(t, `{"detail":"features[5]: number required"}`, rr.Body.String())
	assert.Empty(t, env.feed.events)
	assert.Empty(t, env.audit.records)

	m, ok := env.metrics.GetMetric(monitoring.MetricPredictionErrors, map[string]string{"kind": "validation"})
	require.True(t, ok)
	assert.Equal(t, 1.0, m.Value)
}

func TestPredictAllowsTrailingWhitespace(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("POST", "/predict", featuresBody(t, make([]float64, 29))+"\n  ")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPredictBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"features":[` + strings.Repeat("0.000000001,", 200000) + `0]}`

	rr := env.do("POST", "/predict", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

type stubPredictor struct {
	err   error
	panic bool
}

func (s stubPredictor) Predict(context.Context, []float64) (*inference.Result, error) {
	if s.panic {
		panic("explainer exploded")
	}
	return nil, s.err
}

func (s stubPredictor) Info() ml.ArtifactInfo { return ml.ArtifactInfo{Trees: 7} }
func (s stubPredictor) CacheStats() (uint64, uint64) { return 3, 4 }

func TestPredictErrorKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&inference.Error{Kind: inference.KindInference, Msg: "scaled value is not finite"}, http.StatusInternalServerError},
		{&inference.Error{Kind: inference.KindCanceled, Msg: "context deadline exceeded"}, http.StatusServiceUnavailable},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		env := newTestEnv(t, stubPredictor{err: tc.err})
		rr := env.do("POST", "/predict", featuresBody(t, make([]float64, 29)))
		assert.Equal(t, tc.status, rr.Code)
		assert.JSONEq(t, `{"detail":"`+tc.err.Error()+`"}`, rr.Body.String())
	}
}

func TestPredictPanicRecovered(t *testing.T) {
	env := newTestEnv(t, stubPredictor{panic: true})

	rr := env.do("POST", "/predict", featuresBody(t, make([]float64, 29)))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"detail":"explainer exploded"}`, rr.Body.String())
}

func TestPredictSideEffects(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/predict", strings.NewReader(featuresBody(t, mltest.FraudVector())))
	req.Header.Set(RequestIDHeader, "6f1d4c4e-2f62-4d0b-9c55-1b2a3c4d5e6f")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "6f1d4c4e-2f62-4d0b-9c55-1b2a3c4d5e6f", rr.Header().Get(RequestIDHeader))

	require.Len(t, env.feed.events, 1)
	assert.Equal(t, "6f1d4c4e-2f62-4d0b-9c55-1b2a3c4d5e6f", env.feed.events[0].RequestID)
	assert.Equal(t, inference.LabelFraudulent, env.feed.events[0].Label)

	require.Len(t, env.audit.records, 1)
	assert.Equal(t, mltest.FraudVector(), env.audit.records[0].Features)

	stats := env.stats.Stats()
	assert.Equal(t, 1, stats.Samples)
	assert.Equal(t, 1.0, stats.FraudRate)

	require.Len(t, env.alerts.events, 1)
	assert.InDelta(t, 0.832, env.alerts.events[0].FraudProbability, 1e-9)

	m, ok := env.metrics.GetMetric(monitoring.MetricPredictions, map[string]string{"label": inference.LabelFraudulent})
	require.True(t, ok)
	assert.Equal(t, 1.0, m.Value)

	env.audit.full = true
	env.do("POST", "/predict", featuresBody(t, mltest.ZeroVector()))
	dropped, ok := env.metrics.GetMetric(monitoring.MetricAuditDropped, nil)
	require.True(t, ok)
	assert.Equal(t, 1.0, dropped.Value)
}

func TestRecentPredictions(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, x := range [][]float64{mltest.ZeroVector(), mltest.FraudVector()} {
		require.Equal(t, http.StatusOK, env.do("POST", "/predict", featuresBody(t, x)).Code)
	}

	rr := env.do("GET", "/api/predictions/recent?limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Predictions []db.PredictionRecord `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Predictions, 1)
	assert.Equal(t, inference.LabelFraudulent, resp.Predictions[0].Label)
	assert.Equal(t, 1, env.audit.limit)

	env.do("GET", "/api/predictions/recent?limit=100000", "")
	assert.Equal(t, maxRecentPredictions, env.audit.limit)

	env.do("GET", "/api/predictions/recent", "")
	assert.Equal(t, 50, env.audit.limit)

	for _, q := range []string{"abc", "0", "-3"} {
		rr = env.do("GET", "/api/predictions/recent?limit="+q, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}

	env.audit.err = errors.New("database is locked")
	rr = env.do("GET", "/api/predictions/recent", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"detail":"audit query failed"}`, rr.Body.String())
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("GET", "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"message":"Fraud Detection API is live!"}`, rr.Body.String())

	assert.Equal(t, http.StatusNotFound, env.do("GET", "/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do("GET", "/predict", "").Code)
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("GET", "/dashboard", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"error":"index.html not found in `+env.static+`"}`, rr.Body.String())

	require.NoError(t, os.WriteFile(filepath.Join(env.static, "index.html"), []byte("<h1>Fraud</h1>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(env.static, "dashboard.js"), []byte("// js"), 0o600))

	rr = env.do("GET", "/dashboard", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<h1>Fraud</h1>")
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")

	rr = env.do("GET", "/static/dashboard.js", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "// js", rr.Body.String())
}

func TestAPIRoutes(t *testing.T) {
	env := newTestEnv(t, stubPredictor{})

	rr := env.do("GET", "/api/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = env.do("GET", "/api/model", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var info ml.ArtifactInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, 7, info.Trees)

	rr = env.do("GET", "/api/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var snap monitoring.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	hits, ok := env.metrics.GetMetric(monitoring.MetricCacheHits, nil)
	require.True(t, ok)
	assert.Equal(t, 3.0, hits.Value)

	rr = env.do("GET", "/api/metrics?format=prometheus", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "prediction_cache_misses 4")
	assert.Equal(t, string(monitoring.PrometheusFormat), rr.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusTeapot, env.do("GET", "/api/ws/predictions", "").Code)

	rr = env.do("GET", "/api/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"samples":0`)

	rr = env.do("GET", "/api/alerts", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var alerts struct {
		Stats  monitoring.AlertStats `json:"stats"`
		Alerts []monitoring.Alert    `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &alerts))
	assert.Equal(t, int64(1), alerts.Stats.Total)
	require.Len(t, alerts.Alerts, 1)
	assert.Equal(t, "a1", alerts.Alerts[0].ID)
}

func TestNewServerRequiresPredictor(t *testing.T) {
	_, err := NewServer(DefaultServerConfig(), Dependencies{})
	assert.Error(t, err)
}
