package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fraudsentinel/db"
	"fraudsentinel/inference"
	"fraudsentinel/ml"
	"fraudsentinel/monitoring"
)

// LiveMessage 根路径返回的存活消息
const LiveMessage = "Fraud Detection API is live!"

// Predictor 对交易打分
type Predictor interface {
	Predict(ctx context.Context, features []float64) (*inference.Result, error)
	Info() ml.ArtifactInfo
	CacheStats() (hits, misses uint64)
}

// Feed 实时推送预测事件
type Feed interface {
	http.Handler
	Publish(event monitoring.PredictionEvent)
}

// AuditRecorder 记录预测审计，Record不得阻塞
type AuditRecorder interface {
	Record(rec db.PredictionRecord) bool
	Recent(ctx context.Context, limit int) ([]db.PredictionRecord, error)
}

// maxRecentPredictions 单次查询审计记录的上限
const maxRecentPredictions = 500

// Alerter 对可疑预测发告警，不得阻塞
type Alerter interface {
	ObservePrediction(event monitoring.PredictionEvent)
	Recent() []monitoring.Alert
	GetStats() monitoring.AlertStats
}

// predictRequest 指针元素区分null与0
type predictRequest struct {
	Features []*float64 `json:"features"`
}

// decodePredictRequest 解码请求体，拒绝null元素与多余数据
func decodePredictRequest(body io.Reader) ([]float64, error) {
	dec := json.NewDecoder(body)
	var req predictRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
		return nil, errors.New("invalid request body: unexpected data after JSON object")
	}
	if req.Features == nil {
		return nil, errors.New("features: field required")
	}
	features := make([]float64, len(req.Features))
	for i, v := range req.Features {
		if v == nil {
			return nil, fmt.Errorf("features[%d]: number required", i)
		}
		features[i] = *v
	}
	return features, nil
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type handlers struct {
	deps   Dependencies
	config ServerConfig
}

func (h *handlers) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.HandleFunc("GET /dashboard", h.handleDashboard)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(h.config.StaticDir))))

	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/model", h.handleModel)
	mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/stats", h.handleStats)
	if h.deps.Feed != nil {
		mux.Handle("GET /api/ws/predictions", h.deps.Feed)
	}
	if h.deps.Alerts != nil {
		mux.HandleFunc("GET /api/alerts", h.handleAlerts)
	}
	if h.deps.Audit != nil {
		mux.HandleFunc("GET /api/predictions/recent", h.handleRecentPredictions)
	}
}

func (h *handlers) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"message": LiveMessage})
}

func (h *handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := GetRequestID(r.Context())
	logger := h.deps.Logger.With(zap.String("request_id", requestID))

	features, err := decodePredictRequest(r.Body)
	if err != nil {
		status := http.StatusUnprocessableEntity
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.countError("validation")
		respondJSON(w, status, errorResponse{Detail: err.Error()})
		return
	}

	ctx := r.Context()
	if h.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.RequestTimeout)
		defer cancel()
	}

	result, err := h.deps.Predictor.Predict(ctx, features)
	if err != nil {
		kind := inference.KindOf(err)
		h.countError(kind.String())
		if kind == inference.KindInference {
			logger.Error("prediction failed", zap.Error(err))
		} else {
			logger.Debug("prediction rejected", zap.Stringer("kind", kind), zap.Error(err))
		}
		respondJSON(w, kind.HTTPStatus(), errorResponse{Detail: err.Error()})
		return
	}

	latency := time.Since(start)
	h.deps.Metrics.IncrCounter(monitoring.MetricPredictions, 1, map[string]string{"label": result.Label})
	h.deps.Metrics.ObserveDuration(monitoring.MetricPredictLatency, latency, nil)
	event := monitoring.NewPredictionEvent(requestID, result, latency)
	h.deps.Stats.Record(event)
	if h.deps.Feed != nil {
		h.deps.Feed.Publish(event)
	}
	if h.deps.Alerts != nil {
		h.deps.Alerts.ObservePrediction(event)
	}
	if h.deps.Audit != nil && !h.deps.Audit.Record(db.NewPredictionRecord(requestID, features, result, latency)) {
		h.deps.Metrics.IncrCounter(monitoring.MetricAuditDropped, 1, nil)
	}
	logger.Debug("prediction served",
		zap.Int("is_fraud", result.IsFraud),
		zap.Float64("fraud_probability", result.FraudProbability),
		zap.Duration("latency", latency),
	)

	respondJSON(w, http.StatusOK, result)
}

func (h *handlers) countError(kind string) {
	h.deps.Metrics.IncrCounter(monitoring.MetricPredictionErrors, 1, map[string]string{"kind": kind})
}

func (h *handlers) handleDashboard(w http.ResponseWriter, r *http.Request) {
	index := filepath.Join(h.config.StaticDir, "index.html")
	if info, err := os.Stat(index); err != nil || info.IsDir() {
		respondJSON(w, http.StatusOK, map[string]string{
			"error": fmt.Sprintf("index.html not found in %s", h.config.StaticDir),
		})
		return
	}
	http.ServeFile(w, r, index)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.deps.Predictor.Info())
}

func (h *handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	hits, misses := h.deps.Predictor.CacheStats()
	h.deps.Metrics.SetGauge(monitoring.MetricCacheHits, float64(hits), nil)
	h.deps.Metrics.SetGauge(monitoring.MetricCacheMisses, float64(misses), nil)

	if r.URL.Query().Get("format") == "prometheus" {
		var buf bytes.Buffer
		if err := h.deps.Metrics.WritePrometheus(&buf); err != nil {
			h.deps.Logger.Error("prometheus export failed", zap.Error(err))
			respondJSON(w, http.StatusInternalServerError, errorResponse{Detail: "metrics export failed"})
			return
		}
		w.Header().Set("Content-Type", string(monitoring.PrometheusFormat))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}
	respondJSON(w, http.StatusOK, h.deps.Metrics.Snapshot())
}

func (h *handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.deps.Stats.Stats())
}

func (h *handlers) handleAlerts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"stats":  h.deps.Alerts.GetStats(),
		"alerts": h.deps.Alerts.Recent(),
	})
}

func (h *handlers) handleRecentPredictions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondJSON(w, http.StatusBadRequest, errorResponse{Detail: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecentPredictions)
	}

	records, err := h.deps.Audit.Recent(r.Context(), limit)
	if err != nil {
		h.deps.Logger.Error("audit query failed", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, errorResponse{Detail: "audit query failed"})
		return
	}
	if records == nil {
		records = []db.PredictionRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"predictions": records})
}

// respondJSON 写JSON响应
func respondJSON(w http.ResponseWriter, status int, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		payload = []byte(`{"detail":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
