// Package monitoring 提供服务指标、实时预测推送与制品监视
package monitoring

import (
	"context"
	"fmt"
	"io"
	"maps"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
	MetricTypeSummary MetricType = "summary"
)

// 服务使用的指标名
const (
	MetricPredictions      = "predictions_total"
	MetricPredictionErrors = "prediction_errors_total"
	MetricPredictLatency   = "predict_latency_seconds"
	MetricCacheHits        = "prediction_cache_hits"
	MetricCacheMisses      = "prediction_cache_misses"
	MetricArtifactChanges  = "artifact_changes_total"
	MetricAuditDropped     = "audit_dropped_total"
	MetricFeedDropped      = "feed_dropped_total"
	MetricFeedClients      = "feed_clients"
)

// Metric 指标
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`

	// 仅summary使用
	Count uint64  `json:"count,omitempty"`
	Min   float64 `json:"min,omitempty"`
	Max   float64 `json:"max,omitempty"`
}

// MetricsCollector 指标收集器，并发安全
type MetricsCollector struct {
	metrics     map[string]*Metric
	metricsLock sync.RWMutex

	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:   make(map[string]*Metric),
		startTime: time.Now(),
	}
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		fmt.Fprintf(&b, ",%s=%s", k, labels[k])
	}
	return b.String()
}

// lookup 调用方需持有写锁
func (mc *MetricsCollector) lookup(name string, typ MetricType, labels map[string]string) *Metric {
	key := metricKey(name, labels)
	m, ok := mc.metrics[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: maps.Clone(labels)}
		mc.metrics[key] = m
	}
	return m
}

// IncrCounter 增加计数器
func (mc *MetricsCollector) IncrCounter(name string, value float64, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	m := mc.lookup(name, MetricTypeCounter, labels)
	m.Value += value
	m.Timestamp = time.Now()
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	m := mc.lookup(name, MetricTypeGauge, labels)
	m.Value = value
	m.Timestamp = time.Now()
}

// ObserveDuration 记录耗时样本（秒），Value为累计和
func (mc *MetricsCollector) ObserveDuration(name string, d time.Duration, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	v := d.Seconds()
	m := mc.lookup(name, MetricTypeSummary, labels)
	if m.Count == 0 || v < m.Min {
		m.Min = v
	}
	if v > m.Max {
		m.Max = v
	}
	m.Count++
	m.Value += v
	m.Timestamp = time.Now()
}

// GetMetric 获取指标副本
func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) (Metric, bool) {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	m, ok := mc.metrics[metricKey(name, labels)]
	if !ok {
		return Metric{}, false
	}
	c := *m
	c.Labels = maps.Clone(m.Labels)
	return c, true
}

// GetAllMetrics 按键排序返回所有指标副本
func (mc *MetricsCollector) GetAllMetrics() []Metric {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	result := make([]Metric, 0, len(mc.metrics))
	for _, key := range slices.Sorted(maps.Keys(mc.metrics)) {
		c := *mc.metrics[key]
		c.Labels = maps.Clone(c.Labels)
		result = append(result, c)
	}
	return result
}

// Snapshot 指标快照
type Snapshot struct {
	Uptime  string         `json:"uptime"`
	Metrics []Metric       `json:"metrics"`
	System  map[string]any `json:"system"`
}

// Snapshot 获取快照
func (mc *MetricsCollector) Snapshot() Snapshot {
	return Snapshot{
		Uptime:  mc.GetUptime().Round(time.Second).String(),
		Metrics: mc.GetAllMetrics(),
		System:  mc.GetSystemStats(),
	}
}

// Run 周期采集运行时指标，直到ctx结束
func (mc *MetricsCollector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		mc.collectRuntimeMetrics()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// collectRuntimeMetrics 收集内存与协程指标
func (mc *MetricsCollector) collectRuntimeMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.SetGauge("memory_heap_alloc", float64(m.HeapAlloc), nil)
	mc.SetGauge("memory_heap_sys", float64(m.HeapSys), nil)
	mc.SetGauge("memory_gc_count", float64(m.NumGC), nil)
	mc.SetGauge("system_goroutines", float64(runtime.NumGoroutine()), nil)
}

// PrometheusFormat 文本导出的Content-Type
var PrometheusFormat = expfmt.NewFormat(expfmt.TypeTextPlain)

// WritePrometheus 按名称分组写出Prometheus文本格式
func (mc *MetricsCollector) WritePrometheus(w io.Writer) error {
	var families []*dto.MetricFamily
	byName := make(map[string]*dto.MetricFamily)

	for _, m := range mc.GetAllMetrics() {
		mf, ok := byName[m.Name]
		if !ok {
			mf = &dto.MetricFamily{Name: proto.String(m.Name), Type: prometheusType(m.Type).Enum()}
			byName[m.Name] = mf
			families = append(families, mf)
		}
		pm := &dto.Metric{Label: labelPairs(m.Labels)}
		switch m.Type {
		case MetricTypeCounter:
			pm.Counter = &dto.Counter{Value: proto.Float64(m.Value)}
		case MetricTypeGauge:
			pm.Gauge = &dto.Gauge{Value: proto.Float64(m.Value)}
		case MetricTypeSummary:
			pm.Summary = &dto.Summary{SampleCount: proto.Uint64(m.Count), SampleSum: proto.Float64(m.Value)}
		}
		mf.Metric = append(mf.Metric, pm)
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func prometheusType(t MetricType) dto.MetricType {
	switch t {
	case MetricTypeCounter:
		return dto.MetricType_COUNTER
	case MetricTypeSummary:
		return dto.MetricType_SUMMARY
	}
	return dto.MetricType_GAUGE
}

func labelPairs(labels map[string]string) []*dto.LabelPair {
	pairs := make([]*dto.LabelPair, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(labels[k])})
	}
	return pairs
}

// GetUptime 获取运行时间
func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

// GetSystemStats 获取系统统计
func (mc *MetricsCollector) GetSystemStats() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]any{
			"alloc":       m.Alloc,
			"sys":         m.Sys,
			"heap_alloc":  m.HeapAlloc,
			"heap_inuse":  m.HeapInuse,
			"gc_count":    m.NumGC,
			"gc_pause_ns": m.PauseTotalNs,
		},
		"num_cpu": runtime.NumCPU(),
	}
}
