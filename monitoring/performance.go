package monitoring

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"time"
)

// PredictionTracker 统计最近window次预测的欺诈率、概率分布与延迟
type PredictionTracker struct {
	mu      sync.RWMutex
	window  []trackedPrediction
	next    int
	filled  bool
	total   uint64
	fraud   uint64
	started time.Time
}

type trackedPrediction struct {
	probability float64
	isFraud     bool
	latency     time.Duration
	drivers     []string
}

// PredictionStats 滑动窗口统计
type PredictionStats struct {
	Window          int            `json:"window"`
	Samples         int            `json:"samples"`
	TotalSeen       uint64         `json:"total_seen"`
	FraudSeen       uint64         `json:"fraud_seen"`
	FraudRate       float64        `json:"fraud_rate"`
	MeanProbability float64        `json:"mean_probability"`
	MaxProbability  float64        `json:"max_probability"`
	LatencyP50MS    float64        `json:"latency_p50_ms"`
	LatencyP95MS    float64        `json:"latency_p95_ms"`
	LatencyP99MS    float64        `json:"latency_p99_ms"`
	TopDrivers      []DriverCount  `json:"top_drivers"`
	Since           time.Time      `json:"since"`
	Labels          map[string]int `json:"labels"`
}

// DriverCount 特征出现在前三驱动因素中的次数
type DriverCount struct {
	Feature string `json:"feature"`
	Count   int    `json:"count"`
}

// NewPredictionTracker 创建窗口为size的统计器
func NewPredictionTracker(size int) *PredictionTracker {
	if size <= 0 {
		size = 1000
	}
	return &PredictionTracker{
		window:  make([]trackedPrediction, size),
		started: time.Now().UTC(),
	}
}

// Record 记录一次预测
func (pt *PredictionTracker) Record(event PredictionEvent) {
	drivers := make([]string, len(event.TopDrivers))
	for i, d := range event.TopDrivers {
		drivers[i] = d.Feature
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.window[pt.next] = trackedPrediction{
		probability: event.FraudProbability,
		isFraud:     event.IsFraud == 1,
		latency:     time.Duration(event.LatencyMS * float64(time.Millisecond)),
		drivers:     drivers,
	}
	pt.next = (pt.next + 1) % len(pt.window)
	if pt.next == 0 {
		pt.filled = true
	}
	pt.total++
	if event.IsFraud == 1 {
		pt.fraud++
	}
}

// Stats 计算当前窗口的统计
func (pt *PredictionTracker) Stats() PredictionStats {
	pt.mu.RLock()
	n := pt.next
	if pt.filled {
		n = len(pt.window)
	}
	samples := slices.Clone(pt.window[:n])
	stats := PredictionStats{
		Window:    len(pt.window),
		Samples:   n,
		TotalSeen: pt.total,
		FraudSeen: pt.fraud,
		Since:     pt.started,
		Labels:    map[string]int{},
	}
	pt.mu.RUnlock()

	if n == 0 {
		return stats
	}

	var sum float64
	var frauds int
	latencies := make([]time.Duration, n)
	drivers := make(map[string]int)
	for i, p := range samples {
		sum += p.probability
		stats.MaxProbability = math.Max(stats.MaxProbability, p.probability)
		if p.isFraud {
			frauds++
		}
		latencies[i] = p.latency
		for _, f := range p.drivers {
			drivers[f]++
		}
	}
	stats.FraudRate = float64(frauds) / float64(n)
	stats.MeanProbability = sum / float64(n)
	stats.Labels["fraudulent"] = frauds
	stats.Labels["legitimate"] = n - frauds

	slices.Sort(latencies)
	stats.LatencyP50MS = percentileMS(latencies, 0.50)
	stats.LatencyP95MS = percentileMS(latencies, 0.95)
	stats.LatencyP99MS = percentileMS(latencies, 0.99)

	for f, c := range drivers {
		stats.TopDrivers = append(stats.TopDrivers, DriverCount{Feature: f, Count: c})
	}
	slices.SortFunc(stats.TopDrivers, func(a, b DriverCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Feature, b.Feature)
	})
	if len(stats.TopDrivers) > 10 {
		stats.TopDrivers = stats.TopDrivers[:10]
	}
	return stats
}

// percentileMS 最近秩百分位，sorted须已升序
func percentileMS(sorted []time.Duration, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return float64(sorted[idx]) / float64(time.Millisecond)
}

// Clear 清空窗口
func (pt *PredictionTracker) Clear() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	clear(pt.window)
	pt.next = 0
	pt.filled = false
	pt.total = 0
	pt.fraud = 0
	pt.started = time.Now().UTC()
}
