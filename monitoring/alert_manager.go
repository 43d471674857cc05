package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fraudsentinel/inference"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

func (l AlertLevel) rank() int {
	switch l {
	case AlertWarning:
		return 1
	case AlertCritical:
		return 2
	}
	return 0
}

// 渠道类型
const (
	ChannelLog      = "log"
	ChannelWebhook  = "webhook"
	ChannelFeishu   = "feishu"
	ChannelDingding = "dingding"
)

const (
	MetricAlertsSent       = "alerts_sent_total"
	MetricAlertsSuppressed = "alerts_suppressed_total"
	MetricAlertsFailed     = "alerts_failed_total"
	MetricAlertsDropped    = "alerts_dropped_total"
)

// Alert 告警结构
type Alert struct {
	ID          string            `json:"id"`
	Level       AlertLevel        `json:"level"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	RequestID   string            `json:"request_id,omitempty"`
	Probability float64           `json:"fraud_probability"`
	Threshold   float64           `json:"threshold"`
	Drivers     inference.Drivers `json:"top_3_drivers,omitempty"`
	Source      string            `json:"source"`
	Timestamp   time.Time         `json:"timestamp"`
}

// AlertChannel 告警渠道配置
type AlertChannel struct {
	Name       string        `yaml:"name"`
	Type       string        `yaml:"type"`
	URL        string        `yaml:"url"`
	MinLevel   AlertLevel    `yaml:"min_level"`
	MaxPerHour int           `yaml:"max_per_hour"`
	Cooldown   time.Duration `yaml:"cooldown"`
}

// AlertConfig 告警配置
type AlertConfig struct {
	Enabled bool `yaml:"enabled"`
	// 欺诈概率达到WarningProbability发warning，达到CriticalProbability发critical
	WarningProbability  float64        `yaml:"warning_probability"`
	CriticalProbability float64        `yaml:"critical_probability"`
	QueueSize           int            `yaml:"queue_size"`
	Timeout             time.Duration  `yaml:"timeout"`
	Channels            []AlertChannel `yaml:"channels"`
}

// DefaultAlertConfig 默认只写日志
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		WarningProbability:  0.8,
		CriticalProbability: 0.95,
		QueueSize:           256,
		Timeout:             5 * time.Second,
		Channels: []AlertChannel{
			{Name: "log", Type: ChannelLog, MinLevel: AlertWarning},
		},
	}
}

// Validate 校验阈值与渠道
func (c AlertConfig) Validate() error {
	var err error
	if !(c.WarningProbability > 0 && c.WarningProbability <= 1) {
		err = multierr.Append(err, fmt.Errorf("alerts.warning_probability %v outside (0, 1]", c.WarningProbability))
	}
	if c.CriticalProbability < c.WarningProbability || c.CriticalProbability > 1 {
		err = multierr.Append(err, fmt.Errorf("alerts.critical_probability %v must lie in [warning_probability, 1]", c.CriticalProbability))
	}
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			err = multierr.Append(err, fmt.Errorf("alerts.channels[%d]: name is required", i))
		} else if seen[ch.Name] {
			err = multierr.Append(err, fmt.Errorf("alerts.channels[%d]: duplicate name %q", i, ch.Name))
		}
		seen[ch.Name] = true
		switch ch.Type {
		case ChannelLog:
		case ChannelWebhook, ChannelFeishu, ChannelDingding:
			if ch.URL == "" {
				err = multierr.Append(err, fmt.Errorf("alerts.channels[%d]: %s channel needs a url", i, ch.Type))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("alerts.channels[%d]: unknown type %q", i, ch.Type))
		}
		if ch.MinLevel != "" && ch.MinLevel.rank() == 0 {
			err = multierr.Append(err, fmt.Errorf("alerts.channels[%d]: unknown min_level %q", i, ch.MinLevel))
		}
	}
	return err
}

// AlertStats 告警统计
type AlertStats struct {
	Total      int64                `json:"total"`
	ByLevel    map[AlertLevel]int64 `json:"by_level"`
	ByChannel  map[string]int64     `json:"by_channel"`
	Suppressed int64                `json:"suppressed"`
	Failed     int64                `json:"failed"`
	Dropped    int64                `json:"dropped"`
	LastAlert  time.Time            `json:"last_alert,omitzero"`
}

// rateTracker 单个渠道的限流状态
type rateTracker struct {
	hourStart time.Time
	hourCount int
	lastSent  time.Time
}

const recentAlerts = 100

var alertText = template.Must(template.New("alert").Parse(
	`[{{.Level}}] {{.Title}}
{{.Message}}
request: {{.RequestID}}
time: {{.Timestamp.Format "2006-01-02 15:04:05"}}`))

// AlertSystem 对高欺诈概率的预测发出告警，投递在Run中异步完成
type AlertSystem struct {
	config     AlertConfig
	queue      chan Alert
	httpClient *http.Client
	metrics    *MetricsCollector
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	limits map[string]*rateTracker
	recent []Alert
	stats  AlertStats
}

// NewAlertSystem 创建告警系统，metrics可为nil
func NewAlertSystem(config AlertConfig, metrics *MetricsCollector, logger *zap.Logger) (*AlertSystem, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultAlertConfig().QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultAlertConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSystem{
		config:     config,
		queue:      make(chan Alert, config.QueueSize),
		httpClient: &http.Client{Timeout: config.Timeout},
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		limits:     make(map[string]*rateTracker),
		stats: AlertStats{
			ByLevel:   make(map[AlertLevel]int64),
			ByChannel: make(map[string]int64),
		},
	}, nil
}

// ObservePrediction 按欺诈概率决定是否告警，不阻塞调用方
func (a *AlertSystem) ObservePrediction(event PredictionEvent) {
	var level AlertLevel
	threshold := a.config.WarningProbability
	switch {
	case event.FraudProbability >= a.config.CriticalProbability:
		level, threshold = AlertCritical, a.config.CriticalProbability
	case event.FraudProbability >= a.config.WarningProbability:
		level = AlertWarning
	default:
		return
	}

	parts := make([]string, 0, len(event.TopDrivers))
	for _, d := range event.TopDrivers {
		parts = append(parts, fmt.Sprintf("%s=%v", d.Feature, d.Value))
	}
	a.SendAlert(Alert{
		Level:       level,
		Title:       "Suspected fraudulent transaction",
		Message:     fmt.Sprintf("fraud probability %v >= %v, drivers: %s", event.FraudProbability, threshold, strings.Join(parts, ", ")),
		RequestID:   event.RequestID,
		Probability: event.FraudProbability,
		Threshold:   threshold,
		Drivers:     slices.Clone(event.TopDrivers),
		Source:      "predict",
	})
}

// SendAlert 告警入队，队列满时丢弃并返回false
func (a *AlertSystem) SendAlert(alert Alert) bool {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = a.now().UTC()
	}

	select {
	case a.queue <- alert:
		return true
	default:
		a.mu.Lock()
		a.stats.Dropped++
		a.mu.Unlock()
		a.incr(MetricAlertsDropped, nil)
		a.logger.Warn("alert queue is full, dropping alert", zap.String("alert_id", alert.ID))
		return false
	}
}

// Run 投递告警直到ctx结束，退出前发完队列中剩余告警
func (a *AlertSystem) Run(ctx context.Context) error {
	for {
		select {
		case alert := <-a.queue:
			a.dispatch(ctx, alert)
		case <-ctx.Done():
			for {
				select {
				case alert := <-a.queue:
					a.dispatch(context.WithoutCancel(ctx), alert)
				default:
					return nil
				}
			}
		}
	}
}

func (a *AlertSystem) dispatch(ctx context.Context, alert Alert) {
	a.mu.Lock()
	a.stats.Total++
	a.stats.ByLevel[alert.Level]++
	a.stats.LastAlert = alert.Timestamp
	a.recent = append(a.recent, alert)
	if len(a.recent) > recentAlerts {
		a.recent = a.recent[len(a.recent)-recentAlerts:]
	}
	a.mu.Unlock()

	for _, ch := range a.config.Channels {
		if ch.MinLevel != "" && alert.Level.rank() < ch.MinLevel.rank() {
			continue
		}
		labels := map[string]string{"channel": ch.Name}
		if !a.allow(ch) {
			a.mu.Lock()
			a.stats.Suppressed++
			a.mu.Unlock()
			a.incr(MetricAlertsSuppressed, labels)
			continue
		}
		if err := a.deliver(ctx, ch, alert); err != nil {
			a.mu.Lock()
			a.stats.Failed++
			a.mu.Unlock()
			a.incr(MetricAlertsFailed, labels)
			a.logger.Error("deliver alert", zap.String("channel", ch.Name), zap.String("alert_id", alert.ID), zap.Error(err))
			continue
		}
		a.mu.Lock()
		a.stats.ByChannel[ch.Name]++
		a.mu.Unlock()
		a.incr(MetricAlertsSent, labels)
	}
}

// allow 检查渠道的每小时上限与冷却时间
func (a *AlertSystem) allow(ch AlertChannel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	tracker, ok := a.limits[ch.Name]
	if !ok {
		tracker = &rateTracker{hourStart: now}
		a.limits[ch.Name] = tracker
	}
	if now.Sub(tracker.hourStart) >= time.Hour {
		tracker.hourStart = now
		tracker.hourCount = 0
	}
	if ch.MaxPerHour > 0 && tracker.hourCount >= ch.MaxPerHour {
		return false
	}
	if ch.Cooldown > 0 && !tracker.lastSent.IsZero() && now.Sub(tracker.lastSent) < ch.Cooldown {
		return false
	}
	tracker.hourCount++
	tracker.lastSent = now
	return true
}

func (a *AlertSystem) deliver(ctx context.Context, ch AlertChannel, alert Alert) error {
	if ch.Type == ChannelLog {
		a.logger.Warn("fraud alert",
			zap.String("alert_id", alert.ID),
			zap.String("level", string(alert.Level)),
			zap.String("request_id", alert.RequestID),
			zap.Float64("fraud_probability", alert.Probability),
			zap.String("message", alert.Message),
		)
		return nil
	}

	var payload any
	switch ch.Type {
	case ChannelWebhook:
		payload = alert
	case ChannelFeishu, ChannelDingding:
		text, err := formatAlert(alert)
		if err != nil {
			return err
		}
		if ch.Type == ChannelFeishu {
			payload = map[string]any{"msg_type": "text", "content": map[string]string{"text": text}}
		} else {
			payload = map[string]any{"msgtype": "text", "text": map[string]string{"content": text}}
		}
	default:
		return fmt.Errorf("unknown channel type %q", ch.Type)
	}
	return a.postJSON(ctx, ch.URL, payload)
}

func formatAlert(alert Alert) (string, error) {
	var buf bytes.Buffer
	if err := alertText.Execute(&buf, alert); err != nil {
		return "", fmt.Errorf("format alert: %w", err)
	}
	return buf.String(), nil
}

// postJSON 发送Webhook请求，非2xx视为失败
func (a *AlertSystem) postJSON(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (a *AlertSystem) incr(name string, labels map[string]string) {
	if a.metrics != nil {
		a.metrics.IncrCounter(name, 1, labels)
	}
}

// Recent 最近的告警，新的在前
func (a *AlertSystem) Recent() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Alert, len(a.recent))
	for i, alert := range a.recent {
		out[len(a.recent)-1-i] = alert
	}
	return out
}

// GetStats 获取统计信息
func (a *AlertSystem) GetStats() AlertStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := a.stats
	stats.ByLevel = maps.Clone(a.stats.ByLevel)
	stats.ByChannel = maps.Clone(a.stats.ByChannel)
	return stats
}
