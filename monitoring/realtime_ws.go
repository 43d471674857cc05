package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fraudsentinel/inference"
)

// MessageType 消息类型
type MessageType string

const (
	MessagePrediction MessageType = "prediction"
	MessageHeartbeat  MessageType = "heartbeat"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Message 推送消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id"`
}

// PredictionEvent 一次成功打分的摘要
type PredictionEvent struct {
	RequestID        string            `json:"request_id"`
	IsFraud          int               `json:"is_fraud"`
	FraudProbability float64           `json:"fraud_probability"`
	Label            string            `json:"label"`
	TopDrivers       inference.Drivers `json:"top_3_drivers"`
	LatencyMS        float64           `json:"latency_ms"`
}

// NewPredictionEvent 由预测结果构造事件
func NewPredictionEvent(requestID string, r *inference.Result, latency time.Duration) PredictionEvent {
	return PredictionEvent{
		RequestID:        requestID,
		IsFraud:          r.IsFraud,
		FraudProbability: r.FraudProbability,
		Label:            r.Label,
		TopDrivers:       r.Explanation.TopDrivers,
		LatencyMS:        float64(latency.Microseconds()) / 1000,
	}
}

// client WebSocket客户端
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string
}

// FeedConfig 推送中心配置
type FeedConfig struct {
	AllowedOrigins []string
	QueueSize      int
	Heartbeat      time.Duration
}

// PredictionFeed 把预测事件广播给所有WebSocket客户端
type PredictionFeed struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	heartbeat  time.Duration
	metrics    *MetricsCollector
	logger     *zap.Logger
}

// NewPredictionFeed 创建推送中心，metrics可为nil
func NewPredictionFeed(config FeedConfig, metrics *MetricsCollector, logger *zap.Logger) *PredictionFeed {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := config.AllowedOrigins

	return &PredictionFeed{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, config.QueueSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(origins) == 0 || slices.Contains(origins, "*") || slices.Contains(origins, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		heartbeat: config.Heartbeat,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run 运行推送中心直到ctx结束
func (h *PredictionFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.setClientsGauge(total)
			h.logger.Debug("feed client connected", zap.String("client_id", c.clientID), zap.Int("total", total))

		case c := <-h.unregister:
			h.drop(c)

		case message := <-h.broadcast:
			h.fanOut(message)

		case <-ticker.C:
			if message, err := encodeMessage(MessageHeartbeat, nil); err == nil {
				h.fanOut(message)
			}

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.setClientsGauge(0)
			h.logger.Info("prediction feed stopped")
			return nil
		}
	}
}

func (h *PredictionFeed) fanOut(message []byte) {
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.logger.Warn("feed client too slow, disconnecting", zap.String("client_id", c.clientID))
		h.drop(c)
	}
}

func (h *PredictionFeed) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.setClientsGauge(total)
		h.logger.Debug("feed client disconnected", zap.String("client_id", c.clientID), zap.Int("total", total))
	}
}

func (h *PredictionFeed) setClientsGauge(n int) {
	if h.metrics != nil {
		h.metrics.SetGauge(MetricFeedClients, float64(n), nil)
	}
}

// Clients 当前连接数
func (h *PredictionFeed) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP 升级为WebSocket连接
func (h *PredictionFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, 64),
		clientID: uuid.NewString(),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

// Publish 广播预测事件，队列满时丢弃
func (h *PredictionFeed) Publish(event PredictionEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode prediction event", zap.Error(err))
		return
	}
	message, err := encodeMessage(MessagePrediction, data)
	if err != nil {
		h.logger.Error("encode feed message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- message:
	default:
		if h.metrics != nil {
			h.metrics.IncrCounter(MetricFeedDropped, 1, nil)
		}
		h.logger.Warn("prediction feed queue is full, dropping event")
	}
}

func encodeMessage(typ MessageType, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Message{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
		ID:        uuid.NewString(),
	})
}

// writePump WebSocket写入泵
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理控制帧，客户端消息被忽略
func (c *client) readPump(h *PredictionFeed) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("feed client read error", zap.String("client_id", c.clientID), zap.Error(err))
			}
			return
		}
	}
}
