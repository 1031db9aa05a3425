package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"swap-grid-bot-go/internal/models"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
)

// ErrStreamDown 连接断开且缓存中没有任何未过期的价格
var ErrStreamDown = errors.New("price stream down")

// StreamConfig 定义了 WebSocket 价格流的参数
type StreamConfig struct {
	BaseURL        string // 例如 wss://stream.binance.com:9443
	QuoteAsset     string
	StaleAfter     time.Duration // 超过该时长未更新的价格视为缺失
	PingInterval   time.Duration
	PongTimeout    time.Duration
	ReconnectDelay time.Duration
}

func (c *StreamConfig) setDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = (c.PongTimeout * 9) / 10
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
}

type cachedPrice struct {
	price float64
	at    time.Time
}

// subscribeRequest 是币安组合流的订阅消息
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type streamMessage struct {
	Stream string     `json:"stream"`
	Data   miniTicker `json:"data"`
}

type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// StreamPriceSource 订阅币安 miniTicker 组合流并缓存每个代币的最新价格。
// 首次请求某个代币时自动订阅，断线后自动重连并重新订阅。
type StreamPriceSource struct {
	cfg    StreamConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	prices  map[string]cachedPrice // token -> price
	streams map[string]string      // stream name -> token

	connMu sync.Mutex // 保护 conn 以及所有写操作
	conn   *websocket.Conn
	nextID atomic.Int64

	running   atomic.Bool
	stopCh    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewStreamPriceSource 创建一个新的 StreamPriceSource，调用 Start 后开始连接。
func NewStreamPriceSource(cfg StreamConfig, logger *zap.Logger) *StreamPriceSource {
	cfg.setDefaults()
	return &StreamPriceSource{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		prices:  make(map[string]cachedPrice),
		streams: make(map[string]string),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start 启动后台连接循环
func (s *StreamPriceSource) Start() {
	s.startOnce.Do(func() {
		s.running.Store(true)
		go s.webSocketLoop()
	})
}

// Stop 发送关闭帧并等待连接循环退出
func (s *StreamPriceSource) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			s.conn.Close()
		}
		s.connMu.Unlock()
	})
	if s.running.Load() {
		<-s.done
	}
}

// GetPrices 实现 PriceSource 接口。过期或从未收到的价格不出现在结果中。
func (s *StreamPriceSource) GetPrices(_ context.Context, tokenIDs []string) (map[string]float64, error) {
	s.subscribe(tokenIDs)

	now := s.now()
	out := make(map[string]float64, len(tokenIDs))
	wanted, fresh := 0, 0
	s.mu.RLock()
	for _, id := range tokenIDs {
		if id == s.cfg.QuoteAsset {
			out[id] = 1
			continue
		}
		wanted++
		if p, ok := s.prices[id]; ok && now.Sub(p.at) <= s.cfg.StaleAfter {
			out[id] = p.price
			fresh++
		}
	}
	s.mu.RUnlock()

	if wanted > 0 && fresh == 0 && !s.connected() {
		return nil, ErrStreamDown
	}
	return out, nil
}

func (s *StreamPriceSource) connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

func (s *StreamPriceSource) streamName(token string) string {
	return strings.ToLower(token+s.cfg.QuoteAsset) + "@miniTicker"
}

// subscribe 登记新代币，已连接时立即发送订阅消息，否则在下次连接时订阅
func (s *StreamPriceSource) subscribe(tokenIDs []string) {
	var added []string
	s.mu.Lock()
	for _, id := range tokenIDs {
		if id == s.cfg.QuoteAsset {
			continue
		}
		name := s.streamName(id)
		if _, ok := s.streams[name]; !ok {
			s.streams[name] = id
			added = append(added, name)
		}
	}
	s.mu.Unlock()
	if len(added) == 0 {
		return
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.writeSubscribe(s.conn, added); err != nil {
		s.logger.Warn("发送订阅消息失败", zap.Strings("streams", added), zap.Error(err))
	}
}

// writeSubscribe 必须在持有 connMu 的情况下调用
func (s *StreamPriceSource) writeSubscribe(conn *websocket.Conn, streams []string) error {
	data, err := sonnet.Marshal(subscribeRequest{Method: "SUBSCRIBE", Params: streams, ID: s.nextID.Add(1)})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *StreamPriceSource) allStreams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	return names
}

// connect 建立连接并订阅所有已登记的流
func (s *StreamPriceSource) connect() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(s.cfg.BaseURL+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket连接失败: %w", err)
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.stopCh:
		conn.Close()
		return nil, errors.New("stopped")
	default:
	}
	if streams := s.allStreams(); len(streams) > 0 {
		if err := s.writeSubscribe(conn, streams); err != nil {
			conn.Close()
			return nil, fmt.Errorf("订阅失败: %w", err)
		}
	}
	s.conn = conn
	return conn, nil
}

// webSocketLoop 负责维持WebSocket的连接和重连
func (s *StreamPriceSource) webSocketLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			s.logger.Info("WebSocket循环已停止")
			return
		default:
		}

		conn, err := s.connect()
		if err != nil {
			s.logger.Warn("WebSocket连接失败, 稍后重试", zap.Error(err), zap.Duration("delay", s.cfg.ReconnectDelay))
			if !s.sleep(s.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		s.logger.Info("WebSocket连接成功", zap.String("url", s.cfg.BaseURL))
		if err := s.handleMessages(conn); err != nil {
			s.logger.Warn("WebSocket处理时发生错误", zap.Error(err))
		}

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()

		s.logger.Info("WebSocket连接已断开，准备重连")
		if !s.sleep(s.cfg.ReconnectDelay) {
			return
		}
	}
}

func (s *StreamPriceSource) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// handleMessages 读取一个连接上的消息直到断开，并维持心跳
func (s *StreamPriceSource) handleMessages(conn *websocket.Conn) error {
	pongWait := s.cfg.PongTimeout
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.connMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				s.connMu.Unlock()
				if err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-pingStop:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleMessage(message)
	}
}

// handleMessage 解析一条组合流消息并更新缓存。订阅确认等非行情消息被忽略。
func (s *StreamPriceSource) handleMessage(message []byte) {
	var msg streamMessage
	if err := sonnet.Unmarshal(message, &msg); err != nil {
		s.logger.Debug("解析价格信息失败", zap.Error(err))
		return
	}
	if msg.Stream == "" {
		return
	}

	s.mu.RLock()
	token, ok := s.streams[msg.Stream]
	s.mu.RUnlock()
	if !ok {
		return
	}

	price, err := strconv.ParseFloat(msg.Data.Close, 64)
	if err != nil || !models.ValidPrice(price) {
		s.logger.Debug("转换价格失败", zap.String("stream", msg.Stream), zap.String("close", msg.Data.Close))
		return
	}

	s.mu.Lock()
	s.prices[token] = cachedPrice{price: price, at: s.now()}
	s.mu.Unlock()
}
