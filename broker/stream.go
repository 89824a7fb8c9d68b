package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FillStream 通过 WebSocket 接收成交回报并回调业务层。
// 连接断开后按指数退避自动重连，单条脏消息只记录不中断读取循环。
type FillStream struct {
	Endpoint     string
	Dialer       *websocket.Dialer
	ReadTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	handler FillHandler
	errFn   func(error)

	mu        sync.RWMutex
	connected bool
	running   bool
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewFillStream 创建成交回报流
func NewFillStream(endpoint string, handler FillHandler) *FillStream {
	return &FillStream{
		Endpoint:     endpoint,
		Dialer:       websocket.DefaultDialer,
		ReadTimeout:  30 * time.Second,
		ReconnectMin: time.Second,
		ReconnectMax: 30 * time.Second,
		handler:      handler,
	}
}

// OnFill 注册/替换成交回报处理函数。
func (s *FillStream) OnFill(fn FillHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// OnError 注册读取/解析错误回调（可选）。
func (s *FillStream) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errFn = fn
}

// Start 启动后台读取循环。通道每次启动重建，支持 Stop 后再次 Start。
func (s *FillStream) Start(ctx context.Context) error {
	if s.Endpoint == "" {
		return fmt.Errorf("fill stream endpoint required")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	go s.run(ctx, stop, done)
	return nil
}

// Stop 停止读取循环并等待退出。未启动时为空操作。
func (s *FillStream) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// IsConnected 返回当前连接状态
func (s *FillStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *FillStream) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	backoff := s.ReconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		err := s.readLoop(ctx, stop)
		s.setConnected(false)
		if err != nil {
			s.reportError(err)
			if !IsRetriable(err) {
				// 鉴权类握手失败重连也无望，交给上层处理
				return
			}
		}

		// 重连退避
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.ReconnectMax {
			backoff = s.ReconnectMax
		}
	}
}

func (s *FillStream) readLoop(ctx context.Context, stop chan struct{}) error {
	conn, resp, err := s.Dialer.DialContext(ctx, s.Endpoint, nil)
	if err != nil {
		if resp != nil && !RetriableStatus(resp.StatusCode) {
			return Fatal("dial_fill_stream", fmt.Errorf("handshake status %d: %w", resp.StatusCode, err))
		}
		return Retriable("dial_fill_stream", err)
	}
	defer conn.Close()
	s.setConnected(true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			// 断线和读超时都走重连
			return Retriable("read_fill_stream", err)
		}

		var fill FillEvent
		if err := json.Unmarshal(message, &fill); err != nil {
			s.reportError(fmt.Errorf("parse fill event: %w", err))
			continue
		}
		if fill.OrderID == "" || fill.Quantity <= 0 {
			s.reportError(fmt.Errorf("malformed fill event: %s", string(message)))
			continue
		}
		s.mu.RLock()
		handler := s.handler
		s.mu.RUnlock()
		if handler != nil {
			handler(fill)
		}
	}
}

func (s *FillStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *FillStream) reportError(err error) {
	s.mu.RLock()
	fn := s.errFn
	s.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
