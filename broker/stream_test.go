package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fillServer 接受 WebSocket 升级后依次推送 messages，然后保持连接。
func fillServer(t *testing.T, messages ...[]byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamDeliversFills(t *testing.T) {
	fill := FillEvent{OrderID: "brk-1", Symbol: "ES", Quantity: 2, FillPrice: 4500.25, Timestamp: time.Now()}
	data, _ := json.Marshal(fill)
	srv := fillServer(t, data)
	defer srv.Close()

	received := make(chan FillEvent, 1)
	s := NewFillStream(wsURL(srv), func(f FillEvent) { received <- f })
	s.ReadTimeout = 500 * time.Millisecond

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case f := <-received:
		if f.OrderID != "brk-1" || f.Quantity != 2 || f.FillPrice != 4500.25 {
			t.Errorf("fill = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fill received")
	}
	if !s.IsConnected() {
		t.Error("stream should report connected")
	}
}

// 脏消息只上报错误，不中断后续成交的接收。
func TestStreamSkipsMalformedMessages(t *testing.T) {
	fill := FillEvent{OrderID: "brk-2", Symbol: "NQ", Quantity: 1, FillPrice: 15000.0, Timestamp: time.Now()}
	data, _ := json.Marshal(fill)
	srv := fillServer(t, []byte("not json"), []byte(`{"order_id":"","quantity":0}`), data)
	defer srv.Close()

	received := make(chan FillEvent, 1)
	errs := make(chan error, 8)
	s := NewFillStream(wsURL(srv), func(f FillEvent) { received <- f })
	s.ReadTimeout = 500 * time.Millisecond
	s.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case f := <-received:
		if f.OrderID != "brk-2" {
			t.Errorf("fill = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid fill not delivered after malformed ones")
	}
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Error("malformed message not reported")
	}
}

// 鉴权类握手失败（4xx）不再重连，错误上报给上层。
func TestStreamStopsOnFatalHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	errs := make(chan error, 1)
	s := NewFillStream(wsURL(srv), nil)
	s.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-errs:
		if IsRetriable(err) {
			t.Errorf("handshake 401 should be fatal, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake failure not reported")
	}

	// 读取循环应已自行退出，Stop 不会阻塞
	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked after fatal handshake")
	}
}

func TestStartRequiresEndpoint(t *testing.T) {
	s := NewFillStream("", nil)
	if err := s.Start(context.Background()); err == nil {
		t.Error("empty endpoint should fail")
	}
}

// Stop 后可再次 Start：通道每次启动重建，重启后照常接收成交。
func TestStreamRestart(t *testing.T) {
	fill := FillEvent{OrderID: "brk-1", Symbol: "ES", Quantity: 1, FillPrice: 4500.0, Timestamp: time.Now()}
	data, _ := json.Marshal(fill)
	srv := fillServer(t, data, data)
	defer srv.Close()

	received := make(chan FillEvent, 4)
	s := NewFillStream(wsURL(srv), func(f FillEvent) { received <- f })
	s.ReadTimeout = 500 * time.Millisecond

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no fill before restart")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop()
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no fill after restart")
	}
}
