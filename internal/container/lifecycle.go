package container

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"futures-trader-go/infrastructure/logger"
)

// Component 可启停的容器组件
type Component interface {
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

type namedComponent struct {
	name string
	c    Component
}

// LifecycleManager 按注册顺序启动、逆序停止一组命名组件。
type LifecycleManager struct {
	mu         sync.RWMutex
	components []namedComponent
}

// NewLifecycleManager 创建生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 以名字注册组件，名字用于启动失败与健康检查的定位
func (m *LifecycleManager) Register(name string, c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, namedComponent{name: name, c: c})
}

// StartAll 按注册顺序启动。任一组件失败时逆序回滚已启动的组件，
// 返回失败组件的名字。
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, nc := range m.components {
		if err := nc.c.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].c.Stop()
			}
			return fmt.Errorf("start %s: %w", nc.name, err)
		}
	}
	return nil
}

// StopAll 逆序停止全部组件。单个失败不中断其余组件的停止，
// 返回最后一个失败。
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	for i := len(m.components) - 1; i >= 0; i-- {
		nc := m.components[i]
		if err := nc.c.Stop(); err != nil {
			lastErr = fmt.Errorf("stop %s: %w", nc.name, err)
		}
	}
	return lastErr
}

// CheckHealth 汇总全部不健康组件，而不是停在第一个
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var unhealthy []string
	for _, nc := range m.components {
		if err := nc.c.Health(); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("%s: %v", nc.name, err))
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("unhealthy components: %s", strings.Join(unhealthy, "; "))
	}
	return nil
}

// httpServerComponent 后台 HTTP 服务（指标端点）。
// 监听失败只能在 goroutine 里发现，记日志并由健康检查暴露。
type httpServerComponent struct {
	name    string
	addr    string
	handler http.Handler
	logger  *logger.Logger

	mu  sync.Mutex
	srv *http.Server
}

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv != nil {
		return nil
	}

	srv := &http.Server{Addr: h.addr, Handler: h.handler}
	h.srv = srv

	go func() {
		h.logger.Logger.Info(fmt.Sprintf("%s listening on %s", h.name, h.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "listen",
			})
			h.mu.Lock()
			if h.srv == srv {
				h.srv = nil
			}
			h.mu.Unlock()
		}
	}()
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	srv := h.srv
	h.srv = nil
	h.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	h.logger.Logger.Info(fmt.Sprintf("%s stopped", h.name))
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv == nil {
		return fmt.Errorf("not serving")
	}
	return nil
}
