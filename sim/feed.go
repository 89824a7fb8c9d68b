package sim

import (
	"sync"
	"time"
)

// Step 价格路径中的一步
type Step struct {
	Symbol string
	Price  float64
}

// Feed 按固定节奏回放价格路径，驱动模拟经纪商撮合。
// 路径播完自动停止。
type Feed struct {
	adapter  *Adapter
	steps    []Step
	interval time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewFeed 创建价格回放器。interval <= 0 时使用默认 100 毫秒。
func NewFeed(adapter *Adapter, steps []Step, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Feed{
		adapter:  adapter,
		steps:    steps,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 开始回放
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.loop()
}

// Stop 停止回放并等待退出
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopChan)
	<-f.doneChan
}

// Wait 阻塞到路径播完或 Stop 被调用
func (f *Feed) Wait() {
	<-f.doneChan
}

func (f *Feed) loop() {
	defer close(f.doneChan)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for _, step := range f.steps {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			f.adapter.SetPrice(step.Symbol, step.Price)
		}
	}
}
