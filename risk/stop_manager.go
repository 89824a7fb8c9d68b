// Package risk 实现持仓的动态止损管理：保本移动、追踪止损与超时平仓。
// 管理循环周期性采样现价，对每个受管持仓依次评估退出与收紧规则。
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/infrastructure/logger"
	"futures-trader-go/internal/resilience"
	"futures-trader-go/metrics"
)

// ExitReason 平仓原因
type ExitReason string

const (
	ExitTimeLimit ExitReason = "time_limit"
)

// SymbolParams 单品种止损管理参数
type SymbolParams struct {
	TickSize       float64       // 最小跳动价位
	BreakevenTicks int           // 触发保本的有利跳动数
	TrailTicks     int           // 追踪距离（跳动数）
	MaxHold        time.Duration // 最长持仓时间，0 表示不限
}

// ManagedPosition 受管持仓。止损单已挂在经纪商侧，
// 本结构只记录管理状态，不代表持仓本身。
type ManagedPosition struct {
	Symbol      string
	Side        broker.Side
	Quantity    int
	EntryPrice  float64
	EntryTime   time.Time
	StopOrderID string
	StopPrice   float64

	BreakevenApplied bool
	TrailingActive   bool
	MaxFavorable     float64 // 有利方向最大波幅（跳动数）
	MaxAdverse       float64 // 不利方向最大波幅（跳动数）
	StopMods         int     // 止损修改次数
}

// ExitFunc 超时平仓回调，在平仓请求发出后调用
type ExitFunc func(symbol string, reason ExitReason)

// StopManager 止损管理器。单 goroutine 循环，每个周期串行处理全部受管持仓。
type StopManager struct {
	adapter  broker.Adapter
	exec     *resilience.Executor
	prices   broker.PriceSource
	log      *logger.Logger
	monitor  *metrics.Monitor
	interval time.Duration
	params   map[string]SymbolParams

	mu      sync.Mutex
	managed map[string]*ManagedPosition
	onExit  ExitFunc

	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewStopManager 创建止损管理器。interval <= 0 时使用默认 5 秒。
func NewStopManager(adapter broker.Adapter, exec *resilience.Executor, prices broker.PriceSource, params map[string]SymbolParams, interval time.Duration) *StopManager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if params == nil {
		params = make(map[string]SymbolParams)
	}
	return &StopManager{
		adapter:  adapter,
		exec:     exec,
		prices:   prices,
		interval: interval,
		params:   params,
		managed:  make(map[string]*ManagedPosition),
	}
}

// SetLogger 注册日志器
func (m *StopManager) SetLogger(l *logger.Logger) { m.log = l }

// SetMonitor 注册指标采集器
func (m *StopManager) SetMonitor(mon *metrics.Monitor) { m.monitor = mon }

// OnExit 注册超时平仓回调
func (m *StopManager) OnExit(fn ExitFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// UpdateParams 替换单品种止损参数，下一轮评估生效
func (m *StopManager) UpdateParams(symbol string, p SymbolParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[symbol] = p
}

// Register 登记受管持仓。同品种重复登记会覆盖旧状态。
func (m *StopManager) Register(p ManagedPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.managed[p.Symbol] = &cp
}

// Unregister 注销受管持仓
func (m *StopManager) Unregister(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.managed, symbol)
}

// Get 返回受管持仓状态快照
func (m *StopManager) Get(symbol string) (ManagedPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.managed[symbol]
	if !ok {
		return ManagedPosition{}, false
	}
	return *p, true
}

// Count 返回受管持仓数量
func (m *StopManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.managed)
}

// Start 启动管理循环。通道每次启动重建，支持 Stop 后再次 Start。
func (m *StopManager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})
	stop, done := m.stopChan, m.doneChan
	m.mu.Unlock()

	go m.loop(stop, done)
}

// Stop 停止管理循环并等待退出
func (m *StopManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopChan, m.doneChan
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *StopManager) loop(stop, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			m.Tick(context.Background())
			timer.Reset(m.interval)
		}
	}
}

// Tick 对全部受管持仓执行一轮评估。导出以便上层在自己的节奏中驱动。
func (m *StopManager) Tick(ctx context.Context) {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.managed))
	for s := range m.managed {
		symbols = append(symbols, s)
	}
	m.mu.Unlock()

	for _, symbol := range symbols {
		m.evaluate(ctx, symbol)
	}
}

// evaluate 对单个持仓执行规则：超时平仓 → 保本 → 追踪激活 → 追踪收紧。
// 现价为 0 时跳过本轮，不做任何判断；追踪只在保本已生效后激活。
func (m *StopManager) evaluate(ctx context.Context, symbol string) {
	m.mu.Lock()
	p, ok := m.managed[symbol]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *p
	params, hasParams := m.params[symbol]
	onExit := m.onExit
	m.mu.Unlock()

	if !hasParams || params.TickSize <= 0 {
		return
	}

	price := m.prices.GetCurrentPrice(symbol)
	if price == 0 {
		return
	}

	if params.MaxHold > 0 && time.Since(snapshot.EntryTime) >= params.MaxHold {
		m.timeExit(ctx, snapshot, onExit)
		return
	}

	dir := float64(snapshot.Side.Direction())
	favorableTicks := (price - snapshot.EntryPrice) * dir / params.TickSize

	m.mu.Lock()
	p, ok = m.managed[symbol]
	if !ok {
		m.mu.Unlock()
		return
	}
	if favorableTicks > p.MaxFavorable {
		p.MaxFavorable = favorableTicks
	}
	if -favorableTicks > p.MaxAdverse {
		p.MaxAdverse = -favorableTicks
	}

	wantBreakeven := !p.BreakevenApplied && favorableTicks >= float64(params.BreakevenTicks)
	if !p.TrailingActive && p.BreakevenApplied && favorableTicks >= float64(params.BreakevenTicks+params.TrailTicks) {
		p.TrailingActive = true
	}
	trailing := p.TrailingActive
	currentStop := p.StopPrice
	stopOrderID := p.StopOrderID
	m.mu.Unlock()

	// 保本：止损移到开仓价有利一侧一个跳动
	if wantBreakeven {
		breakevenStop := snapshot.EntryPrice + dir*params.TickSize
		if m.modifyStop(ctx, symbol, stopOrderID, breakevenStop) {
			m.mu.Lock()
			if p, ok := m.managed[symbol]; ok {
				p.BreakevenApplied = true
				p.StopPrice = breakevenStop
				p.StopMods++
				currentStop = breakevenStop
			}
			m.mu.Unlock()
			m.logRisk("breakeven_applied", map[string]interface{}{
				"symbol":     symbol,
				"stop_price": breakevenStop,
			})
		}
	}

	// 追踪：候选价 = 现价回撤追踪距离，只收紧不放松
	if trailing {
		candidate := price - dir*float64(params.TrailTicks)*params.TickSize
		if (candidate-currentStop)*dir > 0 {
			if m.modifyStop(ctx, symbol, stopOrderID, candidate) {
				m.mu.Lock()
				if p, ok := m.managed[symbol]; ok {
					p.StopPrice = candidate
					p.StopMods++
				}
				m.mu.Unlock()
				m.logRisk("trailing_stop_moved", map[string]interface{}{
					"symbol":     symbol,
					"stop_price": candidate,
				})
			}
		}
	}
}

// timeExit 超时平仓。无论平仓请求成败都注销受管状态，
// 失败的持仓留给对账循环发现与修复。
func (m *StopManager) timeExit(ctx context.Context, p ManagedPosition, onExit ExitFunc) {
	err := m.exec.Execute(ctx, "close_position", func(ctx context.Context) error {
		return m.adapter.ClosePosition(ctx, p.Symbol, p.Quantity)
	})

	m.Unregister(p.Symbol)

	if err != nil {
		m.logError(fmt.Errorf("超时平仓失败 %s: %w", p.Symbol, err))
	} else {
		if m.monitor != nil {
			m.monitor.RecordTimeExit()
		}
		m.logRisk("time_exit", map[string]interface{}{
			"symbol":   p.Symbol,
			"quantity": p.Quantity,
			"held":     time.Since(p.EntryTime).String(),
		})
	}
	if onExit != nil {
		onExit(p.Symbol, ExitTimeLimit)
	}
}

func (m *StopManager) modifyStop(ctx context.Context, symbol, stopOrderID string, stopPrice float64) bool {
	err := m.exec.Execute(ctx, "modify_stop", func(ctx context.Context) error {
		return m.adapter.ModifyStop(ctx, stopOrderID, stopPrice)
	})
	if err != nil {
		m.logError(fmt.Errorf("修改止损失败 %s: %w", symbol, err))
		return false
	}
	if m.monitor != nil {
		m.monitor.RecordStopModification()
	}
	return true
}

func (m *StopManager) logRisk(event string, fields map[string]interface{}) {
	if m.log != nil {
		m.log.LogRisk(event, fields)
	}
}

func (m *StopManager) logError(err error) {
	if m.log != nil {
		m.log.LogError(err, map[string]interface{}{"component": "stop_manager"})
	}
}
