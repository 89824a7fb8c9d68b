// Package engine 组装执行核心：成交流接入订单账本，持仓账本联动止损管理，
// 对账循环独立运行。引擎只负责生命周期与组件间的回调接线。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-trader-go/broker"
	"futures-trader-go/config"
	"futures-trader-go/infrastructure/alert"
	"futures-trader-go/infrastructure/logger"
	"futures-trader-go/metrics"
	"futures-trader-go/order"
	"futures-trader-go/position"
	"futures-trader-go/reconcile"
	"futures-trader-go/risk"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	TickInterval    time.Duration // 估值/指标刷新间隔
	EnableReconcile bool          // 启用持仓对账
	EnableStops     bool          // 启用止损管理
	Symbols         map[string]config.SymbolConfig
}

// Components 引擎依赖组件
type Components struct {
	Adapter      broker.Adapter
	OrderLedger  *order.Ledger
	Positions    *position.Ledger
	StopManager  *risk.StopManager
	Reconciler   *reconcile.Reconciler
	FillStream   broker.FillSource
	Prices       broker.PriceSource
	AlertManager *alert.Manager
	Logger       *logger.Logger
	Monitor      *metrics.Monitor
}

// TradingEngine 核心交易引擎
type TradingEngine struct {
	config Config

	adapter     broker.Adapter
	orderLedger *order.Ledger
	positions   *position.Ledger
	stopMgr     *risk.StopManager
	reconciler  *reconcile.Reconciler
	fillStream  broker.FillSource
	prices      broker.PriceSource
	alertMgr    *alert.Manager
	logger      *logger.Logger
	monitor     *metrics.Monitor

	state EngineState
	mu    sync.RWMutex

	stopChan chan struct{}
	doneChan chan struct{}

	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime    time.Time
	TotalFills   int64
	TotalErrors  int64
	LastFillTime time.Time
	mu           sync.RWMutex
}

// New 创建交易引擎
func New(cfg Config, components Components) (*TradingEngine, error) {
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}

	engine := &TradingEngine{
		config:      cfg,
		adapter:     components.Adapter,
		orderLedger: components.OrderLedger,
		positions:   components.Positions,
		stopMgr:     components.StopManager,
		reconciler:  components.Reconciler,
		fillStream:  components.FillStream,
		prices:      components.Prices,
		alertMgr:    components.AlertManager,
		logger:      components.Logger,
		monitor:     components.Monitor,
		state:       StateIdle,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}

	engine.wire()

	return engine, nil
}

// wire 组件间回调接线。成交回报单向流动：
// 回报流 -> 订单账本 -> 持仓账本 -> 止损管理登记。
func (e *TradingEngine) wire() {
	// 成交回报进入订单账本（订单账本再转发给持仓账本与复合订单协调器）
	if e.fillStream != nil {
		e.fillStream.OnFill(func(fill broker.FillEvent) {
			e.onFill(fill)
		})
		e.fillStream.OnError(func(err error) {
			e.recordError()
			e.logger.Error("fill stream error", zap.Error(err))
			if e.monitor != nil {
				e.monitor.RecordWSDisconnect()
			}
		})
	}

	// 持仓归零时注销止损管理
	if e.stopMgr != nil {
		e.positions.OnClose(func(symbol string, last position.Position, reason position.CloseReason) {
			e.stopMgr.Unregister(symbol)
			e.logger.Info("position closed",
				zap.String("symbol", symbol),
				zap.String("reason", string(reason)),
				zap.Float64("realized_pnl", last.RealizedPnL))
		})
	}

	// 账本不一致走告警
	e.positions.OnInconsistency(func(symbol string, fill broker.FillEvent, detail string) {
		e.recordError()
		e.logger.Warn("position ledger inconsistency",
			zap.String("symbol", symbol),
			zap.String("detail", detail))
		if e.alertMgr != nil {
			_ = e.alertMgr.Send(alert.Alert{
				Level:    alert.Warning,
				Category: alert.CategoryLedgerDrift,
				Symbol:   symbol,
				Message:  "持仓账本不一致",
				Fields: map[string]interface{}{
					"detail":   detail,
					"order_id": fill.OrderID,
				},
			})
		}
	})
}

// onFill 处理一笔成交回报
func (e *TradingEngine) onFill(fill broker.FillEvent) {
	e.stats.mu.Lock()
	e.stats.TotalFills++
	e.stats.LastFillTime = time.Now()
	e.stats.mu.Unlock()

	if e.monitor != nil {
		e.monitor.RecordFill(fill.Quantity)
	}

	e.orderLedger.ApplyFill(fill)

	// 新开仓自动纳入止损管理
	if e.config.EnableStops && e.stopMgr != nil {
		e.maybeRegisterStop(fill.Symbol)
	}
}

// maybeRegisterStop 将新出现的持仓登记到止损管理器。
// 止损单号取该品种当前挂着的反向止损单（括号单的退出腿）。
func (e *TradingEngine) maybeRegisterStop(symbol string) {
	pos, ok := e.positions.Get(symbol)
	if !ok {
		return
	}
	if _, managed := e.stopMgr.Get(symbol); managed {
		return
	}

	var stopOrderID string
	var stopPrice, targetPrice float64
	for _, o := range e.orderLedger.ActiveBySymbol(symbol) {
		if o.Side != pos.Side().Opposite() {
			continue
		}
		switch o.Kind {
		case broker.Stop:
			if stopOrderID == "" {
				stopOrderID = o.ID
				stopPrice = o.StopPrice
			}
		case broker.Limit:
			if targetPrice == 0 {
				targetPrice = o.Price
			}
		}
	}
	e.positions.SetStops(symbol, stopPrice, targetPrice)

	e.stopMgr.Register(risk.ManagedPosition{
		Symbol:      symbol,
		Side:        pos.Side(),
		Quantity:    abs(pos.Quantity),
		EntryPrice:  pos.AvgPrice,
		EntryTime:   pos.OpenedAt,
		StopOrderID: stopOrderID,
		StopPrice:   stopPrice,
	})
}

// Start 启动引擎
func (e *TradingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateStopped {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	// 如果从 StateStopped 复启，需要重建通道
	if e.state == StateStopped {
		e.stopChan = make(chan struct{})
		e.doneChan = make(chan struct{})
	}
	e.state = StateRunning
	e.stats.StartTime = time.Now()
	e.mu.Unlock()

	e.logger.Info("Trading engine starting",
		zap.Duration("tick_interval", e.config.TickInterval),
		zap.Bool("enable_reconcile", e.config.EnableReconcile),
		zap.Bool("enable_stops", e.config.EnableStops))

	if e.fillStream != nil {
		if err := e.fillStream.Start(ctx); err != nil {
			return fmt.Errorf("failed to start fill stream: %w", err)
		}
		if e.monitor != nil {
			e.monitor.RecordWSConnection()
		}
	}

	if e.config.EnableReconcile && e.reconciler != nil {
		e.reconciler.Start()
	}

	if e.config.EnableStops && e.stopMgr != nil {
		e.stopMgr.Start()
	}

	go e.run(ctx)

	e.logger.Info("Trading engine started")

	return nil
}

// Stop 停止引擎
func (e *TradingEngine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.mu.Unlock()

	e.logger.Info("Trading engine stopping...")

	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	select {
	case <-e.doneChan:
	case <-time.After(10 * time.Second):
		e.logger.Warn("Timeout waiting for engine to stop")
	}

	if e.config.EnableStops && e.stopMgr != nil {
		e.stopMgr.Stop()
	}
	if e.config.EnableReconcile && e.reconciler != nil {
		e.reconciler.Stop()
	}
	if e.fillStream != nil {
		e.fillStream.Stop()
	}

	// 撤销所有活跃订单
	if err := e.cancelAllOrders(context.Background()); err != nil {
		e.logger.Error("Failed to cancel all orders", zap.Error(err))
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	e.logger.Info("Trading engine stopped")

	return nil
}

// run 主事件循环：周期性估值持仓并刷新指标
func (e *TradingEngine) run(ctx context.Context) {
	defer close(e.doneChan)

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Context done, stopping engine")
			return

		case <-e.stopChan:
			e.logger.Info("Stop signal received")
			return

		case <-ticker.C:
			e.onTick()
		}
	}
}

// onTick 刷新持仓估值与监控指标
func (e *TradingEngine) onTick() {
	all := e.positions.All()

	var unrealized float64
	for _, pos := range all {
		sc, ok := e.config.Symbols[pos.Symbol]
		if !ok || e.prices == nil {
			continue
		}
		price := e.prices.GetCurrentPrice(pos.Symbol)
		if price <= 0 {
			continue
		}
		if pnl, ok := e.positions.Valuate(pos.Symbol, price, sc.PointValue); ok {
			unrealized += pnl
		}
	}

	if e.monitor != nil {
		e.monitor.UpdateOpenPositions(len(all))
		e.monitor.UpdateUnrealizedPnL(unrealized)
		e.monitor.UpdateRealizedPnL(e.positions.TotalRealizedPnL())
		e.monitor.UpdateDroppedEvents(e.orderLedger.Bus().Dropped())
	}
}

// cancelAllOrders 撤销所有活跃订单
func (e *TradingEngine) cancelAllOrders(ctx context.Context) error {
	active := e.orderLedger.Active()

	failed := 0
	for _, o := range active {
		if !e.orderLedger.Cancel(ctx, o.ID) {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("failed to cancel %d orders", failed)
	}
	return nil
}

// recordError 记录错误
func (e *TradingEngine) recordError() {
	e.stats.mu.Lock()
	e.stats.TotalErrors++
	e.stats.mu.Unlock()
}

// GetState 获取引擎状态
func (e *TradingEngine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *TradingEngine) GetStatistics() Statistics {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return Statistics{
		StartTime:    e.stats.StartTime,
		TotalFills:   e.stats.TotalFills,
		TotalErrors:  e.stats.TotalErrors,
		LastFillTime: e.stats.LastFillTime,
	}
}

// validateComponents 验证组件
func validateComponents(comp Components) error {
	if comp.Adapter == nil {
		return errors.New("adapter is required")
	}
	if comp.OrderLedger == nil {
		return errors.New("order_ledger is required")
	}
	if comp.Positions == nil {
		return errors.New("positions is required")
	}
	if comp.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
