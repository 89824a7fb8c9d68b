// Package reconcile 实现持仓对账：周期性拉取经纪商持仓快照，与本地持仓账本
// 逐品种比对，按差异类型执行修复动作。对账以经纪商为准——账本只是缓存。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/infrastructure/alert"
	"futures-trader-go/infrastructure/logger"
	"futures-trader-go/internal/resilience"
	"futures-trader-go/metrics"
	"futures-trader-go/position"
)

// ErrNotConnected 适配器断线时跳过本轮对账
var ErrNotConnected = errors.New("broker adapter not connected, reconcile cycle skipped")

// StuckPositionAlert 幽灵仓上报内容，交给紧急处置方处理
type StuckPositionAlert struct {
	Symbol         string
	Side           broker.Side
	Quantity       int
	EntryPrice     float64
	CurrentPrice   float64
	Classification string
	Reason         string
	DetectedAt     time.Time
}

// EmergencyExit 幽灵仓处置接口。对账器只负责发现与上报，
// 平仓决策由实现方承担，对账器不会自行修改账本。
type EmergencyExit interface {
	HandleStuckPosition(ctx context.Context, alert StuckPositionAlert) error
}

// Config 对账配置
type Config struct {
	Interval     time.Duration // 对账周期
	StartupDelay time.Duration // 启动后首轮延迟，等行情和回报流稳定
	HistorySize  int           // 滚动保留的历史结果条数
	IncidentDir  string        // 事件文件目录
	IncidentLog  bool          // 是否落盘有差异的对账结果
}

// DefaultConfig 返回默认对账配置
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		StartupDelay: 30 * time.Second,
		HistorySize:  100,
		IncidentDir:  "incidents",
		IncidentLog:  true,
	}
}

// Reconciler 持仓对账器。单实例运行，所有修复动作都在对账循环的
// goroutine 内串行执行，下一轮定时只在本轮完成后重新武装。
type Reconciler struct {
	cfg       Config
	adapter   broker.Adapter
	exec      *resilience.Executor
	positions *position.Ledger
	emergency EmergencyExit
	prices    broker.PriceSource
	log       *logger.Logger
	alerts    *alert.Manager
	monitor   *metrics.Monitor

	mu                    sync.Mutex
	history               []Result
	totalCycles           int64
	discrepanciesResolved int64
	lastRunTime           time.Time

	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// New 创建对账器。emergency、prices、log、alerts 可为 nil。
func New(cfg Config, adapter broker.Adapter, exec *resilience.Executor, positions *position.Ledger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Reconciler{
		cfg:       cfg,
		adapter:   adapter,
		exec:      exec,
		positions: positions,
	}
}

// SetEmergencyExit 注册幽灵仓处置方
func (r *Reconciler) SetEmergencyExit(e EmergencyExit) { r.emergency = e }

// SetPriceSource 注册行情来源，用于幽灵仓上报时附带现价
func (r *Reconciler) SetPriceSource(p broker.PriceSource) { r.prices = p }

// SetLogger 注册日志器
func (r *Reconciler) SetLogger(l *logger.Logger) { r.log = l }

// SetAlerts 注册告警管理器
func (r *Reconciler) SetAlerts(a *alert.Manager) { r.alerts = a }

// SetMonitor 注册指标采集器
func (r *Reconciler) SetMonitor(m *metrics.Monitor) { r.monitor = m }

// Start 启动对账循环。通道每次启动重建，支持 Stop 后再次 Start。
func (r *Reconciler) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.doneChan = make(chan struct{})
	stop, done := r.stopChan, r.doneChan
	r.mu.Unlock()

	go r.loop(stop, done)
}

// Stop 停止对账循环并等待退出
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stopChan, r.doneChan
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *Reconciler) loop(stop, done chan struct{}) {
	defer close(done)

	// 首轮延迟后进入固定周期。定时器在每轮结束后才重置，
	// 保证两轮对账永不重叠。
	timer := time.NewTimer(r.cfg.StartupDelay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			if _, err := r.RunCycle(context.Background()); err != nil && !errors.Is(err, ErrNotConnected) {
				r.logError(err, map[string]interface{}{"component": "reconciler"})
			}
			timer.Reset(r.cfg.Interval)
		}
	}
}

// RunCycle 执行一轮对账并返回结果。拉取失败时本轮放弃，账本不做任何改动。
func (r *Reconciler) RunCycle(ctx context.Context) (Result, error) {
	if !r.adapter.IsConnected() {
		r.logReconcile("cycle_skipped", map[string]interface{}{"reason": "disconnected"})
		if r.monitor != nil {
			r.monitor.RecordReconcileSkipped()
		}
		return Result{}, ErrNotConnected
	}

	var brokerPositions []broker.BrokerPosition
	err := r.exec.Execute(ctx, "get_positions", func(ctx context.Context) error {
		ps, err := r.adapter.GetPositions(ctx)
		if err != nil {
			return err
		}
		brokerPositions = ps
		return nil
	})
	if err != nil {
		r.logError(fmt.Errorf("拉取经纪商持仓失败，本轮对账放弃: %w", err), nil)
		return Result{}, err
	}

	result := r.diff(ctx, brokerPositions)
	r.record(result)

	if r.monitor != nil {
		r.monitor.RecordReconcileCycle()
		for _, d := range result.Discrepancies {
			r.monitor.RecordDiscrepancy(string(d.Kind))
		}
	}

	if !result.Clean() && r.cfg.IncidentLog {
		if path, werr := writeIncident(r.cfg.IncidentDir, result); werr != nil {
			r.logError(werr, map[string]interface{}{"component": "reconciler"})
		} else {
			r.logReconcile("incident_written", map[string]interface{}{"path": path})
		}
	}
	return result, nil
}

// diff 逐品种比对并执行修复动作
func (r *Reconciler) diff(ctx context.Context, brokerPositions []broker.BrokerPosition) Result {
	result := Result{Timestamp: time.Now().UTC()}

	brokerMap := make(map[string]broker.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		if bp.Quantity == 0 {
			continue
		}
		brokerMap[bp.Symbol] = bp
	}
	result.BrokerPositions = len(brokerMap)

	ledgerMap := make(map[string]position.Position)
	for _, lp := range r.positions.All() {
		ledgerMap[lp.Symbol] = lp
	}
	result.LedgerPositions = len(ledgerMap)

	for symbol, bp := range brokerMap {
		lp, tracked := ledgerMap[symbol]
		switch {
		case !tracked:
			// 幽灵仓：经纪商有仓但账本一无所知。不写入账本，
			// 交给紧急处置方，每轮每品种只上报一次。
			r.handleGhost(ctx, bp)
			result.Discrepancies = append(result.Discrepancies, Discrepancy{
				Symbol:      symbol,
				Kind:        BrokerOnly,
				BrokerQty:   bp.Quantity,
				BrokerPrice: bp.AvgPrice,
				Resolution:  "handed off",
			})
			result.Actions = append(result.Actions, fmt.Sprintf("%s: ghost position handed off to emergency exit", symbol))

		case lp.Quantity != bp.Quantity:
			r.positions.SyncToBroker(symbol, bp.Quantity, bp.AvgPrice)
			result.Discrepancies = append(result.Discrepancies, Discrepancy{
				Symbol:      symbol,
				Kind:        QuantityMismatch,
				BrokerQty:   bp.Quantity,
				BrokerPrice: bp.AvgPrice,
				LedgerQty:   lp.Quantity,
				LedgerPrice: lp.AvgPrice,
				Resolution:  "synced to broker",
			})
			result.Actions = append(result.Actions, fmt.Sprintf("%s: quantity %d -> %d synced to broker", symbol, lp.Quantity, bp.Quantity))
			r.logReconcile("quantity_synced", map[string]interface{}{
				"symbol":     symbol,
				"ledger_qty": lp.Quantity,
				"broker_qty": bp.Quantity,
			})
			r.sendAlert(alert.Warning, alert.CategoryLedgerDrift, symbol, "持仓数量不一致已按经纪商修正", map[string]interface{}{
				"ledger_qty": lp.Quantity,
				"broker_qty": bp.Quantity,
			})
		}
	}

	for symbol, lp := range ledgerMap {
		if _, exists := brokerMap[symbol]; exists {
			continue
		}
		// 幻影仓：账本有仓但经纪商没有，直接清除本地记录
		r.positions.Clear(symbol)
		result.Discrepancies = append(result.Discrepancies, Discrepancy{
			Symbol:      symbol,
			Kind:        LedgerOnly,
			LedgerQty:   lp.Quantity,
			LedgerPrice: lp.AvgPrice,
			Resolution:  "cleared",
		})
		result.Actions = append(result.Actions, fmt.Sprintf("%s: phantom position cleared", symbol))
		r.sendAlert(alert.Critical, alert.CategoryPhantomPosition, symbol, "幻影仓已清除", map[string]interface{}{
			"ledger_qty": lp.Quantity,
			"avg_price":  lp.AvgPrice,
		})
	}

	return result
}

// handleGhost 上报幽灵仓。处置失败只记日志，下一轮会再次发现并上报。
func (r *Reconciler) handleGhost(ctx context.Context, bp broker.BrokerPosition) {
	side := broker.Buy
	if bp.Quantity < 0 {
		side = broker.Sell
	}
	currentPrice := 0.0
	if r.prices != nil {
		currentPrice = r.prices.GetCurrentPrice(bp.Symbol)
	}
	stuck := StuckPositionAlert{
		Symbol:         bp.Symbol,
		Side:           side,
		Quantity:       bp.Quantity,
		EntryPrice:     bp.AvgPrice,
		CurrentPrice:   currentPrice,
		Classification: "GhostPosition",
		Reason:         "broker reports position unknown to ledger",
		DetectedAt:     time.Now().UTC(),
	}

	r.sendAlert(alert.Critical, alert.CategoryGhostPosition, bp.Symbol, "发现幽灵仓", map[string]interface{}{
		"quantity":  bp.Quantity,
		"avg_price": bp.AvgPrice,
	})

	if r.emergency == nil {
		r.logReconcile("ghost_unhandled", map[string]interface{}{"symbol": bp.Symbol})
		return
	}
	if err := r.emergency.HandleStuckPosition(ctx, stuck); err != nil {
		r.logError(fmt.Errorf("幽灵仓处置失败 %s: %w", bp.Symbol, err), nil)
	}
}

// record 追加结果到有界历史并更新统计
func (r *Reconciler) record(result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, result)
	if len(r.history) > r.cfg.HistorySize {
		r.history = r.history[len(r.history)-r.cfg.HistorySize:]
	}
	r.totalCycles++
	r.discrepanciesResolved += int64(len(result.Discrepancies))
	r.lastRunTime = result.Timestamp
}

// History 返回滚动历史的拷贝
func (r *Reconciler) History() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.history))
	copy(out, r.history)
	return out
}

// GetStats 返回对账统计
func (r *Reconciler) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		TotalCycles:           r.totalCycles,
		DiscrepanciesResolved: r.discrepanciesResolved,
		LastRunTime:           r.lastRunTime,
		Interval:              r.cfg.Interval,
	}
}

func (r *Reconciler) logReconcile(event string, fields map[string]interface{}) {
	if r.log != nil {
		r.log.LogReconcile(event, fields)
	}
}

func (r *Reconciler) logError(err error, fields map[string]interface{}) {
	if r.log != nil {
		r.log.LogError(err, fields)
	}
}

func (r *Reconciler) sendAlert(level alert.Level, category alert.Category, symbol, msg string, fields map[string]interface{}) {
	if r.alerts != nil {
		_ = r.alerts.Send(alert.Alert{
			Level:    level,
			Category: category,
			Symbol:   symbol,
			Message:  msg,
			Fields:   fields,
		})
	}
}
