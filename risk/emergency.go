package risk

import (
	"context"
	"fmt"

	"futures-trader-go/broker"
	"futures-trader-go/infrastructure/alert"
	"futures-trader-go/infrastructure/logger"
	"futures-trader-go/internal/resilience"
	"futures-trader-go/reconcile"
)

// EmergencyFlattener 幽灵仓处置器：直接向经纪商发反向市价平仓。
// 不经过订单账本——幽灵仓本来就不在账本里，平仓回报同样会被账本按
// 无仓可减丢弃，只在经纪商侧生效。
type EmergencyFlattener struct {
	adapter broker.Adapter
	exec    *resilience.Executor
	log     *logger.Logger
	alerts  *alert.Manager
}

// NewEmergencyFlattener 创建幽灵仓处置器
func NewEmergencyFlattener(adapter broker.Adapter, exec *resilience.Executor) *EmergencyFlattener {
	return &EmergencyFlattener{adapter: adapter, exec: exec}
}

// SetLogger 注册日志器
func (f *EmergencyFlattener) SetLogger(l *logger.Logger) { f.log = l }

// SetAlerts 注册告警管理器
func (f *EmergencyFlattener) SetAlerts(a *alert.Manager) { f.alerts = a }

// HandleStuckPosition 对上报的持仓立即平仓
func (f *EmergencyFlattener) HandleStuckPosition(ctx context.Context, stuck reconcile.StuckPositionAlert) error {
	qty := stuck.Quantity
	if qty < 0 {
		qty = -qty
	}

	err := f.exec.Execute(ctx, "close_position", func(ctx context.Context) error {
		return f.adapter.ClosePosition(ctx, stuck.Symbol, qty)
	})
	if err != nil {
		if f.log != nil {
			f.log.LogError(fmt.Errorf("紧急平仓失败 %s: %w", stuck.Symbol, err), map[string]interface{}{
				"classification": stuck.Classification,
				"quantity":       qty,
			})
		}
		return err
	}

	if f.log != nil {
		f.log.LogRisk("emergency_flatten", map[string]interface{}{
			"symbol":         stuck.Symbol,
			"quantity":       qty,
			"classification": stuck.Classification,
			"reason":         stuck.Reason,
		})
	}
	if f.alerts != nil {
		_ = f.alerts.Send(alert.Alert{
			Level:    alert.Critical,
			Category: alert.CategoryGhostPosition,
			Symbol:   stuck.Symbol,
			Message:  "幽灵仓已紧急平仓",
			Fields: map[string]interface{}{
				"quantity":       qty,
				"classification": stuck.Classification,
			},
		})
	}
	return nil
}
