package order

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/infrastructure/logger"
)

// IcebergStatus 冰山单状态
type IcebergStatus string

const (
	IcebergActive    IcebergStatus = "ACTIVE"
	IcebergCompleted IcebergStatus = "COMPLETED"
	IcebergError     IcebergStatus = "ERROR"
)

// IcebergExecution 冰山单：大单切成 display 大小的子单顺序执行。
type IcebergExecution struct {
	ID        string
	Symbol    string
	Side      broker.Side
	Total     int
	Display   int
	Filled    int
	Price     float64
	ChildIDs  []string
	Status    IcebergStatus
	CreatedAt time.Time
}

// IcebergManager 冰山单协调器
type IcebergManager struct {
	ledger *Ledger
	log    *logger.Logger

	mu    sync.RWMutex
	execs map[string]*IcebergExecution
	seq   int64
}

// NewIcebergManager 创建冰山单协调器并挂接账本
func NewIcebergManager(ledger *Ledger, log *logger.Logger) *IcebergManager {
	m := &IcebergManager{
		ledger: ledger,
		log:    log,
		execs:  make(map[string]*IcebergExecution),
	}
	ledger.OnFill(m.handleFill)
	return m
}

// Place 启动冰山执行：先挂第一片，后续子单由成交驱动。
// 执行先登记、成交按子单 tag 路由，第一片在下单调用返回前就
// 成交时后续切片照常推进。
func (m *IcebergManager) Place(ctx context.Context, symbol string, side broker.Side, total, display int, price float64) (string, error) {
	if total <= 0 || display <= 0 {
		return "", ErrInvalidQuantity
	}
	if price <= 0 {
		return "", ErrPriceRequired
	}
	if display > total {
		display = total
	}

	execID := fmt.Sprintf("ice-%d", atomic.AddInt64(&m.seq, 1))
	exec := &IcebergExecution{
		ID:        execID,
		Symbol:    symbol,
		Side:      side,
		Total:     total,
		Display:   display,
		Price:     price,
		Status:    IcebergActive,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.execs[execID] = exec
	m.mu.Unlock()

	childID, err := m.ledger.PlaceLimit(ctx, symbol, side, display, price, execID)
	if err != nil {
		m.mu.Lock()
		delete(m.execs, execID)
		m.mu.Unlock()
		return "", fmt.Errorf("iceberg first slice: %w", err)
	}

	m.mu.Lock()
	exec.ChildIDs = append(exec.ChildIDs, childID)
	m.mu.Unlock()
	return execID, nil
}

// handleFill 子单全部成交后挂下一片 min(display, remaining)。
// 下一片下单失败时标记 Error 并停止：部分执行被暴露，不无限重试。
func (m *IcebergManager) handleFill(o Order, fill broker.FillEvent) {
	if o.Status != StatusFilled {
		return
	}

	m.mu.Lock()
	exec, ok := m.execs[o.Tag]
	if !ok || exec.Status != IcebergActive {
		m.mu.Unlock()
		return
	}
	execID := exec.ID
	exec.Filled += o.Quantity
	if exec.Filled >= exec.Total {
		exec.Status = IcebergCompleted
		m.mu.Unlock()
		return
	}
	next := exec.Total - exec.Filled
	if next > exec.Display {
		next = exec.Display
	}
	symbol, side, price := exec.Symbol, exec.Side, exec.Price
	m.mu.Unlock()

	childID, err := m.ledger.PlaceLimit(context.Background(), symbol, side, next, price, execID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		exec.Status = IcebergError
		if m.log != nil {
			m.log.LogError(err, map[string]interface{}{
				"event":   "iceberg_slice_placement_failed",
				"exec_id": execID,
				"symbol":  symbol,
				"filled":  exec.Filled,
				"total":   exec.Total,
			})
		}
		return
	}
	exec.ChildIDs = append(exec.ChildIDs, childID)
}

// Get 返回冰山执行副本
func (m *IcebergManager) Get(execID string) (IcebergExecution, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.execs[execID]
	if !ok {
		return IcebergExecution{}, false
	}
	out := *exec
	out.ChildIDs = append([]string(nil), exec.ChildIDs...)
	return out, true
}
