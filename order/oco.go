package order

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/infrastructure/alert"
	"futures-trader-go/infrastructure/logger"
)

// OCOStatus OCO 对状态
type OCOStatus string

const (
	OCOActive        OCOStatus = "ACTIVE"
	OCOOneFilled     OCOStatus = "ONE_FILLED"
	OCOBothCancelled OCOStatus = "BOTH_CANCELLED"
)

// OCOPair 一对互斥订单：任一成交即撤销另一条。
type OCOPair struct {
	ID        string
	FirstID   string
	SecondID  string
	FilledID  string
	Status    OCOStatus
	CreatedAt time.Time
}

// Leg 复合订单的一条腿
type Leg struct {
	Symbol    string
	Side      broker.Side
	Quantity  int
	Kind      broker.OrderKind
	Price     float64
	StopPrice float64
}

// OCOManager OCO 协调器。构造时向账本注册成交监听。
type OCOManager struct {
	ledger *Ledger
	log    *logger.Logger
	alerts *alert.Manager

	mu    sync.RWMutex
	pairs map[string]*OCOPair
	seq   int64
}

// NewOCOManager 创建 OCO 协调器并挂接账本
func NewOCOManager(ledger *Ledger, log *logger.Logger, alerts *alert.Manager) *OCOManager {
	m := &OCOManager{
		ledger: ledger,
		log:    log,
		alerts: alerts,
		pairs:  make(map[string]*OCOPair),
	}
	ledger.OnFill(m.handleFill)
	return m
}

// Place 同时下两条腿并登记为 OCO 对。对先登记、成交按腿上携带的
// tag 路由：经纪商在下单调用返回前就回报成交也不会漏接。
// 第一条腿在第二条腿挂出前即成交时，第二条腿不再发往经纪商；
// 第二条腿下单失败时尽力撤销第一条腿，整体返回错误。
func (m *OCOManager) Place(ctx context.Context, first, second Leg) (string, error) {
	pairID := fmt.Sprintf("oco-%d", atomic.AddInt64(&m.seq, 1))
	pair := &OCOPair{ID: pairID, Status: OCOActive, CreatedAt: time.Now()}
	m.mu.Lock()
	m.pairs[pairID] = pair
	m.mu.Unlock()

	firstID, err := m.placeLeg(ctx, first, pairID)
	if err != nil {
		m.drop(pairID)
		return "", fmt.Errorf("oco first leg: %w", err)
	}
	m.mu.Lock()
	pair.FirstID = firstID
	firstFilled := pair.FilledID != ""
	m.mu.Unlock()
	if firstFilled {
		return pairID, nil
	}

	secondID, err := m.placeLeg(ctx, second, pairID)
	if err != nil {
		if !m.ledger.Cancel(ctx, firstID) {
			m.logError("oco_rollback_failed", firstID, err)
		}
		m.drop(pairID)
		return "", fmt.Errorf("oco second leg: %w", err)
	}
	m.mu.Lock()
	pair.SecondID = secondID
	filledID := pair.FilledID
	m.mu.Unlock()

	switch filledID {
	case "":
	case secondID:
		// handleFill 已见到第一条腿并撤销
	default:
		// 第一条腿在第二条腿登记前成交，此处补撤第二条
		m.cancelSibling(pairID, filledID, secondID, second.Symbol)
	}
	return pairID, nil
}

func (m *OCOManager) drop(pairID string) {
	m.mu.Lock()
	delete(m.pairs, pairID)
	m.mu.Unlock()
}

func (m *OCOManager) placeLeg(ctx context.Context, leg Leg, tag string) (string, error) {
	switch leg.Kind {
	case broker.Stop:
		return m.ledger.PlaceStop(ctx, leg.Symbol, leg.Side, leg.Quantity, leg.StopPrice, tag)
	case broker.Market:
		return m.ledger.PlaceMarket(ctx, leg.Symbol, leg.Side, leg.Quantity, tag)
	default:
		return m.ledger.PlaceLimit(ctx, leg.Symbol, leg.Side, leg.Quantity, leg.Price, tag)
	}
}

// handleFill 成员全部成交时撤销另一条腿。成交按 tag 路由到对，
// 另一条腿尚未挂出时只登记 FilledID，由 Place 收尾。
// 撤销失败只告警不回滚：成交腿已有经纪商侧效果，
// 残留的重复订单以告警形式暴露。
func (m *OCOManager) handleFill(o Order, fill broker.FillEvent) {
	if o.Status != StatusFilled {
		return
	}

	m.mu.Lock()
	pair, ok := m.pairs[o.Tag]
	if !ok || pair.Status != OCOActive {
		m.mu.Unlock()
		return
	}
	pair.Status = OCOOneFilled
	pair.FilledID = o.ID
	sibling := pair.FirstID
	if sibling == o.ID {
		sibling = pair.SecondID
	}
	pairID := pair.ID
	m.mu.Unlock()

	if sibling == "" {
		return
	}
	m.cancelSibling(pairID, o.ID, sibling, o.Symbol)
}

func (m *OCOManager) cancelSibling(pairID, filledID, siblingID, symbol string) {
	if m.ledger.Cancel(context.Background(), siblingID) {
		return
	}
	m.logError("oco_sibling_cancel_failed", siblingID, nil)
	if m.alerts != nil {
		_ = m.alerts.Send(alert.Alert{
			Level:    alert.Error,
			Category: alert.CategoryOrphanOrder,
			Symbol:   symbol,
			Message:  "OCO 另一条腿撤销失败，可能残留重复订单",
			Fields: map[string]interface{}{
				"pair_id":    pairID,
				"filled_id":  filledID,
				"sibling_id": siblingID,
			},
		})
	}
}

// CancelBoth 撤销两条腿并标记 BothCancelled
func (m *OCOManager) CancelBoth(ctx context.Context, pairID string) bool {
	m.mu.Lock()
	pair, ok := m.pairs[pairID]
	if !ok || pair.Status != OCOActive {
		m.mu.Unlock()
		return false
	}
	pair.Status = OCOBothCancelled
	first, second := pair.FirstID, pair.SecondID
	m.mu.Unlock()

	okFirst := m.ledger.Cancel(ctx, first)
	okSecond := m.ledger.Cancel(ctx, second)
	return okFirst && okSecond
}

// Get 返回 OCO 对副本
func (m *OCOManager) Get(pairID string) (OCOPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pair, ok := m.pairs[pairID]
	if !ok {
		return OCOPair{}, false
	}
	return *pair, true
}

func (m *OCOManager) logError(event, orderID string, err error) {
	if m.log == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%s", event)
	}
	m.log.LogError(err, map[string]interface{}{"event": event, "order_id": orderID})
}
