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

// BracketStatus 括号单状态
type BracketStatus string

const (
	BracketPending     BracketStatus = "PENDING"
	BracketEntryFilled BracketStatus = "ENTRY_FILLED"
	BracketError       BracketStatus = "ERROR"
)

// BracketGroup 括号单：入场单 + 成交后挂出的止损/止盈 OCO 对。
type BracketGroup struct {
	ID          string
	EntryID     string
	ExitPairID  string
	Symbol      string
	Side        broker.Side
	Quantity    int
	EntryPrice  float64 // 0 表示市价入场
	StopPrice   float64
	TargetPrice float64
	Status      BracketStatus
	CreatedAt   time.Time
}

// BracketManager 括号单协调器
type BracketManager struct {
	ledger *Ledger
	oco    *OCOManager
	log    *logger.Logger

	mu     sync.RWMutex
	groups map[string]*BracketGroup
	seq    int64
}

// NewBracketManager 创建括号单协调器并挂接账本
func NewBracketManager(ledger *Ledger, oco *OCOManager, log *logger.Logger) *BracketManager {
	m := &BracketManager{
		ledger: ledger,
		oco:    oco,
		log:    log,
		groups: make(map[string]*BracketGroup),
	}
	ledger.OnFill(m.handleFill)
	return m
}

// Place 下括号单。价格几何在任何订单到达经纪商之前校验：
// 多头要求 stop < entry < target，空头反向。entryPrice 为 0 时市价入场，
// 校验退化为止损/止盈相对次序。组先登记、成交按入场单 tag 路由，
// 市价入场在下单调用返回前就成交时出场对照常挂出。
func (m *BracketManager) Place(ctx context.Context, symbol string, side broker.Side, qty int, entryPrice, stopPrice, targetPrice float64) (string, error) {
	if err := validateBracket(side, entryPrice, stopPrice, targetPrice); err != nil {
		return "", err
	}

	groupID := fmt.Sprintf("brk-%d", atomic.AddInt64(&m.seq, 1))
	group := &BracketGroup{
		ID:          groupID,
		Symbol:      symbol,
		Side:        side,
		Quantity:    qty,
		EntryPrice:  entryPrice,
		StopPrice:   stopPrice,
		TargetPrice: targetPrice,
		Status:      BracketPending,
		CreatedAt:   time.Now(),
	}
	m.mu.Lock()
	m.groups[groupID] = group
	m.mu.Unlock()

	var entryID string
	var err error
	if entryPrice > 0 {
		entryID, err = m.ledger.PlaceLimit(ctx, symbol, side, qty, entryPrice, groupID)
	} else {
		entryID, err = m.ledger.PlaceMarket(ctx, symbol, side, qty, groupID)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.groups, groupID)
		m.mu.Unlock()
		return "", fmt.Errorf("bracket entry: %w", err)
	}

	m.mu.Lock()
	group.EntryID = entryID
	m.mu.Unlock()
	return groupID, nil
}

func validateBracket(side broker.Side, entry, stop, target float64) error {
	if stop <= 0 || target <= 0 {
		return fmt.Errorf("bracket requires stop and target prices")
	}
	if side == broker.Buy {
		if stop >= target {
			return fmt.Errorf("long bracket requires stop %.4f < target %.4f", stop, target)
		}
		if entry > 0 && (stop >= entry || entry >= target) {
			return fmt.Errorf("long bracket requires stop %.4f < entry %.4f < target %.4f", stop, entry, target)
		}
		return nil
	}
	if stop <= target {
		return fmt.Errorf("short bracket requires stop %.4f > target %.4f", stop, target)
	}
	if entry > 0 && (stop <= entry || entry <= target) {
		return fmt.Errorf("short bracket requires stop %.4f > entry %.4f > target %.4f", stop, entry, target)
	}
	return nil
}

// handleFill 入场单全部成交后挂出止损/止盈 OCO 对。
// 出场对下单失败时标记 Error 并停止，不向成交处理路径传播。
func (m *BracketManager) handleFill(o Order, fill broker.FillEvent) {
	if o.Status != StatusFilled {
		return
	}

	m.mu.Lock()
	group, ok := m.groups[o.Tag]
	if !ok || group.Status != BracketPending {
		m.mu.Unlock()
		return
	}
	groupID := group.ID
	g := *group
	m.mu.Unlock()

	exitSide := g.Side.Opposite()
	pairID, err := m.oco.Place(context.Background(),
		Leg{Symbol: g.Symbol, Side: exitSide, Quantity: g.Quantity, Kind: broker.Stop, StopPrice: g.StopPrice},
		Leg{Symbol: g.Symbol, Side: exitSide, Quantity: g.Quantity, Kind: broker.Limit, Price: g.TargetPrice},
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		group.Status = BracketError
		if m.log != nil {
			m.log.LogError(err, map[string]interface{}{
				"event":    "bracket_exit_placement_failed",
				"group_id": groupID,
				"symbol":   g.Symbol,
			})
		}
		return
	}
	group.ExitPairID = pairID
	group.Status = BracketEntryFilled
}

// Get 返回括号单副本
func (m *BracketManager) Get(groupID string) (BracketGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, ok := m.groups[groupID]
	if !ok {
		return BracketGroup{}, false
	}
	return *group, true
}
