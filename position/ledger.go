// Package position 维护按品种的持仓账本。持仓只通过成交事件变更；
// 对账循环与持仓管理循环只能经由账本的同步访问器读写。
package position

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"futures-trader-go/broker"
)

// Position 单品种净持仓
type Position struct {
	Symbol        string
	Quantity      int     // 带符号，正数为多头
	AvgPrice      float64 // 成交量加权平均开仓价
	RealizedPnL   float64 // 已实现盈亏（单调累计）
	UnrealizedPnL float64 // 未实现盈亏（外部估值写入）
	StopPrice     float64
	TargetPrice   float64
	OpenedAt      time.Time
}

// Side 返回持仓方向
func (p Position) Side() broker.Side {
	if p.Quantity < 0 {
		return broker.Sell
	}
	return broker.Buy
}

// CloseReason 持仓移除原因
type CloseReason string

const (
	CloseByFill      CloseReason = "fill"
	CloseByReconcile CloseReason = "reconcile"
)

// CloseFunc 持仓归零回调。fn 在分片锁外调用。
type CloseFunc func(symbol string, last Position, reason CloseReason)

// InconsistencyFunc 账本不一致回调（无仓可减、超量减仓）
type InconsistencyFunc func(symbol string, fill broker.FillEvent, detail string)

const shardCount = 32

type shard struct {
	mu        sync.Mutex
	positions map[string]*Position
}

// Ledger 持仓账本。按品种哈希分片加锁：不同品种互不争用，
// 同一品种的读-改-写原子。
type Ledger struct {
	shards [shardCount]*shard

	mu             sync.RWMutex
	onClose        CloseFunc
	onInconsistent InconsistencyFunc
}

// NewLedger 创建持仓账本
func NewLedger() *Ledger {
	l := &Ledger{}
	for i := range l.shards {
		l.shards[i] = &shard{positions: make(map[string]*Position)}
	}
	return l
}

// OnClose 注册持仓归零回调
func (l *Ledger) OnClose(fn CloseFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClose = fn
}

// OnInconsistency 注册账本不一致回调
func (l *Ledger) OnInconsistency(fn InconsistencyFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onInconsistent = fn
}

func (l *Ledger) shardFor(symbol string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return l.shards[h.Sum32()%shardCount]
}

// ApplyFill 应用一笔成交。side 为成交方向（非持仓方向）。
// 开仓/加仓按加权平均重算开仓价；减仓按
// (fillPrice-avgPrice)*closedQty*direction-commission 计入已实现盈亏；
// 数量归零时从账本移除。无仓可减的成交记录不一致后丢弃。
func (l *Ledger) ApplyFill(symbol string, side broker.Side, qty int, fillPrice, commission float64, ts time.Time) {
	l.apply(symbol, side, qty, fillPrice, commission, ts, true)
}

// ApplyReducingFill 应用一笔明确以减仓为意图的成交（平仓/紧急退出路径）。
// 无在册持仓时记录不一致并丢弃，不会反向开出新仓。
func (l *Ledger) ApplyReducingFill(symbol string, side broker.Side, qty int, fillPrice, commission float64, ts time.Time) {
	l.apply(symbol, side, qty, fillPrice, commission, ts, false)
}

func (l *Ledger) apply(symbol string, side broker.Side, qty int, fillPrice, commission float64, ts time.Time, allowOpen bool) {
	if qty <= 0 {
		return
	}
	fill := broker.FillEvent{Symbol: symbol, Quantity: qty, FillPrice: fillPrice, Commission: commission, Timestamp: ts}

	var closed *Position
	var inconsistency string

	sh := l.shardFor(symbol)
	sh.mu.Lock()
	pos, exists := sh.positions[symbol]
	switch {
	case !exists && allowOpen:
		// 开仓
		sh.positions[symbol] = &Position{
			Symbol:      symbol,
			Quantity:    qty * side.Direction(),
			AvgPrice:    fillPrice,
			RealizedPnL: -commission,
			OpenedAt:    ts,
		}

	case !exists:
		inconsistency = "reducing fill for untracked position, dropped"

	case side.Direction() == sign(pos.Quantity):
		// 加仓：加权平均
		oldQty := abs(pos.Quantity)
		newQty := oldQty + qty
		pos.AvgPrice = (float64(oldQty)*pos.AvgPrice + float64(qty)*fillPrice) / float64(newQty)
		pos.Quantity += qty * side.Direction()
		pos.RealizedPnL -= commission

	default:
		// 减仓
		posQty := abs(pos.Quantity)
		closedQty := qty
		if closedQty > posQty {
			closedQty = posQty
			inconsistency = "reducing fill exceeds position, excess dropped"
		}
		direction := float64(sign(pos.Quantity))
		pos.RealizedPnL += (fillPrice-pos.AvgPrice)*float64(closedQty)*direction - commission
		pos.Quantity -= closedQty * sign(pos.Quantity)
		if pos.Quantity == 0 {
			last := *pos
			closed = &last
			delete(sh.positions, symbol)
		}
	}
	sh.mu.Unlock()

	// 回调在分片锁外触发
	if inconsistency != "" {
		l.reportInconsistency(symbol, fill, inconsistency)
	}
	if closed != nil {
		l.notifyClose(symbol, *closed, CloseByFill)
	}
}

// Get 返回持仓副本
func (l *Ledger) Get(symbol string) (Position, bool) {
	sh := l.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	pos, ok := sh.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// All 返回所有持仓的副本
func (l *Ledger) All() []Position {
	out := make([]Position, 0)
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, pos := range sh.positions {
			out = append(out, *pos)
		}
		sh.mu.Unlock()
	}
	return out
}

// Count 返回持仓品种数
func (l *Ledger) Count() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.positions)
		sh.mu.Unlock()
	}
	return n
}

// SyncToBroker 以经纪商数据覆盖数量与均价。仅供对账循环调用。
func (l *Ledger) SyncToBroker(symbol string, quantity int, avgPrice float64) {
	sh := l.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	pos, ok := sh.positions[symbol]
	if !ok {
		return
	}
	pos.Quantity = quantity
	pos.AvgPrice = avgPrice
}

// Clear 从账本移除持仓（幻影仓清理）。仅供对账循环调用。
func (l *Ledger) Clear(symbol string) bool {
	sh := l.shardFor(symbol)
	sh.mu.Lock()
	pos, ok := sh.positions[symbol]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	last := *pos
	delete(sh.positions, symbol)
	sh.mu.Unlock()
	l.notifyClose(symbol, last, CloseByReconcile)
	return true
}

// SetUnrealized 写入外部估值的未实现盈亏
func (l *Ledger) SetUnrealized(symbol string, pnl float64) {
	sh := l.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if pos, ok := sh.positions[symbol]; ok {
		pos.UnrealizedPnL = pnl
	}
}

// SetStops 更新止损/止盈价
func (l *Ledger) SetStops(symbol string, stopPrice, targetPrice float64) {
	sh := l.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if pos, ok := sh.positions[symbol]; ok {
		if stopPrice > 0 {
			pos.StopPrice = stopPrice
		}
		if targetPrice > 0 {
			pos.TargetPrice = targetPrice
		}
	}
}

// Valuate 按当前价格刷新未实现盈亏并返回新值。pointValue 为每点美元价值。
func (l *Ledger) Valuate(symbol string, currentPrice, pointValue float64) (float64, bool) {
	if currentPrice <= 0 {
		return 0, false
	}
	sh := l.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	pos, ok := sh.positions[symbol]
	if !ok {
		return 0, false
	}
	pos.UnrealizedPnL = (currentPrice - pos.AvgPrice) * pointValue * float64(pos.Quantity)
	return pos.UnrealizedPnL, true
}

func (l *Ledger) notifyClose(symbol string, last Position, reason CloseReason) {
	l.mu.RLock()
	fn := l.onClose
	l.mu.RUnlock()
	if fn != nil {
		fn(symbol, last, reason)
	}
}

func (l *Ledger) reportInconsistency(symbol string, fill broker.FillEvent, detail string) {
	l.mu.RLock()
	fn := l.onInconsistent
	l.mu.RUnlock()
	if fn != nil {
		fn(symbol, fill, detail)
	}
}

// TotalRealizedPnL 返回当前所有在册持仓累计的已实现盈亏
func (l *Ledger) TotalRealizedPnL() float64 {
	total := 0.0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, pos := range sh.positions {
			total += pos.RealizedPnL
		}
		sh.mu.Unlock()
	}
	return total
}

func sign(v int) int {
	if v < 0 {
		return -1
	}
	if v > 0 {
		return 1
	}
	return 0
}

func abs(v int) int {
	return int(math.Abs(float64(v)))
}
