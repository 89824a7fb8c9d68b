// Package order 维护订单账本与生命周期状态机，并承载 OCO/括号/冰山
// 三类复合订单协调器。所有经纪商调用都经由 resilience.Executor。
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/infrastructure/logger"
	"futures-trader-go/internal/resilience"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be > 0")
	ErrPriceRequired   = errors.New("limit/stop orders require a price")
)

// PositionSink 接收成交并更新持仓（由 position.Ledger 实现）
type PositionSink interface {
	ApplyFill(symbol string, side broker.Side, qty int, fillPrice, commission float64, ts time.Time)
}

// FillListener 成交监听器（复合订单协调器注册）。
// o 为应用成交后的订单副本。
type FillListener func(o Order, fill broker.FillEvent)

type entry struct {
	mu sync.Mutex
	o  Order
}

// Ledger 订单账本。订单注册表按 id 存取；每条订单持有自己的锁，
// 同一订单的成交按到达顺序串行应用，不同订单互不争用。
type Ledger struct {
	adapter broker.Adapter
	exec    *resilience.Executor
	log     *logger.Logger
	bus     *Bus

	mu        sync.RWMutex
	entries   map[string]*entry
	early     map[string][]broker.FillEvent
	listeners []FillListener
	positions PositionSink

	snapshotID atomic.Value // string
	rejectSeq  int64
}

// NewLedger 创建订单账本
func NewLedger(adapter broker.Adapter, exec *resilience.Executor, log *logger.Logger) *Ledger {
	l := &Ledger{
		adapter: adapter,
		exec:    exec,
		log:     log,
		bus:     NewBus(),
		entries: make(map[string]*entry),
		early:   make(map[string][]broker.FillEvent),
	}
	l.snapshotID.Store("")
	return l
}

// Bus 返回订单事件总线
func (l *Ledger) Bus() *Bus { return l.bus }

// AttachPositions 挂接持仓账本
func (l *Ledger) AttachPositions(sink PositionSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = sink
}

// OnFill 注册成交监听器。监听器在成交应用后同步调用，
// 不得阻塞（协调器内部的经纪商调用自带超时）。
func (l *Ledger) OnFill(fn FillListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// SetConfigSnapshot 设置后续订单携带的参数快照 id
func (l *Ledger) SetConfigSnapshot(id string) {
	l.snapshotID.Store(id)
}

// PlaceMarket 下市价单。失败返回空 id 与错误，不抛出。
func (l *Ledger) PlaceMarket(ctx context.Context, symbol string, side broker.Side, qty int, tag string) (string, error) {
	return l.place(ctx, broker.OrderRequest{
		Symbol: symbol, Side: side, Kind: broker.Market, Quantity: qty, Tag: tag,
	})
}

// PlaceLimit 下限价单
func (l *Ledger) PlaceLimit(ctx context.Context, symbol string, side broker.Side, qty int, price float64, tag string) (string, error) {
	return l.place(ctx, broker.OrderRequest{
		Symbol: symbol, Side: side, Kind: broker.Limit, Quantity: qty, Price: price, Tag: tag,
	})
}

// PlaceStop 下止损单
func (l *Ledger) PlaceStop(ctx context.Context, symbol string, side broker.Side, qty int, stopPrice float64, tag string) (string, error) {
	return l.place(ctx, broker.OrderRequest{
		Symbol: symbol, Side: side, Kind: broker.Stop, Quantity: qty, StopPrice: stopPrice, Tag: tag,
	})
}

func (l *Ledger) place(ctx context.Context, req broker.OrderRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	var orderID string
	err := l.exec.Execute(ctx, "place_order", func(ctx context.Context) error {
		id, err := l.adapter.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})

	now := time.Now()
	o := Order{
		Symbol:         req.Symbol,
		Side:           req.Side,
		Kind:           req.Kind,
		Quantity:       req.Quantity,
		Price:          req.Price,
		StopPrice:      req.StopPrice,
		Tag:            req.Tag,
		ConfigSnapshot: l.snapshotID.Load().(string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err != nil {
		// 拒单也入账留痕，使用本地 id
		o.ID = l.nextRejectID()
		o.Status = StatusRejected
		o.LastError = err.Error()
		l.register(o)
		l.logOrder("order_rejected", o, map[string]interface{}{"error": err.Error()})
		l.bus.Publish(Event{Type: EventRejected, Order: o})
		return "", err
	}

	o.ID = orderID
	o.Status = StatusPending
	l.register(o)
	l.logOrder("order_placed", o, nil)
	l.bus.Publish(Event{Type: EventPlaced, Order: o})
	return orderID, nil
}

func validateRequest(req broker.OrderRequest) error {
	if req.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	switch req.Kind {
	case broker.Limit:
		if req.Price <= 0 {
			return ErrPriceRequired
		}
	case broker.Stop:
		if req.StopPrice <= 0 {
			return ErrPriceRequired
		}
	}
	return nil
}

// Cancel 撤单。订单不存在、已终态或经纪商调用失败时返回 false。
func (l *Ledger) Cancel(ctx context.Context, orderID string) bool {
	e := l.entry(orderID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	if e.o.Status.IsFinal() {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	err := l.exec.Execute(ctx, "cancel_order", func(ctx context.Context) error {
		return l.adapter.CancelOrder(ctx, orderID)
	})
	if err != nil {
		l.logOrderErr("cancel_failed", orderID, err)
		return false
	}

	e.mu.Lock()
	// 撤单与成交可能竞争；成交先到则保持 FILLED
	if !e.o.Status.IsFinal() {
		e.o.Status = StatusCanceled
		e.o.UpdatedAt = time.Now()
	}
	o := e.o
	e.mu.Unlock()
	l.logOrder("order_canceled", o, nil)
	l.bus.Publish(Event{Type: EventCanceled, Order: o})
	return true
}

// Modification 改单参数，nil 字段保持原值
type Modification struct {
	Quantity *int
	Price    *float64
}

// Modify 改单。订单不存在、已终态或经纪商调用失败时返回 false。
func (l *Ledger) Modify(ctx context.Context, orderID string, mod Modification) bool {
	e := l.entry(orderID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	if e.o.Status.IsFinal() {
		e.mu.Unlock()
		return false
	}
	qty := e.o.Quantity
	price := e.o.Price
	e.mu.Unlock()

	if mod.Quantity != nil {
		if *mod.Quantity <= 0 {
			return false
		}
		qty = *mod.Quantity
	}
	if mod.Price != nil {
		if *mod.Price <= 0 {
			return false
		}
		price = *mod.Price
	}

	err := l.exec.Execute(ctx, "modify_order", func(ctx context.Context) error {
		return l.adapter.ModifyOrder(ctx, orderID, qty, price)
	})
	if err != nil {
		l.logOrderErr("modify_failed", orderID, err)
		return false
	}

	e.mu.Lock()
	if !e.o.Status.IsFinal() {
		e.o.Quantity = qty
		e.o.Price = price
		e.o.recomputeStatus()
		e.o.UpdatedAt = time.Now()
	}
	e.mu.Unlock()
	return true
}

// ApplyFill 应用一笔成交回报：唯一的成交变更入口。
// 递增成交数量（钳制到委托数量）、重算状态、转发持仓账本与协调器，
// 最后发布 order_filled 事件。同一订单的成交按到达顺序应用。
func (l *Ledger) ApplyFill(fill broker.FillEvent) {
	e := l.entry(fill.OrderID)
	if e == nil {
		// 回报可能先于下单确认到达。暂存等注册时重放，
		// 始终未注册的回报只能留给对账循环兜底。
		if l.bufferEarly(fill) {
			l.logOrderErr("early_fill_buffered", fill.OrderID,
				fmt.Errorf("fill arrived before order %s registered", fill.OrderID))
		} else {
			l.logOrderErr("orphan_fill", fill.OrderID,
				fmt.Errorf("fill for unknown order %s on %s", fill.OrderID, fill.Symbol))
		}
		return
	}

	e.mu.Lock()
	applied := fill.Quantity
	if remaining := e.o.Remaining(); applied > remaining {
		applied = remaining
	}
	if applied <= 0 {
		e.mu.Unlock()
		return
	}
	e.o.FilledQty += applied
	e.o.recomputeStatus()
	e.o.UpdatedAt = fill.Timestamp
	o := e.o
	e.mu.Unlock()

	l.logOrder("order_filled", o, map[string]interface{}{
		"fill_price": fill.FillPrice,
		"fill_qty":   applied,
	})

	l.mu.RLock()
	sink := l.positions
	listeners := make([]FillListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.RUnlock()

	if sink != nil {
		sink.ApplyFill(o.Symbol, o.Side, applied, fill.FillPrice, fill.Commission, fill.Timestamp)
	}
	for _, fn := range listeners {
		fn(o, fill)
	}

	l.bus.Publish(Event{Type: EventFilled, Order: o, Fill: &fill})
}

// Get 返回订单副本
func (l *Ledger) Get(orderID string) (Order, bool) {
	e := l.entry(orderID)
	if e == nil {
		return Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.o, true
}

// Active 返回所有活跃订单的副本
func (l *Ledger) Active() []Order {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]Order, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.o.Status.IsActive() {
			out = append(out, e.o)
		}
		e.mu.Unlock()
	}
	return out
}

// ActiveBySymbol 返回指定品种的活跃订单
func (l *Ledger) ActiveBySymbol(symbol string) []Order {
	out := make([]Order, 0)
	for _, o := range l.Active() {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

const maxEarlyFills = 128

// bufferEarly 暂存尚未注册订单的成交回报，容量满时拒绝
func (l *Ledger) bufferEarly(fill broker.FillEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.early) >= maxEarlyFills {
		return false
	}
	l.early[fill.OrderID] = append(l.early[fill.OrderID], fill)
	return true
}

func (l *Ledger) register(o Order) {
	l.mu.Lock()
	l.entries[o.ID] = &entry{o: o}
	replay := l.early[o.ID]
	delete(l.early, o.ID)
	l.mu.Unlock()

	for _, fill := range replay {
		l.ApplyFill(fill)
	}
}

func (l *Ledger) entry(orderID string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[orderID]
}

func (l *Ledger) nextRejectID() string {
	seq := atomic.AddInt64(&l.rejectSeq, 1)
	return fmt.Sprintf("rej-%s-%d", time.Now().UTC().Format("20060102150405"), seq)
}

func (l *Ledger) logOrder(event string, o Order, extra map[string]interface{}) {
	if l.log == nil {
		return
	}
	fields := map[string]interface{}{
		"symbol": o.Symbol,
		"side":   string(o.Side),
		"kind":   string(o.Kind),
		"qty":    o.Quantity,
		"status": string(o.Status),
	}
	for k, v := range extra {
		fields[k] = v
	}
	l.log.LogOrder(event, o.ID, fields)
}

func (l *Ledger) logOrderErr(event, orderID string, err error) {
	if l.log == nil {
		return
	}
	l.log.LogError(err, map[string]interface{}{"event": event, "order_id": orderID})
}
