// Package sim 提供内存模拟经纪商：市价单即时成交，限价/止损单挂起，
// 由行情推送触发撮合。用于本地联调与端到端测试，不连任何外部服务。
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futures-trader-go/broker"
)

// Config 模拟经纪商配置
type Config struct {
	Commission    float64            // 每手每次成交的手续费
	SlippageTicks int                // 止损/市价成交的滑点（跳动数）
	TickSizes     map[string]float64 // 各品种最小跳动价位，滑点计算用
	Latency       time.Duration      // 每次调用的人为延迟
}

// workingOrder 挂起中的限价/止损单
type workingOrder struct {
	id  string
	req broker.OrderRequest
}

// simPosition 经纪商侧持仓
type simPosition struct {
	quantity int // 带符号
	avgPrice float64
}

// Adapter 模拟经纪商。实现 broker.Adapter、broker.PriceSource
// 与 broker.FillSource，可直接注入容器替代真实接入。
type Adapter struct {
	cfg Config

	mu        sync.Mutex
	connected bool
	seq       int64
	orders    map[string]*workingOrder
	positions map[string]*simPosition
	marks     map[string]float64
	failOps   map[string]error

	handler broker.FillHandler
	errFn   func(error)
}

// NewAdapter 创建模拟经纪商
func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:       cfg,
		connected: true,
		orders:    make(map[string]*workingOrder),
		positions: make(map[string]*simPosition),
		marks:     make(map[string]float64),
		failOps:   make(map[string]error),
	}
}

// SetConnected 设置连接状态，断线时对账循环会跳过
func (a *Adapter) SetConnected(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = v
}

// FailNext 注入一次性故障：下一次指定操作返回 err。
// 操作名取 place/cancel/modify/modify_stop/close/get_positions。
func (a *Adapter) FailNext(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failOps[op] = err
}

func (a *Adapter) takeFailure(op string) error {
	if err, ok := a.failOps[op]; ok {
		delete(a.failOps, op)
		return err
	}
	return nil
}

// IsConnected 返回连接状态
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// PlaceOrder 下单。市价单按现价即时成交，限价/止损单挂起等待触发。
func (a *Adapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	a.sleep(ctx)

	a.mu.Lock()
	if err := a.takeFailure("place"); err != nil {
		a.mu.Unlock()
		return "", err
	}
	if req.Quantity <= 0 {
		a.mu.Unlock()
		return "", broker.Fatal("place_order", fmt.Errorf("invalid quantity %d", req.Quantity))
	}

	a.seq++
	id := fmt.Sprintf("sim-%d", a.seq)

	var fill *broker.FillEvent
	switch req.Kind {
	case broker.Market:
		mark, ok := a.marks[req.Symbol]
		if !ok || mark <= 0 {
			a.mu.Unlock()
			return "", broker.Retriable("place_order", fmt.Errorf("no market price for %s", req.Symbol))
		}
		fill = a.execute(id, req, a.slip(req.Symbol, mark, req.Side))
	case broker.Limit:
		if req.Price <= 0 {
			a.mu.Unlock()
			return "", broker.Fatal("place_order", errors.New("limit order requires price"))
		}
		a.orders[id] = &workingOrder{id: id, req: req}
		fill = a.tryTrigger(a.orders[id])
	case broker.Stop:
		if req.StopPrice <= 0 {
			a.mu.Unlock()
			return "", broker.Fatal("place_order", errors.New("stop order requires stop price"))
		}
		a.orders[id] = &workingOrder{id: id, req: req}
		fill = a.tryTrigger(a.orders[id])
	default:
		a.mu.Unlock()
		return "", broker.Fatal("place_order", fmt.Errorf("unsupported order kind %s", req.Kind))
	}
	a.mu.Unlock()

	a.deliver(fill)
	return id, nil
}

// CancelOrder 撤销挂单
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	a.sleep(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("cancel"); err != nil {
		return err
	}
	if _, ok := a.orders[orderID]; !ok {
		return broker.Fatal("cancel_order", fmt.Errorf("unknown order %s", orderID))
	}
	delete(a.orders, orderID)
	return nil
}

// ModifyOrder 修改挂单数量与限价
func (a *Adapter) ModifyOrder(ctx context.Context, orderID string, quantity int, price float64) error {
	a.sleep(ctx)

	a.mu.Lock()
	if err := a.takeFailure("modify"); err != nil {
		a.mu.Unlock()
		return err
	}
	wo, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return broker.Fatal("modify_order", fmt.Errorf("unknown order %s", orderID))
	}
	if quantity > 0 {
		wo.req.Quantity = quantity
	}
	if price > 0 {
		wo.req.Price = price
	}
	fill := a.tryTrigger(wo)
	a.mu.Unlock()

	a.deliver(fill)
	return nil
}

// ModifyStop 修改止损触发价
func (a *Adapter) ModifyStop(ctx context.Context, orderID string, stopPrice float64) error {
	a.sleep(ctx)

	a.mu.Lock()
	if err := a.takeFailure("modify_stop"); err != nil {
		a.mu.Unlock()
		return err
	}
	wo, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return broker.Fatal("modify_stop", fmt.Errorf("unknown order %s", orderID))
	}
	wo.req.StopPrice = stopPrice
	fill := a.tryTrigger(wo)
	a.mu.Unlock()

	a.deliver(fill)
	return nil
}

// ModifyTakeProfit 修改止盈限价，语义同 ModifyOrder 改价
func (a *Adapter) ModifyTakeProfit(ctx context.Context, orderID string, targetPrice float64) error {
	return a.ModifyOrder(ctx, orderID, 0, targetPrice)
}

// ClosePosition 按现价市价平仓指定数量
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, quantity int) error {
	a.sleep(ctx)

	a.mu.Lock()
	if err := a.takeFailure("close"); err != nil {
		a.mu.Unlock()
		return err
	}
	pos, ok := a.positions[symbol]
	if !ok || pos.quantity == 0 {
		a.mu.Unlock()
		return broker.Fatal("close_position", fmt.Errorf("no position for %s", symbol))
	}
	mark, ok := a.marks[symbol]
	if !ok || mark <= 0 {
		a.mu.Unlock()
		return broker.Retriable("close_position", fmt.Errorf("no market price for %s", symbol))
	}

	side := broker.Sell
	if pos.quantity < 0 {
		side = broker.Buy
	}
	if quantity <= 0 || quantity > abs(pos.quantity) {
		quantity = abs(pos.quantity)
	}

	a.seq++
	id := fmt.Sprintf("sim-%d", a.seq)
	fill := a.execute(id, broker.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Kind:     broker.Market,
		Quantity: quantity,
	}, a.slip(symbol, mark, side))
	a.mu.Unlock()

	a.deliver(fill)
	return nil
}

// GetPositions 返回经纪商侧持仓快照
func (a *Adapter) GetPositions(ctx context.Context) ([]broker.BrokerPosition, error) {
	a.sleep(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("get_positions"); err != nil {
		return nil, err
	}

	out := make([]broker.BrokerPosition, 0, len(a.positions))
	for symbol, pos := range a.positions {
		if pos.quantity == 0 {
			continue
		}
		side := broker.Buy
		if pos.quantity < 0 {
			side = broker.Sell
		}
		out = append(out, broker.BrokerPosition{
			Symbol:   symbol,
			Quantity: pos.quantity,
			AvgPrice: pos.avgPrice,
			Side:     side,
		})
	}
	return out, nil
}

// InjectPosition 直接写入经纪商侧持仓，用于构造账本外的仓位
func (a *Adapter) InjectPosition(symbol string, quantity int, avgPrice float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.positions[symbol] = &simPosition{quantity: quantity, avgPrice: avgPrice}
}

// GetCurrentPrice 实现 broker.PriceSource
func (a *Adapter) GetCurrentPrice(symbol string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.marks[symbol]
}

// SetPrice 推送新价格并撮合所有待触发挂单
func (a *Adapter) SetPrice(symbol string, price float64) {
	a.mu.Lock()
	a.marks[symbol] = price

	var fills []*broker.FillEvent
	for _, wo := range a.orders {
		if wo.req.Symbol != symbol {
			continue
		}
		if fill := a.tryTrigger(wo); fill != nil {
			fills = append(fills, fill)
		}
	}
	a.mu.Unlock()

	for _, fill := range fills {
		a.deliver(fill)
	}
}

// OnFill 实现 broker.FillSource
func (a *Adapter) OnFill(fn broker.FillHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = fn
}

// OnError 实现 broker.FillSource
func (a *Adapter) OnError(fn func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errFn = fn
}

// Start 实现 broker.FillSource，模拟经纪商无需后台连接
func (a *Adapter) Start(ctx context.Context) error { return nil }

// Stop 实现 broker.FillSource
func (a *Adapter) Stop() error { return nil }

// WorkingOrders 返回当前挂单数，测试用
func (a *Adapter) WorkingOrders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

// tryTrigger 检查挂单是否被当前价格触发，触发则成交并摘单。
// 调用方必须持有 a.mu。
func (a *Adapter) tryTrigger(wo *workingOrder) *broker.FillEvent {
	mark, ok := a.marks[wo.req.Symbol]
	if !ok || mark <= 0 {
		return nil
	}

	switch wo.req.Kind {
	case broker.Limit:
		crossed := (wo.req.Side == broker.Buy && mark <= wo.req.Price) ||
			(wo.req.Side == broker.Sell && mark >= wo.req.Price)
		if !crossed {
			return nil
		}
		delete(a.orders, wo.id)
		return a.execute(wo.id, wo.req, wo.req.Price)

	case broker.Stop:
		triggered := (wo.req.Side == broker.Buy && mark >= wo.req.StopPrice) ||
			(wo.req.Side == broker.Sell && mark <= wo.req.StopPrice)
		if !triggered {
			return nil
		}
		delete(a.orders, wo.id)
		return a.execute(wo.id, wo.req, a.slip(wo.req.Symbol, mark, wo.req.Side))
	}
	return nil
}

// execute 按成交价更新经纪商侧持仓并构造回报。调用方必须持有 a.mu。
func (a *Adapter) execute(orderID string, req broker.OrderRequest, fillPrice float64) *broker.FillEvent {
	pos, ok := a.positions[req.Symbol]
	if !ok {
		pos = &simPosition{}
		a.positions[req.Symbol] = pos
	}

	delta := req.Quantity * req.Side.Direction()
	before := pos.quantity
	if before == 0 || sameSign(before, delta) {
		total := abs(before) + abs(delta)
		pos.avgPrice = (pos.avgPrice*float64(abs(before)) + fillPrice*float64(abs(delta))) / float64(total)
	}
	pos.quantity += delta
	switch {
	case pos.quantity == 0:
		delete(a.positions, req.Symbol)
	case before != 0 && !sameSign(before, pos.quantity):
		// 穿仓反向：剩余仓位的成本是本次成交价
		pos.avgPrice = fillPrice
	}

	return &broker.FillEvent{
		OrderID:    orderID,
		Symbol:     req.Symbol,
		Quantity:   req.Quantity,
		FillPrice:  fillPrice,
		Commission: a.cfg.Commission * float64(req.Quantity),
		Timestamp:  time.Now().UTC(),
		Exchange:   "SIM",
	}
}

// slip 对市价/止损成交施加滑点，方向永远不利于吃单方
func (a *Adapter) slip(symbol string, mark float64, side broker.Side) float64 {
	if a.cfg.SlippageTicks <= 0 {
		return mark
	}
	tick := a.cfg.TickSizes[symbol]
	if tick <= 0 {
		return mark
	}
	return mark + float64(side.Direction())*float64(a.cfg.SlippageTicks)*tick
}

func (a *Adapter) deliver(fill *broker.FillEvent) {
	if fill == nil {
		return
	}
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler != nil {
		handler(*fill)
	}
}

func (a *Adapter) sleep(ctx context.Context) {
	if a.cfg.Latency <= 0 {
		return
	}
	timer := time.NewTimer(a.cfg.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
