// Package broker 定义经纪商适配层：下单/撤单/改单/持仓查询的统一抽象，
// 以及成交回报与行情价格的回调接口。具体传输协议由各适配器实现。
package broker

import (
	"context"
	"time"
)

// Side 买卖方向
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Direction 返回方向符号：多头 +1，空头 -1。
func (s Side) Direction() int {
	if s == Buy {
		return 1
	}
	return -1
}

// OrderKind 订单类型
type OrderKind string

const (
	Market OrderKind = "MARKET"
	Limit  OrderKind = "LIMIT"
	Stop   OrderKind = "STOP"
)

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol    string
	Side      Side
	Kind      OrderKind
	Quantity  int     // 合约手数
	Price     float64 // 限价单价格，0 表示未设置
	StopPrice float64 // 止损触发价，0 表示未设置
	Tag       string  // 复合订单分组标记
}

// FillEvent 成交回报
type FillEvent struct {
	OrderID       string    `json:"order_id"`
	Symbol        string    `json:"symbol"`
	Quantity      int       `json:"quantity"`
	FillPrice     float64   `json:"fill_price"`
	Commission    float64   `json:"commission"`
	Timestamp     time.Time `json:"timestamp"`
	Exchange      string    `json:"exchange"`
	LiquidityType string    `json:"liquidity_type"`
}

// BrokerPosition 经纪商侧持仓快照
type BrokerPosition struct {
	Symbol   string
	Quantity int // 带符号，正数为多头
	AvgPrice float64
	Side     Side
}

// Adapter 经纪商接口。所有调用都应通过 resilience.Executor 包装，
// 返回的错误必须在本层完成 Retriable/Fatal 分类。
type Adapter interface {
	IsConnected() bool
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyOrder(ctx context.Context, orderID string, quantity int, price float64) error
	ModifyStop(ctx context.Context, orderID string, stopPrice float64) error
	ModifyTakeProfit(ctx context.Context, orderID string, targetPrice float64) error
	ClosePosition(ctx context.Context, symbol string, quantity int) error
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}

// FillHandler 成交回报处理函数
type FillHandler func(FillEvent)

// FillSource 成交回报来源。WebSocket 回报流与模拟经纪商都实现本接口。
type FillSource interface {
	OnFill(fn FillHandler)
	OnError(fn func(error))
	Start(ctx context.Context) error
	Stop() error
}

// PriceSource 行情价格来源。返回 0 表示无数据，调用方应跳过本次处理。
type PriceSource interface {
	GetCurrentPrice(symbol string) float64
}

// PriceFunc 将函数适配为 PriceSource。
type PriceFunc func(symbol string) float64

func (f PriceFunc) GetCurrentPrice(symbol string) float64 { return f(symbol) }
