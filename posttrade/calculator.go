// Package posttrade 提供盘后基准盈亏计算。用十进制精确运算重放成交序列，
// 作为实时持仓账本浮点盈亏的对照基准，用于日终核对与回归测试。
package posttrade

import (
	"sync"

	"github.com/shopspring/decimal"

	"futures-trader-go/broker"
)

// holding 单品种重放状态
type holding struct {
	quantity decimal.Decimal // 带符号手数
	avgPrice decimal.Decimal // 加权平均开仓价
}

// SymbolReport 单品种盘后汇总
type SymbolReport struct {
	Symbol       string
	RealizedPnL  decimal.Decimal
	Commissions  decimal.Decimal
	FillCount    int
	OpenQuantity int
	AvgPrice     decimal.Decimal
}

// Calculator 基准盈亏计算器。语义与实时账本一致：
// 开仓/加仓按加权平均重算，减仓结转已实现盈亏，手续费全程计入。
type Calculator struct {
	mu          sync.Mutex
	book        map[string]*holding
	realized    map[string]decimal.Decimal
	commissions map[string]decimal.Decimal
	fills       map[string]int
}

// NewCalculator 创建基准盈亏计算器
func NewCalculator() *Calculator {
	return &Calculator{
		book:        make(map[string]*holding),
		realized:    make(map[string]decimal.Decimal),
		commissions: make(map[string]decimal.Decimal),
		fills:       make(map[string]int),
	}
}

// Apply 重放一笔成交。超出持仓量的减仓部分按实时账本的规则截断丢弃。
func (c *Calculator) Apply(symbol string, side broker.Side, qty int, fillPrice, commission float64) {
	if qty <= 0 {
		return
	}

	price := decimal.NewFromFloat(fillPrice)
	comm := decimal.NewFromFloat(commission)
	fillQty := decimal.NewFromInt(int64(qty * side.Direction()))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.fills[symbol]++
	c.commissions[symbol] = c.commissions[symbol].Add(comm)
	c.realized[symbol] = c.realized[symbol].Sub(comm)

	h, exists := c.book[symbol]
	if !exists {
		c.book[symbol] = &holding{quantity: fillQty, avgPrice: price}
		return
	}

	sameDirection := h.quantity.Sign() == fillQty.Sign()
	if sameDirection {
		// 加仓：加权平均
		oldAbs := h.quantity.Abs()
		addAbs := fillQty.Abs()
		totalAbs := oldAbs.Add(addAbs)
		h.avgPrice = h.avgPrice.Mul(oldAbs).Add(price.Mul(addAbs)).Div(totalAbs)
		h.quantity = h.quantity.Add(fillQty)
		return
	}

	// 减仓：截断到现有持仓量
	closeAbs := fillQty.Abs()
	if closeAbs.GreaterThan(h.quantity.Abs()) {
		closeAbs = h.quantity.Abs()
	}
	direction := decimal.NewFromInt(int64(h.quantity.Sign()))
	pnl := price.Sub(h.avgPrice).Mul(closeAbs).Mul(direction)
	c.realized[symbol] = c.realized[symbol].Add(pnl)

	h.quantity = h.quantity.Sub(direction.Mul(closeAbs))
	if h.quantity.IsZero() {
		delete(c.book, symbol)
	}
}

// RealizedPnL 返回单品种已实现盈亏（扣除手续费）
func (c *Calculator) RealizedPnL(symbol string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realized[symbol]
}

// TotalRealizedPnL 返回全部品种已实现盈亏合计
func (c *Calculator) TotalRealizedPnL() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := decimal.Zero
	for _, pnl := range c.realized {
		total = total.Add(pnl)
	}
	return total
}

// Report 返回单品种盘后汇总
func (c *Calculator) Report(symbol string) SymbolReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := SymbolReport{
		Symbol:      symbol,
		RealizedPnL: c.realized[symbol],
		Commissions: c.commissions[symbol],
		FillCount:   c.fills[symbol],
	}
	if h, exists := c.book[symbol]; exists {
		r.OpenQuantity = int(h.quantity.IntPart())
		r.AvgPrice = h.avgPrice
	}
	return r
}

// Reports 返回所有出现过成交的品种汇总
func (c *Calculator) Reports() []SymbolReport {
	c.mu.Lock()
	symbols := make([]string, 0, len(c.fills))
	for s := range c.fills {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	out := make([]SymbolReport, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, c.Report(s))
	}
	return out
}
