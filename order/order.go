package order

import (
	"time"

	"futures-trader-go/broker"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusPartial  Status = "PARTIAL"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
	StatusRejected Status = "REJECTED"
)

// IsFinal 判断是否是终态
func (s Status) IsFinal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// IsActive 判断是否是活跃状态（可能继续产生成交）
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusPartial
}

// Order 订单记录。只在 Ledger 内部被修改，对外暴露副本；
// 终态订单保留在账本中供审计，不做清理。
type Order struct {
	ID             string
	Symbol         string
	Side           broker.Side
	Kind           broker.OrderKind
	Quantity       int
	FilledQty      int
	Price          float64 // 限价，0 表示未设置
	StopPrice      float64 // 止损触发价，0 表示未设置
	Tag            string  // 复合订单分组标记
	Status         Status
	ConfigSnapshot string // 产生该订单的参数快照 id
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// recomputeStatus 根据成交数量推导状态。已撤/已拒订单不回退。
func (o *Order) recomputeStatus() {
	if o.Status == StatusCanceled || o.Status == StatusRejected {
		return
	}
	switch {
	case o.FilledQty >= o.Quantity:
		o.Status = StatusFilled
	case o.FilledQty > 0:
		o.Status = StatusPartial
	default:
		o.Status = StatusPending
	}
}

// Remaining 返回未成交数量
func (o Order) Remaining() int {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}
