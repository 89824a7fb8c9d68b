package reconcile

import "time"

// DiscrepancyKind 差异类型
type DiscrepancyKind string

const (
	// BrokerOnly 经纪商有仓、账本无记录（幽灵仓，最高严重级）
	BrokerOnly DiscrepancyKind = "BROKER_ONLY"
	// LedgerOnly 账本有仓、经纪商无仓（幻影仓）
	LedgerOnly DiscrepancyKind = "LEDGER_ONLY"
	// QuantityMismatch 双方都有但数量不一致
	QuantityMismatch DiscrepancyKind = "QUANTITY_MISMATCH"
)

// Discrepancy 单品种差异记录
type Discrepancy struct {
	Symbol      string          `json:"symbol"`
	Kind        DiscrepancyKind `json:"kind"`
	BrokerQty   int             `json:"broker_qty"`
	BrokerPrice float64         `json:"broker_price"`
	LedgerQty   int             `json:"ledger_qty"`
	LedgerPrice float64         `json:"ledger_price"`
	Resolution  string          `json:"resolution"`
}

// Result 单轮对账结果。每轮新建，保留在有界滚动历史中。
type Result struct {
	Timestamp       time.Time     `json:"timestamp"`
	BrokerPositions int           `json:"broker_positions"`
	LedgerPositions int           `json:"ledger_positions"`
	Discrepancies   []Discrepancy `json:"discrepancies"`
	Actions         []string      `json:"actions"`
}

// Clean 返回本轮是否无差异
func (r Result) Clean() bool {
	return len(r.Discrepancies) == 0
}

// Stats 对账统计信息
type Stats struct {
	TotalCycles           int64
	DiscrepanciesResolved int64
	LastRunTime           time.Time
	Interval              time.Duration
}
