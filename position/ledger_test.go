package position

import (
	"math"
	"testing"
	"time"

	"futures-trader-go/broker"
)

func TestOpeningFillCreatesPosition(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ES", broker.Buy, 2, 4500.25, 4.0, time.Now())

	pos, ok := l.Get("ES")
	if !ok {
		t.Fatal("position should exist")
	}
	if pos.Quantity != 2 {
		t.Errorf("quantity = %d, want 2", pos.Quantity)
	}
	if pos.AvgPrice != 4500.25 {
		t.Errorf("avg price = %v, want 4500.25", pos.AvgPrice)
	}
	if pos.RealizedPnL != -4.0 {
		t.Errorf("realized pnl = %v, want -4.0 (open commission)", pos.RealizedPnL)
	}
}

func TestOpeningSellCreatesShort(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("NQ", broker.Sell, 1, 15000.0, 0, time.Now())

	pos, _ := l.Get("NQ")
	if pos.Quantity != -1 {
		t.Errorf("quantity = %d, want -1", pos.Quantity)
	}
	if pos.Side() != broker.Sell {
		t.Errorf("side = %v, want SELL", pos.Side())
	}
}

func TestAddingFillReweightsAvgPrice(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ES", broker.Buy, 2, 4500.0, 0, time.Now())
	l.ApplyFill("ES", broker.Buy, 2, 4510.0, 0, time.Now())

	pos, _ := l.Get("ES")
	if pos.Quantity != 4 {
		t.Errorf("quantity = %d, want 4", pos.Quantity)
	}
	if math.Abs(pos.AvgPrice-4505.0) > 1e-9 {
		t.Errorf("avg price = %v, want 4505.0", pos.AvgPrice)
	}
}

func TestReducingFillRealizesPnL(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ES", broker.Buy, 2, 4500.25, 0, time.Now())
	l.ApplyFill("ES", broker.Sell, 2, 4510.0, 4.5, time.Now())

	// 持仓归零后从账本移除
	if _, ok := l.Get("ES"); ok {
		t.Fatal("position should be removed at zero quantity")
	}
}

func TestRealizedPnLFullRoundTrip(t *testing.T) {
	l := NewLedger()
	var closedPnL float64
	l.OnClose(func(symbol string, last Position, reason CloseReason) {
		closedPnL = last.RealizedPnL
	})

	l.ApplyFill("ES", broker.Buy, 2, 4500.25, 0, time.Now())
	l.ApplyFill("ES", broker.Sell, 2, 4510.0, 4.5, time.Now())

	want := (4510.0-4500.25)*2 - 4.5
	if math.Abs(closedPnL-want) > 1e-9 {
		t.Errorf("realized pnl = %v, want %v", closedPnL, want)
	}
}

func TestPartialReduceKeepsAvgPrice(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ES", broker.Buy, 3, 4500.0, 0, time.Now())
	l.ApplyFill("ES", broker.Sell, 1, 4505.0, 0, time.Now())

	pos, ok := l.Get("ES")
	if !ok {
		t.Fatal("position should remain")
	}
	if pos.Quantity != 2 {
		t.Errorf("quantity = %d, want 2", pos.Quantity)
	}
	if pos.AvgPrice != 4500.0 {
		t.Errorf("avg price must not change on reduce, got %v", pos.AvgPrice)
	}
	if math.Abs(pos.RealizedPnL-5.0) > 1e-9 {
		t.Errorf("realized pnl = %v, want 5.0", pos.RealizedPnL)
	}
}

func TestShortPositionPnL(t *testing.T) {
	l := NewLedger()
	var closedPnL float64
	l.OnClose(func(symbol string, last Position, reason CloseReason) {
		closedPnL = last.RealizedPnL
	})

	l.ApplyFill("NQ", broker.Sell, 2, 15000.0, 0, time.Now())
	l.ApplyFill("NQ", broker.Buy, 2, 14990.0, 2.0, time.Now())

	// 空头：(fill - avg) * qty * (-1) - commission
	want := (14990.0-15000.0)*2*(-1) - 2.0
	if math.Abs(closedPnL-want) > 1e-9 {
		t.Errorf("short realized pnl = %v, want %v", closedPnL, want)
	}
}

func TestOversizedReducingFillClamped(t *testing.T) {
	l := NewLedger()
	var detail string
	l.OnInconsistency(func(symbol string, fill broker.FillEvent, d string) {
		detail = d
	})

	l.ApplyFill("ES", broker.Buy, 1, 4500.0, 0, time.Now())
	l.ApplyFill("ES", broker.Sell, 3, 4510.0, 0, time.Now())

	if _, ok := l.Get("ES"); ok {
		t.Error("position should be fully closed")
	}
	if detail == "" {
		t.Error("oversized reduce should report an inconsistency")
	}
}

func TestReducingFillUntrackedDropped(t *testing.T) {
	l := NewLedger()
	reported := 0
	l.OnInconsistency(func(symbol string, fill broker.FillEvent, d string) {
		reported++
	})

	l.ApplyReducingFill("ES", broker.Sell, 1, 4500.0, 0, time.Now())

	if reported != 1 {
		t.Errorf("inconsistency reports = %d, want 1", reported)
	}
	if _, ok := l.Get("ES"); ok {
		t.Error("reducing fill must not open a position")
	}
}

func TestSyncToBrokerOverwrites(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ES", broker.Buy, 2, 4500.0, 0, time.Now())
	l.SyncToBroker("ES", 3, 4498.5)

	pos, _ := l.Get("ES")
	if pos.Quantity != 3 || pos.AvgPrice != 4498.5 {
		t.Errorf("sync failed: qty=%d avg=%v", pos.Quantity, pos.AvgPrice)
	}
}

func TestClearRemovesAndNotifies(t *testing.T) {
	l := NewLedger()
	var reason CloseReason
	l.OnClose(func(symbol string, last Position, r CloseReason) {
		reason = r
	})

	l.ApplyFill("NQ", broker.Buy, 1, 15000.0, 0, time.Now())
	if !l.Clear("NQ") {
		t.Fatal("clear should succeed")
	}
	if _, ok := l.Get("NQ"); ok {
		t.Error("position should be gone after clear")
	}
	if reason != CloseByReconcile {
		t.Errorf("close reason = %v, want reconcile", reason)
	}
	if l.Clear("NQ") {
		t.Error("second clear should return false")
	}
}

func TestValuate(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ES", broker.Buy, 2, 4500.0, 0, time.Now())

	pnl, ok := l.Valuate("ES", 4502.0, 50.0)
	if !ok {
		t.Fatal("valuate should find position")
	}
	if math.Abs(pnl-200.0) > 1e-9 {
		t.Errorf("unrealized = %v, want 200.0", pnl)
	}

	if _, ok := l.Valuate("ES", 0, 50.0); ok {
		t.Error("zero price must be rejected")
	}
}

func TestSetStopsAndUnrealized(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ES", broker.Buy, 2, 4500.0, 0, time.Now())

	l.SetStops("ES", 4495.0, 4510.0)
	l.SetUnrealized("ES", 125.0)

	pos, ok := l.Get("ES")
	if !ok {
		t.Fatal("position missing")
	}
	if pos.StopPrice != 4495.0 || pos.TargetPrice != 4510.0 {
		t.Errorf("stops = %v/%v, want 4495/4510", pos.StopPrice, pos.TargetPrice)
	}
	if pos.UnrealizedPnL != 125.0 {
		t.Errorf("unrealized = %v, want 125", pos.UnrealizedPnL)
	}

	// 零值不覆盖已有止损/止盈
	l.SetStops("ES", 0, 0)
	pos, _ = l.Get("ES")
	if pos.StopPrice != 4495.0 || pos.TargetPrice != 4510.0 {
		t.Errorf("stops overwritten by zero: %v/%v", pos.StopPrice, pos.TargetPrice)
	}

	// 未跟踪品种静默忽略
	l.SetStops("NQ", 15000.0, 0)
	l.SetUnrealized("NQ", 1.0)
}
