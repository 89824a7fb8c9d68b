package order

import (
	"context"
	"math"
	"testing"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/position"
)

func newBracketFixture() (*Ledger, *fakeAdapter, *OCOManager, *BracketManager) {
	l, fa := newTestLedger()
	oco := NewOCOManager(l, nil, nil)
	brk := NewBracketManager(l, oco, nil)
	return l, fa, oco, brk
}

func TestBracketGeometryValidation(t *testing.T) {
	_, _, _, brk := newBracketFixture()

	cases := []struct {
		name                string
		side                broker.Side
		entry, stop, target float64
		wantErr             bool
	}{
		{"long valid", broker.Buy, 4500, 4495, 4510, false},
		{"long inverted stop", broker.Buy, 4500, 4505, 4510, true},
		{"long target below entry", broker.Buy, 4500, 4495, 4499, true},
		{"short valid", broker.Sell, 4500, 4505, 4490, false},
		{"short inverted", broker.Sell, 4500, 4495, 4510, true},
		{"market long valid", broker.Buy, 0, 4495, 4510, false},
		{"market long inverted", broker.Buy, 0, 4510, 4495, true},
		{"missing stop", broker.Buy, 4500, 0, 4510, true},
	}
	for _, tc := range cases {
		_, err := brk.Place(context.Background(), "ES", tc.side, 1, tc.entry, tc.stop, tc.target)
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected rejection at placement time", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestBracketInvalidNeverReachesBroker(t *testing.T) {
	_, fa, _, brk := newBracketFixture()
	_, err := brk.Place(context.Background(), "ES", broker.Buy, 1, 4500, 4505, 4510)
	if err == nil {
		t.Fatal("expected geometry error")
	}
	if len(fa.placed) != 0 {
		t.Errorf("invalid bracket reached the broker: %d calls", len(fa.placed))
	}
}

func TestBracketEntryFillPlacesExitPair(t *testing.T) {
	l, fa, oco, brk := newBracketFixture()

	groupID, err := brk.Place(context.Background(), "ES", broker.Buy, 2, 4500.0, 4495.0, 4510.0)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	group, _ := brk.Get(groupID)

	l.ApplyFill(fill(group.EntryID, 2, 4500.25))

	group, _ = brk.Get(groupID)
	if group.Status != BracketEntryFilled {
		t.Fatalf("status = %v, want ENTRY_FILLED", group.Status)
	}
	if group.ExitPairID == "" {
		t.Fatal("exit pair not recorded")
	}

	// 恰好一对出场单：入场 + 两条出场腿
	if len(fa.placed) != 3 {
		t.Fatalf("broker orders = %d, want 3", len(fa.placed))
	}
	stopReq, targetReq := fa.placed[1], fa.placed[2]
	if stopReq.Kind != broker.Stop || stopReq.StopPrice != 4495.0 || stopReq.Side != broker.Sell || stopReq.Quantity != 2 {
		t.Errorf("stop leg = %+v", stopReq)
	}
	if targetReq.Kind != broker.Limit || targetReq.Price != 4510.0 || targetReq.Side != broker.Sell || targetReq.Quantity != 2 {
		t.Errorf("target leg = %+v", targetReq)
	}

	if _, ok := oco.Get(group.ExitPairID); !ok {
		t.Error("exit pair missing from OCO registry")
	}
}

func TestBracketExitFailureContained(t *testing.T) {
	l, fa, _, brk := newBracketFixture()
	groupID, _ := brk.Place(context.Background(), "ES", broker.Buy, 2, 4500.0, 4495.0, 4510.0)
	group, _ := brk.Get(groupID)

	fa.failAfter = 1 // 出场腿全部失败
	l.ApplyFill(fill(group.EntryID, 2, 4500.25))

	group, _ = brk.Get(groupID)
	if group.Status != BracketError {
		t.Errorf("status = %v, want ERROR", group.Status)
	}
}

// 场景：4500.00 多头括号单，入场 4500.25 成交，止盈 4510 成交后
// 仓位平掉、已实现盈亏正确、止损腿恰好被撤一次。
func TestBracketRoundTrip(t *testing.T) {
	l, fa, oco, brk := newBracketFixture()
	positions := position.NewLedger()
	l.AttachPositions(positions)

	var closed position.Position
	positions.OnClose(func(symbol string, last position.Position, reason position.CloseReason) {
		closed = last
	})

	groupID, _ := brk.Place(context.Background(), "ES", broker.Buy, 2, 4500.0, 4495.0, 4510.0)
	group, _ := brk.Get(groupID)

	// 入场成交
	l.ApplyFill(broker.FillEvent{OrderID: group.EntryID, Symbol: "ES", Quantity: 2, FillPrice: 4500.25, Timestamp: time.Now()})

	pos, ok := positions.Get("ES")
	if !ok || pos.Quantity != 2 || pos.AvgPrice != 4500.25 {
		t.Fatalf("position after entry = %+v", pos)
	}

	group, _ = brk.Get(groupID)
	pair, _ := oco.Get(group.ExitPairID)

	// 止盈腿成交，带手续费
	commission := 4.5
	l.ApplyFill(broker.FillEvent{OrderID: pair.SecondID, Symbol: "ES", Quantity: 2, FillPrice: 4510.0, Commission: commission, Timestamp: time.Now()})

	if _, ok := positions.Get("ES"); ok {
		t.Fatal("position should be closed")
	}
	want := (4510.0-4500.25)*2 - commission
	if math.Abs(closed.RealizedPnL-want) > 1e-9 {
		t.Errorf("realized pnl = %v, want %v", closed.RealizedPnL, want)
	}
	if got := fa.cancelCount(pair.FirstID); got != 1 {
		t.Errorf("stop leg canceled %d times, want exactly 1", got)
	}
}

// 市价入场在下单确认返回前就成交（实时网关的常见行为）：
// 出场对仍须挂出，成交后的仓位不能没有止损/止盈保护。
func TestBracketMarketEntryFilledInsidePlacement(t *testing.T) {
	l, fa, oco, brk := newBracketFixture()
	fa.onPlace = func(orderID string, req broker.OrderRequest) {
		if req.Kind == broker.Market {
			l.ApplyFill(fill(orderID, req.Quantity, 4500.25))
		}
	}

	groupID, err := brk.Place(context.Background(), "ES", broker.Buy, 2, 0, 4495.0, 4510.0)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}

	group, _ := brk.Get(groupID)
	if group.Status != BracketEntryFilled {
		t.Fatalf("status = %v, want ENTRY_FILLED (filled entry left unprotected)", group.Status)
	}
	if group.ExitPairID == "" {
		t.Fatal("exit pair not recorded")
	}
	if _, ok := oco.Get(group.ExitPairID); !ok {
		t.Error("exit pair missing from OCO registry")
	}

	if len(fa.placed) != 3 {
		t.Fatalf("broker orders = %d, want entry + stop + target", len(fa.placed))
	}
	stopReq, targetReq := fa.placed[1], fa.placed[2]
	if stopReq.Kind != broker.Stop || stopReq.StopPrice != 4495.0 || stopReq.Side != broker.Sell {
		t.Errorf("stop leg = %+v", stopReq)
	}
	if targetReq.Kind != broker.Limit || targetReq.Price != 4510.0 || targetReq.Side != broker.Sell {
		t.Errorf("target leg = %+v", targetReq)
	}
}
