package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/internal/resilience"
	"futures-trader-go/position"
)

type fakeAdapter struct {
	mu        sync.Mutex
	connected bool
	positions []broker.BrokerPosition
	failFetch bool
	fetches   int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{connected: true}
}

func (f *fakeAdapter) setPositions(ps []broker.BrokerPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = ps
}

func (f *fakeAdapter) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) GetPositions(ctx context.Context) ([]broker.BrokerPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failFetch {
		return nil, broker.Retriable("get_positions", errors.New("timeout"))
	}
	out := make([]broker.BrokerPosition, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (f *fakeAdapter) ModifyOrder(ctx context.Context, orderID string, quantity int, price float64) error {
	return nil
}
func (f *fakeAdapter) ModifyStop(ctx context.Context, orderID string, stopPrice float64) error {
	return nil
}
func (f *fakeAdapter) ModifyTakeProfit(ctx context.Context, orderID string, targetPrice float64) error {
	return nil
}
func (f *fakeAdapter) ClosePosition(ctx context.Context, symbol string, quantity int) error {
	return nil
}

type fakeEmergency struct {
	mu     sync.Mutex
	alerts []StuckPositionAlert
	err    error
}

func (f *fakeEmergency) HandleStuckPosition(ctx context.Context, alert StuckPositionAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return f.err
}

func (f *fakeEmergency) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func newTestExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		MaxRetries:       2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Second,
		CallTimeout:      time.Second,
	})
}

func newTestReconciler(t *testing.T) (*Reconciler, *fakeAdapter, *position.Ledger) {
	t.Helper()
	fa := newFakeAdapter()
	ledger := position.NewLedger()
	cfg := DefaultConfig()
	cfg.IncidentLog = false
	r := New(cfg, fa, newTestExecutor(), ledger)
	return r, fa, ledger
}

func TestCleanCycleNoDiscrepancies(t *testing.T) {
	r, fa, ledger := newTestReconciler(t)
	ledger.ApplyFill("ES", broker.Buy, 2, 4500.0, 0, time.Now())
	fa.setPositions([]broker.BrokerPosition{
		{Symbol: "ES", Quantity: 2, AvgPrice: 4500.0, Side: broker.Buy},
	})

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if !result.Clean() {
		t.Errorf("expected clean result, got %d discrepancies", len(result.Discrepancies))
	}
	if result.BrokerPositions != 1 || result.LedgerPositions != 1 {
		t.Errorf("unexpected counts: broker=%d ledger=%d", result.BrokerPositions, result.LedgerPositions)
	}
}

// 经纪商报告账本不知道的持仓：上报紧急处置方，账本保持不变。
func TestGhostPositionHandedOff(t *testing.T) {
	r, fa, ledger := newTestReconciler(t)
	emergency := &fakeEmergency{}
	r.SetEmergencyExit(emergency)
	r.SetPriceSource(broker.PriceFunc(func(symbol string) float64 { return 4510.0 }))

	fa.setPositions([]broker.BrokerPosition{
		{Symbol: "MNQ", Quantity: 3, AvgPrice: 18000.0, Side: broker.Buy},
	})

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(result.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", len(result.Discrepancies))
	}
	d := result.Discrepancies[0]
	if d.Kind != BrokerOnly {
		t.Errorf("kind = %s, want %s", d.Kind, BrokerOnly)
	}
	if d.Resolution != "handed off" {
		t.Errorf("resolution = %q, want %q", d.Resolution, "handed off")
	}

	if emergency.count() != 1 {
		t.Fatalf("emergency called %d times, want 1", emergency.count())
	}
	got := emergency.alerts[0]
	if got.Symbol != "MNQ" || got.Quantity != 3 {
		t.Errorf("alert = %+v", got)
	}
	if got.Classification != "GhostPosition" {
		t.Errorf("classification = %q, want GhostPosition", got.Classification)
	}
	if got.Side != broker.Buy {
		t.Errorf("side = %s, want BUY", got.Side)
	}
	if got.CurrentPrice != 4510.0 {
		t.Errorf("current price = %v, want 4510", got.CurrentPrice)
	}

	// 账本仍然不知道这个持仓
	if _, tracked := ledger.Get("MNQ"); tracked {
		t.Error("ghost position must not be written into the ledger")
	}
}

func TestGhostShortSide(t *testing.T) {
	r, fa, _ := newTestReconciler(t)
	emergency := &fakeEmergency{}
	r.SetEmergencyExit(emergency)

	fa.setPositions([]broker.BrokerPosition{
		{Symbol: "NQ", Quantity: -2, AvgPrice: 15000.0, Side: broker.Sell},
	})

	if _, err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if emergency.count() != 1 {
		t.Fatalf("emergency called %d times, want 1", emergency.count())
	}
	if emergency.alerts[0].Side != broker.Sell {
		t.Errorf("side = %s, want SELL", emergency.alerts[0].Side)
	}
}

// 处置失败不影响本轮其余修复，下一轮会再次发现同一幽灵仓。
func TestGhostHandlerFailureDoesNotAbortCycle(t *testing.T) {
	r, fa, ledger := newTestReconciler(t)
	emergency := &fakeEmergency{err: errors.New("close rejected")}
	r.SetEmergencyExit(emergency)

	ledger.ApplyFill("ES", broker.Buy, 1, 4500.0, 0, time.Now())
	fa.setPositions([]broker.BrokerPosition{
		{Symbol: "MNQ", Quantity: 1, AvgPrice: 18000.0, Side: broker.Buy},
		{Symbol: "ES", Quantity: 3, AvgPrice: 4500.0, Side: broker.Buy},
	})

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(result.Discrepancies) != 2 {
		t.Fatalf("expected 2 discrepancies, got %d", len(result.Discrepancies))
	}
	// 数量不一致仍然被修正
	if pos, _ := ledger.Get("ES"); pos.Quantity != 3 {
		t.Errorf("ES quantity = %d, want 3", pos.Quantity)
	}

	if _, err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle failed: %v", err)
	}
	if emergency.count() != 2 {
		t.Errorf("emergency called %d times across two cycles, want 2", emergency.count())
	}
}

// 账本有仓而经纪商没有：清除本地记录并通知归零回调。
func TestPhantomPositionCleared(t *testing.T) {
	r, fa, ledger := newTestReconciler(t)

	var closedSymbol string
	var closedReason position.CloseReason
	ledger.OnClose(func(symbol string, last position.Position, reason position.CloseReason) {
		closedSymbol = symbol
		closedReason = reason
	})
	ledger.ApplyFill("ES", broker.Buy, 2, 4500.0, 0, time.Now())
	fa.setPositions(nil)

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(result.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", len(result.Discrepancies))
	}
	d := result.Discrepancies[0]
	if d.Kind != LedgerOnly || d.Resolution != "cleared" {
		t.Errorf("discrepancy = %+v", d)
	}
	if _, tracked := ledger.Get("ES"); tracked {
		t.Error("phantom position still tracked after cycle")
	}
	if closedSymbol != "ES" || closedReason != position.CloseByReconcile {
		t.Errorf("close callback: symbol=%q reason=%q", closedSymbol, closedReason)
	}
}

func TestQuantityMismatchSyncedToBroker(t *testing.T) {
	r, fa, ledger := newTestReconciler(t)
	ledger.ApplyFill("ES", broker.Buy, 2, 4500.0, 0, time.Now())
	fa.setPositions([]broker.BrokerPosition{
		{Symbol: "ES", Quantity: 5, AvgPrice: 4502.0, Side: broker.Buy},
	})

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(result.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", len(result.Discrepancies))
	}
	d := result.Discrepancies[0]
	if d.Kind != QuantityMismatch || d.Resolution != "synced to broker" {
		t.Errorf("discrepancy = %+v", d)
	}
	pos, _ := ledger.Get("ES")
	if pos.Quantity != 5 || pos.AvgPrice != 4502.0 {
		t.Errorf("position after sync = %+v", pos)
	}
}

// 对账是幂等的：修复后立即再跑一轮，应无差异。
func TestReconcileIdempotent(t *testing.T) {
	r, fa, ledger := newTestReconciler(t)
	ledger.ApplyFill("ES", broker.Buy, 2, 4500.0, 0, time.Now())
	ledger.ApplyFill("NQ", broker.Buy, 1, 15000.0, 0, time.Now())
	fa.setPositions([]broker.BrokerPosition{
		{Symbol: "ES", Quantity: 4, AvgPrice: 4501.0, Side: broker.Buy},
	})

	first, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if len(first.Discrepancies) != 2 {
		t.Fatalf("first cycle: expected 2 discrepancies, got %d", len(first.Discrepancies))
	}

	second, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if !second.Clean() {
		t.Errorf("second cycle not clean: %+v", second.Discrepancies)
	}
}

func TestSkipWhenDisconnected(t *testing.T) {
	r, fa, _ := newTestReconciler(t)
	fa.mu.Lock()
	fa.connected = false
	fa.mu.Unlock()

	_, err := r.RunCycle(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if fa.fetches != 0 {
		t.Errorf("fetches = %d, want 0", fa.fetches)
	}
	if r.GetStats().TotalCycles != 0 {
		t.Error("skipped cycle must not count in stats")
	}
}

// 拉取失败时本轮放弃，账本不做任何改动。
func TestFetchFailureAbortsCycle(t *testing.T) {
	r, fa, ledger := newTestReconciler(t)
	ledger.ApplyFill("ES", broker.Buy, 2, 4500.0, 0, time.Now())
	fa.mu.Lock()
	fa.failFetch = true
	fa.mu.Unlock()

	_, err := r.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected error on fetch failure")
	}
	if pos, tracked := ledger.Get("ES"); !tracked || pos.Quantity != 2 {
		t.Errorf("ledger mutated on failed fetch: %+v", pos)
	}
}

func TestHistoryBounded(t *testing.T) {
	fa := newFakeAdapter()
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	cfg.IncidentLog = false
	r := New(cfg, fa, newTestExecutor(), position.NewLedger())

	for i := 0; i < 10; i++ {
		if _, err := r.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
	}
	if got := len(r.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
	if r.GetStats().TotalCycles != 10 {
		t.Errorf("total cycles = %d, want 10", r.GetStats().TotalCycles)
	}
}

func TestIncidentFileWritten(t *testing.T) {
	fa := newFakeAdapter()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.IncidentDir = dir
	r := New(cfg, fa, newTestExecutor(), position.NewLedger())

	fa.setPositions([]broker.BrokerPosition{
		{Symbol: "ES", Quantity: 1, AvgPrice: 4500.0, Side: broker.Buy},
	})

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if result.Clean() {
		t.Fatal("expected a discrepancy")
	}

	files, err := filepath.Glob(filepath.Join(dir, "reconcile_*.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("incident files = %v (err %v), want exactly 1", files, err)
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read incident file: %v", err)
	}
	var loaded Result
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("incident file is not valid JSON: %v", err)
	}
	if len(loaded.Discrepancies) != 1 || loaded.Discrepancies[0].Symbol != "ES" {
		t.Errorf("loaded result = %+v", loaded)
	}
}

func TestCleanCycleWritesNoIncident(t *testing.T) {
	fa := newFakeAdapter()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.IncidentDir = dir
	r := New(cfg, fa, newTestExecutor(), position.NewLedger())

	if _, err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	if len(files) != 0 {
		t.Errorf("clean cycle wrote incident files: %v", files)
	}
}

func TestStartStop(t *testing.T) {
	fa := newFakeAdapter()
	cfg := DefaultConfig()
	cfg.StartupDelay = 5 * time.Millisecond
	cfg.Interval = 5 * time.Millisecond
	cfg.IncidentLog = false
	r := New(cfg, fa, newTestExecutor(), position.NewLedger())

	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	if r.GetStats().TotalCycles == 0 {
		t.Error("no cycles ran while started")
	}
	// Stop 之后不再运行
	after := r.GetStats().TotalCycles
	time.Sleep(20 * time.Millisecond)
	if r.GetStats().TotalCycles != after {
		t.Error("cycles continued after Stop")
	}
}

// Stop 后可再次 Start：通道每次启动重建，重启不 panic 且周期继续累计。
func TestStartStopRestart(t *testing.T) {
	fa := newFakeAdapter()
	cfg := DefaultConfig()
	cfg.StartupDelay = 5 * time.Millisecond
	cfg.Interval = 5 * time.Millisecond
	cfg.IncidentLog = false
	r := New(cfg, fa, newTestExecutor(), position.NewLedger())

	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop() // 重复 Stop 应为空操作

	before := r.GetStats().TotalCycles
	if before == 0 {
		t.Fatal("no cycles ran before restart")
	}

	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	if r.GetStats().TotalCycles <= before {
		t.Error("no cycles ran after restart")
	}
}
