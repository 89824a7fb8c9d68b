package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/infrastructure/logger"
	"futures-trader-go/internal/resilience"
	"futures-trader-go/order"
	"futures-trader-go/position"
	"futures-trader-go/posttrade"
	"futures-trader-go/risk"
	"futures-trader-go/sim"
)

// 本地端到端演示：模拟经纪商 + 括号单 + 止损管理，回放一段价格路径，
// 结束后打印成交、持仓与已实现盈亏。不连接任何外部服务。
func main() {
	symbol := flag.String("symbol", "ES", "合约代码")
	entry := flag.Float64("entry", 4500.0, "入场限价")
	stop := flag.Float64("stop", 4495.0, "止损价")
	target := flag.Float64("target", 4510.0, "止盈价")
	qty := flag.Int("qty", 2, "手数")
	tick := flag.Float64("tick", 0.25, "最小跳动价位")
	stepMs := flag.Int("stepMs", 20, "价格步进间隔毫秒")
	flag.Parse()

	adapter := sim.NewAdapter(sim.Config{
		Commission: 1.25,
		TickSizes:  map[string]float64{*symbol: *tick},
	})

	logg, err := logger.New(logger.Config{Level: "info", Format: "console", Outputs: []string{"stdout"}})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logg.Close()

	exec := resilience.NewExecutor(resilience.DefaultConfig())

	positions := position.NewLedger()
	ledger := order.NewLedger(adapter, exec, logg)
	ledger.AttachPositions(positions)

	ocoMgr := order.NewOCOManager(ledger, logg, nil)
	bracketMgr := order.NewBracketManager(ledger, ocoMgr, logg)

	stopMgr := risk.NewStopManager(adapter, exec, adapter, map[string]risk.SymbolParams{
		*symbol: {TickSize: *tick, BreakevenTicks: 8, TrailTicks: 4},
	}, 0)
	stopMgr.SetLogger(logg)

	// 成交回报直接驱动订单账本
	adapter.OnFill(ledger.ApplyFill)

	calc := posttrade.NewCalculator()
	ledger.OnFill(func(o order.Order, fill broker.FillEvent) {
		calc.Apply(fill.Symbol, o.Side, fill.Quantity, fill.FillPrice, fill.Commission)
		fmt.Printf("成交 %-10s %s %d @ %.2f\n", o.ID, o.Side, fill.Quantity, fill.FillPrice)
	})

	ctx := context.Background()
	adapter.SetPrice(*symbol, *entry+2**tick)

	groupID, err := bracketMgr.Place(ctx, *symbol, broker.Buy, *qty, *entry, *stop, *target)
	if err != nil {
		log.Fatalf("下括号单失败: %v", err)
	}
	fmt.Printf("括号单已提交: %s (entry=%.2f stop=%.2f target=%.2f)\n", groupID, *entry, *stop, *target)

	// 价格路径：回落触发入场，上行到止盈
	var steps []sim.Step
	for p := *entry + *tick; p >= *entry; p -= *tick {
		steps = append(steps, sim.Step{Symbol: *symbol, Price: p})
	}
	for p := *entry; p <= *target; p += *tick {
		steps = append(steps, sim.Step{Symbol: *symbol, Price: p})
	}

	feed := sim.NewFeed(adapter, steps, time.Duration(*stepMs)*time.Millisecond)
	feed.Start()
	feed.Wait()

	// 收尾前补一轮止损评估
	stopMgr.Tick(ctx)

	fmt.Println("\n==== 结果 ====")
	for _, p := range positions.All() {
		fmt.Printf("持仓 %s: %d @ %.2f\n", p.Symbol, p.Quantity, p.AvgPrice)
	}
	if len(positions.All()) == 0 {
		fmt.Println("持仓: 无（已全部平仓）")
	}
	for _, rep := range calc.Reports() {
		fmt.Printf("%s 已实现盈亏 %s，手续费 %s，成交 %d 笔\n",
			rep.Symbol, rep.RealizedPnL.StringFixed(2), rep.Commissions.StringFixed(2), rep.FillCount)
	}
	fmt.Printf("剩余挂单: %d\n", adapter.WorkingOrders())
}
