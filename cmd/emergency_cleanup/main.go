package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/config"
	"futures-trader-go/internal/resilience"
	"futures-trader-go/sim"

	"github.com/joho/godotenv"
)

// 紧急清场工具：查询经纪商全部持仓并逐个市价平掉。
// 守护进程失联或崩溃后手工兜底用，不读也不改本地账本。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件路径，不存在则跳过")
	dryRun := flag.Bool("dryRun", false, "只列出持仓，不实际平仓")
	paper := flag.Bool("paper", true, "纸面交易模式：使用内置模拟经纪商")
	flag.Parse()

	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("加载环境变量文件失败: %v", err)
		}
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	if !*paper {
		log.Fatal("实盘模式需要注入真实经纪商适配器")
	}
	tickSizes := make(map[string]float64)
	for symbol, sc := range cfg.Symbols {
		tickSizes[symbol] = sc.TickSize
	}
	var adapter broker.Adapter = sim.NewAdapter(sim.Config{TickSizes: tickSizes})

	exec := resilience.NewExecutor(resilience.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	fmt.Println("查询经纪商持仓...")
	var positions []broker.BrokerPosition
	err = exec.Execute(ctx, "get_positions", func(ctx context.Context) error {
		ps, err := adapter.GetPositions(ctx)
		if err != nil {
			return err
		}
		positions = ps
		return nil
	})
	if err != nil {
		log.Fatalf("查询持仓失败: %v", err)
	}

	if len(positions) == 0 {
		fmt.Println("没有持仓，无需清场")
		return
	}

	for _, p := range positions {
		fmt.Printf("持仓 %s: %d @ %.2f\n", p.Symbol, p.Quantity, p.AvgPrice)
	}
	if *dryRun {
		fmt.Println("dryRun 模式，未执行平仓")
		return
	}

	failed := 0
	for _, p := range positions {
		qty := p.Quantity
		if qty < 0 {
			qty = -qty
		}
		err := exec.Execute(ctx, "close_position", func(ctx context.Context) error {
			return adapter.ClosePosition(ctx, p.Symbol, qty)
		})
		if err != nil {
			failed++
			log.Printf("平仓失败 %s: %v", p.Symbol, err)
			continue
		}
		fmt.Printf("已提交市价平仓: %s %d 手\n", p.Symbol, qty)
	}

	remaining, err := adapter.GetPositions(ctx)
	if err != nil {
		log.Fatalf("复核持仓失败: %v", err)
	}
	fmt.Printf("\n清场完成，失败 %d 笔，剩余持仓 %d 个\n", failed, len(remaining))
	if failed > 0 {
		os.Exit(1)
	}
}
