package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futures-trader-go/config"
	"futures-trader-go/internal/container"
	"futures-trader-go/sim"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
)

// 交易守护进程：装配容器并常驻运行，支持 systemd 就绪通知与看门狗。
// 经纪商凭据通过 .env 或环境变量（FT_BROKER_*）注入，不写进配置文件。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件路径，不存在则跳过")
	paper := flag.Bool("paper", true, "纸面交易模式：使用内置模拟经纪商")
	flag.Parse()

	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("加载环境变量文件失败: %v", err)
		}
	}

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("初始化容器失败: %v", err)
	}

	// 目前仅内置模拟经纪商；真实经纪商适配器实现 broker.Adapter
	// 后从这里注入。实盘模式要求凭据与接入地址齐全。
	if !*paper {
		if err := config.ValidateParams(*c.Config()); err != nil {
			log.Fatalf("配置校验失败: %v", err)
		}
		log.Fatal("实盘模式需要注入真实经纪商适配器")
	}
	tickSizes := make(map[string]float64)
	commission := 0.0
	for symbol, sc := range c.Config().Symbols {
		tickSizes[symbol] = sc.TickSize
		commission = sc.Commission
	}
	c.SetAdapter(sim.NewAdapter(sim.Config{
		Commission: commission,
		TickSizes:  tickSizes,
	}))

	if err := c.Build(); err != nil {
		log.Fatalf("构建组件失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	stopWatchdog := startWatchdog(c)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	c.Logger().Info("received signal, shutting down: " + sig.String())

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopWatchdog()
	cancel()

	if err := c.Stop(); err != nil {
		log.Fatalf("停止失败: %v", err)
	}
}

// startWatchdog 按 systemd 要求的半周期喂狗，健康检查失败时停喂，
// 由 systemd 负责重启。未启用看门狗时什么都不做。
func startWatchdog(c *container.Container) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}

	stopChan := make(chan struct{})
	doneChan := make(chan struct{})

	go func() {
		defer close(doneChan)
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stopChan:
				return
			case <-ticker.C:
				if err := c.HealthCheck(); err != nil {
					c.Logger().LogError(err, map[string]interface{}{"component": "watchdog"})
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()

	return func() {
		close(stopChan)
		<-doneChan
	}
}
