package container

import (
	"context"
	"fmt"
	"os"
	"time"

	"futures-trader-go/broker"
	"futures-trader-go/config"
	"futures-trader-go/infrastructure/alert"
	"futures-trader-go/infrastructure/logger"
	hotcfg "futures-trader-go/internal/config"
	"futures-trader-go/internal/engine"
	"futures-trader-go/internal/resilience"
	"futures-trader-go/metrics"
	"futures-trader-go/order"
	"futures-trader-go/position"
	"futures-trader-go/reconcile"
	"futures-trader-go/risk"
)

// Container 依赖注入容器，管理所有组件的生命周期。
// 经纪商适配器由上层注入：容器只依赖 broker.Adapter 抽象，
// 具体接哪家经纪商由各 cmd 决定。
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string
	reloader   *hotcfg.HotReloader

	// 基础设施
	logger  *logger.Logger
	monitor *metrics.Monitor
	alerts  *alert.Manager

	// 经纪商接入
	adapter    broker.Adapter
	rawAdapter broker.Adapter // 限速包装前的原始适配器
	prices     broker.PriceSource
	fillStream *broker.FillStream
	exec       *resilience.Executor

	// 核心服务
	orderLedger *order.Ledger
	positions   *position.Ledger
	ocoMgr      *order.OCOManager
	bracketMgr  *order.BracketManager
	icebergMgr  *order.IcebergManager
	stopMgr     *risk.StopManager
	reconciler  *reconcile.Reconciler
	engine      *engine.TradingEngine

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	return &Container{
		cfg:        &cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}, nil
}

// SetAdapter 注入经纪商适配器，必须在 Build 之前调用。
// 若适配器同时实现 broker.PriceSource 且未单独注入行情来源，
// 则兼作行情来源。
func (c *Container) SetAdapter(a broker.Adapter) {
	c.adapter = a
	c.rawAdapter = a
	if c.prices == nil {
		if p, ok := a.(broker.PriceSource); ok {
			c.prices = p
		}
	}
}

// SetPriceSource 注入行情价格来源
func (c *Container) SetPriceSource(p broker.PriceSource) { c.prices = p }

// Build 构建所有组件
func (c *Container) Build() error {
	if c.adapter == nil {
		return fmt.Errorf("broker adapter not set, call SetAdapter before Build")
	}

	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildBroker(); err != nil {
		return fmt.Errorf("build broker failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	if err := c.buildReloader(); err != nil {
		return fmt.Errorf("build hot reloader failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	logCfg := logger.Config{
		Level:      c.cfg.Log.Level,
		Format:     c.cfg.Log.Format,
		Outputs:    c.cfg.Log.Outputs,
		OutputFile: c.cfg.Log.OutputFile,
		ErrorFile:  c.cfg.Log.ErrorFile,
	}

	var err error
	c.logger, err = logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = metrics.New(metrics.DefaultConfig())

	var channels []alert.Channel
	for _, name := range c.cfg.Alert.Channels {
		switch name {
		case "console":
			channels = append(channels, alert.NewConsoleChannel("console"))
		case "log":
			channels = append(channels, alert.NewLogChannel("log", os.Stderr))
		default:
			return fmt.Errorf("unknown alert channel: %s", name)
		}
	}
	throttle := time.Duration(c.cfg.Alert.ThrottleIntervalSec) * time.Second
	c.alerts = alert.NewManager(channels, throttle)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildBroker() error {
	if c.cfg.Broker.RateLimitPerSec > 0 {
		c.adapter = broker.NewRateLimitedAdapter(c.adapter, c.cfg.Broker.RateLimitPerSec, c.cfg.Broker.RateLimitBurst)
	}

	c.exec = resilience.NewExecutor(resilience.Config{
		MaxRetries:       c.cfg.Resilience.MaxRetries,
		BaseDelay:        time.Duration(c.cfg.Resilience.BaseDelayMs) * time.Millisecond,
		MaxDelay:         time.Duration(c.cfg.Resilience.MaxDelayMs) * time.Millisecond,
		BreakerThreshold: c.cfg.Resilience.BreakerThreshold,
		BreakerCooldown:  time.Duration(c.cfg.Resilience.BreakerCooldownSec) * time.Second,
		CallTimeout:      time.Duration(c.cfg.Resilience.CallTimeoutSec) * time.Second,
	})
	c.exec.OnCall(func(operation string, elapsed time.Duration, err error) {
		c.monitor.RecordBrokerCall(operation)
		c.monitor.RecordBrokerLatency(operation, elapsed.Seconds())
		if err != nil {
			c.monitor.RecordBrokerError(operation)
		}
	})
	c.exec.OnRetry(func(operation string, attempt int, err error) {
		c.monitor.RecordRetry(operation)
		c.logger.LogError(err, map[string]interface{}{
			"event":     "retry",
			"operation": operation,
			"attempt":   attempt,
		})
	})
	c.exec.OnStateChange(func(operation string, from, to resilience.State) {
		c.monitor.UpdateBreakerState(operation, int(to))
		if to == resilience.StateOpen {
			c.monitor.RecordBreakerTrip()
		}
		c.logger.Logger.Warn(fmt.Sprintf("熔断器状态变化 [%s] %s -> %s", operation, from, to))
	})

	if c.cfg.Broker.StreamURL != "" {
		c.fillStream = broker.NewFillStream(c.cfg.Broker.StreamURL, nil)
	}

	c.logger.Info("broker layer built")
	return nil
}

func (c *Container) buildCoreServices() error {
	c.positions = position.NewLedger()

	c.orderLedger = order.NewLedger(c.adapter, c.exec, c.logger)
	c.orderLedger.AttachPositions(c.positions)
	c.orderLedger.SetConfigSnapshot(fmt.Sprintf("%s-%d", c.cfg.Env, time.Now().Unix()))
	go c.consumeOrderEvents(c.orderLedger.Bus().Subscribe())

	if c.cfg.Features.OCO {
		c.ocoMgr = order.NewOCOManager(c.orderLedger, c.logger, c.alerts)
	}
	if c.cfg.Features.Bracket {
		if c.ocoMgr == nil {
			return fmt.Errorf("bracket orders require the oco feature")
		}
		c.bracketMgr = order.NewBracketManager(c.orderLedger, c.ocoMgr, c.logger)
	}
	if c.cfg.Features.Iceberg {
		c.icebergMgr = order.NewIcebergManager(c.orderLedger, c.logger)
	}

	stopParams := make(map[string]risk.SymbolParams)
	for sym, sc := range c.cfg.Symbols {
		stopParams[sym] = risk.SymbolParams{
			TickSize:       sc.TickSize,
			BreakevenTicks: sc.Risk.BreakevenTicks,
			TrailTicks:     sc.Risk.TrailTicks,
			MaxHold:        sc.Risk.MaxHold(),
		}
	}
	c.stopMgr = risk.NewStopManager(c.adapter, c.exec, c.prices, stopParams, c.cfg.Risk.StopInterval())
	c.stopMgr.SetLogger(c.logger)
	c.stopMgr.SetMonitor(c.monitor)

	reconCfg := reconcile.Config{
		Interval:     time.Duration(c.cfg.Reconcile.IntervalSec) * time.Second,
		StartupDelay: time.Duration(c.cfg.Reconcile.StartupDelaySec) * time.Second,
		HistorySize:  c.cfg.Reconcile.HistorySize,
		IncidentDir:  c.cfg.Reconcile.IncidentDir,
		IncidentLog:  c.cfg.Reconcile.IncidentLog,
	}
	c.reconciler = reconcile.New(reconCfg, c.adapter, c.exec, c.positions)
	c.reconciler.SetLogger(c.logger)
	c.reconciler.SetAlerts(c.alerts)
	c.reconciler.SetPriceSource(c.prices)
	c.reconciler.SetMonitor(c.monitor)

	flattener := risk.NewEmergencyFlattener(c.adapter, c.exec)
	flattener.SetLogger(c.logger)
	flattener.SetAlerts(c.alerts)
	c.reconciler.SetEmergencyExit(flattener)

	// 回报来源优先用 WebSocket 流；未配置流地址时，若适配器自身
	// 能产生回报（模拟经纪商）则直接用适配器。
	var fillSource broker.FillSource
	if c.fillStream != nil {
		fillSource = c.fillStream
	} else if fs, ok := c.rawAdapter.(broker.FillSource); ok {
		fillSource = fs
	}

	var err error
	c.engine, err = engine.New(engine.Config{
		TickInterval:    time.Duration(c.cfg.Risk.StopIntervalSec) * time.Second,
		EnableReconcile: true,
		EnableStops:     true,
		Symbols:         c.cfg.Symbols,
	}, engine.Components{
		Adapter:      c.adapter,
		OrderLedger:  c.orderLedger,
		Positions:    c.positions,
		StopManager:  c.stopMgr,
		Reconciler:   c.reconciler,
		FillStream:   fillSource,
		Prices:       c.prices,
		AlertManager: c.alerts,
		Logger:       c.logger,
		Monitor:      c.monitor,
	})
	if err != nil {
		return fmt.Errorf("create engine failed: %w", err)
	}

	c.logger.Info("core services built")
	return nil
}

// buildReloader 监听配置文件变化，校验通过后把各品种风险参数
// 热应用到止损管理器。其余配置项仍需重启生效。
func (c *Container) buildReloader() error {
	reloader, err := hotcfg.NewHotReloader(c.configPath, hotcfg.DefaultHotReloadConfig())
	if err != nil {
		return err
	}
	reloader.RegisterValidator("resilience", &hotcfg.ResilienceParameterValidator{})
	reloader.RegisterValidator("risk", &hotcfg.RiskParameterValidator{})
	reloader.RegisterValidator("alert", &hotcfg.AlertParameterValidator{})

	reloader.SetReloadHandler(func(_ interface{}) error {
		newCfg, err := config.LoadWithEnvOverrides(c.configPath)
		if err != nil {
			return fmt.Errorf("reload config failed: %w", err)
		}
		for symbol, sc := range newCfg.Symbols {
			c.stopMgr.UpdateParams(symbol, risk.SymbolParams{
				TickSize:       sc.TickSize,
				BreakevenTicks: sc.Risk.BreakevenTicks,
				TrailTicks:     sc.Risk.TrailTicks,
				MaxHold:        sc.Risk.MaxHold(),
			})
		}
		c.logger.Info(fmt.Sprintf("配置已热更新，风险参数覆盖 %d 个品种", len(newCfg.Symbols)))
		return nil
	})

	c.reloader = reloader
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.Metrics.Enabled {
		addr := c.cfg.Metrics.ListenAddr
		if addr == "" {
			addr = ":9100"
		}
		c.lifecycle.Register("metrics_server", &httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    addr,
			logger:  c.logger,
		})
	}

	if c.reloader != nil {
		c.lifecycle.Register("config_reloader", &reloaderComponent{reloader: c.reloader})
	}

	c.lifecycle.Register("trading_engine", &engineComponent{engine: c.engine})
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 停止所有组件并做安全清场：撤销全部挂单、市价平掉全部持仓。
// 清场直接走经纪商适配器，不依赖已停止的引擎。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ord := range c.orderLedger.Active() {
		if !c.orderLedger.Cancel(ctx, ord.ID) {
			c.logger.Logger.Warn(fmt.Sprintf("撤单失败 %s (%s)", ord.ID, ord.Symbol))
		}
	}

	brokerPositions, err := c.adapter.GetPositions(ctx)
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "shutdown_get_positions"})
	} else {
		for _, p := range brokerPositions {
			if p.Quantity == 0 {
				continue
			}
			qty := p.Quantity
			if qty < 0 {
				qty = -qty
			}
			if err := c.adapter.ClosePosition(ctx, p.Symbol, qty); err != nil {
				c.logger.LogError(err, map[string]interface{}{"action": "flatten", "symbol": p.Symbol, "qty": qty})
			} else {
				c.logger.Logger.Info(fmt.Sprintf("[%s] 已提交市价平仓，数量 %d", p.Symbol, qty))
			}
		}
	}

	if c.logger != nil {
		c.logger.Close()
	}

	return nil
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Config 返回加载的配置
func (c *Container) Config() *config.AppConfig { return c.cfg }

// Engine 返回交易引擎
func (c *Container) Engine() *engine.TradingEngine { return c.engine }

// Logger 返回日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// OrderLedger 返回订单账本
func (c *Container) OrderLedger() *order.Ledger { return c.orderLedger }

// Positions 返回持仓账本
func (c *Container) Positions() *position.Ledger { return c.positions }

// OCO 返回 OCO 管理器，未启用时为 nil
func (c *Container) OCO() *order.OCOManager { return c.ocoMgr }

// Bracket 返回括号单管理器，未启用时为 nil
func (c *Container) Bracket() *order.BracketManager { return c.bracketMgr }

// Iceberg 返回冰山单管理器，未启用时为 nil
func (c *Container) Iceberg() *order.IcebergManager { return c.icebergMgr }

// consumeOrderEvents 把订单事件总线转成 Prometheus 指标
func (c *Container) consumeOrderEvents(ch <-chan order.Event) {
	for ev := range ch {
		switch ev.Type {
		case order.EventPlaced:
			c.monitor.RecordOrderPlaced()
		case order.EventFilled:
			c.monitor.RecordOrderFilled()
		case order.EventRejected:
			c.monitor.RecordOrderRejected()
		case order.EventCanceled:
			c.monitor.RecordOrderCanceled()
		}
	}
}

// reloaderComponent 把配置热更新器接入生命周期管理
type reloaderComponent struct {
	reloader *hotcfg.HotReloader
}

func (r *reloaderComponent) Start(ctx context.Context) error { return r.reloader.Start(ctx) }

func (r *reloaderComponent) Stop() error { return r.reloader.Stop() }

func (r *reloaderComponent) Health() error { return nil }

// engineComponent 把交易引擎接入生命周期管理
type engineComponent struct {
	engine *engine.TradingEngine
}

func (e *engineComponent) Start(ctx context.Context) error { return e.engine.Start(ctx) }

func (e *engineComponent) Stop() error { return e.engine.Stop() }

func (e *engineComponent) Health() error {
	if e.engine.GetState() != engine.StateRunning {
		return fmt.Errorf("engine not running")
	}
	return nil
}
