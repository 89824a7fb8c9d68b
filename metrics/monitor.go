package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersPlaced   prometheus.Counter
	ordersCanceled prometheus.Counter
	ordersFilled   prometheus.Counter
	ordersRejected prometheus.Counter

	// 成交指标
	fillsTotal      prometheus.Counter
	contractsFilled prometheus.Counter

	// 事件总线指标
	droppedEvents prometheus.Gauge

	// 仓位指标
	openPositions prometheus.Gauge
	unrealizedPnL prometheus.Gauge
	realizedPnL   prometheus.Gauge

	// 弹性层指标
	retries      *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	breakerTrips prometheus.Counter

	// 对账指标
	reconcileCycles  prometheus.Counter
	discrepancies    *prometheus.CounterVec
	reconcileSkipped prometheus.Counter

	// 持仓管理指标
	stopModifications prometheus.Counter
	timeExits         prometheus.Counter

	// 系统指标
	wsConnections prometheus.Counter
	wsDisconnects prometheus.Counter
	brokerCalls   *prometheus.CounterVec
	brokerErrors  *prometheus.CounterVec
	brokerLatency *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "ft",
		Subsystem: "trading",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()

	// 创建factory
	factory := promauto.With(reg)

	m := &Monitor{
		registry: reg,

		// 订单指标
		ordersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_placed_total",
			Help:      "订单下单总数",
		}),
		ordersCanceled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_canceled_total",
			Help:      "订单撤单总数",
		}),
		ordersFilled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_filled_total",
			Help:      "订单完全成交总数",
		}),
		ordersRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_rejected_total",
			Help:      "订单拒绝总数",
		}),

		// 成交指标
		fillsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fills_total",
			Help:      "成交回报总数",
		}),
		contractsFilled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "contracts_filled_total",
			Help:      "累计成交手数",
		}),

		// 事件总线指标
		droppedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "order_events_dropped",
			Help:      "因订阅者缓冲满被丢弃的订单事件数",
		}),

		// 仓位指标
		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "open_positions",
			Help:      "当前持仓品种数",
		}),
		unrealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "unrealized_pnl",
			Help:      "未实现盈亏",
		}),
		realizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "realized_pnl",
			Help:      "已实现盈亏",
		}),

		// 弹性层指标
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "retries_total",
				Help:      "经纪商调用重试总数",
			},
			[]string{"operation"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "breaker_state",
				Help:      "熔断器状态(0=闭合,1=断开,2=半开)",
			},
			[]string{"operation"},
		),
		breakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "breaker_trips_total",
			Help:      "熔断器断开次数",
		}),

		// 对账指标
		reconcileCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_cycles_total",
			Help:      "对账轮次总数",
		}),
		discrepancies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "reconcile_discrepancies_total",
				Help:      "对账差异总数",
			},
			[]string{"kind"},
		),
		reconcileSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_skipped_total",
			Help:      "因断线跳过的对账轮次",
		}),

		// 持仓管理指标
		stopModifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "stop_modifications_total",
			Help:      "止损修改总数",
		}),
		timeExits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "time_exits_total",
			Help:      "超时平仓总数",
		}),

		// 系统指标
		wsConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_connections_total",
			Help:      "WebSocket连接次数",
		}),
		wsDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_disconnects_total",
			Help:      "WebSocket断开次数",
		}),
		brokerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "broker_calls_total",
				Help:      "经纪商接口调用总数",
			},
			[]string{"action"},
		),
		brokerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "broker_errors_total",
				Help:      "经纪商接口错误总数",
			},
			[]string{"action"},
		),
		brokerLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "broker_latency_seconds",
				Help:      "经纪商接口延迟（秒）",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}

	return m
}

// 订单相关方法
func (m *Monitor) RecordOrderPlaced() {
	m.ordersPlaced.Inc()
}

func (m *Monitor) RecordOrderCanceled() {
	m.ordersCanceled.Inc()
}

func (m *Monitor) RecordOrderFilled() {
	m.ordersFilled.Inc()
}

func (m *Monitor) RecordOrderRejected() {
	m.ordersRejected.Inc()
}

// 成交相关方法
func (m *Monitor) RecordFill(contracts int) {
	m.fillsTotal.Inc()
	m.contractsFilled.Add(float64(contracts))
}

func (m *Monitor) UpdateDroppedEvents(n int64) {
	m.droppedEvents.Set(float64(n))
}

// 仓位相关方法
func (m *Monitor) UpdateOpenPositions(count int) {
	m.openPositions.Set(float64(count))
}

func (m *Monitor) UpdateUnrealizedPnL(value float64) {
	m.unrealizedPnL.Set(value)
}

func (m *Monitor) UpdateRealizedPnL(value float64) {
	m.realizedPnL.Set(value)
}

// 弹性层相关方法
func (m *Monitor) RecordRetry(operation string) {
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Monitor) UpdateBreakerState(operation string, state int) {
	m.breakerState.WithLabelValues(operation).Set(float64(state))
}

func (m *Monitor) RecordBreakerTrip() {
	m.breakerTrips.Inc()
}

// 对账相关方法
func (m *Monitor) RecordReconcileCycle() {
	m.reconcileCycles.Inc()
}

func (m *Monitor) RecordDiscrepancy(kind string) {
	m.discrepancies.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordReconcileSkipped() {
	m.reconcileSkipped.Inc()
}

// 持仓管理相关方法
func (m *Monitor) RecordStopModification() {
	m.stopModifications.Inc()
}

func (m *Monitor) RecordTimeExit() {
	m.timeExits.Inc()
}

// 系统相关方法
func (m *Monitor) RecordWSConnection() {
	m.wsConnections.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	m.wsDisconnects.Inc()
}

func (m *Monitor) RecordBrokerCall(action string) {
	m.brokerCalls.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordBrokerError(action string) {
	m.brokerErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordBrokerLatency(action string, seconds float64) {
	m.brokerLatency.WithLabelValues(action).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
