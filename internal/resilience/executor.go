// Package resilience 为所有经纪商调用提供重试 + 熔断保护。
// 每个操作名维护独立的熔断器；错误的可重试性由 broker 层判定一次，
// 本层不再根据错误内容推断。
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"futures-trader-go/broker"
)

// Config 执行器配置
type Config struct {
	MaxRetries       int           // 每次 Execute 最多尝试次数
	BaseDelay        time.Duration // 退避基础延迟
	MaxDelay         time.Duration // 退避延迟上限
	BreakerThreshold int           // 连续失败多少次触发熔断
	BreakerCooldown  time.Duration // 熔断后冷却时间
	CallTimeout      time.Duration // 单次调用超时
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

// StateChangeFunc 熔断状态转换回调（日志/指标订阅）
type StateChangeFunc func(operation string, from, to State)

// Executor 弹性执行器
type Executor struct {
	cfg Config

	breakers sync.Map // operation name -> *breaker

	mu            sync.RWMutex
	onStateChange StateChangeFunc
	onRetry       func(operation string, attempt int, err error)
	onCall        func(operation string, elapsed time.Duration, err error)
}

// NewExecutor 创建执行器
func NewExecutor(cfg Config) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return &Executor{cfg: cfg}
}

// OnStateChange 注册熔断状态转换回调
func (e *Executor) OnStateChange(fn StateChangeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStateChange = fn
}

// OnRetry 注册重试回调（每次可重试失败后触发）
func (e *Executor) OnRetry(fn func(operation string, attempt int, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRetry = fn
}

// OnCall 注册单次调用回调（每次实际调用经纪商后触发，含耗时与结果）
func (e *Executor) OnCall(fn func(operation string, elapsed time.Duration, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCall = fn
}

// Execute 在熔断与重试保护下执行 fn。
// 可重试失败按指数退避重试；不可重试失败立即中止；熔断打开时
// 返回 *CircuitOpenError 且不调用 fn。
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	br := e.breakerFor(operation)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if _, err := br.allow(); err != nil {
			return err
		}

		start := time.Now()
		err := e.invoke(ctx, fn)
		e.notifyCall(operation, time.Since(start), err)
		if err == nil {
			if from, to, changed := br.onSuccess(); changed {
				e.notifyState(operation, from, to)
			}
			return nil
		}

		if !broker.IsRetriable(err) {
			// 不可重试：立即中止，不计入熔断。请求到达了经纪商，
			// 说明链路本身是通的。
			br.onFatal()
			return fmt.Errorf("%s failed: %w", operation, err)
		}

		lastErr = err
		if from, to, changed := br.onFailure(); changed {
			e.notifyState(operation, from, to)
		}
		e.notifyRetry(operation, attempt, err)

		if attempt < e.cfg.MaxRetries {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return fmt.Errorf("%s aborted during backoff: %w", operation, err)
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, e.cfg.MaxRetries, lastErr)
}

// invoke 应用单次调用超时
func (e *Executor) invoke(ctx context.Context, fn func(context.Context) error) error {
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// backoff 计算第 attempt 次失败后的退避延迟：指数翻倍 + ±20% 抖动，封顶 MaxDelay。
func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) breakerFor(operation string) *breaker {
	if v, ok := e.breakers.Load(operation); ok {
		return v.(*breaker)
	}
	v, _ := e.breakers.LoadOrStore(operation,
		newBreaker(operation, e.cfg.BreakerThreshold, e.cfg.BreakerCooldown))
	return v.(*breaker)
}

func (e *Executor) notifyState(operation string, from, to State) {
	e.mu.RLock()
	fn := e.onStateChange
	e.mu.RUnlock()
	if fn != nil {
		fn(operation, from, to)
	}
}

func (e *Executor) notifyRetry(operation string, attempt int, err error) {
	e.mu.RLock()
	fn := e.onRetry
	e.mu.RUnlock()
	if fn != nil {
		fn(operation, attempt, err)
	}
}

func (e *Executor) notifyCall(operation string, elapsed time.Duration, err error) {
	e.mu.RLock()
	fn := e.onCall
	e.mu.RUnlock()
	if fn != nil {
		fn(operation, elapsed, err)
	}
}

// BreakerState 返回指定操作的熔断状态
func (e *Executor) BreakerState(operation string) State {
	if v, ok := e.breakers.Load(operation); ok {
		return v.(*breaker).snapshot().State
	}
	return StateClosed
}

// BreakerMetricsFor 返回指定操作的熔断指标快照
func (e *Executor) BreakerMetricsFor(operation string) BreakerMetrics {
	return e.breakerFor(operation).snapshot()
}

// ResetBreaker 重置指定操作的熔断器（谨慎使用）
func (e *Executor) ResetBreaker(operation string) {
	if v, ok := e.breakers.Load(operation); ok {
		v.(*breaker).reset()
	}
}
