package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 - 正常放行
	StateClosed State = iota
	// StateOpen 打开状态 - 熔断，冷却期内拒绝所有请求
	StateOpen
	// StateHalfOpen 半开状态 - 只放行一次探测请求
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitOpenError 熔断拒绝错误。调用方据此区分"经纪商不可用"与"本次调用非法"。
type CircuitOpenError struct {
	Operation string
	RetryIn   time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %v", e.Operation, e.RetryIn)
}

// breaker 单个操作名对应的熔断器。每个 breaker 持有自己的锁，
// 不同操作名之间互不争用。
type breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailTime    time.Time
	openTime        time.Time
	probing         bool // 半开状态下是否已有探测请求在途
}

func newBreaker(name string, threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
	}
}

// allow 调用前检查。返回 nil 表示放行；isProbe 表示本次是半开探测。
func (b *breaker) allow() (isProbe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		remaining := b.cooldown - time.Since(b.openTime)
		if remaining > 0 {
			return false, &CircuitOpenError{Operation: b.name, RetryIn: remaining}
		}
		// 冷却结束，转半开并放行唯一一次探测
		b.state = StateHalfOpen
		b.probing = true
		return true, nil

	case StateHalfOpen:
		if b.probing {
			// 探测在途，其他调用一律拒绝
			return false, &CircuitOpenError{Operation: b.name, RetryIn: b.cooldown}
		}
		b.probing = true
		return true, nil

	default:
		return false, fmt.Errorf("unknown circuit state: %d", b.state)
	}
}

// onSuccess 记录成功。返回发生的状态转换（若有）。
func (b *breaker) onSuccess() (from, to State, changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail = 0
	b.probing = false
	if b.state == StateHalfOpen {
		b.state = StateClosed
		return StateHalfOpen, StateClosed, true
	}
	return b.state, b.state, false
}

// onFailure 记录可重试失败。返回发生的状态转换（若有）。
func (b *breaker) onFailure() (from, to State, changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail++
	b.lastFailTime = time.Now()
	b.probing = false

	switch b.state {
	case StateClosed:
		if b.consecutiveFail >= b.threshold {
			b.state = StateOpen
			b.openTime = time.Now()
			return StateClosed, StateOpen, true
		}
	case StateHalfOpen:
		// 探测失败，重新打开
		b.state = StateOpen
		b.openTime = time.Now()
		return StateHalfOpen, StateOpen, true
	}
	return b.state, b.state, false
}

// onFatal 记录不可重试失败：不计入连续失败，只复位探测标记。
// 半开状态保持不变，下一次调用可再次探测。
func (b *breaker) onFatal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// snapshot 返回当前状态快照
func (b *breaker) snapshot() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerMetrics{
		Operation:        b.name,
		State:            b.state,
		ConsecutiveFails: b.consecutiveFail,
		LastFailTime:     b.lastFailTime,
		OpenTime:         b.openTime,
	}
}

// reset 重置熔断器（谨慎使用）
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.probing = false
	b.lastFailTime = time.Time{}
	b.openTime = time.Time{}
}

// BreakerMetrics 熔断器指标快照
type BreakerMetrics struct {
	Operation        string
	State            State
	ConsecutiveFails int
	LastFailTime     time.Time
	OpenTime         time.Time
}
