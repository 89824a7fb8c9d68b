// Package alert 向值守人员推送交易异常：幽灵仓、幻影仓、账本漂移、
// 残留的 OCO 腿。同一事件按 级别+类别+品种 限流，对账循环每轮
// 重复发现同一问题时不轰炸通道。
package alert

import (
	"fmt"
	"sync"
	"time"
)

// Level 告警级别
type Level int

const (
	Info Level = iota
	Warning
	Error
	Critical
)

func (l Level) String() string {
	switch l {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Category 事件类别，同类事件共享限流窗口
type Category string

const (
	CategoryGhostPosition   Category = "ghost_position"   // 经纪商有、账本无
	CategoryPhantomPosition Category = "phantom_position" // 账本有、经纪商无
	CategoryLedgerDrift     Category = "ledger_drift"     // 数量或均价不一致
	CategoryOrphanOrder     Category = "orphan_order"     // 撤不掉的残留订单
	CategoryGeneral         Category = "general"
)

// Alert 一条告警。Symbol 可为空（非品种级事件）。
type Alert struct {
	Level     Level
	Category  Category
	Symbol    string
	Message   string
	Fields    map[string]interface{}
	Timestamp time.Time
}

// key 限流键。有类别的事件按 级别+类别+品种 归并，
// 消息文本里的数量、价格变化不会绕开限流。
func (a Alert) key() string {
	if a.Category != CategoryGeneral {
		return fmt.Sprintf("%s|%s|%s", a.Level, a.Category, a.Symbol)
	}
	return fmt.Sprintf("%s|%s", a.Level, a.Message)
}

// Manager 告警管理器，把事件扇出到全部通道。
type Manager struct {
	interval time.Duration

	mu       sync.Mutex
	channels []Channel
	lastSent map[string]time.Time
}

// NewManager 创建告警管理器。interval <= 0 时不限流。
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		interval: throttleInterval,
		channels: channels,
		lastSent: make(map[string]time.Time),
	}
}

// Send 发送告警。限流窗口内的重复事件静默丢弃；
// 部分通道失败不影响其余通道，全部失败才返回错误。
func (m *Manager) Send(a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if a.Category == "" {
		a.Category = CategoryGeneral
	}

	m.mu.Lock()
	if !m.allowLocked(a.key(), a.Timestamp) {
		m.mu.Unlock()
		return nil
	}
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.Unlock()

	var lastErr error
	delivered := 0
	for _, ch := range channels {
		if err := ch.Send(a); err != nil {
			lastErr = fmt.Errorf("alert channel %s: %w", ch.Name(), err)
		} else {
			delivered++
		}
	}
	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (m *Manager) allowLocked(key string, now time.Time) bool {
	if m.interval <= 0 {
		return true
	}
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.interval {
		return false
	}
	m.lastSent[key] = now
	return true
}
