package order

import (
	"sync"
	"sync/atomic"

	"futures-trader-go/broker"
)

// EventType 订单事件类型
type EventType string

const (
	EventPlaced   EventType = "order_placed"
	EventFilled   EventType = "order_filled"
	EventRejected EventType = "order_rejected"
	EventCanceled EventType = "order_canceled"
)

// Event 订单事件。Fill 仅在 EventFilled 时非 nil。
type Event struct {
	Type  EventType
	Order Order
	Fill  *broker.FillEvent
}

// Bus 订单事件总线。每个订阅者持有独立缓冲通道，
// 发布方从不阻塞：通道满则丢弃该订阅者的事件并计数。
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped int64
}

type subscriber struct {
	types map[EventType]bool
	ch    chan Event
}

const subscriberBuffer = 64

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe 订阅指定类型的事件；types 为空表示订阅全部。
func (b *Bus) Subscribe(types ...EventType) <-chan Event {
	sub := &subscriber{
		ch: make(chan Event, subscriberBuffer),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

// Publish 发布事件。慢订阅者不会阻塞发布方。
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			atomic.AddInt64(&b.dropped, 1)
		}
	}
}

// Dropped 返回因订阅者缓冲满而丢弃的事件数
func (b *Bus) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close 关闭所有订阅通道
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
