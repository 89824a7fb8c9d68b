package alert

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Channel 告警输出通道
type Channel interface {
	Send(a Alert) error
	Name() string
}

// LogChannel 单行文本输出。字段按键名排序，方便事后 grep 归并。
type LogChannel struct {
	name string

	mu sync.Mutex
	w  io.Writer
}

// NewLogChannel 创建日志通道，w 为 nil 时丢弃输出
func NewLogChannel(name string, w io.Writer) *LogChannel {
	if w == nil {
		w = io.Discard
	}
	return &LogChannel{name: name, w: w}
}

func (c *LogChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.w, formatLine(a)+"\n")
	return err
}

func (c *LogChannel) Name() string { return c.name }

func formatLine(a Alert) string {
	var b strings.Builder
	b.WriteString(a.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, " [%s] %s", a.Level, a.Category)
	if a.Symbol != "" {
		b.WriteByte(' ')
		b.WriteString(a.Symbol)
	}
	b.WriteByte(' ')
	b.WriteString(a.Message)

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, a.Fields[k])
	}
	return b.String()
}

// ConsoleChannel 终端彩色输出，级别决定颜色。
type ConsoleChannel struct {
	name string

	mu sync.Mutex
	w  io.Writer
}

// NewConsoleChannel 创建控制台通道，写到 stdout
func NewConsoleChannel(name string) *ConsoleChannel {
	return &ConsoleChannel{name: name, w: os.Stdout}
}

func (c *ConsoleChannel) Send(a Alert) error {
	const reset = "\033[0m"
	var color string
	switch a.Level {
	case Warning:
		color = "\033[33m"
	case Error:
		color = "\033[31m"
	case Critical:
		color = "\033[35m"
	default:
		color = "\033[32m"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "%s%s%s\n", color, formatLine(a), reset)
	return err
}

func (c *ConsoleChannel) Name() string { return c.name }
