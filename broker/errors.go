package broker

import (
	"errors"
	"fmt"
)

// Error 经纪商调用错误。可重试性在适配层判定一次，上层不再重新推断。
type Error struct {
	Op        string // 调用名，例如 "place_order"
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Retriable {
		kind = "retriable"
	}
	return fmt.Sprintf("broker %s (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable 包装瞬时错误（超时、连接重置、5xx/408/429 类）。
func Retriable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Retriable: true, Err: err}
}

// Fatal 包装不可重试错误（参数非法、反序列化失败、鉴权失败）。
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Retriable: false, Err: err}
}

// IsRetriable 判断错误是否可重试。未分类的错误一律视为不可重试，
// 避免对未知失败盲目重放下单请求。
func IsRetriable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retriable
	}
	return false
}

// RetriableStatus 按 HTTP 状态码判定可重试性（5xx/408/429）。
func RetriableStatus(status int) bool {
	return status >= 500 || status == 408 || status == 429
}
