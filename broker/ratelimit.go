package broker

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedAdapter 在 Adapter 前加一层令牌桶限流，避免触发经纪商限频。
// 等待期间尊重 ctx 取消；限流等待被取消按可重试错误处理。
type RateLimitedAdapter struct {
	inner   Adapter
	limiter *rate.Limiter
}

// NewRateLimitedAdapter 创建限流包装。rps 为每秒令牌数，burst 为突发上限。
func NewRateLimitedAdapter(inner Adapter, rps float64, burst int) *RateLimitedAdapter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimitedAdapter{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimitedAdapter) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return Retriable(op, err)
	}
	return nil
}

func (r *RateLimitedAdapter) IsConnected() bool { return r.inner.IsConnected() }

func (r *RateLimitedAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := r.wait(ctx, "place_order"); err != nil {
		return "", err
	}
	return r.inner.PlaceOrder(ctx, req)
}

func (r *RateLimitedAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := r.wait(ctx, "cancel_order"); err != nil {
		return err
	}
	return r.inner.CancelOrder(ctx, orderID)
}

func (r *RateLimitedAdapter) ModifyOrder(ctx context.Context, orderID string, quantity int, price float64) error {
	if err := r.wait(ctx, "modify_order"); err != nil {
		return err
	}
	return r.inner.ModifyOrder(ctx, orderID, quantity, price)
}

func (r *RateLimitedAdapter) ModifyStop(ctx context.Context, orderID string, stopPrice float64) error {
	if err := r.wait(ctx, "modify_stop"); err != nil {
		return err
	}
	return r.inner.ModifyStop(ctx, orderID, stopPrice)
}

func (r *RateLimitedAdapter) ModifyTakeProfit(ctx context.Context, orderID string, targetPrice float64) error {
	if err := r.wait(ctx, "modify_take_profit"); err != nil {
		return err
	}
	return r.inner.ModifyTakeProfit(ctx, orderID, targetPrice)
}

func (r *RateLimitedAdapter) ClosePosition(ctx context.Context, symbol string, quantity int) error {
	if err := r.wait(ctx, "close_position"); err != nil {
		return err
	}
	return r.inner.ClosePosition(ctx, symbol, quantity)
}

func (r *RateLimitedAdapter) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	if err := r.wait(ctx, "get_positions"); err != nil {
		return nil, err
	}
	return r.inner.GetPositions(ctx)
}
