// Package retry 封装外部调用的指数退避重试。
package retry

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	xerrors "OpenAudit/internal/errors"
)

// Policy 描述一次外部调用允许的重试次数与退避区间。
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultPolicy 与默认配置保持一致。
var DefaultPolicy = Policy{MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 10 * time.Second}

// 中止原因。重试耗尽说明依赖暂时不可用，不可重试的错误说明请求被明确拒绝。
const (
	ReasonUnavailable = "provider_unavailable"
	ReasonRejected    = "provider_rejected"
)

// NotifyFunc 在每次失败后、等待前被调用。attempt 从 1 开始。
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Do 执行 op，直到成功、遇到不可重试的错误或次数耗尽。
// 显式标记为不可重试的统一错误以及上层 ctx 取消都会立即返回。
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error), notify NotifyFunc) (T, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if policy.Initial > 0 {
		b.InitialInterval = policy.Initial
	}
	if policy.Max > 0 {
		b.MaxInterval = policy.Max
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return value, backoff.Permanent(err)
		}
		if e, ok := xerrors.From(err); ok && !e.Retryable() {
			return value, backoff.Permanent(err)
		}
		return value, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}))
	}
	return backoff.Retry(ctx, operation, opts...)
}

// Exhausted 判断错误是否来自重试耗尽，而非显式的不可重试错误。
func Exhausted(err error) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if e, ok := xerrors.From(err); ok {
		return e.Retryable()
	}
	return true
}

// AbortReason 根据 Do 返回的错误给出中止原因。调用方应先处理 ctx 取消。
func AbortReason(err error) string {
	if Exhausted(err) {
		return ReasonUnavailable
	}
	return ReasonRejected
}
