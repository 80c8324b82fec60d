// Package ratelimit provides process-wide token buckets, one per class of
// external dependency, so that every concurrently running audit shares the
// same backpressure.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Class 标识一类外部依赖。
type Class string

const (
	ClassCollection Class = "collection"
	ClassPolicy     Class = "policy"
	ClassSearch     Class = "search"
)

// Limit 描述令牌桶：持续按 RatePerSecond 补充，容量 Burst 决定突发上限。
// RatePerSecond <= 0 表示不限速。
type Limit struct {
	RatePerSecond float64
	Burst         int
}

// Bucket 是单个依赖类别的令牌桶，并发安全。
type Bucket struct {
	class   Class
	limiter *rate.Limiter
}

// NewBucket 按 Limit 创建令牌桶。
func NewBucket(class Class, limit Limit) *Bucket {
	if limit.RatePerSecond <= 0 {
		return &Bucket{class: class, limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Bucket{class: class, limiter: rate.NewLimiter(rate.Limit(limit.RatePerSecond), burst)}
}

// Acquire 阻塞直到取得 n 个令牌或 ctx 结束，期间不忙等。
// n 超过桶容量时直接返回错误，否则永远无法满足。
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if b == nil {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if b.limiter.Limit() != rate.Inf && n > b.limiter.Burst() {
		return fmt.Errorf("ratelimit %s: 请求 %d 个令牌超过桶容量 %d", b.class, n, b.limiter.Burst())
	}
	if err := b.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("ratelimit %s: %w", b.class, err)
	}
	return nil
}

// Class 返回依赖类别。
func (b *Bucket) Class() Class {
	if b == nil {
		return ""
	}
	return b.class
}

// Registry 按类别持有共享的令牌桶。未配置的类别不限速。
type Registry struct {
	mu      sync.RWMutex
	buckets map[Class]*Bucket
}

// NewRegistry 根据配置创建令牌桶集合。
func NewRegistry(limits map[Class]Limit) *Registry {
	r := &Registry{buckets: make(map[Class]*Bucket, len(limits))}
	for class, limit := range limits {
		r.buckets[class] = NewBucket(class, limit)
	}
	return r
}

// Bucket 返回类别对应的令牌桶，首次访问未配置的类别时创建不限速的桶。
func (r *Registry) Bucket(class Class) *Bucket {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	b, ok := r.buckets[class]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[class]; ok {
		return b
	}
	b = NewBucket(class, Limit{})
	r.buckets[class] = b
	return b
}

// Acquire 在指定类别的令牌桶上获取 n 个令牌。
func (r *Registry) Acquire(ctx context.Context, class Class, n int) error {
	return r.Bucket(class).Acquire(ctx, n)
}
