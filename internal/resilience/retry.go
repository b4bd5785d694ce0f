package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy 外部调用的统一重试策略：指数退避 + 抖动 + 有限次数
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64 // 0~1，退避时间的随机浮动比例
	AttemptTimeout time.Duration

	// Retryable 判定错误是否可重试，为空时除永久错误和上下文取消外都重试
	Retryable func(error) bool
	// OnRetry 每次重试前回调（指标、日志）
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
	mu    sync.Mutex
	rnd   *rand.Rand
}

// ExhaustedError 重试预算耗尽
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return "retry budget exhausted: " + e.Last.Error()
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的错误，Do 会立即返回原始错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否被标记为不可重试
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// NewRetryPolicy 创建重试策略
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, jitter float64) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Jitter:      jitter,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithMaxAttempts 复制策略并替换最大次数（查询路径使用更小的预算）
func (p *RetryPolicy) WithMaxAttempts(n int) *RetryPolicy {
	cp := NewRetryPolicy(n, p.BaseDelay, p.MaxDelay, p.Jitter)
	cp.AttemptTimeout = p.AttemptTimeout
	cp.Retryable = p.Retryable
	cp.OnRetry = p.OnRetry
	cp.sleep = p.sleep
	return cp
}

// Do 按策略执行fn，每次尝试都有独立超时；ctx取消时立即放弃
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				break
			}
			return err
		}

		attempts++
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			var perm *permanentError
			errors.As(err, &perm)
			return perm.err
		}
		lastErr = err
		if !p.retryable(ctx, err) || attempt == p.MaxAttempts {
			break
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := p.wait(ctx, delay); err != nil {
			break
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func (p *RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

func (p *RetryPolicy) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Backoff 第attempt次失败后的等待时间：base*2^(attempt-1)，受MaxDelay限制，叠加抖动
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		p.mu.Lock()
		if p.rnd == nil {
			p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		offset := (p.rnd.Float64()*2 - 1) * p.Jitter * delay
		p.mu.Unlock()
		delay += offset
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p *RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
