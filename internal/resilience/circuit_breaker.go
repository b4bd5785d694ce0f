package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// ErrCircuitOpen 熔断器打开时拒绝调用
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker 熔断器，保护生成等慢速外部能力
type CircuitBreaker struct {
	name string

	// 配置
	failureThreshold int           // 失败阈值
	successThreshold int           // 成功阈值（半开状态）
	timeout          time.Duration // 熔断超时时间

	// 状态
	state           int32
	failureCount    int32
	successCount    int32
	lastFailureTime time.Time
	mutex           sync.RWMutex
	now             func() time.Time
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, failureThreshold int, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            int32(StateClosed),
		now:              time.Now,
	}
}

// Call 执行函数调用（带熔断保护）。调用方取消不计入失败
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.canExecute() {
		return &CircuitBreakerError{Name: cb.name, State: cb.State(), Err: ErrCircuitOpen}
	}

	err := fn(ctx)
	// 调用方取消，不改变熔断状态
	if err != nil && errors.Is(err, context.Canceled) {
		return err
	}
	cb.recordResult(err == nil)
	return err
}

// canExecute 检查是否可以执行请求
func (cb *CircuitBreaker) canExecute() bool {
	switch cb.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		// 检查是否可以尝试半开
		cb.mutex.RLock()
		canHalfOpen := cb.now().Sub(cb.lastFailureTime) >= cb.timeout
		cb.mutex.RUnlock()

		if canHalfOpen {
			atomic.StoreInt32(&cb.state, int32(StateHalfOpen))
			atomic.StoreInt32(&cb.successCount, 0)
			return true
		}
		return false
	default:
		return false
	}
}

// recordResult 记录执行结果
func (cb *CircuitBreaker) recordResult(success bool) {
	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
}

// recordSuccess 记录成功
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.State() {
	case StateHalfOpen:
		// 半开状态下，成功计数增加
		count := atomic.AddInt32(&cb.successCount, 1)
		if int(count) >= cb.successThreshold {
			// 达到成功阈值，关闭熔断器
			atomic.StoreInt32(&cb.state, int32(StateClosed))
			atomic.StoreInt32(&cb.failureCount, 0)
		}
	case StateClosed:
		// 关闭状态下，重置失败计数
		atomic.StoreInt32(&cb.failureCount, 0)
	}
}

// recordFailure 记录失败
func (cb *CircuitBreaker) recordFailure() {
	cb.mutex.Lock()
	cb.lastFailureTime = cb.now()
	cb.mutex.Unlock()

	switch cb.State() {
	case StateHalfOpen:
		// 半开状态下失败，直接打开熔断器
		atomic.StoreInt32(&cb.state, int32(StateOpen))
		atomic.StoreInt32(&cb.successCount, 0)
	case StateClosed:
		// 关闭状态下，失败计数增加
		count := atomic.AddInt32(&cb.failureCount, 1)
		if int(count) >= cb.failureThreshold {
			// 达到失败阈值，打开熔断器
			atomic.StoreInt32(&cb.state, int32(StateOpen))
		}
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// Stats 获取统计信息
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return map[string]interface{}{
		"name":              cb.name,
		"state":             cb.State().String(),
		"failure_count":     atomic.LoadInt32(&cb.failureCount),
		"success_count":     atomic.LoadInt32(&cb.successCount),
		"failure_threshold": cb.failureThreshold,
		"success_threshold": cb.successThreshold,
		"timeout":           cb.timeout.String(),
		"last_failure_time": cb.lastFailureTime,
	}
}

// String 返回状态字符串
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerError 熔断器拒绝错误
type CircuitBreakerError struct {
	Name  string
	State CircuitBreakerState
	Err   error
}

func (e *CircuitBreakerError) Error() string {
	return e.Name + ": " + e.Err.Error()
}

func (e *CircuitBreakerError) Unwrap() error {
	return e.Err
}
