package risk

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitBreakerOpen 表示断路器已打开，调用被直接拒绝（未到达外部场所）。
// 调用方应视为"稍后可重试"，不要立刻重试放大压力。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// State 断路器状态
type State string

const (
	StateClosed   State = "CLOSED"    // 正常放行
	StateOpen     State = "OPEN"      // 熔断，拒绝所有调用
	StateHalfOpen State = "HALF_OPEN" // 冷却结束，试探性放行
)

// Config 断路器配置。
// 约定：阈值/窗口 <= 0 时使用默认值。
type Config struct {
	// FailureThreshold 滑动窗口内的失败次数上限，达到即熔断。
	FailureThreshold int
	// FailureWindow 失败计数的滑动窗口；窗口外的失败会被剪掉，
	// 安静期后的孤立失败不会和陈旧失败一起累计。
	FailureWindow time.Duration
	// ResetTimeout 熔断后的冷却时长，过后允许一次试探调用。
	ResetTimeout time.Duration
	// HalfOpenSuccessThreshold 半开态连续成功多少次后完全闭合。
	HalfOpenSuccessThreshold int
}

// DefaultConfig 外部场所调用的默认熔断配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		FailureWindow:            60 * time.Second,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = d.HalfOpenSuccessThreshold
	}
	return c
}

// Stats 断路器运行统计（GetStats 快照）
type Stats struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	FailuresInWindow  int       `json:"failures_in_window"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	TotalSuccesses    int64     `json:"total_successes"`
	TotalFailures     int64     `json:"total_failures"`
	TotalRejected     int64     `json:"total_rejected"`
	LastStateChangeAt time.Time `json:"last_state_change_at"`
}

// CircuitBreaker 单个外部依赖的熔断状态机。
//
// 状态转换由"当前时间 + 已记录的结果"推导，不依赖后台定时器：
// OPEN -> HALF_OPEN 在下一次 Allow() 调用里同步判定。
// 状态读写都在一把互斥锁下完成，时间戳与计数都是单步更新。
type CircuitBreaker struct {
	name string
	cfg  Config

	mu                sync.Mutex
	state             State
	failures          []time.Time // 滑动窗口内的失败时间戳
	halfOpenSuccesses int
	lastStateChangeAt time.Time

	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64

	nowFn func() time.Time // 测试注入
}

// NewCircuitBreaker 创建断路器，初始为 CLOSED。
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:              name,
		cfg:               cfg.withDefaults(),
		state:             StateClosed,
		lastStateChangeAt: time.Now(),
		nowFn:             time.Now,
	}
}

// Allow 检查当前调用是否放行。
//
// OPEN 态下如果冷却时长已过，这里顺带完成 OPEN -> HALF_OPEN 的转换并放行
// 本次调用（即紧接着的那一次调用就是试探调用）。
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		now := cb.nowFn()
		if now.Sub(cb.lastStateChangeAt) >= cb.cfg.ResetTimeout {
			cb.transitionLocked(StateHalfOpen, now)
			return true
		}
		cb.totalRejected++
		return false
	}
	return false
}

// OnSuccess 记录一次成功调用。
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	if cb.state != StateHalfOpen {
		return
	}
	cb.halfOpenSuccesses++
	if cb.halfOpenSuccesses >= cb.cfg.HalfOpenSuccessThreshold {
		// 完全闭合并清空失败历史
		cb.failures = cb.failures[:0]
		cb.transitionLocked(StateClosed, cb.nowFn())
	}
}

// OnFailure 记录一次失败调用。
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFn()
	cb.totalFailures++

	switch cb.state {
	case StateHalfOpen:
		// 试探失败：立刻重新熔断，丢弃半开成功计数
		cb.transitionLocked(StateOpen, now)
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneLocked(now)
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen, now)
		}
	case StateOpen:
		// 已熔断，只累计总数
	}
}

// Execute 经断路器执行 fn：
// 不放行时返回 ErrCircuitBreakerOpen 且不调用 fn；
// 放行时按 fn 的结果记账并原样返回错误。
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitBreakerOpen
	}
	if err := fn(ctx); err != nil {
		cb.OnFailure()
		return err
	}
	cb.OnSuccess()
	return nil
}

// State 返回当前状态（不触发 OPEN -> HALF_OPEN 转换）。
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats 返回运行统计快照。
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneLocked(cb.nowFn())
	return Stats{
		Name:              cb.name,
		State:             cb.state,
		FailuresInWindow:  len(cb.failures),
		HalfOpenSuccesses: cb.halfOpenSuccesses,
		TotalSuccesses:    cb.totalSuccesses,
		TotalFailures:     cb.totalFailures,
		TotalRejected:     cb.totalRejected,
		LastStateChangeAt: cb.lastStateChangeAt,
	}
}

// Reset 手动复位到 CLOSED 并清空失败历史（人工确认场所恢复后使用）。
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = cb.failures[:0]
	cb.transitionLocked(StateClosed, cb.nowFn())
}

// transitionLocked 状态转换；调用方必须持锁。
func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) {
	cb.state = to
	cb.lastStateChangeAt = now
	cb.halfOpenSuccesses = 0
}

// pruneLocked 剪掉窗口外的失败时间戳；调用方必须持锁。
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.FailureWindow)
	kept := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.failures = kept
}
