// Package guard 为一次阻塞调用加上超时保护。
//
// 超时只表示"不再等待"：被保护的函数在独立的 goroutine 上运行，
// 到期后调用方直接返回，函数本身会收到一个已取消的 ctx 作为提示，
// 但不会被强制终止，它占用的资源要等它自然返回才会释放。
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

type State int32

const (
	Armed State = iota
	Running
	Completed
	TimedOut
	Canceled
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed-out"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrTimeout 可用 errors.Is 判断超时
	ErrTimeout = errors.New("timed out")
	// ErrReused guard 只能使用一次
	ErrReused = errors.New("guard already used")
)

type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Guard 单次使用的超时保护。timeout <= 0 表示不设超时。
type Guard struct {
	timeout time.Duration
	state   atomic.Int32
}

func New(timeout time.Duration) *Guard {
	return &Guard{timeout: timeout}
}

func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

func (g *Guard) State() State {
	return State(g.state.Load())
}

type result[T any] struct {
	value T
	err   error
}

// Call 在 g 的保护下执行 fn。
// 计时器在所有返回路径上都会被 Stop，fn 的 panic 会被转换为 error。
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !g.state.CompareAndSwap(int32(Armed), int32(Running)) {
		return zero, ErrReused
	}

	if g.timeout <= 0 {
		v, err := invoke(ctx, fn)
		g.finish(ctx, err)
		return v, err
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 带缓冲，放弃等待后 worker 仍能写入并退出
	done := make(chan result[T], 1)
	go func() {
		v, err := invoke(workCtx, fn)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		g.finish(ctx, r.err)
		return r.value, r.err
	case <-timer.C:
		g.state.Store(int32(TimedOut))
		return zero, &TimeoutError{After: g.timeout}
	case <-ctx.Done():
		g.state.Store(int32(Canceled))
		return zero, ctx.Err()
	}
}

func (g *Guard) finish(ctx context.Context, err error) {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		g.state.Store(int32(Canceled))
		return
	}
	g.state.Store(int32(Completed))
}

func invoke[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
