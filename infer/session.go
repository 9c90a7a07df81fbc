package infer

import (
	"context"
	"errors"
	"time"

	"github.com/chaos-io/imgforge/provider"
)

var (
	ErrTimeout       = errors.New("infer: operation timed out")
	ErrWorkerStopped = errors.New("infer: worker stopped")
	ErrNoSession     = errors.New("infer: unknown session")
)

// Session 一个已加载的模型；实现不保证并发安全，调用方需要串行 Run
type Session interface {
	Inputs() []IOInfo
	Outputs() []IOInfo
	Run(inputs []*Tensor) ([]*Tensor, error)
	Close() error
}

// Runtime 在指定执行后端上加载模型
type Runtime interface {
	Open(modelPath string, p provider.Provider) (Session, error)
}

// WithTimeout 在独立 goroutine 中执行 fn，超时或 ctx 结束时立即返回 ErrTimeout；
// fn 本身不会被打断，会在后台跑完
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}
