// Package infertest 提供 infer.Runtime / infer.Session 的内存实现，供各包测试使用
package infertest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chaos-io/imgforge/infer"
	"github.com/chaos-io/imgforge/provider"
)

// Session 按 RunFunc 返回结果；RunFunc 为空时原样返回输入
type Session struct {
	In      []infer.IOInfo
	Out     []infer.IOInfo
	RunFunc func(inputs []*infer.Tensor) ([]*infer.Tensor, error)

	Runs   atomic.Int32
	closed atomic.Bool
}

func (s *Session) Inputs() []infer.IOInfo  { return s.In }
func (s *Session) Outputs() []infer.IOInfo { return s.Out }

func (s *Session) Run(inputs []*infer.Tensor) ([]*infer.Tensor, error) {
	if s.closed.Load() {
		return nil, errors.New("infertest: session closed")
	}
	s.Runs.Add(1)
	if s.RunFunc == nil {
		return inputs, nil
	}
	return s.RunFunc(inputs)
}

func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Runtime 记录每次 Open 的参数
type Runtime struct {
	OpenFunc func(path string, p provider.Provider) (infer.Session, error)

	mu    sync.Mutex
	opens []Open
}

type Open struct {
	Path     string
	Provider provider.Provider
}

func (r *Runtime) Open(path string, p provider.Provider) (infer.Session, error) {
	r.mu.Lock()
	r.opens = append(r.opens, Open{Path: path, Provider: p})
	r.mu.Unlock()
	if r.OpenFunc == nil {
		return &Session{}, nil
	}
	return r.OpenFunc(path, p)
}

func (r *Runtime) Opens() []Open {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Open(nil), r.opens...)
}

// Static 总是返回同一个会话
func Static(s *Session) *Runtime {
	return &Runtime{OpenFunc: func(string, provider.Provider) (infer.Session, error) { return s, nil }}
}
