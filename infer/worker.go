package infer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/provider"
)

type SessionID string

// SessionInfo Open 的返回值：会话 ID 和模型声明的输入输出
type SessionInfo struct {
	ID       SessionID
	Provider provider.Provider
	Inputs   []IOInfo
	Outputs  []IOInfo
}

// 请求和响应都是封闭集合，worker 用 type switch 分发
type request interface{ isRequest() }

type openRequest struct {
	path     string
	provider provider.Provider
}

type runRequest struct {
	session SessionID
	inputs  []*Tensor
}

type closeRequest struct {
	session SessionID
}

func (openRequest) isRequest()  {}
func (runRequest) isRequest()   {}
func (closeRequest) isRequest() {}

type response interface{ isResponse() }

type openResponse struct{ info SessionInfo }

type runResponse struct{ outputs []*Tensor }

type closeResponse struct{}

func (openResponse) isResponse()  {}
func (runResponse) isResponse()   {}
func (closeResponse) isResponse() {}

type envelope struct {
	id    string
	ctx   context.Context
	req   request
	reply chan reply
}

type reply struct {
	id   string
	resp response
	err  error
}

type slot struct {
	sess Session
	// 同一个会话上的 Run 串行执行，closed 只在持有 sem 时读写
	sem    *semaphore.Weighted
	closed bool
}

// Worker 在独立的 goroutine 上持有模型会话并执行推理，调用方通过带关联 ID 的请求/响应通信
type Worker struct {
	rt     Runtime
	queue  chan envelope
	base   context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
	// 每个 Run / Close 在自己的 goroutine 上等待会话，不占用处理 goroutine
	calls sync.WaitGroup
	log   *zap.Logger

	mu       sync.Mutex
	sessions map[SessionID]*slot
	stopped  bool
}

// NewWorker 启动 concurrency 个处理 goroutine，Open 在其上执行
func NewWorker(rt Runtime, concurrency int, logger *zap.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	base, cancel := context.WithCancel(context.Background())
	w := &Worker{
		rt:       rt,
		queue:    make(chan envelope),
		base:     base,
		cancel:   cancel,
		log:      logging.OrNop(logger),
		sessions: map[SessionID]*slot{},
	}
	for i := 0; i < concurrency; i++ {
		w.loops.Add(1)
		go w.loop()
	}
	return w
}

func (w *Worker) loop() {
	defer w.loops.Done()
	for {
		select {
		case <-w.base.Done():
			return
		case env := <-w.queue:
			w.dispatch(env)
		}
	}
}

func (w *Worker) dispatch(env envelope) {
	switch req := env.req.(type) {
	case runRequest:
		s, err := w.slot(req.session)
		if err != nil {
			env.reply <- reply{id: env.id, err: err}
			return
		}
		w.calls.Add(1)
		go func() {
			defer w.calls.Done()
			resp, err := w.run(env.ctx, s, req)
			env.reply <- reply{id: env.id, resp: resp, err: err}
		}()

	case closeRequest:
		w.mu.Lock()
		s, ok := w.sessions[req.session]
		delete(w.sessions, req.session)
		w.mu.Unlock()
		if !ok {
			env.reply <- reply{id: env.id, resp: closeResponse{}}
			return
		}
		w.calls.Add(1)
		go func() {
			defer w.calls.Done()
			// 等正在跑的推理结束再释放
			_ = s.sem.Acquire(context.Background(), 1)
			s.closed = true
			err := s.sess.Close()
			s.sem.Release(1)
			env.reply <- reply{id: env.id, resp: closeResponse{}, err: err}
		}()

	default:
		resp, err := w.handle(env)
		env.reply <- reply{id: env.id, resp: resp, err: err}
	}
}

// run 排队等待会话空闲；调用方已经放弃或 worker 已停止时不再执行
func (w *Worker) run(ctx context.Context, s *slot, req runRequest) (response, error) {
	if ctx.Err() != nil {
		return nil, ctxErr(ctx)
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(w.base, cancel)
	defer unwatch()

	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		if w.base.Err() != nil {
			return nil, ErrWorkerStopped
		}
		return nil, ctxErr(ctx)
	}
	defer s.sem.Release(1)
	if s.closed {
		return nil, fmt.Errorf("%w: closed while waiting", ErrNoSession)
	}
	if ctx.Err() != nil {
		return nil, ctxErr(ctx)
	}
	outputs, err := s.sess.Run(req.inputs)
	if err != nil {
		return nil, err
	}
	return runResponse{outputs: outputs}, nil
}

func (w *Worker) handle(env envelope) (response, error) {
	switch req := env.req.(type) {
	case openRequest:
		sess, err := w.rt.Open(req.path, req.provider)
		if err != nil {
			return nil, err
		}
		id := SessionID(ksuid.New().String())
		w.mu.Lock()
		w.sessions[id] = &slot{sess: sess, sem: semaphore.NewWeighted(1)}
		w.mu.Unlock()
		w.log.Debug("session opened", zap.String("session", string(id)), zap.String("path", req.path), zap.Stringer("provider", req.provider))
		return openResponse{info: SessionInfo{ID: id, Provider: req.provider, Inputs: sess.Inputs(), Outputs: sess.Outputs()}}, nil

	default:
		return nil, fmt.Errorf("infer: unsupported request %T", req)
	}
}

func (w *Worker) slot(id SessionID) (*slot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return s, nil
}

func (w *Worker) call(ctx context.Context, req request) (response, error) {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return nil, ErrWorkerStopped
	}

	env := envelope{id: ksuid.New().String(), ctx: ctx, req: req, reply: make(chan reply, 1)}
	select {
	case w.queue <- env:
	case <-w.base.Done():
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}

	select {
	case r := <-env.reply:
		if r.id != env.id {
			return nil, fmt.Errorf("infer: reply %s does not match request %s", r.id, env.id)
		}
		return r.resp, r.err
	case <-ctx.Done():
		// 推理不会被打断，结果写进带缓冲的 reply 后丢弃
		return nil, ctxErr(ctx)
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// Open 加载模型
func (w *Worker) Open(ctx context.Context, path string, p provider.Provider) (SessionInfo, error) {
	resp, err := w.call(ctx, openRequest{path: path, provider: p})
	if err != nil {
		return SessionInfo{}, err
	}
	return resp.(openResponse).info, nil
}

// Run 在会话上执行一次推理
func (w *Worker) Run(ctx context.Context, id SessionID, inputs []*Tensor) ([]*Tensor, error) {
	resp, err := w.call(ctx, runRequest{session: id, inputs: inputs})
	if err != nil {
		return nil, err
	}
	return resp.(runResponse).outputs, nil
}

func (w *Worker) Close(ctx context.Context, id SessionID) error {
	_, err := w.call(ctx, closeRequest{session: id})
	return err
}

// Stop 停止处理 goroutine 并关闭全部会话
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.loops.Wait()
	// 已经在跑的推理无法打断，等它们结束；还在排队的会立即返回
	w.calls.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for id, s := range w.sessions {
		errs = append(errs, s.sess.Close())
		delete(w.sessions, id)
	}
	return errors.Join(errs...)
}
