// Package rembg 去除图片背景：快速模型带回退链，Pro 模型使用共享的常驻会话
package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chaos-io/imgforge/cache"
	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/infer"
	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/metrics"
	"github.com/chaos-io/imgforge/progress"
	"github.com/chaos-io/imgforge/provider"
)

const (
	DefaultInitTimeout  = 30 * time.Second
	DefaultInferTimeout = 45 * time.Second
)

// Remover 去背景，返回带 alpha 的 PNG
type Remover interface {
	Remove(ctx context.Context, req Request) ([]byte, error)
}

type Cache interface {
	Get(imageID, modelID string) ([]byte, bool)
	Put(imageID, modelID string, blob []byte)
}

type Detector interface {
	Detect(ctx context.Context) provider.Provider
}

type Request struct {
	// ImageID 为空时使用 Data 的哈希
	ImageID   string
	Data      []byte
	Model     Model
	RequestID string
}

type Config struct {
	Loader       Loader
	Cache        Cache
	Detector     Detector
	Sink         progress.Sink
	Logger       *zap.Logger
	InitTimeout  time.Duration
	InferTimeout time.Duration
}

type handle struct {
	seg      Segmenter
	provider provider.Provider
}

type Engine struct {
	loader       Loader
	cache        Cache
	detector     Detector
	sink         progress.Sink
	log          *zap.Logger
	initTimeout  time.Duration
	inferTimeout time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	handles map[Model]*handle
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		loader:       cfg.Loader,
		cache:        cfg.Cache,
		detector:     cfg.Detector,
		sink:         progress.OrNop(cfg.Sink),
		log:          logging.OrNop(cfg.Logger),
		initTimeout:  cfg.InitTimeout,
		inferTimeout: cfg.InferTimeout,
		handles:      map[Model]*handle{},
	}
	if e.detector == nil {
		e.detector = provider.Fixed(provider.CPU)
	}
	if e.initTimeout <= 0 {
		e.initTimeout = DefaultInitTimeout
	}
	if e.inferTimeout <= 0 {
		e.inferTimeout = DefaultInferTimeout
	}
	return e
}

// Remove 缓存命中时不做推理；成功的结果按 (图片, 请求的模型) 写入缓存
func (e *Engine) Remove(ctx context.Context, req Request) ([]byte, error) {
	if len(req.Data) == 0 {
		return nil, ErrEmptyInput
	}
	if req.Model == "" {
		req.Model = Express
	}
	imageID := req.ImageID
	if imageID == "" {
		imageID = cache.ImageID(req.Data)
	}

	if e.cache != nil {
		if blob, ok := e.cache.Get(imageID, req.Model.String()); ok {
			e.log.Debug("background removal cache hit", zap.String("image", imageID), zap.Stringer("model", req.Model))
			return blob, nil
		}
	}

	img, _, err := imgutil.Decode(req.Data)
	if err != nil {
		return nil, fmt.Errorf("rembg: decode input: %w", err)
	}

	var out []byte
	if req.Model == Pro {
		out, err = e.runPro(ctx, req, img, nil)
	} else {
		out, err = e.runFast(ctx, req, img, req.Model, nil)
	}
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		e.cache.Put(imageID, req.Model.String(), out)
	}
	return out, nil
}

// runFast 依次尝试 m 和它的回退链；网络类失败直接升级到 Pro
func (e *Engine) runFast(ctx context.Context, req Request, img image.Image, m Model, tried []Attempt) ([]byte, error) {
	chain := append([]Model{m}, m.Fallbacks()...)
	for i, cand := range chain {
		out, p, err := e.attempt(ctx, req, img, cand)
		if err == nil {
			return out, nil
		}
		tried = append(tried, Attempt{Model: cand, Provider: p, Err: err})

		if ctx.Err() != nil {
			return nil, &ChainError{Tried: tried}
		}
		if IsNetwork(err) && !triedModel(tried, Pro) {
			e.log.Warn("network failure on fast model, escalating to pro", zap.Stringer("model", cand), zap.Error(err))
			metrics.Fallbacks.WithLabelValues(cand.String(), Pro.String(), "network").Inc()
			return e.runPro(ctx, req, img, tried)
		}
		if i+1 < len(chain) {
			e.log.Warn("model failed, trying fallback", zap.Stringer("model", cand), zap.Stringer("next", chain[i+1]), zap.Error(err))
			metrics.Fallbacks.WithLabelValues(cand.String(), chain[i+1].String(), "error").Inc()
		}
	}
	return nil, &ChainError{Tried: tried}
}

// runPro 使用共享的 Pro 会话；模型不可用时降级到 Balanced
func (e *Engine) runPro(ctx context.Context, req Request, img image.Image, tried []Attempt) ([]byte, error) {
	h, err := e.handle(ctx, req.RequestID, Pro)
	if err != nil {
		downgrade := errors.Is(err, ErrModelUnavailable) && ctx.Err() == nil && !triedModel(tried, Balanced)
		tried = append(tried, Attempt{Model: Pro, Provider: e.detector.Detect(ctx), Err: err})
		if downgrade {
			e.log.Warn("pro model unavailable, downgrading to balanced", zap.Error(err))
			metrics.Fallbacks.WithLabelValues(Pro.String(), Balanced.String(), "unavailable").Inc()
			return e.runFast(ctx, req, img, Balanced, tried)
		}
		return nil, &ChainError{Tried: tried}
	}

	out, err := e.infer(ctx, req, img, Pro, h)
	if err != nil {
		return nil, &ChainError{Tried: append(tried, Attempt{Model: Pro, Provider: h.provider, Err: err})}
	}
	return out, nil
}

func (e *Engine) attempt(ctx context.Context, req Request, img image.Image, m Model) ([]byte, provider.Provider, error) {
	h, err := e.handle(ctx, req.RequestID, m)
	if err != nil {
		return nil, e.detector.Detect(ctx), err
	}
	out, err := e.infer(ctx, req, img, m, h)
	return out, h.provider, err
}

func (e *Engine) infer(ctx context.Context, req Request, img image.Image, m Model, h *handle) ([]byte, error) {
	key := stageKey(m)
	progress.Report(e.sink, req.RequestID, key, progress.Processing, 0)

	start := time.Now()
	out, err := infer.WithTimeout(ctx, e.inferTimeout, func(ctx context.Context) (Output, error) {
		return h.seg.Segment(ctx, img)
	})
	metrics.Inference.WithLabelValues(m.String(), h.provider.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s inference: %w", m, err)
	}

	png, err := compose(img, out)
	if err != nil {
		return nil, err
	}
	progress.Report(e.sink, req.RequestID, key, progress.Processing, 100)
	return png, nil
}

// handle 返回已加载的模型；同一模型同时只有一个初始化在进行，失败不缓存
func (e *Engine) handle(ctx context.Context, requestID string, m Model) (*handle, error) {
	e.mu.Lock()
	h, ok := e.handles[m]
	e.mu.Unlock()
	if ok {
		return h, nil
	}
	if e.loader == nil {
		return nil, fmt.Errorf("%w: no loader configured", ErrModelUnavailable)
	}

	key := stageKey(m)
	progress.Report(e.sink, requestID, key, progress.Loading, 0)

	// 初始化由所有等待者共享，不跟随某一个调用方取消
	initCtx := context.WithoutCancel(ctx)
	ch := e.group.DoChan(m.String(), func() (interface{}, error) {
		e.mu.Lock()
		if h, ok := e.handles[m]; ok {
			e.mu.Unlock()
			return h, nil
		}
		e.mu.Unlock()

		h, err := e.init(initCtx, m)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.handles[m] = h
		e.mu.Unlock()
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		progress.Report(e.sink, requestID, key, progress.Loading, 100)
		return res.Val.(*handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) init(ctx context.Context, m Model) (*handle, error) {
	p := e.detector.Detect(ctx)
	if m != Pro {
		seg, err := e.load(ctx, m, p, false)
		if err != nil {
			return nil, err
		}
		return &handle{seg: seg, provider: p}, nil
	}

	seg, err := e.load(ctx, m, p, true)
	if err != nil && p != provider.CPU && !errors.Is(err, ErrModelUnavailable) && !IsNetwork(err) {
		e.log.Warn("pro init failed, retrying on cpu", zap.Stringer("provider", p), zap.Error(err))
		metrics.Fallbacks.WithLabelValues(Pro.String(), Pro.String(), "cpu-retry").Inc()
		p = provider.CPU
		seg, err = e.load(ctx, m, p, true)
	}
	if err != nil {
		return nil, err
	}
	e.log.Info("pro model ready", zap.Stringer("provider", p))
	return &handle{seg: seg, provider: p}, nil
}

// load 在初始化预算内加载模型，warmup 时再跑一次 1x1 推理
func (e *Engine) load(ctx context.Context, m Model, p provider.Provider, warmup bool) (Segmenter, error) {
	return infer.WithTimeout(ctx, e.initTimeout, func(ctx context.Context) (Segmenter, error) {
		seg, err := e.loader.Load(ctx, m, p)
		if err != nil {
			return nil, fmt.Errorf("load %s on %s: %w", m, p, err)
		}
		if !warmup {
			return seg, nil
		}
		if _, err := seg.Segment(ctx, imgutil.Fill(1, 1, color.White)); err != nil {
			closeSegmenter(seg)
			return nil, fmt.Errorf("warmup %s on %s: %w", m, p, err)
		}
		return seg, nil
	})
}

// Reset 丢弃已加载的模型，下次调用重新初始化
func (e *Engine) Reset() {
	e.mu.Lock()
	handles := e.handles
	e.handles = map[Model]*handle{}
	e.mu.Unlock()
	for _, h := range handles {
		closeSegmenter(h.seg)
	}
}

// Loaded 返回已加载模型所用的后端
func (e *Engine) Loaded(m Model) (provider.Provider, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[m]
	if !ok {
		return provider.CPU, false
	}
	return h.provider, true
}

func triedModel(tried []Attempt, m Model) bool {
	for _, a := range tried {
		if a.Model == m {
			return true
		}
	}
	return false
}

func closeSegmenter(seg Segmenter) {
	if c, ok := seg.(io.Closer); ok {
		_ = c.Close()
	}
}

func stageKey(m Model) string {
	return "rembg-" + m.String()
}
