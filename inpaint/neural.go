package inpaint

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/infer"
	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/metrics"
	"github.com/chaos-io/imgforge/progress"
	"github.com/chaos-io/imgforge/provider"
)

// WorkSize 生成式网络的固定工作分辨率
const WorkSize = 512

// keep = 亮度(255 - mask) > keepThreshold，即 mask 亮度 < 127 的像素保留
const keepThreshold = 128

type AssetStore interface {
	Ensure(ctx context.Context, name, url string) (string, error)
}

type Detector interface {
	Detect(ctx context.Context) provider.Provider
}

type NeuralConfig struct {
	Worker       *infer.Worker
	Store        AssetStore
	Detector     Detector
	ModelURL     string
	ModelFile    string
	Sink         progress.Sink
	Logger       *zap.Logger
	InitTimeout  time.Duration
	InferTimeout time.Duration
}

// Neural 在 infer.Worker 上运行，会话首次使用时加载。
// mask 约定与 Telea 相同：白色（或不透明）像素是要补全的区域，黑色保留
type Neural struct {
	cfg   NeuralConfig
	log   *zap.Logger
	group singleflight.Group

	mu      sync.Mutex
	session *infer.SessionInfo
}

func NewNeural(cfg NeuralConfig) *Neural {
	if cfg.Detector == nil {
		cfg.Detector = provider.Fixed(provider.CPU)
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	if cfg.InferTimeout <= 0 {
		cfg.InferTimeout = 45 * time.Second
	}
	cfg.Sink = progress.OrNop(cfg.Sink)
	return &Neural{cfg: cfg, log: logging.OrNop(cfg.Logger)}
}

type Result struct {
	Image image.Image
	Err   error
}

// InpaintAsync 立即返回，结果通过通道送达（只发送一次）
func (n *Neural) InpaintAsync(ctx context.Context, img image.Image, mask image.Image) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		out, err := n.Inpaint(ctx, img, mask)
		ch <- Result{Image: out, Err: err}
	}()
	return ch
}

func (n *Neural) Inpaint(ctx context.Context, img image.Image, mask image.Image) (image.Image, error) {
	out, err := n.inpaint(ctx, img, mask)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Inpaints.WithLabelValues(string(StrategyNeural), result).Inc()
	return out, err
}

func (n *Neural) inpaint(ctx context.Context, img image.Image, mask image.Image) (image.Image, error) {
	vals, err := maskValues(img, mask)
	if err != nil {
		return nil, err
	}

	requestID := RequestID(ctx)
	info, err := n.open(ctx, requestID)
	if err != nil {
		return nil, err
	}

	progress.Report(n.cfg.Sink, requestID, stageKey, progress.Processing, 0)
	inputs, err := buildInputs(info.Inputs, img, mask)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	outs, err := infer.WithTimeout(ctx, n.cfg.InferTimeout, func(ctx context.Context) ([]*infer.Tensor, error) {
		return n.cfg.Worker.Run(ctx, info.ID, inputs)
	})
	metrics.Inference.WithLabelValues(string(StrategyNeural), info.Provider.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("inpaint: inference: %w", err)
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("inpaint: model returned no outputs")
	}

	generated, err := decodeImage(outs[0])
	if err != nil {
		return nil, err
	}
	out := composite(img, imgutil.Resize(generated, img.Bounds().Dx(), img.Bounds().Dy()), vals)
	progress.Report(n.cfg.Sink, requestID, stageKey, progress.Processing, 100)
	return out, nil
}

const stageKey = "inpaint-neural"

func (n *Neural) open(ctx context.Context, requestID string) (infer.SessionInfo, error) {
	n.mu.Lock()
	if n.session != nil {
		info := *n.session
		n.mu.Unlock()
		return info, nil
	}
	n.mu.Unlock()

	progress.Report(n.cfg.Sink, requestID, stageKey, progress.Loading, 0)
	initCtx := context.WithoutCancel(ctx)
	v, err, _ := n.group.Do("session", func() (interface{}, error) {
		info, err := n.load(initCtx)
		if err != nil {
			return nil, err
		}
		n.mu.Lock()
		n.session = &info
		n.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return infer.SessionInfo{}, err
	}
	progress.Report(n.cfg.Sink, requestID, stageKey, progress.Loading, 100)
	return v.(infer.SessionInfo), nil
}

// load 取得权重后在探测到的 provider 上打开模型，非 CPU 失败时换 CPU 再试一次
func (n *Neural) load(ctx context.Context) (infer.SessionInfo, error) {
	path, err := infer.WithTimeout(ctx, n.cfg.InitTimeout, func(ctx context.Context) (string, error) {
		return n.cfg.Store.Ensure(ctx, n.cfg.ModelFile, n.cfg.ModelURL)
	})
	if err != nil {
		return infer.SessionInfo{}, err
	}

	p := n.cfg.Detector.Detect(ctx)
	info, err := n.openOn(ctx, path, p)
	if err != nil && p != provider.CPU {
		n.log.Warn("inpainting model failed, retrying on cpu", zap.Stringer("provider", p), zap.Error(err))
		metrics.Fallbacks.WithLabelValues(string(StrategyNeural), string(StrategyNeural), "cpu-retry").Inc()
		var cpuErr error
		if info, cpuErr = n.openOn(ctx, path, provider.CPU); cpuErr != nil {
			return infer.SessionInfo{}, errors.Join(err, cpuErr)
		}
		p, err = provider.CPU, nil
	}
	if err != nil {
		return infer.SessionInfo{}, err
	}
	n.log.Info("inpainting model ready", zap.String("path", path), zap.Stringer("provider", p))
	return info, nil
}

func (n *Neural) openOn(ctx context.Context, path string, p provider.Provider) (infer.SessionInfo, error) {
	info, err := infer.WithTimeout(ctx, n.cfg.InitTimeout, func(ctx context.Context) (infer.SessionInfo, error) {
		return n.cfg.Worker.Open(ctx, path, p)
	})
	if err != nil {
		return infer.SessionInfo{}, fmt.Errorf("inpaint: open model on %s: %w", p, err)
	}
	return info, nil
}

// Close 释放模型会话
func (n *Neural) Close(ctx context.Context) error {
	n.mu.Lock()
	s := n.session
	n.session = nil
	n.mu.Unlock()
	if s == nil {
		return nil
	}
	return n.cfg.Worker.Close(ctx, s.ID)
}

// buildInputs 按模型声明的输入组织张量：3 通道为图像，1 通道为 hole mask，
// 单个 4 通道输入则把 mask 拼在图像后面
func buildInputs(decl []infer.IOInfo, img image.Image, mask image.Image) ([]*infer.Tensor, error) {
	rgb := imgutil.ToNRGBA(imgutil.Resize(img, WorkSize, WorkSize))
	holes := holeMask(mask)

	inputs := make([]*infer.Tensor, 0, len(decl))
	for _, in := range decl {
		g, err := infer.ParseGeometry(in.Shape)
		if err != nil {
			return nil, fmt.Errorf("inpaint: input %s: %w", in.Name, err)
		}
		g = g.Resolve(WorkSize, WorkSize)
		if g.H != WorkSize || g.W != WorkSize {
			return nil, fmt.Errorf("inpaint: input %s wants %dx%d, working size is %d", in.Name, g.W, g.H, WorkSize)
		}

		scale := float32(1) / 255
		if in.Type == infer.Uint8 {
			scale = 1
		}
		data := make([]float32, g.Len())
		for y := 0; y < WorkSize; y++ {
			for x := 0; x < WorkSize; x++ {
				p := y*rgb.Stride + x*4
				hole := float32(0)
				if holes[y*WorkSize+x] {
					hole = 255
				}
				switch g.C {
				case 1:
					data[g.Index(0, y, x)] = hole * scale
				default:
					for c := 0; c < min(g.C, 3); c++ {
						data[g.Index(c, y, x)] = float32(rgb.Pix[p+c]) * scale
					}
					if g.C == 4 {
						data[g.Index(3, y, x)] = hole * scale
					}
				}
			}
		}
		inputs = append(inputs, infer.FromFloat32(g.Shape(), in.Type, data))
	}
	return inputs, nil
}

// holeMask 在工作分辨率下计算 hole：先取 keep（反相后亮度 > 128），再取反
func holeMask(mask image.Image) []bool {
	m := imgutil.ToNRGBA(imgutil.Resize(mask, WorkSize, WorkSize))
	useAlpha := imgutil.HasUsefulAlpha(m)
	holes := make([]bool, WorkSize*WorkSize)
	for y := 0; y < WorkSize; y++ {
		for x := 0; x < WorkSize; x++ {
			var v uint8
			if useAlpha {
				v = m.Pix[y*m.Stride+x*4+3]
			} else {
				v = imgutil.Luminance(m.NRGBAAt(x, y))
			}
			keep := 255-int(v) > keepThreshold
			holes[y*WorkSize+x] = !keep
		}
	}
	return holes
}

// decodeImage 把模型输出还原成图像，自动判断 0-1 还是 0-255
func decodeImage(t *infer.Tensor) (*image.NRGBA, error) {
	g, err := infer.ParseGeometry(t.Shape)
	if err != nil {
		return nil, err
	}
	if g.C < 3 || g.H <= 0 || g.W <= 0 || g.Len() > t.Len() {
		return nil, fmt.Errorf("inpaint: unexpected output shape %v", t.Shape)
	}
	vals := t.Float32s()
	scale := float32(255)
	if t.Type == infer.Uint8 {
		scale = 1
	} else {
		for _, v := range vals {
			if v > 1.5 {
				scale = 1
				break
			}
		}
	}

	out := image.NewNRGBA(image.Rect(0, 0, g.W, g.H))
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			p := y*out.Stride + x*4
			for c := 0; c < 3; c++ {
				v := float64(vals[g.Index(c, y, x)] * scale)
				out.Pix[p+c] = uint8(math.Max(0, math.Min(255, math.Round(v))))
			}
			out.Pix[p+3] = 255
		}
	}
	return out, nil
}

// composite 只替换原分辨率下 hole 区域的颜色，透明度保持原图
func composite(src image.Image, generated image.Image, vals []uint8) *image.NRGBA {
	base := imgutil.ToNRGBA(src)
	out := image.NewNRGBA(image.Rect(0, 0, base.Bounds().Dx(), base.Bounds().Dy()))
	for y := 0; y < out.Rect.Dy(); y++ {
		copy(out.Pix[y*out.Stride:(y+1)*out.Stride], base.Pix[y*base.Stride:])
	}
	gen := imgutil.ToNRGBA(generated)
	w := out.Rect.Dx()
	for i, v := range vals {
		if 255-int(v) > keepThreshold {
			continue
		}
		x, y := i%w, i/w
		p := y*out.Stride + x*4
		q := y*gen.Stride + x*4
		copy(out.Pix[p:p+3], gen.Pix[q:q+3])
	}
	return out
}

type requestIDKey struct{}

// WithRequestID 让进度事件带上请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
