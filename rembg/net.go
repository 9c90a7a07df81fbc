package rembg

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/chaos-io/imgforge/config"
	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/infer"
	"github.com/chaos-io/imgforge/provider"
)

// ModelSpec 模型权重位置、输入尺寸和归一化参数
type ModelSpec struct {
	URL  string
	File string
	Size int
	Mean [3]float32
	Std  [3]float32
}

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// SpecsFromConfig 没有配置文件名的模型视为不可用
func SpecsFromConfig(m config.Models) map[Model]ModelSpec {
	specs := map[Model]ModelSpec{}
	add := func(model Model, c config.Model, mean, std [3]float32) {
		if c.File == "" {
			return
		}
		specs[model] = ModelSpec{URL: c.URL, File: c.File, Size: c.Size, Mean: mean, Std: std}
	}
	add(Express, m.Express, imagenetMean, imagenetStd)
	add(Balanced, m.Balanced, [3]float32{0.5, 0.5, 0.5}, [3]float32{1, 1, 1})
	add(Pro, m.Pro, imagenetMean, imagenetStd)
	return specs
}

type AssetStore interface {
	Ensure(ctx context.Context, name, url string) (string, error)
}

// NetLoader 下载权重并在 infer.Worker 上打开会话
type NetLoader struct {
	store  AssetStore
	worker *infer.Worker
	specs  map[Model]ModelSpec
}

func NewNetLoader(store AssetStore, worker *infer.Worker, specs map[Model]ModelSpec) *NetLoader {
	return &NetLoader{store: store, worker: worker, specs: specs}
}

func (l *NetLoader) Load(ctx context.Context, m Model, p provider.Provider) (Segmenter, error) {
	spec, ok := l.specs[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", ErrModelUnavailable, m)
	}
	path, err := l.store.Ensure(ctx, spec.File, spec.URL)
	if err != nil {
		return nil, err
	}
	info, err := l.worker.Open(ctx, path, p)
	if err != nil {
		return nil, err
	}
	if len(info.Inputs) == 0 || len(info.Outputs) == 0 {
		_ = l.worker.Close(context.Background(), info.ID)
		return nil, fmt.Errorf("rembg: model %s declares no inputs or outputs", m)
	}
	return &NetSegmenter{worker: l.worker, info: info, spec: spec}, nil
}

// NetSegmenter 布局和数据类型都从模型声明的元数据读取
type NetSegmenter struct {
	worker *infer.Worker
	info   infer.SessionInfo
	spec   ModelSpec
}

func (s *NetSegmenter) Segment(ctx context.Context, img image.Image) (Output, error) {
	in := s.info.Inputs[0]
	g, err := infer.ParseGeometry(in.Shape)
	if err != nil {
		return nil, err
	}
	size := s.spec.Size
	if size <= 0 {
		size = 320
	}
	g = g.Resolve(size, size)
	if g.C < 3 {
		return nil, fmt.Errorf("rembg: model input %s wants %d channels", in.Name, g.C)
	}

	tensor := infer.FromFloat32(g.Shape(), in.Type, s.pixels(img, g, in.Type))
	outs, err := s.worker.Run(ctx, s.info.ID, []*infer.Tensor{tensor})
	if err != nil {
		return nil, err
	}
	if len(outs) == 0 {
		return nil, errNoOutput
	}
	return decodeOutput(outs[0], img.Bounds())
}

// pixels 缩放到输入尺寸并归一化；uint8 输入直接给 0-255
func (s *NetSegmenter) pixels(img image.Image, g infer.Geometry, typ infer.ElemType) []float32 {
	src := imgutil.ToNRGBA(imgutil.Resize(img, g.W, g.H))
	data := make([]float32, g.Len())
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			i := y*src.Stride + x*4
			for c := 0; c < g.C; c++ {
				v := float32(src.Pix[i+min(c, 3)])
				if typ != infer.Uint8 {
					v /= 255
					if c < 3 {
						v = (v - s.spec.Mean[c]) / s.spec.Std[c]
					}
				}
				data[g.Index(c, y, x)] = v
			}
		}
	}
	return data
}

func (s *NetSegmenter) Close() error {
	return s.worker.Close(context.Background(), s.info.ID)
}

// decodeOutput 4 通道输出当作抠好的图，其它取第一个通道作为 mask
func decodeOutput(t *infer.Tensor, bounds image.Rectangle) (Output, error) {
	g, err := infer.ParseGeometry(t.Shape)
	if err != nil {
		return nil, err
	}
	if g.H <= 0 || g.W <= 0 || g.Len() > t.Len() {
		return nil, fmt.Errorf("rembg: output shape %v does not match %d values", t.Shape, t.Len())
	}
	vals := t.Float32s()

	if g.C == 4 {
		scale := float32(255)
		if t.Type == infer.Uint8 || maxOf(vals) > 1.5 {
			scale = 1
		}
		out := image.NewNRGBA(image.Rect(0, 0, g.W, g.H))
		for y := 0; y < g.H; y++ {
			for x := 0; x < g.W; x++ {
				for c := 0; c < 4; c++ {
					out.Pix[y*out.Stride+x*4+c] = clamp8(vals[g.Index(c, y, x)] * scale)
				}
			}
		}
		return CompositedImage{Image: imgutil.Resize(out, bounds.Dx(), bounds.Dy())}, nil
	}

	plane := make([]float32, g.H*g.W)
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			plane[y*g.W+x] = vals[g.Index(0, y, x)]
		}
	}
	normalizePlane(plane, t.Type)

	mask := image.NewGray(image.Rect(0, 0, g.W, g.H))
	for i, v := range plane {
		mask.Pix[i] = clamp8(v * 255)
	}
	return RawMask{Mask: mask}, nil
}

// normalizePlane 把输出归一化到 [0,1]：uint8 直接除 255，其它做 min-max
func normalizePlane(plane []float32, typ infer.ElemType) {
	if typ == infer.Uint8 {
		for i := range plane {
			plane[i] /= 255
		}
		return
	}
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range plane {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi-lo < 1e-6 {
		// 常数 mask：按值本身判断前景/背景
		fill := float32(0)
		if hi > 0.5 {
			fill = 1
		}
		for i := range plane {
			plane[i] = fill
		}
		return
	}
	for i, v := range plane {
		plane[i] = (v - lo) / (hi - lo)
	}
}

func maxOf(vals []float32) float32 {
	m := float32(math.Inf(-1))
	for _, v := range vals {
		m = max(m, v)
	}
	return m
}

func clamp8(v float32) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(float64(v)))))
}
