// Package pipeline 串起一次请求：规范化 -> 去背景 -> 补全 -> 格式转换
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/chaos-io/imgforge/cache"
	"github.com/chaos-io/imgforge/convert"
	"github.com/chaos-io/imgforge/format"
	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/inpaint"
	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/normalize"
	"github.com/chaos-io/imgforge/progress"
	"github.com/chaos-io/imgforge/rembg"
)

var (
	// ErrInvalidInput 调用方的输入或参数有问题
	ErrInvalidInput = errors.New("pipeline: invalid input")
	// ErrUndecodable 需要像素但所有解码器都失败了
	ErrUndecodable = errors.New("pipeline: image could not be decoded")
	ErrNoNeural    = errors.New("pipeline: neural inpainting not configured")
)

type Normalizer interface {
	Normalize(ctx context.Context, data []byte, fileName string, force bool) (normalize.Result, error)
}

type Converter interface {
	Convert(ctx context.Context, data []byte, target string, opts convert.Options) (convert.Output, error)
}

type Input struct {
	Data     []byte
	FileName string
	// MIME 上传时声明的类型，扩展名缺失时用来推断格式
	MIME string
}

type InpaintOptions struct {
	// Mask 编码后的 mask 图片，尺寸必须与原图一致
	Mask     []byte
	Strategy inpaint.Strategy
	Radius   int
}

type Options struct {
	OutputFormat     string
	RemoveBackground bool
	Model            rembg.Model
	Quality          int
	StripMetadata    bool
	ResizeDimension  int
	Inpaint          *InpaintOptions
	// Trim 去背景后裁掉四周透明区域；Square 再把主体居中放进正方形
	Trim   bool
	Square bool
	// ImageID 为空时使用原始字节的哈希，预览和正式处理因此共享缓存
	ImageID   string
	RequestID string
}

type Output struct {
	Data      []byte
	Format    format.Format
	MIME      string
	Engine    string
	RequestID string
	Outcome   normalize.Outcome
}

type Config struct {
	Normalizer Normalizer
	Remover    rembg.Remover
	Converter  Converter
	// Neural 为空时只能使用 Telea
	Neural         inpaint.Inpainter
	Sink           progress.Sink
	Logger         *zap.Logger
	DefaultQuality int
}

type Pipeline struct {
	normalizer Normalizer
	remover    rembg.Remover
	converter  Converter
	neural     inpaint.Inpainter
	sink       progress.Sink
	log        *zap.Logger
	quality    int
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		normalizer: cfg.Normalizer,
		remover:    cfg.Remover,
		converter:  cfg.Converter,
		neural:     cfg.Neural,
		sink:       progress.OrNop(cfg.Sink),
		log:        logging.OrNop(cfg.Logger),
		quality:    cfg.DefaultQuality,
	}
	if p.normalizer == nil {
		p.normalizer = normalize.New(cfg.Logger)
	}
	if p.converter == nil {
		p.converter = convert.NewDefault(convert.WithLogger(cfg.Logger))
	}
	if p.quality < 1 || p.quality > 100 {
		p.quality = convert.DefaultQuality
	}
	return p
}

func invalid(msg string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(msg, args...))
}

func (p *Pipeline) validate(in Input, opts *Options) error {
	if len(in.Data) == 0 {
		return invalid("empty image")
	}
	if opts.Quality == 0 {
		opts.Quality = p.quality
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return invalid("quality %d out of range 1-100", opts.Quality)
	}
	if opts.ResizeDimension < 0 {
		return invalid("negative resize dimension %d", opts.ResizeDimension)
	}
	if opts.Model == "" {
		opts.Model = rembg.Express
	}
	if _, err := rembg.ParseModel(opts.Model.String()); err != nil {
		return invalid("%v", err)
	}
	if opts.RemoveBackground && p.remover == nil {
		return invalid("background removal not configured")
	}
	if opts.Inpaint != nil {
		ip := *opts.Inpaint
		opts.Inpaint = &ip
		if len(ip.Mask) == 0 {
			return invalid("inpaint mask is empty")
		}
		if ip.Strategy == "" {
			ip.Strategy = inpaint.StrategyTelea
		}
		switch ip.Strategy {
		case inpaint.StrategyTelea:
		case inpaint.StrategyNeural:
			if p.neural == nil {
				return ErrNoNeural
			}
		default:
			return invalid("unknown inpaint strategy %q", ip.Strategy)
		}
	}
	if opts.RequestID == "" {
		opts.RequestID = ksuid.New().String()
	}
	if opts.ImageID == "" {
		opts.ImageID = cache.ImageID(in.Data)
	}
	return nil
}

// fileName 扩展名缺失时根据 MIME 补一个，方便规范化阶段识别格式
func (in Input) fileName() string {
	if format.FromFileName(in.FileName) != format.Unknown || in.MIME == "" {
		return in.FileName
	}
	if info, ok := format.Lookup(in.MIME); ok && len(info.Extensions) > 0 {
		return in.FileName + info.Extensions[0]
	}
	return in.FileName
}

// convertible 转换引擎能直接解码的格式，其它格式即使没有 AI 步骤也要先规范化
func convertible(f format.Format) bool {
	switch f {
	case format.PNG, format.JPEG, format.GIF, format.WEBP, format.BMP, format.TIFF, format.ICO:
		return true
	}
	return false
}

// Process 按顺序执行：
//
//	规范化（有 AI 步骤或格式无法直接转换时强制）
//	去背景（可选，结果进缓存）
//	补全（可选）
//	裁边（可选）
//	编码为目标格式
func (p *Pipeline) Process(ctx context.Context, in Input, opts Options) (Output, error) {
	if err := p.validate(in, &opts); err != nil {
		return Output{}, err
	}
	start := time.Now()
	log := p.log.With(zap.String("request", opts.RequestID), zap.String("file", in.FileName))

	// 1. 规范化
	needPixels := opts.RemoveBackground || opts.Inpaint != nil || opts.Trim || opts.Square
	force := needPixels || !convertible(format.Sniff(in.Data))
	norm, err := p.normalizer.Normalize(ctx, in.Data, in.fileName(), force)
	if err != nil {
		return Output{}, fmt.Errorf("normalize: %w", err)
	}
	if norm.Outcome == normalize.DegradedPassthrough && needPixels {
		return Output{}, undecodable(norm.Causes)
	}
	data := norm.Data

	// 2. 去背景
	if opts.RemoveBackground {
		data, err = p.remover.Remove(ctx, rembg.Request{
			ImageID:   opts.ImageID,
			Data:      data,
			Model:     opts.Model,
			RequestID: opts.RequestID,
		})
		if err != nil {
			return Output{}, fmt.Errorf("remove background: %w", err)
		}
	}

	// 3. 补全
	if opts.Inpaint != nil {
		data, err = p.inpaint(ctx, data, opts)
		if err != nil {
			return Output{}, err
		}
	}

	// 4. 裁边
	if opts.Trim || opts.Square {
		data, err = trim(data, opts.Square)
		if err != nil {
			return Output{}, err
		}
	}

	// 5. 编码
	progress.Report(p.sink, opts.RequestID, stageConvert, progress.Processing, 0)
	out, err := p.converter.Convert(ctx, data, opts.OutputFormat, convert.Options{
		Quality:         opts.Quality,
		StripMetadata:   opts.StripMetadata,
		ResizeDimension: opts.ResizeDimension,
	})
	if err != nil {
		return Output{}, fmt.Errorf("convert: %w", err)
	}
	progress.Report(p.sink, opts.RequestID, stageConvert, progress.Processing, 100)

	log.Info("image processed",
		zap.String("format", string(out.Format)),
		zap.String("engine", out.Engine),
		zap.Stringer("normalize", norm.Outcome),
		zap.Bool("removeBackground", opts.RemoveBackground),
		zap.Int("bytes", len(out.Data)),
		zap.Duration("elapsed", time.Since(start)))

	return Output{
		Data:      out.Data,
		Format:    out.Format,
		MIME:      out.MIME,
		Engine:    out.Engine,
		RequestID: opts.RequestID,
		Outcome:   norm.Outcome,
	}, nil
}

const stageConvert = "convert"

// Preview 只做去背景，返回 PNG；结果写入缓存，之后同一图片的 Process 直接命中
func (p *Pipeline) Preview(ctx context.Context, in Input, model rembg.Model, requestID, imageID string) (Output, error) {
	opts := Options{OutputFormat: string(format.PNG), RemoveBackground: true, Model: model, RequestID: requestID, ImageID: imageID}
	if err := p.validate(in, &opts); err != nil {
		return Output{}, err
	}

	norm, err := p.normalizer.Normalize(ctx, in.Data, in.fileName(), true)
	if err != nil {
		return Output{}, fmt.Errorf("normalize: %w", err)
	}
	if norm.Outcome == normalize.DegradedPassthrough {
		return Output{}, undecodable(norm.Causes)
	}
	data, err := p.remover.Remove(ctx, rembg.Request{ImageID: opts.ImageID, Data: norm.Data, Model: opts.Model, RequestID: opts.RequestID})
	if err != nil {
		return Output{}, fmt.Errorf("remove background: %w", err)
	}
	return Output{Data: data, Format: format.PNG, MIME: "image/png", Engine: "rembg", RequestID: opts.RequestID, Outcome: norm.Outcome}, nil
}

func undecodable(causes []error) error {
	if len(causes) == 0 {
		return ErrUndecodable
	}
	return fmt.Errorf("%w: %w", ErrUndecodable, errors.Join(causes...))
}

func (p *Pipeline) inpaint(ctx context.Context, data []byte, opts Options) ([]byte, error) {
	img, _, err := imgutil.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	mask, _, err := imgutil.Decode(opts.Inpaint.Mask)
	if err != nil {
		return nil, invalid("decode mask: %v", err)
	}

	var engine inpaint.Inpainter
	switch opts.Inpaint.Strategy {
	case inpaint.StrategyNeural:
		engine = p.neural
	default:
		engine = inpaint.Telea{Radius: opts.Inpaint.Radius}
	}

	out, err := engine.Inpaint(inpaint.WithRequestID(ctx, opts.RequestID), img, mask)
	if err != nil {
		if errors.Is(err, inpaint.ErrMaskSize) || errors.Is(err, inpaint.ErrNothingKnown) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("inpaint: %w", err)
	}
	return imgutil.EncodePNG(out)
}

func trim(data []byte, square bool) ([]byte, error) {
	img, _, err := imgutil.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	src := imgutil.ToNRGBA(img)
	bbox, err := imgutil.AlphaBBox(src, 0)
	if err != nil {
		// 完全透明时保持原样
		return data, nil
	}

	var out image.Image
	if square {
		out = imgutil.PadSquare(src, bbox)
	} else {
		out = imgutil.Crop(src, bbox)
	}
	return imgutil.EncodePNG(out)
}
