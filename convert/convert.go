// Package convert 把规范化后的图片编码成目标格式。
// 主引擎失败时用备用引擎完整重做一遍，两个都失败才报错
package convert

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/chaos-io/imgforge/format"
	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/metrics"
)

const DefaultQuality = 90

var (
	ErrInvalidOutput     = errors.New("convert: encoder produced no data")
	ErrUnsupportedTarget = errors.New("convert: engine cannot encode target")
)

type Options struct {
	// 1-100，0 表示默认值
	Quality       int
	StripMetadata bool
	// 最长边缩放到该值，0 表示不缩放
	ResizeDimension int
}

type Output struct {
	Data   []byte
	Format format.Format
	MIME   string
	Engine string
}

type Engine interface {
	Name() string
	Convert(data []byte, target format.Format, opts Options) ([]byte, error)
}

// Resizer 缩放到精确尺寸；测试里用它统计缩放次数
type Resizer func(img image.Image, w, h int) image.Image

// EngineError 两个引擎都失败
type EngineError struct {
	Primary   error
	Secondary error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("convert: primary engine: %v; secondary engine: %v", e.Primary, e.Secondary)
}

func (e *EngineError) Unwrap() []error {
	return []error{e.Primary, e.Secondary}
}

type Converter struct {
	primary   Engine
	secondary Engine
	quality   int
	log       *zap.Logger
}

type Option func(*Converter)

func WithLogger(l *zap.Logger) Option {
	return func(c *Converter) { c.log = logging.OrNop(l) }
}

// WithDefaultQuality 请求没有指定质量时使用
func WithDefaultQuality(q int) Option {
	return func(c *Converter) {
		if q >= 1 && q <= 100 {
			c.quality = q
		}
	}
}

func New(primary, secondary Engine, opts ...Option) *Converter {
	c := &Converter{primary: primary, secondary: secondary, quality: DefaultQuality, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewDefault imaging 为主引擎，标准库编码器为备用
func NewDefault(opts ...Option) *Converter {
	return New(NewImagingEngine(nil), NewNativeEngine(nil), opts...)
}

// Target 解析输出格式，不可写的格式回退到 PNG
func (c *Converter) Target(tag string) format.Format {
	if info, ok := format.Lookup(tag); ok && info.Writable {
		return info.Format
	}
	c.log.Warn("output format not writable, falling back to png", zap.String("requested", tag))
	metrics.Coercions.WithLabelValues(tag).Inc()
	return format.PNG
}

func (c *Converter) Convert(ctx context.Context, data []byte, target string, opts Options) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if len(data) == 0 {
		return Output{}, fmt.Errorf("convert: empty input")
	}
	if opts.Quality == 0 {
		opts.Quality = c.quality
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return Output{}, fmt.Errorf("convert: quality %d out of range 1-100", opts.Quality)
	}
	if opts.ResizeDimension < 0 {
		return Output{}, fmt.Errorf("convert: negative resize dimension %d", opts.ResizeDimension)
	}

	f := c.Target(target)
	out, perr := run(c.primary, data, f, opts)
	if perr == nil {
		return c.output(out, f, c.primary), nil
	}
	c.log.Info("primary engine failed, trying secondary",
		zap.String("engine", c.primary.Name()), zap.String("format", string(f)), zap.Error(perr))

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	out, serr := run(c.secondary, data, f, opts)
	if serr == nil {
		return c.output(out, f, c.secondary), nil
	}
	return Output{}, &EngineError{Primary: perr, Secondary: serr}
}

func (c *Converter) output(data []byte, f format.Format, e Engine) Output {
	metrics.Conversions.WithLabelValues(e.Name(), string(f)).Inc()
	return Output{Data: data, Format: f, MIME: format.Buffer{Format: f}.MIME(), Engine: e.Name()}
}

// run 空输出也算失败
func run(e Engine, data []byte, f format.Format, opts Options) ([]byte, error) {
	if e == nil {
		return nil, errors.New("convert: no engine")
	}
	out, err := e.Convert(data, f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", e.Name(), ErrInvalidOutput)
	}
	return out, nil
}
