// Package normalize 把任意输入转成后续处理可以直接使用的 PNG。
// 各解码阶段依次尝试，全部失败时原样返回，不报错
package normalize

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/chaos-io/imgforge/format"
	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/metrics"
)

var ErrEmptyInput = errors.New("normalize: empty input")

type Outcome int

const (
	// Skipped 未强制，字节原样返回
	Skipped Outcome = iota
	Normalized
	// DegradedPassthrough 所有阶段都失败，返回原始字节
	DegradedPassthrough
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Normalized:
		return "normalized"
	case DegradedPassthrough:
		return "degraded-passthrough"
	default:
		return "unknown"
	}
}

type Result struct {
	Data    []byte
	Format  format.Format
	Outcome Outcome
	// 失败阶段的错误，按尝试顺序
	Causes []error
}

// Source 一次规范化的输入；Named 来自文件扩展名，Sniffed 来自文件头
type Source struct {
	Data     []byte
	FileName string
	Named    format.Format
	Sniffed  format.Format
}

func (s Source) Is(fs ...format.Format) bool {
	for _, f := range fs {
		if f == format.Unknown {
			continue
		}
		if s.Named == f || s.Sniffed == f {
			return true
		}
	}
	return false
}

// Format 文件头优先，其次扩展名
func (s Source) Format() format.Format {
	if s.Sniffed != format.Unknown {
		return s.Sniffed
	}
	return s.Named
}

type Decoder interface {
	Name() string
	Accepts(src Source) bool
	Decode(ctx context.Context, src Source) (image.Image, error)
}

// StageError 某个解码阶段的失败原因
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

type Normalizer struct {
	stages []Decoder
	log    *zap.Logger
}

// New stages 为空时使用 DefaultStages
func New(logger *zap.Logger, stages ...Decoder) *Normalizer {
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	return &Normalizer{stages: stages, log: logging.OrNop(logger)}
}

// DefaultStages HEIC -> SVG -> 原生解码 -> imaging -> RAW 内嵌预览
func DefaultStages() []Decoder {
	return []Decoder{HEIC{}, SVG{Size: DefaultSVGSize}, Native{}, Imaging{}, RawPreview{}}
}

// Normalize force 为 false 时直接返回；只有后面要做 AI 处理时才需要强制
func (n *Normalizer) Normalize(ctx context.Context, data []byte, fileName string, force bool) (Result, error) {
	if len(data) == 0 {
		return Result{}, ErrEmptyInput
	}
	src := Source{Data: data, FileName: fileName, Named: format.FromFileName(fileName), Sniffed: format.Sniff(data)}
	if !force {
		metrics.Normalized.WithLabelValues(Skipped.String()).Inc()
		return Result{Data: data, Format: src.Format(), Outcome: Skipped}, nil
	}

	var causes []error
	for _, stage := range n.stages {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !stage.Accepts(src) {
			continue
		}
		img, err := stage.Decode(ctx, src)
		if err == nil && (img == nil || img.Bounds().Empty()) {
			err = imgutil.ErrEmptyImage
		}
		if err != nil {
			n.log.Debug("normalize stage failed", zap.String("stage", stage.Name()), zap.String("file", fileName), zap.Error(err))
			causes = append(causes, &StageError{Stage: stage.Name(), Err: err})
			continue
		}

		out, err := imgutil.EncodePNG(img)
		if err != nil {
			causes = append(causes, &StageError{Stage: stage.Name(), Err: err})
			continue
		}
		metrics.Normalized.WithLabelValues(Normalized.String()).Inc()
		return Result{Data: out, Format: format.PNG, Outcome: Normalized, Causes: causes}, nil
	}

	n.log.Warn("all decoders failed, passing original bytes through",
		zap.String("file", fileName), zap.String("format", string(src.Format())), zap.Error(errors.Join(causes...)))
	metrics.Normalized.WithLabelValues(DegradedPassthrough.String()).Inc()
	return Result{Data: data, Format: src.Format(), Outcome: DegradedPassthrough, Causes: causes}, nil
}
