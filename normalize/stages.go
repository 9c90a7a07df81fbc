package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/heic"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	_ "github.com/chaos-io/imgforge/convert/ico"
	"github.com/chaos-io/imgforge/format"
	"github.com/chaos-io/imgforge/imgutil"
)

// DefaultSVGSize SVG 没有 viewBox 或尺寸为 0 时的栅格化尺寸
const DefaultSVGSize = 2048

var ErrNoPreview = errors.New("normalize: no embedded preview")

// HEIC 专用解码器，libheif 编译成 WASM 运行
type HEIC struct{}

func (HEIC) Name() string { return "heic" }

func (HEIC) Accepts(src Source) bool { return src.Is(format.HEIC, format.HEIF) }

func (HEIC) Decode(_ context.Context, src Source) (image.Image, error) {
	return heic.Decode(bytes.NewReader(src.Data))
}

// SVG 按 viewBox 尺寸栅格化，背景透明
type SVG struct {
	Size int
}

func (SVG) Name() string { return "svg" }

func (SVG) Accepts(src Source) bool { return src.Is(format.SVG) }

func (s SVG) Decode(_ context.Context, src Source) (image.Image, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(src.Data))
	if err != nil {
		return nil, err
	}

	w, h := int(icon.ViewBox.W), int(icon.ViewBox.H)
	if w <= 0 || h <= 0 {
		size := s.Size
		if size <= 0 {
			size = DefaultSVGSize
		}
		w, h = size, size
	}
	icon.SetTarget(0, 0, float64(w), float64(h))

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	raster := rasterx.NewDasher(w, h, scanner)
	icon.Draw(raster, 1.0)
	return img, nil
}

// Native 标准库解码（PNG/JPEG/WebP/ICO/GIF），JPEG 交给 imaging 按 Exif 方向摆正
type Native struct{}

func (Native) Name() string { return "native" }

func (Native) Accepts(src Source) bool {
	return src.Is(format.PNG, format.JPEG, format.WEBP, format.ICO, format.GIF)
}

func (Native) Decode(_ context.Context, src Source) (image.Image, error) {
	if src.Sniffed == format.JPEG {
		return imaging.Decode(bytes.NewReader(src.Data), imaging.AutoOrientation(true))
	}
	img, _, err := imgutil.Decode(src.Data)
	return img, err
}

// Imaging 重量级解码，接受任何输入，自动应用 Exif 方向
type Imaging struct{}

func (Imaging) Name() string { return "imaging" }

func (Imaging) Accepts(Source) bool { return true }

func (Imaging) Decode(_ context.Context, src Source) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(src.Data), imaging.AutoOrientation(true))
}

// RawPreview 从 RAW 等容器里取最大的内嵌 JPEG 预览
type RawPreview struct {
	// 最多检查的 SOI 候选数，0 表示 64
	MaxCandidates int
}

func (RawPreview) Name() string { return "raw-preview" }

func (RawPreview) Accepts(Source) bool { return true }

func (r RawPreview) Decode(ctx context.Context, src Source) (image.Image, error) {
	limit := r.MaxCandidates
	if limit <= 0 {
		limit = 64
	}

	data := src.Data
	best, bestArea := -1, 0
	soi := []byte{0xFF, 0xD8, 0xFF}
	for off, n := 0, 0; n < limit; n++ {
		i := bytes.Index(data[off:], soi)
		if i < 0 {
			break
		}
		at := off + i
		off = at + len(soi)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data[at:]))
		if err != nil {
			continue
		}
		if area := cfg.Width * cfg.Height; area > bestArea {
			best, bestArea = at, area
		}
	}
	if best < 0 {
		return nil, ErrNoPreview
	}

	img, err := imaging.Decode(bytes.NewReader(data[best:]), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("embedded preview at %d: %w", best, err)
	}
	return img, nil
}
