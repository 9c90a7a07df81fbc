// Package inpaint 按 mask 补全图像：Telea 快速行进法，或者生成式网络
package inpaint

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/chaos-io/imgforge/imgutil"
)

var (
	ErrMaskSize     = errors.New("inpaint: mask size does not match image")
	ErrNothingKnown = errors.New("inpaint: mask covers the whole image")
)

type Inpainter interface {
	Inpaint(ctx context.Context, img image.Image, mask image.Image) (image.Image, error)
}

type Strategy string

const (
	StrategyTelea  Strategy = "telea"
	StrategyNeural Strategy = "neural"
)

// ParseStrategy 空字符串返回 Telea
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "telea", "fast", "fmm":
		return StrategyTelea, nil
	case "neural", "lama", "ai":
		return StrategyNeural, nil
	default:
		return "", fmt.Errorf("inpaint: unknown strategy %q", s)
	}
}

// maskValues 逐像素取 mask 强度：带透明度的 mask 取 alpha，否则取亮度
func maskValues(img, mask image.Image) ([]uint8, error) {
	ib, mb := img.Bounds(), mask.Bounds()
	if ib.Dx() != mb.Dx() || ib.Dy() != mb.Dy() {
		return nil, fmt.Errorf("%w: image %dx%d, mask %dx%d", ErrMaskSize, ib.Dx(), ib.Dy(), mb.Dx(), mb.Dy())
	}

	n := imgutil.ToNRGBA(mask)
	useAlpha := imgutil.HasUsefulAlpha(n)
	w, h := mb.Dx(), mb.Dy()
	vals := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if useAlpha {
				vals[y*w+x] = n.Pix[y*n.Stride+x*4+3]
				continue
			}
			vals[y*w+x] = imgutil.Luminance(n.NRGBAAt(x, y))
		}
	}
	return vals, nil
}
