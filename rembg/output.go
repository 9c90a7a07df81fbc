package rembg

import (
	"context"
	"errors"
	"image"

	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/provider"
)

// Output 分割网络的输出：要么是单通道 mask，要么是已经抠好的 RGBA 图
type Output interface {
	isOutput()
}

type RawMask struct {
	Mask *image.Gray
}

type CompositedImage struct {
	Image image.Image
}

func (RawMask) isOutput()         {}
func (CompositedImage) isOutput() {}

type Segmenter interface {
	Segment(ctx context.Context, img image.Image) (Output, error)
}

// Loader 在指定后端上加载模型
type Loader interface {
	Load(ctx context.Context, m Model, p provider.Provider) (Segmenter, error)
}

// 亮像素占比超过这个值时认为白色是前景
const brightForegroundRatio = 0.65

var errNoOutput = errors.New("rembg: segmenter returned no output")

// compose 把网络输出合成为带 alpha 的 PNG
func compose(src image.Image, out Output) ([]byte, error) {
	switch o := out.(type) {
	case CompositedImage:
		if o.Image == nil {
			return nil, errNoOutput
		}
		b := src.Bounds()
		return imgutil.EncodePNG(imgutil.ToNRGBA(imgutil.Resize(o.Image, b.Dx(), b.Dy())))
	case RawMask:
		if o.Mask == nil {
			return nil, errNoOutput
		}
		return imgutil.EncodePNG(applyMask(src, o.Mask))
	default:
		return nil, errNoOutput
	}
}

// applyMask alpha = 源 alpha × 归一化的 mask，mask 极性自动判断
func applyMask(src image.Image, mask *image.Gray) *image.NRGBA {
	dst := imgutil.ToNRGBA(src)
	if dst == src {
		dst = cloneNRGBA(dst)
	}
	b := dst.Bounds()
	m := imgutil.ToGray(imgutil.Resize(mask, b.Dx(), b.Dy()))

	whiteIsForeground := BrightRatio(m) > brightForegroundRatio
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := uint32(m.Pix[y*m.Stride+x])
			if !whiteIsForeground {
				v = 255 - v
			}
			i := y*dst.Stride + x*4 + 3
			dst.Pix[i] = uint8(uint32(dst.Pix[i]) * v / 255)
		}
	}
	return dst
}

// BrightRatio mask 中亮度 > 127 的像素比例
func BrightRatio(m *image.Gray) float64 {
	b := m.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	bright := 0
	for y := 0; y < b.Dy(); y++ {
		row := m.Pix[y*m.Stride : y*m.Stride+b.Dx()]
		for _, v := range row {
			if v > 127 {
				bright++
			}
		}
	}
	return float64(bright) / float64(total)
}

func cloneNRGBA(img *image.NRGBA) *image.NRGBA {
	c := *img
	c.Pix = append([]uint8(nil), img.Pix...)
	return &c
}
