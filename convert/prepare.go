package convert

import (
	"image"
	"image/png"

	"github.com/chaos-io/imgforge/convert/ico"
	"github.com/chaos-io/imgforge/format"
)

// prepare 两个引擎共用：先按 ResizeDimension 缩放，再做 ICO 的 256 限制
func prepare(img image.Image, target format.Format, opts Options, resize Resizer) image.Image {
	if opts.ResizeDimension > 0 {
		if w, h, ok := fit(img.Bounds(), opts.ResizeDimension); ok {
			img = resize(img, w, h)
		}
	}
	if target == format.ICO {
		b := img.Bounds()
		if b.Dx() > ico.MaxSize || b.Dy() > ico.MaxSize {
			w, h, _ := fit(b, ico.MaxSize)
			img = resize(img, w, h)
		}
	}
	return img
}

// fit 等比缩放使最长边等于 dim，尺寸不变时 ok 为 false
func fit(b image.Rectangle, dim int) (w, h int, ok bool) {
	bw, bh := b.Dx(), b.Dy()
	if bw <= 0 || bh <= 0 {
		return bw, bh, false
	}
	if bw >= bh {
		w, h = dim, max(1, (bh*dim+bw/2)/bw)
	} else {
		w, h = max(1, (bw*dim+bh/2)/bh), dim
	}
	return w, h, w != bw || h != bh
}

// pngLevel 质量越高压缩越轻；PNG 本身无损
func pngLevel(q int) png.CompressionLevel {
	switch {
	case q >= 90:
		return png.BestSpeed
	case q >= 50:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

// gifColors 质量映射到调色板大小 2-256
func gifColors(q int) int {
	return min(256, max(2, q*256/100))
}
