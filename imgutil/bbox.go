package imgutil

import (
	"errors"
	"image"

	"golang.org/x/image/draw"
)

var ErrNoForeground = errors.New("imgutil: no foreground pixels")

// AlphaBBox 从 alpha 通道计算主体 bounding box，
// alpha > threshold * 255 的像素算作主体
func AlphaBBox(img *image.NRGBA, threshold float64) (image.Rectangle, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	th := uint8(threshold * 255)

	minX, minY := w, h
	maxX, maxY := 0, 0
	found := false

	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			if img.Pix[row+x*4+3] <= th {
				continue
			}
			found = true
			minX, minY = min(minX, x), min(minY, y)
			maxX, maxY = max(maxX, x), max(maxY, y)
		}
	}

	if !found {
		return image.Rectangle{}, ErrNoForeground
	}
	return image.Rect(minX, minY, maxX+1, maxY+1).Add(b.Min), nil
}

// Crop 复制 rect 区域，结果原点为 (0,0)
func Crop(img image.Image, rect image.Rectangle) *image.NRGBA {
	rect = rect.Intersect(img.Bounds())
	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// PadSquare 把主体放在透明正方形画布中央，边长取 bbox 最长边
func PadSquare(img image.Image, bbox image.Rectangle) *image.NRGBA {
	bbox = bbox.Intersect(img.Bounds())
	size := max(bbox.Dx(), bbox.Dy())
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	at := image.Pt((size-bbox.Dx())/2, (size-bbox.Dy())/2)
	draw.Draw(dst, image.Rectangle{Min: at, Max: at.Add(bbox.Size())}, img, bbox.Min, draw.Src)
	return dst
}
