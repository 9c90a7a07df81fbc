package inpaint

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/imgforge/imgutil"
)

// squareMask size×size 的 mask，中间 hole×hole 为白色
func squareMask(size, hole int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, size, size))
	off := (size - hole) / 2
	for y := off; y < off+hole; y++ {
		for x := off; x < off+hole; x++ {
			m.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return m
}

func TestTeleaSolidColour(t *testing.T) {
	fill := color.NRGBA{R: 40, G: 120, B: 200, A: 255}
	src := imgutil.Fill(20, 20, fill)
	// hole 里放上噪声，结果必须与它无关
	for y := 7; y < 13; y++ {
		for x := 7; x < 13; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}

	out, err := InpaintTelea(src, squareMask(20, 6), 5)
	require.NoError(t, err)
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			assert.Equal(t, fill, out.NRGBAAt(x, y), "(%d,%d)", x, y)
		}
	}
}

func TestTeleaGradientStaysInRange(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 50, A: 255})
		}
	}
	mask := squareMask(20, 6)

	out, err := InpaintTelea(src, mask, 3)
	require.NoError(t, err)

	for y := 7; y < 13; y++ {
		for x := 7; x < 13; x++ {
			c := out.NRGBAAt(x, y)
			assert.InDelta(t, x*10, int(c.R), 40, "(%d,%d)", x, y)
			assert.InDelta(t, y*10, int(c.G), 40, "(%d,%d)", x, y)
			assert.Equal(t, uint8(50), c.B)
		}
	}
	// 已知像素保持原样
	assert.Equal(t, src.NRGBAAt(2, 3), out.NRGBAAt(2, 3))
	assert.Equal(t, src.NRGBAAt(19, 19), out.NRGBAAt(19, 19))
}

func TestTeleaDeterministic(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 37)
	}
	mask := squareMask(20, 6)

	a, err := InpaintTelea(src, mask, 4)
	require.NoError(t, err)
	b, err := InpaintTelea(src, mask, 4)
	require.NoError(t, err)
	assert.Equal(t, a.Pix, b.Pix)
}

func TestTeleaRadiusClamp(t *testing.T) {
	src := imgutil.Fill(20, 20, color.NRGBA{G: 255, A: 255})
	mask := squareMask(20, 6)

	a, err := InpaintTelea(src, mask, 0)
	require.NoError(t, err)
	b, err := InpaintTelea(src, mask, MinRadius)
	require.NoError(t, err)
	assert.Equal(t, a.Pix, b.Pix)
}

func TestTeleaDefaultRadius(t *testing.T) {
	src := imgutil.Fill(20, 20, color.NRGBA{G: 255, A: 255})
	src.SetNRGBA(3, 3, color.NRGBA{R: 255, A: 255})
	mask := squareMask(20, 6)

	out, err := Telea{}.Inpaint(context.Background(), src, mask)
	require.NoError(t, err)
	want, err := InpaintTelea(src, mask, DefaultRadius)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, imgutil.ToNRGBA(out).Pix)
}

func TestTeleaErrors(t *testing.T) {
	src := imgutil.Fill(20, 20, color.White)

	_, err := InpaintTelea(src, squareMask(10, 2), 3)
	assert.ErrorIs(t, err, ErrMaskSize)

	_, err = InpaintTelea(src, squareMask(20, 20), 3)
	assert.ErrorIs(t, err, ErrNothingKnown)
}

func TestTeleaEmptyMaskIsIdentity(t *testing.T) {
	src := imgutil.Fill(5, 5, color.NRGBA{R: 1, G: 2, B: 3, A: 4})
	out, err := InpaintTelea(src, image.NewGray(image.Rect(0, 0, 5, 5)), 3)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestTeleaAlphaMask(t *testing.T) {
	src := imgutil.Fill(20, 20, color.NRGBA{B: 255, A: 255})
	src.SetNRGBA(10, 10, color.NRGBA{R: 255, A: 255})

	// 透明背景上画的笔刷：alpha 决定 hole
	mask := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	mask.SetNRGBA(10, 10, color.NRGBA{A: 255})

	out, err := Telea{}.Inpaint(context.Background(), src, mask)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, color.RGBAModel.Convert(out.At(10, 10)))
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": StrategyTelea, "Telea": StrategyTelea, "neural": StrategyNeural, "lama": StrategyNeural} {
		got, err := ParseStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("patchmatch")
	assert.Error(t, err)
}
