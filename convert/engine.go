package convert

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/chaos-io/imgforge/convert/ico"
	"github.com/chaos-io/imgforge/format"
	"github.com/chaos-io/imgforge/imgutil"
)

// ImagingEngine 主引擎，基于 disintegration/imaging；不能写 WebP 和 ICO
type ImagingEngine struct {
	resize Resizer
}

func NewImagingEngine(r Resizer) *ImagingEngine {
	if r == nil {
		r = func(img image.Image, w, h int) image.Image {
			return imaging.Resize(img, w, h, imaging.Lanczos)
		}
	}
	return &ImagingEngine{resize: r}
}

func (e *ImagingEngine) Name() string { return "imaging" }

var imagingFormats = map[format.Format]imaging.Format{
	format.JPEG: imaging.JPEG,
	format.PNG:  imaging.PNG,
	format.GIF:  imaging.GIF,
	format.TIFF: imaging.TIFF,
	format.BMP:  imaging.BMP,
}

func (e *ImagingEngine) Convert(data []byte, target format.Format, opts Options) ([]byte, error) {
	f, ok := imagingFormats[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	img = prepare(img, target, opts, e.resize)

	var buf bytes.Buffer
	err = imaging.Encode(&buf, img, f,
		imaging.JPEGQuality(opts.Quality),
		imaging.PNGCompressionLevel(pngLevel(opts.Quality)),
		imaging.GIFNumColors(gifColors(opts.Quality)),
	)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", target, err)
	}
	return carryExif(buf.Bytes(), data, target, opts), nil
}

// NativeEngine 备用引擎：标准库 + x/image + chai2010/webp + 自带的 ICO 编码
type NativeEngine struct {
	resize Resizer
}

func NewNativeEngine(r Resizer) *NativeEngine {
	if r == nil {
		r = imgutil.Resize
	}
	return &NativeEngine{resize: r}
}

func (e *NativeEngine) Name() string { return "native" }

func (e *NativeEngine) Convert(data []byte, target format.Format, opts Options) ([]byte, error) {
	img, _, err := imgutil.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	img = prepare(img, target, opts, e.resize)

	var buf bytes.Buffer
	switch target {
	case format.PNG:
		enc := png.Encoder{CompressionLevel: pngLevel(opts.Quality)}
		err = enc.Encode(&buf, img)
	case format.JPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality})
	case format.GIF:
		err = gif.Encode(&buf, img, &gif.Options{NumColors: gifColors(opts.Quality)})
	case format.BMP:
		err = bmp.Encode(&buf, img)
	case format.TIFF:
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case format.WEBP:
		err = webp.Encode(&buf, img, &webp.Options{Lossless: opts.Quality == 100, Quality: float32(opts.Quality)})
	case format.ICO:
		err = ico.Encode(&buf, img)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", target, err)
	}
	return carryExif(buf.Bytes(), data, target, opts), nil
}

// carryExif JPEG 转 JPEG 且保留元数据时，把源文件的 Exif 段带过去
func carryExif(out, src []byte, target format.Format, opts Options) []byte {
	if opts.StripMetadata || target != format.JPEG || format.Sniff(src) != format.JPEG {
		return out
	}
	return withExif(out, imgutil.ExifSegment(src))
}
