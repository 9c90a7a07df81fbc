// Package ico 读写 Windows ICO 图标，写出时每个图标项都以 PNG 存储
package ico

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
)

// MaxSize ICO 目录项用一个字节记录宽高，0 表示 256
const MaxSize = 256

var (
	ErrTooLarge    = errors.New("ico: image larger than 256x256")
	ErrFormat      = errors.New("ico: invalid format")
	ErrUnsupported = errors.New("ico: unsupported entry encoding")
)

const (
	headerLen = 6
	entryLen  = 16
)

func init() {
	image.RegisterFormat("ico", "\x00\x00\x01\x00", Decode, DecodeConfig)
}

type entry struct {
	width, height int
	bitCount      uint16
	size          uint32
	offset        uint32
}

// Encode 写出只有一个 PNG 图标项的 ICO
func Encode(w io.Writer, img image.Image) error {
	b := img.Bounds()
	if b.Dx() > MaxSize || b.Dy() > MaxSize {
		return fmt.Errorf("%w: %dx%d", ErrTooLarge, b.Dx(), b.Dy())
	}
	if b.Empty() {
		return fmt.Errorf("%w: empty image", ErrFormat)
	}

	var body bytes.Buffer
	if err := png.Encode(&body, img); err != nil {
		return err
	}

	var head [headerLen + entryLen]byte
	binary.LittleEndian.PutUint16(head[2:], 1) // type: icon
	binary.LittleEndian.PutUint16(head[4:], 1) // count
	e := head[headerLen:]
	e[0] = byte(b.Dx() % MaxSize)
	e[1] = byte(b.Dy() % MaxSize)
	binary.LittleEndian.PutUint16(e[4:], 1)  // planes
	binary.LittleEndian.PutUint16(e[6:], 32) // bpp
	binary.LittleEndian.PutUint32(e[8:], uint32(body.Len()))
	binary.LittleEndian.PutUint32(e[12:], headerLen+entryLen)

	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func readEntries(data []byte) ([]entry, error) {
	if len(data) < headerLen || binary.LittleEndian.Uint16(data[0:]) != 0 || binary.LittleEndian.Uint16(data[2:]) != 1 {
		return nil, ErrFormat
	}
	n := int(binary.LittleEndian.Uint16(data[4:]))
	if n == 0 || len(data) < headerLen+n*entryLen {
		return nil, ErrFormat
	}

	entries := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		e := data[headerLen+i*entryLen:]
		en := entry{
			width:    int(e[0]),
			height:   int(e[1]),
			bitCount: binary.LittleEndian.Uint16(e[6:]),
			size:     binary.LittleEndian.Uint32(e[8:]),
			offset:   binary.LittleEndian.Uint32(e[12:]),
		}
		if en.width == 0 {
			en.width = MaxSize
		}
		if en.height == 0 {
			en.height = MaxSize
		}
		if uint64(en.offset)+uint64(en.size) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: entry %d out of bounds", ErrFormat, i)
		}
		entries = append(entries, en)
	}
	return entries, nil
}

// largest 取面积最大的项，面积相同时取色深更高的
func largest(entries []entry) entry {
	best := entries[0]
	for _, e := range entries[1:] {
		if a, b := e.width*e.height, best.width*best.height; a > b || (a == b && e.bitCount > best.bitCount) {
			best = e
		}
	}
	return best
}

// Decode 解码最大的图标项，支持 PNG 项和 24/32 位 BMP 项
func Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	entries, err := readEntries(data)
	if err != nil {
		return nil, err
	}
	e := largest(entries)
	body := data[e.offset : e.offset+e.size]
	if bytes.HasPrefix(body, []byte("\x89PNG")) {
		return png.Decode(bytes.NewReader(body))
	}
	return decodeDIB(body)
}

func DecodeConfig(r io.Reader) (image.Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return image.Config{}, err
	}
	entries, err := readEntries(data)
	if err != nil {
		return image.Config{}, err
	}
	e := largest(entries)
	return image.Config{ColorModel: color.NRGBAModel, Width: e.width, Height: e.height}, nil
}

// decodeDIB 图标里的 BMP 没有文件头，高度是 XOR + AND 两张图之和
func decodeDIB(body []byte) (image.Image, error) {
	if len(body) < 40 {
		return nil, ErrFormat
	}
	hdr := binary.LittleEndian.Uint32(body[0:])
	w := int(int32(binary.LittleEndian.Uint32(body[4:])))
	h := int(int32(binary.LittleEndian.Uint32(body[8:]))) / 2
	bpp := binary.LittleEndian.Uint16(body[14:])
	compression := binary.LittleEndian.Uint32(body[16:])
	if w <= 0 || h <= 0 || compression != 0 || hdr < 40 || int(hdr) > len(body) {
		return nil, ErrUnsupported
	}
	if bpp != 32 && bpp != 24 {
		return nil, fmt.Errorf("%w: %d bpp", ErrUnsupported, bpp)
	}

	px := int(bpp) / 8
	stride := (w*px + 3) &^ 3
	maskStride := ((w + 31) / 32) * 4
	xor := body[hdr:]
	if len(xor) < stride*h {
		return nil, ErrFormat
	}
	and := xor[stride*h:]
	hasMask := bpp == 24 && len(and) >= maskStride*h

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		// 行从下往上存
		row := xor[(h-1-y)*stride:]
		for x := 0; x < w; x++ {
			p := row[x*px:]
			a := uint8(255)
			if bpp == 32 {
				a = p[3]
			} else if hasMask {
				bit := and[(h-1-y)*maskStride+x/8] >> (7 - uint(x%8)) & 1
				if bit == 1 {
					a = 0
				}
			}
			img.SetNRGBA(x, y, color.NRGBA{R: p[2], G: p[1], B: p[0], A: a})
		}
	}
	return img, nil
}
