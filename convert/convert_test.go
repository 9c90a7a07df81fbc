package convert

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/imgforge/format"
	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/metrics"
)

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 90, A: 255})
		}
	}
	data, err := imgutil.EncodePNG(img)
	require.NoError(t, err)
	return data
}

func TestConvertEveryWritableFormat(t *testing.T) {
	c := NewDefault()
	src := pngOf(t, 40, 30)

	for _, f := range format.WritableFormats() {
		t.Run(string(f), func(t *testing.T) {
			out, err := c.Convert(context.Background(), src, string(f), Options{Quality: 80})
			require.NoError(t, err)
			assert.Equal(t, f, out.Format)
			assert.Equal(t, f, format.Sniff(out.Data))
			info, _ := format.Lookup(string(f))
			assert.Equal(t, info.MIME, out.MIME)

			cfg, _, err := image.DecodeConfig(bytes.NewReader(out.Data))
			require.NoError(t, err)
			assert.Equal(t, 40, cfg.Width)
			assert.Equal(t, 30, cfg.Height)
		})
	}
}

func TestConvertEngineSelection(t *testing.T) {
	c := NewDefault()
	src := pngOf(t, 8, 8)

	for f, engine := range map[string]string{"jpg": "imaging", "png": "imaging", "webp": "native", "ico": "native"} {
		out, err := c.Convert(context.Background(), src, f, Options{})
		require.NoError(t, err, f)
		assert.Equal(t, engine, out.Engine, f)
	}
}

func countingResizer(n *atomic.Int32) Resizer {
	return func(img image.Image, w, h int) image.Image {
		n.Add(1)
		return imgutil.Resize(img, w, h)
	}
}

func TestICOClamp(t *testing.T) {
	var calls atomic.Int32
	c := New(NewImagingEngine(countingResizer(&calls)), NewNativeEngine(countingResizer(&calls)))

	out, err := c.Convert(context.Background(), pngOf(t, 512, 300), "ico", Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	cfg, _, err := image.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, 256)
	assert.LessOrEqual(t, cfg.Height, 256)
	assert.Equal(t, 256, cfg.Width)

	calls.Store(0)
	_, err = c.Convert(context.Background(), pngOf(t, 100, 100), "ico", Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls.Load(), "small icons are not resized")

	calls.Store(0)
	_, err = c.Convert(context.Background(), pngOf(t, 256, 256), "ico", Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestResizeDimension(t *testing.T) {
	out, err := NewDefault().Convert(context.Background(), pngOf(t, 40, 20), "png", Options{ResizeDimension: 10})
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Width)
	assert.Equal(t, 5, cfg.Height)
}

func TestUnwritableTargetCoercesToPNG(t *testing.T) {
	c := NewDefault()
	before := testutil.ToFloat64(metrics.Coercions.WithLabelValues("heic"))

	for _, tag := range []string{"heic", "raf", "not-a-format", ""} {
		out, err := c.Convert(context.Background(), pngOf(t, 4, 4), tag, Options{})
		require.NoError(t, err, tag)
		assert.Equal(t, format.PNG, out.Format, tag)
		assert.Equal(t, "image/png", out.MIME)
		assert.Equal(t, format.PNG, format.Sniff(out.Data))
	}
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Coercions.WithLabelValues("heic")))
}

type fakeEngine struct {
	name  string
	out   []byte
	err   error
	calls int
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Convert([]byte, format.Format, Options) ([]byte, error) {
	f.calls++
	return f.out, f.err
}

func TestFallbackToSecondary(t *testing.T) {
	primary := &fakeEngine{name: "a", err: errors.New("cannot encode")}
	secondary := &fakeEngine{name: "b", out: []byte("ok")}

	out, err := New(primary, secondary).Convert(context.Background(), []byte("x"), "png", Options{})
	require.NoError(t, err)
	assert.Equal(t, "b", out.Engine)
	assert.Equal(t, []byte("ok"), out.Data)
	assert.Equal(t, 1, primary.calls)
}

func TestBothEnginesFail(t *testing.T) {
	errA := errors.New("a broke")
	primary := &fakeEngine{name: "a", err: errA}
	secondary := &fakeEngine{name: "b", out: []byte{}}

	out, err := New(primary, secondary).Convert(context.Background(), []byte("x"), "png", Options{})
	assert.Nil(t, out.Data)

	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, ErrInvalidOutput)
	assert.Contains(t, err.Error(), "a broke")
	assert.Contains(t, err.Error(), "b:")
}

func TestConvertValidation(t *testing.T) {
	c := New(&fakeEngine{name: "a", out: []byte("x")}, nil)

	_, err := c.Convert(context.Background(), nil, "png", Options{})
	assert.Error(t, err)
	_, err = c.Convert(context.Background(), []byte("x"), "png", Options{Quality: 101})
	assert.Error(t, err)
	_, err = c.Convert(context.Background(), []byte("x"), "png", Options{ResizeDimension: -1})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Convert(ctx, []byte("x"), "png", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func jpegWithExif(t *testing.T, seg []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil))
	return withExif(buf.Bytes(), seg)
}

func TestExifCarriedForJPEG(t *testing.T) {
	seg := append([]byte{0xFF, 0xE1, 0x00, 0x0C}, []byte("Exif\x00\x00MM\x00*")...)
	src := jpegWithExif(t, seg)
	require.Equal(t, seg, imgutil.ExifSegment(src))

	for _, e := range []Engine{NewImagingEngine(nil), NewNativeEngine(nil)} {
		out, err := e.Convert(src, format.JPEG, Options{Quality: 90})
		require.NoError(t, err)
		assert.Equal(t, seg, imgutil.ExifSegment(out), e.Name())

		out, err = e.Convert(src, format.JPEG, Options{Quality: 90, StripMetadata: true})
		require.NoError(t, err)
		assert.Nil(t, imgutil.ExifSegment(out), e.Name())

		_, _, err = image.Decode(bytes.NewReader(out))
		assert.NoError(t, err)
	}
}

func TestExifSegmentMissing(t *testing.T) {
	assert.Nil(t, imgutil.ExifSegment(nil))
	assert.Nil(t, imgutil.ExifSegment(pngOf(t, 2, 2)))
	assert.Nil(t, imgutil.ExifSegment(jpegWithExif(t, nil)))
}

func TestFit(t *testing.T) {
	tests := []struct {
		w, h, dim    int
		wantW, wantH int
		ok           bool
	}{
		{512, 300, 256, 256, 150, true},
		{300, 512, 256, 150, 256, true},
		{10, 10, 10, 10, 10, false},
		{1000, 1, 100, 100, 1, true},
		{16, 16, 32, 32, 32, true},
	}
	for _, tt := range tests {
		w, h, ok := fit(image.Rect(0, 0, tt.w, tt.h), tt.dim)
		assert.Equal(t, tt.wantW, w)
		assert.Equal(t, tt.wantH, h)
		assert.Equal(t, tt.ok, ok)
	}
}

func TestQualityMapping(t *testing.T) {
	assert.Equal(t, 2, gifColors(1))
	assert.Equal(t, 256, gifColors(100))
	assert.Equal(t, 128, gifColors(50))
}
