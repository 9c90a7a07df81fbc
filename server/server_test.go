package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/imgforge/format"
	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/pipeline"
	"github.com/chaos-io/imgforge/progress"
	"github.com/chaos-io/imgforge/provider"
	"github.com/chaos-io/imgforge/rembg"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// removerFunc 让普通函数满足 rembg.Remover
type removerFunc func(ctx context.Context, req rembg.Request) ([]byte, error)

func (f removerFunc) Remove(ctx context.Context, req rembg.Request) ([]byte, error) {
	return f(ctx, req)
}

func passthrough(_ context.Context, req rembg.Request) ([]byte, error) { return req.Data, nil }

func newServer(remove removerFunc, maxUpload int64) (*Server, *progress.Bus) {
	bus := progress.NewBus(0)
	p := pipeline.New(pipeline.Config{Remover: remove, Sink: bus})
	return New(Config{Pipeline: p, Bus: bus, Detector: provider.Fixed(provider.CPU), MaxUploadBytes: maxUpload}), bus
}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	data, err := imgutil.EncodePNG(imgutil.Fill(w, h, color.NRGBA{R: 10, G: 20, B: 30, A: 255}))
	require.NoError(t, err)
	return data
}

// form 构造 multipart 请求体，files 的 key 是字段名
func form(t *testing.T, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, data := range files {
		fw, err := mw.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func post(t *testing.T, h http.Handler, path string, files map[string][]byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := form(t, files, fields)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealthz(t *testing.T) {
	s, _ := newServer(passthrough, 0)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestFormats(t *testing.T) {
	s, _ := newServer(passthrough, 0)
	h := s.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/formats?category=raw", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Formats  []format.Info   `json:"formats"`
		Writable []format.Format `json:"writable"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Formats)
	for _, info := range resp.Formats {
		assert.Equal(t, format.RAW, info.Category, info.Format)
	}
	assert.Contains(t, resp.Writable, format.WEBP)
	assert.Contains(t, rec.Body.String(), `"category":"raw"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/formats?category=vector", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProvider(t *testing.T) {
	s, _ := newServer(passthrough, 0)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/provider", nil))
	assert.JSONEq(t, `{"provider":"cpu","detected":true}`, rec.Body.String())

	s.detector = nil
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/provider", nil))
	assert.JSONEq(t, `{"provider":"","detected":false}`, rec.Body.String())
}

func TestProcess(t *testing.T) {
	s, _ := newServer(passthrough, 0)
	rec := post(t, s.Routes(), "/v1/process",
		map[string][]byte{"file": pngOf(t, 20, 10)},
		map[string]string{"format": "jpeg", "quality": "80", "resize": "10", "request_id": "req-1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))
	assert.Equal(t, "imaging", rec.Header().Get("X-Engine"))
	assert.Equal(t, "skipped", rec.Header().Get("X-Normalize"))

	img, _, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 10, img.Width)
	assert.Equal(t, 5, img.Height)
}

func TestProcessRemoveBackground(t *testing.T) {
	var got rembg.Request
	s, _ := newServer(func(_ context.Context, req rembg.Request) ([]byte, error) {
		got = req
		return req.Data, nil
	}, 0)
	rec := post(t, s.Routes(), "/v1/process",
		map[string][]byte{"file": pngOf(t, 4, 4)},
		map[string]string{"remove_bg": "true", "model": "birefnet", "image_id": "img-1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "normalized", rec.Header().Get("X-Normalize"))
	assert.Equal(t, rembg.Pro, got.Model)
	assert.Equal(t, "img-1", got.ImageID)
	assert.Equal(t, rec.Header().Get(headerRequestID), got.RequestID)
}

func TestProcessBadRequests(t *testing.T) {
	s, _ := newServer(passthrough, 0)
	h := s.Routes()
	img := pngOf(t, 2, 2)

	for name, tc := range map[string]struct {
		files  map[string][]byte
		fields map[string]string
		want   string
	}{
		"missing file": {nil, nil, `"file"`},
		"quality":      {map[string][]byte{"file": img}, map[string]string{"quality": "120"}, "quality"},
		"bool":         {map[string][]byte{"file": img}, map[string]string{"remove_bg": "maybe"}, "remove_bg"},
		"int":          {map[string][]byte{"file": img}, map[string]string{"resize": "big"}, "resize"},
		"model":        {map[string][]byte{"file": img}, map[string]string{"model": "huge"}, "huge"},
		"undecodable":  {map[string][]byte{"file": []byte("junk")}, map[string]string{"remove_bg": "1"}, "decoded"},
	} {
		rec := post(t, h, "/v1/process", tc.files, tc.fields)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Contains(t, errorOf(t, rec), tc.want, name)
	}
}

func TestProcessFailureIs500(t *testing.T) {
	s, _ := newServer(func(context.Context, rembg.Request) ([]byte, error) {
		return nil, errors.New("session crashed")
	}, 0)
	rec := post(t, s.Routes(), "/v1/process", map[string][]byte{"file": pngOf(t, 2, 2)}, map[string]string{"remove_bg": "true"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, errorOf(t, rec), "session crashed")
}

func TestUploadTooLarge(t *testing.T) {
	noisy := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	x := uint32(1)
	for i := range noisy.Pix {
		x = x*1103515245 + 12345
		noisy.Pix[i] = uint8(x >> 16)
	}
	data, err := imgutil.EncodePNG(noisy)
	require.NoError(t, err)
	require.Greater(t, len(data), 1024)

	s, _ := newServer(passthrough, 512)
	rec := post(t, s.Routes(), "/v1/process", map[string][]byte{"file": data}, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPreview(t *testing.T) {
	s, _ := newServer(passthrough, 0)
	rec := post(t, s.Routes(), "/v1/preview", map[string][]byte{"file": pngOf(t, 3, 3)}, map[string]string{"model": "fast"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "rembg", rec.Header().Get("X-Engine"))

	rec = post(t, s.Routes(), "/v1/preview", map[string][]byte{"file": pngOf(t, 3, 3)}, map[string]string{"model": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInpaint(t *testing.T) {
	s, _ := newServer(passthrough, 0)
	h := s.Routes()

	mask := image.NewGray(image.Rect(0, 0, 8, 8))
	mask.SetGray(4, 4, color.Gray{Y: 255})
	maskData, err := imgutil.EncodePNG(mask)
	require.NoError(t, err)

	rec := post(t, h, "/v1/inpaint",
		map[string][]byte{"file": pngOf(t, 8, 8), "mask": maskData},
		map[string]string{"strategy": "telea", "radius": "3", "format": "webp"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))

	rec = post(t, h, "/v1/inpaint",
		map[string][]byte{"file": pngOf(t, 8, 8), "mask": pngOf(t, 4, 4)}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorOf(t, rec), "mask size")

	rec = post(t, h, "/v1/inpaint",
		map[string][]byte{"file": pngOf(t, 8, 8), "mask": maskData}, map[string]string{"strategy": "neural"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorOf(t, rec), "neural")

	rec = post(t, h, "/v1/inpaint", map[string][]byte{"file": pngOf(t, 8, 8)}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorOf(t, rec), `"mask"`)
}

func TestEventsStream(t *testing.T) {
	s, bus := newServer(passthrough, 0)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/events/req-7")
	require.NoError(t, err)
	defer resp.Body.Close()
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", mediaType)

	r := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var lines []string
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return strings.Join(lines, "\n")
			}
			lines = append(lines, line)
		}
	}

	// 收到 ready 之后订阅已经生效
	assert.Contains(t, readEvent(), "event:ready")

	progress.Report(bus, "other", "convert", progress.Processing, 50)
	progress.Report(bus, "req-7", "rembg-express", progress.Loading, 100)
	progress.Report(bus, "req-7", "convert", progress.Processing, 100)

	first := readEvent()
	assert.Contains(t, first, "event:progress")
	assert.Contains(t, first, `"stageKey":"rembg-express"`)
	assert.Contains(t, readEvent(), `"percent":100`)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(rest)), "stream ends after convert completes")
}

func TestEventsDisabled(t *testing.T) {
	s, _ := newServer(passthrough, 0)
	s.bus = nil
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServer(passthrough, 0)
	h := s.Routes()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `imgforge_http_requests_total{code="200",route="/healthz"}`)
}
