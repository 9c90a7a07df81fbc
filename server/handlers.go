package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/imgforge/format"
	"github.com/chaos-io/imgforge/inpaint"
	"github.com/chaos-io/imgforge/pipeline"
	"github.com/chaos-io/imgforge/progress"
	"github.com/chaos-io/imgforge/rembg"
)

// FormatsHandler 列出所有格式，?category=raw 只看某一类
func (s *Server) FormatsHandler(c *gin.Context) {
	all := format.All()
	if q := c.Query("category"); q != "" {
		cat, err := format.ParseCategory(q)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		all = format.ByCategory(cat)
	}
	c.JSON(http.StatusOK, gin.H{"formats": all, "writable": format.WritableFormats()})
}

// ProviderHandler 返回已探测到的推理后端；还没有推理请求时 detected 为 false
func (s *Server) ProviderHandler(c *gin.Context) {
	if s.detector == nil {
		c.JSON(http.StatusOK, gin.H{"provider": "", "detected": false})
		return
	}
	p, ok := s.detector.Detected()
	c.JSON(http.StatusOK, gin.H{"provider": p.String(), "detected": ok})
}

func (s *Server) ProcessHandler(c *gin.Context) {
	in, err := readInput(c, "file")
	if err != nil {
		s.fail(c, err)
		return
	}
	opts, err := processOptions(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	out, err := s.pipeline.Process(c.Request.Context(), in, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeOutput(c, out)
}

func (s *Server) PreviewHandler(c *gin.Context) {
	in, err := readInput(c, "file")
	if err != nil {
		s.fail(c, err)
		return
	}
	model, err := rembg.ParseModel(c.PostForm("model"))
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %w", pipeline.ErrInvalidInput, err))
		return
	}

	out, err := s.pipeline.Preview(c.Request.Context(), in, model, requestID(c), c.PostForm("image_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeOutput(c, out)
}

// InpaintHandler 表单字段：file、mask、strategy（telea/neural）、radius、format
func (s *Server) InpaintHandler(c *gin.Context) {
	in, err := readInput(c, "file")
	if err != nil {
		s.fail(c, err)
		return
	}
	mask, err := readInput(c, "mask")
	if err != nil {
		s.fail(c, err)
		return
	}
	radius, err := formInt(c, "radius")
	if err != nil {
		s.fail(c, err)
		return
	}
	quality, err := formInt(c, "quality")
	if err != nil {
		s.fail(c, err)
		return
	}
	strategy, err := inpaint.ParseStrategy(c.PostForm("strategy"))
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %w", pipeline.ErrInvalidInput, err))
		return
	}

	out, err := s.pipeline.Process(c.Request.Context(), in, pipeline.Options{
		OutputFormat: c.DefaultPostForm("format", string(format.PNG)),
		Quality:      quality,
		Inpaint: &pipeline.InpaintOptions{
			Mask:     mask.Data,
			Strategy: strategy,
			Radius:   radius,
		},
		RequestID: requestID(c),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeOutput(c, out)
}

// EventsHandler 以 SSE 推送某个请求的进度；订阅成功后先发一条 ready，
// 收到 convert 阶段 100% 或客户端断开时结束
func (s *Server) EventsHandler(c *gin.Context) {
	if s.bus == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "progress events disabled"})
		return
	}
	id := c.Param("id")
	events, cancel := s.bus.Subscribe(id)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.SSEvent("ready", gin.H{"requestId": id})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case e, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("progress", e)
			return !(e.StageKey == "convert" && e.Percent == 100 && e.Stage == progress.Processing)
		case <-ctx.Done():
			return false
		}
	})
}

func readInput(c *gin.Context, field string) (pipeline.Input, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if status(err) == http.StatusRequestEntityTooLarge {
			return pipeline.Input{}, err
		}
		return pipeline.Input{}, fmt.Errorf("%w: form file %q: %w", pipeline.ErrInvalidInput, field, err)
	}
	f, err := fh.Open()
	if err != nil {
		return pipeline.Input{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.Input{}, fmt.Errorf("read upload: %w", err)
	}
	return pipeline.Input{Data: data, FileName: fh.Filename, MIME: fh.Header.Get("Content-Type")}, nil
}

func processOptions(c *gin.Context) (pipeline.Options, error) {
	opts := pipeline.Options{
		OutputFormat: c.DefaultPostForm("format", string(format.PNG)),
		ImageID:      c.PostForm("image_id"),
		RequestID:    requestID(c),
	}
	model, err := rembg.ParseModel(c.PostForm("model"))
	if err != nil {
		return opts, fmt.Errorf("%w: %w", pipeline.ErrInvalidInput, err)
	}
	opts.Model = model

	for key, dst := range map[string]*bool{
		"remove_bg": &opts.RemoveBackground,
		"strip":     &opts.StripMetadata,
		"trim":      &opts.Trim,
		"square":    &opts.Square,
	} {
		if *dst, err = formBool(c, key); err != nil {
			return opts, err
		}
	}
	for key, dst := range map[string]*int{
		"quality": &opts.Quality,
		"resize":  &opts.ResizeDimension,
	} {
		if *dst, err = formInt(c, key); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// requestID 优先使用表单字段，其次是请求头；都没有时由 pipeline 生成
func requestID(c *gin.Context) string {
	if id := c.PostForm("request_id"); id != "" {
		return id
	}
	return c.GetHeader(headerRequestID)
}

func formBool(c *gin.Context, key string) (bool, error) {
	v := c.PostForm(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a boolean", pipeline.ErrInvalidInput, key, v)
	}
	return b, nil
}

func formInt(c *gin.Context, key string) (int, error) {
	v := c.PostForm(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", pipeline.ErrInvalidInput, key, v)
	}
	return n, nil
}

func writeOutput(c *gin.Context, out pipeline.Output) {
	c.Header(headerRequestID, out.RequestID)
	c.Header("X-Engine", out.Engine)
	c.Header("X-Normalize", out.Outcome.String())
	c.Data(http.StatusOK, out.MIME, out.Data)
}
