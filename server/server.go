// Package server 提供 HTTP API：上传图片、转换格式、去背景、补全，以及进度推送
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chaos-io/imgforge/inpaint"
	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/metrics"
	"github.com/chaos-io/imgforge/normalize"
	"github.com/chaos-io/imgforge/pipeline"
	"github.com/chaos-io/imgforge/progress"
	"github.com/chaos-io/imgforge/provider"
	"github.com/chaos-io/imgforge/rembg"
)

const headerRequestID = "X-Request-ID"

type Config struct {
	Pipeline *pipeline.Pipeline
	// Bus 为空时 /v1/events 不可用
	Bus      *progress.Bus
	Detector *provider.Detector
	Logger   *zap.Logger
	// MaxUploadBytes 单个请求体上限，0 表示不限制
	MaxUploadBytes int64
}

type Server struct {
	pipeline  *pipeline.Pipeline
	bus       *progress.Bus
	detector  *provider.Detector
	log       *zap.Logger
	maxUpload int64
}

func New(cfg Config) *Server {
	return &Server{
		pipeline:  cfg.Pipeline,
		bus:       cfg.Bus,
		detector:  cfg.Detector,
		log:       logging.OrNop(cfg.Logger),
		maxUpload: cfg.MaxUploadBytes,
	}
}

// Routes 构建 gin 路由
func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), s.observe(), s.limitBody())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/formats", s.FormatsHandler)
	v1.GET("/provider", s.ProviderHandler)
	v1.POST("/process", s.ProcessHandler)
	v1.POST("/preview", s.PreviewHandler)
	v1.POST("/inpaint", s.InpaintHandler)
	v1.GET("/events/:id", s.EventsHandler)

	return r
}

// observe 记录每个路由的请求数和耗时
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		elapsed := time.Since(start)
		metrics.Requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		metrics.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("code", code),
			zap.Duration("elapsed", elapsed))
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.maxUpload > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
		}
		c.Next()
	}
}

// status 调用方能修正的错误返回 400，其余 500
func status(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrInvalidInput),
		errors.Is(err, pipeline.ErrUndecodable),
		errors.Is(err, pipeline.ErrNoNeural),
		errors.Is(err, inpaint.ErrMaskSize),
		errors.Is(err, normalize.ErrEmptyInput),
		errors.Is(err, rembg.ErrEmptyInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := status(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
