// Package metrics 汇总各组件的 prometheus 指标，由 /metrics 暴露
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imgforge"

// ─── cache ──────────────────────────────────────────────────────────────────

var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "cache",
	Name:      "hits_total",
	Help:      "Background-removal results served from the cache.",
})

var CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "cache",
	Name:      "misses_total",
	Help:      "Cache lookups that required inference.",
})

var CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "cache",
	Name:      "entries",
	Help:      "Number of cached results.",
})

// ─── background removal / inpainting ───────────────────────────────────────

// Inference 单次推理耗时，按模型和执行后端区分
var Inference = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "infer",
	Name:      "duration_seconds",
	Help:      "Model inference latency.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
}, []string{"model", "provider"})

// Fallbacks 模型回退次数，reason 为 error / network / unavailable / cpu-retry
var Fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "rembg",
	Name:      "fallbacks_total",
	Help:      "Model fallback steps taken by background removal and neural inpainting.",
}, []string{"from", "to", "reason"})

var Inpaints = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "inpaint",
	Name:      "runs_total",
	Help:      "Inpainting runs by strategy and result.",
}, []string{"strategy", "result"})

// ─── conversion ─────────────────────────────────────────────────────────────

var Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "convert",
	Name:      "total",
	Help:      "Completed conversions by engine and output format.",
}, []string{"engine", "format"})

var Coercions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "convert",
	Name:      "coerced_total",
	Help:      "Requested output formats replaced by PNG.",
}, []string{"requested"})

var Normalized = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "normalize",
	Name:      "total",
	Help:      "Normalizer outcomes.",
}, []string{"outcome"})

// ─── assets ─────────────────────────────────────────────────────────────────

var AssetDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "assets",
	Name:      "downloads_total",
	Help:      "Model weight downloads by result.",
}, []string{"result"})

var AssetsPruned = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "assets",
	Name:      "pruned_total",
	Help:      "Expired model files removed.",
})

// ─── http ───────────────────────────────────────────────────────────────────

var Requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests by route and status code.",
}, []string{"route", "code"})

var RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route"})
