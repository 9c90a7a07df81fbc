package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/chaos-io/imgforge/logging"
)

// Provider 推理执行后端，数值越小优先级越高
type Provider int

const (
	GPUCompute Provider = iota
	GPUShader
	CPU
)

// Order 探测顺序
var Order = []Provider{GPUCompute, GPUShader, CPU}

func (p Provider) String() string {
	switch p {
	case GPUCompute:
		return "gpu-compute"
	case GPUShader:
		return "gpu-shader"
	case CPU:
		return "cpu"
	default:
		return fmt.Sprintf("provider(%d)", int(p))
	}
}

func Parse(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gpu-compute", "gpucompute", "cuda", "webgpu":
		return GPUCompute, nil
	case "gpu-shader", "gpushader", "directml", "coreml", "webgl":
		return GPUShader, nil
	case "cpu", "wasm":
		return CPU, nil
	default:
		return CPU, fmt.Errorf("unknown execution provider %q", s)
	}
}

// Probe 探测某个后端是否可用，返回 nil 表示可用
type Probe func(ctx context.Context) error

// Detector 按优先级探测执行后端，结果在进程内缓存，只有 Reset 才会失效
type Detector struct {
	mu       sync.Mutex
	probes   map[Provider]Probe
	detected bool
	result   Provider
	log      *zap.Logger
}

func NewDetector(probes map[Provider]Probe, logger *zap.Logger) *Detector {
	return &Detector{probes: probes, log: logging.OrNop(logger)}
}

// Fixed 返回一个不做探测、固定结果的 Detector
func Fixed(p Provider) *Detector {
	return &Detector{detected: true, result: p, log: zap.NewNop()}
}

// Detect 第一次调用时探测，之后直接返回缓存结果；并发的首次调用只探测一次
func (d *Detector) Detect(ctx context.Context) Provider {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detected {
		return d.result
	}

	d.result = CPU
	for _, p := range Order {
		if p == CPU {
			break
		}
		probe, ok := d.probes[p]
		if !ok || probe == nil {
			continue
		}
		if err := safeProbe(ctx, probe); err != nil {
			d.log.Debug("execution provider unavailable", zap.Stringer("provider", p), zap.Error(err))
			continue
		}
		d.result = p
		break
	}
	d.detected = true
	d.log.Info("execution provider selected", zap.Stringer("provider", d.result))
	return d.result
}

func (d *Detector) Detected() (Provider, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result, d.detected
}

// Reset 丢弃缓存结果，下次 Detect 重新探测
func (d *Detector) Reset() {
	d.mu.Lock()
	d.detected = false
	d.mu.Unlock()
}

func safeProbe(ctx context.Context, probe Probe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return probe(ctx)
}
