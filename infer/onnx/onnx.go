// Package onnx 用 onnxruntime 实现 infer.Runtime
package onnx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/chaos-io/imgforge/infer"
	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/provider"
)

var ErrUnsupportedType = errors.New("onnx: unsupported tensor element type")

// Runtime 第一次 Open 时初始化 onnxruntime 环境
type Runtime struct {
	libraryPath string
	log         *zap.Logger

	once    sync.Once
	initErr error
}

func NewRuntime(libraryPath string, logger *zap.Logger) *Runtime {
	return &Runtime{libraryPath: libraryPath, log: logging.OrNop(logger)}
}

func (r *Runtime) init() error {
	r.once.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if r.libraryPath != "" {
			ort.SetSharedLibraryPath(r.libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			r.initErr = fmt.Errorf("onnx: initialize environment: %w", err)
		}
	})
	return r.initErr
}

// Destroy 释放 onnxruntime 环境，进程退出前调用
func (r *Runtime) Destroy() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func (r *Runtime) Open(modelPath string, p provider.Provider) (infer.Session, error) {
	if err := r.init(); err != nil {
		return nil, err
	}

	ins, outs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: read model metadata: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer func() { _ = opts.Destroy() }()

	if err := appendProvider(opts, p); err != nil {
		return nil, fmt.Errorf("onnx: enable %s: %w", p, err)
	}

	s := &Session{inputs: ioInfos(ins), outputs: ioInfos(outs)}
	s.inner, err = ort.NewDynamicAdvancedSession(modelPath, names(s.inputs), names(s.outputs), opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}
	r.log.Info("onnx session created",
		zap.String("model", modelPath),
		zap.Stringer("provider", p),
		zap.Int("inputs", len(s.inputs)),
		zap.Int("outputs", len(s.outputs)))
	return s, nil
}

func appendProvider(opts *ort.SessionOptions, p provider.Provider) error {
	switch p {
	case provider.GPUCompute:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer func() { _ = cuda.Destroy() }()
		return opts.AppendExecutionProviderCUDA(cuda)
	case provider.GPUShader:
		// Windows 上是 DirectML，其它平台用 CoreML
		if err := opts.AppendExecutionProviderDirectML(0); err == nil {
			return nil
		}
		return opts.AppendExecutionProviderCoreML(0)
	default:
		return nil
	}
}

// Probes 为 provider.Detector 提供探测函数：能在该后端上创建会话选项即视为可用
func (r *Runtime) Probes() map[provider.Provider]provider.Probe {
	probe := func(p provider.Provider) provider.Probe {
		return func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.init(); err != nil {
				return err
			}
			opts, err := ort.NewSessionOptions()
			if err != nil {
				return err
			}
			defer func() { _ = opts.Destroy() }()
			return appendProvider(opts, p)
		}
	}
	return map[provider.Provider]provider.Probe{
		provider.GPUCompute: probe(provider.GPUCompute),
		provider.GPUShader:  probe(provider.GPUShader),
	}
}

func ioInfos(in []ort.InputOutputInfo) []infer.IOInfo {
	out := make([]infer.IOInfo, 0, len(in))
	for _, info := range in {
		typ, err := elemType(info.DataType)
		if err != nil {
			// 不认识的类型先按 float32 记录，真正喂数据时再报错
			typ = infer.Float32
		}
		out = append(out, infer.IOInfo{Name: info.Name, Shape: []int64(info.Dimensions), Type: typ})
	}
	return out
}

func names(infos []infer.IOInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func elemType(t ort.TensorElementDataType) (infer.ElemType, error) {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return infer.Float32, nil
	case ort.TensorElementDataTypeFloat16:
		return infer.Float16, nil
	case ort.TensorElementDataTypeUint8:
		return infer.Uint8, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedType, t)
	}
}

// Session 包装 DynamicAdvancedSession，输出由 onnxruntime 分配
type Session struct {
	inner   *ort.DynamicAdvancedSession
	inputs  []infer.IOInfo
	outputs []infer.IOInfo
}

func (s *Session) Inputs() []infer.IOInfo  { return s.inputs }
func (s *Session) Outputs() []infer.IOInfo { return s.outputs }

func (s *Session) Run(inputs []*infer.Tensor) ([]*infer.Tensor, error) {
	if len(inputs) != len(s.inputs) {
		return nil, fmt.Errorf("onnx: model takes %d inputs, got %d", len(s.inputs), len(inputs))
	}

	in := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range in {
			_ = v.Destroy()
		}
	}()
	for _, t := range inputs {
		v, err := toValue(t)
		if err != nil {
			return nil, err
		}
		in = append(in, v)
	}

	out := make([]ort.Value, len(s.outputs))
	if err := s.inner.Run(in, out); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	defer func() {
		for _, v := range out {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	result := make([]*infer.Tensor, 0, len(out))
	for i, v := range out {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("onnx: output %s: %w", s.outputs[i].Name, err)
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *Session) Close() error {
	if s.inner == nil {
		return nil
	}
	err := s.inner.Destroy()
	s.inner = nil
	return err
}

func toValue(t *infer.Tensor) (ort.Value, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	shape := ort.NewShape(t.Shape...)
	switch t.Type {
	case infer.Float32:
		return ort.NewTensor(shape, t.F32)
	case infer.Uint8:
		return ort.NewTensor(shape, t.U8)
	case infer.Float16:
		raw := make([]byte, 2*len(t.F16))
		for i, v := range t.F16 {
			binary.LittleEndian.PutUint16(raw[2*i:], v.Bits())
		}
		return ort.NewCustomDataTensor(shape, raw, ort.TensorElementDataTypeFloat16)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t.Type)
	}
}

func fromValue(v ort.Value) (*infer.Tensor, error) {
	switch tv := v.(type) {
	case *ort.Tensor[float32]:
		return infer.NewFloat32(tv.GetShape(), append([]float32(nil), tv.GetData()...)), nil
	case *ort.Tensor[uint8]:
		return infer.NewUint8(tv.GetShape(), append([]uint8(nil), tv.GetData()...)), nil
	case *ort.CustomDataTensor:
		raw := tv.GetData()
		f16 := make([]float16.Float16, len(raw)/2)
		for i := range f16 {
			f16[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:]))
		}
		return infer.NewFloat16(tv.GetShape(), f16), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}
