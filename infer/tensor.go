package infer

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

type ElemType int

const (
	Float32 ElemType = iota
	Float16
	Uint8
)

func (t ElemType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Uint8:
		return "uint8"
	default:
		return fmt.Sprintf("elem(%d)", int(t))
	}
}

// Tensor 只有与 Type 对应的切片有数据
type Tensor struct {
	Shape []int64
	Type  ElemType
	F32   []float32
	F16   []float16.Float16
	U8    []uint8
}

func NewFloat32(shape []int64, data []float32) *Tensor {
	return &Tensor{Shape: shape, Type: Float32, F32: data}
}

func NewUint8(shape []int64, data []uint8) *Tensor {
	return &Tensor{Shape: shape, Type: Uint8, U8: data}
}

func NewFloat16(shape []int64, data []float16.Float16) *Tensor {
	return &Tensor{Shape: shape, Type: Float16, F16: data}
}

// Elements 由 shape 计算元素个数，动态维度（<=0）返回 -1
func Elements(shape []int64) int {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return -1
		}
		n *= int(d)
	}
	return n
}

func (t *Tensor) Len() int {
	switch t.Type {
	case Float16:
		return len(t.F16)
	case Uint8:
		return len(t.U8)
	default:
		return len(t.F32)
	}
}

// Validate 检查数据长度和 shape 是否一致
func (t *Tensor) Validate() error {
	want := Elements(t.Shape)
	if want < 0 {
		return fmt.Errorf("infer: tensor shape %v has dynamic dimensions", t.Shape)
	}
	if t.Len() != want {
		return fmt.Errorf("infer: tensor shape %v needs %d elements, got %d", t.Shape, want, t.Len())
	}
	return nil
}

// Float32s 统一转换为 float32 读取
func (t *Tensor) Float32s() []float32 {
	switch t.Type {
	case Float16:
		out := make([]float32, len(t.F16))
		for i, v := range t.F16 {
			out[i] = v.Float32()
		}
		return out
	case Uint8:
		out := make([]float32, len(t.U8))
		for i, v := range t.U8 {
			out[i] = float32(v)
		}
		return out
	default:
		return t.F32
	}
}

// FromFloat32 按目标类型打包数据；uint8 会四舍五入并截断到 0-255
func FromFloat32(shape []int64, typ ElemType, data []float32) *Tensor {
	switch typ {
	case Float16:
		f16 := make([]float16.Float16, len(data))
		for i, v := range data {
			f16[i] = float16.Fromfloat32(v)
		}
		return NewFloat16(shape, f16)
	case Uint8:
		u8 := make([]uint8, len(data))
		for i, v := range data {
			u8[i] = uint8(math.Max(0, math.Min(255, math.Round(float64(v)))))
		}
		return NewUint8(shape, u8)
	default:
		return NewFloat32(shape, data)
	}
}
