package infer

import (
	"errors"
	"fmt"
)

type Layout int

const (
	NCHW Layout = iota
	NHWC
)

func (l Layout) String() string {
	if l == NHWC {
		return "NHWC"
	}
	return "NCHW"
}

var ErrLayout = errors.New("infer: cannot infer tensor layout")

// IOInfo 模型声明的输入/输出元数据
type IOInfo struct {
	Name  string
	Shape []int64
	Type  ElemType
}

// Geometry 从 shape 推断出的布局和尺寸，动态维度为 -1
type Geometry struct {
	Layout  Layout
	C, H, W int
}

func isChannels(d int64) bool {
	return d == 1 || d == 3 || d == 4
}

func dim(d int64) int {
	if d <= 0 {
		return -1
	}
	return int(d)
}

// ParseGeometry 读取模型声明（或实际输出）的 shape，判断通道在前还是在后
//
//	4 维: [N,C,H,W] / [N,H,W,C]
//	3 维: [C,H,W] / [H,W,C] / [N,H,W]（单通道）
//	2 维: [H,W]
func ParseGeometry(shape []int64) (Geometry, error) {
	switch len(shape) {
	case 4:
		switch {
		case isChannels(shape[1]) && !isChannels(shape[3]):
			return Geometry{Layout: NCHW, C: int(shape[1]), H: dim(shape[2]), W: dim(shape[3])}, nil
		case isChannels(shape[3]):
			return Geometry{Layout: NHWC, C: int(shape[3]), H: dim(shape[1]), W: dim(shape[2])}, nil
		case isChannels(shape[1]):
			return Geometry{Layout: NCHW, C: int(shape[1]), H: dim(shape[2]), W: dim(shape[3])}, nil
		}
	case 3:
		switch {
		case isChannels(shape[2]) && !isChannels(shape[0]):
			return Geometry{Layout: NHWC, C: int(shape[2]), H: dim(shape[0]), W: dim(shape[1])}, nil
		case isChannels(shape[0]) || shape[0] <= 0:
			// [C,H,W]，或者 [N,H,W] 单通道
			c := 1
			if shape[0] == 3 || shape[0] == 4 {
				c = int(shape[0])
			}
			return Geometry{Layout: NCHW, C: c, H: dim(shape[1]), W: dim(shape[2])}, nil
		}
	case 2:
		return Geometry{Layout: NCHW, C: 1, H: dim(shape[0]), W: dim(shape[1])}, nil
	}
	return Geometry{}, fmt.Errorf("%w: shape %v", ErrLayout, shape)
}

// Resolve 用实际尺寸替换动态维度
func (g Geometry) Resolve(h, w int) Geometry {
	if g.H <= 0 {
		g.H = h
	}
	if g.W <= 0 {
		g.W = w
	}
	return g
}

// Shape 生成 batch=1 的 4 维 shape
func (g Geometry) Shape() []int64 {
	if g.Layout == NHWC {
		return []int64{1, int64(g.H), int64(g.W), int64(g.C)}
	}
	return []int64{1, int64(g.C), int64(g.H), int64(g.W)}
}

func (g Geometry) Len() int {
	return g.C * g.H * g.W
}

// Index 返回 (c,y,x) 在扁平数据中的下标
func (g Geometry) Index(c, y, x int) int {
	if g.Layout == NHWC {
		return (y*g.W+x)*g.C + c
	}
	return (c*g.H+y)*g.W + x
}
