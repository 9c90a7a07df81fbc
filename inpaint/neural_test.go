package inpaint

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/infer"
	"github.com/chaos-io/imgforge/infer/infertest"
	"github.com/chaos-io/imgforge/progress"
	"github.com/chaos-io/imgforge/provider"
)

type stubStore struct {
	err error
}

func (s stubStore) Ensure(_ context.Context, name, _ string) (string, error) {
	return "/models/" + name, s.err
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(e progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// lamaSession 模拟 image + mask 两个 NCHW 输入，输出纯色图
func lamaSession(fill [3]float32, seen *[]*infer.Tensor) *infertest.Session {
	return &infertest.Session{
		In: []infer.IOInfo{
			{Name: "image", Shape: []int64{1, 3, 512, 512}, Type: infer.Float32},
			{Name: "mask", Shape: []int64{1, 1, 512, 512}, Type: infer.Float32},
		},
		Out: []infer.IOInfo{{Name: "output", Shape: []int64{1, 3, 512, 512}, Type: infer.Float32}},
		RunFunc: func(in []*infer.Tensor) ([]*infer.Tensor, error) {
			*seen = in
			plane := WorkSize * WorkSize
			data := make([]float32, 3*plane)
			for c := 0; c < 3; c++ {
				for i := 0; i < plane; i++ {
					data[c*plane+i] = fill[c]
				}
			}
			return []*infer.Tensor{infer.NewFloat32([]int64{1, 3, 512, 512}, data)}, nil
		},
	}
}

func newNeural(t *testing.T, rt infer.Runtime, sink progress.Sink) *Neural {
	w := infer.NewWorker(rt, 1, nil)
	t.Cleanup(func() { _ = w.Stop() })
	return NewNeural(NeuralConfig{Worker: w, Store: stubStore{}, ModelFile: "lama.onnx", Sink: sink})
}

func TestNeuralInpaintReplacesOnlyHoles(t *testing.T) {
	var seen []*infer.Tensor
	rt := infertest.Static(lamaSession([3]float32{0, 1, 0}, &seen))
	n := newNeural(t, rt, nil)

	src := imgutil.Fill(20, 20, color.NRGBA{R: 255, A: 200})
	out, err := n.Inpaint(context.Background(), src, squareMask(20, 6))
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, []int64{1, 3, 512, 512}, seen[0].Shape)
	maskIn := seen[1].Float32s()
	assert.Equal(t, float32(1), maskIn[256*WorkSize+256], "hole encoded as 1")
	assert.Equal(t, float32(0), maskIn[0], "known pixels encoded as 0")
	assert.InDelta(t, 1.0, seen[0].Float32s()[0], 0.01, "red channel scaled to 0-1")

	res := imgutil.ToNRGBA(out)
	inside := res.NRGBAAt(10, 10)
	assert.InDelta(t, 0, int(inside.R), 2)
	assert.InDelta(t, 255, int(inside.G), 2)
	assert.Equal(t, uint8(200), inside.A, "alpha comes from the source")
	assert.Equal(t, color.NRGBA{R: 255, A: 200}, res.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, A: 200}, res.NRGBAAt(19, 5))
}

func TestNeuralSessionLoadedOnce(t *testing.T) {
	var seen []*infer.Tensor
	rt := infertest.Static(lamaSession([3]float32{0, 0, 1}, &seen))
	rec := &recorder{}
	n := newNeural(t, rt, rec)

	ctx := WithRequestID(context.Background(), "req-1")
	for i := 0; i < 2; i++ {
		_, err := n.Inpaint(ctx, imgutil.Fill(8, 8, color.White), squareMask(8, 2))
		require.NoError(t, err)
	}
	assert.Len(t, rt.Opens(), 1)
	assert.Equal(t, "/models/lama.onnx", rt.Opens()[0].Path)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.events)
	assert.Equal(t, progress.Event{RequestID: "req-1", StageKey: "inpaint-neural", Stage: progress.Loading}, rec.events[0])
	loads := 0
	for _, e := range rec.events {
		assert.Equal(t, "req-1", e.RequestID)
		if e.Stage == progress.Loading {
			loads++
		}
	}
	assert.Equal(t, 2, loads, "loading reported only for the first call")
}

func TestNeuralNHWCUint8(t *testing.T) {
	var got *infer.Tensor
	sess := &infertest.Session{
		In:  []infer.IOInfo{{Name: "input", Shape: []int64{1, -1, -1, 4}, Type: infer.Uint8}},
		Out: []infer.IOInfo{{Name: "output", Shape: []int64{1, -1, -1, 3}, Type: infer.Uint8}},
		RunFunc: func(in []*infer.Tensor) ([]*infer.Tensor, error) {
			got = in[0]
			data := make([]uint8, WorkSize*WorkSize*3)
			for i := 2; i < len(data); i += 3 {
				data[i] = 255
			}
			return []*infer.Tensor{infer.NewUint8([]int64{1, 512, 512, 3}, data)}, nil
		},
	}
	n := newNeural(t, infertest.Static(sess), nil)

	out, err := n.Inpaint(context.Background(), imgutil.Fill(16, 16, color.White), squareMask(16, 8))
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, infer.Uint8, got.Type)
	g, err := infer.ParseGeometry(got.Shape)
	require.NoError(t, err)
	vals := got.Float32s()
	assert.Equal(t, float32(255), vals[g.Index(0, 0, 0)])
	assert.Equal(t, float32(0), vals[g.Index(3, 0, 0)])
	assert.Equal(t, float32(255), vals[g.Index(3, 256, 256)])

	c := imgutil.ToNRGBA(out).NRGBAAt(8, 8)
	assert.InDelta(t, 0, int(c.R), 2)
	assert.InDelta(t, 255, int(c.B), 2)
}

func TestNeuralInpaintAsync(t *testing.T) {
	var seen []*infer.Tensor
	n := newNeural(t, infertest.Static(lamaSession([3]float32{1, 1, 1}, &seen)), nil)

	res := <-n.InpaintAsync(context.Background(), imgutil.Fill(8, 8, color.Black), squareMask(8, 4))
	require.NoError(t, res.Err)
	c := imgutil.ToNRGBA(res.Image).NRGBAAt(4, 4)
	assert.InDelta(t, 255, int(c.R), 2)
}

func TestNeuralErrors(t *testing.T) {
	t.Run("mask size", func(t *testing.T) {
		rt := infertest.Static(&infertest.Session{})
		n := newNeural(t, rt, nil)
		_, err := n.Inpaint(context.Background(), imgutil.Fill(8, 8, color.White), squareMask(4, 2))
		assert.ErrorIs(t, err, ErrMaskSize)
		assert.Empty(t, rt.Opens())
	})

	t.Run("asset fetch", func(t *testing.T) {
		fetchErr := errors.New("offline")
		w := infer.NewWorker(infertest.Static(&infertest.Session{}), 1, nil)
		defer func() { _ = w.Stop() }()
		n := NewNeural(NeuralConfig{Worker: w, Store: stubStore{err: fetchErr}, ModelFile: "lama.onnx"})
		_, err := n.Inpaint(context.Background(), imgutil.Fill(8, 8, color.White), squareMask(8, 2))
		assert.ErrorIs(t, err, fetchErr)
	})

	t.Run("wrong working size", func(t *testing.T) {
		sess := &infertest.Session{In: []infer.IOInfo{{Name: "image", Shape: []int64{1, 3, 256, 256}, Type: infer.Float32}}}
		n := newNeural(t, infertest.Static(sess), nil)
		_, err := n.Inpaint(context.Background(), imgutil.Fill(8, 8, color.White), squareMask(8, 2))
		assert.Error(t, err)
	})
}

func TestNeuralRetriesOnCPU(t *testing.T) {
	var seen []*infer.Tensor
	sess := lamaSession([3]float32{0, 1, 0}, &seen)
	rt := &infertest.Runtime{OpenFunc: func(_ string, p provider.Provider) (infer.Session, error) {
		if p != provider.CPU {
			return nil, errors.New("cuda: no device")
		}
		return sess, nil
	}}
	w := infer.NewWorker(rt, 1, nil)
	t.Cleanup(func() { _ = w.Stop() })
	n := NewNeural(NeuralConfig{Worker: w, Store: stubStore{}, ModelFile: "lama.onnx", Detector: provider.Fixed(provider.GPUCompute)})

	out, err := n.Inpaint(context.Background(), imgutil.Fill(8, 8, color.White), squareMask(8, 2))
	require.NoError(t, err)
	assert.Equal(t, []infertest.Open{
		{Path: "/models/lama.onnx", Provider: provider.GPUCompute},
		{Path: "/models/lama.onnx", Provider: provider.CPU},
	}, rt.Opens())
	assert.InDelta(t, 255, int(imgutil.ToNRGBA(out).NRGBAAt(4, 4).G), 2)

	// 会话已缓存，不再重新打开
	_, err = n.Inpaint(context.Background(), imgutil.Fill(8, 8, color.White), squareMask(8, 2))
	require.NoError(t, err)
	assert.Len(t, rt.Opens(), 2)
}

func TestNeuralOpenFailsEverywhere(t *testing.T) {
	rt := &infertest.Runtime{OpenFunc: func(_ string, p provider.Provider) (infer.Session, error) {
		return nil, fmt.Errorf("%s broken", p)
	}}
	w := infer.NewWorker(rt, 1, nil)
	t.Cleanup(func() { _ = w.Stop() })
	n := NewNeural(NeuralConfig{Worker: w, Store: stubStore{}, ModelFile: "lama.onnx", Detector: provider.Fixed(provider.GPUShader)})

	_, err := n.Inpaint(context.Background(), imgutil.Fill(8, 8, color.White), squareMask(8, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open model on gpu-shader")
	assert.Contains(t, err.Error(), "open model on cpu")
	assert.Len(t, rt.Opens(), 2)

	// CPU 本身失败不再重试
	rt2 := &infertest.Runtime{OpenFunc: rt.OpenFunc}
	w2 := infer.NewWorker(rt2, 1, nil)
	t.Cleanup(func() { _ = w2.Stop() })
	n2 := NewNeural(NeuralConfig{Worker: w2, Store: stubStore{}, ModelFile: "lama.onnx"})
	_, err = n2.Inpaint(context.Background(), imgutil.Fill(8, 8, color.White), squareMask(8, 2))
	require.Error(t, err)
	assert.Len(t, rt2.Opens(), 1)
}

func TestNeuralClose(t *testing.T) {
	var seen []*infer.Tensor
	sess := lamaSession([3]float32{}, &seen)
	n := newNeural(t, infertest.Static(sess), nil)

	require.NoError(t, n.Close(context.Background()), "closing before load is a no-op")
	_, err := n.Inpaint(context.Background(), imgutil.Fill(8, 8, color.White), squareMask(8, 2))
	require.NoError(t, err)
	require.NoError(t, n.Close(context.Background()))
	assert.True(t, sess.Closed())
}

func TestRequestIDContext(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Equal(t, "abc", RequestID(WithRequestID(context.Background(), "abc")))
}
