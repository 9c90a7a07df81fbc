package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counting(n *atomic.Int32, err error) Probe {
	return func(context.Context) error {
		n.Add(1)
		return err
	}
}

func TestDetectMemoizes(t *testing.T) {
	var compute, shader atomic.Int32
	d := NewDetector(map[Provider]Probe{
		GPUCompute: counting(&compute, errors.New("no adapter")),
		GPUShader:  counting(&shader, nil),
	}, nil)

	assert.Equal(t, GPUShader, d.Detect(context.Background()))
	assert.Equal(t, GPUShader, d.Detect(context.Background()))

	assert.Equal(t, int32(1), compute.Load())
	assert.Equal(t, int32(1), shader.Load())
}

func TestDetectConcurrentFirstCall(t *testing.T) {
	var compute atomic.Int32
	d := NewDetector(map[Provider]Probe{GPUCompute: counting(&compute, nil)}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, GPUCompute, d.Detect(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), compute.Load())
}

func TestDetectPriorityOrder(t *testing.T) {
	var shader atomic.Int32
	d := NewDetector(map[Provider]Probe{
		GPUCompute: func(context.Context) error { return nil },
		GPUShader:  counting(&shader, nil),
	}, nil)

	assert.Equal(t, GPUCompute, d.Detect(context.Background()))
	assert.Equal(t, int32(0), shader.Load(), "lower priority probe must not run once a better one succeeds")
}

func TestDetectPanickingProbeFallsBackToCPU(t *testing.T) {
	d := NewDetector(map[Provider]Probe{
		GPUCompute: func(context.Context) error { panic("driver exploded") },
		GPUShader:  func(context.Context) error { return errors.New("no shader backend") },
	}, nil)

	assert.Equal(t, CPU, d.Detect(context.Background()))
}

func TestResetRedetects(t *testing.T) {
	var compute atomic.Int32
	d := NewDetector(map[Provider]Probe{GPUCompute: counting(&compute, nil)}, nil)

	_, ok := d.Detected()
	assert.False(t, ok)

	d.Detect(context.Background())
	d.Reset()
	d.Detect(context.Background())
	assert.Equal(t, int32(2), compute.Load())

	p, ok := d.Detected()
	require.True(t, ok)
	assert.Equal(t, GPUCompute, p)
}

func TestFixed(t *testing.T) {
	assert.Equal(t, CPU, Fixed(CPU).Detect(context.Background()))
}

func TestParse(t *testing.T) {
	tests := map[string]Provider{
		"gpu-compute": GPUCompute,
		"CUDA":        GPUCompute,
		"directml":    GPUShader,
		"cpu":         CPU,
	}
	for in, want := range tests {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.NotEmpty(t, got.String())
	}
	_, err := Parse("tpu")
	assert.Error(t, err)
}
