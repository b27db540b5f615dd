package weightload

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpustack/weightload/devicesim"
)

func f32Buffer(t *testing.T, pool BufferPool, vals ...float32) Buffer {
	t.Helper()
	b, err := pool.Allocate(context.Background(), uint64(len(vals))*4)
	require.NoError(t, err)
	raw := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	type writer interface {
		WriteRaw(ctx context.Context, p []byte) error
	}
	require.NoError(t, b.(writer).WriteRaw(context.Background(), raw))
	return b
}

func readF32(b Buffer, n int) []float32 {
	type reader interface{ Bytes() []byte }
	raw := b.(reader).Bytes()
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func TestApplyNormOffsetAddsOneToF32Weight(t *testing.T) {
	device := devicesim.NewDevice(devicesim.DefaultDeviceConfig())
	pool := device.BufferPool()

	buf := f32Buffer(t, pool, -1.0, 0.0, 2.5)
	w := WeightBuffer{Buffer: buf, Dtype: DtypeF32, Shape: []uint64{3}}

	got, err := ApplyNormOffset(context.Background(), pool, device.Kernels(), w)
	require.NoError(t, err)
	assert.Same(t, buf, got.Buffer, "F32 input is rewritten in place")
	assert.Equal(t, []float32{0.0, 1.0, 3.5}, readF32(buf, 3))
}

func TestApplyNormOffsetUpcastsF16ThenAdds(t *testing.T) {
	device := devicesim.NewDevice(devicesim.DefaultDeviceConfig())
	pool := device.BufferPool()
	kernels := device.Kernels()
	ctx := context.Background()

	f32src := f32Buffer(t, pool, -1.0, 0.0, 2.5)
	f16buf, err := pool.Allocate(ctx, 3*2)
	require.NoError(t, err)
	require.NoError(t, kernels.CastF32ToF16(ctx, f16buf, f32src, 3))

	w := WeightBuffer{Buffer: f16buf, Dtype: DtypeF16, Shape: []uint64{3}, Label: "norm"}

	got, err := ApplyNormOffset(ctx, pool, kernels, w)
	require.NoError(t, err)
	assert.Equal(t, DtypeF32, got.Dtype, "the offset tensor widens to F32 rather than being silently skipped")
	assert.NotSame(t, f16buf, got.Buffer)
	assert.InDeltaSlice(t, []float32{0.0, 1.0, 3.5}, readF32(got.Buffer, 3), 1e-3)
}

func TestApplyNormOffsetRejectsUnsupportedDtype(t *testing.T) {
	device := devicesim.NewDevice(devicesim.DefaultDeviceConfig())
	pool := device.BufferPool()

	buf, err := pool.Allocate(context.Background(), 4)
	require.NoError(t, err)
	w := WeightBuffer{Buffer: buf, Dtype: DtypeQ4K, Shape: []uint64{2}}

	_, err = ApplyNormOffset(context.Background(), pool, device.Kernels(), w)
	assert.Error(t, err)
}

func TestShouldApplyNormOffset(t *testing.T) {
	m := &Manifest{}
	assert.False(t, shouldApplyNormOffset(m))

	f := false
	m.Inference.Normalization.RMSNormWeightOffset = &f
	assert.False(t, shouldApplyNormOffset(m))

	tr := true
	m.Inference.Normalization.RMSNormWeightOffset = &tr
	assert.True(t, shouldApplyNormOffset(m))
}
