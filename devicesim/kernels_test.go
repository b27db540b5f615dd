package devicesim

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpustack/weightload"
)

func allocF32(t *testing.T, p *Pool, vals ...float32) weightload.Buffer {
	t.Helper()
	b, err := p.Allocate(context.Background(), uint64(len(vals))*4)
	require.NoError(t, err)
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	require.NoError(t, b.(*Buffer).SetBytes(buf))
	return b
}

func f32sOf(b weightload.Buffer, n int) []float32 {
	raw := b.(*Buffer).Bytes()
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func TestKernelsCastF32ToF16ToF32RoundTrip(t *testing.T) {
	pool := NewPool(0)
	ctx := context.Background()
	k := Kernels{}

	src := allocF32(t, pool, 1.0, -2.5, 0.0, 65504.0)
	f16, err := pool.Allocate(ctx, 4*2)
	require.NoError(t, err)
	require.NoError(t, k.CastF32ToF16(ctx, f16, src, 4))

	back, err := pool.Allocate(ctx, 4*4)
	require.NoError(t, err)
	require.NoError(t, k.CastF16ToF32(ctx, back, f16, 4))

	assert.InDeltaSlice(t, []float32{1.0, -2.5, 0.0, 65504.0}, f32sOf(back, 4), 0.01)
}

func TestKernelsCastBF16RoundTrip(t *testing.T) {
	pool := NewPool(0)
	ctx := context.Background()
	k := Kernels{}

	// bfloat16 keeps only the top 16 bits of a float32, so 2.0 (exact
	// in bf16) round-trips losslessly.
	bf16 := make([]byte, 2)
	binary.LittleEndian.PutUint16(bf16, uint16(math.Float32bits(2.0)>>16))
	src, err := pool.Allocate(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, src.(*Buffer).SetBytes(bf16))

	f32, err := pool.Allocate(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, k.CastBF16ToF32(ctx, f32, src, 1))
	assert.Equal(t, float32(2.0), f32sOf(f32, 1)[0])

	f16, err := pool.Allocate(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, k.CastBF16ToF16(ctx, f16, src, 1))
}

func TestKernelsAddScalarF32InPlace(t *testing.T) {
	pool := NewPool(0)
	ctx := context.Background()
	k := Kernels{}

	buf := allocF32(t, pool, -1.0, 0.0, 3.5)
	require.NoError(t, k.AddScalarF32(ctx, buf, buf, 3, 1.0))
	assert.Equal(t, []float32{0.0, 1.0, 4.5}, f32sOf(buf, 3))
}

func TestKernelsTransposeF32(t *testing.T) {
	pool := NewPool(0)
	ctx := context.Background()
	k := Kernels{}

	// 2x3 matrix [[1,2,3],[4,5,6]] transposed is 3x2 [[1,4],[2,5],[3,6]].
	src := allocF32(t, pool, 1, 2, 3, 4, 5, 6)
	dst, err := pool.Allocate(ctx, 6*4)
	require.NoError(t, err)
	require.NoError(t, k.Transpose(ctx, dst, src, 2, 3, 4))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, f32sOf(dst, 6))
}

func TestPoolBudgetExceeded(t *testing.T) {
	pool := NewPool(8)
	ctx := context.Background()
	_, err := pool.Allocate(ctx, 4)
	require.NoError(t, err)
	_, err = pool.Allocate(ctx, 8)
	assert.Error(t, err)
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	pool := NewPool(8)
	ctx := context.Background()
	b, err := pool.Allocate(ctx, 8)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, b))
	require.NoError(t, pool.Release(ctx, b))
	avail, err := pool.AvailableBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), avail)
}
