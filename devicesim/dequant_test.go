package devicesim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpustack/weightload"
)

func TestDequantizeZeroBlockIsZero(t *testing.T) {
	pool := NewPool(0)
	ctx := context.Background()
	k := Kernels{}

	cases := []struct {
		dtype     weightload.Dtype
		blockSize int
	}{
		{weightload.DtypeQ4K, q4kBlockSize},
		{weightload.DtypeQ6K, q6kBlockSize},
	}
	for _, c := range cases {
		src, err := pool.Allocate(ctx, uint64(c.blockSize))
		require.NoError(t, err)

		dst, err := pool.Allocate(ctx, qkK*4)
		require.NoError(t, err)

		require.NoError(t, k.Dequantize(ctx, dst, src, c.dtype, 1, qkK))
		assert.Equal(t, make([]float32, qkK), f32sOf(dst, qkK))
	}
}

func TestDequantizeRejectsUnsupportedDtype(t *testing.T) {
	pool := NewPool(0)
	ctx := context.Background()
	k := Kernels{}
	src, err := pool.Allocate(ctx, 4)
	require.NoError(t, err)
	dst, err := pool.Allocate(ctx, 4)
	require.NoError(t, err)
	assert.Error(t, k.Dequantize(ctx, dst, src, weightload.DtypeF32, 1, 1))
}

func TestDequantizeRowWisePartialLastBlock(t *testing.T) {
	pool := NewPool(0)
	ctx := context.Background()
	k := Kernels{}

	// A single row of 10 columns still consumes one full Q4_K block on
	// disk (blocks are padded to qkK), row-wise framing per spec §4.4.
	src, err := pool.Allocate(ctx, q4kBlockSize)
	require.NoError(t, err)
	dst, err := pool.Allocate(ctx, 10*4)
	require.NoError(t, err)

	require.NoError(t, k.DequantizeRowWise(ctx, dst, src, weightload.DtypeQ4K, 1, 10))
	assert.Equal(t, make([]float32, 10), f32sOf(dst, 10))
}
