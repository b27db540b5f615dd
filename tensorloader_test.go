package weightload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpustack/weightload/devicesim"
)

func newTestTensorLoader(caps ...string) (*TensorLoader, devicesim.Device) {
	cfg := devicesim.DefaultDeviceConfig()
	if caps != nil {
		cfg.Capabilities = caps
	}
	d := devicesim.NewDevice(cfg)
	return NewTensorLoader(d), *d
}

func TestLoadTensorF32RoundTrip(t *testing.T) {
	tl, _ := newTestTensorLoader()
	loc := TensorLocation{Shape: []uint64{2, 2}, Dtype: DtypeF32, Role: RoleMatmul, Size: 16}
	bytes := make([]byte, 16)

	lt, err := tl.LoadTensor(context.Background(), bytes, loc, "w", TensorLoaderConfig{})
	require.NoError(t, err)
	assert.Equal(t, DtypeF32, lt.Weight.Dtype)
	assert.Equal(t, LayoutRow, lt.Weight.Layout)
	assert.Equal(t, uint64(16), lt.Weight.Bytes())
}

func TestLoadTensorUnrecognizedDtype(t *testing.T) {
	tl, _ := newTestTensorLoader()
	loc := TensorLocation{Shape: []uint64{1}, Dtype: Dtype(99)}
	_, err := tl.LoadTensor(context.Background(), make([]byte, 4), loc, "w", TensorLoaderConfig{})
	assert.Error(t, err)
}

func TestLoadTensorF16MatmulKeepsF16(t *testing.T) {
	tl, _ := newTestTensorLoader()
	loc := TensorLocation{Shape: []uint64{2, 2}, Dtype: DtypeF16, Role: RoleMatmul, Size: 8}
	lt, err := tl.LoadTensor(context.Background(), make([]byte, 8), loc, "w", TensorLoaderConfig{})
	require.NoError(t, err)
	assert.Equal(t, DtypeF16, lt.Weight.Dtype)
}

func TestLoadTensorF16NonMatmulUpcastsWhenAllowed(t *testing.T) {
	tl, _ := newTestTensorLoader()
	loc := TensorLocation{Shape: []uint64{2}, Dtype: DtypeF16, Role: RoleNorm, Size: 4}
	lt, err := tl.LoadTensor(context.Background(), make([]byte, 4), loc, "w", TensorLoaderConfig{AllowF32UpcastNonMatmul: true})
	require.NoError(t, err)
	assert.Equal(t, DtypeF32, lt.Weight.Dtype)
}

func TestLoadTensorF16NonMatmulStaysF16ByDefault(t *testing.T) {
	tl, _ := newTestTensorLoader()
	loc := TensorLocation{Shape: []uint64{2}, Dtype: DtypeF16, Role: RoleNorm, Size: 4}
	lt, err := tl.LoadTensor(context.Background(), make([]byte, 4), loc, "w", TensorLoaderConfig{})
	require.NoError(t, err)
	assert.Equal(t, DtypeF16, lt.Weight.Dtype)
}

func TestLoadTensorQ4KFusedPassthrough(t *testing.T) {
	tl, _ := newTestTensorLoader("subgroups")
	loc := TensorLocation{Shape: []uint64{1, QKK}, Dtype: DtypeQ4K, Role: RoleMatmul, Size: Q4KBlockBytes}
	cfg := TensorLoaderConfig{UseFusedQ4K: true, HasSubgroups: true}

	lt, err := tl.LoadTensor(context.Background(), make([]byte, Q4KBlockBytes), loc, "w", cfg)
	require.NoError(t, err)
	assert.Equal(t, DtypeQ4K, lt.Weight.Dtype, "fused dispatch keeps the weight quantized")
}

func TestLoadTensorQ4KDequantWhenNotFusable(t *testing.T) {
	tl, _ := newTestTensorLoader("subgroups")
	loc := TensorLocation{Shape: []uint64{1, QKK}, Dtype: DtypeQ4K, Role: RoleMatmul, Size: Q4KBlockBytes}
	cfg := TensorLoaderConfig{UseFusedQ4K: false, HasSubgroups: true, HasF16: true}

	lt, err := tl.LoadTensor(context.Background(), make([]byte, Q4KBlockBytes), loc, "w", cfg)
	require.NoError(t, err)
	assert.Equal(t, DtypeF16, lt.Weight.Dtype, "UseFusedQ4K=false always dequantizes")
}

func TestLoadTensorQ4KDequantKeepsF32WhenRequested(t *testing.T) {
	tl, _ := newTestTensorLoader()
	loc := TensorLocation{Shape: []uint64{1, QKK}, Dtype: DtypeQ4K, Role: RoleMatmul, Size: Q4KBlockBytes}
	cfg := TensorLoaderConfig{HasF16: true, KeepF32Weights: true}

	lt, err := tl.LoadTensor(context.Background(), make([]byte, Q4KBlockBytes), loc, "w", cfg)
	require.NoError(t, err)
	assert.Equal(t, DtypeF32, lt.Weight.Dtype)
}

func TestLoadTensorQ6KAlwaysDequantizesToF16(t *testing.T) {
	tl, _ := newTestTensorLoader()
	loc := TensorLocation{Shape: []uint64{1, QKK}, Dtype: DtypeQ6K, Role: RoleMatmul, Size: Q6KBlockBytes}
	lt, err := tl.LoadTensor(context.Background(), make([]byte, Q6KBlockBytes), loc, "w", TensorLoaderConfig{})
	require.NoError(t, err)
	assert.Equal(t, DtypeF16, lt.Weight.Dtype)
}

func TestResolveLayoutEmbeddingInfersColumnWhenRowsSmaller(t *testing.T) {
	assert.Equal(t, LayoutColumn, resolveLayout(nil, RoleEmbedding, []uint64{4, 100}))
	assert.Equal(t, LayoutRow, resolveLayout(nil, RoleEmbedding, []uint64{100, 4}))
	assert.Equal(t, LayoutRow, resolveLayout(nil, RoleMatmul, []uint64{4, 100}))

	explicit := LayoutColumn
	assert.Equal(t, LayoutColumn, resolveLayout(&explicit, RoleMatmul, []uint64{100, 4}))
}

func TestPackedQ4KDetection(t *testing.T) {
	rows, cols := uint64(4), uint64(QKK)
	full := QuantizedBytes(DtypeQ4K, rows, cols)
	assert.False(t, packedQ4K(int64(full), rows, cols))
	assert.True(t, packedQ4K(int64(full-1), rows, cols))
}

func TestCPULoadTensorWidensF16AndBF16(t *testing.T) {
	out, err := CPULoadTensor(make([]byte, 4), TensorLocation{Dtype: DtypeF16, Shape: []uint64{2}})
	require.NoError(t, err)
	assert.Len(t, out, 8)

	out, err = CPULoadTensor(make([]byte, 4), TensorLocation{Dtype: DtypeBF16, Shape: []uint64{2}})
	require.NoError(t, err)
	assert.Len(t, out, 8)

	raw := []byte{1, 2, 3, 4}
	out, err = CPULoadTensor(raw, TensorLocation{Dtype: DtypeF32, Shape: []uint64{1}})
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	out, err = CPULoadTensor(raw, TensorLocation{Dtype: DtypeQ4K, Shape: []uint64{1}})
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}
