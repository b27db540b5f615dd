package weightload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpustack/weightload/devicesim"
	"github.com/gpustack/weightload/localstore"
)

// denseModelManifest describes a one-layer dense model small enough to
// hand-author byte-exact: one embedding tensor, one layer's required
// slots under the "model.layers.%d" naming convention, and a tied LM
// head (so no separate lm_head tensor is needed).
const denseModelManifest = `{
	"shards": [{"size": 160}],
	"tensors": {
		"model.embed_tokens.weight": {"shard": 0, "offset": 0, "size": 32, "shape": [4, 2], "dtype": 0, "role": 1},
		"model.layers.0.input_layernorm.weight": {"shard": 0, "offset": 32, "size": 8, "shape": [2], "dtype": 0, "role": 3},
		"model.layers.0.self_attn.q_proj.weight": {"shard": 0, "offset": 40, "size": 16, "shape": [2, 2], "dtype": 0, "role": 2},
		"model.layers.0.self_attn.k_proj.weight": {"shard": 0, "offset": 56, "size": 16, "shape": [2, 2], "dtype": 0, "role": 2},
		"model.layers.0.self_attn.v_proj.weight": {"shard": 0, "offset": 72, "size": 16, "shape": [2, 2], "dtype": 0, "role": 2},
		"model.layers.0.self_attn.o_proj.weight": {"shard": 0, "offset": 88, "size": 16, "shape": [2, 2], "dtype": 0, "role": 2},
		"model.layers.0.mlp.gate_proj.weight": {"shard": 0, "offset": 104, "size": 16, "shape": [2, 2], "dtype": 0, "role": 2},
		"model.layers.0.mlp.up_proj.weight": {"shard": 0, "offset": 120, "size": 16, "shape": [2, 2], "dtype": 0, "role": 2},
		"model.layers.0.mlp.down_proj.weight": {"shard": 0, "offset": 136, "size": 16, "shape": [2, 2], "dtype": 0, "role": 2},
		"model.norm.weight": {"shard": 0, "offset": 152, "size": 8, "shape": [2], "dtype": 0, "role": 3}
	},
	"config": {"num_hidden_layers": 1},
	"inference": {
		"normalization": {"rmsNormWeightOffset": false},
		"output": {"tieWordEmbeddings": true}
	}
}`

func writeTestModel(t *testing.T, dir, modelID, manifest string, shard []byte) {
	t.Helper()
	modelDir := filepath.Join(dir, modelID)
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "manifest.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "model.bin"), shard, 0o644))
}

func TestLoaderLoadDenseModelEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeTestModel(t, dir, "dense-model", denseModelManifest, make([]byte, 160))

	store := localstore.New(dir)
	device := devicesim.NewDevice(devicesim.DefaultDeviceConfig())
	loader := NewLoader(device, WithStorageBackend(store))

	ctx := context.Background()
	var events []ProgressEvent
	cfg, err := loader.Load(ctx, "dense-model", LoadOptions{
		OnProgress: func(ev ProgressEvent) { events = append(events, ev) },
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.NotEmpty(t, events)
	assert.True(t, loader.CanRunDense())

	// Embeddings and every matmul weight came in as F32 and should
	// have been opportunistically downcast to F16; norms never are.
	assert.Equal(t, DtypeF16, loader.state.Embeddings.Dtype)
	assert.Equal(t, DtypeF32, loader.state.FinalNorm.Dtype)

	lw, ok := loader.GetLayerWeights(0)
	require.True(t, ok)
	assert.Equal(t, DtypeF16, lw.QProj.Dtype)
	assert.Equal(t, DtypeF16, lw.KProj.Dtype)
	assert.Equal(t, DtypeF32, lw.AttnNorm.Dtype)
	require.NotNil(t, lw.FFNGate)
	require.NotNil(t, lw.FFNUp)
	require.NotNil(t, lw.FFNDown)
	assert.Equal(t, DtypeF16, lw.FFNGate.Dtype)
	assert.Nil(t, lw.FFNGateUp)
	assert.Nil(t, lw.RouterWeight)

	require.NotNil(t, loader.state.LMHead)
	assert.True(t, loader.state.LMHeadTied)
	assert.Same(t, &loader.state.Embeddings, loader.state.LMHead)

	stats := loader.Stats()
	assert.Greater(t, stats.ShardCache.Misses, uint64(0))
	assert.Equal(t, uint64(0), stats.ShardCache.ResidentBytes, "shard cache is reset on successful load")

	loader.Unload(ctx)
	_, ok = loader.GetLayerWeights(0)
	assert.False(t, ok, "GetLayerWeights after Unload should report not-loaded")

	// Unload is idempotent.
	loader.Unload(ctx)
}

func TestLoaderLoadMissingTensorFails(t *testing.T) {
	dir := t.TempDir()
	// No layer-0 tensors at all: the layer loop's mustLoad("attnNorm", ...)
	// must fail with ErrTensorNotFound rather than loading a partial
	// model.
	badManifest := `{
		"shards": [{"size": 40}],
		"tensors": {
			"model.embed_tokens.weight": {"shard": 0, "offset": 0, "size": 32, "shape": [4, 2], "dtype": 0, "role": 1}
		},
		"config": {"num_hidden_layers": 1},
		"inference": {
			"normalization": {"rmsNormWeightOffset": false},
			"output": {"tieWordEmbeddings": true}
		}
	}`
	writeTestModel(t, dir, "broken-model", badManifest, make([]byte, 40))

	store := localstore.New(dir)
	device := devicesim.NewDevice(devicesim.DefaultDeviceConfig())
	loader := NewLoader(device, WithStorageBackend(store))

	_, err := loader.Load(context.Background(), "broken-model", LoadOptions{})
	assert.ErrorIs(t, err, ErrTensorNotFound)

	// A failed load must roll back to a clean, re-loadable state.
	assert.Equal(t, 0, loader.state.BufferCount())
}
