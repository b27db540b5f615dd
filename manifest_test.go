package weightload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpustack/weightload/util/json"
)

func boolPtr(b bool) *bool { return &b }

func validManifestJSON() string {
	return `{
		"shards": [{"size": 100, "hash": "abc"}, {"size": 200, "hash": "def", "hashAlgorithm": "sha224"}],
		"hashAlgorithm": "sha256",
		"tensors": {
			"model.embed_tokens.weight": {"shard": 0, "offset": 0, "size": 100, "shape": [10, 10], "dtype": 0}
		},
		"config": {"num_hidden_layers": 4},
		"inference": {
			"normalization": {"rmsNormWeightOffset": true},
			"output": {"tieWordEmbeddings": false}
		}
	}`
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON()))
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, "sha256", m.HashAlgorithmFor(0))
	assert.Equal(t, "sha224", m.HashAlgorithmFor(1))

	n, err := m.NumHiddenLayers()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	loc, ok := m.Tensors["model.embed_tokens.weight"]
	require.True(t, ok)
	assert.True(t, loc.IsMultiSpan())
	assert.Equal(t, 0, loc.Spans[0].Shard)
	assert.Equal(t, int64(100), loc.Spans[0].Size)
}

func TestManifestValidateMissingFields(t *testing.T) {
	m := &Manifest{}
	assert.ErrorIs(t, m.Validate(), ErrConfigMissing)

	m.Inference.Normalization.RMSNormWeightOffset = boolPtr(true)
	assert.ErrorIs(t, m.Validate(), ErrConfigMissing)

	m.Inference.Output.TieWordEmbeddings = boolPtr(true)
	assert.NoError(t, m.Validate())
}

func TestManifestValidateRequiresMoEConfig(t *testing.T) {
	raw, err := json.Marshal(8)
	require.NoError(t, err)

	m := &Manifest{
		Config: map[string]json.RawMessage{"num_local_experts": raw},
		Inference: InferenceConfig{
			Normalization: NormalizationConfig{RMSNormWeightOffset: boolPtr(true)},
			Output:        OutputConfig{TieWordEmbeddings: boolPtr(true)},
		},
	}
	assert.ErrorIs(t, m.Validate(), ErrConfigMissing)

	m.MoEConfig = &MoEConfig{NumExperts: 8, NumExpertsPerToken: 2}
	assert.ErrorIs(t, m.Validate(), ErrConfigMissing, "expertFormat is required once moeConfig is set")

	m.MoEConfig.ExpertFormat = MoEFormatMixtral
	assert.NoError(t, m.Validate())
}

func TestManifestIsMoE(t *testing.T) {
	m := &Manifest{}
	assert.False(t, m.IsMoE())
	m.MoEConfig = &MoEConfig{NumExperts: 1}
	assert.False(t, m.IsMoE())
	m.MoEConfig.NumExperts = 8
	assert.True(t, m.IsMoE())
}

func TestManifestExpertShardsFor(t *testing.T) {
	m := &Manifest{ExpertShards: map[string][]int{"2:5": {3, 4}}}
	assert.Equal(t, []int{3, 4}, m.ExpertShardsFor(2, 5))
	assert.Nil(t, m.ExpertShardsFor(0, 0))
}
