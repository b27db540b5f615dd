package weightload

import (
	"fmt"

	"github.com/gpustack/weightload/util/json"
)

// ShardDescriptor is a manifest's declaration of one shard's size and
// digest, see spec §3.
type ShardDescriptor struct {
	Size         int64  `json:"size"`
	Hash         string `json:"hash"`
	HashAlgorithm string `json:"hashAlgorithm,omitempty"`
}

// Q4KLayout selects how a manifest's Q4K matmul weights are physically
// laid out on disk.
type Q4KLayout string

const (
	Q4KLayoutFlat       Q4KLayout = "flat"
	Q4KLayoutRowWise    Q4KLayout = "row_wise"
	Q4KLayoutColumnWise Q4KLayout = "column_wise"
)

// MoEExpertFormat selects how a manifest's per-expert tensors are
// named and packed.
type MoEExpertFormat string

const (
	MoEFormatMixtral MoEExpertFormat = "mixtral"
	MoEFormatGPTOSS  MoEExpertFormat = "gpt-oss"
)

// MoEConfig is the manifest's mixture-of-experts declaration.
type MoEConfig struct {
	NumExperts         int             `json:"numExperts"`
	NumExpertsPerToken int             `json:"numExpertsPerToken"`
	ExpertFormat       MoEExpertFormat `json:"expertFormat"`
}

// NormalizationConfig governs the norm-offset transform (spec §4.6).
type NormalizationConfig struct {
	RMSNormWeightOffset *bool `json:"rmsNormWeightOffset"`
}

// OutputConfig governs LM-head tying (spec §4.9).
type OutputConfig struct {
	TieWordEmbeddings *bool `json:"tieWordEmbeddings"`
}

// InferenceConfig is the manifest's `inference{}` block.
type InferenceConfig struct {
	Normalization NormalizationConfig `json:"normalization"`
	Output        OutputConfig        `json:"output"`
	LargeWeights  LargeWeightsConfig  `json:"largeWeights"`
}

// LargeWeightsConfig governs the CPU-streaming threshold (spec §4.9).
type LargeWeightsConfig struct {
	Enabled     bool    `json:"enabled"`
	SafetyRatio float64 `json:"safetyRatio"`
	PreferF16   bool    `json:"preferF16"`
}

// Manifest is the root descriptor of a sharded model archive
// (spec §3). Fields not read by the loading pipeline's core (name,
// license, author, ...) are intentionally omitted; the archive format
// parser that produces a full manifest is an external collaborator
// (spec §6) and may carry more than this type exposes.
type Manifest struct {
	Shards        []ShardDescriptor `json:"shards"`
	HashAlgorithm string            `json:"hashAlgorithm"`

	TensorsFile string                    `json:"tensorsFile,omitempty"`
	Tensors     map[string]TensorLocation `json:"tensors,omitempty"`

	Config map[string]json.RawMessage `json:"config"`

	MoEConfig *MoEConfig `json:"moeConfig,omitempty"`

	Inference InferenceConfig `json:"inference"`

	Q4KLayout Q4KLayout `json:"q4kLayout,omitempty"`

	// ExpertShards maps "layer:expert" to the shard indices holding
	// that expert's tensors; absent or empty means "load on demand"
	// (spec §4.9's LoadExpert). ExpertBytes overrides the summed
	// GPU-buffer byte count used for LRU accounting, when known ahead
	// of load.
	ExpertShards map[string][]int   `json:"expertShards,omitempty"`
	ExpertBytes  map[string]uint64  `json:"expertBytes,omitempty"`
}

// TensorSpan is one shard-relative byte range contributing to a
// multi-span tensor location.
type TensorSpan struct {
	Shard  int   `json:"shard"`
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// TensorLocation is the physical placement and semantic metadata of
// one tensor (spec §3).
type TensorLocation struct {
	Shard *int         `json:"shard,omitempty"` // legacy alias: see normalizeLegacyShard
	Spans []TensorSpan `json:"spans,omitempty"`
	Offset int64       `json:"offset"`
	Size   int64       `json:"size"`

	Shape []uint64 `json:"shape"`
	Dtype Dtype    `json:"dtype"`
	Role  TensorRole `json:"role"`
	Group string   `json:"group,omitempty"`

	Layout       *Layout  `json:"layout,omitempty"`
	OriginalShape []uint64 `json:"originalShape,omitempty"`
}

// IsMultiSpan reports whether the location carries a Spans list (one
// or more shard ranges); without one, the top-level Offset/Size
// address shard 0.
func (l TensorLocation) IsMultiSpan() bool {
	return len(l.Spans) > 0
}

// normalizeLegacyShard maps a legacy top-level `shard` field onto a
// single-span Spans entry so the rest of the pipeline only ever deals
// with one representation, mirroring the archive parser's own
// `shard`→`shardIndex` normalization (spec §4.2).
func (l *TensorLocation) normalizeLegacyShard() {
	if len(l.Spans) > 0 || l.Shard == nil {
		return
	}
	l.Spans = []TensorSpan{{Shard: *l.Shard, Offset: l.Offset, Size: l.Size}}
}

// ShardSize returns the declared size of the shard at index i.
func (m *Manifest) ShardSize(i int) (int64, bool) {
	if i < 0 || i >= len(m.Shards) {
		return 0, false
	}
	return m.Shards[i].Size, true
}

// HashAlgorithmFor returns the digest algorithm to use for shard i,
// honoring the per-shard override before falling back to the
// manifest-wide default (spec §3).
func (m *Manifest) HashAlgorithmFor(i int) string {
	if i >= 0 && i < len(m.Shards) && m.Shards[i].HashAlgorithm != "" {
		return m.Shards[i].HashAlgorithm
	}
	return m.HashAlgorithm
}

// IsMoE reports whether the manifest declares more than one expert.
func (m *Manifest) IsMoE() bool {
	return m.MoEConfig != nil && m.MoEConfig.NumExperts > 1
}

// ExpertShardsFor returns the shard indices the given expert's
// tensors live in, or nil if the manifest does not map them (meaning:
// load on demand, spec §4.9).
func (m *Manifest) ExpertShardsFor(layer, expert int) []int {
	return m.ExpertShards[expertKey(layer, expert)]
}

// ExpertBytesFor returns the manifest-declared byte size of an
// expert's weights, or 0 if unmapped (spec §4.9).
func (m *Manifest) ExpertBytesFor(layer, expert int) uint64 {
	return m.ExpertBytes[expertKey(layer, expert)]
}

func expertKey(layer, expert int) string {
	return fmt.Sprintf("%d:%d", layer, expert)
}

// ParseManifest parses a manifest JSON document. It is the core's
// reference implementation of the "archive format parser" collaborator
// named in spec §6 (ParseManifest), sufficient to exercise Load()
// without a host-supplied parser; production hosts may supply a richer
// one via the ManifestParser interface (storage.go).
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for name, loc := range m.Tensors {
		loc.normalizeLegacyShard()
		m.Tensors[name] = loc
	}
	return &m, nil
}

// NumHiddenLayers resolves `config.num_hidden_layers`, falling back
// to the named aliases several archive conventions use for the same
// field, mirroring the archive parser's own named-fallback resolution
// for architecture-specific keys (spec §3, grounded on the teacher's
// per-architecture key-fallback technique in its architecture-metadata
// resolver).
func (m *Manifest) NumHiddenLayers() (int, error) {
	for _, key := range []string{"num_hidden_layers", "n_layer", "num_layers", "block_count"} {
		if raw, ok := m.Config[key]; ok {
			var n int
			if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
				return n, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: config.num_hidden_layers (or a recognized alias)", ErrConfigMissing)
}

// NumLocalExperts resolves `config.num_local_experts`, used by
// ParseManifest's MoE-consistency check in the orchestrator (spec §4.9).
func (m *Manifest) NumLocalExperts() int {
	for _, key := range []string{"num_local_experts", "num_experts"} {
		if raw, ok := m.Config[key]; ok {
			var n int
			if json.Unmarshal(raw, &n) == nil {
				return n
			}
		}
	}
	return 0
}

// Validate checks the required inference fields the orchestrator's
// ParseManifest phase fails fast on (spec §4.9).
func (m *Manifest) Validate() error {
	if m.Inference.Normalization.RMSNormWeightOffset == nil {
		return fmt.Errorf("%w: inference.normalization.rmsNormWeightOffset", ErrConfigMissing)
	}
	if m.Inference.Output.TieWordEmbeddings == nil {
		return fmt.Errorf("%w: inference.output.tieWordEmbeddings", ErrConfigMissing)
	}
	if m.NumLocalExperts() > 1 && m.MoEConfig == nil {
		return fmt.Errorf("%w: moeConfig is required when config.num_local_experts > 1 (model needs re-conversion)", ErrConfigMissing)
	}
	if m.MoEConfig != nil && m.MoEConfig.ExpertFormat == "" {
		return fmt.Errorf("%w: moeConfig.expertFormat", ErrConfigMissing)
	}
	return nil
}
