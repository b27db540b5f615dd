package weightload

import "time"

// ShardCachePolicy mirrors `loading.shardCache` in the runtime config
// a host may supply (spec §6). Of its fields, the Orchestrator's
// shardCachePolicy (loader.go) reads only MaxConcurrentLoads. The
// Shard Cache is bounded by bytes, with budgets fixed there (2 GiB for
// a MoE model, 512 MiB for a remote backend, 64 MiB otherwise);
// OPFSEntries, NetworkEntries and MoEMaxEntries are not consulted, and
// hash verification follows LoadOptions.VerifyHashes, not VerifyHashes.
type ShardCachePolicy struct {
	OPFSEntries        int
	NetworkEntries     int
	MoEMaxEntries      int
	VerifyHashes       bool
	MaxConcurrentLoads int
}

// MemoryManagementPolicy mirrors `loading.memoryManagement`: the
// pacing knobs governing inter-layer cache flushes (spec §4.9).
// GPUQueueFlushLayers is carried but not acted on; loadLayers performs
// no GPU queue drain.
type MemoryManagementPolicy struct {
	LogInterval        time.Duration
	FlushIntervalLayers int
	FlushThresholdBytes uint64
	GPUQueueFlushLayers int
}

// ExpertCachePolicy mirrors `loading.expertCache`: the Expert LRU
// Cache's sizing knobs (spec §4.7).
type ExpertCachePolicy struct {
	DefaultSizeBytes       uint64
	MaxBufferPercentage    float64
	MaxBufferFallbackBytes uint64
}

// LoadingConfig bundles every runtime config knob the Orchestrator
// honors (spec §6). DefaultLoadingConfig supplies the values this
// package ships with; a host overrides individual fields via
// WithLoadingConfig.
type LoadingConfig struct {
	ShardCache      ShardCachePolicy
	MemoryManagement MemoryManagementPolicy
	ExpertCache     ExpertCachePolicy

	// AllowF32UpcastNonMatmul governs whether a non-matmul F16 weight
	// may be widened to F32 at load time (spec §4.4).
	AllowF32UpcastNonMatmul bool
}

// DefaultLoadingConfig returns the policy this package ships with,
// conservative enough to run against a modest GPU without tuning.
func DefaultLoadingConfig() LoadingConfig {
	return LoadingConfig{
		ShardCache: ShardCachePolicy{
			OPFSEntries:        8,
			NetworkEntries:     32,
			MoEMaxEntries:      64,
			VerifyHashes:       true,
			MaxConcurrentLoads: 4,
		},
		MemoryManagement: MemoryManagementPolicy{
			LogInterval:         5 * time.Second,
			FlushIntervalLayers: 8,
			FlushThresholdBytes: 512 << 20,
			GPUQueueFlushLayers: 4,
		},
		ExpertCache: ExpertCachePolicy{
			DefaultSizeBytes:       2 << 30,
			MaxBufferPercentage:    0.5,
			MaxBufferFallbackBytes: 1 << 30,
		},
		AllowF32UpcastNonMatmul: false,
	}
}

// moeMaxEntries computes an entry-count bound for a MoE model's shard
// cache per spec §4.1: clamp(2*numExpertsPerToken+1, 4, moeMaxEntries).
// Nothing calls it; the Shard Cache is bounded by bytes instead.
func moeMaxEntries(numExpertsPerToken, ceiling int) int {
	n := 2*numExpertsPerToken + 1
	if n < 4 {
		n = 4
	}
	if n > ceiling {
		n = ceiling
	}
	return n
}

// Q4KConfig governs the fused-vs-dequant Q4K dispatch (spec §4.4),
// set via Loader.SetQ4KConfig.
type Q4KConfig struct {
	UseFusedQ4K    bool
	Q4KLayout      Q4KLayout
	KeepF32Weights bool
}

// DefaultQ4KConfig enables the fused path whenever the device allows
// it and permits F32→F16 downcast, the common case for a consumer GPU.
func DefaultQ4KConfig() Q4KConfig {
	return Q4KConfig{UseFusedQ4K: true, Q4KLayout: Q4KLayoutFlat, KeepF32Weights: false}
}

// LargeWeightsPolicy mirrors `inference.largeWeights`: the CPU
// streaming threshold rule (spec §4.9's Streaming rule).
type LargeWeightsPolicy struct {
	Enabled     bool
	SafetyRatio float64
	PreferF16   bool
}

// clampSafetyRatio clamps r into [0.1, 1.0], per spec §4.9.
func clampSafetyRatio(r float64) float64 {
	switch {
	case r < 0.1:
		return 0.1
	case r > 1.0:
		return 1.0
	default:
		return r
	}
}

// streamingThreshold computes the byte threshold above which a weight
// must be streamed from the CPU rather than bound as one GPU buffer
// (spec §4.9): floor(min(maxStorageBufferBindingSize, maxBufferSize) * safetyRatio).
func streamingThreshold(maxStorageBufferBindingSize, maxBufferSize uint64, safetyRatio float64) uint64 {
	limit := maxStorageBufferBindingSize
	if maxBufferSize < limit {
		limit = maxBufferSize
	}
	return uint64(float64(limit) * clampSafetyRatio(safetyRatio))
}
