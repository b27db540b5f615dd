package weightload

import (
	"context"

	"github.com/rs/zerolog"
)

// downcastKeys is the fixed set of matmul weight slots eligible for
// opportunistic F32→F16 downcast (spec §4.5).
var downcastKeys = []string{
	"qProj", "kProj", "vProj", "oProj",
	"ffnGate", "ffnUp", "ffnDown", "ffnGateUp",
	"routerWeight",
}

// DowncastCandidate names one weight eligible for downcast, keyed by
// its pipeline-facing slot name (one of downcastKeys).
type DowncastCandidate struct {
	Key    string
	Weight WeightBuffer
}

// Downcast converts matmul Weight Buffers from F32 to F16 in place,
// one GPU cast per candidate, releasing each old buffer before the
// new one replaces it so the two are never simultaneously tracked
// (spec §4.5, §5). Candidates not at F32, or present when the device
// lacks F16 or keepF32Weights is set, pass through unchanged. A
// per-candidate cast failure is logged and that candidate's original
// F32 buffer is kept; it never aborts the batch.
func Downcast(ctx context.Context, device Device, keepF32Weights bool, log *zerolog.Logger, candidates []DowncastCandidate) []DowncastCandidate {
	if keepF32Weights || !device.HasCapability("f16") {
		return candidates
	}

	pool := device.BufferPool()
	kernels := device.Kernels()

	out := make([]DowncastCandidate, len(candidates))
	for i, c := range candidates {
		out[i] = c
		if c.Weight.Dtype != DtypeF32 {
			continue
		}

		n := ElementCount(c.Weight.Shape)
		dst, err := pool.Allocate(ctx, n*2) // F16 is 2 bytes/element
		if err != nil {
			logWarn(log, "downcast: allocate f16 buffer for %q failed, keeping f32: %v", c.Key, err)
			continue
		}
		if err := kernels.CastF32ToF16(ctx, dst, c.Weight.Buffer, n); err != nil {
			_ = pool.Release(ctx, dst)
			logWarn(log, "downcast: cast %q to f16 failed, keeping f32: %v", c.Key, err)
			continue
		}
		if err := pool.Release(ctx, c.Weight.Buffer); err != nil {
			logWarn(log, "downcast: release old f32 buffer for %q failed: %v", c.Key, err)
		}

		out[i].Weight = WeightBuffer{
			Buffer: dst,
			Dtype:  DtypeF16,
			Shape:  c.Weight.Shape,
			Layout: c.Weight.Layout,
			Label:  c.Weight.Label,
		}
	}
	return out
}

func logWarn(log *zerolog.Logger, format string, args ...any) {
	if log == nil {
		return
	}
	log.Warn().Msgf(format, args...)
}
