package weightload

import (
	"context"
	"fmt"

	"github.com/gpustack/weightload/util/ptr"
)

// ApplyNormOffset rewrites a 1-D normalization Weight Buffer as
// w ↦ 1 + w, honoring manifest.inference.normalization's flag (spec
// §4.6), and returns the Weight Buffer the caller must track in its
// place. The element count used is derived strictly from the
// tensor's shape, never the buffer's allocated (possibly padded)
// size: reading past shape_product·bytes_per_element would read
// device-allocator padding, not weight data, and is forbidden.
//
// AddScalarF32 only operates on F32 data. A norm tensor that the
// Tensor Loader left at F16 (a non-matmul tensor with
// AllowF32UpcastNonMatmul unset, tensorloader.go's loadF16) is
// widened into a freshly allocated F32 buffer first, and the old F16
// buffer released, so the transform still runs exactly once
// regardless of the tensor's on-disk dtype. BF16 norm tensors never
// reach here at F16/BF16: loadBF16 always upcasts a non-matmul tensor
// to F32 itself.
func ApplyNormOffset(ctx context.Context, pool BufferPool, kernels Kernels, w WeightBuffer) (WeightBuffer, error) {
	n := ElementCount(w.Shape)

	switch w.Dtype {
	case DtypeF32:
		if err := kernels.AddScalarF32(ctx, w.Buffer, w.Buffer, n, 1.0); err != nil {
			return w, err
		}
		return w, nil
	case DtypeF16:
		dst, err := pool.Allocate(ctx, n*4) // F32 is 4 bytes/element
		if err != nil {
			return w, fmt.Errorf("allocate f32 buffer for norm offset on %q: %w", w.Label, err)
		}
		if err := kernels.CastF16ToF32(ctx, dst, w.Buffer, n); err != nil {
			_ = pool.Release(ctx, dst)
			return w, fmt.Errorf("upcast norm weight %q to f32: %w", w.Label, err)
		}
		if err := kernels.AddScalarF32(ctx, dst, dst, n, 1.0); err != nil {
			_ = pool.Release(ctx, dst)
			return w, fmt.Errorf("apply norm offset to %q: %w", w.Label, err)
		}
		if err := pool.Release(ctx, w.Buffer); err != nil {
			return w, fmt.Errorf("release f16 norm buffer %q: %w", w.Label, err)
		}
		return WeightBuffer{Buffer: dst, Dtype: DtypeF32, Shape: w.Shape, Layout: w.Layout, Label: w.Label}, nil
	default:
		return w, fmt.Errorf("apply norm offset to %q: unsupported dtype %s", w.Label, w.Dtype)
	}
}

// shouldApplyNormOffset reports whether the manifest requires the
// norm-offset transform, per the single flag governing it (spec §4.6).
func shouldApplyNormOffset(m *Manifest) bool {
	return ptr.Deref(m.Inference.Normalization.RMSNormWeightOffset, false)
}
