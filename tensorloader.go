package weightload

import (
	"context"
	"fmt"
)

// TensorLoaderConfig governs the dtype/role dispatch table of
// LoadTensor (spec §4.4).
type TensorLoaderConfig struct {
	UseFusedQ4K bool
	KeepF32Weights bool
	Q4KLayout Q4KLayout

	HasF16       bool
	HasSubgroups bool

	// AllowF32UpcastNonMatmul permits a non-matmul F16 weight to be
	// widened to F32 at load time. Forbidden by default (spec §4.4).
	AllowF32UpcastNonMatmul bool
}

// LoadedTensor is what LoadTensor hands back: the resulting Weight
// Buffer, plus every GPU buffer it allocated along the way (so the
// caller can release intermediates on failure, spec §4.4, §5).
type LoadedTensor struct {
	Weight WeightBuffer
	// Allocated lists every buffer LoadTensor allocated, in allocation
	// order; the last entry is always Weight.Buffer. A transformation
	// that allocates a new buffer from an old one releases the old
	// before returning, per spec §5, so Allocated never holds a
	// released buffer.
	Allocated []Buffer
}

// TensorLoader dispatches raw tensor bytes through the device's
// dequantize/cast kernels according to dtype and role, producing GPU
// buffers tagged with the metadata the rest of the pipeline needs
// (spec §4.4). It is the core's central piece of tagged-variant
// dispatch, grounded on the archive format's own GGMLType-driven
// branching (ggml.go) but restructured as an explicit table instead
// of inline conditionals, per the redesign direction in spec §9.
type TensorLoader struct {
	device Device
	pool   BufferPool
	kernels Kernels
}

// NewTensorLoader constructs a TensorLoader bound to device.
func NewTensorLoader(device Device) *TensorLoader {
	return &TensorLoader{device: device, pool: device.BufferPool(), kernels: device.Kernels()}
}

// packedQ4K reports whether a 2-D Q4_K tensor's on-disk bytes are
// smaller than the row-wise block layout would require, meaning the
// weight was packed by its producer and cannot be consumed by the
// fused matmul kernel (spec §4.4).
func packedQ4K(size int64, rows, cols uint64) bool {
	expected := QuantizedBytes(DtypeQ4K, rows, cols)
	return uint64(size) < expected
}

func shape2D(shape []uint64) (rows, cols uint64, ok bool) {
	if len(shape) != 2 {
		return 0, 0, false
	}
	return shape[0], shape[1], true
}

// resolveLayout implements spec §4.4's layout-resolution rule:
// an explicit column layout always wins; embeddings whose leading
// dimension is smaller than the trailing one are inferred column;
// everything else is row.
func resolveLayout(explicit *Layout, role TensorRole, shape []uint64) Layout {
	if explicit != nil {
		return *explicit
	}
	if role == RoleEmbedding {
		if rows, cols, ok := shape2D(shape); ok && rows < cols {
			return LayoutColumn
		}
	}
	return LayoutRow
}

// allocFor allocates a device buffer sized for n elements of dtype t.
func (l *TensorLoader) allocFor(ctx context.Context, t Dtype, n uint64) (Buffer, error) {
	tt, ok := t.Trait()
	if !ok {
		return nil, fmt.Errorf("weightload: %s has no known byte layout", t)
	}
	var size uint64
	if tt.Quantized {
		size = (n + tt.BlockSize - 1) / tt.BlockSize * tt.BlockBytes
	} else {
		size = n * tt.BlockBytes
	}
	return l.pool.Allocate(ctx, size)
}

// LoadTensor runs bytes (read from loc) through the appropriate
// dequantize/cast/wrap path and returns the resulting Weight Buffer.
// name is used only for error messages.
func (l *TensorLoader) LoadTensor(ctx context.Context, bytes []byte, loc TensorLocation, name string, cfg TensorLoaderConfig) (*LoadedTensor, error) {
	switch loc.Dtype {
	case DtypeQ4K:
		return l.loadQ4K(ctx, bytes, loc, name, cfg)
	case DtypeQ6K:
		return l.loadQ6K(ctx, bytes, loc, name, cfg)
	case DtypeBF16:
		return l.loadBF16(ctx, bytes, loc, name, cfg)
	case DtypeF16:
		return l.loadF16(ctx, bytes, loc, name, cfg)
	case DtypeF32:
		return l.loadF32(ctx, bytes, loc, name, cfg)
	default:
		return nil, fmt.Errorf("weightload: tensor %q has unrecognized dtype %s", name, loc.Dtype)
	}
}

func (l *TensorLoader) loadQ4K(ctx context.Context, bytes []byte, loc TensorLocation, name string, cfg TensorLoaderConfig) (*LoadedTensor, error) {
	rows, cols, is2D := shape2D(loc.Shape)
	packed := is2D && packedQ4K(loc.Size, rows, cols)
	columnForced := cfg.Q4KLayout == Q4KLayoutColumnWise

	fusable := cfg.UseFusedQ4K && cfg.HasSubgroups && loc.Role == RoleMatmul && loc.Role != RoleEmbedding && !packed && !columnForced
	if fusable {
		buf, err := l.allocFor(ctx, DtypeQ4K, ElementCount(loc.Shape))
		if err != nil {
			return nil, fmt.Errorf("allocate q4k buffer for %q: %w", name, err)
		}
		if err := l.writeRaw(ctx, buf, bytes); err != nil {
			return nil, err
		}
		layout := resolveLayout(loc.Layout, loc.Role, loc.Shape)
		if columnForced {
			layout = LayoutColumn
		}
		return &LoadedTensor{
			Weight:    WeightBuffer{Buffer: buf, Dtype: DtypeQ4K, Shape: loc.Shape, Layout: layout, Label: name},
			Allocated: []Buffer{buf},
		}, nil
	}

	// Dequant path: row-wise when cols isn't a multiple of QK_K,
	// otherwise the standard block-count dequant (spec §4.4).
	n := ElementCount(loc.Shape)
	dstDtype := DtypeF32
	if cfg.HasF16 && !cfg.KeepF32Weights {
		dstDtype = DtypeF16
	}
	dst, err := l.allocFor(ctx, dstDtype, n)
	if err != nil {
		return nil, fmt.Errorf("allocate dequant buffer for %q: %w", name, err)
	}
	// Sized by the raw bytes: a row-wise tensor pads every row to whole
	// blocks, which takes more blocks than ElementCount alone implies.
	src, err := l.pool.Allocate(ctx, uint64(len(bytes)))
	if err != nil {
		return nil, fmt.Errorf("allocate q4k source buffer for %q: %w", name, err)
	}
	if err := l.writeRaw(ctx, src, bytes); err != nil {
		return nil, err
	}
	rowWise := is2D && cols%QKK != 0
	if rowWise {
		err = l.kernels.DequantizeRowWise(ctx, dst, src, DtypeQ4K, rows, cols)
	} else {
		err = l.kernels.Dequantize(ctx, dst, src, DtypeQ4K, rows, cols)
	}
	_ = l.pool.Release(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("dequantize %q: %w", name, err)
	}
	layout := resolveLayout(loc.Layout, loc.Role, loc.Shape)
	if columnForced {
		layout = LayoutColumn
	}
	return &LoadedTensor{
		Weight:    WeightBuffer{Buffer: dst, Dtype: dstDtype, Shape: loc.Shape, Layout: layout, Label: name},
		Allocated: []Buffer{dst},
	}, nil
}

func (l *TensorLoader) loadQ6K(ctx context.Context, bytes []byte, loc TensorLocation, name string, cfg TensorLoaderConfig) (*LoadedTensor, error) {
	rows, cols, _ := shape2D(loc.Shape)
	n := ElementCount(loc.Shape)

	src, err := l.allocFor(ctx, DtypeQ6K, n)
	if err != nil {
		return nil, fmt.Errorf("allocate q6k source buffer for %q: %w", name, err)
	}
	if err := l.writeRaw(ctx, src, bytes); err != nil {
		return nil, err
	}
	dst, err := l.allocFor(ctx, DtypeF16, n)
	if err != nil {
		return nil, fmt.Errorf("allocate dequant buffer for %q: %w", name, err)
	}
	if err := l.kernels.Dequantize(ctx, dst, src, DtypeQ6K, rows, cols); err != nil {
		_ = l.pool.Release(ctx, src)
		return nil, fmt.Errorf("dequantize %q: %w", name, err)
	}
	_ = l.pool.Release(ctx, src)

	return &LoadedTensor{
		Weight:    WeightBuffer{Buffer: dst, Dtype: DtypeF16, Shape: loc.Shape, Layout: resolveLayout(loc.Layout, loc.Role, loc.Shape), Label: name},
		Allocated: []Buffer{dst},
	}, nil
}

func (l *TensorLoader) loadBF16(ctx context.Context, bytes []byte, loc TensorLocation, name string, cfg TensorLoaderConfig) (*LoadedTensor, error) {
	n := ElementCount(loc.Shape)
	src, err := l.allocFor(ctx, DtypeBF16, n)
	if err != nil {
		return nil, fmt.Errorf("allocate bf16 source buffer for %q: %w", name, err)
	}
	if err := l.writeRaw(ctx, src, bytes); err != nil {
		return nil, err
	}

	if loc.Role == RoleMatmul && cfg.HasF16 {
		dst, err := l.allocFor(ctx, DtypeF16, n)
		if err != nil {
			_ = l.pool.Release(ctx, src)
			return nil, fmt.Errorf("allocate f16 buffer for %q: %w", name, err)
		}
		if err := l.kernels.CastBF16ToF16(ctx, dst, src, n); err != nil {
			_ = l.pool.Release(ctx, src)
			return nil, fmt.Errorf("cast bf16->f16 %q: %w", name, err)
		}
		_ = l.pool.Release(ctx, src)
		return &LoadedTensor{Weight: WeightBuffer{Buffer: dst, Dtype: DtypeF16, Shape: loc.Shape, Layout: resolveLayout(loc.Layout, loc.Role, loc.Shape), Label: name}, Allocated: []Buffer{dst}}, nil
	}

	dst, err := l.allocFor(ctx, DtypeF32, n)
	if err != nil {
		_ = l.pool.Release(ctx, src)
		return nil, fmt.Errorf("allocate f32 buffer for %q: %w", name, err)
	}
	if err := l.kernels.CastBF16ToF32(ctx, dst, src, n); err != nil {
		_ = l.pool.Release(ctx, src)
		return nil, fmt.Errorf("cast bf16->f32 %q: %w", name, err)
	}
	_ = l.pool.Release(ctx, src)
	return &LoadedTensor{Weight: WeightBuffer{Buffer: dst, Dtype: DtypeF32, Shape: loc.Shape, Label: name}, Allocated: []Buffer{dst}}, nil
}

func (l *TensorLoader) loadF16(ctx context.Context, bytes []byte, loc TensorLocation, name string, cfg TensorLoaderConfig) (*LoadedTensor, error) {
	n := ElementCount(loc.Shape)

	if loc.Role == RoleMatmul {
		buf, err := l.allocFor(ctx, DtypeF16, n)
		if err != nil {
			return nil, fmt.Errorf("allocate f16 buffer for %q: %w", name, err)
		}
		if err := l.writeRaw(ctx, buf, bytes); err != nil {
			return nil, err
		}
		return &LoadedTensor{Weight: WeightBuffer{Buffer: buf, Dtype: DtypeF16, Shape: loc.Shape, Layout: resolveLayout(loc.Layout, loc.Role, loc.Shape), Label: name}, Allocated: []Buffer{buf}}, nil
	}

	if cfg.AllowF32UpcastNonMatmul {
		src, err := l.allocFor(ctx, DtypeF16, n)
		if err != nil {
			return nil, fmt.Errorf("allocate f16 source buffer for %q: %w", name, err)
		}
		if err := l.writeRaw(ctx, src, bytes); err != nil {
			return nil, err
		}
		dst, err := l.allocFor(ctx, DtypeF32, n)
		if err != nil {
			_ = l.pool.Release(ctx, src)
			return nil, fmt.Errorf("allocate f32 buffer for %q: %w", name, err)
		}
		if err := l.kernels.CastF16ToF32(ctx, dst, src, n); err != nil {
			_ = l.pool.Release(ctx, src)
			return nil, fmt.Errorf("upcast f16->f32 %q: %w", name, err)
		}
		_ = l.pool.Release(ctx, src)
		return &LoadedTensor{Weight: WeightBuffer{Buffer: dst, Dtype: DtypeF32, Shape: loc.Shape, Label: name}, Allocated: []Buffer{dst}}, nil
	}

	buf, err := l.allocFor(ctx, DtypeF16, n)
	if err != nil {
		return nil, fmt.Errorf("allocate f16 buffer for %q: %w", name, err)
	}
	if err := l.writeRaw(ctx, buf, bytes); err != nil {
		return nil, err
	}
	return &LoadedTensor{Weight: WeightBuffer{Buffer: buf, Dtype: DtypeF16, Shape: loc.Shape, Label: name}, Allocated: []Buffer{buf}}, nil
}

func (l *TensorLoader) loadF32(ctx context.Context, bytes []byte, loc TensorLocation, name string, cfg TensorLoaderConfig) (*LoadedTensor, error) {
	n := ElementCount(loc.Shape)
	buf, err := l.allocFor(ctx, DtypeF32, n)
	if err != nil {
		return nil, fmt.Errorf("allocate f32 buffer for %q: %w", name, err)
	}
	if err := l.writeRaw(ctx, buf, bytes); err != nil {
		return nil, err
	}
	layout := resolveLayout(loc.Layout, loc.Role, loc.Shape)
	return &LoadedTensor{Weight: WeightBuffer{Buffer: buf, Dtype: DtypeF32, Shape: loc.Shape, Layout: layout, Label: name}, Allocated: []Buffer{buf}}, nil
}

// writeRaw is a placeholder for the device-specific host→device copy
// a real Device/BufferPool pair performs; the core only needs the
// allocation/dispatch sequencing to be correct, and trusts the Device
// collaborator to move bytes onto the buffer it just allocated. Kept
// as a method so a Device implementation that needs an explicit
// upload step (as opposed to allocating pre-populated) has a single
// call site to hook.
func (l *TensorLoader) writeRaw(ctx context.Context, dst Buffer, bytes []byte) error {
	if w, ok := dst.(interface {
		WriteRaw(ctx context.Context, p []byte) error
	}); ok {
		return w.WriteRaw(ctx, bytes)
	}
	return nil
}

// CPULoadTensor implements the CPU path (spec §4.4's "toGPU=false"):
// Q4K/Q6K pass through as raw quantized bytes; BF16 and F16 are
// widened to F32 on the host; F32 returns as-is. No GPU buffers are
// allocated. Used by the LoRA adapter loader described as an external
// collaborator in spec §4.4.
func CPULoadTensor(bytes []byte, loc TensorLocation) ([]byte, error) {
	switch loc.Dtype {
	case DtypeQ4K, DtypeQ6K:
		return bytes, nil
	case DtypeF32:
		return bytes, nil
	case DtypeF16:
		return widenF16ToF32(bytes, ElementCount(loc.Shape))
	case DtypeBF16:
		return widenBF16ToF32(bytes, ElementCount(loc.Shape))
	default:
		return nil, fmt.Errorf("weightload: tensor has unrecognized dtype %s", loc.Dtype)
	}
}
