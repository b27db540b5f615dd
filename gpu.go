package weightload

import "context"

// Buffer is an opaque handle to a region of device memory. Its
// concrete meaning (a CUDA pointer, a Vulkan allocation, a slice of
// host memory in a CPU-only build) is entirely up to the Device
// implementation; the core only ever moves Buffer values around and
// asks the Device/Kernels collaborators to act on them (spec §6, §9).
type Buffer interface {
	// Size reports the buffer's allocated byte size, which may exceed
	// the element-derived byte count by the device's own alignment
	// padding (spec §4.6).
	Size() uint64
}

// WeightBuffer pairs a device Buffer with the metadata the loading
// pipeline needs to reason about it without asking the device again:
// what dtype it currently holds (which may differ from the tensor's
// on-disk dtype after a downcast, spec §4.5) and its logical shape.
type WeightBuffer struct {
	Buffer Buffer
	Dtype  Dtype
	Shape  []uint64
	Layout Layout
	// Label identifies the weight in logs and progress events (e.g.
	// "blk.0.attn_q.weight"); purely diagnostic.
	Label string
}

// Bytes returns the buffer's allocated size via the underlying Buffer.
func (w WeightBuffer) Bytes() uint64 {
	if w.Buffer == nil {
		return 0
	}
	return w.Buffer.Size()
}

// BufferPool is the external collaborator owning GPU buffer
// allocation and lifetime (spec §6). The Loader State (loaderstate.go)
// tracks which buffers it has handed out so it can release them on
// unload or rollback without leaking device memory.
type BufferPool interface {
	// Allocate reserves size bytes of device memory for a tensor's
	// storage. Implementations are free to round size up to their own
	// alignment; the caller must only assume at least size bytes are
	// usable.
	Allocate(ctx context.Context, size uint64) (Buffer, error)

	// Release returns a previously allocated Buffer to the pool. Safe
	// to call with a Buffer that was already released; implementations
	// must not panic on double-release (the Loader State's rollback
	// path deliberately tolerates racing releases, spec §4.8).
	Release(ctx context.Context, b Buffer) error

	// AvailableBytes reports the pool's current free byte budget, read
	// by the Memory Monitor's snapshots (spec §4.10).
	AvailableBytes(ctx context.Context) (uint64, error)
}

// Kernels is the external collaborator performing the on-device math
// the Tensor Loader and Weight Downcast stages dispatch to: block
// dequantization, narrowing/widening casts, and the row/column layout
// transforms a matmul weight may need (spec §4.4, §4.5). Every method
// reads from src and writes into a pre-allocated dst of the expected
// size; callers are responsible for allocating dst via BufferPool
// first.
type Kernels interface {
	// Dequantize expands a block-quantized buffer into dst as F16 or
	// F32, whichever element type dst was allocated for, honoring the
	// given Dtype's block layout.
	Dequantize(ctx context.Context, dst, src Buffer, dtype Dtype, rows, cols uint64) error

	// DequantizeRowWise is Dequantize's variant for a buffer whose
	// on-disk layout is independently blocked per row, each row padded
	// to whole blocks, as opposed to one contiguous stream of blocks;
	// tensorloader.go takes this path when cols is not a multiple of
	// QK_K (spec §4.4).
	DequantizeRowWise(ctx context.Context, dst, src Buffer, dtype Dtype, rows, cols uint64) error

	// CastF16ToF32 widens a F16 buffer of n elements into F32.
	CastF16ToF32(ctx context.Context, dst, src Buffer, n uint64) error

	// CastF32ToF16 narrows a F32 buffer of n elements into F16,
	// lossily, used by the opportunistic Weight Downcast pass (spec
	// §4.5).
	CastF32ToF16(ctx context.Context, dst, src Buffer, n uint64) error

	// CastBF16ToF16 reinterprets a BF16 buffer of n elements as F16.
	CastBF16ToF16(ctx context.Context, dst, src Buffer, n uint64) error

	// CastBF16ToF32 widens a BF16 buffer of n elements into F32.
	CastBF16ToF32(ctx context.Context, dst, src Buffer, n uint64) error

	// Transpose writes the transpose of the 2-D [rows, cols] matrix in
	// src into dst on device, used when a manifest's declared layout disagrees with
	// what the loader needs for its matmul convention (spec §4.4's
	// layout resolution).
	Transpose(ctx context.Context, dst, src Buffer, rows, cols uint64, elemSize uint64) error

	// AddScalarF32 adds c to every one of the first n elements of src,
	// writing into dst; used by the norm-offset transform (spec §4.6).
	AddScalarF32(ctx context.Context, dst, src Buffer, n uint64, c float32) error
}

// Device groups the collaborators the loading pipeline needs from one
// GPU: its buffer pool, its compute kernels, and the capabilities it
// advertises (spec §6). A host passes exactly one Device to a Loader
// as NewLoader's first argument (loader.go).
type Device interface {
	BufferPool() BufferPool
	Kernels() Kernels

	// HasCapability reports whether the device supports the named
	// capability (e.g. "f16", "subgroups"); the Orchestrator reads
	// "f16" and "subgroups" to choose the Tensor Loader's F16-vs-F32
	// and fused-vs-dequantized paths, so a missing capability selects
	// another path rather than failing the load (spec §4.4).
	HasCapability(name string) bool

	// MaxStorageBufferBindingSize and MaxBufferSize report the
	// device's binding limits, consulted by the Orchestrator's
	// streaming rule (spec §4.9) to decide whether a weight must be
	// loaded as a CPUWeightBuffer instead of one GPU buffer.
	MaxStorageBufferBindingSize() uint64
	MaxBufferSize() uint64
}

// CPUWeightBuffer is the host-memory analogue of WeightBuffer, used
// only when a single weight exceeds the device's maximum buffer
// binding size (spec §3's streaming path). It carries the same
// dtype/layout/shape metadata as a GPU WeightBuffer so downstream
// consumers can plan chunked gather/matmul uniformly (spec §9).
type CPUWeightBuffer struct {
	Bytes  []byte
	Dtype  Dtype
	Shape  []uint64
	Layout Layout
	Label  string
}
