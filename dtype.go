package weightload

import "fmt"

// Dtype is the on-disk/on-wire element type of a tensor, encoded as a
// tagged variant rather than dispatched on name, see spec §9.
type Dtype uint32

// Dtype constants. Only the formats the loading pipeline must decode
// are enumerated; the archive format may carry others, which surface
// as an unrecognized Dtype and fail the tensor's dtype dispatch.
const (
	DtypeF32 Dtype = iota
	DtypeF16
	DtypeBF16
	DtypeQ4K
	DtypeQ6K
	_DtypeCount
)

func (t Dtype) String() string {
	switch t {
	case DtypeF32:
		return "F32"
	case DtypeF16:
		return "F16"
	case DtypeBF16:
		return "BF16"
	case DtypeQ4K:
		return "Q4_K"
	case DtypeQ6K:
		return "Q6_K"
	default:
		return fmt.Sprintf("Dtype(%d)", uint32(t))
	}
}

// DtypeTrait holds the byte layout of a Dtype, the block-quantized
// analogue of GGMLTypeTrait in the archive-format's own tables.
type DtypeTrait struct {
	BlockSize  uint64 // elements per block; 1 for unquantized types
	BlockBytes uint64 // bytes per block
	Quantized  bool
}

// Block-quantization constants pinned by spec §4.4.
const (
	QKK           = 256 // elements per Q4_K/Q6_K superblock
	Q4KBlockBytes = 144
	Q6KBlockBytes = 210
)

var dtypeTraits = map[Dtype]DtypeTrait{
	DtypeF32:  {BlockSize: 1, BlockBytes: 4},
	DtypeF16:  {BlockSize: 1, BlockBytes: 2},
	DtypeBF16: {BlockSize: 1, BlockBytes: 2},
	DtypeQ4K:  {BlockSize: QKK, BlockBytes: Q4KBlockBytes, Quantized: true},
	DtypeQ6K:  {BlockSize: QKK, BlockBytes: Q6KBlockBytes, Quantized: true},
}

// Trait returns the DtypeTrait of the Dtype.
func (t Dtype) Trait() (DtypeTrait, bool) {
	tt, ok := dtypeTraits[t]
	return tt, ok
}

// IsQuantized reports whether the Dtype is block-quantized.
func (t Dtype) IsQuantized() bool {
	tt, ok := t.Trait()
	return ok && tt.Quantized
}

// ElementCount returns the number of elements described by shape,
// i.e. the product of its dimensions. Per spec §4.6 this, never the
// padded byte size of an allocated buffer, is the only valid way to
// compute how many elements a readback or transform should touch.
func ElementCount(shape []uint64) uint64 {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// QuantizedBytes returns the on-disk byte size of a 2-D [rows, cols]
// block-quantized tensor, laid out one block per BlockSize columns,
// per row. This is the "expected row-wise" byte count used by the
// packed-Q4K detection in tensorloader.go.
func QuantizedBytes(t Dtype, rows, cols uint64) uint64 {
	tt, ok := t.Trait()
	if !ok || !tt.Quantized {
		panic(fmt.Errorf("weightload: %s is not block-quantized", t))
	}
	blocksPerRow := (cols + tt.BlockSize - 1) / tt.BlockSize
	return rows * blocksPerRow * tt.BlockBytes
}

// BufferPadding rounds size up to the next multiple of align, mirroring
// the archive format's own memory-padding convention; used only to
// reason about why a GPU buffer's allocated size may exceed
// shape-derived byte counts (spec §4.6, §9), never to compute the
// element count for a transform.
func BufferPadding(size, align uint64) uint64 {
	if align == 0 {
		return size
	}
	return (size + align - 1) / align * align
}
