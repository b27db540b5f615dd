package devicesim

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/gpustack/weightload"
)

// Kernels is devicesim's weightload.Kernels: every dequantize/cast/
// transform runs on the CPU against plain host byte slices. Block
// dequantization follows the public GGML Q4_K/Q6_K layout (dequant.go);
// the matmul-weight Transpose path is the one kernel genuinely suited
// to gonum's mat.Dense (Domain Stack, SPEC_FULL.md) rather than a hand
// rolled loop, since it is a real dense 2-D transpose.
type Kernels struct{}

func dstBuffer(b weightload.Buffer) (*Buffer, error) {
	buf, ok := b.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("devicesim: buffer not owned by this device")
	}
	return buf, nil
}

// elemSizeFor infers the destination element width (4 for F32, 2 for
// F16) from the allocated buffer size, since weightload.Kernels'
// Dequantize signature only carries the source dtype.
func elemSizeFor(dst *Buffer, n uint64) (uint64, error) {
	if n == 0 {
		return 4, nil
	}
	size := dst.Size()
	if size%n != 0 {
		return 0, fmt.Errorf("devicesim: destination buffer of %d bytes does not divide %d elements evenly", size, n)
	}
	return size / n, nil
}

func writeElement(dst []byte, elemSize uint64, i uint64, v float32) {
	if elemSize == 2 {
		binary.LittleEndian.PutUint16(dst[i*2:], f32ToF16Bits(math.Float32bits(v)))
		return
	}
	encodeF32(dst, i, v)
}

func dequantBlocks(dst *Buffer, src *Buffer, dtype weightload.Dtype, blockElems []float32, blockBytes int, decode func(block []byte, out []float32), n uint64) error {
	elemSize, err := elemSizeFor(dst, n)
	if err != nil {
		return err
	}
	srcBytes := src.Bytes()
	out := dst.Bytes()

	nBlocks := (n + qkK - 1) / qkK
	if uint64(len(srcBytes)) < nBlocks*uint64(blockBytes) {
		return fmt.Errorf("devicesim: %s source has %d bytes, need %d for %d blocks", dtype, len(srcBytes), nBlocks*uint64(blockBytes), nBlocks)
	}

	for blk := uint64(0); blk < nBlocks; blk++ {
		block := srcBytes[blk*uint64(blockBytes) : (blk+1)*uint64(blockBytes)]
		decode(block, blockElems)

		base := blk * qkK
		count := uint64(qkK)
		if base+count > n {
			count = n - base
		}
		for i := uint64(0); i < count; i++ {
			writeElement(out, elemSize, base+i, blockElems[i])
		}
	}
	return nil
}

// Dequantize expands a contiguous stream of super-blocks (spec §4.4's
// non-row-wise path).
func (Kernels) Dequantize(_ context.Context, dstB, srcB weightload.Buffer, dtype weightload.Dtype, rows, cols uint64) error {
	dst, err := dstBuffer(dstB)
	if err != nil {
		return err
	}
	src, err := dstBuffer(srcB)
	if err != nil {
		return err
	}
	n := rows * cols
	scratch := make([]float32, qkK)
	switch dtype {
	case weightload.DtypeQ4K:
		return dequantBlocks(dst, src, dtype, scratch, q4kBlockSize, dequantQ4KBlock, n)
	case weightload.DtypeQ6K:
		return dequantBlocks(dst, src, dtype, scratch, q6kBlockSize, dequantQ6KBlock, n)
	default:
		return fmt.Errorf("devicesim: Dequantize does not support %s", dtype)
	}
}

// DequantizeRowWise expands a tensor whose rows are independently
// block-padded (the path tensorloader.go takes when cols is not a
// multiple of QK_K, spec §4.4): each row is its own
// run of super-blocks, the last truncated to the row's remaining
// column count.
func (Kernels) DequantizeRowWise(_ context.Context, dstB, srcB weightload.Buffer, dtype weightload.Dtype, rows, cols uint64) error {
	dst, err := dstBuffer(dstB)
	if err != nil {
		return err
	}
	src, err := dstBuffer(srcB)
	if err != nil {
		return err
	}

	var blockBytes int
	var decode func(block []byte, out []float32)
	switch dtype {
	case weightload.DtypeQ4K:
		blockBytes, decode = q4kBlockSize, dequantQ4KBlock
	case weightload.DtypeQ6K:
		blockBytes, decode = q6kBlockSize, dequantQ6KBlock
	default:
		return fmt.Errorf("devicesim: DequantizeRowWise does not support %s", dtype)
	}

	n := rows * cols
	elemSize, err := elemSizeFor(dst, n)
	if err != nil {
		return err
	}
	blocksPerRow := (cols + qkK - 1) / qkK
	srcBytes := src.Bytes()
	out := dst.Bytes()
	scratch := make([]float32, qkK)

	need := rows * blocksPerRow * uint64(blockBytes)
	if uint64(len(srcBytes)) < need {
		return fmt.Errorf("devicesim: %s row-wise source has %d bytes, need %d", dtype, len(srcBytes), need)
	}

	for r := uint64(0); r < rows; r++ {
		rowSrc := srcBytes[r*blocksPerRow*uint64(blockBytes):]
		rowOutBase := r * cols
		remaining := cols
		for b := uint64(0); b < blocksPerRow; b++ {
			block := rowSrc[b*uint64(blockBytes) : (b+1)*uint64(blockBytes)]
			decode(block, scratch)
			count := uint64(qkK)
			if count > remaining {
				count = remaining
			}
			off := b * qkK
			for i := uint64(0); i < count; i++ {
				writeElement(out, elemSize, rowOutBase+off+i, scratch[i])
			}
			remaining -= count
		}
	}
	return nil
}

// CastF16ToF32 widens a buffer of n binary16 elements to binary32.
func (Kernels) CastF16ToF32(_ context.Context, dstB, srcB weightload.Buffer, n uint64) error {
	dst, err := dstBuffer(dstB)
	if err != nil {
		return err
	}
	src, err := dstBuffer(srcB)
	if err != nil {
		return err
	}
	srcBytes, out := src.Bytes(), dst.Bytes()
	for i := uint64(0); i < n; i++ {
		bits := binary.LittleEndian.Uint16(srcBytes[i*2:])
		binary.LittleEndian.PutUint32(out[i*4:], f16ToF32Bits(bits))
	}
	return nil
}

// CastF32ToF16 narrows a buffer of n binary32 elements to binary16,
// truncating the mantissa bits that do not fit, the host-side mirror
// of the opportunistic Weight Downcast pass.
func (Kernels) CastF32ToF16(_ context.Context, dstB, srcB weightload.Buffer, n uint64) error {
	dst, err := dstBuffer(dstB)
	if err != nil {
		return err
	}
	src, err := dstBuffer(srcB)
	if err != nil {
		return err
	}
	srcBytes, out := src.Bytes(), dst.Bytes()
	for i := uint64(0); i < n; i++ {
		bits := binary.LittleEndian.Uint32(srcBytes[i*4:])
		binary.LittleEndian.PutUint16(out[i*2:], f32ToF16Bits(bits))
	}
	return nil
}

// CastBF16ToF16 reinterprets n bfloat16 elements as binary16 by
// round-tripping through binary32, since bfloat16 and binary16 share
// no bit-pattern shortcut.
func (Kernels) CastBF16ToF16(_ context.Context, dstB, srcB weightload.Buffer, n uint64) error {
	dst, err := dstBuffer(dstB)
	if err != nil {
		return err
	}
	src, err := dstBuffer(srcB)
	if err != nil {
		return err
	}
	srcBytes, out := src.Bytes(), dst.Bytes()
	for i := uint64(0); i < n; i++ {
		bf := binary.LittleEndian.Uint16(srcBytes[i*2:])
		f32bits := uint32(bf) << 16
		binary.LittleEndian.PutUint16(out[i*2:], f32ToF16Bits(f32bits))
	}
	return nil
}

// CastBF16ToF32 widens n bfloat16 elements to binary32 by left-shifting
// into the high 16 bits of a binary32 pattern.
func (Kernels) CastBF16ToF32(_ context.Context, dstB, srcB weightload.Buffer, n uint64) error {
	dst, err := dstBuffer(dstB)
	if err != nil {
		return err
	}
	src, err := dstBuffer(srcB)
	if err != nil {
		return err
	}
	srcBytes, out := src.Bytes(), dst.Bytes()
	for i := uint64(0); i < n; i++ {
		bf := binary.LittleEndian.Uint16(srcBytes[i*2:])
		binary.LittleEndian.PutUint32(out[i*4:], uint32(bf)<<16)
	}
	return nil
}

// Transpose flips a 2-D F32 buffer's row/column layout via gonum's
// mat.Dense, the shape weightload's layout-resolution rule (spec
// §4.4) asks a Device to perform when a manifest's declared layout
// disagrees with the matmul convention the loader needs. Non-F32
// element sizes (a transpose requested on a still-quantized buffer)
// fall back to a raw element-wise swap, since gonum's Dense only
// operates on float64/float32 matrices.
func (Kernels) Transpose(_ context.Context, dstB, srcB weightload.Buffer, rows, cols uint64, elemSize uint64) error {
	dst, err := dstBuffer(dstB)
	if err != nil {
		return err
	}
	src, err := dstBuffer(srcB)
	if err != nil {
		return err
	}
	srcBytes, out := src.Bytes(), dst.Bytes()

	if elemSize == 4 {
		m := mat.NewDense(int(rows), int(cols), nil)
		for r := uint64(0); r < rows; r++ {
			for c := uint64(0); c < cols; c++ {
				v := decodeF32(srcBytes, r*cols+c)
				m.Set(int(r), int(c), float64(v))
			}
		}
		var t mat.Dense
		t.CloneFrom(m.T())
		for r := 0; r < int(cols); r++ {
			for c := 0; c < int(rows); c++ {
				encodeF32(out, uint64(r)*rows+uint64(c), float32(t.At(r, c)))
			}
		}
		return nil
	}

	for r := uint64(0); r < rows; r++ {
		for c := uint64(0); c < cols; c++ {
			srcOff := (r*cols + c) * elemSize
			dstOff := (c*rows + r) * elemSize
			copy(out[dstOff:dstOff+elemSize], srcBytes[srcOff:srcOff+elemSize])
		}
	}
	return nil
}

// AddScalarF32 adds c to the first n F32 elements of src, writing
// into dst; the norm-offset transform's device-side primitive
// (normoffset.go).
func (Kernels) AddScalarF32(_ context.Context, dstB, srcB weightload.Buffer, n uint64, c float32) error {
	dst, err := dstBuffer(dstB)
	if err != nil {
		return err
	}
	src, err := dstBuffer(srcB)
	if err != nil {
		return err
	}
	srcBytes, out := src.Bytes(), dst.Bytes()
	for i := uint64(0); i < n; i++ {
		encodeF32(out, i, decodeF32(srcBytes, i)+c)
	}
	return nil
}

var _ weightload.Kernels = Kernels{}
