package devicesim

import (
	"encoding/binary"
	"math"
)

// Block layout constants for the two super-block-quantized formats
// the Tensor Loader dispatches to a Device's Dequantize/
// DequantizeRowWise kernels, matching weightload.QKK/Q4KBlockBytes/
// Q6KBlockBytes (dtype.go) and the archive format's own GGMLTypeQ4_K/
// GGMLTypeQ6_K type sizes (ggml.go). The core only needs these sizes
// to compute allocation and read extents; the bit layout within a
// block is this simulator's own concern, reconstructed from the
// public GGML quantization scheme so dequantized values are plausible
// enough to exercise downstream norm/downcast/matmul-shape logic.
const (
	qkK          = 256
	q4kBlockSize = 144
	q6kBlockSize = 210
)

// getScaleMinK4 unpacks one of the eight 6-bit (scale, min) pairs
// packed into a Q4_K super-block's 12-byte scales array.
func getScaleMinK4(j int, q []byte) (sc, m uint8) {
	if j < 4 {
		sc = q[j] & 63
		m = q[j+4] & 63
		return
	}
	sc = (q[j+4] & 0x0f) | ((q[j-4] >> 6) << 4)
	m = (q[j+4] >> 4) | ((q[j-0] >> 6) << 4)
	return
}

// dequantQ4KBlock expands one 144-byte Q4_K super-block into 256 F32
// values.
func dequantQ4KBlock(block []byte, out []float32) {
	d := f16ToF32Bits(binary.LittleEndian.Uint16(block[0:2]))
	dmin := f16ToF32Bits(binary.LittleEndian.Uint16(block[2:4]))
	df := float32frombits(d)
	dminf := float32frombits(dmin)

	scales := block[4:16]
	qs := block[16:144]

	is := 0
	y := 0
	for j := 0; j < qkK; j += 64 {
		sc1, m1 := getScaleMinK4(is, scales)
		sc2, m2 := getScaleMinK4(is+1, scales)
		d1 := df * float32(sc1)
		mm1 := dminf * float32(m1)
		d2 := df * float32(sc2)
		mm2 := dminf * float32(m2)

		q := qs[j/2 : j/2+32]
		for l := 0; l < 32; l++ {
			out[y+l] = d1*float32(q[l]&0x0f) - mm1
		}
		for l := 0; l < 32; l++ {
			out[y+32+l] = d2*float32(q[l]>>4) - mm2
		}
		y += 64
		is += 2
	}
}

// dequantQ6KBlock expands one 210-byte Q6_K super-block into 256 F32
// values.
func dequantQ6KBlock(block []byte, out []float32) {
	ql := block[0:128]
	qh := block[128:192]
	sc := block[192:208]
	d := float32frombits(f16ToF32Bits(binary.LittleEndian.Uint16(block[208:210])))

	y := 0
	for n := 0; n < qkK; n += 128 {
		qlN := ql[n/2 : n/2+64]
		qhN := qh[n/4 : n/4+32]
		scN := sc[n/16 : n/16+8]
		for l := 0; l < 32; l++ {
			is := l / 16
			q1 := int8((qlN[l]&0xf)|((qhN[l]>>0)&3)<<4) - 32
			q2 := int8((qlN[l+32]&0xf)|((qhN[l]>>2)&3)<<4) - 32
			q3 := int8((qlN[l]>>4)|((qhN[l]>>4)&3)<<4) - 32
			q4 := int8((qlN[l+32]>>4)|((qhN[l]>>6)&3)<<4) - 32
			out[y+l] = d * float32(scN[is+0]) * float32(q1)
			out[y+l+32] = d * float32(scN[is+2]) * float32(q2)
			out[y+l+64] = d * float32(scN[is+4]) * float32(q3)
			out[y+l+96] = d * float32(scN[is+6]) * float32(q4)
		}
		y += 128
	}
}

func float32frombits(b uint32) float32 {
	return math.Float32frombits(b)
}
