package weightload

import (
	"encoding/binary"
	"fmt"
)

// widenF16ToF32 and widenBF16ToF32 perform the host-side float
// widening the CPU path (spec §4.4) needs when no GPU cast kernel is
// available. Half-precision and bfloat16 bit layouts are pure IEEE
// 754 bit arithmetic; nothing in the retrieved corpus wraps this in a
// library (gonum's matrix types operate on float64/float32 only), so
// the core implements the widening directly rather than invent a
// dependency for a few lines of bit-shifting (see DESIGN.md).

func widenF16ToF32(src []byte, n uint64) ([]byte, error) {
	if uint64(len(src)) < n*2 {
		return nil, fmt.Errorf("weightload: f16 source has %d bytes, need %d for %d elements", len(src), n*2, n)
	}
	dst := make([]byte, n*4)
	for i := uint64(0); i < n; i++ {
		bits := binary.LittleEndian.Uint16(src[i*2:])
		f := f16ToF32Bits(bits)
		binary.LittleEndian.PutUint32(dst[i*4:], f)
	}
	return dst, nil
}

func widenBF16ToF32(src []byte, n uint64) ([]byte, error) {
	if uint64(len(src)) < n*2 {
		return nil, fmt.Errorf("weightload: bf16 source has %d bytes, need %d for %d elements", len(src), n*2, n)
	}
	dst := make([]byte, n*4)
	for i := uint64(0); i < n; i++ {
		bits := binary.LittleEndian.Uint16(src[i*2:])
		// bfloat16 is the top 16 bits of a float32.
		binary.LittleEndian.PutUint32(dst[i*4:], uint32(bits)<<16)
	}
	return dst, nil
}

// f16ToF32Bits widens one IEEE 754 binary16 value to its binary32 bit
// pattern.
func f16ToF32Bits(h uint16) uint32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7c00) >> 10
	mant := uint32(h & 0x03ff)

	switch exp {
	case 0:
		if mant == 0 {
			return sign
		}
		// subnormal: normalize
		e := -1
		for mant&0x0400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x03ff
		exp32 := uint32(127-15+1+e) << 23
		return sign | exp32 | (mant << 13)
	case 0x1f:
		if mant == 0 {
			return sign | 0x7f800000
		}
		return sign | 0x7fc00000 // NaN
	default:
		exp32 := (exp - 15 + 127) << 23
		return sign | exp32 | (mant << 13)
	}
}

// f32ToF16Bits narrows one IEEE 754 binary32 bit pattern to binary16,
// truncating the mantissa bits that do not fit (no rounding). It is
// the host-side counterpart of f16ToF32Bits.
func f32ToF16Bits(f uint32) uint16 {
	sign := uint16((f >> 16) & 0x8000)
	exp := int32((f>>23)&0xff) - 127 + 15
	mant := f & 0x7fffff

	switch {
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		return sign | uint16(mant>>shift)
	case exp >= 0x1f:
		if (f>>23)&0xff == 0xff && mant != 0 {
			return sign | 0x7e00 // NaN
		}
		return sign | 0x7c00 // Inf
	default:
		return sign | uint16(exp)<<10 | uint16(mant>>13)
	}
}
