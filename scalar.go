package weightload

import (
	"strconv"

	"github.com/dustin/go-humanize"
)

// Scalar types with their own String(), matching the archive parser's
// GGUFBytesScalar/GGUFBitsPerWeightScalar convention so values read
// naturally in logs and progress events.
type (
	// ByteSize is a scalar count of bytes.
	ByteSize uint64

	// Throughput is a scalar count of bytes per second.
	Throughput uint64
)

func (s ByteSize) String() string {
	return humanize.IBytes(uint64(s))
}

func (s Throughput) String() string {
	return humanize.IBytes(uint64(s)) + "/s"
}

// BitsPerWeight reports how many bits encode one parameter, given a
// buffer's byte size and the element count it holds.
type BitsPerWeight float64

func (s BitsPerWeight) String() string {
	if s == 0 {
		return "unknown"
	}
	return strconv.FormatFloat(float64(s), 'f', 2, 64) + " bpw"
}
