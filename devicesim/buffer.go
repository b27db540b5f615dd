package devicesim

import (
	"context"
	"fmt"
	"sync"
)

// Buffer is devicesim's Buffer: a plain host-memory region standing
// in for a device allocation. Its zero value is never valid; use
// Pool.Allocate.
type Buffer struct {
	mu   sync.RWMutex
	data []byte
	// freed marks a buffer that has already been released, so a
	// double-release (tolerated by weightload.BufferPool's contract)
	// is a no-op rather than a reused allocation.
	freed bool
}

// Size reports the buffer's allocated byte size.
func (b *Buffer) Size() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.data))
}

// WriteRaw copies p into the buffer's backing storage, implementing
// the optional interface weightload.TensorLoader's writeRaw consults.
func (b *Buffer) WriteRaw(_ context.Context, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return fmt.Errorf("devicesim: write to released buffer")
	}
	if len(p) > len(b.data) {
		return fmt.Errorf("devicesim: write of %d bytes overflows %d-byte buffer", len(p), len(b.data))
	}
	copy(b.data, p)
	return nil
}

// Bytes returns the buffer's current contents. Callers must not
// retain the slice past a subsequent Release.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

// SetBytes overwrites the buffer's contents in place, sized to fit;
// used by Kernels implementations that produce a result out-of-place
// and then park it in the destination buffer.
func (b *Buffer) SetBytes(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return fmt.Errorf("devicesim: write to released buffer")
	}
	if len(p) != len(b.data) {
		return fmt.Errorf("devicesim: result is %d bytes, buffer is %d bytes", len(p), len(b.data))
	}
	copy(b.data, p)
	return nil
}
