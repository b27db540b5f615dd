package devicesim

import (
	"context"
	"fmt"
	"sync"

	"github.com/gpustack/weightload"
)

// Pool is devicesim's weightload.BufferPool: a fixed-budget host-memory
// allocator. A zero Budget means unbounded, the default a test wants
// unless it is specifically exercising the streaming/budget-exceeded
// path.
type Pool struct {
	mu     sync.Mutex
	Budget uint64 // 0 means unbounded
	used   uint64
}

// NewPool constructs a Pool with the given byte budget (0 for
// unbounded).
func NewPool(budget uint64) *Pool {
	return &Pool{Budget: budget}
}

// Allocate reserves size bytes, failing if doing so would exceed the
// pool's budget.
func (p *Pool) Allocate(_ context.Context, size uint64) (weightload.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Budget > 0 && p.used+size > p.Budget {
		return nil, fmt.Errorf("devicesim: allocate %d bytes would exceed budget of %d (currently %d in use)", size, p.Budget, p.used)
	}
	p.used += size
	return &Buffer{data: make([]byte, size)}, nil
}

// Release returns b's bytes to the pool's budget. Safe to call twice
// on the same buffer; the second call is a no-op.
func (p *Pool) Release(_ context.Context, b weightload.Buffer) error {
	buf, ok := b.(*Buffer)
	if !ok {
		return fmt.Errorf("devicesim: Release called with a buffer not owned by this pool")
	}
	buf.mu.Lock()
	if buf.freed {
		buf.mu.Unlock()
		return nil
	}
	buf.freed = true
	size := uint64(len(buf.data))
	buf.data = nil
	buf.mu.Unlock()

	p.mu.Lock()
	if size > p.used {
		p.used = 0
	} else {
		p.used -= size
	}
	p.mu.Unlock()
	return nil
}

// AvailableBytes reports the pool's remaining budget, or a large
// constant if unbounded.
func (p *Pool) AvailableBytes(context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Budget == 0 {
		return 1 << 40, nil
	}
	if p.used > p.Budget {
		return 0, nil
	}
	return p.Budget - p.used, nil
}

var _ weightload.BufferPool = (*Pool)(nil)
