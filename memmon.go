package weightload

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemorySnapshot is one periodic reading of host and device memory
// pressure (spec §4.10).
type MemorySnapshot struct {
	HostHeapBytes    uint64
	HostSysBytes     uint64
	GPUPoolBytes     uint64
	ShardCacheBytes  uint64
	LayerBufferCount int
	WeightBytes      uint64
	Timestamp        time.Time
}

// MemoryMonitor periodically snapshots host heap usage (via
// runtime.MemStats only), the GPU buffer pool's reported available
// bytes, the shard cache's resident bytes, and the loader state's
// tracked buffer count and resident weight bytes (spec §4.10).
type MemoryMonitor struct {
	device Device
	cache  *ShardCache
	state  *LoaderState
	log    *zerolog.Logger

	mu      sync.Mutex
	last    MemorySnapshot
	stop    chan struct{}
	stopped bool
}

// NewMemoryMonitor constructs a MemoryMonitor over the given
// collaborators. cache and state may be updated after construction
// (e.g. once a load begins); nil is tolerated and simply omits that
// field from snapshots.
func NewMemoryMonitor(device Device, log *zerolog.Logger) *MemoryMonitor {
	return &MemoryMonitor{device: device, log: log}
}

// SetTargets rebinds the shard cache and loader state a running
// monitor reads from, called once Load constructs them.
func (m *MemoryMonitor) SetTargets(cache *ShardCache, state *LoaderState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = cache
	m.state = state
}

// Snapshot takes one immediate reading without waiting for the next
// periodic tick.
func (m *MemoryMonitor) Snapshot(ctx context.Context) MemorySnapshot {
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)

	snap := MemorySnapshot{
		HostHeapBytes: rt.HeapAlloc,
		HostSysBytes:  rt.Sys,
		Timestamp:     time.Now(),
	}
	if avail, err := m.device.BufferPool().AvailableBytes(ctx); err == nil {
		snap.GPUPoolBytes = avail
	}

	m.mu.Lock()
	if m.cache != nil {
		snap.ShardCacheBytes = m.cache.Stats().ResidentBytes
	}
	if m.state != nil {
		snap.LayerBufferCount = m.state.BufferCount()
		snap.WeightBytes = m.state.ResidentBytes()
	}
	m.last = snap
	m.mu.Unlock()

	return snap
}

// Last returns the most recently taken snapshot.
func (m *MemoryMonitor) Last() MemorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Start begins periodic snapshotting every interval, logging each
// reading at debug level, until Stop is called or ctx is canceled
// (spec §4.9's Init/Complete phases start/stop this).
func (m *MemoryMonitor) Start(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	if m.stop != nil && !m.stopped {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stop = stop
	m.stopped = false
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				snap := m.Snapshot(ctx)
				if m.log != nil {
					m.log.Debug().
						Uint64("host_heap_bytes", snap.HostHeapBytes).
						Uint64("gpu_pool_bytes", snap.GPUPoolBytes).
						Uint64("shard_cache_bytes", snap.ShardCacheBytes).
						Int("layer_buffer_count", snap.LayerBufferCount).
						Uint64("weight_bytes", snap.WeightBytes).
						Msg("memory snapshot")
				}
			}
		}
	}()
}

// Stop ends periodic snapshotting started by Start (spec §4.9's
// Complete phase).
func (m *MemoryMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil || m.stopped {
		return
	}
	close(m.stop)
	m.stopped = true
}
