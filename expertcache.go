package weightload

import (
	"container/list"
	"context"
	"fmt"
)

// expertKeyT identifies one expert's cache slot.
type expertKeyT struct {
	Layer, Expert int
}

// ExpertWeights is the set of GPU buffers one expert's tensors were
// loaded into; its shape depends on the manifest's MoEExpertFormat
// (mixtral's {gate, up, down} vs gpt-oss's packed blocks), so the
// cache stores it opaquely and leaves interpretation to the caller.
type ExpertWeights struct {
	Buffers []Buffer
	Extra   map[string]WeightBuffer
}

// Bytes sums the allocated size of every buffer the expert owns.
func (w ExpertWeights) Bytes() uint64 {
	var n uint64
	for _, b := range w.Buffers {
		n += b.Size()
	}
	for _, wb := range w.Extra {
		n += wb.Bytes()
	}
	return n
}

type expertCacheEntry struct {
	key        expertKeyT
	weights    ExpertWeights
	sizeBytes  uint64
	lastAccess uint64
	elem       *list.Element
}

// ExpertCache is the byte-budgeted LRU holding on-demand-loaded MoE
// expert weights (spec §4.7). Unlike the Shard Cache, it holds GPU
// buffers, never shard bytes, per the ownership split in spec §5.
type ExpertCache struct {
	pool BufferPool

	entries map[expertKeyT]*expertCacheEntry
	order   *list.List // entries in insertion order, maintained alongside the map; eviction scans entries directly

	currentBytes uint64
	maxBytes     uint64
	accessCounter uint64

	inUse   map[expertKeyT]struct{}
	pinned  map[expertKeyT]struct{}

	hits, misses, evictions uint64
}

// NewExpertCache constructs an ExpertCache bound to pool with the
// given byte budget.
func NewExpertCache(pool BufferPool, maxBytes uint64) *ExpertCache {
	return &ExpertCache{
		pool:    pool,
		entries: make(map[expertKeyT]*expertCacheEntry),
		order:   list.New(),
		maxBytes: maxBytes,
		inUse:   make(map[expertKeyT]struct{}),
		pinned:  make(map[expertKeyT]struct{}),
	}
}

// Get returns the cached weights for (layer, expert), bumping its
// recency on a hit (spec §4.7).
func (c *ExpertCache) Get(layer, expert int) (ExpertWeights, bool) {
	key := expertKeyT{layer, expert}
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return ExpertWeights{}, false
	}
	c.accessCounter++
	e.lastAccess = c.accessCounter
	c.hits++
	return e.weights, true
}

// Put inserts or replaces (layer, expert)'s weights, evicting LRU
// entries as needed to stay within maxBytes. If eviction is
// impossible (every other entry is in-use or pinned), the insert is
// aborted and an error returned rather than exceeding the budget
// (spec §4.7).
func (c *ExpertCache) Put(ctx context.Context, layer, expert int, weights ExpertWeights, sizeBytes uint64) error {
	key := expertKeyT{layer, expert}

	if sizeBytes == 0 {
		sizeBytes = weights.Bytes()
	}

	if existing, ok := c.entries[key]; ok {
		delta := int64(sizeBytes) - int64(existing.sizeBytes)
		if delta > 0 {
			if err := c.makeRoom(ctx, uint64(delta), key); err != nil {
				return err
			}
		}
		existing.weights = weights
		existing.sizeBytes = sizeBytes
		c.currentBytes = uint64(int64(c.currentBytes) + delta)
		c.accessCounter++
		existing.lastAccess = c.accessCounter
		return nil
	}

	if err := c.makeRoom(ctx, sizeBytes, key); err != nil {
		return err
	}

	c.accessCounter++
	e := &expertCacheEntry{key: key, weights: weights, sizeBytes: sizeBytes, lastAccess: c.accessCounter}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	c.currentBytes += sizeBytes
	return nil
}

// makeRoom evicts LRU entries until adding need bytes would not
// exceed maxBytes, excluding except (the key currently being
// inserted/updated) from eviction consideration.
func (c *ExpertCache) makeRoom(ctx context.Context, need uint64, except expertKeyT) error {
	for c.currentBytes+need > c.maxBytes {
		if !c.evictLRUExcept(ctx, except) {
			return fmt.Errorf("%w: need %d more bytes, have %d/%d used", ErrExpertCacheFull, need, c.currentBytes, c.maxBytes)
		}
	}
	return nil
}

// evictLRU selects the entry with the smallest lastAccess not in
// inUse ∪ pinned, releases its GPU buffers, and removes it (spec
// §4.7). Returns false if no eligible entry exists.
func (c *ExpertCache) evictLRU(ctx context.Context) bool {
	// Expert indices are never negative, so this key excludes nothing.
	return c.evictLRUExcept(ctx, expertKeyT{-1, -1})
}

func (c *ExpertCache) evictLRUExcept(ctx context.Context, except expertKeyT) bool {
	var victim *expertCacheEntry
	for key, e := range c.entries {
		if key == except {
			continue
		}
		if _, busy := c.inUse[key]; busy {
			continue
		}
		if _, pinned := c.pinned[key]; pinned {
			continue
		}
		if victim == nil || e.lastAccess < victim.lastAccess {
			victim = e
		}
	}
	if victim == nil {
		return false
	}

	for _, b := range victim.weights.Buffers {
		_ = c.pool.Release(ctx, b)
	}
	for _, wb := range victim.weights.Extra {
		if wb.Buffer != nil {
			_ = c.pool.Release(ctx, wb.Buffer)
		}
	}
	c.order.Remove(victim.elem)
	delete(c.entries, victim.key)
	c.currentBytes -= victim.sizeBytes
	c.evictions++
	return true
}

// MarkInUse protects an entry from eviction while inference reads it.
func (c *ExpertCache) MarkInUse(layer, expert int) { c.inUse[expertKeyT{layer, expert}] = struct{}{} }

// MarkNotInUse releases the in-use protection set by MarkInUse.
func (c *ExpertCache) MarkNotInUse(layer, expert int) {
	delete(c.inUse, expertKeyT{layer, expert})
}

// ClearInUse releases every in-use protection at once, used between
// inference steps.
func (c *ExpertCache) ClearInUse() { c.inUse = make(map[expertKeyT]struct{}) }

// PinExpert permanently protects (layer, expert) from eviction.
func (c *ExpertCache) PinExpert(layer, expert int) { c.pinned[expertKeyT{layer, expert}] = struct{}{} }

// UnpinExpert removes a pin set by PinExpert or PinSharedExperts.
func (c *ExpertCache) UnpinExpert(layer, expert int) {
	delete(c.pinned, expertKeyT{layer, expert})
}

// PinSharedExperts pins the named expert indices across every layer
// from 0 to numLayers-1, for architectures with experts shared across
// all layers (spec §4.7).
func (c *ExpertCache) PinSharedExperts(indices []int, numLayers int) {
	for l := 0; l < numLayers; l++ {
		for _, e := range indices {
			c.PinExpert(l, e)
		}
	}
}

// AutoTune sets maxBytes to min(defaultSizeBytes, floor(deviceMax *
// maxBufferPercentage)) (spec §4.7).
func (c *ExpertCache) AutoTune(defaultSizeBytes, deviceMaxBufferSize uint64, maxBufferPercentage float64) {
	budget := uint64(float64(deviceMaxBufferSize) * maxBufferPercentage)
	if budget > defaultSizeBytes {
		budget = defaultSizeBytes
	}
	c.maxBytes = budget
}

// ExpertCacheStats reports the cache's effectiveness and occupancy.
type ExpertCacheStats struct {
	Hits, Misses, Evictions uint64
	CurrentSize, MaxSize    uint64
	ExpertCount             int
	HitRate                float64
	InUseCount, PinnedCount int
}

// Stats returns a snapshot of the cache's counters.
func (c *ExpertCache) Stats() ExpertCacheStats {
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return ExpertCacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		CurrentSize: c.currentBytes,
		MaxSize:     c.maxBytes,
		ExpertCount: len(c.entries),
		HitRate:     rate,
		InUseCount:  len(c.inUse),
		PinnedCount: len(c.pinned),
	}
}

// Clear unconditionally releases every cached expert's buffers,
// ignoring in-use and pinned protection, and empties the cache; used
// during unload when every GPU resource must go back to the pool
// regardless of inference state (spec §4.8).
func (c *ExpertCache) Clear(ctx context.Context) {
	for _, e := range c.entries {
		for _, b := range e.weights.Buffers {
			_ = c.pool.Release(ctx, b)
		}
		for _, wb := range e.weights.Extra {
			if wb.Buffer != nil {
				_ = c.pool.Release(ctx, wb.Buffer)
			}
		}
	}
	c.entries = make(map[expertKeyT]*expertCacheEntry)
	c.order = list.New()
	c.currentBytes = 0
	c.inUse = make(map[expertKeyT]struct{})
}
