package weightload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpustack/weightload/devicesim"
)

func expertBuf(t *testing.T, pool BufferPool, size uint64) ExpertWeights {
	t.Helper()
	b, err := pool.Allocate(context.Background(), size)
	require.NoError(t, err)
	return ExpertWeights{Buffers: []Buffer{b}}
}

func TestExpertCacheGetPutHitMiss(t *testing.T) {
	pool := devicesim.NewPool(0)
	c := NewExpertCache(pool, 1<<20)
	ctx := context.Background()

	_, ok := c.Get(0, 0)
	assert.False(t, ok)

	w := expertBuf(t, pool, 16)
	require.NoError(t, c.Put(ctx, 0, 0, w, 16))

	got, ok := c.Get(0, 0)
	require.True(t, ok)
	assert.Equal(t, w, got)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(16), stats.CurrentSize)
	assert.Equal(t, 1, stats.ExpertCount)
}

func TestExpertCacheEvictsLRUUnderBudget(t *testing.T) {
	pool := devicesim.NewPool(0)
	c := NewExpertCache(pool, 32)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, 0, 0, expertBuf(t, pool, 16), 16))
	require.NoError(t, c.Put(ctx, 0, 1, expertBuf(t, pool, 16), 16))
	// Touch expert 0 so expert 1 becomes the LRU victim.
	_, _ = c.Get(0, 0)
	require.NoError(t, c.Put(ctx, 0, 2, expertBuf(t, pool, 16), 16))

	_, ok := c.Get(0, 1)
	assert.False(t, ok, "expert (0,1) should have been evicted")
	_, ok = c.Get(0, 0)
	assert.True(t, ok)
	_, ok = c.Get(0, 2)
	assert.True(t, ok)

	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestExpertCachePinAndInUsePreventEviction(t *testing.T) {
	pool := devicesim.NewPool(0)
	c := NewExpertCache(pool, 16)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, 0, 0, expertBuf(t, pool, 16), 16))
	c.PinExpert(0, 0)

	err := c.Put(ctx, 1, 0, expertBuf(t, pool, 16), 16)
	assert.ErrorIs(t, err, ErrExpertCacheFull)

	c.UnpinExpert(0, 0)
	require.NoError(t, c.Put(ctx, 1, 0, expertBuf(t, pool, 16), 16))

	c.MarkInUse(1, 0)
	err = c.Put(ctx, 2, 0, expertBuf(t, pool, 16), 16)
	assert.ErrorIs(t, err, ErrExpertCacheFull)

	c.MarkNotInUse(1, 0)
	require.NoError(t, c.Put(ctx, 2, 0, expertBuf(t, pool, 16), 16))
}

func TestExpertCachePinSharedExperts(t *testing.T) {
	c := NewExpertCache(devicesim.NewPool(0), 1<<20)
	c.PinSharedExperts([]int{2, 5}, 3)
	assert.Equal(t, 6, c.Stats().PinnedCount)
}

func TestExpertCacheAutoTune(t *testing.T) {
	c := NewExpertCache(devicesim.NewPool(0), 0)
	c.AutoTune(1<<30, 4<<30, 0.1)
	assert.Equal(t, uint64(4<<30)/10, c.Stats().MaxSize)

	c.AutoTune(1<<20, 4<<30, 0.5)
	assert.Equal(t, uint64(1<<20), c.Stats().MaxSize, "default cap wins when smaller than the device-derived budget")
}

func TestExpertCacheClearReleasesEverything(t *testing.T) {
	pool := devicesim.NewPool(64)
	c := NewExpertCache(pool, 1<<20)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, 0, 0, expertBuf(t, pool, 16), 16))
	c.MarkInUse(0, 0)
	c.PinExpert(0, 0)

	c.Clear(ctx)

	assert.Equal(t, 0, c.Stats().ExpertCount)
	assert.Equal(t, uint64(0), c.Stats().CurrentSize)
	avail, err := pool.AvailableBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), avail, "cleared expert's buffer must be returned to the pool")
}
