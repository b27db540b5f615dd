package weightload

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend wraps an in-memory shard set and counts how many
// times ReadShardRange actually reaches the backend, to distinguish a
// cache hit from a singleflight-coalesced miss.
type countingBackend struct {
	shards [][]byte
	reads  int64
}

func (b *countingBackend) OpenManifest(context.Context, string) ([]byte, error) { return nil, nil }
func (b *countingBackend) OpenShard(context.Context, string, int) (io.ReadSeeker, error) {
	return nil, nil
}
func (b *countingBackend) ReadShardRange(_ context.Context, _ string, shard int, offset, size int64) ([]byte, error) {
	atomic.AddInt64(&b.reads, 1)
	return b.shards[shard][offset : offset+size], nil
}
func (b *countingBackend) ShardSize(_ context.Context, _ string, shard int) (int64, error) {
	return int64(len(b.shards[shard])), nil
}

func TestShardCacheHitAfterMiss(t *testing.T) {
	backend := &countingBackend{shards: [][]byte{[]byte("0123456789")}}
	c := NewShardCache(backend, "m", WithShardCacheConfig(ShardCacheConfig{MaxBytes: 1 << 20, MaxConcurrentReads: 2}))
	ctx := context.Background()

	got, err := c.Get(ctx, 0, 2, 4, priorityHigh)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), got)

	got, err = c.Get(ctx, 0, 2, 4, priorityHigh)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), got)

	assert.Equal(t, int64(1), atomic.LoadInt64(&backend.reads), "second read should be served from cache")
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestShardCacheCoalescesConcurrentIdenticalReads(t *testing.T) {
	backend := &countingBackend{shards: [][]byte{[]byte("0123456789")}}
	c := NewShardCache(backend, "m", WithShardCacheConfig(ShardCacheConfig{MaxBytes: 1 << 20, MaxConcurrentReads: 4}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(ctx, 0, 0, 5, priorityLow)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&backend.reads), "concurrent identical requests should coalesce into one backend read")
}

func TestShardCacheEvictsLRUWhenOverBudget(t *testing.T) {
	backend := &countingBackend{shards: [][]byte{[]byte("0123456789")}}
	c := NewShardCache(backend, "m", WithShardCacheConfig(ShardCacheConfig{MaxBytes: 8, MaxConcurrentReads: 1}))
	ctx := context.Background()

	_, err := c.Get(ctx, 0, 0, 4, priorityLow) // "0123"
	require.NoError(t, err)
	_, err = c.Get(ctx, 0, 4, 4, priorityLow) // "4567", pushes total to 8
	require.NoError(t, err)
	_, err = c.Get(ctx, 0, 8, 2, priorityLow) // "89", evicts the first range
	require.NoError(t, err)

	assert.Equal(t, uint64(1), c.Stats().Evictions)

	// Re-fetching the evicted range must hit the backend again.
	before := atomic.LoadInt64(&backend.reads)
	_, err = c.Get(ctx, 0, 0, 4, priorityLow)
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt64(&backend.reads), before)
}

func TestShardCacheResetClearsEntriesNotCounters(t *testing.T) {
	backend := &countingBackend{shards: [][]byte{[]byte("0123456789")}}
	c := NewShardCache(backend, "m", WithShardCacheConfig(ShardCacheConfig{MaxBytes: 1 << 20, MaxConcurrentReads: 1}))
	ctx := context.Background()

	_, err := c.Get(ctx, 0, 0, 4, priorityLow)
	require.NoError(t, err)

	c.Reset()
	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.ResidentBytes)
	assert.Equal(t, uint64(1), stats.Misses, "Reset clears entries, not cumulative counters")
}

func TestShardCacheZeroConcurrencyDisablesGate(t *testing.T) {
	backend := &countingBackend{shards: [][]byte{[]byte("0123456789")}}
	c := NewShardCache(backend, "m", WithShardCacheConfig(ShardCacheConfig{MaxBytes: 1 << 20, MaxConcurrentReads: 0}))
	assert.Nil(t, c.gate, "MaxConcurrentReads=0 disables the gate rather than serializing to one")

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Get(ctx, 0, int64(i), 1, priorityLow)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestTensorReaderOutOfBoundsReadFails(t *testing.T) {
	backend := &countingBackend{shards: [][]byte{[]byte("0123")}}
	reader := NewTensorReader(backend, "m", nil)
	_, err := reader.readRange(context.Background(), 0, 0, 10, priorityLow)
	var tooSmall *ShardTooSmallError
	assert.ErrorAs(t, err, &tooSmall)
}
