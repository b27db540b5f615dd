package weightload

import (
	"context"
	"sync"
)

// ProgressPhase names a load's progress-reporting phase, each mapped
// to a fixed percentage range (spec §4.9).
type ProgressPhase uint8

const (
	ProgressManifest ProgressPhase = iota
	ProgressEmbeddings
	ProgressLayers
	ProgressFinalWeights
)

// progressRange returns the [start, end) percentage bounds for phase,
// pinned by spec §4.9: manifest 0-5%, embeddings preamble at 10%,
// shards within a phase 10-80%, layers 80-85%, final weights 85-100%.
func progressRange(phase ProgressPhase) (start, end float64) {
	switch phase {
	case ProgressManifest:
		return 0, 5
	case ProgressEmbeddings:
		return 10, 80
	case ProgressLayers:
		return 80, 85
	case ProgressFinalWeights:
		return 85, 100
	default:
		return 0, 100
	}
}

// ProgressEvent is emitted once per first-time shard fetch during a
// load, outside the per-layer phase, plus one final event at 100%
// when Load completes (spec §4.9).
type ProgressEvent struct {
	Phase        ProgressPhase
	Percent      float64
	BytesLoaded  uint64
	ShardsLoaded int
	ShardIndex   int
}

// ProgressFunc receives ProgressEvents during Load.
type ProgressFunc func(ProgressEvent)

// progressAdapter wraps shard reads for the duration of one load,
// tracking cumulative bytes and shard counts and emitting a
// ProgressEvent on each first-time shard fetch, exactly the
// decorator-over-the-shard-loader shape spec §9 calls for (a bound
// wrapper function, not a monkey-patched method).
type progressAdapter struct {
	onProgress ProgressFunc
	phase      ProgressPhase

	mu          sync.Mutex // guards the fields below; loadLayer reads concurrently
	seenShards  map[int]struct{}
	bytesLoaded uint64
	shardsLoaded int
}

func newProgressAdapter(onProgress ProgressFunc) *progressAdapter {
	return &progressAdapter{onProgress: onProgress, seenShards: make(map[int]struct{})}
}

// setPhase switches which progress range subsequent events report
// within; the per-layer phase (ProgressLayers) intentionally emits no
// per-shard events, per spec §4.9.
func (p *progressAdapter) setPhase(phase ProgressPhase) { p.phase = phase }

// recordShardFetch should be called once per first-time fetch of
// shard i's bytes (n bytes read). It updates the running totals and,
// outside the layers phase, emits a ProgressEvent scaled into the
// current phase's percentage range.
func (p *progressAdapter) recordShardFetch(shard int, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seenShards[shard]; ok {
		return
	}
	p.seenShards[shard] = struct{}{}
	p.shardsLoaded++
	p.bytesLoaded += uint64(n)

	if p.onProgress == nil || p.phase == ProgressLayers {
		return
	}

	start, end := progressRange(p.phase)
	p.onProgress(ProgressEvent{
		Phase:        p.phase,
		Percent:      start + (end-start)*0.5,
		BytesLoaded:  p.bytesLoaded,
		ShardsLoaded: p.shardsLoaded,
		ShardIndex:   shard,
	})
}

// wrap returns a TensorReader whose reads funnel through
// recordShardFetch, so the rest of the loading pipeline needs no
// awareness of progress reporting (spec §4.9).
func (p *progressAdapter) wrap(r *TensorReader) *trackedTensorReader {
	return &trackedTensorReader{TensorReader: r, adapter: p}
}

type trackedTensorReader struct {
	*TensorReader
	adapter *progressAdapter
}

// Read shadows TensorReader.Read, recording a progress event for
// every shard span it touches before delegating to the embedded
// reader.
func (t *trackedTensorReader) Read(ctx context.Context, loc TensorLocation, priority shardCachePriority) ([]byte, error) {
	spans := loc.Spans
	if len(spans) == 0 {
		spans = []TensorSpan{{Shard: 0, Offset: loc.Offset, Size: loc.Size}}
	}
	for _, sp := range spans {
		t.adapter.recordShardFetch(sp.Shard, int(sp.Size))
	}
	return t.TensorReader.Read(ctx, loc, priority)
}
