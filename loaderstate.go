package weightload

import (
	"context"
	"sync"
)

// LayerWeights holds one transformer layer's loaded tensors, aliased
// into pipeline-facing field names regardless of which on-disk name
// variant resolved them (spec §4.9's name-resolution step).
type LayerWeights struct {
	AttnNorm WeightBuffer

	QProj, KProj, VProj, OProj WeightBuffer

	QNorm, KNorm                                     *WeightBuffer
	PostAttentionNorm, PreFeedforwardNorm, PostFeedforwardNorm *WeightBuffer

	// FFN dense path.
	FFNGateUp *WeightBuffer // fused gate_up, preferred when present
	FFNGate   *WeightBuffer
	FFNUp     *WeightBuffer
	FFNDown   *WeightBuffer

	// MoE path, set instead of the FFN fields when isExpertLayer(l).
	RouterWeight *WeightBuffer
	RouterBias   *WeightBuffer

	AttentionSinks *WeightBuffer
}

// buffers returns every non-nil Weight Buffer's underlying device
// Buffer owned directly by this layer (not counting experts, which
// the Expert LRU Cache owns separately).
func (w LayerWeights) buffers() []Buffer {
	var out []Buffer
	add := func(wb *WeightBuffer) {
		if wb != nil && wb.Buffer != nil {
			out = append(out, wb.Buffer)
		}
	}
	out = append(out, w.AttnNorm.Buffer, w.QProj.Buffer, w.KProj.Buffer, w.VProj.Buffer, w.OProj.Buffer)
	add(w.QNorm)
	add(w.KNorm)
	add(w.PostAttentionNorm)
	add(w.PreFeedforwardNorm)
	add(w.PostFeedforwardNorm)
	add(w.FFNGateUp)
	add(w.FFNGate)
	add(w.FFNUp)
	add(w.FFNDown)
	add(w.RouterWeight)
	add(w.RouterBias)
	add(w.AttentionSinks)
	nonNil := out[:0]
	for _, b := range out {
		if b != nil {
			nonNil = append(nonNil, b)
		}
	}
	return nonNil
}

// ResidentBytes sums the allocated size of every GPU buffer this layer
// currently owns, used by LoaderState.ResidentBytes to report total
// device memory held by loaded weights (spec §4.7, §4.10).
func (w LayerWeights) ResidentBytes() uint64 {
	var total uint64
	for _, b := range w.buffers() {
		total += b.Size()
	}
	return total
}

// LoaderState holds every weight a completed (or in-progress) load has
// produced, plus the full set of GPU buffers it is responsible for
// releasing on unload (spec §4.8).
//
// loadLayer fans a layer's tensor slots out across errgroup goroutines
// that each call TrackWeight, and the Memory Monitor reads BufferCount
// and ResidentBytes from a background goroutine while a load is still
// running; mu guards every field below against that concurrent
// access. Exported fields are safe to read directly only once a load
// has completed and the Memory Monitor has stopped (loader_test.go
// does this); code that can run concurrently with a load must go
// through the locked methods instead.
type LoaderState struct {
	pool BufferPool

	mu sync.Mutex

	isLoaded bool

	Embeddings    WeightBuffer
	EmbeddingsCPU *CPUWeightBuffer // set instead of Embeddings when streamed (spec §4.9)
	LMHead        *WeightBuffer
	LMHeadCPU     *CPUWeightBuffer
	LMHeadTied    bool
	FinalNorm     WeightBuffer

	Layers []LayerWeights

	tracked map[Buffer]struct{}
}

// NewLoaderState constructs an empty LoaderState bound to pool.
func NewLoaderState(pool BufferPool) *LoaderState {
	return &LoaderState{pool: pool, tracked: make(map[Buffer]struct{})}
}

// IsLoaded reports whether a load has completed successfully and not
// since been unloaded.
func (s *LoaderState) IsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLoaded
}

// Track registers a buffer as owned by this state, so Clear releases
// it exactly once. Panics if the same buffer is tracked twice, the
// invariant spec §4.8/§5 pins: a buffer has exactly one owner.
func (s *LoaderState) Track(b Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackLocked(b)
}

func (s *LoaderState) trackLocked(b Buffer) {
	if b == nil {
		return
	}
	if _, ok := s.tracked[b]; ok {
		panic("weightload: buffer tracked twice by LoaderState")
	}
	s.tracked[b] = struct{}{}
}

// TrackWeight tracks every non-nil buffer in a Weight Buffer. Safe to
// call from the concurrent per-slot goroutines loadLayer fans out
// across an errgroup.
func (s *LoaderState) TrackWeight(w WeightBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.Buffer != nil {
		s.trackLocked(w.Buffer)
	}
}

// Untrack removes a buffer from this state's ownership record without
// releasing it, for the case where a buffer is superseded by another
// (e.g. Weight Downcast replacing a tracked F32 buffer with a new F16
// one) rather than actually freed.
func (s *LoaderState) Untrack(b Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b == nil {
		return
	}
	delete(s.tracked, b)
}

// PrepareForLoad clears any existing state before a new load begins
// (spec §4.8, §4.9's CheckState phase).
func (s *LoaderState) PrepareForLoad(ctx context.Context) {
	s.mu.Lock()
	needsClear := s.isLoaded || len(s.tracked) > 0
	s.mu.Unlock()
	if needsClear {
		s.Clear(ctx)
	}
}

// MarkComplete finalizes the state after a successful load.
func (s *LoaderState) MarkComplete() {
	s.mu.Lock()
	s.isLoaded = true
	s.mu.Unlock()
}

// Clear releases every GPU buffer this state owns, drops all
// references, and sets isLoaded=false (spec §4.8). Safe to call on an
// already-empty state. The buffers are released after the lock is
// dropped, so a slow or blocking BufferPool.Release never holds up a
// concurrent Track/BufferCount/ResidentBytes call.
func (s *LoaderState) Clear(ctx context.Context) {
	s.mu.Lock()
	buffers := make([]Buffer, 0, len(s.tracked))
	for b := range s.tracked {
		buffers = append(buffers, b)
	}
	s.tracked = make(map[Buffer]struct{})
	s.Embeddings = WeightBuffer{}
	s.EmbeddingsCPU = nil
	s.LMHead = nil
	s.LMHeadCPU = nil
	s.LMHeadTied = false
	s.FinalNorm = WeightBuffer{}
	s.Layers = nil
	s.isLoaded = false
	s.mu.Unlock()

	for _, b := range buffers {
		_ = s.pool.Release(ctx, b)
	}
}

// GetGPUBuffer returns w's underlying device Buffer for a raw or
// wrapped weight, or nil for a CPU-streamed weight (spec §4.8).
func (s *LoaderState) GetGPUBuffer(w WeightBuffer) Buffer { return w.Buffer }

// IsGPUBacked distinguishes a GPU-resident weight from a CPU-streamed
// one (spec §4.8, §4.9's streaming rule).
func (s *LoaderState) IsGPUBacked(w WeightBuffer) bool { return w.Buffer != nil }

// BufferCount returns the number of GPU buffers currently tracked,
// used by the Memory Monitor (spec §4.7, memmon.go). Called from the
// Memory Monitor's own background goroutine while a load is still
// running, concurrently with TrackWeight/Untrack.
func (s *LoaderState) BufferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

// ResidentBytes sums the allocated size of every GPU buffer this state
// owns: embeddings, the LM head, the final norm, and every layer's
// weights. CPU-streamed weights (EmbeddingsCPU/LMHeadCPU) are excluded
// since they hold no device allocation (spec §4.7, §4.10). Called from
// the Memory Monitor's background goroutine concurrently with the
// Set*/InitLayers/SetLayer writers below.
func (s *LoaderState) ResidentBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.Embeddings.Bytes() + s.FinalNorm.Bytes()
	if s.LMHead != nil && !s.LMHeadTied {
		total += s.LMHead.Bytes()
	}
	for _, lw := range s.Layers {
		total += lw.ResidentBytes()
	}
	return total
}

// SetEmbeddings records the loaded (and possibly downcast) embeddings
// weight.
func (s *LoaderState) SetEmbeddings(w WeightBuffer) {
	s.mu.Lock()
	s.Embeddings = w
	s.mu.Unlock()
}

// SetEmbeddingsCPU records a CPU-streamed embeddings weight in place
// of a GPU-resident one (spec §4.9's streaming rule).
func (s *LoaderState) SetEmbeddingsCPU(cpu *CPUWeightBuffer) {
	s.mu.Lock()
	s.EmbeddingsCPU = cpu
	s.mu.Unlock()
}

// SetFinalNorm records the loaded final norm weight.
func (s *LoaderState) SetFinalNorm(w WeightBuffer) {
	s.mu.Lock()
	s.FinalNorm = w
	s.mu.Unlock()
}

// SetLMHead records an independently loaded (untied) LM head weight.
func (s *LoaderState) SetLMHead(w WeightBuffer) {
	s.mu.Lock()
	s.LMHead = &w
	s.LMHeadTied = false
	s.mu.Unlock()
}

// SetLMHeadCPU records a CPU-streamed LM head weight.
func (s *LoaderState) SetLMHeadCPU(cpu *CPUWeightBuffer) {
	s.mu.Lock()
	s.LMHeadCPU = cpu
	s.mu.Unlock()
}

// TieLMHeadToEmbeddings aliases the LM head to the already-loaded
// embeddings weight instead of loading a separate lm_head tensor
// (spec §4.9's tied-embeddings fallback).
func (s *LoaderState) TieLMHeadToEmbeddings() {
	s.mu.Lock()
	s.LMHead = &s.Embeddings
	s.LMHeadCPU = s.EmbeddingsCPU
	s.LMHeadTied = true
	s.mu.Unlock()
}

// InitLayers allocates the per-layer slice a load is about to
// populate one layer at a time via SetLayer.
func (s *LoaderState) InitLayers(n int) {
	s.mu.Lock()
	s.Layers = make([]LayerWeights, n)
	s.mu.Unlock()
}

// SetLayer records layer idx's fully-loaded weights. loadLayers calls
// this once per layer, after that layer's errgroup fan-out in
// loadLayer has already returned.
func (s *LoaderState) SetLayer(idx int, lw LayerWeights) {
	s.mu.Lock()
	s.Layers[idx] = lw
	s.mu.Unlock()
}

// Layer returns a copy of layer idx's weights, if a load has
// allocated that index.
func (s *LoaderState) Layer(idx int) (LayerWeights, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.Layers) {
		return LayerWeights{}, false
	}
	return s.Layers[idx], true
}
