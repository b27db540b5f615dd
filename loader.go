package weightload

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gpustack/weightload/util/json"
	"github.com/gpustack/weightload/util/stringx"
)

// CustomShardLoaderFunc lets a host bypass the StorageBackend and
// supply shard bytes directly (spec §6's setCustomShardLoader), e.g.
// a browser host reading from an already-resident ArrayBuffer.
type CustomShardLoaderFunc func(ctx context.Context, shard int) ([]byte, error)

// LoaderOption configures a Loader at construction.
type LoaderOption func(*Loader)

// WithLogger sets the logger that load warnings and the Memory
// Monitor's debug snapshots are written to (spec §7). Defaults to a
// no-op logger.
func WithLogger(log zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// WithStorageBackend sets the StorageBackend used unless a custom
// shard loader is configured (spec §4.9's Init phase).
func WithStorageBackend(backend StorageBackend) LoaderOption {
	return func(l *Loader) { l.backend = backend }
}

// WithManifestParser overrides the manifest parser (spec §6); the
// package's own ParseManifest is used otherwise.
func WithManifestParser(p ManifestParser) LoaderOption {
	return func(l *Loader) { l.manifestParser = p }
}

// WithLoadingConfig seeds the Loader's LoadingConfig; individual
// fields may still be overridden later via SetLoadingConfig.
func WithLoadingConfig(cfg LoadingConfig) LoaderOption {
	return func(l *Loader) { l.cfg = cfg }
}

// Loader is the Orchestrator (spec §4.9): it drives a model load
// through its phases, owns the Shard Cache, Tensor Loader, Loader
// State, Expert LRU Cache, and Memory Monitor, and is the package's
// single public entry point. Treat it as explicit process-wide state
// rather than a module-level singleton (spec §9): a host constructs
// and owns exactly one per concurrently-loaded model.
type Loader struct {
	device         Device
	backend        StorageBackend
	manifestParser ManifestParser
	log            zerolog.Logger

	cfg    LoadingConfig
	q4kCfg Q4KConfig

	customShardLoader CustomShardLoaderFunc
	verifyCustomLoader bool
	tensorsJSONURL    *string

	modelID  string
	manifest *Manifest
	preservedManifest *Manifest // externally-set manifest, kept across CheckState wipes

	tensorIndex *TensorIndex
	shardCache  *ShardCache
	reader      *TensorReader
	tLoader     *TensorLoader
	state       *LoaderState
	experts     *ExpertCache
	memMon      *MemoryMonitor

	// packedExperts holds GPT-OSS's per-layer packed expert blocks,
	// shared across every expert of that layer and therefore tracked
	// outside the Expert LRU (spec §3's LoaderState, §4.9's LoadExpert).
	packedExperts map[int]ExpertWeights

	isLoaded bool
}

// NewLoader constructs a Loader bound to device, configured with the
// package's defaults until overridden by options or the setters below.
func NewLoader(device Device, opts ...LoaderOption) *Loader {
	l := &Loader{
		device:         device,
		manifestParser: defaultManifestParser,
		log:            zerolog.Nop(),
		cfg:            DefaultLoadingConfig(),
		q4kCfg:         DefaultQ4KConfig(),
		verifyCustomLoader: true,
		packedExperts:  make(map[int]ExpertWeights),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.state = NewLoaderState(device.BufferPool())
	l.experts = NewExpertCache(device.BufferPool(), l.cfg.ExpertCache.DefaultSizeBytes)
	l.memMon = NewMemoryMonitor(device, &l.log)
	return l
}

// SetManifest pre-sets the manifest a subsequent Load uses instead of
// fetching one from the StorageBackend, for hosts that parse the
// manifest themselves (spec §6's setManifest). It survives the
// CheckState wipe of a prior load.
func (l *Loader) SetManifest(m *Manifest) {
	l.preservedManifest = m
}

// SetCustomShardLoader installs fn as the shard source, bypassing
// StorageBackend entirely (spec §6's setCustomShardLoader). verify
// controls whether hash verification still runs against bytes fn
// returns.
func (l *Loader) SetCustomShardLoader(fn CustomShardLoaderFunc, verify bool) {
	l.customShardLoader = fn
	l.verifyCustomLoader = verify
}

// SetTensorsJSONURL records a URL for an external tensor map (spec
// §6). Load does not read it, and does not load a manifest's
// tensorsFile either: tensors come only from the manifest's inline
// tensors map.
func (l *Loader) SetTensorsJSONURL(url *string) { l.tensorsJSONURL = url }

// SetQ4KConfig reconfigures the Q4K dispatch rule used by subsequent
// loads (spec §6).
func (l *Loader) SetQ4KConfig(cfg Q4KConfig) { l.q4kCfg = cfg }

// SetLoadingConfig reconfigures cache sizing and pacing knobs used by
// subsequent loads (spec §6).
func (l *Loader) SetLoadingConfig(cfg LoadingConfig) { l.cfg = cfg }

// LoadOptions configures one call to Load.
type LoadOptions struct {
	OnProgress   ProgressFunc
	VerifyHashes bool
}

// CanRunDense reports whether the currently loaded model is dense
// (no MoE config), used by hosts deciding whether expert-cache
// machinery is relevant at all.
func (l *Loader) CanRunDense() bool {
	return l.manifest == nil || !l.manifest.IsMoE()
}

// GetConfig returns the loaded manifest's architecture config block.
func (l *Loader) GetConfig() map[string]json.RawMessage {
	if l.manifest == nil {
		return nil
	}
	return l.manifest.Config
}

// GetLayerWeights returns the layer's loaded weights, if the layer
// index is in range of a completed load.
func (l *Loader) GetLayerWeights(layer int) (*LayerWeights, bool) {
	if !l.isLoaded {
		return nil, false
	}
	lw, ok := l.state.Layer(layer)
	if !ok {
		return nil, false
	}
	return &lw, true
}

// GetExpertCacheStats returns the Expert LRU Cache's current stats.
func (l *Loader) GetExpertCacheStats() ExpertCacheStats { return l.experts.Stats() }

// LoaderStats bundles every subsystem's stats for diagnostics.
type LoaderStats struct {
	ShardCache ShardCacheStats
	Experts    ExpertCacheStats
	Memory     MemorySnapshot
}

// Stats returns a snapshot across the Shard Cache, Expert Cache, and
// Memory Monitor.
func (l *Loader) Stats() LoaderStats {
	stats := LoaderStats{Experts: l.experts.Stats()}
	if l.shardCache != nil {
		stats.ShardCache = l.shardCache.Stats()
	}
	stats.Memory = l.memMon.Last()
	return stats
}

// PredictNextLayerExperts is the minimal correlation stub spec §9
// pins: it returns the same expert indices handed in, unexpanded into
// a real cross-layer correlation model (an explicit Open Question the
// source leaves unresolved).
func (l *Loader) PredictNextLayerExperts(indices []int) []int {
	out := make([]int, len(indices))
	copy(out, indices)
	return out
}

// PrefetchExperts warms the Expert LRU Cache for nextLayer's predicted
// indices ahead of inference reaching that layer, swallowing
// individual failures (a prefetch miss is not fatal, spec §4.9's
// LoadExpert path is reused as-is).
func (l *Loader) PrefetchExperts(ctx context.Context, nextLayer int, indices []int) {
	for _, e := range indices {
		if _, err := l.LoadExpert(ctx, nextLayer, e); err != nil {
			l.log.Warn().Err(err).Int("layer", nextLayer).Int("expert", e).Msg("prefetch expert failed")
		}
	}
}

// Load drives the full state machine of spec §4.9: Init, CheckState,
// OpenStorage/ParseManifest, Validate, IntegrityCheck,
// BuildTensorIndex, LoadEmbeddings, LoadLayers, LoadFinalWeights,
// Complete. Any phase failure rolls back through unload and rethrows;
// the sole successful terminal state sets isLoaded=true.
func (l *Loader) Load(ctx context.Context, modelID string, opts LoadOptions) (map[string]json.RawMessage, error) {
	l.modelID = modelID
	l.log = l.log.With().Str("load_id", stringx.RandomHex(4)).Logger()

	if err := l.checkState(ctx); err != nil {
		return nil, l.rollback(ctx, err)
	}

	manifest, err := l.openAndParseManifest(ctx, modelID)
	if err != nil {
		return nil, l.rollback(ctx, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, l.rollback(ctx, err)
	}
	l.manifest = manifest

	l.shardCache = NewShardCache(l.shardBackend(), modelID,
		WithShardCacheConfig(l.shardCachePolicy(manifest)))
	l.reader = NewTensorReader(l.shardBackend(), modelID, l.shardCache)
	l.tLoader = NewTensorLoader(l.device)
	l.memMon.SetTargets(l.shardCache, l.state)
	l.memMon.Start(ctx, l.cfg.MemoryManagement.LogInterval)

	verify := opts.VerifyHashes
	if err := l.integrityCheck(ctx, verify); err != nil {
		return nil, l.rollback(ctx, err)
	}

	l.tensorIndex = BuildTensorIndex(manifest)

	progress := newProgressAdapter(opts.OnProgress)
	progress.setPhase(ProgressManifest)
	reader := progress.wrap(l.reader)

	l.state.PrepareForLoad(ctx)

	if err := l.loadEmbeddings(ctx, reader, progress); err != nil {
		return nil, l.rollback(ctx, err)
	}

	numLayers, err := manifest.NumHiddenLayers()
	if err != nil {
		return nil, l.rollback(ctx, err)
	}
	progress.setPhase(ProgressLayers)
	if err := l.loadLayers(ctx, reader, numLayers); err != nil {
		return nil, l.rollback(ctx, err)
	}

	progress.setPhase(ProgressFinalWeights)
	if err := l.loadFinalWeights(ctx, reader); err != nil {
		return nil, l.rollback(ctx, err)
	}

	l.state.MarkComplete()
	l.isLoaded = true
	l.shardCache.Reset()
	l.memMon.Stop()

	if opts.OnProgress != nil {
		opts.OnProgress(ProgressEvent{Phase: ProgressFinalWeights, Percent: 100})
	}

	return manifest.Config, nil
}

// rollback implements spec §7's transactional load contract: unload
// clears all state, a preserved externally-set manifest is restored,
// then the original error is rethrown unchanged.
func (l *Loader) rollback(ctx context.Context, cause error) error {
	l.Unload(ctx)
	if l.preservedManifest != nil {
		l.manifest = l.preservedManifest
	}
	return cause
}

// checkState implements spec §4.9's CheckState phase: a prior model's
// state, if any, is unloaded first, preserving an externally-set
// manifest across the wipe.
func (l *Loader) checkState(ctx context.Context) error {
	preserved := l.preservedManifest
	if l.isLoaded || l.state.BufferCount() > 0 {
		l.Unload(ctx)
	}
	l.preservedManifest = preserved
	return nil
}

// Unload implements spec §4.8: release every tracked GPU buffer,
// drop all references, clear the Expert Cache, and stop the Memory
// Monitor. A second consecutive call is a no-op (spec §8).
func (l *Loader) Unload(ctx context.Context) {
	if !l.isLoaded && l.state.BufferCount() == 0 {
		return
	}
	l.state.Clear(ctx)
	l.experts.Clear(ctx)
	l.packedExperts = make(map[int]ExpertWeights)
	if l.shardCache != nil {
		l.shardCache.Reset()
	}
	l.memMon.Stop()
	l.isLoaded = false
}

func (l *Loader) shardBackend() StorageBackend {
	if l.customShardLoader != nil {
		return &customShardBackend{fn: l.customShardLoader}
	}
	return l.backend
}

// openAndParseManifest implements spec §4.9's ParseManifest phase: a
// preserved (host-supplied) manifest is used as-is; with a custom
// shard loader and no preserved manifest the phase fails, since no
// manifest is parsed in that mode; otherwise the configured
// StorageBackend's manifest bytes are parsed.
func (l *Loader) openAndParseManifest(ctx context.Context, modelID string) (*Manifest, error) {
	if l.preservedManifest != nil {
		return l.preservedManifest, nil
	}
	if l.customShardLoader != nil {
		return nil, fmt.Errorf("%w: custom shard loader set but no manifest set", ErrConfigMissing)
	}
	if l.backend == nil {
		return nil, fmt.Errorf("%w: no storage backend and no manifest set", ErrConfigMissing)
	}
	data, err := l.backend.OpenManifest(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	m, err := l.manifestParser.Parse(data)
	if err != nil {
		return nil, err
	}
	if m.NumLocalExperts() > 1 && m.MoEConfig == nil {
		return nil, fmt.Errorf("%w: model declares %d local experts but no moeConfig; needs re-conversion", ErrConfigMissing, m.NumLocalExperts())
	}
	return m, nil
}

// remoteBackend is implemented by StorageBackend implementations
// (httpstore) whose reads are expensive enough to warrant a larger
// Shard Cache than a local disk read would (spec §4.1's
// shardCachePolicy).
type remoteBackend interface {
	IsRemote() bool
}

// isRemoteBackend reports whether the active StorageBackend identifies
// itself as network-backed (httpstore), consulted by both the Shard
// Cache sizing policy and the inter-layer flush pacing (spec §4.1, §4.9).
func (l *Loader) isRemoteBackend() bool {
	rb, ok := l.backend.(remoteBackend)
	return ok && rb.IsRemote()
}

func (l *Loader) shardCachePolicy(m *Manifest) ShardCacheConfig {
	p := l.cfg.ShardCache
	remote := l.isRemoteBackend()
	switch {
	case m.IsMoE():
		return ShardCacheConfig{MaxBytes: 2 << 30, MaxConcurrentReads: p.MaxConcurrentLoads}
	case l.customShardLoader == nil && remote:
		return ShardCacheConfig{MaxBytes: 512 << 20, MaxConcurrentReads: p.MaxConcurrentLoads}
	default:
		return ShardCacheConfig{MaxBytes: 64 << 20, MaxConcurrentReads: p.MaxConcurrentLoads}
	}
}

// integrityCheck implements spec §4.9's IntegrityCheck phase: under
// verifyHashes and a local store, every shard the manifest declares
// is checked for presence and digest match.
func (l *Loader) integrityCheck(ctx context.Context, verify bool) error {
	if !verify || l.customShardLoader != nil || l.backend == nil {
		return nil
	}
	type verifier interface {
		VerifyIntegrity(ctx context.Context, modelID string, m *Manifest) (missing, corrupt []int, err error)
	}
	v, ok := l.backend.(verifier)
	if !ok {
		return nil
	}
	missing, corrupt, err := v.VerifyIntegrity(ctx, l.modelID, l.manifest)
	if err != nil {
		return fmt.Errorf("verify integrity: %w", err)
	}
	if len(missing) > 0 {
		return &IntegrityError{ShardIndex: missing[0], Reason: "missing"}
	}
	if len(corrupt) > 0 {
		return &IntegrityError{ShardIndex: corrupt[0], Reason: "hash mismatch"}
	}
	return nil
}

// customShardBackend adapts a CustomShardLoaderFunc to StorageBackend
// for the paths (Shard Cache, Tensor Reader) that only ever call
// ReadShardRange/ShardSize; OpenManifest/OpenShard are unused when a
// custom loader is set (ParseManifest is skipped in that case).
type customShardBackend struct {
	fn CustomShardLoaderFunc
}

func (b *customShardBackend) OpenManifest(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("weightload: custom shard loader has no manifest source")
}

func (b *customShardBackend) OpenShard(context.Context, string, int) (io.ReadSeeker, error) {
	return nil, fmt.Errorf("weightload: custom shard loader does not support OpenShard")
}

func (b *customShardBackend) ReadShardRange(ctx context.Context, _ string, shard int, offset, size int64) ([]byte, error) {
	full, err := b.fn(ctx, shard)
	if err != nil {
		return nil, err
	}
	if offset+size > int64(len(full)) {
		return nil, &ShardTooSmallError{ShardIndex: shard, ShardSize: int64(len(full)), WantOffset: offset, WantSize: size}
	}
	return full[offset : offset+size], nil
}

func (b *customShardBackend) ShardSize(ctx context.Context, _ string, shard int) (int64, error) {
	full, err := b.fn(ctx, shard)
	if err != nil {
		return 0, err
	}
	return int64(len(full)), nil
}

var _ StorageBackend = (*customShardBackend)(nil)

func sortedInts(xs []int) []int {
	out := append([]int(nil), xs...)
	sort.Ints(out)
	return out
}

// asErrgroup wraps errgroup.WithContext. loadLayer's per-layer fan-out
// (loader_phases.go) calls errgroup.WithContext directly rather than
// this helper (spec §5's "within a single layer, attention and FFN
// tensors load concurrently").
func asErrgroup(ctx context.Context) (*errgroup.Group, context.Context) {
	return errgroup.WithContext(ctx)
}
