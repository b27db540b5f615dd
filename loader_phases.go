package weightload

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gpustack/weightload/util/ptr"
)

// layerPrefixes is the ordered list of per-layer name prefixes the
// Orchestrator tries when resolving a layer's tensors, spanning the
// several archive-naming conventions the tensor map may use for the
// same logical weight (spec §4.9's LoadLayer).
var layerPrefixes = []string{
	"language_model.model.layers.%d",
	"model.layers.%d",
	"layers.%d",
	"blk.%d",
}

// layerSlotSuffixes maps a pipeline-facing slot name to the ordered
// list of on-disk suffixes it may be found under, crossed against
// layerPrefixes at resolution time (spec §4.9).
var layerSlotSuffixes = map[string][]string{
	"attnNorm":            {"input_layernorm.weight", "attn_norm.weight"},
	"qProj":                {"self_attn.q_proj.weight", "attn_q.weight"},
	"kProj":                {"self_attn.k_proj.weight", "attn_k.weight"},
	"vProj":                {"self_attn.v_proj.weight", "attn_v.weight"},
	"oProj":                {"self_attn.o_proj.weight", "attn_output.weight"},
	"qNorm":                {"self_attn.q_norm.weight", "attn_q_norm.weight"},
	"kNorm":                {"self_attn.k_norm.weight", "attn_k_norm.weight"},
	"postAttentionNorm":    {"post_attention_layernorm.weight", "post_attn_norm.weight"},
	"preFeedforwardNorm":   {"pre_feedforward_layernorm.weight", "ffn_norm.weight"},
	"postFeedforwardNorm":  {"post_feedforward_layernorm.weight", "post_ffn_norm.weight"},
	"ffnGateUp":            {"mlp.gate_up_proj.weight", "ffn_gate_up.weight"},
	"ffnGate":              {"mlp.gate_proj.weight", "ffn_gate.weight"},
	"ffnUp":                {"mlp.up_proj.weight", "ffn_up.weight"},
	"ffnDown":              {"mlp.down_proj.weight", "ffn_down.weight"},
	"routerWeight":         {"mlp.gate.weight", "ffn_gate_inp.weight"},
	"routerBias":           {"mlp.gate.bias", "ffn_gate_inp.bias"},
	"attentionSinks":       {"self_attn.sinks", "attn_sinks.weight"},
}

// resolveLayerTensor tries every prefix×suffix combination for slot
// at layer l, returning the first name present in idx.
func resolveLayerTensor(idx *TensorIndex, l int, slot string) (string, TensorLocation, bool) {
	for _, prefix := range layerPrefixes {
		base := fmt.Sprintf(prefix, l)
		for _, suffix := range layerSlotSuffixes[slot] {
			name := base + "." + suffix
			if loc, ok := idx.byName[name]; ok {
				return name, loc, true
			}
		}
	}
	return "", TensorLocation{}, false
}

func (l *Loader) tensorLoaderConfig() TensorLoaderConfig {
	return TensorLoaderConfig{
		UseFusedQ4K:             l.q4kCfg.UseFusedQ4K,
		KeepF32Weights:          l.q4kCfg.KeepF32Weights,
		Q4KLayout:               l.manifestQ4KLayout(),
		HasF16:                  l.device.HasCapability("f16"),
		HasSubgroups:            l.device.HasCapability("subgroups"),
		AllowF32UpcastNonMatmul: l.cfg.AllowF32UpcastNonMatmul,
	}
}

func (l *Loader) manifestQ4KLayout() Q4KLayout {
	if l.manifest != nil && l.manifest.Q4KLayout != "" {
		return l.manifest.Q4KLayout
	}
	return l.q4kCfg.Q4KLayout
}

// loadOne resolves, reads, and decodes a single named tensor, applying
// the norm-offset transform when the tensor's role is norm and the
// manifest requires it (spec §4.6, §4.9).
func (l *Loader) loadOne(ctx context.Context, reader *trackedTensorReader, name string, loc TensorLocation) (*LoadedTensor, error) {
	bytes, err := reader.Read(ctx, loc, priorityHigh)
	if err != nil {
		return nil, fmt.Errorf("read tensor %q: %w", name, err)
	}
	lt, err := l.tLoader.LoadTensor(ctx, bytes, loc, name, l.tensorLoaderConfig())
	if err != nil {
		return nil, fmt.Errorf("decode tensor %q: %w", name, err)
	}
	if loc.Role == RoleNorm && shouldApplyNormOffset(l.manifest) {
		w, err := ApplyNormOffset(ctx, l.device.BufferPool(), l.device.Kernels(), lt.Weight)
		if err != nil {
			return nil, fmt.Errorf("apply norm offset to %q: %w", name, err)
		}
		lt.Weight = w
	}
	return lt, nil
}

// loadOptional is loadOne's tolerant variant for a slot that spec §7
// says is recoverable when absent: a missing optional norm, router
// bias, or attention sinks tensor is not an error.
func (l *Loader) loadOptional(ctx context.Context, reader *trackedTensorReader, idx *TensorIndex, layer int, slot string) (*WeightBuffer, error) {
	name, loc, ok := resolveLayerTensor(idx, layer, slot)
	if !ok {
		return nil, nil
	}
	lt, err := l.loadOne(ctx, reader, name, loc)
	if err != nil {
		l.log.Warn().Err(err).Str("slot", slot).Int("layer", layer).Msg("optional layer tensor failed to load")
		return nil, nil
	}
	l.state.TrackWeight(lt.Weight)
	return &lt.Weight, nil
}

// loadEmbeddings implements spec §4.9's LoadEmbeddings phase: the
// first tensor with role=embedding (optionally narrowed to
// group=embed) that loads successfully wins; none loading is fatal.
// A successfully-loaded F32 embedding is downcast to F16 when the
// device supports it and F32 preservation wasn't requested.
func (l *Loader) loadEmbeddings(ctx context.Context, reader *trackedTensorReader, progress *progressAdapter) error {
	progress.setPhase(ProgressEmbeddings)

	candidates := l.embeddingCandidates()
	if len(candidates) == 0 {
		return fmt.Errorf("%w: embedding", ErrTensorNotFound)
	}

	var lastErr error
	for _, name := range candidates {
		loc := l.tensorIndex.byName[name]
		if streamed, cpu, err := l.maybeStream(ctx, reader, name, loc); err != nil {
			lastErr = err
			continue
		} else if streamed {
			l.state.SetEmbeddingsCPU(cpu)
			return nil
		}

		lt, err := l.loadOne(ctx, reader, name, loc)
		if err != nil {
			lastErr = err
			continue
		}
		w := lt.Weight
		if w.Dtype == DtypeF32 && l.device.HasCapability("f16") && !l.q4kCfg.KeepF32Weights {
			cands := Downcast(ctx, l.device, false, &l.log, []DowncastCandidate{{Key: "embeddings", Weight: w}})
			w = cands[0].Weight
		}
		l.state.SetEmbeddings(w)
		l.state.TrackWeight(w)
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("load embeddings: %w", lastErr)
	}
	return fmt.Errorf("%w: embedding", ErrTensorNotFound)
}

// embeddingCandidates returns every indexed tensor name with
// role=embedding, preferring ones in the "embed" group first (spec
// §4.9: "optionally narrowed by group=embed").
func (l *Loader) embeddingCandidates() []string {
	var grouped, ungrouped []string
	for name, loc := range l.tensorIndex.byName {
		if loc.Role != RoleEmbedding {
			continue
		}
		if loc.Group == "embed" {
			grouped = append(grouped, name)
		} else {
			ungrouped = append(ungrouped, name)
		}
	}
	return append(grouped, ungrouped...)
}

// maybeStream implements spec §4.9's streaming rule: a weight whose
// intended runtime byte size exceeds the device's binding threshold
// is loaded as a CPUWeightBuffer when its source dtype can be
// streamed ({F16, F32, BF16}); other dtypes fail with
// BudgetExceededError rather than silently loading on GPU.
func (l *Loader) maybeStream(ctx context.Context, reader *trackedTensorReader, name string, loc TensorLocation) (bool, *CPUWeightBuffer, error) {
	lw := l.manifest.Inference.LargeWeights
	if !lw.Enabled {
		return false, nil, nil
	}

	runtimeBytes := l.intendedRuntimeBytes(loc)
	threshold := streamingThreshold(l.device.MaxStorageBufferBindingSize(), l.device.MaxBufferSize(), lw.SafetyRatio)
	if runtimeBytes <= threshold {
		return false, nil, nil
	}

	switch loc.Dtype {
	case DtypeF16, DtypeF32, DtypeBF16:
	default:
		return false, nil, &BudgetExceededError{Tensor: name, Size: runtimeBytes, Limit: threshold}
	}

	bytes, err := reader.Read(ctx, loc, priorityHigh)
	if err != nil {
		return false, nil, fmt.Errorf("read streamed tensor %q: %w", name, err)
	}
	hostBytes, err := CPULoadTensor(bytes, loc)
	if err != nil {
		return false, nil, fmt.Errorf("stream tensor %q: %w", name, err)
	}
	return true, &CPUWeightBuffer{
		Bytes:  hostBytes,
		Dtype:  DtypeF32,
		Shape:  loc.Shape,
		Layout: resolveLayout(loc.Layout, loc.Role, loc.Shape),
		Label:  name,
	}, nil
}

// intendedRuntimeBytes estimates the byte size a tensor would occupy
// once loaded at its intended runtime dtype, used only to evaluate
// the streaming threshold (spec §4.9); it does not allocate anything.
func (l *Loader) intendedRuntimeBytes(loc TensorLocation) uint64 {
	n := ElementCount(loc.Shape)
	dstDtype := loc.Dtype
	switch loc.Dtype {
	case DtypeQ4K:
		// Q4_K dequantizes to f16 (or f32 if unsupported).
		dstDtype = DtypeF16
		if !l.device.HasCapability("f16") {
			dstDtype = DtypeF32
		}
	case DtypeQ6K:
		// Q6_K always dequantizes to f16 (tensorloader.go's loadQ6K).
		dstDtype = DtypeF16
	case DtypeBF16:
		dstDtype = DtypeF16
		if !l.device.HasCapability("f16") {
			dstDtype = DtypeF32
		}
	}
	tt, ok := dstDtype.Trait()
	if !ok {
		return 0
	}
	if tt.Quantized {
		return QuantizedBytes(dstDtype, shapeRows(loc.Shape), shapeCols(loc.Shape))
	}
	return n * tt.BlockBytes
}

func shapeRows(shape []uint64) uint64 {
	if len(shape) != 2 {
		return 1
	}
	return shape[0]
}

func shapeCols(shape []uint64) uint64 {
	if len(shape) != 2 {
		return ElementCount(shape)
	}
	return shape[1]
}

// loadLayers implements spec §4.9's per-layer loop: layers load
// sequentially 0..numLayers-1, each layer's own tensors loading
// concurrently; every flushIntervalLayers (or over the shard-cache
// byte threshold) the shard cache is cleared when reading from a
// local store, to bound peak memory (spec §5). No GPU queue drain is
// performed between layers: GPUQueueFlushLayers is not acted on.
func (l *Loader) loadLayers(ctx context.Context, reader *trackedTensorReader, numLayers int) error {
	l.state.InitLayers(numLayers)

	remote := l.isRemoteBackend()
	mm := l.cfg.MemoryManagement
	for layer := 0; layer < numLayers; layer++ {
		lw, err := l.loadLayer(ctx, reader, layer)
		if err != nil {
			return fmt.Errorf("load layer %d: %w", layer, err)
		}
		l.state.SetLayer(layer, *lw)

		if mm.FlushIntervalLayers > 0 && (layer+1)%mm.FlushIntervalLayers == 0 && !remote {
			l.shardCache.Reset()
		} else if l.shardCache.Stats().ResidentBytes > mm.FlushThresholdBytes && !remote {
			l.shardCache.Reset()
		}
		// The Device interface has no queue-drain operation, so
		// GPUQueueFlushLayers has no effect here.
		_ = mm.GPUQueueFlushLayers
	}
	return nil
}

func (l *Loader) isExpertLayer(layer int) bool {
	return l.manifest.IsMoE()
}

// loadLayer loads one transformer layer's tensors, concurrently
// fanning out attention and FFN loads via an errgroup, then runs the
// batch F32→F16 downcast over the layer's matmul weights (spec §4.9).
func (l *Loader) loadLayer(ctx context.Context, reader *trackedTensorReader, layer int) (*LayerWeights, error) {
	idx := l.tensorIndex
	lw := &LayerWeights{}

	g, gctx := errgroup.WithContext(ctx)

	mustLoad := func(slot string, dst *WeightBuffer) {
		g.Go(func() error {
			name, loc, ok := resolveLayerTensor(idx, layer, slot)
			if !ok {
				return fmt.Errorf("%w: layer %d slot %q", ErrTensorNotFound, layer, slot)
			}
			lt, err := l.loadOne(gctx, reader, name, loc)
			if err != nil {
				return err
			}
			l.state.TrackWeight(lt.Weight)
			*dst = lt.Weight
			return nil
		})
	}
	optLoad := func(slot string, dst **WeightBuffer) {
		g.Go(func() error {
			w, err := l.loadOptional(gctx, reader, idx, layer, slot)
			if err != nil {
				return nil // loadOptional already swallows and warns
			}
			*dst = w
			return nil
		})
	}

	mustLoad("attnNorm", &lw.AttnNorm)
	mustLoad("qProj", &lw.QProj)
	mustLoad("kProj", &lw.KProj)
	mustLoad("vProj", &lw.VProj)
	mustLoad("oProj", &lw.OProj)
	optLoad("qNorm", &lw.QNorm)
	optLoad("kNorm", &lw.KNorm)
	optLoad("postAttentionNorm", &lw.PostAttentionNorm)
	optLoad("preFeedforwardNorm", &lw.PreFeedforwardNorm)
	optLoad("postFeedforwardNorm", &lw.PostFeedforwardNorm)
	optLoad("attentionSinks", &lw.AttentionSinks)

	if l.isExpertLayer(layer) {
		mustLoad("routerWeight", ptrField(&lw.RouterWeight))
		optLoad("routerBias", &lw.RouterBias)
	} else if _, _, ok := resolveLayerTensor(idx, layer, "ffnGateUp"); ok {
		mustLoad("ffnGateUp", ptrField(&lw.FFNGateUp))
	} else {
		// Neither fused nor split FFN weights resolving is fatal: a
		// dense layer with no FFN at all is not a model this loader
		// can run (spec §4.9's LoadLayer, "gate+up required when the
		// fused tensor is absent").
		mustLoad("ffnGate", ptrField(&lw.FFNGate))
		mustLoad("ffnUp", ptrField(&lw.FFNUp))
	}
	if !l.isExpertLayer(layer) {
		mustLoad("ffnDown", ptrField(&lw.FFNDown))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := lw.downcastCandidates()
	if len(candidates) > 0 {
		downcasted := Downcast(ctx, l.device, l.q4kCfg.KeepF32Weights, &l.log, candidates)
		// Each slot's buffer was already tracked when it loaded; a slot
		// Downcast actually converted now points at a different buffer,
		// so the state's ownership record has to move with it.
		for i, c := range candidates {
			if downcasted[i].Weight.Buffer != c.Weight.Buffer {
				l.state.Untrack(c.Weight.Buffer)
				l.state.TrackWeight(downcasted[i].Weight)
			}
		}
		lw.applyDowncast(downcasted)
	}

	return lw, nil
}

// ptrField allocates the zero WeightBuffer a LayerWeights optional
// pointer field points to and returns it, adapting mustLoad's
// *WeightBuffer signature to fields that are only conditionally
// required (router weight in an expert layer, FFN slots whichever
// form is present) rather than always-present like AttnNorm.
func ptrField(field **WeightBuffer) *WeightBuffer {
	*field = &WeightBuffer{}
	return *field
}

// downcastCandidates gathers the layer's F32 matmul weights eligible
// for the opportunistic F32→F16 pass (spec §4.5).
func (lw *LayerWeights) downcastCandidates() []DowncastCandidate {
	var out []DowncastCandidate
	add := func(key string, w *WeightBuffer) {
		if w != nil && w.Buffer != nil {
			out = append(out, DowncastCandidate{Key: key, Weight: *w})
		}
	}
	add("qProj", &lw.QProj)
	add("kProj", &lw.KProj)
	add("vProj", &lw.VProj)
	add("oProj", &lw.OProj)
	add("ffnGate", lw.FFNGate)
	add("ffnUp", lw.FFNUp)
	add("ffnDown", lw.FFNDown)
	add("ffnGateUp", lw.FFNGateUp)
	add("routerWeight", lw.RouterWeight)
	return out
}

func (lw *LayerWeights) applyDowncast(cands []DowncastCandidate) {
	byKey := make(map[string]WeightBuffer, len(cands))
	for _, c := range cands {
		byKey[c.Key] = c.Weight
	}
	if w, ok := byKey["qProj"]; ok {
		lw.QProj = w
	}
	if w, ok := byKey["kProj"]; ok {
		lw.KProj = w
	}
	if w, ok := byKey["vProj"]; ok {
		lw.VProj = w
	}
	if w, ok := byKey["oProj"]; ok {
		lw.OProj = w
	}
	if w, ok := byKey["ffnGate"]; ok && lw.FFNGate != nil {
		*lw.FFNGate = w
	}
	if w, ok := byKey["ffnUp"]; ok && lw.FFNUp != nil {
		*lw.FFNUp = w
	}
	if w, ok := byKey["ffnDown"]; ok && lw.FFNDown != nil {
		*lw.FFNDown = w
	}
	if w, ok := byKey["ffnGateUp"]; ok && lw.FFNGateUp != nil {
		*lw.FFNGateUp = w
	}
	if w, ok := byKey["routerWeight"]; ok && lw.RouterWeight != nil {
		*lw.RouterWeight = w
	}
}

// finalNormCandidates and lmHeadCandidates are the candidate name
// lists spec §4.9's LoadFinalWeights tries, in order.
var finalNormCandidates = []string{
	"language_model.model.norm.weight", "model.norm.weight", "norm.weight", "output_norm.weight",
}
var lmHeadCandidates = []string{
	"language_model.lm_head.weight", "lm_head.weight", "output.weight",
}

// loadFinalWeights implements spec §4.9's LoadFinalWeights phase: the
// final norm is required; the LM head is loaded the same way, falling
// back to aliasing the embeddings when tied, warning otherwise. The
// final norm keeps the dtype it loaded at; only a separately loaded,
// untied F32 LM head is downcast to F16 (device has "f16",
// KeepF32Weights unset).
func (l *Loader) loadFinalWeights(ctx context.Context, reader *trackedTensorReader) error {
	var normName string
	var normLoc TensorLocation
	var found bool
	for _, name := range finalNormCandidates {
		if loc, ok := l.tensorIndex.byName[name]; ok {
			normName, normLoc, found = name, loc, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: final norm", ErrTensorNotFound)
	}
	nlt, err := l.loadOne(ctx, reader, normName, normLoc)
	if err != nil {
		return fmt.Errorf("load final norm: %w", err)
	}
	l.state.SetFinalNorm(nlt.Weight)
	l.state.TrackWeight(nlt.Weight)

	tied := ptr.Deref(l.manifest.Inference.Output.TieWordEmbeddings, false)

	var lmName string
	var lmLoc TensorLocation
	var lmFound bool
	for _, name := range lmHeadCandidates {
		if loc, ok := l.tensorIndex.byName[name]; ok {
			lmName, lmLoc, lmFound = name, loc, true
			break
		}
	}

	if !lmFound {
		if tied {
			l.state.TieLMHeadToEmbeddings()
			return nil
		}
		l.log.Warn().Msg("no lm_head tensor found and tieWordEmbeddings is false")
		return nil
	}

	if streamed, cpu, err := l.maybeStream(ctx, reader, lmName, lmLoc); err != nil {
		return fmt.Errorf("load lm head: %w", err)
	} else if streamed {
		l.state.SetLMHeadCPU(cpu)
		return nil
	}

	llt, err := l.loadOne(ctx, reader, lmName, lmLoc)
	if err != nil {
		return fmt.Errorf("load lm head: %w", err)
	}
	w := llt.Weight
	if !tied && w.Dtype == DtypeF32 && l.device.HasCapability("f16") && !l.q4kCfg.KeepF32Weights {
		cands := Downcast(ctx, l.device, false, &l.log, []DowncastCandidate{{Key: "lmHead", Weight: w}})
		w = cands[0].Weight
	}
	l.state.SetLMHead(w)
	l.state.TrackWeight(w)
	return nil
}

// LoadExpert implements spec §4.9's LoadExpert phase: check the
// Expert LRU, then the GPT-OSS packed map, then load from shards,
// preloading only the shards this expert's tensors live in when the
// manifest maps them.
func (l *Loader) LoadExpert(ctx context.Context, layer, expert int) (ExpertWeights, error) {
	if w, ok := l.experts.Get(layer, expert); ok {
		return w, nil
	}
	if l.manifest.MoEConfig != nil && l.manifest.MoEConfig.ExpertFormat == MoEFormatGPTOSS {
		if w, ok := l.packedExperts[layer]; ok {
			return w, nil
		}
	}

	reader := NewTensorReader(l.shardBackend(), l.modelID, l.shardCache)
	for _, shard := range l.manifest.ExpertShardsFor(layer, expert) {
		if _, err := l.shardCache.Get(ctx, shard, 0, mustShardSize(l.manifest, shard), priorityLow); err != nil {
			return ExpertWeights{}, fmt.Errorf("preload expert (layer=%d, expert=%d) shard %d: %w", layer, expert, shard, err)
		}
	}

	switch l.manifest.MoEConfig.ExpertFormat {
	case MoEFormatMixtral:
		return l.loadMixtralExpert(ctx, reader, layer, expert)
	case MoEFormatGPTOSS:
		return l.loadGPTOSSExpert(ctx, reader, layer)
	default:
		return ExpertWeights{}, fmt.Errorf("%w: unrecognized expertFormat %q", ErrConfigMissing, l.manifest.MoEConfig.ExpertFormat)
	}
}

func mustShardSize(m *Manifest, shard int) int64 {
	sz, _ := m.ShardSize(shard)
	return sz
}

// mixtralExpertPrefixes names the two alternative prefix forms spec
// §4.9 calls out for the mixtral expert format.
var mixtralExpertPrefixes = []string{
	"model.layers.%d.block_sparse_moe.experts.%d",
	"model.layers.%d.mlp.experts.%d",
}

func (l *Loader) loadMixtralExpert(ctx context.Context, reader *TensorReader, layer, expert int) (ExpertWeights, error) {
	slots := map[string]string{"gate": "w1", "up": "w3", "down": "w2"}
	found := make(map[string]TensorLocation, 3)
	names := make(map[string]string, 3)

	for _, prefix := range mixtralExpertPrefixes {
		base := fmt.Sprintf(prefix, layer, expert)
		allFound := true
		candidate := make(map[string]TensorLocation, 3)
		candidateNames := make(map[string]string, 3)
		for slot, suffix := range slots {
			name := base + "." + suffix + ".weight"
			loc, ok := l.tensorIndex.byName[name]
			if !ok {
				allFound = false
				break
			}
			candidate[slot] = loc
			candidateNames[slot] = name
		}
		if allFound {
			found, names = candidate, candidateNames
			break
		}
	}
	if len(found) != 3 {
		return ExpertWeights{}, &ExpertWeightMissingError{Layer: layer, Expert: expert, Format: MoEFormatMixtral, Tensor: "gate/up/down"}
	}

	extra := make(map[string]WeightBuffer, 3)
	for _, slot := range []string{"gate", "up", "down"} {
		loc := found[slot]
		bytes, err := reader.Read(ctx, loc, priorityLow)
		if err != nil {
			return ExpertWeights{}, fmt.Errorf("read expert tensor %q: %w", names[slot], err)
		}
		lt, err := l.tLoader.LoadTensor(ctx, bytes, loc, names[slot], l.tensorLoaderConfig())
		if err != nil {
			return ExpertWeights{}, fmt.Errorf("decode expert tensor %q: %w", names[slot], err)
		}
		extra[slot] = lt.Weight
	}

	candidates := []DowncastCandidate{
		{Key: "gate", Weight: extra["gate"]},
		{Key: "up", Weight: extra["up"]},
		{Key: "down", Weight: extra["down"]},
	}
	// Downcast releases each old F32 buffer and replaces it with a new
	// F16 one; extra is the sole holder of the buffer reference, so it
	// alone reflects the post-downcast state.
	downcasted := Downcast(ctx, l.device, l.q4kCfg.KeepF32Weights, &l.log, candidates)
	for _, c := range downcasted {
		extra[c.Key] = c.Weight
	}

	ew := ExpertWeights{Extra: extra}
	size := l.manifest.ExpertBytesFor(layer, expert)
	if err := l.experts.Put(ctx, layer, expert, ew, size); err != nil {
		return ExpertWeights{}, err
	}
	return ew, nil
}

// gptOSSPackedSuffixes are the packed-block tensor slots shared
// across every expert of a layer in the gpt-oss format (spec §4.9).
var gptOSSPackedSuffixes = map[string]string{
	"gateUpBlocks": "gate_up_proj_blocks",
	"gateUpScales": "gate_up_proj_scales",
	"gateUpBias":   "gate_up_proj_bias",
	"downBlocks":   "down_proj_blocks",
	"downScales":   "down_proj_scales",
	"downBias":     "down_proj_bias",
}

func (l *Loader) loadGPTOSSExpert(ctx context.Context, reader *TensorReader, layer int) (ExpertWeights, error) {
	extra := make(map[string]WeightBuffer, len(gptOSSPackedSuffixes))
	for prefixIdx := range layerPrefixes {
		base := fmt.Sprintf(layerPrefixes[prefixIdx], layer)
		allFound := true
		candidate := make(map[string]WeightBuffer, len(gptOSSPackedSuffixes))
		for slot, suffix := range gptOSSPackedSuffixes {
			name := base + ".mlp.experts." + suffix
			loc, ok := l.tensorIndex.byName[name]
			if !ok {
				allFound = false
				break
			}
			bytes, err := reader.Read(ctx, loc, priorityLow)
			if err != nil {
				return ExpertWeights{}, fmt.Errorf("read packed expert tensor %q: %w", name, err)
			}
			lt, err := l.tLoader.LoadTensor(ctx, bytes, loc, name, l.tensorLoaderConfig())
			if err != nil {
				return ExpertWeights{}, fmt.Errorf("decode packed expert tensor %q: %w", name, err)
			}
			candidate[slot] = lt.Weight
		}
		if allFound {
			extra = candidate
			break
		}
	}
	if len(extra) != len(gptOSSPackedSuffixes) {
		return ExpertWeights{}, &ExpertWeightMissingError{Layer: layer, Format: MoEFormatGPTOSS, Tensor: "gate_up/down packed blocks"}
	}

	ew := ExpertWeights{Extra: extra}
	l.packedExperts[layer] = ew
	for _, wb := range extra {
		l.state.TrackWeight(wb)
	}
	return ew, nil
}
