package weightload

import "fmt"

// TensorIndex is the built-once name→location map the orchestrator
// constructs during its BuildTensorIndex phase (spec §3, §4.9). It is
// a thin, read-mostly wrapper over the manifest's own Tensors map,
// existing as its own type so the rest of the pipeline depends on a
// narrow lookup surface rather than the full Manifest.
type TensorIndex struct {
	byName map[string]TensorLocation
}

// BuildTensorIndex constructs a TensorIndex from a parsed manifest.
func BuildTensorIndex(m *Manifest) *TensorIndex {
	idx := &TensorIndex{byName: make(map[string]TensorLocation, len(m.Tensors))}
	for name, loc := range m.Tensors {
		loc.normalizeLegacyShard()
		idx.byName[name] = loc
	}
	return idx
}

// Lookup returns the location of the named tensor, or ErrTensorNotFound
// wrapped with the tensor's name.
func (idx *TensorIndex) Lookup(name string) (TensorLocation, error) {
	loc, ok := idx.byName[name]
	if !ok {
		return TensorLocation{}, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	return loc, nil
}

// Has reports whether the index has an entry for name, without the
// error-wrapping cost of Lookup.
func (idx *TensorIndex) Has(name string) bool {
	_, ok := idx.byName[name]
	return ok
}

// Len returns the number of indexed tensors.
func (idx *TensorIndex) Len() int { return len(idx.byName) }

// Names returns every indexed tensor name, order undefined. Intended
// for diagnostics and tests, not the load's hot path.
func (idx *TensorIndex) Names() []string {
	names := make([]string, 0, len(idx.byName))
	for name := range idx.byName {
		names = append(names, name)
	}
	return names
}

// ShardsTouched returns the sorted, de-duplicated set of shard indices
// referenced by the named tensors' Spans. The orchestrator's
// IntegrityCheck phase does not use it; it verifies every shard the
// manifest declares.
func (idx *TensorIndex) ShardsTouched(names ...string) []int {
	seen := make(map[int]struct{})
	for _, name := range names {
		loc, ok := idx.byName[name]
		if !ok {
			continue
		}
		for _, sp := range loc.Spans {
			seen[sp.Shard] = struct{}{}
		}
	}
	shards := make([]int, 0, len(seen))
	for s := range seen {
		shards = append(shards, s)
	}
	for i := 1; i < len(shards); i++ {
		for j := i; j > 0 && shards[j-1] > shards[j]; j-- {
			shards[j-1], shards[j] = shards[j], shards[j-1]
		}
	}
	return shards
}

// AllShardsTouched returns the sorted, de-duplicated set of shard
// indices referenced by every indexed tensor.
func (idx *TensorIndex) AllShardsTouched() []int {
	names := idx.Names()
	return idx.ShardsTouched(names...)
}
