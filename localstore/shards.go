package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gpustack/weightload"
)

// discoverShards lists dir for files following the sharded-archive
// naming convention (weightload.ShardFilename) and returns their
// paths ordered by shard index. A directory with no such files but
// exactly one other regular file (besides the manifest) is treated as
// a single-shard, unsharded archive.
func discoverShards(dir, manifestName string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read model directory %q: %w", dir, err)
	}

	type found struct {
		path string
		sf   *weightload.ShardFilename
	}
	var shards []found
	var loose []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == manifestName {
			continue
		}
		if sf := weightload.ParseShardFilename(e.Name()); sf != nil {
			shards = append(shards, found{path: filepath.Join(dir, e.Name()), sf: sf})
			continue
		}
		loose = append(loose, filepath.Join(dir, e.Name()))
	}

	if len(shards) > 0 {
		sort.Slice(shards, func(i, j int) bool { return shards[i].sf.Index() < shards[j].sf.Index() })
		out := make([]string, len(shards))
		for i, s := range shards {
			if s.sf.Index() != i {
				return nil, fmt.Errorf("model directory %q: shard files are not contiguously numbered from 1 (gap at index %d)", dir, i)
			}
			out[i] = s.path
		}
		return out, nil
	}

	if len(loose) == 1 {
		return loose, nil
	}
	return nil, fmt.Errorf("model directory %q: found %d candidate shard files, expected exactly 1 unsharded file or a contiguous sharded set", dir, len(loose))
}
