package weightload

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gpustack/weightload/util/funcx"
)

// ShardFilename describes the naming convention a sharded model
// archive's files follow on disk: "<prefix>-00001-of-00008.<ext>",
// generalized from the archive-format parser's own GGUF shard suffix
// convention to whatever extension the manifest names. localstore
// uses it to discover and order a model's shard files when the
// manifest itself carries no explicit per-shard path list (spec §6's
// StorageBackend).
type ShardFilename struct {
	Prefix     string
	Shard      int
	ShardTotal int
	Ext        string
}

var shardFilenameRegex = regexp.MustCompile(`^(?P<Prefix>.+)-(?P<Shard>\d{5})-of-(?P<ShardTotal>\d{5})\.(?P<Ext>[A-Za-z0-9]+)$`)

// ParseShardFilename parses name as a sharded-archive filename, or
// returns nil if it does not follow the convention.
func ParseShardFilename(name string) *ShardFilename {
	m := make(map[string]string)
	{
		r := shardFilenameRegex.FindStringSubmatch(name)
		if r == nil {
			return nil
		}
		for i, ne := range shardFilenameRegex.SubexpNames() {
			if i != 0 && i < len(r) {
				m[ne] = r[i]
			}
		}
	}
	return &ShardFilename{
		Prefix:     m["Prefix"],
		Shard:      parseInt(m["Shard"]),
		ShardTotal: parseInt(m["ShardTotal"]),
		Ext:        m["Ext"],
	}
}

// String renders the canonical "<prefix>-00001-of-00008.<ext>" form.
func (f ShardFilename) String() string {
	return fmt.Sprintf("%s-%05d-of-%05d.%s", f.Prefix, f.Shard, f.ShardTotal, f.Ext)
}

// Index returns the shard's 0-based index into the manifest's Shards
// slice; the on-disk numbering is 1-based.
func (f ShardFilename) Index() int { return f.Shard - 1 }

// ShardFilenames returns the full ordered set of filenames implied by
// f.ShardTotal, used by localstore to check every expected shard file
// is present before a load proceeds.
func (f ShardFilename) ShardFilenames() []string {
	out := make([]string, 0, f.ShardTotal)
	for i := 1; i <= f.ShardTotal; i++ {
		out = append(out, ShardFilename{Prefix: f.Prefix, Shard: i, ShardTotal: f.ShardTotal, Ext: f.Ext}.String())
	}
	return out
}

// IsShardFilename reports whether name follows the sharded-archive
// naming convention.
func IsShardFilename(name string) bool {
	return shardFilenameRegex.MatchString(name)
}

// SingleFileShardName returns the filename a single-shard (unsharded)
// archive uses: "<prefix>.<ext>" with no shard suffix.
func SingleFileShardName(prefix, ext string) string {
	if strings.HasSuffix(prefix, "."+ext) {
		return prefix
	}
	return prefix + "." + ext
}

func parseInt(v string) int {
	if v == "" {
		return 0
	}
	return int(funcx.MustNoError(strconv.ParseInt(v, 10, 64)))
}
