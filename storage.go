package weightload

import (
	"context"
	"io"
)

// StorageBackend is the external collaborator that knows how to read
// shard bytes and the manifest itself, whether from a local
// filesystem, an HTTP-served bucket, or anything else (spec §6). The
// core ships two reference implementations, localstore and httpstore,
// but a host may supply its own.
type StorageBackend interface {
	// OpenManifest returns the raw manifest bytes for modelID.
	OpenManifest(ctx context.Context, modelID string) ([]byte, error)

	// OpenShard returns a ReadSeeker over shard i's full contents.
	// The returned ReadSeeker's Close, if it implements io.Closer,
	// is called by the caller once no longer needed.
	OpenShard(ctx context.Context, modelID string, shard int) (io.ReadSeeker, error)

	// ReadShardRange reads exactly size bytes from shard i starting
	// at offset, without requiring the whole shard be resident. This
	// is the path the Shard Cache and Tensor Reader use for partial
	// reads (spec §4.1, §4.3); OpenShard remains available for
	// backends that only know how to hand back a seekable stream.
	ReadShardRange(ctx context.Context, modelID string, shard int, offset, size int64) ([]byte, error)

	// ShardSize reports the backend's own view of shard i's size, used
	// to validate against the manifest's declared size before trusting
	// any offset computed from it (spec §4.9's IntegrityCheck phase).
	ShardSize(ctx context.Context, modelID string, shard int) (int64, error)
}

// ManifestParser turns raw manifest bytes into a Manifest. The core's
// ParseManifest (manifest.go) is the default; a host may supply a
// richer parser that understands additional archive conventions,
// provided it still normalizes legacy span/shard encodings before
// returning (spec §6).
type ManifestParser interface {
	Parse(data []byte) (*Manifest, error)
}

// ManifestParserFunc adapts a function to a ManifestParser.
type ManifestParserFunc func(data []byte) (*Manifest, error)

func (f ManifestParserFunc) Parse(data []byte) (*Manifest, error) { return f(data) }

// defaultManifestParser wraps the package-level ParseManifest.
var defaultManifestParser ManifestParser = ManifestParserFunc(ParseManifest)
