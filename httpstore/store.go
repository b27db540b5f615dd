package httpstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/gpustack/weightload"
	"github.com/gpustack/weightload/util/httpx"
)

// Store is a weightload.StorageBackend reading a manifest and its
// shards from a remote base URL: "<BaseURL>/<modelID>/manifest.json"
// and "<BaseURL>/<modelID>/<shard filename>", the latter resolved
// against the manifest's own declared shard count the same way
// localstore resolves on-disk shard files.
type Store struct {
	BaseURL string

	// BearerAuthToken, if set, is sent as an Authorization header on
	// every request (spec §6's StorageBackend is credential-agnostic;
	// this mirrors the archive parser's own BearerAuthToken option).
	BearerAuthToken string
	Debug           bool

	// ShardFilename names shard i (0-based) of shardTotal for modelID,
	// defaulting to weightload.ShardFilename's
	// "<modelID>-00001-of-0000N.bin" convention for shardTotal > 1 and
	// a bare "<modelID>.bin" otherwise.
	ShardFilename func(modelID string, shard, shardTotal int) string

	once sync.Once
	cli  *http.Client

	mu         sync.Mutex
	shardTotal map[string]int
}

// IsRemote implements weightload.remoteBackend, telling the
// Orchestrator to size its Shard Cache for network latency rather
// than a local disk's (spec §4.1).
func (s *Store) IsRemote() bool { return true }

func (s *Store) client() *http.Client {
	s.once.Do(func() {
		opt := httpx.ClientOptions().WithUserAgent("weightload")
		if s.Debug {
			opt = opt.WithDebug()
		}
		if s.BearerAuthToken != "" {
			opt = opt.WithBearerAuth(s.BearerAuthToken)
		}
		s.cli = httpx.Client(opt)
	})
	return s.cli
}

func (s *Store) shardFilename(modelID string, shard, shardTotal int) string {
	if s.ShardFilename != nil {
		return s.ShardFilename(modelID, shard, shardTotal)
	}
	if shardTotal <= 1 {
		return weightload.SingleFileShardName(modelID, "bin")
	}
	return weightload.ShardFilename{Prefix: modelID, Shard: shard + 1, ShardTotal: shardTotal, Ext: "bin"}.String()
}

func (s *Store) manifestURL(modelID string) string {
	return strings.TrimSuffix(s.BaseURL, "/") + "/" + path.Join(modelID, "manifest.json")
}

func (s *Store) shardURL(modelID string, shard int) (string, error) {
	total, err := s.cachedShardTotal(modelID)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(s.BaseURL, "/") + "/" + path.Join(modelID, s.shardFilename(modelID, shard, total)), nil
}

func (s *Store) cachedShardTotal(modelID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.shardTotal[modelID]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("httpstore: shard layout for model %q is unknown; OpenManifest must be called before any shard read", modelID)
}

func (s *Store) rememberShardTotal(modelID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shardTotal == nil {
		s.shardTotal = make(map[string]int)
	}
	s.shardTotal[modelID] = n
}

// OpenManifest fetches the manifest and remembers its declared shard
// count for subsequent shard URL resolution.
func (s *Store) OpenManifest(ctx context.Context, modelID string) ([]byte, error) {
	req, err := httpx.NewGetRequestWithContext(ctx, s.manifestURL(modelID))
	if err != nil {
		return nil, fmt.Errorf("httpstore: new manifest request: %w", err)
	}
	var data []byte
	err = httpx.Do(s.client(), req, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status code %d", resp.StatusCode)
		}
		var readErr error
		data, readErr = io.ReadAll(resp.Body)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("httpstore: fetch manifest %q: %w", s.manifestURL(modelID), err)
	}

	m, err := weightload.ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("httpstore: parse manifest for shard layout: %w", err)
	}
	s.rememberShardTotal(modelID, len(m.Shards))
	return data, nil
}

// OpenShard opens shard i as a ranged, lazily-fetching ReadSeeker
// (util/httpx.SeekerFile).
func (s *Store) OpenShard(ctx context.Context, modelID string, shard int) (io.ReadSeeker, error) {
	u, err := s.shardURL(modelID, shard)
	if err != nil {
		return nil, err
	}
	req, err := httpx.NewGetRequestWithContext(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("httpstore: new shard request: %w", err)
	}
	sf, err := httpx.OpenSeekerFile(s.client(), req)
	if err != nil {
		return nil, fmt.Errorf("httpstore: open shard %d (%q): %w", shard, u, err)
	}
	return &seekerFileSeeker{sf: sf}, nil
}

// ReadShardRange performs a single ranged GET for exactly size bytes
// starting at offset, without holding a persistent SeekerFile for the
// whole shard (spec §4.1, §4.3's partial-read path).
func (s *Store) ReadShardRange(ctx context.Context, modelID string, shard int, offset, size int64) ([]byte, error) {
	u, err := s.shardURL(modelID, shard)
	if err != nil {
		return nil, err
	}
	req, err := httpx.NewGetRequestWithContext(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("httpstore: new shard range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))

	var data []byte
	err = httpx.Do(s.client(), req, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status code %d", resp.StatusCode)
		}
		var readErr error
		data, readErr = io.ReadAll(resp.Body)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("httpstore: read shard %d range [%d,%d): %w", shard, offset, offset+size, err)
	}
	if int64(len(data)) < size {
		return nil, &weightload.ShardTooSmallError{ShardIndex: shard, ShardSize: int64(len(data)), WantOffset: offset, WantSize: size}
	}
	return data[:size], nil
}

// ShardSize performs a HEAD request to learn shard i's content length.
func (s *Store) ShardSize(ctx context.Context, modelID string, shard int) (int64, error) {
	u, err := s.shardURL(modelID, shard)
	if err != nil {
		return 0, err
	}
	req, err := httpx.NewHeadRequestWithContext(ctx, u)
	if err != nil {
		return 0, fmt.Errorf("httpstore: new shard head request: %w", err)
	}
	var size int64
	err = httpx.Do(s.client(), req, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status code %d", resp.StatusCode)
		}
		size = resp.ContentLength
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("httpstore: head shard %d (%q): %w", shard, u, err)
	}
	return size, nil
}

// seekerFileSeeker adapts httpx.SeekerFile (an io.ReaderAt with Len)
// to io.ReadSeeker, the contract OpenShard promises.
type seekerFileSeeker struct {
	sf  *httpx.SeekerFile
	off int64
}

func (s *seekerFileSeeker) Read(p []byte) (int, error) {
	n, err := s.sf.ReadAt(p, s.off)
	s.off += int64(n)
	return n, err
}

func (s *seekerFileSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.off = offset
	case io.SeekCurrent:
		s.off += offset
	case io.SeekEnd:
		s.off = s.sf.Len() + offset
	default:
		return 0, fmt.Errorf("httpstore: invalid whence %d", whence)
	}
	return s.off, nil
}

func (s *seekerFileSeeker) Close() error { return s.sf.Close() }

var _ weightload.StorageBackend = (*Store)(nil)
