package httpstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, manifest string, shards map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/model-a/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(manifest))
	})
	for name, data := range shards {
		data := data
		mux.HandleFunc("/model-a/"+name, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Accept-Ranges", "bytes")
			if rng := r.Header.Get("Range"); rng != "" {
				var start, end int
				_, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
				require.NoError(t, err)
				w.Header().Set("Content-Length", fmt.Sprintf("%d", end-start+1))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(data[start : end+1])
				return
			}
			if r.Method == http.MethodHead {
				w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
				return
			}
			_, _ = w.Write(data)
		})
	}
	return httptest.NewServer(mux)
}

func TestStoreOpenManifestAndShardRange(t *testing.T) {
	manifest := `{"shards":[{"size":10},{"size":10}]}`
	srv := newTestServer(t, manifest, map[string][]byte{
		"model-a-00001-of-00002.bin": []byte("0123456789"),
		"model-a-00002-of-00002.bin": []byte("abcdefghij"),
	})
	defer srv.Close()

	s := &Store{BaseURL: srv.URL}
	ctx := context.Background()

	data, err := s.OpenManifest(ctx, "model-a")
	require.NoError(t, err)
	assert.Equal(t, manifest, string(data))

	assert.True(t, s.IsRemote())

	got, err := s.ReadShardRange(ctx, "model-a", 1, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("cdef"), got)

	size, err := s.ShardSize(ctx, "model-a", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestStoreShardReadBeforeManifestFails(t *testing.T) {
	s := &Store{BaseURL: "http://example.invalid"}
	_, err := s.ReadShardRange(context.Background(), "model-a", 0, 0, 4)
	assert.Error(t, err)
}

func TestStoreOpenShard(t *testing.T) {
	manifest := `{"shards":[{"size":9}]}`
	srv := newTestServer(t, manifest, map[string][]byte{
		"model-a.bin": []byte("onlyshard"),
	})
	defer srv.Close()

	s := &Store{BaseURL: srv.URL}
	ctx := context.Background()
	_, err := s.OpenManifest(ctx, "model-a")
	require.NoError(t, err)

	rs, err := s.OpenShard(ctx, "model-a", 0)
	require.NoError(t, err)
	all, err := io.ReadAll(rs)
	require.NoError(t, err)
	assert.Equal(t, []byte("onlyshard"), all)
}
