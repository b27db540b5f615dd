package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpustack/weightload"
)

func writeModel(t *testing.T, dir, modelID string, shards [][]byte) {
	t.Helper()
	modelDir := filepath.Join(dir, modelID)
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	total := len(shards)
	for i, data := range shards {
		var name string
		if total == 1 {
			name = weightload.SingleFileShardName(modelID, "bin")
		} else {
			name = weightload.ShardFilename{Prefix: modelID, Shard: i + 1, ShardTotal: total, Ext: "bin"}.String()
		}
		require.NoError(t, os.WriteFile(filepath.Join(modelDir, name), data, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "manifest.json"), []byte(`{}`), 0o644))
}

func TestStoreOpenShardAndRange(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "model-a", [][]byte{
		[]byte("0123456789"),
		[]byte("abcdefghij"),
	})

	s := New(dir)
	ctx := context.Background()

	size, err := s.ShardSize(ctx, "model-a", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	got, err := s.ReadShardRange(ctx, "model-a", 1, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("defg"), got)

	rs, err := s.OpenShard(ctx, "model-a", 0)
	require.NoError(t, err)
	all, err := io.ReadAll(rs)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), all)
}

func TestStoreSingleFileArchive(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "solo", [][]byte{[]byte("onlyshard")})

	s := New(dir)
	ctx := context.Background()
	got, err := s.ReadShardRange(ctx, "solo", 0, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("only"), got)
}

func TestStoreMMapRead(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "mmapped", [][]byte{[]byte("0123456789")})

	s := New(dir)
	s.MMap = true
	ctx := context.Background()

	got, err := s.ReadShardRange(ctx, "mmapped", 0, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("23456"), got)
	require.NoError(t, s.Close())
}

func TestVerifyIntegrity(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello shard")
	writeModel(t, dir, "verify-me", [][]byte{data})

	sum := sha256.Sum256(data)
	m := &weightload.Manifest{
		HashAlgorithm: "sha256",
		Shards:        []weightload.ShardDescriptor{{Size: int64(len(data)), Hash: hex.EncodeToString(sum[:])}},
	}

	s := New(dir)
	missing, corrupt, err := s.VerifyIntegrity(context.Background(), "verify-me", m)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Empty(t, corrupt)
}

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "bad-hash", [][]byte{[]byte("hello shard")})

	m := &weightload.Manifest{
		HashAlgorithm: "sha256",
		Shards:        []weightload.ShardDescriptor{{Size: 11, Hash: "not-the-real-hash"}},
	}

	s := New(dir)
	missing, corrupt, err := s.VerifyIntegrity(context.Background(), "bad-hash", m)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, []int{0}, corrupt)
}

func TestVerifyIntegrityDetectsMissingShard(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "missing-shard", [][]byte{[]byte("hello shard")})

	m := &weightload.Manifest{
		Shards: []weightload.ShardDescriptor{{Size: 11}, {Size: 20}},
	}

	s := New(dir)
	missing, corrupt, err := s.VerifyIntegrity(context.Background(), "missing-shard", m)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, missing)
	assert.Empty(t, corrupt)
}
