package weightload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseShardFilename(t *testing.T) {
	cases := []struct {
		given    string
		expected *ShardFilename
	}{
		{
			given:    "llama-3-70b-00001-of-00008.bin",
			expected: &ShardFilename{Prefix: "llama-3-70b", Shard: 1, ShardTotal: 8, Ext: "bin"},
		},
		{
			given:    "model-00008-of-00008.safetensors",
			expected: &ShardFilename{Prefix: "model", Shard: 8, ShardTotal: 8, Ext: "safetensors"},
		},
		{
			given:    "model.bin",
			expected: nil,
		},
		{
			given:    "model-1-of-8.bin",
			expected: nil,
		},
	}
	for _, c := range cases {
		t.Run(c.given, func(t *testing.T) {
			assert.Equal(t, c.expected, ParseShardFilename(c.given))
		})
	}
}

func TestShardFilenameRoundTrip(t *testing.T) {
	f := ShardFilename{Prefix: "qwen2-7b", Shard: 3, ShardTotal: 8, Ext: "bin"}
	assert.Equal(t, "qwen2-7b-00003-of-00008.bin", f.String())
	assert.Equal(t, 2, f.Index())
	assert.True(t, IsShardFilename(f.String()))
}

func TestShardFilenameShardFilenames(t *testing.T) {
	f := ShardFilename{Prefix: "p", Shard: 1, ShardTotal: 3, Ext: "bin"}
	assert.Equal(t, []string{
		"p-00001-of-00003.bin",
		"p-00002-of-00003.bin",
		"p-00003-of-00003.bin",
	}, f.ShardFilenames())
}

func TestSingleFileShardName(t *testing.T) {
	assert.Equal(t, "model.bin", SingleFileShardName("model", "bin"))
	assert.Equal(t, "model.bin", SingleFileShardName("model.bin", "bin"))
}
