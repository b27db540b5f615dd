// Package weightload loads a sharded, content-addressed model-weight
// archive into GPU-resident weight buffers for a local transformer
// inference runtime.
//
// The package owns the loading pipeline only: shard caching with
// request deduplication, tensor-location resolution across shards,
// dtype-aware decoding of block-quantized formats, staged conversion
// with explicit GPU-buffer lifetime accounting, and a memory-bounded
// LRU cache for mixture-of-experts weights. The archive format parser,
// the GPU device/kernels, the blob-storage backend, and the inference
// engine consuming the loaded weights are external collaborators
// whose interfaces are declared in storage.go and gpu.go; production
// implementations live outside this package, while localstore,
// httpstore, and devicesim provide reference implementations used by
// this package's own tests.
package weightload
