// Package localstore is a filesystem-backed weightload.StorageBackend:
// a model's manifest and shards live as plain files under one
// directory per model ID. Ranged reads go through an io.SectionReader
// over an mmap'd file when Store.MMap is set, or over a plainly opened
// file otherwise, generalizing the archive parser's own
// ParseGGUFFile local-read path (file.go's osx.OpenMmapFile +
// io.NewSectionReader idiom) from "read one GGUF file" to "read shard
// N of a sharded archive".
package localstore
