// Package httpstore is a weightload.StorageBackend reading a sharded
// model archive served over HTTP, generalizing the archive parser's
// own ParseGGUFFileRemote + util/httpx.SeekerFile ranged-read
// machinery (file_remote.go) from "one remote GGUF file" to
// "per-shard ranged fetches against a manifest-described archive".
// Requests reuse util/httpx's DNS-cached transport and optional
// request/response logging exactly as the archive parser wires them.
package httpstore
