// Package devicesim is a software reference implementation of the
// weightload.Device/BufferPool/Kernels collaborators, sufficient to
// drive every dispatch path in the Tensor Loader (fused Q4_K, Q6_K
// dequant, BF16/F16/F32 casts, the norm-offset transform) without
// real GPU hardware.
//
// It is a test/demo double: buffers are plain host byte slices and
// every kernel runs on the CPU. A production Device backed by CUDA,
// Metal, or Vulkan is expected to satisfy the same interfaces; this
// package exists so weightload's own test suite can exercise its
// contract end to end.
package devicesim
