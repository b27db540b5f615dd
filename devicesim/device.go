package devicesim

import "github.com/gpustack/weightload"

// Device is devicesim's weightload.Device: a fixed set of advertised
// capabilities and binding limits alongside its Pool and Kernels.
// Construct via NewDevice; the zero value has no capabilities and a
// zero binding limit, which would make every matmul weight stream
// (spec §4.9), rarely what a test wants.
type Device struct {
	pool         *Pool
	kernels      Kernels
	capabilities map[string]bool

	maxStorageBufferBindingSize uint64
	maxBufferSize                uint64
}

// DeviceConfig seeds a Device's capability/limit advertisement.
type DeviceConfig struct {
	// Budget bounds the underlying Pool's total allocation (0 for
	// unbounded).
	Budget uint64

	// Capabilities lists the capability names HasCapability reports
	// true for (e.g. "bf16", "q6k", "subgroups").
	Capabilities []string

	MaxStorageBufferBindingSize uint64
	MaxBufferSize                uint64
}

// DefaultDeviceConfig returns limits generous enough that the
// streaming path is not hit by ordinary test fixtures, and every
// capability the Tensor Loader's dispatch table consults.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Capabilities:                 []string{"f16", "bf16", "q6k", "subgroups"},
		MaxStorageBufferBindingSize: 2 << 30,
		MaxBufferSize:                4 << 30,
	}
}

// NewDevice constructs a Device from cfg.
func NewDevice(cfg DeviceConfig) *Device {
	caps := make(map[string]bool, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps[c] = true
	}
	return &Device{
		pool:                         NewPool(cfg.Budget),
		capabilities:                 caps,
		maxStorageBufferBindingSize: cfg.MaxStorageBufferBindingSize,
		maxBufferSize:                cfg.MaxBufferSize,
	}
}

func (d *Device) BufferPool() weightload.BufferPool { return d.pool }
func (d *Device) Kernels() weightload.Kernels       { return d.kernels }

func (d *Device) HasCapability(name string) bool { return d.capabilities[name] }

func (d *Device) MaxStorageBufferBindingSize() uint64 { return d.maxStorageBufferBindingSize }
func (d *Device) MaxBufferSize() uint64                { return d.maxBufferSize }

// Pool exposes the underlying Pool for tests that want to inspect
// AvailableBytes or force a tight budget mid-test.
func (d *Device) Pool() *Pool { return d.pool }

var _ weightload.Device = (*Device)(nil)
