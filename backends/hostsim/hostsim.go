// Package hostsim implements a simulated device backend for convtune that runs
// entirely on host memory.
//
// It is not fast, but it is portable and faithful to the device model: buffers
// are opaque byte blobs reached only through stream primitives, convolution
// algorithms are enumerable families with genuinely different execution paths
// and scratch requirements, and runs are timed. It serves as the default
// backend for tests and demos, the same role a pure-Go reference backend plays
// for a real accelerator stack.
package hostsim

import (
	"fmt"
	"strconv"

	"github.com/gomlx/convtune/backends"
)

// BackendName to be used in CONVTUNE_BACKEND to specify this backend.
const BackendName = "hostsim"

func init() {
	backends.Register(BackendName, New)
}

// New constructs a new hostsim Backend.
//
// The configuration string is the number of simulated devices; empty means 1.
func New(config string) backends.Backend {
	numDevices := 1
	if config != "" {
		n, err := strconv.Atoi(config)
		if err != nil || n <= 0 {
			panic(fmt.Sprintf("hostsim: invalid configuration %q, want a positive device count", config))
		}
		numDevices = n
	}
	return &Backend{
		numDevices: backends.DeviceNum(numDevices),
		allocator:  newAllocator(backends.DeviceNum(numDevices)),
		dnnVersion: backends.DNNVersion{Major: 7, Minor: 0, Patch: 0},
	}
}

// Backend implements the backends.Backend interface over host memory.
type Backend struct {
	numDevices backends.DeviceNum
	allocator  *allocator
	dnnVersion backends.DNNVersion
}

// Compile-time check that hostsim.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simulated host backend (%d devices, dnn v%d.%d.%d)",
		b.numDevices, b.dnnVersion.Major, b.dnnVersion.Minor, b.dnnVersion.Patch)
}

// Platform returns the platform name used to build device identities.
func (b *Backend) Platform() string { return "Host" }

// NumDevices return the number of simulated devices.
func (b *Backend) NumDevices() backends.DeviceNum { return b.numDevices }

// Allocator returns the backend's device-memory allocator.
func (b *Backend) Allocator() backends.Allocator { return b.allocator }

// NewStream creates a synchronous execution stream on the given device.
func (b *Backend) NewStream(deviceNum backends.DeviceNum) (backends.Stream, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	return &stream{}, nil
}

// DNN returns the convolution capability interface for the given device.
func (b *Backend) DNN(deviceNum backends.DeviceNum) (backends.DNN, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	return &dnn{backend: b}, nil
}

// SetDNNVersion overrides the simulated convolution-library version.
// Useful to exercise version-dependent behavior in tests and demos.
func (b *Backend) SetDNNVersion(version backends.DNNVersion) {
	b.dnnVersion = version
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {}

func (b *Backend) checkDevice(deviceNum backends.DeviceNum) error {
	if deviceNum < 0 || deviceNum >= b.numDevices {
		return fmt.Errorf("hostsim: deviceNum %d out of range, backend has %d devices", deviceNum, b.numDevices)
	}
	return nil
}
