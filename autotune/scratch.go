package autotune

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/convtune/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrResourceExhausted is wrapped by allocation failures caused by the episode
// memory limit. Test with errors.Is.
var ErrResourceExhausted = errors.New("resource exhausted")

// ScratchMemoryLimit is the ceiling on cumulative bytes one ScratchAllocator
// will hand out: a generous but bounded fraction of typical device memory, so
// the search cannot over-allocate pathologically.
const ScratchMemoryLimit = int64(1) << 32 // 4 GiB

// ScratchAllocator tracks and bounds the device memory handed out during one
// autotuning episode. It owns every buffer it grants: there is no individual
// free, all grants are released together by ReleaseAll at the end of the scope
// that created the allocator.
//
// Two instances exist per episode: one for the operand buffers that live for
// the whole episode, and a fresh one per candidate, so TotalAllocatedBytes
// reflects exactly that candidate's scratch usage.
//
// It is not safe for concurrent use; episodes are single-threaded.
type ScratchAllocator struct {
	deviceNum backends.DeviceNum
	upstream  backends.Allocator

	buffers        []backends.Buffer
	totalAllocated int64
}

// Compile-time check:
var _ backends.ScratchAllocator = (*ScratchAllocator)(nil)

// NewScratchAllocator returns an allocator granting memory on the given device
// from the upstream device allocator.
func NewScratchAllocator(deviceNum backends.DeviceNum, upstream backends.Allocator) *ScratchAllocator {
	return &ScratchAllocator{deviceNum: deviceNum, upstream: upstream}
}

// MemoryLimitInBytes returns the ceiling on cumulative granted bytes.
func (a *ScratchAllocator) MemoryLimitInBytes() int64 { return ScratchMemoryLimit }

// TotalAllocatedBytes returns the cumulative bytes granted so far.
func (a *ScratchAllocator) TotalAllocatedBytes() int64 { return a.totalAllocated }

// AllocateBytes grants byteSize bytes of device memory. If the cumulative bytes
// granted by this allocator, including this request, would exceed the memory
// limit, it fails wrapping ErrResourceExhausted without touching the upstream
// allocator.
//
// The upstream allocation does not retry on transient failure: autotuning must
// not stall on transient memory pressure, a failed candidate is recorded and
// the search moves on.
func (a *ScratchAllocator) AllocateBytes(stream backends.Stream, byteSize int64) (backends.Buffer, error) {
	_ = stream // grants are not stream-ordered, the parameter keeps the contract uniform with async backends
	if byteSize < 0 {
		return nil, errors.Errorf("cannot allocate %d bytes", byteSize)
	}
	if a.totalAllocated+byteSize > ScratchMemoryLimit {
		return nil, errors.Wrapf(ErrResourceExhausted,
			"allocating %s would exceed the memory limit of %s (%s already allocated)",
			numBytesToString(byteSize), numBytesToString(ScratchMemoryLimit), numBytesToString(a.totalAllocated))
	}
	buffer, err := a.upstream.Allocate(a.deviceNum, byteSize, false /*retryOnFailure*/)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %s of autotuning memory on device %d",
			numBytesToString(byteSize), a.deviceNum)
	}
	a.totalAllocated += byteSize
	a.buffers = append(a.buffers, buffer)
	return buffer, nil
}

// ReleaseAll returns every granted buffer to the upstream allocator. The
// allocator can be reused afterward, but TotalAllocatedBytes keeps counting
// from where it was -- the ceiling is per allocator, not per outstanding bytes.
func (a *ScratchAllocator) ReleaseAll() {
	for _, buffer := range a.buffers {
		if err := a.upstream.Deallocate(a.deviceNum, buffer); err != nil {
			klog.Warningf("convtune: failed to release %s of autotuning memory on device %d: %+v",
				numBytesToString(buffer.Size()), a.deviceNum, err)
		}
	}
	a.buffers = nil
}

// numBytesToString renders a byte count both humanized and exact, e.g.
// "4.0 GiB (4294967296B)".
func numBytesToString(bytes int64) string {
	return fmt.Sprintf("%s (%dB)", humanize.IBytes(uint64(bytes)), bytes)
}
