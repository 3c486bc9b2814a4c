package hostsim

import (
	"encoding/binary"
	"sync"

	"github.com/gomlx/convtune/backends"
	"github.com/pkg/errors"
)

// buffer is hostsim's device memory: a plain host byte slice.
type buffer struct {
	data  []byte
	freed bool
}

// Size returns the byte size of the buffer.
func (b *buffer) Size() int64 { return int64(len(b.data)) }

// allocator implements backends.Allocator over host memory, with the same
// accounting a device memory pool keeps: bytes currently in use, cumulative
// bytes handed out, and the in-use peak.
type allocator struct {
	mu         sync.Mutex
	numDevices backends.DeviceNum

	inUse      int64
	totalAlloc int64
	peakAlloc  int64
}

func newAllocator(numDevices backends.DeviceNum) *allocator {
	return &allocator{numDevices: numDevices}
}

// Compile-time check:
var _ backends.Allocator = (*allocator)(nil)

// Allocate byteSize bytes on the given device. hostsim has no memory pressure,
// so retryOnFailure is accepted and ignored.
func (a *allocator) Allocate(deviceNum backends.DeviceNum, byteSize int64, retryOnFailure bool) (backends.Buffer, error) {
	_ = retryOnFailure
	if deviceNum < 0 || deviceNum >= a.numDevices {
		return nil, errors.Errorf("hostsim: allocate on deviceNum %d out of range (%d devices)", deviceNum, a.numDevices)
	}
	if byteSize < 0 {
		return nil, errors.Errorf("hostsim: cannot allocate %d bytes", byteSize)
	}
	a.mu.Lock()
	a.inUse += byteSize
	a.totalAlloc += byteSize
	if a.inUse > a.peakAlloc {
		a.peakAlloc = a.inUse
	}
	a.mu.Unlock()
	return &buffer{data: make([]byte, byteSize)}, nil
}

// Deallocate returns the buffer to the device.
func (a *allocator) Deallocate(deviceNum backends.DeviceNum, buf backends.Buffer) error {
	b, ok := buf.(*buffer)
	if !ok {
		return errors.Errorf("hostsim: buffer is not a %q backend buffer", BackendName)
	}
	if b.freed {
		return errors.Errorf("hostsim: double free of %d bytes buffer", b.Size())
	}
	b.freed = true
	a.mu.Lock()
	a.inUse -= b.Size()
	a.mu.Unlock()
	return nil
}

// Stats returns bytes currently in use, cumulative bytes allocated and the
// in-use peak.
func (a *allocator) Stats() (inUse, total, peak int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse, a.totalAlloc, a.peakAlloc
}

// stream is hostsim's execution stream. Every operation runs synchronously on
// the calling goroutine, so BlockUntilDone is trivially a no-op.
type stream struct{}

// Compile-time check:
var _ backends.Stream = (*stream)(nil)

func hostBuffer(buf backends.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, errors.Errorf("hostsim: buffer is not a %q backend buffer", BackendName)
	}
	if b.freed {
		return nil, errors.Errorf("hostsim: use of freed buffer")
	}
	return b, nil
}

// Memset32 fills numBytes bytes of the buffer with the 4-byte pattern.
func (s *stream) Memset32(buf backends.Buffer, pattern uint32, numBytes int64) error {
	b, err := hostBuffer(buf)
	if err != nil {
		return err
	}
	if numBytes%4 != 0 || numBytes > b.Size() {
		return errors.Errorf("hostsim: Memset32 of %d bytes on a %d bytes buffer", numBytes, b.Size())
	}
	for i := int64(0); i < numBytes; i += 4 {
		binary.LittleEndian.PutUint32(b.data[i:], pattern)
	}
	return nil
}

// MemZero zero-fills numBytes bytes of the buffer.
func (s *stream) MemZero(buf backends.Buffer, numBytes int64) error {
	b, err := hostBuffer(buf)
	if err != nil {
		return err
	}
	if numBytes > b.Size() {
		return errors.Errorf("hostsim: MemZero of %d bytes on a %d bytes buffer", numBytes, b.Size())
	}
	clear(b.data[:numBytes])
	return nil
}

// MemcpyHostToDevice copies src into the buffer starting at dstOffset bytes.
func (s *stream) MemcpyHostToDevice(dst backends.Buffer, dstOffset int64, src []byte) error {
	b, err := hostBuffer(dst)
	if err != nil {
		return err
	}
	if dstOffset < 0 || dstOffset+int64(len(src)) > b.Size() {
		return errors.Errorf("hostsim: MemcpyHostToDevice of %d bytes at offset %d on a %d bytes buffer",
			len(src), dstOffset, b.Size())
	}
	copy(b.data[dstOffset:], src)
	return nil
}

// MemcpyDeviceToHost copies len(dst) bytes out of the buffer starting at srcOffset bytes.
func (s *stream) MemcpyDeviceToHost(dst []byte, src backends.Buffer, srcOffset int64) error {
	b, err := hostBuffer(src)
	if err != nil {
		return err
	}
	if srcOffset < 0 || srcOffset+int64(len(dst)) > b.Size() {
		return errors.Errorf("hostsim: MemcpyDeviceToHost of %d bytes at offset %d on a %d bytes buffer",
			len(dst), srcOffset, b.Size())
	}
	copy(dst, b.data[srcOffset:])
	return nil
}

// BlockUntilDone blocks until the device finished all the work issued to this
// stream. hostsim streams are synchronous, there is nothing to wait for.
func (s *stream) BlockUntilDone() error { return nil }
