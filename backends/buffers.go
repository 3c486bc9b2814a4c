package backends

// Buffer is an opaque handle to device memory owned by a backend.
// Only its byte size is visible to clients; contents are reached through Stream
// primitives.
type Buffer interface {
	// Size returns the byte size of the buffer.
	Size() int64
}

// Allocator hands out device memory for one backend.
//
// Implementations must be safe for concurrent use: episodes running on distinct
// devices may share one Allocator.
type Allocator interface {
	// Allocate byteSize bytes on the given device.
	//
	// retryOnFailure selects the backend's behavior under transient memory
	// pressure: when false the first failure is final and returned immediately.
	Allocate(deviceNum DeviceNum, byteSize int64, retryOnFailure bool) (Buffer, error)

	// Deallocate returns the buffer to the device. The buffer must not be used
	// afterward.
	Deallocate(deviceNum DeviceNum, buffer Buffer) error
}

// Stream is one in-order execution queue on a device.
//
// All operations are issued in order; BlockUntilDone returns only after every
// previously issued operation completed on the device.
type Stream interface {
	// Memset32 fills numBytes bytes of the buffer with the 4-byte pattern.
	// numBytes must be a multiple of 4 and not exceed the buffer size.
	Memset32(buffer Buffer, pattern uint32, numBytes int64) error

	// MemZero zero-fills numBytes bytes of the buffer.
	MemZero(buffer Buffer, numBytes int64) error

	// MemcpyHostToDevice copies src into the buffer starting at dstOffset bytes.
	MemcpyHostToDevice(dst Buffer, dstOffset int64, src []byte) error

	// MemcpyDeviceToHost copies len(dst) bytes out of the buffer starting at srcOffset bytes.
	MemcpyDeviceToHost(dst []byte, src Buffer, srcOffset int64) error

	// BlockUntilDone blocks the calling goroutine until the device finished all
	// the work issued to this stream.
	BlockUntilDone() error
}

// ScratchAllocator is how a convolution run asks for its transient workspace
// ("scratch") memory. It is implemented by the autotuner, which bounds and
// tracks scratch usage per candidate; backends must request all scratch through
// it and never allocate workspace on their own.
type ScratchAllocator interface {
	// AllocateBytes allocates byteSize bytes of scratch usable until the end of
	// the convolution run.
	AllocateBytes(stream Stream, byteSize int64) (Buffer, error)
}
