package autotune

import (
	"time"

	"github.com/gomlx/convtune/backends"
	"github.com/pkg/errors"
)

// Test doubles for the backends interfaces: host-backed buffers, a synchronous
// stream, an allocator with call accounting and a DNN with scripted candidates.

type memBuffer struct {
	data []byte
}

func (b *memBuffer) Size() int64 { return int64(len(b.data)) }

type memAllocator struct {
	allocCalls   int
	deallocCalls int
	retryFlags   []bool
	failAllocs   bool
	failDeallocs bool
}

var _ backends.Allocator = (*memAllocator)(nil)

func (a *memAllocator) Allocate(deviceNum backends.DeviceNum, byteSize int64, retryOnFailure bool) (backends.Buffer, error) {
	a.allocCalls++
	a.retryFlags = append(a.retryFlags, retryOnFailure)
	if a.failAllocs {
		return nil, errors.New("device out of memory")
	}
	return &memBuffer{data: make([]byte, byteSize)}, nil
}

func (a *memAllocator) Deallocate(deviceNum backends.DeviceNum, buffer backends.Buffer) error {
	a.deallocCalls++
	if a.failDeallocs {
		return errors.New("deallocation failed")
	}
	return nil
}

// memStream operates synchronously on memBuffer contents.
type memStream struct {
	deviceToHostCopies int
}

var _ backends.Stream = (*memStream)(nil)

func (s *memStream) Memset32(buffer backends.Buffer, pattern uint32, numBytes int64) error {
	if numBytes%4 != 0 {
		return errors.Errorf("memset32 of %d bytes, not a multiple of 4", numBytes)
	}
	data := buffer.(*memBuffer).data[:numBytes]
	for i := 0; i < len(data); i += 4 {
		data[i] = byte(pattern)
		data[i+1] = byte(pattern >> 8)
		data[i+2] = byte(pattern >> 16)
		data[i+3] = byte(pattern >> 24)
	}
	return nil
}

func (s *memStream) MemZero(buffer backends.Buffer, numBytes int64) error {
	data := buffer.(*memBuffer).data[:numBytes]
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (s *memStream) MemcpyHostToDevice(dst backends.Buffer, dstOffset int64, src []byte) error {
	copy(dst.(*memBuffer).data[dstOffset:], src)
	return nil
}

func (s *memStream) MemcpyDeviceToHost(dst []byte, src backends.Buffer, srcOffset int64) error {
	s.deviceToHostCopies++
	copy(dst, src.(*memBuffer).data[srcOffset:])
	return nil
}

func (s *memStream) BlockUntilDone() error { return nil }

// fakeCandidate scripts the outcome of one algorithm in a fakeDNN.
type fakeCandidate struct {
	algorithm      backends.Algorithm
	elapsed        time.Duration
	scratchBytes   int64
	runErr         error
	invalidProfile bool
	// result, when non-nil, is written into the buffer the kind designates as
	// the result on every successful run.
	result []byte
}

// fakeDNN serves a scripted candidate list for every kind and records how it
// was queried.
type fakeDNN struct {
	version    backends.DNNVersion
	versionErr error
	candidates []fakeCandidate

	enumeratedKinds []backends.ConvKind
	enumeratedWith  []bool
	runs            []backends.Algorithm
	lastArgs        backends.ConvArgs
	// onRun, when set, is called before each run with the run's args.
	onRun func(args backends.ConvArgs, algorithm backends.Algorithm)
}

var _ backends.DNN = (*fakeDNN)(nil)

func (d *fakeDNN) Version() (backends.DNNVersion, error) {
	return d.version, d.versionErr
}

func (d *fakeDNN) enumerate(kind backends.ConvKind, includeNonfusedTransform bool) ([]backends.Algorithm, error) {
	d.enumeratedKinds = append(d.enumeratedKinds, kind)
	d.enumeratedWith = append(d.enumeratedWith, includeNonfusedTransform)
	algos := make([]backends.Algorithm, 0, len(d.candidates))
	for _, candidate := range d.candidates {
		algos = append(algos, candidate.algorithm)
	}
	return algos, nil
}

func (d *fakeDNN) ConvolveForwardAlgorithms(includeNonfusedTransform bool) ([]backends.Algorithm, error) {
	return d.enumerate(backends.ConvForward, includeNonfusedTransform)
}

func (d *fakeDNN) ConvolveBackwardInputAlgorithms(includeNonfusedTransform bool) ([]backends.Algorithm, error) {
	return d.enumerate(backends.ConvBackwardInput, includeNonfusedTransform)
}

func (d *fakeDNN) ConvolveBackwardFilterAlgorithms(includeNonfusedTransform bool) ([]backends.Algorithm, error) {
	return d.enumerate(backends.ConvBackwardFilter, includeNonfusedTransform)
}

func (d *fakeDNN) RunConvolution(stream backends.Stream, args backends.ConvArgs,
	algorithm backends.Algorithm, scratch backends.ScratchAllocator,
	profile *backends.ProfileResult) error {
	d.runs = append(d.runs, algorithm)
	d.lastArgs = args
	if d.onRun != nil {
		d.onRun(args, algorithm)
	}
	if profile != nil {
		*profile = backends.ProfileResult{Algorithm: algorithm}
	}
	for _, candidate := range d.candidates {
		if candidate.algorithm != algorithm {
			continue
		}
		if candidate.runErr != nil {
			return candidate.runErr
		}
		if candidate.scratchBytes > 0 {
			if _, err := scratch.AllocateBytes(stream, candidate.scratchBytes); err != nil {
				return err
			}
		}
		if candidate.result != nil {
			var result backends.Buffer
			switch args.Kind {
			case backends.ConvForward:
				result = args.Output
			case backends.ConvBackwardInput:
				result = args.Input
			case backends.ConvBackwardFilter:
				result = args.Filter
			}
			if err := stream.MemcpyHostToDevice(result, 0, candidate.result); err != nil {
				return err
			}
		}
		if profile != nil && !candidate.invalidProfile {
			profile.Elapsed = candidate.elapsed
			profile.Valid = true
		}
		return nil
	}
	return errors.Errorf("unknown algorithm %s", algorithm)
}

// fakeBackend wires the doubles into a backends.Backend.
type fakeBackend struct {
	allocator *memAllocator
	stream    *memStream
	dnn       *fakeDNN
	platform  string
}

var _ backends.Backend = (*fakeBackend)(nil)

func newFakeBackend(dnn *fakeDNN) *fakeBackend {
	return &fakeBackend{
		allocator: &memAllocator{},
		stream:    &memStream{},
		dnn:       dnn,
		platform:  "FakeDevice",
	}
}

func (b *fakeBackend) Name() string                   { return "fake" }
func (b *fakeBackend) Description() string            { return "scripted test backend" }
func (b *fakeBackend) Platform() string               { return b.platform }
func (b *fakeBackend) NumDevices() backends.DeviceNum { return 1 }
func (b *fakeBackend) Allocator() backends.Allocator  { return b.allocator }
func (b *fakeBackend) Finalize()                      {}

func (b *fakeBackend) NewStream(deviceNum backends.DeviceNum) (backends.Stream, error) {
	return b.stream, nil
}

func (b *fakeBackend) DNN(deviceNum backends.DeviceNum) (backends.DNN, error) {
	return b.dnn, nil
}
