// Package autotune selects, empirically, the fastest convolution algorithm a
// device backend offers for a given operator.
//
// One call to AlgorithmPicker.PickBestAlgorithm is an episode: it locks the
// target device against concurrent episodes, allocates the operand buffers
// under a bounded scratch allocator, runs every candidate algorithm once with
// timing instrumentation, optionally cross-checks half-precision results
// between candidates, and returns the fastest candidate that ran successfully
// together with its scratch requirement.
//
// The caller is expected to apply the returned Selection to its program
// representation; this package never mutates anything beyond its own buffers.
// Results are not cached across calls.
package autotune

import (
	"encoding/binary"
	"fmt"

	"github.com/gomlx/convtune/backends"
	"github.com/gomlx/convtune/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ConvSite describes one convolution call site to autotune.
type ConvSite struct {
	// Name identifies the site in logs and errors, e.g. the instruction string
	// of the surrounding program.
	Name string

	Kind backends.ConvKind

	InputShape, FilterShape, OutputShape shapes.Shape

	Window backends.Window
	Dnums  backends.ConvDimensionNumbers

	// DeviceNum is the device to profile on.
	DeviceNum backends.DeviceNum

	// CrashOnVerificationFailure turns a cross-check mismatch (or an
	// unavailable comparison) into a fatal process abort. An opt-in for
	// correctness-validation runs, never for normal operation.
	CrashOnVerificationFailure bool
}

// Selection is the outcome of a successful episode: the winning algorithm
// (id + tensor-ops flag) and the scratch bytes it needs.
type Selection struct {
	Algorithm    backends.Algorithm
	ScratchBytes int64
}

// String implements fmt.Stringer.
func (s Selection) String() string {
	return fmt.Sprintf("algorithm %s using %s of scratch", s.Algorithm, numBytesToString(s.ScratchBytes))
}

// NoViableAlgorithmError is returned when every candidate failed to run or to
// profile. The caller should leave the operator at the backend's default
// configuration.
type NoViableAlgorithmError struct {
	Site string
}

// Error implements the error interface.
func (e *NoViableAlgorithmError) Error() string {
	return fmt.Sprintf("all algorithms tried for convolution %s failed, falling back to default algorithm", e.Site)
}

// AlgorithmPicker autotunes convolution call sites on one backend.
//
// It is stateless apart from its configuration and safe for concurrent use:
// concurrent episodes on the same device serialize on a process-wide per-device
// lock, episodes on different devices run in parallel.
type AlgorithmPicker struct {
	backend   backends.Backend
	allocator backends.Allocator
}

// NewAlgorithmPicker returns a picker for the given backend. allocator may be
// nil, in which case the backend's own allocator is used.
func NewAlgorithmPicker(backend backends.Backend, allocator backends.Allocator) *AlgorithmPicker {
	return &AlgorithmPicker{backend: backend, allocator: allocator}
}

// PickBestAlgorithm runs one autotuning episode for the site and returns the
// fastest viable algorithm.
//
// Candidates that fail to run or to profile are skipped; if none is viable the
// returned error is a *NoViableAlgorithmError. Failure to allocate the operand
// buffers aborts the episode (wrapping ErrResourceExhausted when caused by the
// episode memory limit).
//
// For half-precision operators, candidate outputs are cross-checked against the
// first successful candidate's output as a diagnostic; see
// ConvSite.CrashOnVerificationFailure. The check never influences the
// selection, which is purely timing-driven.
func (p *AlgorithmPicker) PickBestAlgorithm(site ConvSite) (Selection, error) {
	if site.InputShape.DType != site.FilterShape.DType ||
		site.InputShape.DType != site.OutputShape.DType {
		exceptions.Panicf("autotune: mismatched element types for %s: input=%s, filter=%s, output=%s",
			site.Name, site.InputShape.DType, site.FilterShape.DType, site.OutputShape.DType)
	}
	// So far only fp16 results are cross-checked between candidates.
	crossCheckEnabled := site.InputShape.DType == dtypes.Float16

	// Don't run two episodes concurrently on the same device: profiling needs
	// the device to itself to produce comparable timings.
	device := backends.Device{Platform: p.backend.Platform(), Ordinal: site.DeviceNum}
	unlock := lockDevice(device)
	defer unlock()

	stream, err := p.backend.NewStream(site.DeviceNum)
	if err != nil {
		return Selection{}, errors.WithMessagef(err, "creating a stream on %s", device)
	}
	allocator := p.allocator
	if allocator == nil {
		allocator = p.backend.Allocator()
	}

	// The operand buffers go through a ScratchAllocator as well, so they cannot
	// leak and stay within the episode memory limit.
	operandAllocator := NewScratchAllocator(site.DeviceNum, allocator)
	defer operandAllocator.ReleaseAll()
	inputBuf, err := operandAllocator.AllocateBytes(stream, site.InputShape.Memory())
	if err != nil {
		return Selection{}, err
	}
	filterBuf, err := operandAllocator.AllocateBytes(stream, site.FilterShape.Memory())
	if err != nil {
		return Selection{}, err
	}
	outputBuf, err := operandAllocator.AllocateBytes(stream, site.OutputShape.Memory())
	if err != nil {
		return Selection{}, err
	}

	for _, buffer := range []backends.Buffer{inputBuf, filterBuf, outputBuf} {
		if crossCheckEnabled {
			// Broadcast a nonzero constant instead of zeroing: all-zero
			// operands may not reveal numerical defects to the cross-check.
			err = fillF16Pattern(stream, buffer)
		} else {
			// Zero out the buffers anyway: leftover denormals in uninitialized
			// memory could skew the timings.
			err = stream.MemZero(buffer, buffer.Size())
		}
		if err != nil {
			return Selection{}, errors.WithMessagef(err, "initializing operand buffers for %s", site.Name)
		}
	}
	// Initialization must complete before any candidate is timed.
	if err = stream.BlockUntilDone(); err != nil {
		return Selection{}, errors.WithMessagef(err, "synchronizing operand initialization for %s", site.Name)
	}

	var resultBuf backends.Buffer
	switch site.Kind {
	case backends.ConvForward:
		resultBuf = outputBuf
	case backends.ConvBackwardInput:
		resultBuf = inputBuf
	case backends.ConvBackwardFilter:
		resultBuf = filterBuf
	default:
		return Selection{}, errors.Errorf("invalid convolution kind %d for %s", site.Kind, site.Name)
	}

	dnn, err := p.backend.DNN(site.DeviceNum)
	if err != nil {
		return Selection{}, errors.WithMessagef(err, "querying DNN support on %s", device)
	}
	withNonfusedTransform := includeNonfusedTransform(dnn, site.InputShape, site.OutputShape, site.Dnums)
	algorithms, err := convolveAlgorithms(dnn, site.Kind, withNonfusedTransform)
	if err != nil {
		return Selection{}, errors.WithMessagef(err, "enumerating %s algorithms for %s", site.Kind, site.Name)
	}

	checker := &crossChecker{
		enabled:        crossCheckEnabled,
		crashOnFailure: site.CrashOnVerificationFailure,
		site:           site.Name,
	}
	args := backends.ConvArgs{
		Kind:        site.Kind,
		InputShape:  site.InputShape,
		FilterShape: site.FilterShape,
		OutputShape: site.OutputShape,
		Input:       inputBuf,
		Filter:      filterBuf,
		Output:      outputBuf,
		Window:      site.Window,
		Dnums:       site.Dnums,
	}

	var best backends.ProfileResult // best.Valid == false until a candidate succeeds
	var bestScratchBytes int64
	for _, algorithm := range algorithms {
		// A fresh scratch allocator per candidate: TotalAllocatedBytes reflects
		// exactly this candidate's usage.
		scratchAllocator := NewScratchAllocator(site.DeviceNum, allocator)
		klog.V(3).Infof("convtune: trying algorithm %s for %s", algorithm, site.Name)
		var profile backends.ProfileResult
		err = dnn.RunConvolution(stream, args, algorithm, scratchAllocator, &profile)
		if err != nil || !profile.Valid {
			klog.V(3).Infof("convtune: run of algorithm %s failed for %s: %v", algorithm, site.Name, err)
			scratchAllocator.ReleaseAll()
			continue
		}
		checker.observe(stream, resultBuf, algorithm)
		scratchBytes := scratchAllocator.TotalAllocatedBytes()
		klog.V(3).Infof("convtune: run of algorithm %s succeeded, taking %s and using %s of scratch "+
			"(best so far: %s, %s of scratch)",
			algorithm, profile.Elapsed, numBytesToString(scratchBytes), best.Elapsed, numBytesToString(bestScratchBytes))
		// Strictly less-than: on a tie the earlier-enumerated algorithm wins.
		if !best.Valid || profile.Elapsed < best.Elapsed {
			best = profile
			bestScratchBytes = scratchBytes
		}
		scratchAllocator.ReleaseAll()
	}

	if !best.Valid {
		return Selection{}, &NoViableAlgorithmError{Site: site.Name}
	}
	selection := Selection{Algorithm: best.Algorithm, ScratchBytes: bestScratchBytes}
	klog.V(2).Infof("convtune: best algorithm for %s: %s, takes %s", site.Name, selection, best.Elapsed)
	return selection, nil
}

// fillF16Pattern fills the buffer with the half-precision constant 0.1: the
// aligned prefix with a 32-bit memset of a packed pair of halfs, a possible
// 2-byte tail with a host copy.
func fillF16Pattern(stream backends.Stream, buffer backends.Buffer) error {
	size := buffer.Size()
	if size%2 != 0 {
		return errors.Errorf("fp16 buffer has odd byte size %d", size)
	}
	const broadcastConstant = 0.1
	bits := float16.Fromfloat32(broadcastConstant).Bits()
	var pair [4]byte
	binary.LittleEndian.PutUint16(pair[0:], bits)
	binary.LittleEndian.PutUint16(pair[2:], bits)
	pattern := binary.LittleEndian.Uint32(pair[:])

	aligned := size / 4 * 4
	if err := stream.Memset32(buffer, pattern, aligned); err != nil {
		return err
	}
	if leftOver := size - aligned; leftOver > 0 {
		if err := stream.MemcpyHostToDevice(buffer, aligned, pair[:leftOver]); err != nil {
			return err
		}
	}
	return nil
}
