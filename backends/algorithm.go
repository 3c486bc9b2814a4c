package backends

import (
	"strconv"
	"time"
)

// Algorithm identifies one convolution algorithm of a backend, plus whether the
// backend should use its reduced-precision "tensor ops" math mode for it.
//
// The ID is backend-assigned and opaque to the autotuner. Equality is
// value-based: the same ID with and without tensor ops are two different
// candidates.
type Algorithm struct {
	ID               int64
	TensorOpsEnabled bool
}

// String renders the algorithm as "<id>" or "<id>+TC" when tensor ops are enabled.
func (a Algorithm) String() string {
	if a.TensorOpsEnabled {
		return strconv.FormatInt(a.ID, 10) + "+TC"
	}
	return strconv.FormatInt(a.ID, 10)
}

// ProfileResult carries the timing of one profiled convolution run.
//
// Valid is false when the backend could not produce a timed result even though
// the call itself returned success; such runs must not be considered by the
// autotuner.
type ProfileResult struct {
	Algorithm Algorithm
	Elapsed   time.Duration
	Valid     bool
}

// DNNVersion is the version of the backend's convolution library.
type DNNVersion struct {
	Major, Minor, Patch int
}

// DNN is the convolution capability interface of one device.
//
// The three enumeration calls return the candidate algorithms for each operator
// kind, in a stable order. includeNonfusedTransform selects whether the
// non-fused transform family (e.g. winograd non-fused) is included; the
// autotuner excludes that family on old library versions for shapes known to
// trigger an integer overflow there.
type DNN interface {
	// Version returns the version of the underlying convolution library.
	Version() (DNNVersion, error)

	ConvolveForwardAlgorithms(includeNonfusedTransform bool) ([]Algorithm, error)
	ConvolveBackwardInputAlgorithms(includeNonfusedTransform bool) ([]Algorithm, error)
	ConvolveBackwardFilterAlgorithms(includeNonfusedTransform bool) ([]Algorithm, error)

	// RunConvolution executes the convolution described by args on the stream
	// with the given algorithm. All scratch memory must be requested from
	// scratch. When profile is non-nil the run is timed and the result stored
	// there; a run may succeed and still report an invalid profile.
	RunConvolution(stream Stream, args ConvArgs, algorithm Algorithm,
		scratch ScratchAllocator, profile *ProfileResult) error
}
