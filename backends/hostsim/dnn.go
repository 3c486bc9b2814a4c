package hostsim

import (
	"time"

	"github.com/gomlx/convtune/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Algorithm families implemented by hostsim. Each family is a genuinely
// different execution path with its own scratch requirements; all compute the
// same convolution.
const (
	// algoDirect is the plain loop nest; no scratch.
	algoDirect int64 = 0
	// algoIm2ColGEMM stages patches (forward) or an operand (backward kinds)
	// into a float32 workspace and multiplies from there.
	algoIm2ColGEMM int64 = 1
	// algoTransformNonfused pre-transforms an operand into an alternate layout
	// workspace before the loop nest. This is the "non-fused transform" family
	// the autotuner may exclude on old library versions.
	algoTransformNonfused int64 = 2
)

// dnn implements backends.DNN for one hostsim device.
type dnn struct {
	backend *Backend
}

// Compile-time check:
var _ backends.DNN = (*dnn)(nil)

// Version returns the simulated convolution-library version.
func (d *dnn) Version() (backends.DNNVersion, error) {
	return d.backend.dnnVersion, nil
}

// algorithmList returns the candidate algorithms in their stable enumeration
// order: per family, the full-precision variant first, then the tensor-ops one.
func algorithmList(includeNonfusedTransform bool) []backends.Algorithm {
	ids := []int64{algoDirect, algoIm2ColGEMM}
	if includeNonfusedTransform {
		ids = append(ids, algoTransformNonfused)
	}
	algos := make([]backends.Algorithm, 0, 2*len(ids))
	for _, id := range ids {
		algos = append(algos,
			backends.Algorithm{ID: id, TensorOpsEnabled: false},
			backends.Algorithm{ID: id, TensorOpsEnabled: true})
	}
	return algos
}

func (d *dnn) ConvolveForwardAlgorithms(includeNonfusedTransform bool) ([]backends.Algorithm, error) {
	return algorithmList(includeNonfusedTransform), nil
}

func (d *dnn) ConvolveBackwardInputAlgorithms(includeNonfusedTransform bool) ([]backends.Algorithm, error) {
	return algorithmList(includeNonfusedTransform), nil
}

func (d *dnn) ConvolveBackwardFilterAlgorithms(includeNonfusedTransform bool) ([]backends.Algorithm, error) {
	return algorithmList(includeNonfusedTransform), nil
}

// RunConvolution executes the convolution described by args with the given
// algorithm, requesting all workspace from scratch. When profile is non-nil the
// run is timed and reported there.
func (d *dnn) RunConvolution(stream backends.Stream, args backends.ConvArgs,
	algorithm backends.Algorithm, scratch backends.ScratchAllocator,
	profile *backends.ProfileResult) error {
	if profile != nil {
		*profile = backends.ProfileResult{Algorithm: algorithm}
	}
	geom, err := newConvGeom(args)
	if err != nil {
		return err
	}
	// Tensor-ops math mode only changes anything for reduced-precision inputs.
	reduced := algorithm.TensorOpsEnabled && args.InputShape.DType == dtypes.Float16

	start := time.Now()
	switch algorithm.ID {
	case algoDirect:
		err = runDirect(geom, args.Kind, reduced)
	case algoIm2ColGEMM:
		err = runIm2Col(geom, args.Kind, reduced, stream, scratch)
	case algoTransformNonfused:
		err = runTransform(geom, args.Kind, reduced, stream, scratch)
	default:
		return errors.Errorf("hostsim: unknown convolution algorithm %s", algorithm)
	}
	if err != nil {
		return err
	}
	if profile != nil {
		profile.Elapsed = time.Since(start)
		profile.Valid = true
	}
	return nil
}
