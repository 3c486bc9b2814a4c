// convtune runs one autotuning episode for a sample convolution against the
// selected backend (by default the simulated host backend) and prints the
// selected algorithm.
//
// It is a demonstration and smoke-test tool; the autotune package is meant to
// be driven as a library by a compiler pass.
//
// Usage:
//
//	convtune -kind=forward -batch=4 -channels=8 -features=16 -spatial=16 -filter=3 -dtype=float16 -v=3
package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/convtune/autotune"
	"github.com/gomlx/convtune/backends"
	_ "github.com/gomlx/convtune/backends/hostsim"
	"github.com/gomlx/convtune/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagKind     = flag.String("kind", "forward", "Convolution kind: forward, backward-input or backward-filter.")
	flagBatch    = flag.Int("batch", 4, "Batch size.")
	flagChannels = flag.Int("channels", 8, "Input features (channels).")
	flagFeatures = flag.Int("features", 16, "Output features.")
	flagSpatial  = flag.Int("spatial", 16, "Input spatial dimension (rows == cols).")
	flagFilter   = flag.Int("filter", 3, "Filter spatial dimension (rows == cols).")
	flagDType    = flag.String("dtype", "float16", "Element type: float16 or float32.")
	flagDevice   = flag.Int("device", 0, "Device ordinal to autotune on.")
	flagStrict   = flag.Bool("crash_on_verification_failure", false,
		"Abort the process if the cross-check between algorithms fails. For validation runs only.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var kind backends.ConvKind
	switch strings.ToLower(*flagKind) {
	case "forward":
		kind = backends.ConvForward
	case "backward-input":
		kind = backends.ConvBackwardInput
	case "backward-filter":
		kind = backends.ConvBackwardFilter
	default:
		klog.Exitf("unknown -kind=%q, want forward, backward-input or backward-filter", *flagKind)
	}
	var dtype dtypes.DType
	switch strings.ToLower(*flagDType) {
	case "float16", "f16":
		dtype = dtypes.Float16
	case "float32", "f32":
		dtype = dtypes.Float32
	default:
		klog.Exitf("unknown -dtype=%q, want float16 or float32", *flagDType)
	}

	backend := backends.New()
	defer backend.Finalize()
	fmt.Printf("Backend: %s\n", backend.Description())

	// Sample site: NHWC input/output, HWIO filter, "same"-style symmetric padding, stride 1.
	in, filt := *flagSpatial, *flagFilter
	padding := (filt - 1) / 2
	out := in + 2*padding - filt + 1
	site := autotune.ConvSite{
		Name:        fmt.Sprintf("%s conv %dx%d/%d on %s", kind, in, in, filt, dtype),
		Kind:        kind,
		InputShape:  shapes.Make(dtype, *flagBatch, in, in, *flagChannels),
		FilterShape: shapes.Make(dtype, filt, filt, *flagChannels, *flagFeatures),
		OutputShape: shapes.Make(dtype, *flagBatch, out, out, *flagFeatures),
		Window:      backends.MakeWindow(2, filt, 1, padding),
		Dnums:       backends.NHWC(2),
		DeviceNum:   backends.DeviceNum(*flagDevice),

		CrashOnVerificationFailure: *flagStrict,
	}

	picker := autotune.NewAlgorithmPicker(backend, nil)
	selection := must.M1(picker.PickBestAlgorithm(site))
	fmt.Printf("Selected algorithm %s (tensor ops: %v), scratch: %s\n",
		selection.Algorithm, selection.Algorithm.TensorOpsEnabled,
		humanize.IBytes(uint64(selection.ScratchBytes)))
}
