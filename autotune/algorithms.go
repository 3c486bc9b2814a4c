package autotune

import (
	"github.com/gomlx/convtune/backends"
	"github.com/gomlx/convtune/types/shapes"
	"github.com/pkg/errors"
)

// includeNonfusedTransform reports whether the non-fused transform algorithm
// family can safely be enumerated for the given shapes.
//
// Convolution libraries older than major version 7 have an integer overflow in
// that family when the working-set estimate
// ceil(batch/16) * max(inFeatures, outFeatures) * rows * cols * 4 bytes
// reaches 2^31. Newer versions are exempt from the check. A failing version
// query is treated as an old version.
func includeNonfusedTransform(dnn backends.DNN, inputShape, outputShape shapes.Shape,
	dnums backends.ConvDimensionNumbers) bool {
	version, err := dnn.Version()
	if err == nil && version.Major >= 7 {
		return true
	}

	batch := int64(inputShape.Dim(dnums.InputBatch))
	inFeatures := int64(inputShape.Dim(dnums.InputFeature))
	inRows := int64(inputShape.Dim(dnums.InputSpatial[0]))
	inCols := int64(1)
	if len(dnums.InputSpatial) > 1 {
		inCols = int64(inputShape.Dim(dnums.InputSpatial[1]))
	}
	outFeatures := int64(outputShape.Dim(dnums.OutputFeature))

	totalSize := ceilOfRatio(batch, 16) * max(inFeatures, outFeatures) * inRows * inCols * 4
	const threshold = int64(1) << 31
	return totalSize < threshold
}

// convolveAlgorithms enumerates the candidate algorithms for the operator kind,
// with the non-fused transform family included or not per the eligibility rule.
func convolveAlgorithms(dnn backends.DNN, kind backends.ConvKind,
	withNonfusedTransform bool) ([]backends.Algorithm, error) {
	switch kind {
	case backends.ConvForward:
		return dnn.ConvolveForwardAlgorithms(withNonfusedTransform)
	case backends.ConvBackwardInput:
		return dnn.ConvolveBackwardInputAlgorithms(withNonfusedTransform)
	case backends.ConvBackwardFilter:
		return dnn.ConvolveBackwardFilterAlgorithms(withNonfusedTransform)
	}
	return nil, errors.Errorf("invalid convolution kind %d", kind)
}

func ceilOfRatio(a, b int64) int64 {
	return (a + b - 1) / b
}
