package backends

import (
	"github.com/gomlx/convtune/types/shapes"
	"github.com/gomlx/exceptions"
)

// ConvKind is the operator kind of a convolution: the forward pass or one of the
// two gradient passes. The set is closed; every switch over it is exhaustive.
type ConvKind int

const (
	// ConvForward computes output = conv(input, filter).
	ConvForward ConvKind = iota

	// ConvBackwardInput computes the gradient with respect to the input:
	// the input buffer is written, the output buffer holds the incoming gradient.
	ConvBackwardInput

	// ConvBackwardFilter computes the gradient with respect to the filter:
	// the filter buffer is written, the output buffer holds the incoming gradient.
	ConvBackwardFilter
)

// String implements fmt.Stringer.
func (k ConvKind) String() string {
	switch k {
	case ConvForward:
		return "forward"
	case ConvBackwardInput:
		return "backward-input"
	case ConvBackwardFilter:
		return "backward-filter"
	}
	return "invalid-conv-kind"
}

// WindowDim describes the filter window along one spatial axis.
type WindowDim struct {
	Size       int
	Stride     int
	PaddingLow int
	// PaddingHigh is the padding after the last element; it may differ from
	// PaddingLow for "same" padding with even windows.
	PaddingHigh int
}

// Window describes the filter window of a convolution, one WindowDim per
// spatial axis, in the same order as the spatial axes of
// ConvDimensionNumbers.
type Window []WindowDim

// MakeWindow returns a Window with the same size, stride and symmetric padding on
// every spatial axis.
func MakeWindow(spatialRank, size, stride, padding int) Window {
	if spatialRank <= 0 || size <= 0 || stride <= 0 || padding < 0 {
		exceptions.Panicf("backends.MakeWindow(%d, %d, %d, %d): invalid window parameters",
			spatialRank, size, stride, padding)
	}
	w := make(Window, spatialRank)
	for i := range w {
		w[i] = WindowDim{Size: size, Stride: stride, PaddingLow: padding, PaddingHigh: padding}
	}
	return w
}

// ConvDimensionNumbers maps the logical roles of a convolution (batch, feature,
// spatial) to physical axes of the input, filter and output shapes. It is the
// convolution analogue of a tensor layout description.
type ConvDimensionNumbers struct {
	InputBatch   int
	InputFeature int
	InputSpatial []int

	FilterOutputFeature int
	FilterInputFeature  int
	FilterSpatial       []int

	OutputBatch   int
	OutputFeature int
	OutputSpatial []int
}

// NHWC returns the dimension numbers for batch-last-feature layouts:
// input/output as [batch, spatial..., feature] and filter as
// [spatial..., inFeature, outFeature].
func NHWC(spatialRank int) ConvDimensionNumbers {
	dnums := ConvDimensionNumbers{
		InputBatch:          0,
		InputFeature:        spatialRank + 1,
		FilterInputFeature:  spatialRank,
		FilterOutputFeature: spatialRank + 1,
		OutputBatch:         0,
		OutputFeature:       spatialRank + 1,
	}
	for i := 0; i < spatialRank; i++ {
		dnums.InputSpatial = append(dnums.InputSpatial, i+1)
		dnums.FilterSpatial = append(dnums.FilterSpatial, i)
		dnums.OutputSpatial = append(dnums.OutputSpatial, i+1)
	}
	return dnums
}

// NCHW returns the dimension numbers for feature-first layouts:
// input/output as [batch, feature, spatial...] and filter as
// [outFeature, inFeature, spatial...].
func NCHW(spatialRank int) ConvDimensionNumbers {
	dnums := ConvDimensionNumbers{
		InputBatch:          0,
		InputFeature:        1,
		FilterOutputFeature: 0,
		FilterInputFeature:  1,
		OutputBatch:         0,
		OutputFeature:       1,
	}
	for i := 0; i < spatialRank; i++ {
		dnums.InputSpatial = append(dnums.InputSpatial, i+2)
		dnums.FilterSpatial = append(dnums.FilterSpatial, i+2)
		dnums.OutputSpatial = append(dnums.OutputSpatial, i+2)
	}
	return dnums
}

// SpatialRank returns the number of spatial axes.
func (dnums ConvDimensionNumbers) SpatialRank() int {
	return len(dnums.InputSpatial)
}

// ConvArgs bundles everything a backend needs to run one convolution: shapes,
// the device buffers holding the three operands, the filter window and the
// axis mapping.
//
// Which buffer is written depends on the kind: forward writes Output,
// backward-input writes Input, backward-filter writes Filter. The other two
// buffers are read-only for the run.
type ConvArgs struct {
	Kind ConvKind

	InputShape, FilterShape, OutputShape shapes.Shape
	Input, Filter, Output                Buffer

	Window Window
	Dnums  ConvDimensionNumbers
}
