package hostsim

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/convtune/backends"
	"github.com/gomlx/convtune/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// testScratch implements backends.ScratchAllocator over the backend allocator,
// tracking total bytes for assertions.
type testScratch struct {
	allocator backends.Allocator
	total     int64
	buffers   []backends.Buffer
}

func (s *testScratch) AllocateBytes(stream backends.Stream, byteSize int64) (backends.Buffer, error) {
	buf, err := s.allocator.Allocate(0, byteSize, false)
	if err != nil {
		return nil, err
	}
	s.total += byteSize
	s.buffers = append(s.buffers, buf)
	return buf, nil
}

func (s *testScratch) release(t *testing.T) {
	for _, buf := range s.buffers {
		require.NoError(t, s.allocator.Deallocate(0, buf))
	}
	s.buffers = nil
}

func encodeValues(t *testing.T, dtype dtypes.DType, values []float32) []byte {
	switch dtype {
	case dtypes.Float32:
		raw := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		return raw
	case dtypes.Float16:
		raw := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
		}
		return raw
	}
	t.Fatalf("unsupported dtype %s", dtype)
	return nil
}

func decodeValues(t *testing.T, dtype dtypes.DType, raw []byte) []float32 {
	switch dtype {
	case dtypes.Float32:
		values := make([]float32, len(raw)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return values
	case dtypes.Float16:
		values := make([]float32, len(raw)/2)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return values
	}
	t.Fatalf("unsupported dtype %s", dtype)
	return nil
}

func newDeviceTensor(t *testing.T, backend backends.Backend, stream backends.Stream,
	shape shapes.Shape, values []float32) backends.Buffer {
	require.Equal(t, shape.Size(), len(values))
	buf, err := backend.Allocator().Allocate(0, shape.Memory(), false)
	require.NoError(t, err)
	require.NoError(t, stream.MemcpyHostToDevice(buf, 0, encodeValues(t, shape.DType, values)))
	return buf
}

func readDeviceTensor(t *testing.T, stream backends.Stream, shape shapes.Shape, buf backends.Buffer) []float32 {
	raw := make([]byte, shape.Memory())
	require.NoError(t, stream.MemcpyDeviceToHost(raw, buf, 0))
	return decodeValues(t, shape.DType, raw)
}

// ramp returns a small deterministic pattern with both signs.
func ramp(n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i%13)*0.25 - 1.5
	}
	return values
}

func TestForwardSmall(t *testing.T) {
	backend := New("")
	stream, err := backend.NewStream(0)
	require.NoError(t, err)
	dnnHandle, err := backend.DNN(0)
	require.NoError(t, err)

	// 1x3x3x1 input (NHWC), 2x2x1x1 filter (HWIO), stride 1, no padding.
	inputShape := shapes.Make(dtypes.Float32, 1, 3, 3, 1)
	filterShape := shapes.Make(dtypes.Float32, 2, 2, 1, 1)
	outputShape := shapes.Make(dtypes.Float32, 1, 2, 2, 1)
	input := newDeviceTensor(t, backend, stream, inputShape,
		[]float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	filter := newDeviceTensor(t, backend, stream, filterShape,
		[]float32{1, 0, 0, 1})
	output, err := backend.Allocator().Allocate(0, outputShape.Memory(), false)
	require.NoError(t, err)

	args := backends.ConvArgs{
		Kind:        backends.ConvForward,
		InputShape:  inputShape,
		FilterShape: filterShape,
		OutputShape: outputShape,
		Input:       input,
		Filter:      filter,
		Output:      output,
		Window:      backends.MakeWindow(2, 2, 1, 0),
		Dnums:       backends.NHWC(2),
	}
	scratch := &testScratch{allocator: backend.Allocator()}
	var profile backends.ProfileResult
	require.NoError(t, dnnHandle.RunConvolution(stream, args, backends.Algorithm{ID: algoDirect}, scratch, &profile))
	require.True(t, profile.Valid)
	assert.Equal(t, backends.Algorithm{ID: algoDirect}, profile.Algorithm)
	assert.Zero(t, scratch.total, "the direct family needs no scratch")

	// Identity-corner filter: out[p][q] = in[p][q] + in[p+1][q+1].
	got := readDeviceTensor(t, stream, outputShape, output)
	assert.Equal(t, []float32{6, 8, 12, 14}, got)
}

func runCase(t *testing.T, dnnHandle backends.DNN, stream backends.Stream,
	args backends.ConvArgs, algorithm backends.Algorithm, scratch *testScratch) []float32 {
	var profile backends.ProfileResult
	require.NoError(t, dnnHandle.RunConvolution(stream, args, algorithm, scratch, &profile))
	require.True(t, profile.Valid)

	var resultShape shapes.Shape
	var result backends.Buffer
	switch args.Kind {
	case backends.ConvForward:
		resultShape, result = args.OutputShape, args.Output
	case backends.ConvBackwardInput:
		resultShape, result = args.InputShape, args.Input
	case backends.ConvBackwardFilter:
		resultShape, result = args.FilterShape, args.Filter
	}
	return readDeviceTensor(t, stream, resultShape, result)
}

func TestFamiliesAgree(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16} {
		for _, kind := range []backends.ConvKind{
			backends.ConvForward, backends.ConvBackwardInput, backends.ConvBackwardFilter} {
			t.Run(dtype.String()+"/"+kind.String(), func(t *testing.T) {
				backend := New("")
				stream, err := backend.NewStream(0)
				require.NoError(t, err)
				dnnHandle, err := backend.DNN(0)
				require.NoError(t, err)

				// NCHW this time: 2x3x5x5 input, 4x3x3x3 filter (OIHW),
				// stride 2 with padding 1 -> 2x4x3x3 output.
				inputShape := shapes.Make(dtype, 2, 3, 5, 5)
				filterShape := shapes.Make(dtype, 4, 3, 3, 3)
				outputShape := shapes.Make(dtype, 2, 4, 3, 3)
				args := backends.ConvArgs{
					Kind:        kind,
					InputShape:  inputShape,
					FilterShape: filterShape,
					OutputShape: outputShape,
					Input:       newDeviceTensor(t, backend, stream, inputShape, ramp(inputShape.Size())),
					Filter:      newDeviceTensor(t, backend, stream, filterShape, ramp(filterShape.Size())),
					Output:      newDeviceTensor(t, backend, stream, outputShape, ramp(outputShape.Size())),
					Window:      backends.MakeWindow(2, 3, 2, 1),
					Dnums:       backends.NCHW(2),
				}

				delta := 1e-5
				if dtype == dtypes.Float16 {
					delta = 1e-2
				}

				scratch := &testScratch{allocator: backend.Allocator()}
				reference := runCase(t, dnnHandle, stream, args, backends.Algorithm{ID: algoDirect}, scratch)
				assert.Zero(t, scratch.total)

				for _, id := range []int64{algoIm2ColGEMM, algoTransformNonfused} {
					scratch = &testScratch{allocator: backend.Allocator()}
					got := runCase(t, dnnHandle, stream, args, backends.Algorithm{ID: id}, scratch)
					assert.Greater(t, scratch.total, int64(0), "staging families require scratch")
					require.InDeltaSlice(t, reference, got, delta, "algorithm %d disagrees with direct", id)
					scratch.release(t)
				}

				// The reduced-precision variant stays within cross-check tolerance.
				scratch = &testScratch{allocator: backend.Allocator()}
				reduced := runCase(t, dnnHandle, stream, args,
					backends.Algorithm{ID: algoDirect, TensorOpsEnabled: true}, scratch)
				for i := range reference {
					a, b := float64(reference[i]), float64(reduced[i])
					relError := math.Abs(a-b) / (math.Max(math.Abs(a), math.Abs(b)) + 1)
					assert.LessOrEqual(t, relError, 0.1)
				}
			})
		}
	}
}

func TestGeometryValidation(t *testing.T) {
	backend := New("")
	stream, err := backend.NewStream(0)
	require.NoError(t, err)
	dnnHandle, err := backend.DNN(0)
	require.NoError(t, err)

	inputShape := shapes.Make(dtypes.Float32, 1, 4, 4, 2)
	filterShape := shapes.Make(dtypes.Float32, 3, 3, 2, 5)
	outputShape := shapes.Make(dtypes.Float32, 1, 2, 2, 5)
	goodArgs := backends.ConvArgs{
		Kind:        backends.ConvForward,
		InputShape:  inputShape,
		FilterShape: filterShape,
		OutputShape: outputShape,
		Input:       newDeviceTensor(t, backend, stream, inputShape, ramp(inputShape.Size())),
		Filter:      newDeviceTensor(t, backend, stream, filterShape, ramp(filterShape.Size())),
		Output:      newDeviceTensor(t, backend, stream, outputShape, ramp(outputShape.Size())),
		Window:      backends.MakeWindow(2, 3, 1, 0),
		Dnums:       backends.NHWC(2),
	}
	scratch := &testScratch{allocator: backend.Allocator()}
	require.NoError(t, dnnHandle.RunConvolution(stream, goodArgs, backends.Algorithm{ID: algoDirect}, scratch, nil))

	// Unknown algorithm.
	err = dnnHandle.RunConvolution(stream, goodArgs, backends.Algorithm{ID: 99}, scratch, nil)
	require.ErrorContains(t, err, "unknown convolution algorithm")

	// Filter features don't match input features.
	badArgs := goodArgs
	badArgs.FilterShape = shapes.Make(dtypes.Float32, 3, 3, 3, 5)
	err = dnnHandle.RunConvolution(stream, badArgs, backends.Algorithm{ID: algoDirect}, scratch, nil)
	require.ErrorContains(t, err, "filter input features")

	// Output spatial dims inconsistent with window.
	badArgs = goodArgs
	badArgs.Window = backends.MakeWindow(2, 3, 2, 0)
	err = dnnHandle.RunConvolution(stream, badArgs, backends.Algorithm{ID: algoDirect}, scratch, nil)
	require.ErrorContains(t, err, "output spatial dims")

	// Mismatched dtypes.
	badArgs = goodArgs
	badArgs.OutputShape = shapes.Make(dtypes.Float16, 1, 2, 2, 5)
	err = dnnHandle.RunConvolution(stream, badArgs, backends.Algorithm{ID: algoDirect}, scratch, nil)
	require.ErrorContains(t, err, "mismatched element types")

	// Unsupported dtype.
	badArgs = goodArgs
	badArgs.InputShape = shapes.Make(dtypes.Int32, 1, 4, 4, 2)
	badArgs.FilterShape = shapes.Make(dtypes.Int32, 3, 3, 2, 5)
	badArgs.OutputShape = shapes.Make(dtypes.Int32, 1, 2, 2, 5)
	err = dnnHandle.RunConvolution(stream, badArgs, backends.Algorithm{ID: algoDirect}, scratch, nil)
	require.ErrorContains(t, err, "not supported")

	// 1D windows are rejected.
	badArgs = goodArgs
	badArgs.Window = backends.MakeWindow(1, 3, 1, 0)
	err = dnnHandle.RunConvolution(stream, badArgs, backends.Algorithm{ID: algoDirect}, scratch, nil)
	require.ErrorContains(t, err, "spatial axes")
}
