package hostsim

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/convtune/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// accessor loads and stores one element of a device buffer as float32,
// converting from/to the buffer's dtype.
type accessor struct {
	load  func(data []byte, index int) float32
	store func(data []byte, index int, value float32)
}

func accessorFor(dtype dtypes.DType) (accessor, error) {
	switch dtype {
	case dtypes.Float32:
		return accessor{
			load: func(data []byte, index int) float32 {
				return math.Float32frombits(binary.LittleEndian.Uint32(data[4*index:]))
			},
			store: func(data []byte, index int, value float32) {
				binary.LittleEndian.PutUint32(data[4*index:], math.Float32bits(value))
			},
		}, nil
	case dtypes.Float16:
		return accessor{
			load: func(data []byte, index int) float32 {
				return float16.Frombits(binary.LittleEndian.Uint16(data[2*index:])).Float32()
			},
			store: func(data []byte, index int, value float32) {
				binary.LittleEndian.PutUint16(data[2*index:], float16.Fromfloat32(value).Bits())
			},
		}, nil
	}
	return accessor{}, errors.Errorf("hostsim: convolution on dtype %s is not supported", dtype)
}

// f16Round rounds a float32 through float16, simulating a reduced-precision
// ("tensor ops") accumulator.
func f16Round(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}

// convGeom holds the resolved geometry of one 2D convolution plus index
// functions from logical (batch, channel, spatial) coordinates to flat element
// offsets of the physical layouts described by the dimension numbers.
type convGeom struct {
	acc                   accessor
	input, filter, output []byte

	batch, inChannels, outChannels int
	inRows, inCols                 int
	outRows, outCols               int
	filtRows, filtCols             int
	strideRow, strideCol           int
	padRow, padCol                 int

	inIdx   func(n, c, y, x int) int
	filtIdx func(k, c, r, s int) int
	outIdx  func(n, k, p, q int) int
}

func newConvGeom(args backends.ConvArgs) (*convGeom, error) {
	dnums := args.Dnums
	if dnums.SpatialRank() != 2 || len(args.Window) != 2 {
		return nil, errors.Errorf("hostsim: only 2 spatial axes are supported, got %d spatial axes and %d window dimensions",
			dnums.SpatialRank(), len(args.Window))
	}
	if args.InputShape.DType != args.FilterShape.DType || args.InputShape.DType != args.OutputShape.DType {
		return nil, errors.Errorf("hostsim: mismatched element types: input=%s, filter=%s, output=%s",
			args.InputShape.DType, args.FilterShape.DType, args.OutputShape.DType)
	}
	acc, err := accessorFor(args.InputShape.DType)
	if err != nil {
		return nil, err
	}

	g := &convGeom{
		acc:         acc,
		batch:       args.InputShape.Dim(dnums.InputBatch),
		inChannels:  args.InputShape.Dim(dnums.InputFeature),
		outChannels: args.FilterShape.Dim(dnums.FilterOutputFeature),
		inRows:      args.InputShape.Dim(dnums.InputSpatial[0]),
		inCols:      args.InputShape.Dim(dnums.InputSpatial[1]),
		outRows:     args.OutputShape.Dim(dnums.OutputSpatial[0]),
		outCols:     args.OutputShape.Dim(dnums.OutputSpatial[1]),
		filtRows:    args.FilterShape.Dim(dnums.FilterSpatial[0]),
		filtCols:    args.FilterShape.Dim(dnums.FilterSpatial[1]),
		strideRow:   args.Window[0].Stride,
		strideCol:   args.Window[1].Stride,
		padRow:      args.Window[0].PaddingLow,
		padCol:      args.Window[1].PaddingLow,
	}
	if args.FilterShape.Dim(dnums.FilterInputFeature) != g.inChannels {
		return nil, errors.Errorf("hostsim: filter input features (%d) != input features (%d)",
			args.FilterShape.Dim(dnums.FilterInputFeature), g.inChannels)
	}
	if args.OutputShape.Dim(dnums.OutputBatch) != g.batch ||
		args.OutputShape.Dim(dnums.OutputFeature) != g.outChannels {
		return nil, errors.Errorf("hostsim: output shape %s does not match batch=%d, outFeatures=%d",
			args.OutputShape, g.batch, g.outChannels)
	}
	if args.Window[0].Size != g.filtRows || args.Window[1].Size != g.filtCols {
		return nil, errors.Errorf("hostsim: window sizes %dx%d do not match filter spatial dims %dx%d",
			args.Window[0].Size, args.Window[1].Size, g.filtRows, g.filtCols)
	}
	if g.strideRow <= 0 || g.strideCol <= 0 {
		return nil, errors.Errorf("hostsim: window strides must be positive, got %d and %d", g.strideRow, g.strideCol)
	}
	expectedRows := (g.inRows+args.Window[0].PaddingLow+args.Window[0].PaddingHigh-g.filtRows)/g.strideRow + 1
	expectedCols := (g.inCols+args.Window[1].PaddingLow+args.Window[1].PaddingHigh-g.filtCols)/g.strideCol + 1
	if g.outRows != expectedRows || g.outCols != expectedCols {
		return nil, errors.Errorf("hostsim: output spatial dims %dx%d do not match the expected %dx%d",
			g.outRows, g.outCols, expectedRows, expectedCols)
	}

	for _, operand := range []struct {
		name  string
		shape int64
		buf   backends.Buffer
	}{
		{"input", args.InputShape.Memory(), args.Input},
		{"filter", args.FilterShape.Memory(), args.Filter},
		{"output", args.OutputShape.Memory(), args.Output},
	} {
		if operand.buf == nil || operand.buf.Size() < operand.shape {
			return nil, errors.Errorf("hostsim: %s buffer too small, need %d bytes", operand.name, operand.shape)
		}
	}
	var hb *buffer
	if hb, err = hostBuffer(args.Input); err != nil {
		return nil, err
	}
	g.input = hb.data
	if hb, err = hostBuffer(args.Filter); err != nil {
		return nil, err
	}
	g.filter = hb.data
	if hb, err = hostBuffer(args.Output); err != nil {
		return nil, err
	}
	g.output = hb.data

	inStrides := args.InputShape.Strides()
	filtStrides := args.FilterShape.Strides()
	outStrides := args.OutputShape.Strides()
	g.inIdx = func(n, c, y, x int) int {
		return n*inStrides[dnums.InputBatch] + c*inStrides[dnums.InputFeature] +
			y*inStrides[dnums.InputSpatial[0]] + x*inStrides[dnums.InputSpatial[1]]
	}
	g.filtIdx = func(k, c, r, s int) int {
		return k*filtStrides[dnums.FilterOutputFeature] + c*filtStrides[dnums.FilterInputFeature] +
			r*filtStrides[dnums.FilterSpatial[0]] + s*filtStrides[dnums.FilterSpatial[1]]
	}
	g.outIdx = func(n, k, p, q int) int {
		return n*outStrides[dnums.OutputBatch] + k*outStrides[dnums.OutputFeature] +
			p*outStrides[dnums.OutputSpatial[0]] + q*outStrides[dnums.OutputSpatial[1]]
	}
	return g, nil
}

// Default operand loaders; the staged algorithm families substitute these with
// loads from their workspace.

func (g *convGeom) filterAt(k, c, r, s int) float32 {
	return g.acc.load(g.filter, g.filtIdx(k, c, r, s))
}

func (g *convGeom) inputAt(n, c, y, x int) float32 {
	return g.acc.load(g.input, g.inIdx(n, c, y, x))
}

func (g *convGeom) gradOutAt(n, k, p, q int) float32 {
	return g.acc.load(g.output, g.outIdx(n, k, p, q))
}

// forward computes output[n,k,p,q] = sum_{c,r,s} input[n,c,y,x] * filter[k,c,r,s]
// with y = p*stride+r-pad, x = q*stride+s-pad, out-of-range input reads as zero.
func (g *convGeom) forward(filtAt func(k, c, r, s int) float32, reduced bool) {
	for n := 0; n < g.batch; n++ {
		for k := 0; k < g.outChannels; k++ {
			for p := 0; p < g.outRows; p++ {
				for q := 0; q < g.outCols; q++ {
					var acc float32
					for c := 0; c < g.inChannels; c++ {
						for r := 0; r < g.filtRows; r++ {
							y := p*g.strideRow + r - g.padRow
							if y < 0 || y >= g.inRows {
								continue
							}
							for s := 0; s < g.filtCols; s++ {
								x := q*g.strideCol + s - g.padCol
								if x < 0 || x >= g.inCols {
									continue
								}
								acc += g.inputAt(n, c, y, x) * filtAt(k, c, r, s)
								if reduced {
									acc = f16Round(acc)
								}
							}
						}
					}
					g.acc.store(g.output, g.outIdx(n, k, p, q), acc)
				}
			}
		}
	}
}

// backwardInput computes the gradient with respect to the input, written to the
// input buffer, gathering from the output buffer (which holds the incoming
// gradient) and the filter.
func (g *convGeom) backwardInput(filtAt func(k, c, r, s int) float32, reduced bool) {
	for n := 0; n < g.batch; n++ {
		for c := 0; c < g.inChannels; c++ {
			for y := 0; y < g.inRows; y++ {
				for x := 0; x < g.inCols; x++ {
					var acc float32
					for k := 0; k < g.outChannels; k++ {
						for r := 0; r < g.filtRows; r++ {
							yy := y + g.padRow - r
							if yy < 0 || yy%g.strideRow != 0 {
								continue
							}
							p := yy / g.strideRow
							if p >= g.outRows {
								continue
							}
							for s := 0; s < g.filtCols; s++ {
								xx := x + g.padCol - s
								if xx < 0 || xx%g.strideCol != 0 {
									continue
								}
								q := xx / g.strideCol
								if q >= g.outCols {
									continue
								}
								acc += g.gradOutAt(n, k, p, q) * filtAt(k, c, r, s)
								if reduced {
									acc = f16Round(acc)
								}
							}
						}
					}
					g.acc.store(g.input, g.inIdx(n, c, y, x), acc)
				}
			}
		}
	}
}

// backwardFilter computes the gradient with respect to the filter, written to
// the filter buffer, gathering from the input and the output buffer (which
// holds the incoming gradient).
func (g *convGeom) backwardFilter(inAt func(n, c, y, x int) float32,
	outAt func(n, k, p, q int) float32, reduced bool) {
	for k := 0; k < g.outChannels; k++ {
		for c := 0; c < g.inChannels; c++ {
			for r := 0; r < g.filtRows; r++ {
				for s := 0; s < g.filtCols; s++ {
					var acc float32
					for n := 0; n < g.batch; n++ {
						for p := 0; p < g.outRows; p++ {
							y := p*g.strideRow + r - g.padRow
							if y < 0 || y >= g.inRows {
								continue
							}
							for q := 0; q < g.outCols; q++ {
								x := q*g.strideCol + s - g.padCol
								if x < 0 || x >= g.inCols {
									continue
								}
								acc += inAt(n, c, y, x) * outAt(n, k, p, q)
								if reduced {
									acc = f16Round(acc)
								}
							}
						}
					}
					g.acc.store(g.filter, g.filtIdx(k, c, r, s), acc)
				}
			}
		}
	}
}

// Workspace helpers: workspaces are float32 regardless of the operand dtype.

func scratchBytes(stream backends.Stream, scratch backends.ScratchAllocator, byteSize int64) ([]byte, error) {
	buf, err := scratch.AllocateBytes(stream, byteSize)
	if err != nil {
		return nil, errors.WithMessage(err, "hostsim: allocating convolution workspace")
	}
	hb, err := hostBuffer(buf)
	if err != nil {
		return nil, err
	}
	return hb.data, nil
}

func wsLoad(ws []byte, index int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(ws[4*index:]))
}

func wsStore(ws []byte, index int, value float32) {
	binary.LittleEndian.PutUint32(ws[4*index:], math.Float32bits(value))
}

// runDirect is the plain loop nest over the operand buffers, no scratch.
func runDirect(g *convGeom, kind backends.ConvKind, reduced bool) error {
	switch kind {
	case backends.ConvForward:
		g.forward(g.filterAt, reduced)
	case backends.ConvBackwardInput:
		g.backwardInput(g.filterAt, reduced)
	case backends.ConvBackwardFilter:
		g.backwardFilter(g.inputAt, g.gradOutAt, reduced)
	default:
		return errors.Errorf("hostsim: invalid convolution kind %d", kind)
	}
	return nil
}

// runIm2Col is the GEMM-staging family: forward stages input patches into an
// im2col matrix; the backward kinds stage one operand into a float32 workspace
// and gather from there.
func runIm2Col(g *convGeom, kind backends.ConvKind, reduced bool,
	stream backends.Stream, scratch backends.ScratchAllocator) error {
	switch kind {
	case backends.ConvForward:
		return g.forwardIm2Col(reduced, stream, scratch)

	case backends.ConvBackwardInput:
		// Stage the filter as float32 [c][k][r][s], the gather order of backwardInput.
		ws, err := scratchBytes(stream, scratch,
			4*int64(g.inChannels)*int64(g.outChannels)*int64(g.filtRows)*int64(g.filtCols))
		if err != nil {
			return err
		}
		for c := 0; c < g.inChannels; c++ {
			for k := 0; k < g.outChannels; k++ {
				for r := 0; r < g.filtRows; r++ {
					for s := 0; s < g.filtCols; s++ {
						wsStore(ws, ((c*g.outChannels+k)*g.filtRows+r)*g.filtCols+s, g.filterAt(k, c, r, s))
					}
				}
			}
		}
		g.backwardInput(func(k, c, r, s int) float32 {
			return wsLoad(ws, ((c*g.outChannels+k)*g.filtRows+r)*g.filtCols+s)
		}, reduced)
		return nil

	case backends.ConvBackwardFilter:
		// Stage the incoming gradient as float32 [n][k][p][q].
		ws, err := scratchBytes(stream, scratch,
			4*int64(g.batch)*int64(g.outChannels)*int64(g.outRows)*int64(g.outCols))
		if err != nil {
			return err
		}
		for n := 0; n < g.batch; n++ {
			for k := 0; k < g.outChannels; k++ {
				for p := 0; p < g.outRows; p++ {
					for q := 0; q < g.outCols; q++ {
						wsStore(ws, ((n*g.outChannels+k)*g.outRows+p)*g.outCols+q, g.gradOutAt(n, k, p, q))
					}
				}
			}
		}
		g.backwardFilter(g.inputAt, func(n, k, p, q int) float32 {
			return wsLoad(ws, ((n*g.outChannels+k)*g.outRows+p)*g.outCols+q)
		}, reduced)
		return nil
	}
	return errors.Errorf("hostsim: invalid convolution kind %d", kind)
}

// forwardIm2Col builds, per batch element, the im2col patch matrix
// [outRows*outCols, inChannels*filtRows*filtCols] in the workspace and runs the
// GEMM against the filter.
func (g *convGeom) forwardIm2Col(reduced bool, stream backends.Stream, scratch backends.ScratchAllocator) error {
	patchLen := g.inChannels * g.filtRows * g.filtCols
	numPatches := g.outRows * g.outCols
	ws, err := scratchBytes(stream, scratch, 4*int64(numPatches)*int64(patchLen))
	if err != nil {
		return err
	}
	for n := 0; n < g.batch; n++ {
		for p := 0; p < g.outRows; p++ {
			for q := 0; q < g.outCols; q++ {
				m := p*g.outCols + q
				for c := 0; c < g.inChannels; c++ {
					for r := 0; r < g.filtRows; r++ {
						y := p*g.strideRow + r - g.padRow
						for s := 0; s < g.filtCols; s++ {
							x := q*g.strideCol + s - g.padCol
							var v float32
							if y >= 0 && y < g.inRows && x >= 0 && x < g.inCols {
								v = g.inputAt(n, c, y, x)
							}
							wsStore(ws, m*patchLen+(c*g.filtRows+r)*g.filtCols+s, v)
						}
					}
				}
			}
		}
		for k := 0; k < g.outChannels; k++ {
			for p := 0; p < g.outRows; p++ {
				for q := 0; q < g.outCols; q++ {
					m := p*g.outCols + q
					var acc float32
					for c := 0; c < g.inChannels; c++ {
						for r := 0; r < g.filtRows; r++ {
							for s := 0; s < g.filtCols; s++ {
								acc += g.filterAt(k, c, r, s) * wsLoad(ws, m*patchLen+(c*g.filtRows+r)*g.filtCols+s)
								if reduced {
									acc = f16Round(acc)
								}
							}
						}
					}
					g.acc.store(g.output, g.outIdx(n, k, p, q), acc)
				}
			}
		}
	}
	return nil
}

// runTransform is the non-fused transform family: it pre-transforms one operand
// into an alternate-layout float32 workspace before the loop nest. On real
// devices this family is the one with known integer overflows on old library
// versions, which is why the autotuner may exclude it from enumeration.
func runTransform(g *convGeom, kind backends.ConvKind, reduced bool,
	stream backends.Stream, scratch backends.ScratchAllocator) error {
	switch kind {
	case backends.ConvForward, backends.ConvBackwardInput:
		// Transform the filter to float32 [c][r][s][k].
		ws, err := scratchBytes(stream, scratch,
			4*int64(g.inChannels)*int64(g.filtRows)*int64(g.filtCols)*int64(g.outChannels))
		if err != nil {
			return err
		}
		for c := 0; c < g.inChannels; c++ {
			for r := 0; r < g.filtRows; r++ {
				for s := 0; s < g.filtCols; s++ {
					for k := 0; k < g.outChannels; k++ {
						wsStore(ws, ((c*g.filtRows+r)*g.filtCols+s)*g.outChannels+k, g.filterAt(k, c, r, s))
					}
				}
			}
		}
		filtAt := func(k, c, r, s int) float32 {
			return wsLoad(ws, ((c*g.filtRows+r)*g.filtCols+s)*g.outChannels+k)
		}
		if kind == backends.ConvForward {
			g.forward(filtAt, reduced)
		} else {
			g.backwardInput(filtAt, reduced)
		}
		return nil

	case backends.ConvBackwardFilter:
		// Transform the input to float32 [n][c][y][x].
		ws, err := scratchBytes(stream, scratch,
			4*int64(g.batch)*int64(g.inChannels)*int64(g.inRows)*int64(g.inCols))
		if err != nil {
			return err
		}
		for n := 0; n < g.batch; n++ {
			for c := 0; c < g.inChannels; c++ {
				for y := 0; y < g.inRows; y++ {
					for x := 0; x < g.inCols; x++ {
						wsStore(ws, ((n*g.inChannels+c)*g.inRows+y)*g.inCols+x, g.inputAt(n, c, y, x))
					}
				}
			}
		}
		g.backwardFilter(func(n, c, y, x int) float32 {
			return wsLoad(ws, ((n*g.inChannels+c)*g.inRows+y)*g.inCols+x)
		}, g.gradOutAt, reduced)
		return nil
	}
	return errors.Errorf("hostsim: invalid convolution kind %d", kind)
}
