package autotune

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/convtune/backends"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// f16ComparatorTolerance is the relative error above which two half-precision
// results are considered a mismatch. The denominator gets a +1 floor so values
// near zero are compared absolutely.
const f16ComparatorTolerance = 0.1

// f16Comparator compares half-precision device buffers against a reference
// buffer captured when the comparator was created.
type f16Comparator struct {
	reference []float16.Float16
}

// newF16Comparator reads the buffer back from the device and keeps its contents
// as the reference for later comparisons.
func newF16Comparator(stream backends.Stream, buffer backends.Buffer) (*f16Comparator, error) {
	halfs, err := readF16Buffer(stream, buffer)
	if err != nil {
		return nil, errors.WithMessage(err, "reading reference buffer")
	}
	return &f16Comparator{reference: halfs}, nil
}

// CompareEqual reports whether the buffer matches the reference within
// tolerance. An error means the comparison itself could not be performed.
func (c *f16Comparator) CompareEqual(stream backends.Stream, buffer backends.Buffer) (bool, error) {
	halfs, err := readF16Buffer(stream, buffer)
	if err != nil {
		return false, errors.WithMessage(err, "reading candidate buffer")
	}
	if len(halfs) != len(c.reference) {
		return false, errors.Errorf("buffer has %d elements, reference has %d", len(halfs), len(c.reference))
	}
	for i, half := range halfs {
		a := float64(c.reference[i].Float32())
		b := float64(half.Float32())
		if math.IsNaN(a) || math.IsNaN(b) {
			return false, nil
		}
		relError := math.Abs(a-b) / (math.Max(math.Abs(a), math.Abs(b)) + 1)
		if relError > f16ComparatorTolerance {
			return false, nil
		}
	}
	return true, nil
}

func readF16Buffer(stream backends.Stream, buffer backends.Buffer) ([]float16.Float16, error) {
	size := buffer.Size()
	if size%2 != 0 {
		return nil, errors.Errorf("fp16 buffer has odd byte size %d", size)
	}
	raw := make([]byte, size)
	if err := stream.MemcpyDeviceToHost(raw, buffer, 0); err != nil {
		return nil, err
	}
	if err := stream.BlockUntilDone(); err != nil {
		return nil, err
	}
	halfs := make([]float16.Float16, size/2)
	for i := range halfs {
		halfs[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return halfs, nil
}

// checkerState is the comparator life cycle within one episode. The transition
// unset -> seeded happens exactly once, on the first successful candidate;
// unavailable is terminal.
type checkerState int

const (
	checkerUnset checkerState = iota
	checkerSeeded
	checkerUnavailable
)

// crossChecker runs the reduced-precision cross-check across one episode's
// candidates. Its outcome is a diagnostic only and never affects which
// algorithm gets selected; a mismatch is logged as an error, or aborts the
// process when the episode opted into crash-on-verification-failure.
type crossChecker struct {
	enabled        bool
	crashOnFailure bool
	site           string

	state          checkerState
	comparator     *f16Comparator
	firstAlgorithm backends.Algorithm
}

// observe is called with the result buffer after every successful, validly
// profiled candidate run. The first call seeds the reference comparator; later
// calls compare against it.
func (c *crossChecker) observe(stream backends.Stream, result backends.Buffer, algorithm backends.Algorithm) {
	if !c.enabled {
		return
	}
	switch c.state {
	case checkerUnset:
		comparator, err := newF16Comparator(stream, result)
		if err != nil {
			klog.Errorf("convtune: failed to initialize buffer comparator for %s: %+v", c.site, err)
			c.state = checkerUnavailable
			c.fatalIfStrict()
			return
		}
		// Any algorithm suffices as reference; being first doesn't make it correct.
		c.comparator = comparator
		c.firstAlgorithm = algorithm
		c.state = checkerSeeded

	case checkerSeeded:
		equal, err := c.comparator.CompareEqual(stream, result)
		if err != nil {
			klog.Errorf("convtune: unable to compare %s against %s for %s: %+v",
				c.firstAlgorithm, algorithm, c.site, err)
			c.fatalIfStrict()
		} else if !equal {
			klog.Errorf("convtune: results mismatch between convolution algorithms %s and %s for %s. "+
				"This is likely a bug in a convolution implementation, or an excessive loss of precision.",
				c.firstAlgorithm, algorithm, c.site)
			c.fatalIfStrict()
		}

	case checkerUnavailable:
		// No reference to compare against.
	}
}

func (c *crossChecker) fatalIfStrict() {
	if c.crashOnFailure {
		klog.Fatalf("convtune: aborting on verification failure for %s (crash-on-verification-failure is set)", c.site)
	}
}
