package quantization

import (
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/gptq/matrix"
)

// SupportedBits lists the bit depths the quantizer and the packed layout accept.
var SupportedBits = []int{2, 4, 8}

// IsSupported reports whether bits is a supported bit depth.
func IsSupported(bits int) bool {
	return slices.Contains(SupportedBits, bits)
}

// MaxQ returns the largest code for the given bit depth.
func MaxQ(bits int) int {
	return 1<<bits - 1
}

// Params holds per-row quantization parameters.
type Params struct {
	Scale []float64
	Zero  []float64
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	return Params{Scale: slices.Clone(p.Scale), Zero: slices.Clone(p.Zero)}
}

// Affine is a scale / zero-point quantizer.
type Affine struct {
	bits       int
	maxq       float64
	perChannel bool
	symmetric  bool

	mse       bool
	norm      float64
	grid      int
	maxShrink float64

	scale []float64
	zero  []float64
}

// Option configures an Affine quantizer.
type Option func(*Affine)

// WithPerChannel computes one (scale, zero) pair per row.
func WithPerChannel(on bool) Option {
	return func(q *Affine) { q.perChannel = on }
}

// WithSymmetric mirrors the range around zero.
func WithSymmetric(on bool) Option {
	return func(q *Affine) { q.symmetric = on }
}

// WithMSE enables the clipping search with the given error norm, grid
// resolution and maximum shrink fraction.
func WithMSE(norm float64, grid int, maxShrink float64) Option {
	return func(q *Affine) {
		q.mse = true
		q.norm = norm
		q.grid = grid
		q.maxShrink = maxShrink
	}
}

// WithMinError enables the clipping search with the default grid
// (norm 2.4, 100 steps, shrink up to 80%).
func WithMinError() Option {
	return WithMSE(DefaultNorm, DefaultGrid, DefaultMaxShrink)
}

// Defaults for the clipping search.
const (
	DefaultNorm      = 2.4
	DefaultGrid      = 100
	DefaultMaxShrink = 0.8
)

// New creates an affine quantizer for the given bit depth.
func New(bits int, optFns ...Option) (*Affine, error) {
	if !IsSupported(bits) {
		return nil, &ErrUnsupportedBitDepth{Bits: bits}
	}

	q := &Affine{
		bits:      bits,
		maxq:      float64(MaxQ(bits)),
		norm:      DefaultNorm,
		grid:      DefaultGrid,
		maxShrink: DefaultMaxShrink,
	}
	for _, fn := range optFns {
		fn(q)
	}

	if q.mse {
		if q.grid <= 0 {
			return nil, fmt.Errorf("%w: grid must be positive, got %d", ErrInvalidOption, q.grid)
		}
		if q.maxShrink <= 0 || q.maxShrink > 1 {
			return nil, fmt.Errorf("%w: max shrink must be in (0, 1], got %g", ErrInvalidOption, q.maxShrink)
		}
		if q.norm <= 0 {
			return nil, fmt.Errorf("%w: norm must be positive, got %g", ErrInvalidOption, q.norm)
		}
	}
	return q, nil
}

// Bits returns the configured bit depth.
func (q *Affine) Bits() int { return q.bits }

// MaxQ returns the largest code.
func (q *Affine) MaxQ() int { return int(q.maxq) }

// Symmetric reports whether the quantizer is symmetric.
func (q *Affine) Symmetric() bool { return q.symmetric }

// Ready reports whether FindParams (or SetParams) has been called.
func (q *Affine) Ready() bool { return q.scale != nil }

// Params returns a copy of the current parameters.
func (q *Affine) Params() Params {
	return Params{Scale: slices.Clone(q.scale), Zero: slices.Clone(q.zero)}
}

// SetParams installs precomputed parameters.
func (q *Affine) SetParams(p Params) error {
	if len(p.Scale) != len(p.Zero) {
		return fmt.Errorf("%w: %d scales but %d zeros", ErrInvalidOption, len(p.Scale), len(p.Zero))
	}
	q.scale = slices.Clone(p.Scale)
	q.zero = slices.Clone(p.Zero)
	return nil
}

// FindParams calibrates on every column of x.
func (q *Affine) FindParams(x *matrix.Dense) error {
	return q.FindParamsCols(x, 0, x.Cols())
}

// FindParamsCols calibrates on columns [c0, c1) of x. Rows are channels.
func (q *Affine) FindParamsCols(x *matrix.Dense, c0, c1 int) error {
	rows, cols := x.Dims()
	if c0 < 0 || c1 > cols || c0 >= c1 {
		return &matrix.ErrShapeMismatch{Op: "FindParams", Want: [2]int{rows, c1 - c0}, Got: [2]int{rows, cols}}
	}

	// Each channel is a slice of values; per-tensor mode uses one channel
	// holding the entire range.
	var channels [][]float64
	if q.perChannel {
		channels = make([][]float64, rows)
		for i := range channels {
			channels[i] = x.Row(i)[c0:c1]
		}
	} else {
		all := make([]float64, 0, rows*(c1-c0))
		for i := 0; i < rows; i++ {
			all = append(all, x.Row(i)[c0:c1]...)
		}
		channels = [][]float64{all}
	}

	scale := make([]float64, len(channels))
	zero := make([]float64, len(channels))
	for i, ch := range channels {
		scale[i], zero[i] = q.fit(ch)
	}

	if !q.perChannel {
		s, z := scale[0], zero[0]
		scale = make([]float64, rows)
		zero = make([]float64, rows)
		for i := range scale {
			scale[i], zero[i] = s, z
		}
	}

	q.scale = scale
	q.zero = zero
	return nil
}

// fit computes (scale, zero) for one channel.
func (q *Affine) fit(x []float64) (float64, float64) {
	xmin, xmax := 0.0, 0.0
	for _, v := range x {
		xmin = math.Min(xmin, v)
		xmax = math.Max(xmax, v)
	}

	if q.symmetric {
		xmax = math.Max(math.Abs(xmin), xmax)
		if xmin < 0 {
			xmin = -xmax
		}
	}
	if xmin == 0 && xmax == 0 {
		xmin, xmax = -1, 1
	}

	scale, zero := q.rangeParams(xmin, xmax)
	if !q.mse {
		return scale, zero
	}

	best := math.Inf(1)
	steps := int(q.maxShrink * float64(q.grid))
	for i := 0; i < steps; i++ {
		p := 1 - float64(i)/float64(q.grid)
		s, z := q.rangeParams(p*xmin, p*xmax)
		var err float64
		for _, v := range x {
			err += math.Pow(math.Abs(Quantize(v, s, z, q.maxq)-v), q.norm)
		}
		if err < best {
			best = err
			scale, zero = s, z
		}
	}
	return scale, zero
}

func (q *Affine) rangeParams(xmin, xmax float64) (float64, float64) {
	scale := (xmax - xmin) / q.maxq
	if q.symmetric {
		return scale, (q.maxq + 1) / 2
	}
	zero := math.RoundToEven(-xmin / scale)
	if zero < 1 {
		// Code 0 is reserved below a zero point of 1, so the top of the
		// range has to fit in maxq-1 steps.
		return xmax / (q.maxq - 1), 1
	}
	return scale, math.Min(zero, q.maxq)
}

// Quantize maps x through row's grid and back to a real value.
func (q *Affine) Quantize(x float64, row int) float64 {
	return Quantize(x, q.scale[row], q.zero[row], q.maxq)
}

// Code returns the integer code of x on row's grid.
func (q *Affine) Code(x float64, row int) uint8 {
	return uint8(Code(x, q.scale[row], q.zero[row], q.maxq))
}

// QuantizeColumn quantizes a column vector (one value per row) into dst.
func (q *Affine) QuantizeColumn(col, dst []float64) ([]float64, error) {
	if !q.Ready() {
		return nil, ErrNotReady
	}
	if len(col) != len(q.scale) {
		return nil, &matrix.ErrShapeMismatch{Op: "QuantizeColumn", Want: [2]int{len(q.scale), 1}, Got: [2]int{len(col), 1}}
	}
	if cap(dst) < len(col) {
		dst = make([]float64, len(col))
	}
	dst = dst[:len(col)]
	for i, v := range col {
		dst[i] = Quantize(v, q.scale[i], q.zero[i], q.maxq)
	}
	return dst, nil
}

// CodeColumn encodes a column vector into dst.
func (q *Affine) CodeColumn(col []float64, dst []uint8) ([]uint8, error) {
	if !q.Ready() {
		return nil, ErrNotReady
	}
	if len(col) != len(q.scale) {
		return nil, &matrix.ErrShapeMismatch{Op: "CodeColumn", Want: [2]int{len(q.scale), 1}, Got: [2]int{len(col), 1}}
	}
	if cap(dst) < len(col) {
		dst = make([]uint8, len(col))
	}
	dst = dst[:len(col)]
	for i, v := range col {
		dst[i] = uint8(Code(v, q.scale[i], q.zero[i], q.maxq))
	}
	return dst, nil
}

// Code returns clamp(round(x/scale) + zero, 0, maxq).
func Code(x, scale, zero, maxq float64) float64 {
	c := math.RoundToEven(x/scale) + zero
	return math.Min(math.Max(c, 0), maxq)
}

// Quantize returns scale · (Code(x) - zero).
func Quantize(x, scale, zero, maxq float64) float64 {
	return scale * (Code(x, scale, zero, maxq) - zero)
}
