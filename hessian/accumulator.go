package hessian

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/gptq/matrix"
)

// ErrFeatureMismatch is returned when a batch width differs from the
// accumulator's column count.
var ErrFeatureMismatch = errors.New("hessian: feature count mismatch")

// ErrNotSymmetric is returned when a precomputed outer-product sum is not
// symmetric.
var ErrNotSymmetric = errors.New("hessian: outer-product sum is not symmetric")

// symmetryTolerance bounds the relative asymmetry accepted by AddOuter.
const symmetryTolerance = 1e-9

// ErrFreed is returned when an accumulator is used after Free.
var ErrFreed = errors.New("hessian: accumulator freed")

// Accumulator maintains the running curvature estimate for one weight matrix.
// It is safe for concurrent use.
type Accumulator struct {
	mu       sync.Mutex
	columns  int
	h        *matrix.Dense
	nsamples int
}

// NewAccumulator creates an accumulator for weights with the given input width.
func NewAccumulator(columns int) *Accumulator {
	return &Accumulator{
		columns: columns,
		h:       matrix.New(columns, columns),
	}
}

// Columns returns the input width.
func (a *Accumulator) Columns() int { return a.columns }

// Samples returns the number of samples seen so far.
func (a *Accumulator) Samples() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nsamples
}

// AddBatch adds x (samples × columns), counting every row as one sample.
func (a *Accumulator) AddBatch(x *matrix.Dense) error {
	return a.AddSamples(x, x.Rows())
}

// AddSamples adds the rows of x while counting samples for the reweighting.
// Use it for higher-rank inputs whose leading dimension is flattened into rows.
func (a *Accumulator) AddSamples(x *matrix.Dense, samples int) error {
	if x.Cols() != a.columns {
		return fmt.Errorf("%w: want %d, got %d", ErrFeatureMismatch, a.columns, x.Cols())
	}
	if samples <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.h == nil {
		return ErrFreed
	}

	a.rescale(samples)
	return matrix.AddGram(a.h, x, 2/float64(a.nsamples))
}

// AddOuter adds a precomputed Σ xᵢ·xᵢᵀ over the given number of samples.
// The sum must be symmetric.
func (a *Accumulator) AddOuter(sum *matrix.Dense, samples int) error {
	if r, c := sum.Dims(); r != a.columns || c != a.columns {
		return fmt.Errorf("%w: want %dx%d, got %dx%d", ErrFeatureMismatch, a.columns, a.columns, r, c)
	}
	if !sum.IsSymmetric(symmetryTolerance) {
		return ErrNotSymmetric
	}
	if samples <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.h == nil {
		return ErrFreed
	}

	a.rescale(samples)
	return matrix.Add(a.h, sum, 2/float64(a.nsamples))
}

func (a *Accumulator) rescale(samples int) {
	if a.nsamples > 0 {
		a.h.Scale(float64(a.nsamples) / float64(a.nsamples+samples))
	}
	a.nsamples += samples
}

// H returns a copy of the current estimate.
func (a *Accumulator) H() (*matrix.Dense, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.h == nil {
		return nil, ErrFreed
	}
	return a.h.Clone(), nil
}

// DeadColumns returns the columns whose diagonal entry is exactly zero.
func (a *Accumulator) DeadColumns() (*roaring.Bitmap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.h == nil {
		return nil, ErrFreed
	}
	return DeadColumns(a.h), nil
}

// SizeBytes returns the memory held by the estimate.
func (a *Accumulator) SizeBytes() int64 {
	return int64(a.columns) * int64(a.columns) * 8
}

// Free releases the estimate. Further use returns ErrFreed.
func (a *Accumulator) Free() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.h = nil
}

// DeadColumns returns the indices i with h[i,i] == 0.
func DeadColumns(h *matrix.Dense) *roaring.Bitmap {
	bm := roaring.New()
	for i, v := range h.Diag() {
		if v == 0 {
			bm.Add(uint32(i))
		}
	}
	return bm
}
