package inference

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/packing"
	"golang.org/x/sync/errgroup"
)

// Evaluator computes a layer's forward pass on a batch × InFeatures input.
type Evaluator interface {
	Forward(ctx context.Context, x *matrix.Dense) (*matrix.Dense, error)
	InFeatures() int
	OutFeatures() int
}

type options struct {
	parallelism int
	chunk       int
}

// Option configures an evaluator.
type Option func(*options)

// WithParallelism bounds the number of concurrent row chunks.
func WithParallelism(n int) Option {
	return func(o *options) { o.parallelism = n }
}

// WithChunkSize sets how many input rows one task handles.
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunk = n }
}

func applyOptions(optFns []Option) options {
	o := options{parallelism: runtime.GOMAXPROCS(0), chunk: 64}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.parallelism <= 0 {
		o.parallelism = 1
	}
	if o.chunk <= 0 {
		o.chunk = 1
	}
	return o
}

// Linear evaluates a packed dense layer.
type Linear struct {
	layer *packing.Layer
	opts  options

	once   sync.Once
	weight *matrix.Dense
	err    error
}

// NewLinear validates l and returns an evaluator for it.
func NewLinear(l *packing.Layer, optFns ...Option) (*Linear, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &Linear{layer: l, opts: applyOptions(optFns)}, nil
}

func (e *Linear) InFeatures() int  { return e.layer.Columns }
func (e *Linear) OutFeatures() int { return e.layer.Rows }

// Weight returns the dequantized weight (out × in), computing it on first use.
func (e *Linear) Weight() (*matrix.Dense, error) {
	e.once.Do(func() {
		e.weight, e.err = packing.Dequantize(e.layer)
	})
	return e.weight, e.err
}

// Forward computes x·Wᵀ + b.
func (e *Linear) Forward(ctx context.Context, x *matrix.Dense) (*matrix.Dense, error) {
	w, err := e.Weight()
	if err != nil {
		return nil, err
	}
	if x.Cols() != e.layer.Columns {
		return nil, &matrix.ErrShapeMismatch{Op: "Forward", Want: [2]int{x.Rows(), e.layer.Columns}, Got: [2]int{x.Rows(), x.Cols()}}
	}

	y := matrix.New(x.Rows(), e.layer.Rows)
	err = parallelRows(ctx, x.Rows(), e.opts, func(r0, r1 int) {
		for r := r0; r < r1; r++ {
			xr := x.Row(r)
			yr := y.Row(r)
			for o := range yr {
				var s float64
				for i, v := range w.Row(o) {
					s += xr[i] * v
				}
				if e.layer.Bias != nil {
					s += float64(e.layer.Bias[o])
				}
				yr[o] = s
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return y, nil
}

// parallelRows splits [0, n) into chunks and runs fn on each.
func parallelRows(ctx context.Context, n int, o options, fn func(r0, r1 int)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for r0 := 0; r0 < n; r0 += o.chunk {
		r1 := min(r0+o.chunk, n)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(r0, r1)
			return nil
		})
	}
	return g.Wait()
}

// LowRank evaluates a factored layer from its two packed factors.
type LowRank struct {
	v    *Linear // rank × in
	u    *Linear // out × rank
	s    []float64
	bias []float32
}

// NewLowRank builds the fused evaluator. bias may be nil.
func NewLowRank(u, v *packing.Layer, s []float64, bias []float32, optFns ...Option) (*LowRank, error) {
	if v.Rows != len(s) || u.Columns != len(s) {
		return nil, fmt.Errorf("inference: rank mismatch: V has %d rows, U has %d columns, S has %d values", v.Rows, u.Columns, len(s))
	}
	if bias != nil && len(bias) != u.Rows {
		return nil, fmt.Errorf("inference: bias has %d entries, want %d", len(bias), u.Rows)
	}
	ev, err := NewLinear(v, optFns...)
	if err != nil {
		return nil, err
	}
	eu, err := NewLinear(u, optFns...)
	if err != nil {
		return nil, err
	}
	return &LowRank{v: ev, u: eu, s: append([]float64(nil), s...), bias: bias}, nil
}

func (e *LowRank) InFeatures() int  { return e.v.InFeatures() }
func (e *LowRank) OutFeatures() int { return e.u.OutFeatures() }

// Forward computes ((x·Vᵀ)·diag(S))·Uᵀ + b.
func (e *LowRank) Forward(ctx context.Context, x *matrix.Dense) (*matrix.Dense, error) {
	z, err := e.v.Forward(ctx, x)
	if err != nil {
		return nil, err
	}
	for r := 0; r < z.Rows(); r++ {
		row := z.Row(r)
		for k := range row {
			row[k] *= e.s[k]
		}
	}
	y, err := e.u.Forward(ctx, z)
	if err != nil {
		return nil, err
	}
	if e.bias != nil {
		for r := 0; r < y.Rows(); r++ {
			row := y.Row(r)
			for o := range row {
				row[o] += float64(e.bias[o])
			}
		}
	}
	return y, nil
}
