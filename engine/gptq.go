package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/gptq/hessian"
	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/quantization"
	"gonum.org/v1/gonum/floats"
)

// Quantize runs the engine with DefaultConfig(bits) and the given options.
func Quantize(ctx context.Context, w, h *matrix.Dense, bits int, optFns ...Option) (*Result, error) {
	return Run(ctx, w, h, DefaultConfig(bits).Apply(optFns...))
}

// Run quantizes w (rows × columns) against the curvature estimate h
// (columns × columns). Inputs are not modified.
func Run(ctx context.Context, w, h *matrix.Dense, cfg Config) (*Result, error) {
	start := time.Now()
	rows, cols := w.Dims()
	if err := cfg.Validate(rows, cols); err != nil {
		return nil, err
	}

	p, err := prepare(w, h, cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.logger()

	// Parameters are calibrated on the weight as given, before dead columns
	// are cleared.
	q, err := quantization.New(cfg.Bits, cfg.quantizerOptions()...)
	if err != nil {
		return nil, &ConfigError{Field: "bits", Reason: err.Error(), cause: err}
	}
	if cols > 0 {
		if err := q.FindParams(w); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrShape, err)
		}
	}

	var static []quantization.Params
	if cfg.staticGroups() {
		static, err = groupParams(p.base, cfg)
		if err != nil {
			return nil, err
		}
	}

	s, err := p.sweep(ctx, cfg, q, static)
	if err != nil {
		return nil, err
	}

	res := p.finish(s, cfg)
	res.Duration = time.Since(start)

	for _, wn := range res.Warnings {
		logger.WarnContext(ctx, wn.Message, "kind", wn.Kind.String(), "columns", cols)
	}
	logger.DebugContext(ctx, "quantized weight",
		"rows", rows,
		"columns", cols,
		"bits", cfg.Bits,
		"group_size", cfg.GroupSize,
		"act_order", cfg.ActOrder,
		"loss", res.Loss,
		"duration", res.Duration,
	)
	return res, nil
}

// prepared holds everything the sweep needs that does not depend on the
// bit depth.
type prepared struct {
	rows, cols int
	base       *matrix.Dense // dead columns cleared, original order
	w          *matrix.Dense // base in processing order
	mask       *matrix.Dense // processing order, nil if unset
	hinv       *matrix.Dense // upper Cholesky factor of the damped inverse
	perm       []int         // nil when processing order is the original one
	dead       *roaring.Bitmap
	damp       float64
}

func prepare(w, h *matrix.Dense, cfg Config) (*prepared, error) {
	rows, cols := w.Dims()
	if hr, hc := h.Dims(); hr != cols || hc != cols {
		return nil, fmt.Errorf("%w: %w", ErrShape, &matrix.ErrShapeMismatch{Op: "curvature", Want: [2]int{cols, cols}, Got: [2]int{hr, hc}})
	}

	p := &prepared{rows: rows, cols: cols}
	h = h.Clone()
	base := w.Clone()

	p.dead = hessian.DeadColumns(h)
	it := p.dead.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		h.Set(i, i, 1)
		for r := 0; r < rows; r++ {
			base.Set(r, i, 0)
		}
	}
	p.base = base
	p.w = base.Clone()
	if cfg.Mask != nil {
		p.mask = cfg.Mask.Clone()
	}

	if cfg.ActOrder && cols > 1 {
		p.perm = matrix.ArgsortDesc(h.Diag())
		p.w = p.w.PermuteCols(p.perm)
		h = h.PermuteSym(p.perm)
		if p.mask != nil {
			p.mask = p.mask.PermuteCols(p.perm)
		}
	}

	if cols == 0 {
		p.hinv = matrix.New(0, 0)
		return p, nil
	}

	mean := floats.Sum(h.Diag()) / float64(cols)
	p.damp = cfg.DampingFraction * mean
	for i := 0; i < cols; i++ {
		h.Set(i, i, h.At(i, i)+p.damp)
	}

	inv, err := matrix.CholeskyInverse(h)
	if err != nil {
		return nil, &NumericalInstabilityError{Stage: "cholesky", Damping: p.damp, cause: err}
	}
	p.hinv, err = matrix.CholeskyUpper(inv)
	if err != nil {
		return nil, &NumericalInstabilityError{Stage: "inverse_factor", Damping: p.damp, cause: err}
	}
	return p, nil
}

// groupParams calibrates every group of w in original column order.
func groupParams(w *matrix.Dense, cfg Config) ([]quantization.Params, error) {
	_, cols := w.Dims()
	out := make([]quantization.Params, 0, cfg.Groups(cols))
	for c0 := 0; c0 < cols; c0 += cfg.GroupSize {
		q, err := quantization.New(cfg.Bits, cfg.quantizerOptions()...)
		if err != nil {
			return nil, err
		}
		if err := q.FindParamsCols(w, c0, min(c0+cfg.GroupSize, cols)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrShape, err)
		}
		out = append(out, q.Params())
	}
	return out, nil
}

// sweepResult holds the processing-order outputs of one sweep.
type sweepResult struct {
	q       *matrix.Dense // reconstructed weights
	codes   []uint8       // rows × cols, row-major
	rowLoss []float64     // weighted
	params  []quantization.Params
}

// sweep runs the blockwise loop. A nil quantizer prunes: every weight is
// replaced by zero.
func (p *prepared) sweep(ctx context.Context, cfg Config, q *quantization.Affine, static []quantization.Params) (*sweepResult, error) {
	rows, cols := p.rows, p.cols
	w := p.w.Clone()
	out := &sweepResult{
		q:       matrix.New(rows, cols),
		codes:   make([]uint8, rows*cols),
		rowLoss: make([]float64, rows),
	}

	if q != nil && !cfg.staticGroups() && cfg.GroupSize <= 0 {
		out.params = []quantization.Params{q.Params()}
	}
	if static != nil {
		out.params = static
	}

	bs := cfg.BlockSize
	col := make([]float64, rows)
	group := -1
	for i1 := 0; i1 < cols; i1 += bs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		i2 := min(i1+bs, cols)
		count := i2 - i1

		w1 := w.SliceCols(i1, i2)
		err1 := matrix.New(rows, count)
		hinv1 := p.hinv.Slice(i1, i2, i1, i2)

		for i := 0; i < count; i++ {
			c := i1 + i
			if q != nil && cfg.GroupSize > 0 {
				if static != nil {
					orig := c
					if p.perm != nil {
						orig = p.perm[c]
					}
					if g := orig / cfg.GroupSize; g != group {
						group = g
						if err := q.SetParams(static[g]); err != nil {
							return nil, err
						}
					}
				} else if c%cfg.GroupSize == 0 {
					cur := p.currentCols(w, w1, err1, i1, i, c, min(c+cfg.GroupSize, cols))
					if err := q.FindParams(cur); err != nil {
						return nil, fmt.Errorf("%w: %w", ErrShape, err)
					}
					out.params = append(out.params, q.Params())
				}
			}

			w1.Col(i, col)
			d := hinv1.At(i, i)
			hrow := hinv1.Row(i)
			for r := 0; r < rows; r++ {
				wv := col[r]
				if p.mask != nil {
					wv *= p.mask.At(r, c)
				}

				var qv float64
				var code uint8
				if q != nil {
					qv = q.Quantize(wv, r)
					code = q.Code(wv, r)
				}
				out.q.Set(r, c, qv)
				out.codes[r*cols+c] = code

				diff := wv - qv
				out.rowLoss[r] += diff * diff / (d * d) / 2

				e := diff / d
				err1.Set(r, i, e)
				if e == 0 {
					continue
				}
				floats.AddScaled(w1.Row(r)[i+1:], -e, hrow[i+1:])
			}
		}

		if i2 < cols {
			upd, err := matrix.Mul(err1, p.hinv.Slice(i1, i2, i2, cols))
			if err != nil {
				return nil, err
			}
			for r := 0; r < rows; r++ {
				floats.Sub(w.Row(r)[i2:], upd.Row(r))
			}
		}
	}

	for r, l := range out.rowLoss {
		if cfg.OutputWeights != nil {
			l *= cfg.OutputWeights[r] * cfg.OutputWeights[r]
			out.rowLoss[r] = l
		}
		if math.IsNaN(l) || math.IsInf(l, 0) {
			return nil, &NumericalInstabilityError{Stage: "sweep", Damping: p.damp}
		}
	}
	return out, nil
}

// currentCols assembles the fully compensated values of columns [c0, c1)
// while column i1+done of the current block is next. Columns inside the
// block come from the in-block copy; later columns still owe the pending
// block update err1[:, :done] · hinv[i1:i1+done, c].
func (p *prepared) currentCols(w, w1, err1 *matrix.Dense, i1, done, c0, c1 int) *matrix.Dense {
	rows := w.Rows()
	i2 := i1 + w1.Cols()
	out := matrix.New(rows, c1-c0)
	for r := 0; r < rows; r++ {
		dst := out.Row(r)
		er := err1.Row(r)[:done]
		for c := c0; c < c1; c++ {
			if c < i2 {
				dst[c-c0] = w1.At(r, c-i1)
				continue
			}
			v := w.At(r, c)
			for k, e := range er {
				v -= e * p.hinv.At(i1+k, c)
			}
			dst[c-c0] = v
		}
	}
	return out
}
