package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/quantization"
	"golang.org/x/sync/errgroup"
)

// LossProfile returns, for every row of w, the weighted quantization loss at
// each of the given bit depths (rows × len(bits)). A bit depth of 0 measures
// the loss of pruning the weight entirely.
//
// The curvature factorization is shared; the sweeps for the individual bit
// depths run concurrently. Options other than Bits apply to every sweep.
func LossProfile(ctx context.Context, w, h *matrix.Dense, bits []int, optFns ...Option) (*matrix.Dense, error) {
	rows, cols := w.Dims()
	cfg := DefaultConfig(0).Apply(optFns...)
	for _, b := range bits {
		if b != 0 && !quantization.IsSupported(b) {
			return nil, &ConfigError{Field: "bits", Reason: fmt.Sprintf("%d is not supported", b), cause: &quantization.ErrUnsupportedBitDepth{Bits: b}}
		}
	}
	if err := cfg.validate(rows, cols); err != nil {
		return nil, err
	}

	p, err := prepare(w, h, cfg)
	if err != nil {
		return nil, err
	}

	out := matrix.New(rows, len(bits))
	g, ctx := errgroup.WithContext(ctx)
	for k, b := range bits {
		g.Go(func() error {
			c := cfg
			c.Bits = b

			var q *quantization.Affine
			var static []quantization.Params
			if b != 0 {
				var err error
				if q, err = quantization.New(b, c.quantizerOptions()...); err != nil {
					return err
				}
				if cols > 0 {
					if err := q.FindParams(w); err != nil {
						return err
					}
				}
				if c.staticGroups() {
					if static, err = groupParams(p.base, c); err != nil {
						return err
					}
				}
			}

			s, err := p.sweep(ctx, c, q, static)
			if err != nil {
				return err
			}
			// Each goroutine owns column k.
			for r, l := range s.rowLoss {
				out.Set(r, k, l)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
