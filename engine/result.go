package engine

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/packing"
)

// WarningKind classifies a degenerate-input warning.
type WarningKind uint8

const (
	// WarningAllDead means every column had zero curvature, typically because
	// no calibration batch was seen. The output is all zeros.
	WarningAllDead WarningKind = iota + 1
	// WarningNoSamples means the curvature estimate was built from zero samples.
	WarningNoSamples
)

func (k WarningKind) String() string {
	switch k {
	case WarningAllDead:
		return "all_dead"
	case WarningNoSamples:
		return "no_samples"
	default:
		return fmt.Sprintf("warning(%d)", uint8(k))
	}
}

// Warning is a non-fatal diagnostic attached to a Result.
type Warning struct {
	Kind    WarningKind
	Message string
}

// Result is the output of a successful run. Everything is in original
// column order.
type Result struct {
	// Weight is the reconstructed (dequantized) weight, rows × columns.
	Weight *matrix.Dense
	// Codes holds the integer code of every weight, row-major.
	Codes []uint8
	// Scale and Zero are groups × rows.
	Scale *matrix.Dense
	Zero  *matrix.Dense
	// GroupIndex maps each column to its parameter group.
	GroupIndex []int32
	// Loss is the total (weighted) quantization error.
	Loss float64
	// RowLoss is the per-row share of Loss.
	RowLoss []float64

	DeadColumns *roaring.Bitmap
	// Perm is the processing order, nil without activation order.
	Perm    []int
	Damping float64

	Bits      int
	GroupSize int
	Warnings  []Warning
	Duration  time.Duration
}

// Groups returns the number of parameter groups.
func (r *Result) Groups() int { return r.Scale.Rows() }

// Quantized returns the codec input for this result.
func (r *Result) Quantized() packing.Quantized {
	rows, cols := r.Weight.Dims()
	return packing.Quantized{
		Rows:       rows,
		Columns:    cols,
		Bits:       r.Bits,
		GroupSize:  r.GroupSize,
		Codes:      r.Codes,
		Scale:      r.Scale.RawData(),
		Zero:       r.Zero.RawData(),
		GroupIndex: r.GroupIndex,
	}
}

func (p *prepared) finish(s *sweepResult, cfg Config) *Result {
	rows, cols := p.rows, p.cols
	res := &Result{
		Weight:      s.q,
		Codes:       s.codes,
		RowLoss:     s.rowLoss,
		DeadColumns: p.dead,
		Perm:        p.perm,
		Damping:     p.damp,
		Bits:        cfg.Bits,
		GroupSize:   cfg.GroupSize,
	}

	if p.perm != nil {
		inv := matrix.InversePermutation(p.perm)
		res.Weight = s.q.PermuteCols(inv)
		codes := make([]uint8, len(s.codes))
		for r := 0; r < rows; r++ {
			src := s.codes[r*cols : (r+1)*cols]
			dst := codes[r*cols : (r+1)*cols]
			for j, k := range inv {
				dst[j] = src[k]
			}
		}
		res.Codes = codes
	}

	res.GroupIndex = make([]int32, cols)
	if cfg.GroupSize > 0 {
		for j := range res.GroupIndex {
			res.GroupIndex[j] = int32(j / cfg.GroupSize)
		}
	}

	groups := len(s.params)
	res.Scale = matrix.New(groups, rows)
	res.Zero = matrix.New(groups, rows)
	for g, prm := range s.params {
		copy(res.Scale.Row(g), prm.Scale)
		copy(res.Zero.Row(g), prm.Zero)
	}

	for _, l := range s.rowLoss {
		res.Loss += l
	}

	if cols > 0 && int(p.dead.GetCardinality()) == cols {
		res.Warnings = append(res.Warnings, Warning{
			Kind:    WarningAllDead,
			Message: "every column has zero curvature; weights quantized to zero",
		})
	}
	return res
}
