package diagnostics

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/hupe1980/gptq/matrix"
	"github.com/olekukonko/tablewriter"
)

// Stats summarizes one quantized layer.
type Stats struct {
	Name    string
	LayerID int
	Bits    int
	Rows    int
	Columns int
	Error   float64
	// WeightSNR is the noise-to-signal ratio of the reconstructed weight.
	WeightSNR float64
	// OutputSNR is the noise-to-signal ratio of the layer output on the
	// calibration inputs, NaN when not measured.
	OutputSNR float64
	Duration  time.Duration
}

// SNR returns the mean over rows of ‖pred-ref‖² / ‖ref‖². Rows whose
// reference is all zeros are skipped; if every row is skipped the result is 0.
func SNR(pred, ref *matrix.Dense) (float64, error) {
	pr, pc := pred.Dims()
	rr, rc := ref.Dims()
	if pr != rr || pc != rc {
		return 0, &matrix.ErrShapeMismatch{Op: "SNR", Want: [2]int{rr, rc}, Got: [2]int{pr, pc}}
	}

	var sum float64
	var n int
	for r := 0; r < rr; r++ {
		var noise, signal float64
		p, q := pred.Row(r), ref.Row(r)
		for i, v := range q {
			d := p[i] - v
			noise += d * d
			signal += v * v
		}
		if signal == 0 {
			continue
		}
		sum += noise / signal
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// RenderStats writes one row per layer.
func RenderStats(w io.Writer, stats []Stats) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Layer", "Bits", "Shape", "Error", "Weight SNR", "Output SNR", "Time"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, s := range stats {
		table.Append([]string{
			s.Name,
			strconv.Itoa(s.LayerID),
			strconv.Itoa(s.Bits),
			fmt.Sprintf("%dx%d", s.Rows, s.Columns),
			fmt.Sprintf("%.6g", s.Error),
			fmt.Sprintf("%.4g", s.WeightSNR),
			formatOptional(s.OutputSNR),
			s.Duration.Round(time.Millisecond).String(),
		})
	}
	table.Render()
	return nil
}

func formatOptional(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.4g", v)
}
