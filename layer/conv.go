package layer

import (
	"fmt"

	"github.com/hupe1980/gptq/matrix"
)

// Conv2DConfig holds the spatial hyper-parameters of a 2-D convolution.
// Zero values default to stride 1, padding 0, dilation 1.
type Conv2DConfig struct {
	Stride   [2]int
	Padding  [2]int
	Dilation [2]int
}

// Conv2D is a 2-D convolution with weight [out, in, kh, kw].
type Conv2D struct {
	w                *matrix.Dense // out × (in·kh·kw)
	in, kh, kw       int
	stride, pad, dil [2]int
}

// NewConv2D wraps a 4-D weight tensor.
func NewConv2D(weight Tensor, cfg Conv2DConfig) (*Conv2D, error) {
	if err := weight.Validate(); err != nil {
		return nil, err
	}
	if weight.Rank() != 4 {
		return nil, fmt.Errorf("%w: conv2d weight must be rank 4, got %v", ErrShape, weight.Shape)
	}
	out, in, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	w, err := matrix.FromFloat32(out, in*kh*kw, weight.Data)
	if err != nil {
		return nil, err
	}

	c := &Conv2D{w: w, in: in, kh: kh, kw: kw, stride: cfg.Stride, pad: cfg.Padding, dil: cfg.Dilation}
	for i := 0; i < 2; i++ {
		if c.stride[i] == 0 {
			c.stride[i] = 1
		}
		if c.dil[i] == 0 {
			c.dil[i] = 1
		}
		if c.stride[i] < 0 || c.dil[i] < 0 || c.pad[i] < 0 {
			return nil, fmt.Errorf("%w: negative conv2d parameter %+v", ErrShape, cfg)
		}
	}
	return c, nil
}

func (c *Conv2D) Kind() Kind            { return KindConv2D }
func (c *Conv2D) Weight() *matrix.Dense { return c.w.Clone() }
func (c *Conv2D) Columns() int          { return c.w.Cols() }

// Shape returns the native [out, in, kh, kw] shape.
func (c *Conv2D) Shape() []int { return []int{c.w.Rows(), c.in, c.kh, c.kw} }

// Restore returns q unchanged in shape; its row-major data is the native
// [out, in, kh, kw] layout.
func (c *Conv2D) Restore(q *matrix.Dense) (*matrix.Dense, error) {
	if err := sameDims(q, c.w.Rows(), c.w.Cols()); err != nil {
		return nil, err
	}
	return q.Clone(), nil
}

// OutputSize returns the spatial output size for an h × w input.
func (c *Conv2D) OutputSize(h, w int) (int, int) {
	oh := (h+2*c.pad[0]-c.dil[0]*(c.kh-1)-1)/c.stride[0] + 1
	ow := (w+2*c.pad[1]-c.dil[1]*(c.kw-1)-1)/c.stride[1] + 1
	return oh, ow
}

// Unfold extracts every receptive field of an [N, C, H, W] input as a row
// ordered (channel, kernel row, kernel column), matching the flattened weight.
func (c *Conv2D) Unfold(t Tensor) (*matrix.Dense, int, error) {
	if err := t.Validate(); err != nil {
		return nil, 0, err
	}
	if t.Rank() != 4 || t.Shape[1] != c.in {
		return nil, 0, fmt.Errorf("%w: want [N, %d, H, W], got %v", ErrShape, c.in, t.Shape)
	}
	n, h, w := t.Shape[0], t.Shape[2], t.Shape[3]
	oh, ow := c.OutputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, 0, fmt.Errorf("%w: input %dx%d too small for kernel %dx%d", ErrShape, h, w, c.kh, c.kw)
	}

	cols := c.w.Cols()
	out := matrix.New(n*oh*ow, cols)
	row := 0
	for b := 0; b < n; b++ {
		img := t.Data[b*c.in*h*w : (b+1)*c.in*h*w]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				dst := out.Row(row)
				row++
				k := 0
				for ch := 0; ch < c.in; ch++ {
					plane := img[ch*h*w : (ch+1)*h*w]
					for ki := 0; ki < c.kh; ki++ {
						y := oy*c.stride[0] - c.pad[0] + ki*c.dil[0]
						for kj := 0; kj < c.kw; kj++ {
							x := ox*c.stride[1] - c.pad[1] + kj*c.dil[1]
							if y >= 0 && y < h && x >= 0 && x < w {
								dst[k] = float64(plane[y*w+x])
							}
							k++
						}
					}
				}
			}
		}
	}
	return out, n, nil
}
