package layer

import (
	"errors"
	"fmt"

	"github.com/hupe1980/gptq/matrix"
)

// ErrShape is returned when a tensor's shape does not fit the geometry.
var ErrShape = errors.New("layer: incompatible tensor shape")

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor validates that data matches shape.
func NewTensor(shape []int, data []float32) (Tensor, error) {
	t := Tensor{Shape: shape, Data: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// Validate checks that every dimension is non-negative and that Data holds
// exactly the product of Shape elements.
func (t Tensor) Validate() error {
	n := 1
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrShape, t.Shape)
		}
		n *= d
	}
	if n != len(t.Data) {
		return fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrShape, t.Shape, n, len(t.Data))
	}
	return nil
}

// Rank returns the number of dimensions.
func (t Tensor) Rank() int { return len(t.Shape) }

// Len returns the element count.
func (t Tensor) Len() int { return len(t.Data) }

// flatten reshapes t to (-1, cols); the leading dimension is the sample count.
func flatten(t Tensor, cols int) (*matrix.Dense, int, error) {
	if err := t.Validate(); err != nil {
		return nil, 0, err
	}
	if t.Rank() == 0 || t.Shape[t.Rank()-1] != cols {
		return nil, 0, fmt.Errorf("%w: want trailing dimension %d, got shape %v", ErrShape, cols, t.Shape)
	}
	rows := 1
	for _, d := range t.Shape[:t.Rank()-1] {
		rows *= d
	}
	x, err := matrix.FromFloat32(rows, cols, t.Data)
	if err != nil {
		return nil, 0, err
	}
	samples := 1
	if t.Rank() >= 2 {
		samples = t.Shape[0]
	}
	return x, samples, nil
}
