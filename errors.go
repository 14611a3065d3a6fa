package gptq

import (
	"errors"
	"fmt"

	"github.com/hupe1980/gptq/engine"
	"github.com/hupe1980/gptq/hessian"
	"github.com/hupe1980/gptq/layer"
	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/packing"
	"github.com/hupe1980/gptq/quantization"
)

var (
	// ErrConfiguration is returned for invalid bit depths, group sizes,
	// damping fractions, masks or output weights.
	ErrConfiguration = errors.New("gptq: invalid configuration")

	// ErrShape is returned when weights, activations or curvature estimates
	// disagree on dimensions.
	ErrShape = errors.New("gptq: shape mismatch")

	// ErrNumericalInstability is returned when the damped curvature estimate
	// cannot be factorized.
	ErrNumericalInstability = errors.New("gptq: numerical instability")

	// ErrFreed is returned when a Quantizer is used after Free.
	ErrFreed = errors.New("gptq: quantizer freed")
)

// ErrUnsupportedBitDepth indicates a bit depth outside {2, 4, 8}.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrUnsupportedBitDepth struct {
	Bits  int
	cause error
}

func (e *ErrUnsupportedBitDepth) Error() string {
	return fmt.Sprintf("gptq: unsupported bit depth %d", e.Bits)
}

func (e *ErrUnsupportedBitDepth) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrConfiguration, e.cause}
	}
	return []error{ErrConfiguration}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Already translated.
	if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrShape) ||
		errors.Is(err, ErrNumericalInstability) || errors.Is(err, ErrFreed) {
		return err
	}

	var ub *quantization.ErrUnsupportedBitDepth
	if errors.As(err, &ub) {
		return &ErrUnsupportedBitDepth{Bits: ub.Bits, cause: err}
	}
	if errors.Is(err, engine.ErrConfiguration) || errors.Is(err, quantization.ErrInvalidOption) {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	if errors.Is(err, engine.ErrNumericalInstability) {
		return fmt.Errorf("%w: %w", ErrNumericalInstability, err)
	}
	var npd *matrix.ErrNotPositiveDefinite
	if errors.As(err, &npd) {
		return fmt.Errorf("%w: %w", ErrNumericalInstability, err)
	}

	if errors.Is(err, engine.ErrShape) || errors.Is(err, hessian.ErrFeatureMismatch) || errors.Is(err, hessian.ErrNotSymmetric) ||
		errors.Is(err, layer.ErrShape) || errors.Is(err, packing.ErrShape) {
		return fmt.Errorf("%w: %w", ErrShape, err)
	}
	var sm *matrix.ErrShapeMismatch
	if errors.As(err, &sm) {
		return fmt.Errorf("%w: %w", ErrShape, err)
	}
	var vr *packing.ErrValueOutOfRange
	if errors.As(err, &vr) {
		return fmt.Errorf("%w: %w", ErrShape, err)
	}

	if errors.Is(err, hessian.ErrFreed) {
		return fmt.Errorf("%w: %w", ErrFreed, err)
	}

	return err
}
