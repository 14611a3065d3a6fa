package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrShape is returned when W, H, the mask or the output weights
	// disagree on dimensions.
	ErrShape = errors.New("engine: shape mismatch")

	// ErrConfiguration is the sentinel wrapped by every *ConfigError.
	ErrConfiguration = errors.New("engine: invalid configuration")

	// ErrNumericalInstability is the sentinel wrapped by every
	// *NumericalInstabilityError.
	ErrNumericalInstability = errors.New("engine: numerical instability")
)

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("engine: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap returns both the sentinel and the underlying cause, if any.
func (e *ConfigError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrConfiguration, e.cause}
	}
	return []error{ErrConfiguration}
}

// NumericalInstabilityError reports a failed factorization of the damped
// curvature estimate or a non-finite error sweep.
type NumericalInstabilityError struct {
	Stage   string
	Damping float64
	cause   error
}

func (e *NumericalInstabilityError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("engine: numerical instability in %s (damping %g): %v", e.Stage, e.Damping, e.cause)
	}
	return fmt.Sprintf("engine: numerical instability in %s (damping %g)", e.Stage, e.Damping)
}

func (e *NumericalInstabilityError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrNumericalInstability, e.cause}
	}
	return []error{ErrNumericalInstability}
}
