// Package testutil provides testing utilities for the quantization packages.
//
// This package is intended for use in tests and benchmarks only. It provides
// a seeded, thread-safe RNG that generates weight matrices, calibration
// activations with controllable feature correlation, outlier-heavy weights
// and valid integer codes.
//
//	rng := testutil.NewRNG(seed)
//	w := rng.GaussianDense(64, 128)
//	x := rng.CorrelatedActivations(512, 128, 0.5)
package testutil
