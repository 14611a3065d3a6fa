// Package gptq implements post-training quantization of neural network
// weights with second-order error compensation.
//
// A Quantizer wraps one weight-bearing layer. Calibration inputs are fed
// through AddBatch, which accumulates a running estimate of the input
// curvature H = (2/n)·XᵀX. Quantize then maps every weight to a 2, 4 or
// 8-bit code, column by column, and pushes the rounding error of each
// column onto the columns not yet quantized, weighted by the inverse
// curvature.
//
// # Quick Start
//
//	q, _ := gptq.New(layer.NewLinear(w), gptq.WithName("mlp.fc1"))
//	for _, x := range calibration {
//	    _ = q.AddBatch(x)
//	}
//	out, _ := q.Quantize(ctx, engine.WithBits(4), engine.WithGroupSize(128))
//	fmt.Println(out.Loss, out.Packed.SizeBytes())
//	q.Free()
//
// # Many Layers
//
// QuantizeAll runs several prepared quantizers with bounded parallelism,
// reserves memory through a resource.Controller, reports per-layer loss
// to a diagnostics.Observer and optionally saves each packed layer to a
// blob store:
//
//	results, err := gptq.QuantizeAll(ctx, jobs,
//	    gptq.WithParallelism(4),
//	    gptq.WithDampingRetry(10),
//	    gptq.WithObserver(obs),
//	    gptq.WithStore(blobstore.NewLocalStore("./out"), "model/"),
//	)
//
// # Errors
//
// Errors returned by this package wrap one of ErrConfiguration, ErrShape
// or ErrNumericalInstability and can be tested with errors.Is. The
// package-specific cause remains reachable through errors.As.
package gptq
