// Package inference evaluates packed layers on real inputs.
//
// Linear dequantizes its packed weight once, on first use, and computes
// y = x·Wᵀ + b. LowRank chains two packed factors around the singular values:
// y = ((x·Vᵀq)·diag(S))·Uqᵀ + b. Output rows are computed in parallel.
package inference
