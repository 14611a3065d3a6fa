// Package diagnostics collects and renders per-layer quantization errors.
//
// Observer keeps the K largest errors submitted to it. Submission is a linear
// scan: while the observer is below capacity the entry is appended, otherwise
// it replaces the smallest retained entry if that entry is smaller.
package diagnostics
