// Package resource bounds what concurrent quantization jobs may consume.
//
// A Controller hands out three kinds of capacity: bytes of working memory
// (curvature matrix, weight copy and inverse factors), worker slots, and IO
// throughput for persisting artifacts. A nil *Controller grants everything.
package resource
