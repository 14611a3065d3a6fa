// Package persistence defines the stable on-disk format of a packed layer.
//
// An artifact is a single blob:
//
//	[64-byte header][metadata][payload]
//
// The header is little-endian and fixed-size so a reader can inspect shape,
// bit depth and codec with one small range read. Metadata is encoded with a
// codec from package codec and recorded by id in the header. The payload
// holds the packed buffers in a fixed order
//
//	[qweight uint32...][qzeros uint32...][scales f32|f16...][g_idx int32...][bias f32...]
//
// optionally compressed with LZ4 or ZSTD. A CRC32 over metadata and stored
// payload detects corruption.
package persistence
