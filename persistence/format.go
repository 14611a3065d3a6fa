package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/hupe1980/gptq/matrix"
)

const (
	// Magic identifies artifact files (ASCII "GPTQ" in little-endian order).
	Magic uint32 = 0x51545047
	// Version is the current file format version.
	Version uint16 = 1
	// HeaderSize is the fixed size of the encoded Header.
	HeaderSize = 64
)

// Flags are per-artifact feature bits.
type Flags uint16

const (
	// FlagBias marks an artifact that carries a bias vector.
	FlagBias Flags = 1 << iota
)

// Has reports whether f contains flag.
func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// codecIDs assigns stable header ids to the built-in codec names.
var codecIDs = []string{"json", "go-json", "cbor"}

func codecID(name string) (uint8, error) {
	for i, n := range codecIDs {
		if n == name {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

func codecName(id uint8) (string, error) {
	if int(id) >= len(codecIDs) {
		return "", fmt.Errorf("%w: id %d", ErrUnknownCodec, id)
	}
	return codecIDs[id], nil
}

// Header is the 64-byte header at the start of every artifact.
type Header struct {
	Magic       uint32          // 0x51545047 ("GPTQ")
	Version     uint16          // File format version
	Bits        uint8           // 2, 4 or 8
	Compression CompressionType // Payload compression
	ScaleDType  matrix.DType    // F32 or F16
	Codec       uint8           // Metadata codec id
	Flags       Flags
	GroupSize   int32 // -1 means one group per row
	Rows        uint32
	Columns     uint32
	Groups      uint32
	MetaLen     uint32   // Encoded metadata bytes
	PayloadLen  uint32   // Stored (possibly compressed) payload bytes
	RawLen      uint32   // Uncompressed payload bytes
	Checksum    uint32   // CRC32 of metadata and stored payload
	ID          [16]byte // Artifact UUID
	Reserved    [4]byte
}

// UUID returns the artifact id.
func (h *Header) UUID() uuid.UUID { return uuid.UUID(h.ID) }

// CodecName returns the name of the metadata codec.
func (h *Header) CodecName() (string, error) { return codecName(h.Codec) }

// Size returns the total artifact size in bytes.
func (h *Header) Size() int64 {
	return HeaderSize + int64(h.MetaLen) + int64(h.PayloadLen)
}

// MarshalBinary encodes the header in its fixed little-endian layout.
func (h *Header) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes and validates a header.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: %d header bytes", ErrTruncated, len(data))
	}
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, h); err != nil {
		return err
	}
	if h.Magic != Magic {
		return fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, h.Magic)
	}
	if h.Version == 0 || h.Version > Version {
		return fmt.Errorf("%w: got %d", ErrInvalidVersion, h.Version)
	}
	if !h.Compression.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCompression, h.Compression)
	}
	if _, err := codecName(h.Codec); err != nil {
		return err
	}
	return nil
}

// DecodeHeader decodes the header at the start of data.
func DecodeHeader(data []byte) (*Header, error) {
	var h Header
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &h, nil
}
