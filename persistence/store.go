package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/gptq/blobstore"
	"github.com/hupe1980/gptq/packing"
)

// Save encodes l and writes it to store under name.
func Save(ctx context.Context, store blobstore.BlobStore, name string, l *packing.Layer, meta Metadata, opts ...Option) (*Header, error) {
	data, err := Encode(l, meta, opts...)
	if err != nil {
		return nil, err
	}

	o := newOptions(opts)
	if err := o.Controller.AcquireIO(ctx, len(data)); err != nil {
		return nil, err
	}
	if err := store.Put(ctx, name, data); err != nil {
		return nil, fmt.Errorf("persistence: put %s: %w", name, err)
	}
	return DecodeHeader(data)
}

// Load reads and decodes the artifact stored under name.
func Load(ctx context.Context, store blobstore.BlobStore, name string) (*Artifact, error) {
	data, err := blobstore.Get(ctx, store, name)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Stat reads only the header of the artifact stored under name.
func Stat(ctx context.Context, store blobstore.BlobStore, name string) (*Header, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	buf := make([]byte, HeaderSize)
	n, err := b.ReadAt(ctx, buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == HeaderSize) {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %d header bytes", ErrTruncated, n)
		}
		return nil, err
	}

	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if b.Size() < h.Size() {
		return nil, fmt.Errorf("%w: %d of %d bytes", ErrTruncated, b.Size(), h.Size())
	}
	return h, nil
}
