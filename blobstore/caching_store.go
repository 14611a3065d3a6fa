package blobstore

import (
	"container/list"
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBlockSize is the cache granularity used when none is configured.
const DefaultBlockSize = 64 << 10

// CachingStore wraps a BlobStore and adds a byte-bounded block cache for
// reads. It is useful in front of remote stores when the same artifacts are
// loaded repeatedly, e.g. by an inference server.
type CachingStore struct {
	inner     BlobStore
	cache     *blockCache
	blockSize int64
}

// NewCachingStore creates a new CachingStore holding at most capacity bytes.
// blockSize defaults to DefaultBlockSize if <= 0.
func NewCachingStore(inner BlobStore, capacity, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &CachingStore{
		inner:     inner,
		cache:     newBlockCache(capacity),
		blockSize: blockSize,
	}
}

// Open opens a blob whose reads go through the cache.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cachingBlob{
		inner:     b,
		cache:     s.cache,
		name:      name,
		blockSize: s.blockSize,
	}, nil
}

// Put invalidates cached blocks of name and writes through.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.cache.invalidate(name)
	return s.inner.Put(ctx, name, data)
}

// Delete invalidates cached blocks of name and deletes it from the inner store.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.cache.invalidate(name)
	return s.inner.Delete(ctx, name)
}

// List delegates to the inner store.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// CachedBytes returns the number of bytes currently held by the cache.
func (s *CachingStore) CachedBytes() int64 {
	return s.cache.bytes()
}

type cachingBlob struct {
	inner     Blob
	cache     *blockCache
	name      string
	blockSize int64
}

func (b *cachingBlob) Close() error { return b.inner.Close() }

func (b *cachingBlob) Size() int64 { return b.inner.Size() }

func (b *cachingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	size := b.Size()
	if off < 0 || off >= size {
		return 0, io.EOF
	}

	want := p
	if off+int64(len(p)) > size {
		want = p[:size-off]
	}

	startBlock := off / b.blockSize
	endBlock := (off + int64(len(want)) - 1) / b.blockSize

	blocks, err := b.fetch(ctx, startBlock, endBlock)
	if err != nil {
		return 0, err
	}

	total := 0
	for i, data := range blocks {
		blkStart := (startBlock + int64(i)) * b.blockSize
		lo := max(blkStart, off)
		hi := min(blkStart+int64(len(data)), off+int64(len(want)))
		if hi <= lo {
			continue
		}
		total += copy(want[lo-off:hi-off], data[lo-blkStart:])
	}

	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// fetch returns blocks [start, end], reading contiguous runs of missing
// blocks with one backend request each.
func (b *cachingBlob) fetch(ctx context.Context, start, end int64) ([][]byte, error) {
	blocks := make([][]byte, end-start+1)

	type run struct{ start, count int64 }
	var missing []run
	for blk := start; blk <= end; blk++ {
		if data, ok := b.cache.get(b.name, blk); ok {
			blocks[blk-start] = data
			continue
		}
		if n := len(missing); n > 0 && missing[n-1].start+missing[n-1].count == blk {
			missing[n-1].count++
		} else {
			missing = append(missing, run{start: blk, count: 1})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, r := range missing {
		g.Go(func() error {
			byteStart := r.start * b.blockSize
			byteSize := min(r.count*b.blockSize, b.Size()-byteStart)

			buf := make([]byte, byteSize)
			n, err := b.inner.ReadAt(gctx, buf, byteStart)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			buf = buf[:n]

			for i := int64(0); i < r.count; i++ {
				lo := i * b.blockSize
				if lo >= int64(len(buf)) {
					break
				}
				hi := min(lo+b.blockSize, int64(len(buf)))
				// Copy so a cached block does not pin the whole run buffer.
				blk := make([]byte, hi-lo)
				copy(blk, buf[lo:hi])
				b.cache.set(b.name, r.start+i, blk)
				blocks[r.start+i-start] = blk
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

type blockKey struct {
	name  string
	block int64
}

type blockEntry struct {
	key  blockKey
	data []byte
}

// blockCache is an LRU over blocks bounded by total payload bytes.
type blockCache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	lru      *list.List
	entries  map[blockKey]*list.Element
}

func newBlockCache(capacity int64) *blockCache {
	return &blockCache{
		capacity: capacity,
		lru:      list.New(),
		entries:  make(map[blockKey]*list.Element),
	}
}

func (c *blockCache) get(name string, block int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[blockKey{name, block}]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*blockEntry).data, true
}

func (c *blockCache) set(name string, block int64, data []byte) {
	if int64(len(data)) > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := blockKey{name, block}
	if el, ok := c.entries[key]; ok {
		c.size -= int64(len(el.Value.(*blockEntry).data))
		el.Value.(*blockEntry).data = data
		c.size += int64(len(data))
		c.lru.MoveToFront(el)
	} else {
		c.entries[key] = c.lru.PushFront(&blockEntry{key: key, data: data})
		c.size += int64(len(data))
	}

	for c.size > c.capacity {
		c.removeElement(c.lru.Back())
	}
}

func (c *blockCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.entries {
		if key.name == name {
			c.removeElement(el)
		}
	}
}

func (c *blockCache) removeElement(el *list.Element) {
	e := el.Value.(*blockEntry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
	c.size -= int64(len(e.data))
}

func (c *blockCache) bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
