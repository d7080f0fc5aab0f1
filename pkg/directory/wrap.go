package directory

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

// DefaultCacheEntries is the Cache capacity used when CacheOptions.MaxEntries
// is zero.
const DefaultCacheEntries = 256

// CacheOptions configures a Cache wrapper.
type CacheOptions struct {
	// MaxEntries bounds the number of cached files.
	MaxEntries int

	// MaxFileSize skips caching files larger than this. Zero caches all.
	MaxFileSize int64
}

// Cache keeps recently read files in memory in front of a slower
// directory. Writes go straight through and invalidate the entry.
type Cache struct {
	Directory
	files   *lru.Cache[string, []byte]
	maxSize int64

	// mu orders fills against invalidations. seq counts changes made
	// through the cache; a read that overlapped one is not cached.
	mu  sync.Mutex
	seq uint64
}

// NewCache wraps inner with a read-through file cache.
func NewCache(inner Directory, opts CacheOptions) (*Cache, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultCacheEntries
	}
	files, err := lru.New[string, []byte](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("directory: cache: %w", err)
	}
	return &Cache{Directory: inner, files: files, maxSize: opts.MaxFileSize}, nil
}

func (c *Cache) Unwrap() Directory { return c.Directory }

// Invalidate drops every cached file.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.seq++
	c.files.Purge()
	c.mu.Unlock()
}

// Cached reports whether name is currently held in the cache.
func (c *Cache) Cached(name string) bool { return c.files.Contains(name) }

func (c *Cache) changed(names ...string) {
	c.mu.Lock()
	c.seq++
	for _, name := range names {
		c.files.Remove(name)
	}
	c.mu.Unlock()
}

func (c *Cache) version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// fill caches data unless something changed since version v was taken.
func (c *Cache) fill(name string, v uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq == v {
		c.files.Add(name, data)
	}
}

func (c *Cache) FileLength(ctx context.Context, name string) (int64, error) {
	if data, ok := c.files.Get(name); ok {
		return int64(len(data)), nil
	}
	return c.Directory.FileLength(ctx, name)
}

func (c *Cache) OpenInput(ctx context.Context, name string) (Input, error) {
	if data, ok := c.files.Get(name); ok {
		return &bytesInput{data: data}, nil
	}
	v := c.version()
	in, err := c.Directory.OpenInput(ctx, name)
	if err != nil {
		return nil, err
	}
	if c.maxSize > 0 && in.Len() > c.maxSize {
		return in, nil
	}
	defer in.Close()
	data := make([]byte, in.Len())
	if _, err := in.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("directory: cache fill %s: %w", name, err)
	}
	c.fill(name, v, data)
	return &bytesInput{data: data}, nil
}

func (c *Cache) CreateOutput(ctx context.Context, name string) (io.WriteCloser, error) {
	c.changed(name)
	out, err := c.Directory.CreateOutput(ctx, name)
	if err != nil {
		return nil, err
	}
	return &invalidatingOutput{WriteCloser: out, done: func() { c.changed(name) }}, nil
}

func (c *Cache) DeleteFile(ctx context.Context, name string) error {
	c.changed(name)
	defer c.changed(name)
	return c.Directory.DeleteFile(ctx, name)
}

func (c *Cache) Rename(ctx context.Context, from, to string) error {
	c.changed(from, to)
	defer c.changed(from, to)
	return c.Directory.Rename(ctx, from, to)
}

func (c *Cache) Close() error {
	c.Invalidate()
	return c.Directory.Close()
}

type invalidatingOutput struct {
	io.WriteCloser
	done func()
}

func (o *invalidatingOutput) Close() error {
	err := o.WriteCloser.Close()
	o.done()
	return err
}

// Compress stores every file zstd-compressed in the inner directory,
// behind an 8-byte big-endian header holding the uncompressed length.
type Compress struct {
	Directory
	enc *zstd.Encoder
	dec *zstd.Decoder

	closeOnce sync.Once
	closeErr  error
}

// CompressOptions configures a Compress wrapper.
type CompressOptions struct {
	// Level is the zstd encoder level. Zero means zstd.SpeedDefault.
	Level zstd.EncoderLevel
}

const compressHeader = 8

// NewCompress wraps inner with per-file zstd compression.
func NewCompress(inner Directory, opts CompressOptions) (*Compress, error) {
	if opts.Level == 0 {
		opts.Level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("directory: compress: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("directory: compress: %w", err)
	}
	return &Compress{Directory: inner, enc: enc, dec: dec}, nil
}

func (c *Compress) Unwrap() Directory { return c.Directory }

func (c *Compress) FileLength(ctx context.Context, name string) (int64, error) {
	in, err := c.Directory.OpenInput(ctx, name)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	var hdr [compressHeader]byte
	if _, err := in.ReadAt(hdr[:], 0); err != nil {
		return 0, fmt.Errorf("directory: compressed header %s: %w", name, err)
	}
	return int64(binary.BigEndian.Uint64(hdr[:])), nil
}

func (c *Compress) OpenInput(ctx context.Context, name string) (Input, error) {
	raw, err := ReadFile(ctx, c.Directory, name)
	if err != nil {
		return nil, err
	}
	if len(raw) < compressHeader {
		return nil, fmt.Errorf("directory: compressed file %s truncated", name)
	}
	size := binary.BigEndian.Uint64(raw[:compressHeader])
	data, err := c.dec.DecodeAll(raw[compressHeader:], make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("directory: decompress %s: %w", name, err)
	}
	return &bytesInput{data: data}, nil
}

func (c *Compress) CreateOutput(ctx context.Context, name string) (io.WriteCloser, error) {
	out, err := c.Directory.CreateOutput(ctx, name)
	if err != nil {
		return nil, err
	}
	return &compressOutput{c: c, out: out}, nil
}

func (c *Compress) Close() error {
	c.closeOnce.Do(func() {
		c.dec.Close()
		c.closeErr = errors.Join(c.enc.Close(), c.Directory.Close())
	})
	return c.closeErr
}

type compressOutput struct {
	c    *Compress
	out  io.WriteCloser
	buf  bytes.Buffer
	done bool
}

func (o *compressOutput) Write(p []byte) (int, error) {
	if o.done {
		return 0, ErrClosed
	}
	return o.buf.Write(p)
}

func (o *compressOutput) Close() error {
	if o.done {
		return nil
	}
	o.done = true
	dst := make([]byte, compressHeader, compressHeader+o.buf.Len()/2)
	binary.BigEndian.PutUint64(dst, uint64(o.buf.Len()))
	dst = o.c.enc.EncodeAll(o.buf.Bytes(), dst)
	if _, err := o.out.Write(dst); err != nil {
		o.out.Close()
		return err
	}
	return o.out.Close()
}
