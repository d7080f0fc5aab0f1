package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/idxstore/pkg/kv"
	"github.com/haivivi/idxstore/pkg/lock"
)

// DefaultChunkSize is the chunk size used when KVOptions.ChunkSize is zero.
const DefaultChunkSize = 64 << 10

// Key layout inside the kv.Store:
//
//	idx/{subcontext}/{subindex}/f/{name}           -> msgpack fileMeta
//	idx/{subcontext}/{subindex}/c/{gen}/{chunk}    -> raw bytes
//	aside/{subcontext}/{subindex}/...              -> content moved aside for a copy
const (
	liveRoot  = "idx"
	asideRoot = "aside"
)

// fileMeta is the metadata row of one file. Gen names the chunk rows
// written by one output; each output writes a fresh generation, so a file
// being rewritten keeps its old chunks until the new meta row replaces it.
type fileMeta struct {
	Name      string    `msgpack:"name"`
	Gen       string    `msgpack:"gen"`
	Size      int64     `msgpack:"size"`
	Chunks    int       `msgpack:"chunks"`
	ChunkSize int       `msgpack:"chunk_size"`
	Modified  time.Time `msgpack:"modified"`
	Deleted   bool      `msgpack:"deleted,omitempty"`
	DeletedAt time.Time `msgpack:"deleted_at,omitempty"`
}

// KVOptions configures a KV directory.
type KVOptions struct {
	// ChunkSize is the maximum size of one chunk row.
	ChunkSize int

	// QueryTimeout bounds every store round-trip. Zero means no bound.
	QueryTimeout time.Duration
}

// KV stores files in a kv.Store. Deleted files are soft-deleted: their
// metadata row is flagged and their chunks stay until Purge.
//
// Every operation is serialized; the underlying stores commit each call
// as its own transaction.
type KV struct {
	locking

	store  kv.Store
	opts   KVOptions
	live   kv.Key
	aside  kv.Key
	mu     sync.Mutex
	closed bool
}

// NewKV creates a directory for loc inside store. The store is shared and
// is not closed by Close.
func NewKV(store kv.Store, loc lock.Location, opts KVOptions) *KV {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &KV{
		locking: locking{loc: loc},
		store:   store,
		opts:    opts,
		live:    kv.Key{liveRoot, loc.SubContext, loc.SubIndex},
		aside:   kv.Key{asideRoot, loc.SubContext, loc.SubIndex},
	}
}

func (d *KV) metaKey(name string) kv.Key    { return d.live.Append("f", name) }
func (d *KV) chunkPrefix(gen string) kv.Key { return d.live.Append("c", gen) }

func (d *KV) chunkKey(gen string, i int) kv.Key {
	return d.live.Append("c", gen, fmt.Sprintf("%010d", i))
}

func (d *KV) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.QueryTimeout > 0 {
		return context.WithTimeout(ctx, d.opts.QueryTimeout)
	}
	return ctx, func() {}
}

// meta loads the metadata row; soft-deleted files read as missing.
func (d *KV) meta(ctx context.Context, op, name string) (*fileMeta, error) {
	m, err := d.rawMeta(ctx, op, name)
	if err != nil {
		return nil, err
	}
	if m == nil || m.Deleted {
		return nil, notExist(op, name)
	}
	return m, nil
}

// rawMeta loads the metadata row, soft-deleted or not. A missing row is
// nil without error.
func (d *KV) rawMeta(ctx context.Context, op, name string) (*fileMeta, error) {
	data, err := d.store.Get(ctx, d.metaKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: %s %s: %w", op, name, err)
	}
	var m fileMeta
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("directory: decode meta %s: %w", name, err)
	}
	return &m, nil
}

// dropGen deletes the chunk rows of a replaced generation.
func (d *KV) dropGen(ctx context.Context, prev *fileMeta, keep string) error {
	if prev == nil || prev.Gen == "" || prev.Gen == keep {
		return nil
	}
	_, err := d.store.DeletePrefix(ctx, d.chunkPrefix(prev.Gen))
	return err
}

func (d *KV) putMeta(ctx context.Context, m *fileMeta) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("directory: encode meta %s: %w", m.Name, err)
	}
	return d.store.Set(ctx, d.metaKey(m.Name), data)
}

func (d *KV) List(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	var names []string
	for e, err := range d.store.List(ctx, d.live.Append("f")) {
		if err != nil {
			return nil, fmt.Errorf("directory: list: %w", err)
		}
		var m fileMeta
		if err := msgpack.Unmarshal(e.Value, &m); err != nil {
			return nil, fmt.Errorf("directory: decode meta %s: %w", e.Key, err)
		}
		if !m.Deleted {
			names = append(names, m.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *KV) FileExists(ctx context.Context, name string) (bool, error) {
	_, err := d.FileLength(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *KV) FileLength(ctx context.Context, name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	m, err := d.meta(ctx, "length", name)
	if err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (d *KV) OpenInput(ctx context.Context, name string) (Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	m, err := d.meta(ctx, "open", name)
	if err != nil {
		return nil, err
	}
	return &kvInput{d: d, meta: *m, last: -1}, nil
}

func (d *KV) CreateOutput(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := checkName("create", name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return &kvOutput{
		ctx:  ctx,
		d:    d,
		name: name,
		gen:  uuid.NewString(),
		buf:  make([]byte, 0, d.opts.ChunkSize),
	}, nil
}

// DeleteFile soft-deletes name.
func (d *KV) DeleteFile(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	m, err := d.meta(ctx, "delete", name)
	if err != nil {
		return err
	}
	m.Deleted = true
	m.DeletedAt = time.Now()
	return d.putMeta(ctx, m)
}

func (d *KV) Rename(ctx context.Context, from, to string) error {
	if err := checkName("rename", to); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	m, err := d.meta(ctx, "rename", from)
	if err != nil || from == to {
		return err
	}
	prev, err := d.rawMeta(ctx, "rename", to)
	if err != nil {
		return err
	}
	// Chunks are keyed by generation, so only the meta row moves.
	m.Name = to
	m.Modified = time.Now()
	if err := d.putMeta(ctx, m); err != nil {
		return fmt.Errorf("directory: rename %s: %w", from, err)
	}
	if err := d.store.Delete(ctx, d.metaKey(from)); err != nil {
		return fmt.Errorf("directory: rename %s: %w", from, err)
	}
	if err := d.dropGen(ctx, prev, m.Gen); err != nil {
		return fmt.Errorf("directory: rename %s: %w", from, err)
	}
	return nil
}

// Sync is a no-op: every write is committed by the store.
func (d *KV) Sync(context.Context, []string) error { return nil }

// Close detaches the directory. The store stays open.
func (d *KV) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// DeleteAll removes every row of the sub-index, including soft-deleted files.
func (d *KV) DeleteAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	if _, err := d.store.DeletePrefix(ctx, d.live); err != nil {
		return fmt.Errorf("directory: delete all %s: %w", d.loc, err)
	}
	return nil
}

// Purge hard-deletes files soft-deleted before cutoff and returns how many
// were removed.
func (d *KV) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	var expired []fileMeta
	for e, err := range d.store.List(ctx, d.live.Append("f")) {
		if err != nil {
			return 0, fmt.Errorf("directory: purge: %w", err)
		}
		var m fileMeta
		if err := msgpack.Unmarshal(e.Value, &m); err != nil {
			continue
		}
		if m.Deleted && m.DeletedAt.Before(cutoff) {
			expired = append(expired, m)
		}
	}
	n := 0
	for _, m := range expired {
		if err := d.dropGen(ctx, &m, ""); err != nil {
			return n, fmt.Errorf("directory: purge %s: %w", m.Name, err)
		}
		// The name may have been written again since the scan.
		cur, err := d.rawMeta(ctx, "purge", m.Name)
		if err != nil {
			return n, err
		}
		if cur == nil || !cur.Deleted || cur.Gen != m.Gen {
			continue
		}
		if err := d.store.Delete(ctx, d.metaKey(m.Name)); err != nil {
			return n, fmt.Errorf("directory: purge %s: %w", m.Name, err)
		}
		n++
	}
	return n, nil
}

// MoveAside moves all current content to the aside area, leaving the
// sub-index empty. Any earlier aside content is replaced.
func (d *KV) MoveAside(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.store.DeletePrefix(ctx, d.aside); err != nil {
		return fmt.Errorf("directory: move aside: %w", err)
	}
	if err := d.moveRows(ctx, d.live, d.aside); err != nil {
		return fmt.Errorf("directory: move aside: %w", err)
	}
	return nil
}

// RestoreAside discards current content and moves the aside content back.
func (d *KV) RestoreAside(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.store.DeletePrefix(ctx, d.live); err != nil {
		return fmt.Errorf("directory: restore aside: %w", err)
	}
	if err := d.moveRows(ctx, d.aside, d.live); err != nil {
		return fmt.Errorf("directory: restore aside: %w", err)
	}
	return nil
}

// DropAside discards the aside content.
func (d *KV) DropAside(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.store.DeletePrefix(ctx, d.aside); err != nil {
		return fmt.Errorf("directory: drop aside: %w", err)
	}
	return nil
}

// HasAside reports whether aside content exists.
func (d *KV) HasAside(ctx context.Context) (bool, error) {
	for _, err := range d.store.List(ctx, d.aside) {
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (d *KV) moveRows(ctx context.Context, from, to kv.Key) error {
	var moved []kv.Entry
	for e, err := range d.store.List(ctx, from) {
		if err != nil {
			return err
		}
		k := append(kv.Key{}, to...)
		k = append(k, e.Key[len(from):]...)
		moved = append(moved, kv.Entry{Key: k, Value: e.Value})
	}
	if len(moved) == 0 {
		return nil
	}
	if err := d.store.BatchSet(ctx, moved); err != nil {
		return err
	}
	_, err := d.store.DeletePrefix(ctx, from)
	return err
}

type kvOutput struct {
	ctx       context.Context
	d         *KV
	name      string
	gen       string
	buf       []byte
	committed bool
	chunks    int
	size      int64
	done      bool
}

func (o *kvOutput) Write(p []byte) (int, error) {
	if o.done {
		return 0, ErrClosed
	}
	n := len(p)
	for len(p) > 0 {
		room := o.d.opts.ChunkSize - len(o.buf)
		take := min(room, len(p))
		o.buf = append(o.buf, p[:take]...)
		p = p[take:]
		if len(o.buf) == o.d.opts.ChunkSize {
			if err := o.flush(); err != nil {
				return n - len(p), err
			}
		}
	}
	return n, nil
}

func (o *kvOutput) flush() error {
	if len(o.buf) == 0 {
		return nil
	}
	ctx, cancel := o.d.opCtx(o.ctx)
	defer cancel()
	if err := o.d.store.Set(ctx, o.d.chunkKey(o.gen, o.chunks), o.buf); err != nil {
		return fmt.Errorf("directory: write %s: %w", o.name, err)
	}
	o.chunks++
	o.size += int64(len(o.buf))
	o.buf = make([]byte, 0, o.d.opts.ChunkSize)
	return nil
}

// Close writes the last chunk and then the metadata row, which makes the
// file visible. The chunks of the replaced file are deleted afterwards.
func (o *kvOutput) Close() error {
	if o.done {
		return nil
	}
	o.done = true
	err := o.publish()
	if err != nil && !o.committed {
		ctx, cancel := o.d.opCtx(context.WithoutCancel(o.ctx))
		o.d.store.DeletePrefix(ctx, o.d.chunkPrefix(o.gen))
		cancel()
	}
	return err
}

func (o *kvOutput) publish() error {
	if err := o.flush(); err != nil {
		return err
	}
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	if o.d.closed {
		return ErrClosed
	}
	ctx, cancel := o.d.opCtx(o.ctx)
	defer cancel()
	prev, err := o.d.rawMeta(ctx, "create", o.name)
	if err != nil {
		return err
	}
	err = o.d.putMeta(ctx, &fileMeta{
		Name:      o.name,
		Gen:       o.gen,
		Size:      o.size,
		Chunks:    o.chunks,
		ChunkSize: o.d.opts.ChunkSize,
		Modified:  time.Now(),
	})
	if err != nil {
		return err
	}
	o.committed = true
	if err := o.d.dropGen(ctx, prev, o.gen); err != nil {
		return fmt.Errorf("directory: write %s: drop replaced chunks: %w", o.name, err)
	}
	return nil
}

type kvInput struct {
	d    *KV
	meta fileMeta

	mu    sync.Mutex
	last  int
	chunk []byte
}

func (in *kvInput) Len() int64 { return in.meta.Size }

func (in *kvInput) loadChunk(i int) ([]byte, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.last == i {
		return in.chunk, nil
	}
	ctx, cancel := in.d.opCtx(context.Background())
	defer cancel()
	data, err := in.d.store.Get(ctx, in.d.chunkKey(in.meta.Gen, i))
	if err != nil {
		return nil, fmt.Errorf("directory: read %s chunk %d: %w", in.meta.Name, i, err)
	}
	in.last, in.chunk = i, data
	return data, nil
}

func (in *kvInput) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("directory: negative offset %d", off)
	}
	cs := int64(in.meta.ChunkSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= in.meta.Size {
			return n, io.EOF
		}
		chunk, err := in.loadChunk(int(pos / cs))
		if err != nil {
			return n, err
		}
		within := pos % cs
		if within >= int64(len(chunk)) {
			return n, io.ErrUnexpectedEOF
		}
		n += copy(p[n:], chunk[within:])
	}
	return n, nil
}

func (in *kvInput) Close() error { return nil }

// KVHasRows reports whether store holds any row of the sub-index at loc.
func KVHasRows(ctx context.Context, store kv.Store, loc lock.Location) (bool, error) {
	for _, err := range store.List(ctx, kv.Key{liveRoot, loc.SubContext, loc.SubIndex}) {
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// PurgeKV purges soft-deleted files older than cutoff in every sub-index
// held by store and returns how many files were removed.
func PurgeKV(ctx context.Context, store kv.Store, cutoff time.Time) (int, error) {
	seen := map[lock.Location]bool{}
	var locs []lock.Location
	for e, err := range store.List(ctx, kv.Key{liveRoot}) {
		if err != nil {
			return 0, fmt.Errorf("directory: purge scan: %w", err)
		}
		// idx/{subcontext}/{subindex}/f/{name}
		if len(e.Key) != 5 || e.Key[3] != "f" {
			continue
		}
		loc := lock.Location{SubContext: e.Key[1], SubIndex: e.Key[2]}
		if !seen[loc] {
			seen[loc] = true
			locs = append(locs, loc)
		}
	}
	total := 0
	for _, loc := range locs {
		n, err := NewKV(store, loc, KVOptions{}).Purge(ctx, cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
