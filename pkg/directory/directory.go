// Package directory implements storage handles: flat namespaces of named
// files that an embedded index engine reads and writes. A Directory never
// interprets file contents.
//
// Implementations:
//
//   - RAM: files in process memory.
//   - FS: one host directory.
//   - MMap: FS with memory-mapped reads.
//   - KV: files stored as metadata rows and fixed-size chunks in a kv.Store.
//   - Blob: files stored as objects in a storage.FileStore.
//
// Wrappers (Cache, Compress) decorate another Directory and expose it
// through Unwrap; Raw peels every layer.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/haivivi/idxstore/pkg/lock"
)

// Sentinel errors.
var (
	// ErrClosed is returned by operations on a closed Directory.
	ErrClosed = errors.New("directory: closed")

	// ErrNoLockFactory is returned by ObtainLock when no factory is attached.
	ErrNoLockFactory = errors.New("directory: no lock factory attached")
)

// Input is an open, immutable file.
type Input interface {
	io.ReaderAt
	// Len is the file length in bytes.
	Len() int64
	Close() error
}

// Directory is the storage handle contract.
//
// File names are flat: no path separators. Missing files yield errors
// wrapping fs.ErrNotExist. Implementations are safe for concurrent use.
type Directory interface {
	// List returns the names of all files, sorted.
	List(ctx context.Context) ([]string, error)

	FileExists(ctx context.Context, name string) (bool, error)

	FileLength(ctx context.Context, name string) (int64, error)

	// OpenInput opens name for random-access reads.
	OpenInput(ctx context.Context, name string) (Input, error)

	// CreateOutput creates or truncates name. Contents become visible to
	// readers when the returned writer is closed.
	CreateOutput(ctx context.Context, name string) (io.WriteCloser, error)

	DeleteFile(ctx context.Context, name string) error

	// Rename atomically replaces to with from.
	Rename(ctx context.Context, from, to string) error

	// Sync makes the named files durable.
	Sync(ctx context.Context, names []string) error

	// LockFactory returns the attached lock factory, or nil.
	LockFactory() lock.Factory

	// SetLockFactory attaches f. It does not reopen the directory.
	SetLockFactory(f lock.Factory)

	// Location identifies the sub-index this directory holds.
	Location() lock.Location

	// ObtainLock acquires the write lock through the attached factory.
	ObtainLock(ctx context.Context) (lock.Token, error)

	Close() error
}

// Wrapper is implemented by directories that decorate another one.
type Wrapper interface {
	Directory
	Unwrap() Directory
}

// Raw peels every wrapper layer and returns the backend directory.
func Raw(d Directory) Directory {
	for {
		w, ok := d.(Wrapper)
		if !ok {
			return d
		}
		d = w.Unwrap()
	}
}

// ValidName reports an error if name cannot be used as a single path
// element: it is empty, "." or "..", or contains a separator.
func ValidName(name string) error {
	return checkName("name", name)
}

// checkName rejects names that would escape the flat namespace.
func checkName(op, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x1f") {
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	return nil
}

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

// locking holds the lock factory and location shared by all implementations.
type locking struct {
	mu  sync.RWMutex
	lf  lock.Factory
	loc lock.Location
}

func (l *locking) LockFactory() lock.Factory {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lf
}

func (l *locking) SetLockFactory(f lock.Factory) {
	l.mu.Lock()
	l.lf = f
	l.mu.Unlock()
}

func (l *locking) Location() lock.Location {
	return l.loc
}

func (l *locking) ObtainLock(ctx context.Context) (lock.Token, error) {
	f := l.LockFactory()
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLockFactory, l.loc)
	}
	return f.Obtain(ctx, l.loc)
}

// bytesInput serves reads from a byte slice.
type bytesInput struct {
	data []byte
}

func (b *bytesInput) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("directory: negative offset %d", off)
	}
	if off >= int64(len(b.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *bytesInput) Len() int64   { return int64(len(b.data)) }
func (b *bytesInput) Close() error { return nil }

// ReadFile reads the whole of name.
func ReadFile(ctx context.Context, d Directory, name string) ([]byte, error) {
	in, err := d.OpenInput(ctx, name)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	buf := make([]byte, in.Len())
	if _, err := in.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("directory: read %s: %w", name, err)
	}
	return buf, nil
}

// WriteFile creates name with data.
func WriteFile(ctx context.Context, d Directory, name string, data []byte) error {
	out, err := d.CreateOutput(ctx, name)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return fmt.Errorf("directory: write %s: %w", name, err)
	}
	return out.Close()
}

// Invalidator is implemented by wrappers that hold derived state, such as
// cached file contents, which must be dropped when the backend directory
// is changed underneath them.
type Invalidator interface {
	Invalidate()
}

// Invalidate calls Invalidate on every layer of d that supports it.
func Invalidate(d Directory) {
	for {
		if inv, ok := d.(Invalidator); ok {
			inv.Invalidate()
		}
		w, ok := d.(Wrapper)
		if !ok {
			return
		}
		d = w.Unwrap()
	}
}

// Clear deletes every file in d.
func Clear(ctx context.Context, d Directory) error {
	names, err := d.List(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := d.DeleteFile(ctx, name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("directory: clear %s: %w", name, err)
		}
	}
	return nil
}
