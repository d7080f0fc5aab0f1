package directory

import (
	"bytes"
	"context"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/haivivi/idxstore/pkg/lock"
)

// RAM keeps files in memory. Contents die with the process.
type RAM struct {
	locking

	mu     sync.RWMutex
	files  map[string][]byte
	closed bool
}

// NewRAM creates an empty in-memory directory.
func NewRAM(loc lock.Location) *RAM {
	return &RAM{locking: locking{loc: loc}, files: make(map[string][]byte)}
}

func (r *RAM) List(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	return slices.Sorted(maps.Keys(r.files)), nil
}

func (r *RAM) FileExists(_ context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false, ErrClosed
	}
	_, ok := r.files[name]
	return ok, nil
}

func (r *RAM) FileLength(_ context.Context, name string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, ErrClosed
	}
	data, ok := r.files[name]
	if !ok {
		return 0, notExist("length", name)
	}
	return int64(len(data)), nil
}

func (r *RAM) OpenInput(_ context.Context, name string) (Input, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	data, ok := r.files[name]
	if !ok {
		return nil, notExist("open", name)
	}
	// Stored slices are never mutated in place, so readers may share them.
	return &bytesInput{data: data}, nil
}

func (r *RAM) CreateOutput(_ context.Context, name string) (io.WriteCloser, error) {
	if err := checkName("create", name); err != nil {
		return nil, err
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return &ramOutput{r: r, name: name}, nil
}

func (r *RAM) DeleteFile(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.files[name]; !ok {
		return notExist("delete", name)
	}
	delete(r.files, name)
	return nil
}

func (r *RAM) Rename(_ context.Context, from, to string) error {
	if err := checkName("rename", to); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	data, ok := r.files[from]
	if !ok {
		return notExist("rename", from)
	}
	delete(r.files, from)
	r.files[to] = data
	return nil
}

func (r *RAM) Sync(context.Context, []string) error { return nil }

// Close drops every file.
func (r *RAM) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.files = nil
	return nil
}

// Closed reports whether Close has been called.
func (r *RAM) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Snapshot returns a copy of the current file set.
func (r *RAM) Snapshot() map[string][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.files)
}

// Restore replaces the file set with snap.
func (r *RAM) Restore(snap map[string][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.files = maps.Clone(snap)
	if r.files == nil {
		r.files = make(map[string][]byte)
	}
}

// Clear removes every file.
func (r *RAM) Clear() {
	r.Restore(nil)
}

type ramOutput struct {
	r    *RAM
	name string
	buf  bytes.Buffer
	done bool
}

func (o *ramOutput) Write(p []byte) (int, error) {
	if o.done {
		return 0, ErrClosed
	}
	return o.buf.Write(p)
}

func (o *ramOutput) Close() error {
	if o.done {
		return nil
	}
	o.done = true
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	if o.r.closed {
		return ErrClosed
	}
	o.r.files[o.name] = bytes.Clone(o.buf.Bytes())
	return nil
}
