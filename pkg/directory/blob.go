package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/haivivi/idxstore/pkg/lock"
	"github.com/haivivi/idxstore/pkg/storage"
)

// Blob stores files as objects named "{subcontext}/{subindex}/{name}" in a
// storage.FileStore. Reads fetch the whole object.
type Blob struct {
	locking

	store  storage.FileStore
	prefix string
	closed atomic.Bool
}

// NewBlob creates a directory for loc inside store.
func NewBlob(store storage.FileStore, loc lock.Location) *Blob {
	return &Blob{
		locking: locking{loc: loc},
		store:   store,
		prefix:  loc.SubContext + "/" + loc.SubIndex + "/",
	}
}

func (d *Blob) check(op, name string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return checkName(op, name)
}

func (d *Blob) List(ctx context.Context) ([]string, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	paths, err := d.store.List(ctx, d.prefix)
	if err != nil {
		return nil, fmt.Errorf("directory: list %s: %w", d.prefix, err)
	}
	var names []string
	for _, p := range paths {
		name := strings.TrimPrefix(p, d.prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (d *Blob) FileExists(ctx context.Context, name string) (bool, error) {
	if err := d.check("stat", name); err != nil {
		return false, err
	}
	return d.store.Exists(ctx, d.prefix+name)
}

func (d *Blob) FileLength(ctx context.Context, name string) (int64, error) {
	if err := d.check("stat", name); err != nil {
		return 0, err
	}
	n, err := d.store.Size(ctx, d.prefix+name)
	if errors.Is(err, os.ErrNotExist) {
		return 0, notExist("length", name)
	}
	return n, err
}

func (d *Blob) OpenInput(ctx context.Context, name string) (Input, error) {
	if err := d.check("open", name); err != nil {
		return nil, err
	}
	rc, err := d.store.Read(ctx, d.prefix+name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, notExist("open", name)
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("directory: read %s: %w", name, err)
	}
	return &bytesInput{data: data}, nil
}

func (d *Blob) CreateOutput(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := d.check("create", name); err != nil {
		return nil, err
	}
	return d.store.Write(ctx, d.prefix+name)
}

func (d *Blob) DeleteFile(ctx context.Context, name string) error {
	ok, err := d.FileExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return notExist("delete", name)
	}
	return d.store.Delete(ctx, d.prefix+name)
}

// Rename copies from to to and deletes from. Object stores have no atomic
// rename; a crash in between leaves both objects.
func (d *Blob) Rename(ctx context.Context, from, to string) error {
	if err := checkName("rename", to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	data, err := ReadFile(ctx, d, from)
	if err != nil {
		return err
	}
	if err := WriteFile(ctx, d, to, data); err != nil {
		return err
	}
	return d.store.Delete(ctx, d.prefix+from)
}

func (d *Blob) Sync(context.Context, []string) error { return nil }

func (d *Blob) Close() error {
	d.closed.Store(true)
	return nil
}

// DeleteAll removes every object of the sub-index.
func (d *Blob) DeleteAll(ctx context.Context) error {
	paths, err := d.store.List(ctx, d.prefix)
	if err != nil {
		return fmt.Errorf("directory: delete all %s: %w", d.prefix, err)
	}
	for _, p := range paths {
		if err := d.store.Delete(ctx, p); err != nil {
			return fmt.Errorf("directory: delete %s: %w", p, err)
		}
	}
	return nil
}
