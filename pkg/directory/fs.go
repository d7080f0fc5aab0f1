package directory

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/haivivi/idxstore/pkg/lock"
)

// tempPrefix marks outputs that have not been closed yet.
const tempPrefix = ".tmp-"

// FS stores each file as a regular file in one host directory. Outputs are
// written to a temporary sibling and renamed over the target on Close.
type FS struct {
	locking

	dir    string
	closed atomic.Bool
}

// NewFS opens dir, creating it if needed.
func NewFS(dir string, loc lock.Location) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("directory: create %s: %w", dir, err)
	}
	if loc.Dir == "" {
		loc.Dir = dir
	}
	return &FS{locking: locking{loc: loc}, dir: dir}, nil
}

// Path returns the host directory.
func (d *FS) Path() string { return d.dir }

func (d *FS) path(name string) string { return filepath.Join(d.dir, name) }

func (d *FS) check(op, name string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return checkName(op, name)
}

// List returns regular files, excluding the lock file and unfinished
// outputs.
func (d *FS) List(context.Context) ([]string, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("directory: list %s: %w", d.dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == lock.FileName || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *FS) FileExists(_ context.Context, name string) (bool, error) {
	if err := d.check("stat", name); err != nil {
		return false, err
	}
	_, err := os.Stat(d.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (d *FS) FileLength(_ context.Context, name string) (int64, error) {
	if err := d.check("stat", name); err != nil {
		return 0, err
	}
	fi, err := os.Stat(d.path(name))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (d *FS) OpenInput(_ context.Context, name string) (Input, error) {
	if err := d.check("open", name); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path(name))
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileInput{File: f, size: fi.Size()}, nil
}

func (d *FS) CreateOutput(_ context.Context, name string) (io.WriteCloser, error) {
	if err := d.check("create", name); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(d.dir, tempPrefix+name+"-*")
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &fileOutput{File: f, dst: d.path(name)}, nil
}

func (d *FS) DeleteFile(_ context.Context, name string) error {
	if err := d.check("delete", name); err != nil {
		return err
	}
	return os.Remove(d.path(name))
}

func (d *FS) Rename(_ context.Context, from, to string) error {
	if err := d.check("rename", from); err != nil {
		return err
	}
	if err := checkName("rename", to); err != nil {
		return err
	}
	return os.Rename(d.path(from), d.path(to))
}

func (d *FS) Sync(_ context.Context, names []string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	for _, name := range names {
		if err := syncPath(d.path(name)); err != nil {
			return err
		}
	}
	return syncPath(d.dir)
}

func (d *FS) Close() error {
	d.closed.Store(true)
	return nil
}

func syncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("directory: sync %s: %w", path, err)
	}
	return nil
}

type fileInput struct {
	*os.File
	size int64
}

func (f *fileInput) Len() int64 { return f.size }

// fileOutput publishes its temporary file under dst when closed.
type fileOutput struct {
	*os.File
	dst    string
	closed bool
}

func (w *fileOutput) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	tmp := w.File.Name()
	err := w.File.Close()
	if err == nil {
		err = os.Rename(tmp, w.dst)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}
