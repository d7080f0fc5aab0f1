package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// SimpleFS marks a lock by creating the lock file exclusively. The file is
// the lock: it survives crashes and must then be cleared with Release.
type SimpleFS struct {
	cfg Config
}

// NewSimpleFS creates an O_EXCL lock-file factory.
func NewSimpleFS(cfg Config) *SimpleFS {
	return &SimpleFS{cfg: cfg}
}

func (f *SimpleFS) Obtain(ctx context.Context, loc Location) (Token, error) {
	path, err := lockFile(f.cfg, loc)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: create lock dir: %w", err)
	}
	return obtainWithRetry(ctx, f.cfg.Timeout, func() (Token, error) {
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		if err != nil {
			return nil, fmt.Errorf("lock: create %s: %w", path, err)
		}
		fmt.Fprintf(fh, "pid=%d\n", os.Getpid())
		fh.Close()
		return &fileToken{loc: loc, path: path}, nil
	})
}

func (f *SimpleFS) IsLocked(loc Location) (bool, error) {
	path, err := lockFile(f.cfg, loc)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (f *SimpleFS) Release(loc Location) error {
	path, err := lockFile(f.cfg, loc)
	if err != nil {
		return err
	}
	return removeIfExists(path)
}

type fileToken struct {
	loc  Location
	path string
	once sync.Once
	err  error
}

func (t *fileToken) Location() Location { return t.loc }

func (t *fileToken) Release() error {
	t.once.Do(func() { t.err = removeIfExists(t.path) })
	return t.err
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("lock: remove %s: %w", path, err)
}
