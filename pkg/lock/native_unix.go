//go:build unix

package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// NativeFS holds an exclusive flock on the lock file. The OS drops the lock
// when the holding process exits, so no stale locks survive a crash.
type NativeFS struct {
	cfg  Config
	mu   sync.Mutex
	held map[string]*nativeToken
}

// NewNativeFS creates a flock-based lock factory.
func NewNativeFS(cfg Config) *NativeFS {
	return &NativeFS{cfg: cfg, held: make(map[string]*nativeToken)}
}

func (f *NativeFS) Obtain(ctx context.Context, loc Location) (Token, error) {
	path, err := lockFile(f.cfg, loc)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: create lock dir: %w", err)
	}
	return obtainWithRetry(ctx, f.cfg.Timeout, func() (Token, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.held[path]; ok {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("lock: open %s: %w", path, err)
		}
		if err := unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			fh.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
			}
			return nil, fmt.Errorf("lock: flock %s: %w", path, err)
		}
		t := &nativeToken{f: f, loc: loc, path: path, fh: fh}
		f.held[path] = t
		return t, nil
	})
}

func (f *NativeFS) IsLocked(loc Location) (bool, error) {
	path, err := lockFile(f.cfg, loc)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	_, ok := f.held[path]
	f.mu.Unlock()
	if ok {
		return true, nil
	}
	return probeFlock(path)
}

// Release drops a lock held by this factory. A lock held by another
// process cannot be broken and is reported as ErrLockHeld.
func (f *NativeFS) Release(loc Location) error {
	path, err := lockFile(f.cfg, loc)
	if err != nil {
		return err
	}
	f.mu.Lock()
	t, ok := f.held[path]
	f.mu.Unlock()
	if ok {
		return t.Release()
	}
	locked, err := probeFlock(path)
	if err != nil {
		return err
	}
	if locked {
		return fmt.Errorf("%w by another process: %s", ErrLockHeld, path)
	}
	return nil
}

func probeFlock(path string) (bool, error) {
	fh, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock: open %s: %w", path, err)
	}
	defer fh.Close()
	err = unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock: flock %s: %w", path, err)
	}
	unix.Flock(int(fh.Fd()), unix.LOCK_UN)
	return false, nil
}

type nativeToken struct {
	f    *NativeFS
	loc  Location
	path string
	fh   *os.File
	once sync.Once
	err  error
}

func (t *nativeToken) Location() Location { return t.loc }

func (t *nativeToken) Release() error {
	t.once.Do(func() {
		t.f.mu.Lock()
		if t.f.held[t.path] == t {
			delete(t.f.held, t.path)
		}
		t.f.mu.Unlock()
		unix.Flock(int(t.fh.Fd()), unix.LOCK_UN)
		t.err = t.fh.Close()
	})
	return t.err
}
