package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/lock"
)

// Retry budget for removing or renaming a sub-index directory. Some
// platforms release file handles with a delay after close.
const (
	fsRetries    = 5
	fsRetryDelay = 100 * time.Millisecond
)

// fsBackend lays sub-indexes out as root/{subcontext}/{subindex}.
type fsBackend struct {
	scheme string
	root   string
	mmap   bool
	logger *slog.Logger

	// Replaced in tests to simulate transient failures.
	removeAll func(string) error
	rename    func(string, string) error
	retry     func() backoff.BackOff
}

func newFSBackend(cfg BackendConfig, mmap bool) (*fsBackend, error) {
	root := cfg.Path
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	return &fsBackend{
		scheme:    cfg.Scheme,
		root:      abs,
		mmap:      mmap,
		logger:    cfg.Logger,
		removeAll: os.RemoveAll,
		rename:    os.Rename,
		retry: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(fsRetryDelay), fsRetries)
		},
	}, nil
}

func (b *fsBackend) Scheme() string { return b.scheme }

// Root returns the absolute root directory.
func (b *fsBackend) Root() string { return b.root }

func (b *fsBackend) path(subContext, subIndex string) string {
	return filepath.Join(b.root, subContext, subIndex)
}

// checkPath rejects names that would resolve outside the sub-index
// directory.
func (b *fsBackend) checkPath(subContext, subIndex string) error {
	for _, name := range []string{subContext, subIndex} {
		if err := directory.ValidName(name); err != nil {
			return err
		}
	}
	return nil
}

func (b *fsBackend) Location(subContext, subIndex string) lock.Location {
	return lock.Location{SubContext: subContext, SubIndex: subIndex, Dir: b.path(subContext, subIndex)}
}

// Open returns a fresh handle on every call.
func (b *fsBackend) Open(_ context.Context, subContext, subIndex string) (directory.Directory, error) {
	loc := b.Location(subContext, subIndex)
	if b.mmap {
		return directory.NewMMap(loc.Dir, loc)
	}
	return directory.NewFS(loc.Dir, loc)
}

// IndexExists answers false for a missing directory and defers otherwise.
func (b *fsBackend) IndexExists(_ context.Context, subContext, subIndex string) (Exists, error) {
	_, err := os.Stat(b.path(subContext, subIndex))
	if errors.Is(err, fs.ErrNotExist) {
		return ExistsFalse, nil
	}
	if err != nil {
		return ExistsUnknown, err
	}
	return ExistsUnknown, nil
}

func (b *fsBackend) DeleteIndex(ctx context.Context, subContext, subIndex string) error {
	if err := b.checkPath(subContext, subIndex); err != nil {
		return err
	}
	return b.removeWithRetry(ctx, b.path(subContext, subIndex))
}

func (b *fsBackend) removeWithRetry(ctx context.Context, path string) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return b.removeAll(path)
	}, backoff.WithContext(b.retry(), ctx))
	if err != nil {
		return fmt.Errorf("remove %s after %d attempts: %w", path, attempt, err)
	}
	if attempt > 1 {
		b.logger.Debug("store: removed directory after retry", "path", path, "attempts", attempt)
	}
	return nil
}

func (b *fsBackend) CleanIndex(ctx context.Context, d directory.Directory) error {
	if err := directory.Clear(ctx, directory.Raw(d)); err != nil {
		return err
	}
	directory.Invalidate(d)
	return nil
}

func (b *fsBackend) Capabilities() Capabilities {
	return Capabilities{ConcurrentOperations: true, ConcurrentCommits: true}
}

func (b *fsBackend) DefaultLockFactory() (lock.Factory, error) {
	return lock.NewNativeFS(lock.Config{}), nil
}

// BeforeCopyFrom renames an existing directory aside and leaves a fresh,
// empty one in its place.
func (b *fsBackend) BeforeCopyFrom(ctx context.Context, subContext, subIndex string, raw directory.Directory) (*CopySession, error) {
	if err := b.checkPath(subContext, subIndex); err != nil {
		return nil, err
	}
	dir := b.path(subContext, subIndex)
	s := &CopySession{SubContext: subContext, SubIndex: subIndex, Dir: raw}

	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist) || (err == nil && len(entries) == 0):
		s.Created = true
	case err != nil:
		return nil, err
	default:
		aside := fmt.Sprintf("%s.copyfrom-%s", dir, uuid.NewString())
		err := backoff.Retry(func() error {
			return b.rename(dir, aside)
		}, backoff.WithContext(b.retry(), ctx))
		if err != nil {
			return nil, fmt.Errorf("rename %s aside: %w", dir, err)
		}
		s.Aside = aside
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recreate %s: %w", dir, err)
	}
	return s, nil
}

func (b *fsBackend) AfterSuccessfulCopyFrom(ctx context.Context, s *CopySession) error {
	if s.Aside == "" {
		return nil
	}
	return b.removeWithRetry(ctx, s.Aside)
}

// AfterFailedCopyFrom puts the original back. If that fails too the aside
// directory is left in place for manual recovery.
func (b *fsBackend) AfterFailedCopyFrom(ctx context.Context, s *CopySession) error {
	if err := b.checkPath(s.SubContext, s.SubIndex); err != nil {
		return err
	}
	dir := b.path(s.SubContext, s.SubIndex)
	if s.Aside == "" {
		return b.removeWithRetry(ctx, dir)
	}
	if err := b.removeWithRetry(ctx, dir); err != nil {
		return fmt.Errorf("original kept at %s: %w", s.Aside, err)
	}
	if err := b.rename(s.Aside, dir); err != nil {
		return fmt.Errorf("original kept at %s: %w", s.Aside, err)
	}
	return nil
}

func (b *fsBackend) PerformScheduledTasks(context.Context) error { return nil }

func (b *fsBackend) Close() error { return nil }

func init() {
	fileBuilder := func(cfg BackendConfig) (Backend, error) {
		t, err := ClaimFSType(cfg.Store.FSType)
		if err != nil {
			return nil, err
		}
		return newFSBackend(cfg, t == FSMMap)
	}
	RegisterBackend(SchemeFile, fileBuilder)
	RegisterBackend(SchemeMMap, func(cfg BackendConfig) (Backend, error) {
		return newFSBackend(cfg, true)
	})
}
