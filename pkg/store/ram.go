package store

import (
	"context"
	"sync"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/lock"
)

// ramBackend keeps one shared in-memory directory per sub-index. Content
// lives as long as the backend and the handle.
type ramBackend struct {
	scheme string

	mu   sync.Mutex
	dirs map[lock.Location]*directory.RAM
}

func newRAMBackend(cfg BackendConfig) *ramBackend {
	return &ramBackend{scheme: cfg.Scheme, dirs: make(map[lock.Location]*directory.RAM)}
}

func (b *ramBackend) Scheme() string { return b.scheme }

func (b *ramBackend) Location(subContext, subIndex string) lock.Location {
	return lock.Location{SubContext: subContext, SubIndex: subIndex}
}

// Open returns the live directory for the key, replacing one that has been
// closed.
func (b *ramBackend) Open(_ context.Context, subContext, subIndex string) (directory.Directory, error) {
	loc := b.Location(subContext, subIndex)
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.dirs[loc]; ok && !d.Closed() {
		return d, nil
	}
	d := directory.NewRAM(loc)
	b.dirs[loc] = d
	return d, nil
}

func (b *ramBackend) live(subContext, subIndex string) *directory.RAM {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dirs[b.Location(subContext, subIndex)]
	if !ok || d.Closed() {
		return nil
	}
	return d
}

func (b *ramBackend) IndexExists(_ context.Context, subContext, subIndex string) (Exists, error) {
	if b.live(subContext, subIndex) == nil {
		return ExistsFalse, nil
	}
	return ExistsUnknown, nil
}

func (b *ramBackend) DeleteIndex(_ context.Context, subContext, subIndex string) error {
	loc := b.Location(subContext, subIndex)
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.dirs[loc]; ok {
		d.Clear()
		delete(b.dirs, loc)
	}
	return nil
}

func (b *ramBackend) CleanIndex(ctx context.Context, d directory.Directory) error {
	if err := directory.Clear(ctx, directory.Raw(d)); err != nil {
		return err
	}
	directory.Invalidate(d)
	return nil
}

func (b *ramBackend) Capabilities() Capabilities {
	return Capabilities{ConcurrentOperations: true, ConcurrentCommits: true, SharedHandles: true}
}

func (b *ramBackend) DefaultLockFactory() (lock.Factory, error) {
	return lock.NewSingleInstance(lock.Config{}), nil
}

// BeforeCopyFrom snapshots the current content and empties the directory.
func (b *ramBackend) BeforeCopyFrom(_ context.Context, subContext, subIndex string, raw directory.Directory) (*CopySession, error) {
	s := &CopySession{SubContext: subContext, SubIndex: subIndex, Dir: raw}
	r, ok := raw.(*directory.RAM)
	if !ok {
		return s, nil
	}
	snap := r.Snapshot()
	s.Created = len(snap) == 0
	s.State = snap
	r.Clear()
	return s, nil
}

func (b *ramBackend) AfterSuccessfulCopyFrom(context.Context, *CopySession) error { return nil }

func (b *ramBackend) AfterFailedCopyFrom(_ context.Context, s *CopySession) error {
	r, ok := s.Dir.(*directory.RAM)
	if !ok {
		return nil
	}
	snap, _ := s.State.(map[string][]byte)
	r.Restore(snap)
	return nil
}

func (b *ramBackend) PerformScheduledTasks(context.Context) error { return nil }

func (b *ramBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for loc, d := range b.dirs {
		d.Close()
		delete(b.dirs, loc)
	}
	return nil
}

func init() {
	build := func(cfg BackendConfig) (Backend, error) { return newRAMBackend(cfg), nil }
	RegisterBackend(SchemeRAM, build)
	RegisterBackend(SchemeMemory, build)
}
