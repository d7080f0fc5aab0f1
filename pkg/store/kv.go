package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/kv"
	"github.com/haivivi/idxstore/pkg/lock"
)

// kvBackend stores every sub-index of every sub-context in one database.
// Each physical read or write is its own statement, so operations are not
// declared concurrent.
type kvBackend struct {
	scheme string
	store  kv.Store
	opts   KVConfig
	logger *slog.Logger
	now    func() time.Time
}

func newKVBackend(cfg BackendConfig) (*kvBackend, error) {
	st, err := kv.Open(cfg.Connection, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &kvBackend{
		scheme: cfg.Scheme,
		store:  st,
		opts:   cfg.Store.KV,
		logger: cfg.Logger,
		now:    time.Now,
	}, nil
}

func (b *kvBackend) Scheme() string { return b.scheme }

// Store returns the underlying database.
func (b *kvBackend) Store() kv.Store { return b.store }

func (b *kvBackend) Location(subContext, subIndex string) lock.Location {
	return lock.Location{SubContext: subContext, SubIndex: subIndex}
}

func (b *kvBackend) dir(subContext, subIndex string) *directory.KV {
	return directory.NewKV(b.store, b.Location(subContext, subIndex), directory.KVOptions{
		ChunkSize:    b.opts.ChunkSize,
		QueryTimeout: b.opts.QueryTimeout,
	})
}

func (b *kvBackend) Open(_ context.Context, subContext, subIndex string) (directory.Directory, error) {
	return b.dir(subContext, subIndex), nil
}

func (b *kvBackend) IndexExists(ctx context.Context, subContext, subIndex string) (Exists, error) {
	ok, err := directory.KVHasRows(ctx, b.store, b.Location(subContext, subIndex))
	if err != nil {
		return ExistsUnknown, err
	}
	if !ok {
		return ExistsFalse, nil
	}
	return ExistsUnknown, nil
}

// DeleteIndex drops every row of the sub-index.
func (b *kvBackend) DeleteIndex(ctx context.Context, subContext, subIndex string) error {
	return b.dir(subContext, subIndex).DeleteAll(ctx)
}

func (b *kvBackend) CleanIndex(ctx context.Context, d directory.Directory) error {
	raw, ok := directory.Raw(d).(*directory.KV)
	if !ok {
		return directory.Clear(ctx, directory.Raw(d))
	}
	if err := raw.DeleteAll(ctx); err != nil {
		return err
	}
	directory.Invalidate(d)
	return nil
}

func (b *kvBackend) Capabilities() Capabilities {
	return Capabilities{RequiresTransaction: true}
}

// DefaultLockFactory locks with rows in the same database, waiting up to
// the query timeout.
func (b *kvBackend) DefaultLockFactory() (lock.Factory, error) {
	return lock.NewKVRow(b.store, lock.Config{Timeout: b.opts.QueryTimeout}), nil
}

// BeforeCopyFrom moves existing rows to the aside area.
func (b *kvBackend) BeforeCopyFrom(ctx context.Context, subContext, subIndex string, raw directory.Directory) (*CopySession, error) {
	s := &CopySession{SubContext: subContext, SubIndex: subIndex, Dir: raw}
	ok, err := directory.KVHasRows(ctx, b.store, b.Location(subContext, subIndex))
	if err != nil {
		return nil, err
	}
	if !ok {
		s.Created = true
		return s, nil
	}
	if err := b.dir(subContext, subIndex).MoveAside(ctx); err != nil {
		return nil, err
	}
	s.Aside = kv.Key{"aside", subContext, subIndex}.String()
	return s, nil
}

func (b *kvBackend) AfterSuccessfulCopyFrom(ctx context.Context, s *CopySession) error {
	if s.Aside == "" {
		return nil
	}
	return b.dir(s.SubContext, s.SubIndex).DropAside(ctx)
}

func (b *kvBackend) AfterFailedCopyFrom(ctx context.Context, s *CopySession) error {
	d := b.dir(s.SubContext, s.SubIndex)
	if s.Aside == "" {
		return d.DeleteAll(ctx)
	}
	return d.RestoreAside(ctx)
}

// PerformScheduledTasks purges soft-deleted files past the retention.
func (b *kvBackend) PerformScheduledTasks(ctx context.Context) error {
	n, err := directory.PurgeKV(ctx, b.store, b.now().Add(-b.opts.retention()))
	if n > 0 {
		b.logger.Info("store: purged deleted files", "scheme", b.scheme, "files", n)
	}
	return err
}

func (b *kvBackend) Close() error {
	return b.store.Close()
}

func init() {
	build := func(cfg BackendConfig) (Backend, error) { return newKVBackend(cfg) }
	RegisterBackend(SchemeBadger, build)
	RegisterBackend(SchemeBolt, build)
	RegisterBackend(SchemeMemKV, build)
}
