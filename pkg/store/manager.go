package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/lock"
	"github.com/haivivi/idxstore/pkg/routing"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *Metrics
	routes  *routing.Table
	backend Backend
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics reports activity to m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRouting sets the routing table that defines the store's sub-indexes.
func WithRouting(t *routing.Table) Option {
	return func(o *options) { o.routes = t }
}

// WithBackend uses b instead of building one from Config.Connection. The
// manager takes ownership and closes b.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// Manager runs the lifecycle of the sub-indexes of one store: one backend,
// one sub-context, one routing table.
//
// All methods are safe for concurrent use. Operations on one sub-index are
// serialized; operations on different sub-indexes run in parallel unless
// the backend declares otherwise.
type Manager struct {
	subContext string
	interval   time.Duration
	backend    Backend
	caps       Capabilities
	locks      lock.Factory
	cache      *Cache
	routes     *routing.Table
	logger     *slog.Logger
	metrics    *Metrics

	opMu  sync.Mutex
	keyMu sync.Map // sub-index -> *sync.Mutex

	closed    atomic.Bool
	stopMaint context.CancelFunc
	maintWG   sync.WaitGroup
	maintMu   sync.Mutex
}

// New builds a Manager. Configuration problems, including an unknown
// scheme, lock factory type or wrapper type, fail with ErrConfiguration.
func New(cfg Config, opts ...Option) (*Manager, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.routes == nil {
		o.routes, _ = routing.New(nil)
	}

	if err := directory.ValidName(cfg.subContext()); err != nil {
		if o.backend != nil {
			o.backend.Close()
		}
		return nil, configErr("invalid sub-context: %w", err)
	}

	chain, err := buildChain(cfg.Wrappers)
	if err != nil {
		if o.backend != nil {
			o.backend.Close()
		}
		return nil, err
	}

	b := o.backend
	if b == nil {
		if b, err = NewBackend(&cfg, o.logger); err != nil {
			return nil, err
		}
	}

	var locks lock.Factory
	if cfg.LockFactory.Type != "" {
		locks, err = lock.New(cfg.LockFactory)
	} else {
		locks, err = b.DefaultLockFactory()
	}
	if err != nil {
		b.Close()
		return nil, withKind(ErrConfiguration, "lock factory", "", "", err)
	}

	m := &Manager{
		subContext: cfg.subContext(),
		interval:   cfg.MaintenanceInterval,
		backend:    b,
		caps:       b.Capabilities(),
		locks:      locks,
		routes:     o.routes,
		logger:     o.logger,
		metrics:    o.metrics,
	}
	m.cache = newCache(b, locks, chain, o.logger, o.metrics)
	o.logger.Debug("store: opened",
		"scheme", b.Scheme(), "subcontext", m.subContext, "subindexes", len(o.routes.SubIndexes()))
	return m, nil
}

// SubContext returns the store's sub-context.
func (m *Manager) SubContext() string { return m.subContext }

// Backend returns the store's backend.
func (m *Manager) Backend() Backend { return m.backend }

// Capabilities returns the backend's declared capabilities.
func (m *Manager) Capabilities() Capabilities { return m.caps }

// Routes returns the routing table.
func (m *Manager) Routes() *routing.Table { return m.routes }

// Cache returns the handle cache.
func (m *Manager) Cache() *Cache { return m.cache }

// LockFactory returns the lock factory attached to every directory.
func (m *Manager) LockFactory() lock.Factory { return m.locks }

// Location returns the physical location of a sub-index.
func (m *Manager) Location(subIndex string) lock.Location {
	return m.backend.Location(m.subContext, subIndex)
}

// guard serializes operations on subIndex, and all operations if the
// backend is not safe for concurrent operations.
func (m *Manager) guard(subIndex string) func() {
	if !m.caps.ConcurrentOperations {
		m.opMu.Lock()
	}
	v, _ := m.keyMu.LoadOrStore(subIndex, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return func() {
		mu.Unlock()
		if !m.caps.ConcurrentOperations {
			m.opMu.Unlock()
		}
	}
}

func (m *Manager) checkOpen(op, subIndex string) error {
	if m.closed.Load() {
		return withKind(ErrStorageIO, op, m.subContext, subIndex, ErrClosed)
	}
	return nil
}

// checkSubIndex is checkOpen for operations addressing one sub-index. The
// name must be a single path element.
func (m *Manager) checkSubIndex(op, subIndex string) error {
	if err := m.checkOpen(op, subIndex); err != nil {
		return err
	}
	if err := directory.ValidName(subIndex); err != nil {
		return withKind(ErrRouting, op, m.subContext, subIndex, fmt.Errorf("invalid sub-index: %w", err))
	}
	return nil
}

func (m *Manager) done(op, subIndex string, err error) error {
	err = wrapErr(op, m.subContext, subIndex, err)
	m.metrics.op(op, err)
	return err
}

// Resolve returns the sub-indexes addressed by the given names. See
// routing.Table.Resolve.
func (m *Manager) Resolve(subIndexes, aliases, types []string, polymorphic bool) ([]string, error) {
	out, err := m.routes.Resolve(subIndexes, aliases, types, polymorphic)
	if err != nil {
		return nil, wrapErr("resolve", m.subContext, "", err)
	}
	return out, nil
}

// Directory returns the directory of a sub-index for the indexing engine.
// The directory is owned by the store.
func (m *Manager) Directory(ctx context.Context, subIndex string) (directory.Directory, error) {
	if err := m.checkSubIndex("directory", subIndex); err != nil {
		return nil, err
	}
	d, err := m.cache.Get(ctx, m.subContext, subIndex)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// IndexExists reports whether a sub-index holds an index. A definite
// answer from the backend wins; otherwise the directory is probed for a
// commit point.
func (m *Manager) IndexExists(ctx context.Context, subIndex string) (bool, error) {
	if err := m.checkSubIndex("exists", subIndex); err != nil {
		return false, err
	}
	unlock := m.guard(subIndex)
	defer unlock()
	ok, err := m.indexExists(ctx, subIndex)
	return ok, wrapErr("exists", m.subContext, subIndex, err)
}

func (m *Manager) indexExists(ctx context.Context, subIndex string) (bool, error) {
	ans, err := m.backend.IndexExists(ctx, m.subContext, subIndex)
	if err != nil {
		return false, err
	}
	switch ans {
	case ExistsTrue:
		return true, nil
	case ExistsFalse:
		return false, nil
	}

	cached := m.cache.Has(m.subContext, subIndex)
	d, err := m.cache.Get(ctx, m.subContext, subIndex)
	if err != nil {
		return false, err
	}
	ok, err := directory.IndexPresent(ctx, d)
	if !cached && !m.caps.SharedHandles {
		if cerr := m.cache.Remove(m.subContext, subIndex); cerr != nil {
			m.logger.Warn("store: close probe directory failed",
				"subcontext", m.subContext, "subindex", subIndex, "err", cerr)
		}
	}
	return ok, err
}

// CreateIndex writes an empty index, replacing any existing content.
func (m *Manager) CreateIndex(ctx context.Context, subIndex string) error {
	if err := m.checkSubIndex("create", subIndex); err != nil {
		return err
	}
	unlock := m.guard(subIndex)
	defer unlock()
	return m.done("create", subIndex, m.createIndex(ctx, subIndex))
}

func (m *Manager) createIndex(ctx context.Context, subIndex string) error {
	d, err := m.cache.Get(ctx, m.subContext, subIndex)
	if err != nil {
		return err
	}
	return directory.CreateEmptyIndex(ctx, d)
}

// VerifyIndex creates the index if it does not exist and reports whether
// it did.
func (m *Manager) VerifyIndex(ctx context.Context, subIndex string) (created bool, err error) {
	if err := m.checkSubIndex("verify", subIndex); err != nil {
		return false, err
	}
	unlock := m.guard(subIndex)
	defer unlock()
	created, err = m.verifyIndex(ctx, subIndex)
	return created, m.done("verify", subIndex, err)
}

func (m *Manager) verifyIndex(ctx context.Context, subIndex string) (bool, error) {
	ok, err := m.indexExists(ctx, subIndex)
	if err != nil || ok {
		return false, err
	}
	if err := m.createIndex(ctx, subIndex); err != nil {
		return false, err
	}
	m.logger.Info("store: created index", "subcontext", m.subContext, "subindex", subIndex)
	return true, nil
}

// DeleteIndex removes the sub-index's storage and closes its directory.
func (m *Manager) DeleteIndex(ctx context.Context, subIndex string) error {
	if err := m.checkSubIndex("delete", subIndex); err != nil {
		return err
	}
	unlock := m.guard(subIndex)
	defer unlock()
	return m.done("delete", subIndex, m.deleteIndex(ctx, subIndex))
}

func (m *Manager) deleteIndex(ctx context.Context, subIndex string) error {
	if err := m.backend.DeleteIndex(ctx, m.subContext, subIndex); err != nil {
		return err
	}
	if err := m.cache.Remove(m.subContext, subIndex); err != nil {
		m.logger.Warn("store: close deleted directory failed",
			"subcontext", m.subContext, "subindex", subIndex, "err", err)
	}
	return nil
}

// CleanIndex removes every file of the sub-index and writes an empty index.
func (m *Manager) CleanIndex(ctx context.Context, subIndex string) error {
	if err := m.checkSubIndex("clean", subIndex); err != nil {
		return err
	}
	unlock := m.guard(subIndex)
	defer unlock()
	err := func() error {
		d, err := m.cache.Get(ctx, m.subContext, subIndex)
		if err != nil {
			return err
		}
		if err := m.backend.CleanIndex(ctx, d); err != nil {
			return err
		}
		return directory.CreateEmptyIndex(ctx, d)
	}()
	return m.done("clean", subIndex, err)
}

// IsLocked reports whether the sub-index's write lock is held.
func (m *Manager) IsLocked(ctx context.Context, subIndex string) (bool, error) {
	if err := m.checkSubIndex("is locked", subIndex); err != nil {
		return false, err
	}
	ok, err := m.locks.IsLocked(m.Location(subIndex))
	return ok, wrapErr("is locked", m.subContext, subIndex, err)
}

// ReleaseLock forcibly clears the sub-index's write lock.
func (m *Manager) ReleaseLock(ctx context.Context, subIndex string) error {
	if err := m.checkSubIndex("release lock", subIndex); err != nil {
		return err
	}
	return m.done("release lock", subIndex, m.locks.Release(m.Location(subIndex)))
}

// Lock obtains the sub-index's write lock. A lock held elsewhere fails
// with ErrLockContention.
func (m *Manager) Lock(ctx context.Context, subIndex string) (lock.Token, error) {
	d, err := m.Directory(ctx, subIndex)
	if err != nil {
		return nil, err
	}
	tok, err := d.ObtainLock(ctx)
	if err != nil {
		return nil, m.done("lock", subIndex, err)
	}
	return tok, nil
}

// targets returns subIndexes, or every configured sub-index if empty.
func (m *Manager) targets(subIndexes []string) []string {
	if len(subIndexes) == 0 {
		return m.routes.SubIndexes()
	}
	return subIndexes
}

// CreateIndexes creates the given sub-indexes, or all. A failure does not
// stop the others; all failures are returned together.
func (m *Manager) CreateIndexes(ctx context.Context, subIndexes ...string) error {
	var errs *multierror.Error
	for _, si := range m.targets(subIndexes) {
		if err := m.CreateIndex(ctx, si); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// VerifyIndexes verifies the given sub-indexes, or all, and returns the
// ones it created.
func (m *Manager) VerifyIndexes(ctx context.Context, subIndexes ...string) ([]string, error) {
	var (
		created []string
		errs    *multierror.Error
	)
	for _, si := range m.targets(subIndexes) {
		ok, err := m.VerifyIndex(ctx, si)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if ok {
			created = append(created, si)
		}
	}
	return created, errs.ErrorOrNil()
}

// DeleteIndexes deletes the given sub-indexes, or all.
func (m *Manager) DeleteIndexes(ctx context.Context, subIndexes ...string) error {
	var errs *multierror.Error
	for _, si := range m.targets(subIndexes) {
		if err := m.DeleteIndex(ctx, si); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// ReleaseLocks clears the locks of the given sub-indexes, or all.
func (m *Manager) ReleaseLocks(ctx context.Context, subIndexes ...string) error {
	var errs *multierror.Error
	for _, si := range m.targets(subIndexes) {
		if err := m.ReleaseLock(ctx, si); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// IsAnyLocked reports whether any of the given sub-indexes, or any at all,
// is locked.
func (m *Manager) IsAnyLocked(ctx context.Context, subIndexes ...string) (bool, error) {
	var errs *multierror.Error
	for _, si := range m.targets(subIndexes) {
		ok, err := m.IsLocked(ctx, si)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errs.ErrorOrNil()
}

// PerformScheduledTasks runs the backend's periodic maintenance.
func (m *Manager) PerformScheduledTasks(ctx context.Context) error {
	if err := m.checkOpen("maintain", ""); err != nil {
		return err
	}
	return m.done("maintain", "", m.backend.PerformScheduledTasks(ctx))
}

// StartMaintenance runs PerformScheduledTasks every MaintenanceInterval
// until ctx is done or the manager is closed. It does nothing if the
// interval is not positive or maintenance is already running.
func (m *Manager) StartMaintenance(ctx context.Context) {
	if m.interval <= 0 || m.closed.Load() {
		return
	}
	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	if m.stopMaint != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopMaint = cancel
	m.maintWG.Add(1)
	go func() {
		defer m.maintWG.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := m.PerformScheduledTasks(ctx); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Warn("store: scheduled tasks failed", "subcontext", m.subContext, "err", err)
				}
			}
		}
	}()
}

// Close stops maintenance, closes every directory and the backend.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.maintMu.Lock()
	if m.stopMaint != nil {
		m.stopMaint()
	}
	m.maintMu.Unlock()
	m.maintWG.Wait()

	m.cache.CloseAll()
	if err := m.backend.Close(); err != nil {
		return wrapErr("close", m.subContext, "", err)
	}
	return nil
}
