package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/lock"
)

// Cache owns every open directory of a store, keyed by sub-context and
// sub-index. A directory is opened once, has the lock factory attached and
// the wrapper chain applied, and stays open until Remove or CloseAll.
//
// Callers borrow directories from the cache and must not close them.
type Cache struct {
	backend Backend
	locks   lock.Factory
	chain   wrapChain
	logger  *slog.Logger
	metrics *Metrics

	contexts sync.Map // sub-context -> *subCache
	closing  atomic.Bool
}

type subCache struct {
	mu   sync.Mutex
	dirs sync.Map // sub-index -> directory.Directory
}

func newCache(b Backend, locks lock.Factory, chain wrapChain, logger *slog.Logger, m *Metrics) *Cache {
	return &Cache{backend: b, locks: locks, chain: chain, logger: logger, metrics: m}
}

func (c *Cache) sub(subContext string) *subCache {
	if s, ok := c.contexts.Load(subContext); ok {
		return s.(*subCache)
	}
	s, _ := c.contexts.LoadOrStore(subContext, &subCache{})
	return s.(*subCache)
}

// Get returns the directory of a sub-index, opening it on first use.
func (c *Cache) Get(ctx context.Context, subContext, subIndex string) (directory.Directory, error) {
	if s, ok := c.contexts.Load(subContext); ok {
		if d, ok := s.(*subCache).dirs.Load(subIndex); ok {
			return d.(directory.Directory), nil
		}
	}

	s := c.sub(subContext)
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.dirs.Load(subIndex); ok {
		return d.(directory.Directory), nil
	}
	// s may already have been drained and dropped by CloseAll.
	if c.closing.Load() {
		return nil, withKind(ErrStorageIO, "open", subContext, subIndex, ErrClosed)
	}

	raw, err := c.backend.Open(ctx, subContext, subIndex)
	if err != nil {
		return nil, wrapErr("open", subContext, subIndex, err)
	}
	raw.SetLockFactory(c.locks)
	d, err := c.chain.apply(raw)
	if err != nil {
		raw.Close()
		return nil, withKind(ErrConfiguration, "open", subContext, subIndex, err)
	}
	s.dirs.Store(subIndex, d)
	c.metrics.directoryOpened(subContext)
	c.logger.Debug("store: opened directory", "subcontext", subContext, "subindex", subIndex, "scheme", c.backend.Scheme())
	return d, nil
}

// Has reports whether a sub-index is currently open.
func (c *Cache) Has(subContext, subIndex string) bool {
	s, ok := c.contexts.Load(subContext)
	if !ok {
		return false
	}
	_, ok = s.(*subCache).dirs.Load(subIndex)
	return ok
}

// Open returns the open sub-indexes of a sub-context, sorted.
func (c *Cache) Open(subContext string) []string {
	s, ok := c.contexts.Load(subContext)
	if !ok {
		return nil
	}
	var out []string
	s.(*subCache).dirs.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Remove closes and forgets a sub-index so the next Get reopens it.
func (c *Cache) Remove(subContext, subIndex string) error {
	s, ok := c.contexts.Load(subContext)
	if !ok {
		return nil
	}
	sc := s.(*subCache)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	d, ok := sc.dirs.LoadAndDelete(subIndex)
	if !ok {
		return nil
	}
	c.metrics.directoryClosed(subContext)
	if err := d.(directory.Directory).Close(); err != nil {
		return wrapErr("close", subContext, subIndex, err)
	}
	return nil
}

// CloseAll closes every open directory. Failures are logged and do not
// stop the rest from closing. Get fails with ErrClosed once CloseAll has
// started.
func (c *Cache) CloseAll() {
	c.closing.Store(true)
	c.contexts.Range(func(k, v any) bool {
		subContext := k.(string)
		s := v.(*subCache)
		s.mu.Lock()
		s.dirs.Range(func(k, v any) bool {
			s.dirs.Delete(k)
			c.metrics.directoryClosed(subContext)
			if err := v.(directory.Directory).Close(); err != nil {
				c.logger.Warn("store: close directory failed",
					"subcontext", subContext, "subindex", k, "err", err)
			}
			return true
		})
		s.mu.Unlock()
		c.contexts.Delete(k)
		return true
	})
}
