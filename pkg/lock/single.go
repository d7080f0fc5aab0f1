package lock

import (
	"context"
	"fmt"
	"sync"
)

// SingleInstance keeps held locks in a process-local table. Two factories
// built from the same configuration share nothing; the table is per factory.
type SingleInstance struct {
	cfg  Config
	mu   sync.Mutex
	held map[Location]*singleToken
}

// NewSingleInstance creates a process-local lock factory.
func NewSingleInstance(cfg Config) *SingleInstance {
	return &SingleInstance{cfg: cfg, held: make(map[Location]*singleToken)}
}

func (f *SingleInstance) key(loc Location) Location {
	// Dir does not take part in identity: the same sub-index may be
	// reopened at a different physical path.
	return Location{SubContext: loc.SubContext, SubIndex: loc.SubIndex}
}

func (f *SingleInstance) Obtain(ctx context.Context, loc Location) (Token, error) {
	return obtainWithRetry(ctx, f.cfg.Timeout, func() (Token, error) {
		k := f.key(loc)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.held[k]; ok {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, loc)
		}
		t := &singleToken{f: f, loc: loc}
		f.held[k] = t
		return t, nil
	})
}

func (f *SingleInstance) IsLocked(loc Location) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.held[f.key(loc)]
	return ok, nil
}

func (f *SingleInstance) Release(loc Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, f.key(loc))
	return nil
}

type singleToken struct {
	f   *SingleInstance
	loc Location
}

func (t *singleToken) Location() Location { return t.loc }

func (t *singleToken) Release() error {
	k := t.f.key(t.loc)
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.f.held[k] == t {
		delete(t.f.held, k)
	}
	return nil
}
