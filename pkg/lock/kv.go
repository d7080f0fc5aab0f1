package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/idxstore/pkg/kv"
)

// KVRow stores locks as rows of a kv.Store:
//
//	lock/{subcontext}/{subindex} -> "{owner}@{unix-nanos}"
//
// The engines behind kv.Store are opened by a single process at a time, so
// a process mutex makes check-and-set atomic. Held locks are retried for
// cfg.Timeout, which the database backends set to their query timeout.
type KVRow struct {
	store kv.Store
	cfg   Config
	owner string
	mu    sync.Mutex
}

// NewKVRow creates a lock factory over store.
func NewKVRow(store kv.Store, cfg Config) *KVRow {
	return &KVRow{store: store, cfg: cfg, owner: uuid.NewString()}
}

// Owner identifies this factory in the rows it writes.
func (f *KVRow) Owner() string { return f.owner }

func lockKey(loc Location) kv.Key {
	return kv.Key{"lock", loc.SubContext, loc.SubIndex}
}

func (f *KVRow) Obtain(ctx context.Context, loc Location) (Token, error) {
	return obtainWithRetry(ctx, f.cfg.Timeout, func() (Token, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, err := f.store.Get(ctx, lockKey(loc))
		if err == nil {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, loc)
		}
		if !errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("lock: read %s: %w", loc, err)
		}
		id := uuid.NewString()
		val := fmt.Sprintf("%s/%s@%d", f.owner, id, time.Now().UnixNano())
		if err := f.store.Set(ctx, lockKey(loc), []byte(val)); err != nil {
			return nil, fmt.Errorf("lock: write %s: %w", loc, err)
		}
		return &kvToken{f: f, loc: loc, id: f.owner + "/" + id}, nil
	})
}

func (f *KVRow) IsLocked(loc Location) (bool, error) {
	_, err := f.store.Get(context.Background(), lockKey(loc))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (f *KVRow) Release(loc Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.Delete(context.Background(), lockKey(loc))
}

type kvToken struct {
	f    *KVRow
	loc  Location
	id   string
	once sync.Once
	err  error
}

func (t *kvToken) Location() Location { return t.loc }

// Release deletes the row only if it still belongs to this token.
func (t *kvToken) Release() error {
	t.once.Do(func() {
		t.f.mu.Lock()
		defer t.f.mu.Unlock()
		ctx := context.Background()
		val, err := t.f.store.Get(ctx, lockKey(t.loc))
		if errors.Is(err, kv.ErrNotFound) {
			return
		}
		if err != nil {
			t.err = err
			return
		}
		if strings.HasPrefix(string(val), t.id+"@") {
			t.err = t.f.store.Delete(ctx, lockKey(t.loc))
		}
	})
	return t.err
}
