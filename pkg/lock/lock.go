// Package lock provides the lock factories that serialize writers on one
// sub-index. A Factory hands out Tokens for a Location; the variants differ
// in how far the exclusion reaches:
//
//   - native_fs: OS advisory lock (flock) on a lock file; cross-process.
//   - simple_fs: lock file created with O_EXCL; cross-process, but a crash
//     leaves a stale file behind that must be released explicitly.
//   - single_instance: process-local table; correct only inside one process.
//   - no_locking: never contends; for read-only or externally coordinated stores.
//
// Custom factories register under their own type name with Register.
package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Lock factory type names.
const (
	TypeNativeFS       = "native_fs"
	TypeSimpleFS       = "simple_fs"
	TypeSingleInstance = "single_instance"
	TypeNoLocking      = "no_locking"
)

// FileName is the lock file created inside the lock directory.
const FileName = "write.lock"

// Sentinel errors.
var (
	// ErrLockHeld is returned when another holder owns the lock.
	ErrLockHeld = errors.New("lock: already held")

	// ErrUnknownType is returned by New for an unregistered factory type.
	ErrUnknownType = errors.New("lock: unknown factory type")

	// ErrNoLockDir is returned by file-based factories when neither a path
	// template nor a physical directory is available for the location.
	ErrNoLockDir = errors.New("lock: no lock directory for location")
)

// Location identifies what is being locked.
type Location struct {
	SubContext string
	SubIndex   string
	// Dir is the physical directory of the sub-index, if it has one.
	Dir string
}

func (l Location) String() string {
	return l.SubContext + "/" + l.SubIndex
}

// Token is an acquired lock. Release is idempotent.
type Token interface {
	Location() Location
	Release() error
}

// Factory creates and inspects locks.
type Factory interface {
	// Obtain acquires the lock for loc. It returns an error wrapping
	// ErrLockHeld if the lock is held elsewhere and could not be acquired
	// within the configured timeout.
	Obtain(ctx context.Context, loc Location) (Token, error)

	// IsLocked reports whether the lock for loc is currently held.
	IsLocked(loc Location) (bool, error)

	// Release forcibly clears the lock for loc, whoever holds it.
	Release(loc Location) error
}

// Config selects and configures a lock factory.
type Config struct {
	// Type is one of the Type* constants or a registered custom type.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Path is an optional lock directory template. "{subindex}" and
	// "{subcontext}" are substituted per location. Empty means the
	// sub-index's own directory.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Timeout is how long Obtain keeps retrying a held lock. Zero fails
	// immediately.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Builder constructs a Factory from its configuration.
type Builder func(cfg Config) (Factory, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Builder{}
)

// Register makes a factory type available to New. It panics if name is
// empty, b is nil, or name is already registered.
func Register(name string, b Builder) {
	if name == "" || b == nil {
		panic("lock: Register with empty name or nil builder")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("lock: duplicate registration of %q", name))
	}
	registry[name] = b
}

// Types returns the registered factory type names, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds the factory named by cfg.Type.
func New(cfg Config) (Factory, error) {
	registryMu.RLock()
	b, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownType, cfg.Type, strings.Join(Types(), ", "))
	}
	return b(cfg)
}

func init() {
	Register(TypeNativeFS, func(cfg Config) (Factory, error) { return NewNativeFS(cfg), nil })
	Register(TypeSimpleFS, func(cfg Config) (Factory, error) { return NewSimpleFS(cfg), nil })
	Register(TypeSingleInstance, func(cfg Config) (Factory, error) { return NewSingleInstance(cfg), nil })
	Register(TypeNoLocking, func(Config) (Factory, error) { return NoLocking{}, nil })
}

// ExpandPath substitutes the location placeholders in template.
func ExpandPath(template string, loc Location) string {
	r := strings.NewReplacer("{subindex}", loc.SubIndex, "{subcontext}", loc.SubContext)
	return r.Replace(template)
}

// lockFile returns the lock file path for loc under cfg.
func lockFile(cfg Config, loc Location) (string, error) {
	dir := loc.Dir
	if cfg.Path != "" {
		dir = ExpandPath(cfg.Path, loc)
	}
	if dir == "" {
		return "", fmt.Errorf("%w %s", ErrNoLockDir, loc)
	}
	return filepath.Join(dir, FileName), nil
}

// obtainWithRetry calls try until it succeeds, fails with something other
// than ErrLockHeld, the timeout elapses or ctx is done.
func obtainWithRetry(ctx context.Context, timeout time.Duration, try func() (Token, error)) (Token, error) {
	if timeout <= 0 {
		return try()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 250 * time.Millisecond
	eb.MaxElapsedTime = timeout
	var tok Token
	err := backoff.Retry(func() error {
		t, err := try()
		if err == nil {
			tok = t
			return nil
		}
		if errors.Is(err, ErrLockHeld) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// NoLocking never contends and never reports a lock as held.
type NoLocking struct{}

func (NoLocking) Obtain(_ context.Context, loc Location) (Token, error) {
	return noToken{loc: loc}, nil
}

func (NoLocking) IsLocked(Location) (bool, error) { return false, nil }

func (NoLocking) Release(Location) error { return nil }

type noToken struct{ loc Location }

func (t noToken) Location() Location { return t.loc }
func (noToken) Release() error       { return nil }
