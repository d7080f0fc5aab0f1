package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/lock"
)

// Built-in connection schemes.
const (
	SchemeRAM    = "ram"
	SchemeMemory = "memory"
	SchemeFile   = "file"
	SchemeMMap   = "mmap"
	SchemeBadger = "badger"
	SchemeBolt   = "bolt"
	SchemeMemKV  = "memory+kv"
)

// Exists is the answer of Backend.IndexExists.
type Exists int

const (
	// ExistsUnknown defers to probing the opened directory for a commit point.
	ExistsUnknown Exists = iota
	ExistsFalse
	ExistsTrue
)

func (e Exists) String() string {
	switch e {
	case ExistsFalse:
		return "false"
	case ExistsTrue:
		return "true"
	default:
		return "unknown"
	}
}

// Capabilities are the concurrency properties a backend declares.
type Capabilities struct {
	// ConcurrentOperations is false when directory operations on different
	// sub-indexes must not run in parallel.
	ConcurrentOperations bool

	// ConcurrentCommits is false when different sub-indexes must not be
	// committed by parallel callers.
	ConcurrentCommits bool

	// RequiresTransaction is true when every physical read or write is a
	// database statement and callers should funnel writes through one
	// transaction context.
	RequiresTransaction bool

	// SharedHandles is true when repeated opens of one sub-index return the
	// same directory.
	SharedHandles bool
}

// CopySession carries the rollback state of one sub-index copy between
// BeforeCopyFrom and exactly one of the two terminal hooks.
type CopySession struct {
	SubContext string
	SubIndex   string

	// Aside names the saved-aside original, if the backend made one.
	Aside string

	// Created is true when the destination did not exist before the copy.
	Created bool

	// Dir is the raw destination directory.
	Dir directory.Directory

	// State is backend-private rollback state.
	State any
}

// Backend is one physical storage medium.
type Backend interface {
	// Scheme is the connection-string scheme the backend was built for.
	Scheme() string

	// Location returns the lock location of a sub-index.
	Location(subContext, subIndex string) lock.Location

	// Open returns the raw directory of a sub-index, creating backing
	// storage if needed. Repeated calls return shared or fresh handles as
	// Capabilities().SharedHandles says.
	Open(ctx context.Context, subContext, subIndex string) (directory.Directory, error)

	// IndexExists answers from backend state where it can.
	IndexExists(ctx context.Context, subContext, subIndex string) (Exists, error)

	// DeleteIndex removes the sub-index's backing storage.
	DeleteIndex(ctx context.Context, subContext, subIndex string) error

	// CleanIndex removes every file of the open directory d. The caller
	// then writes an empty index through d.
	CleanIndex(ctx context.Context, d directory.Directory) error

	Capabilities() Capabilities

	// DefaultLockFactory is the lock factory used when none is configured.
	DefaultLockFactory() (lock.Factory, error)

	BeforeCopyFrom(ctx context.Context, subContext, subIndex string, raw directory.Directory) (*CopySession, error)
	AfterSuccessfulCopyFrom(ctx context.Context, s *CopySession) error
	AfterFailedCopyFrom(ctx context.Context, s *CopySession) error

	// PerformScheduledTasks runs periodic maintenance.
	PerformScheduledTasks(ctx context.Context) error

	Close() error
}

// BackendConfig is passed to a BackendBuilder.
type BackendConfig struct {
	// Connection is the full connection string.
	Connection string

	// Scheme is the lower-cased scheme; Path is everything after "://".
	Scheme string
	Path   string

	Store  *Config
	Logger *slog.Logger
}

// BackendBuilder constructs a backend for one scheme.
type BackendBuilder func(cfg BackendConfig) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendBuilder{}
)

// RegisterBackend makes a scheme available to connection strings. Plugin
// packages call it from init and are enabled by a blank import. It panics
// if scheme is empty, b is nil, or scheme is already registered.
func RegisterBackend(scheme string, b BackendBuilder) {
	if scheme == "" || b == nil {
		panic("store: RegisterBackend with empty scheme or nil builder")
	}
	scheme = strings.ToLower(scheme)
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, ok := backends[scheme]; ok {
		panic(fmt.Sprintf("store: duplicate backend scheme %q", scheme))
	}
	backends[scheme] = b
}

// Schemes returns the registered schemes, sorted.
func Schemes() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for s := range backends {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ParseConnection splits a connection string. A string without "://" is a
// plain filesystem path.
func ParseConnection(conn string) (scheme, path string) {
	scheme, path, ok := strings.Cut(conn, "://")
	if !ok {
		return SchemeFile, conn
	}
	return strings.ToLower(scheme), path
}

// NewBackend builds the backend selected by cfg.Connection.
func NewBackend(cfg *Config, logger *slog.Logger) (Backend, error) {
	if cfg.Connection == "" {
		return nil, configErr("no connection configured")
	}
	scheme, path := ParseConnection(cfg.Connection)
	backendsMu.RLock()
	b, ok := backends[scheme]
	backendsMu.RUnlock()
	if !ok {
		return nil, configErr("unknown backend scheme %q (registered: %s)", scheme, strings.Join(Schemes(), ", "))
	}
	if logger == nil {
		logger = slog.Default()
	}
	be, err := b(BackendConfig{
		Connection: cfg.Connection,
		Scheme:     scheme,
		Path:       path,
		Store:      cfg,
		Logger:     logger,
	})
	if err != nil {
		return nil, withKind(ErrConfiguration, "open backend", "", "", err)
	}
	return be, nil
}
