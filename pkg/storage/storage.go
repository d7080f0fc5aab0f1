// Package storage defines FileStore, a flat object namespace used by the
// blob directory backend. Local keeps objects on disk under a root
// directory; S3Store keeps them in an S3 (or S3-compatible) bucket.
package storage

import (
	"context"
	"io"
)

// FileStore is a minimal object store.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named object. A missing object yields an error
	// wrapping os.ErrNotExist. The caller closes the reader.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write creates or truncates the named object. The object becomes
	// visible when the returned writer is closed.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named object. Missing objects are not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named object exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Size returns the object length in bytes. A missing object yields an
	// error wrapping os.ErrNotExist.
	Size(ctx context.Context, path string) (int64, error)

	// List returns the paths of all objects below prefix, sorted. An empty
	// prefix lists the whole store.
	List(ctx context.Context, prefix string) ([]string, error)
}
