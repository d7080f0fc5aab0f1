//go:build !unix

package lock

// NativeFS falls back to exclusive lock-file creation where flock is not
// available.
type NativeFS struct {
	*SimpleFS
}

// NewNativeFS creates the platform's native lock factory.
func NewNativeFS(cfg Config) *NativeFS {
	return &NativeFS{SimpleFS: NewSimpleFS(cfg)}
}
