// Package kv provides the key-value engines behind the database-backed
// directory backends. Keys are hierarchical paths ([]string) encoded with a
// single separator byte, so that a whole sub-index can be addressed, listed
// or dropped by prefix.
//
// Three engines are provided: Memory for tests, Badger (badger/v4) and Bolt
// (bbolt). Open selects one from a database URI.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("kv: not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: closed")
)

// Key is a hierarchical path such as Key{"idx", "index", "articles", "f", "_0.cfs"}.
// Segments must not contain the configured separator.
type Key []string

// String joins the segments with '/' for display.
func (k Key) String() string {
	return strings.Join(k, "/")
}

// Append returns a new key with segs appended. The receiver is not modified.
func (k Key) Append(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	out = append(out, k...)
	return append(out, segs...)
}

// Entry is a key-value pair returned by List and used by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with path-based keys.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a value, overwriting any existing one.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates entries below prefix in lexicographic order of the
	// encoded key. An empty prefix lists everything.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet stores several entries in one write.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes several keys in one write.
	BatchDelete(ctx context.Context, keys []Key) error

	// DeletePrefix removes every key below prefix and reports how many
	// keys were removed.
	DeletePrefix(ctx context.Context, prefix Key) (int, error)

	// Close releases the engine.
	Close() error
}

// DefaultSeparator joins key segments. ASCII unit separator, so segment
// values such as file names may contain ':' or '/'.
const DefaultSeparator byte = 0x1F

// Options configures key encoding.
type Options struct {
	// Separator joins key segments. Zero means DefaultSeparator.
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

func (o *Options) encode(k Key) []byte {
	s := o.sep()
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, s)
		}
		buf = append(buf, seg...)
	}
	return buf
}

// prefixBytes encodes prefix with a trailing separator so that "a/b" does
// not match "a/bc". The empty prefix encodes to nil.
func (o *Options) prefixBytes(prefix Key) []byte {
	if len(prefix) == 0 {
		return nil
	}
	return append(o.encode(prefix), o.sep())
}

func (o *Options) decode(b []byte) Key {
	s := o.sep()
	var k Key
	start := 0
	for i, c := range b {
		if c == s {
			k = append(k, string(b[start:i]))
			start = i + 1
		}
	}
	return append(k, string(b[start:]))
}
