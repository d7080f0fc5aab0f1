package store

import (
	"errors"
	"fmt"

	"github.com/haivivi/idxstore/pkg/lock"
	"github.com/haivivi/idxstore/pkg/routing"
)

// Error kinds. Every error returned by this package matches exactly one of
// them with errors.Is.
var (
	// ErrConfiguration reports an unusable configuration: unknown scheme,
	// conflicting process-wide setting, bad lock factory or wrapper type.
	ErrConfiguration = errors.New("store: configuration error")

	// ErrStorageIO reports a failure of the physical medium.
	ErrStorageIO = errors.New("store: storage i/o error")

	// ErrRouting reports an alias or type without a mapping.
	ErrRouting = errors.New("store: routing error")

	// ErrReplication reports a failed copy of a sub-index.
	ErrReplication = errors.New("store: replication error")

	// ErrLockContention reports a lock held by someone else.
	ErrLockContention = errors.New("store: lock contention")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("store: closed")
)

// OpError is the error returned by lifecycle operations. It matches its
// Kind and its cause with errors.Is.
type OpError struct {
	Op         string
	SubContext string
	SubIndex   string
	Kind       error
	Err        error
}

func (e *OpError) Error() string {
	target := e.SubContext
	if e.SubIndex != "" {
		target += "/" + e.SubIndex
	}
	if target == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, target, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// kindOf classifies a cause that carries no kind yet.
func kindOf(err error) error {
	switch {
	case errors.Is(err, lock.ErrLockHeld):
		return ErrLockContention
	case errors.Is(err, routing.ErrUnknownAlias), errors.Is(err, routing.ErrUnknownType):
		return ErrRouting
	case errors.Is(err, lock.ErrUnknownType), errors.Is(err, routing.ErrInvalidMapping):
		return ErrConfiguration
	default:
		return ErrStorageIO
	}
}

// wrapErr returns err as an *OpError for op on the given sub-index. An
// error that already is an *OpError is returned unchanged.
func wrapErr(op, subContext, subIndex string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, SubContext: subContext, SubIndex: subIndex, Kind: kindOf(err), Err: err}
}

// withKind is wrapErr with an explicit kind.
func withKind(kind error, op, subContext, subIndex string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, SubContext: subContext, SubIndex: subIndex, Kind: kind, Err: err}
}

func configErr(format string, args ...any) error {
	return &OpError{Op: "configure", Kind: ErrConfiguration, Err: fmt.Errorf(format, args...)}
}
