package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/haivivi/idxstore/pkg/lock"
)

// MMap is an FS directory whose inputs are memory-mapped.
type MMap struct {
	*FS
}

// NewMMap opens dir for memory-mapped reads, creating it if needed.
func NewMMap(dir string, loc lock.Location) (*MMap, error) {
	fsd, err := NewFS(dir, loc)
	if err != nil {
		return nil, err
	}
	return &MMap{FS: fsd}, nil
}

func (d *MMap) OpenInput(_ context.Context, name string) (Input, error) {
	if err := d.check("open", name); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path(name))
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	// Zero-length files cannot be mapped.
	if fi.Size() == 0 {
		f.Close()
		return &bytesInput{}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("directory: mmap %s: %w", name, err)
	}
	return &mmapInput{f: f, m: m}, nil
}

type mmapInput struct {
	f    *os.File
	m    mmap.MMap
	once sync.Once
	err  error
}

func (in *mmapInput) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("directory: negative offset %d", off)
	}
	if off >= int64(len(in.m)) {
		return 0, io.EOF
	}
	n := copy(p, in.m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (in *mmapInput) Len() int64 { return int64(len(in.m)) }

func (in *mmapInput) Close() error {
	in.once.Do(func() {
		in.err = errors.Join(in.m.Unmap(), in.f.Close())
	})
	return in.err
}
