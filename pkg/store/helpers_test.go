package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/routing"
)

var (
	_ Backend = (*ramBackend)(nil)
	_ Backend = (*fsBackend)(nil)
	_ Backend = (*kvBackend)(nil)
)

// resetFSType clears the process-wide fs type between tests.
func resetFSType() {
	fsTypeMu.Lock()
	fsType = ""
	fsTypeMu.Unlock()
}

func articleRoutes(t *testing.T) *routing.Table {
	t.Helper()
	rt, err := routing.New([]routing.Mapping{
		{Alias: "Article", SubIndexes: []string{"articles-en", "articles-fr"}},
		{Alias: "NewsArticle", Extends: "Article", SubIndexes: []string{"news"}},
		{Alias: "BreakingNews", Extends: "NewsArticle", SubIndexes: []string{"breaking"}},
		{Alias: "Author", SubIndexes: []string{"authors"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

// connections returns one connection string per built-in backend kind.
func connections(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		"ram":       "ram://",
		"file":      "file://" + filepath.Join(t.TempDir(), "idx"),
		"mmap":      "mmap://" + filepath.Join(t.TempDir(), "idx"),
		"memory+kv": "memory+kv://",
		"bolt":      "bolt://" + filepath.Join(t.TempDir(), "idx.db"),
	}
}

func newManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	resetFSType()
	opts = append([]Option{WithRouting(articleRoutes(t))}, opts...)
	m, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New(%q): %v", cfg.Connection, err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newFSBackendAt(t *testing.T, root string) *fsBackend {
	t.Helper()
	b, err := newFSBackend(BackendConfig{Scheme: SchemeFile, Path: root, Logger: slog.Default()}, false)
	if err != nil {
		t.Fatal(err)
	}
	b.retry = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), fsRetries)
	}
	return b
}

func writeFiles(t *testing.T, d directory.Directory, files map[string]string) {
	t.Helper()
	for name, data := range files {
		if err := directory.WriteFile(context.Background(), d, name, []byte(data)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func readAll(t *testing.T, d directory.Directory) map[string]string {
	t.Helper()
	ctx := context.Background()
	names, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		data, err := directory.ReadFile(ctx, d, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		out[name] = string(data)
	}
	return out
}

// countingBackend counts Open calls.
type countingBackend struct {
	Backend
	opens atomic.Int32
}

func (b *countingBackend) Open(ctx context.Context, subContext, subIndex string) (directory.Directory, error) {
	b.opens.Add(1)
	time.Sleep(time.Millisecond)
	return b.Backend.Open(ctx, subContext, subIndex)
}

// trackingBackend counts directories opened and not yet closed.
type trackingBackend struct {
	Backend
	open atomic.Int32
}

func (b *trackingBackend) Open(ctx context.Context, subContext, subIndex string) (directory.Directory, error) {
	d, err := b.Backend.Open(ctx, subContext, subIndex)
	if err != nil {
		return nil, err
	}
	b.open.Add(1)
	return &trackedDir{Directory: d, b: b}, nil
}

type trackedDir struct {
	directory.Directory
	b    *trackingBackend
	once sync.Once
}

func (d *trackedDir) Close() error {
	d.once.Do(func() { d.b.open.Add(-1) })
	return d.Directory.Close()
}

// fixedExists answers IndexExists with a fixed value.
type fixedExists struct {
	Backend
	answer Exists
}

func (b *fixedExists) IndexExists(context.Context, string, string) (Exists, error) {
	return b.answer, nil
}

// failingSource serves directories whose reads of one file fail.
type failingSource struct {
	Backend
	failOn string
}

func (b *failingSource) Open(ctx context.Context, subContext, subIndex string) (directory.Directory, error) {
	d, err := b.Backend.Open(ctx, subContext, subIndex)
	if err != nil {
		return nil, err
	}
	return &failingDir{Directory: d, failOn: b.failOn}, nil
}

var errInjected = errors.New("injected failure")

type failingDir struct {
	directory.Directory
	failOn string
}

func (d *failingDir) OpenInput(ctx context.Context, name string) (directory.Input, error) {
	if name == d.failOn {
		return nil, errInjected
	}
	return d.Directory.OpenInput(ctx, name)
}

// failingClose is a directory whose Close fails.
type failingClose struct {
	Backend
}

func (b *failingClose) Open(ctx context.Context, subContext, subIndex string) (directory.Directory, error) {
	d, err := b.Backend.Open(ctx, subContext, subIndex)
	if err != nil {
		return nil, err
	}
	return &closeErrDir{Directory: d}, nil
}

type closeErrDir struct {
	directory.Directory
}

func (d *closeErrDir) Close() error {
	d.Directory.Close()
	return errInjected
}
