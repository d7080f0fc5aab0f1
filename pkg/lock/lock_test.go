package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/haivivi/idxstore/pkg/kv"
)

var (
	_ Factory = (*NativeFS)(nil)
	_ Factory = (*SimpleFS)(nil)
	_ Factory = (*SingleInstance)(nil)
	_ Factory = NoLocking{}
	_ Factory = (*KVRow)(nil)
)

func exclusiveFactories(t *testing.T) map[string]Factory {
	t.Helper()
	out := map[string]Factory{}
	for _, typ := range []string{TypeNativeFS, TypeSimpleFS, TypeSingleInstance} {
		f, err := New(Config{Type: typ})
		if err != nil {
			t.Fatalf("New(%s): %v", typ, err)
		}
		out[typ] = f
	}
	return out
}

func TestObtainExclusive(t *testing.T) {
	ctx := context.Background()
	for name, f := range exclusiveFactories(t) {
		t.Run(name, func(t *testing.T) {
			loc := Location{SubContext: "index", SubIndex: "article", Dir: t.TempDir()}

			locked, err := f.IsLocked(loc)
			if err != nil {
				t.Fatal(err)
			}
			if locked {
				t.Fatal("fresh location reported locked")
			}

			tok, err := f.Obtain(ctx, loc)
			if err != nil {
				t.Fatalf("Obtain: %v", err)
			}
			if tok.Location() != loc {
				t.Fatalf("token location = %v", tok.Location())
			}
			if _, err := f.Obtain(ctx, loc); !errors.Is(err, ErrLockHeld) {
				t.Fatalf("second Obtain err = %v, want ErrLockHeld", err)
			}
			if locked, _ := f.IsLocked(loc); !locked {
				t.Fatal("IsLocked = false while held")
			}

			if err := tok.Release(); err != nil {
				t.Fatalf("Release: %v", err)
			}
			if err := tok.Release(); err != nil {
				t.Fatalf("second Release: %v", err)
			}
			if locked, _ := f.IsLocked(loc); locked {
				t.Fatal("IsLocked = true after release")
			}

			tok, err = f.Obtain(ctx, loc)
			if err != nil {
				t.Fatalf("re-Obtain: %v", err)
			}
			tok.Release()
		})
	}
}

func TestForceRelease(t *testing.T) {
	ctx := context.Background()
	for name, f := range exclusiveFactories(t) {
		t.Run(name, func(t *testing.T) {
			loc := Location{SubContext: "index", SubIndex: "article", Dir: t.TempDir()}
			if _, err := f.Obtain(ctx, loc); err != nil {
				t.Fatal(err)
			}
			if err := f.Release(loc); err != nil {
				t.Fatalf("Release: %v", err)
			}
			if locked, _ := f.IsLocked(loc); locked {
				t.Fatal("still locked after forced release")
			}
			// Releasing an unlocked location is a no-op.
			if err := f.Release(loc); err != nil {
				t.Fatalf("Release unlocked: %v", err)
			}
		})
	}
}

func TestObtainTimeout(t *testing.T) {
	ctx := context.Background()
	f := NewSingleInstance(Config{Timeout: 2 * time.Second})
	loc := Location{SubContext: "index", SubIndex: "comment"}

	held, err := f.Obtain(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release()
	}()

	start := time.Now()
	tok, err := f.Obtain(ctx, loc)
	if err != nil {
		t.Fatalf("Obtain with timeout: %v", err)
	}
	defer tok.Release()
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("Obtain returned before the holder released")
	}
}

func TestObtainTimeoutExpires(t *testing.T) {
	ctx := context.Background()
	f := NewSingleInstance(Config{Timeout: 100 * time.Millisecond})
	loc := Location{SubContext: "index", SubIndex: "comment"}
	if _, err := f.Obtain(ctx, loc); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Obtain(ctx, loc); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
}

func TestPathTemplate(t *testing.T) {
	root := t.TempDir()
	f := NewSimpleFS(Config{Path: filepath.Join(root, "locks", "{subcontext}-{subindex}")})
	loc := Location{SubContext: "index", SubIndex: "article", Dir: filepath.Join(root, "ignored")}

	tok, err := f.Obtain(context.Background(), loc)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "locks", "index-article", FileName)
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("lock file not at template path: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "ignored", FileName)); err == nil {
		t.Fatal("lock file created in sub-index dir despite template")
	}
	tok.Release()
	if _, err := os.Stat(want); !os.IsNotExist(err) {
		t.Fatalf("lock file survives release: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{"/locks/{subindex}", "/locks/article"},
		{"/locks/{subcontext}/{subindex}", "/locks/index/article"},
		{"/locks/static", "/locks/static"},
	}
	loc := Location{SubContext: "index", SubIndex: "article"}
	for _, tt := range tests {
		if got := ExpandPath(tt.template, loc); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestNoLockDir(t *testing.T) {
	f := NewSimpleFS(Config{})
	_, err := f.Obtain(context.Background(), Location{SubContext: "index", SubIndex: "a"})
	if !errors.Is(err, ErrNoLockDir) {
		t.Fatalf("err = %v, want ErrNoLockDir", err)
	}
}

func TestNoLocking(t *testing.T) {
	f, err := New(Config{Type: TypeNoLocking})
	if err != nil {
		t.Fatal(err)
	}
	loc := Location{SubContext: "index", SubIndex: "a"}
	a, _ := f.Obtain(context.Background(), loc)
	b, err := f.Obtain(context.Background(), loc)
	if err != nil {
		t.Fatalf("no_locking contended: %v", err)
	}
	a.Release()
	b.Release()
	if locked, _ := f.IsLocked(loc); locked {
		t.Fatal("no_locking reports locked")
	}
}

func TestRegistry(t *testing.T) {
	if _, err := New(Config{Type: "zookeeper"}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
	for _, typ := range []string{TypeNativeFS, TypeSimpleFS, TypeSingleInstance, TypeNoLocking} {
		if !slices.Contains(Types(), typ) {
			t.Errorf("Types() missing %s", typ)
		}
	}

	Register("test_custom", func(Config) (Factory, error) { return NoLocking{}, nil })
	if _, err := New(Config{Type: "test_custom"}); err != nil {
		t.Fatalf("custom type: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Register did not panic")
		}
	}()
	Register(TypeNativeFS, func(Config) (Factory, error) { return NoLocking{}, nil })
}

func TestKVRow(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)
	f := NewKVRow(store, Config{})
	loc := Location{SubContext: "index", SubIndex: "articles-en"}

	tok, err := f.Obtain(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Obtain(ctx, loc); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second Obtain: %v", err)
	}
	// Another process sharing the same database sees the row.
	other := NewKVRow(store, Config{})
	if locked, _ := other.IsLocked(loc); !locked {
		t.Fatal("lock row not visible to another factory")
	}

	// A forced release followed by a new holder must not be undone by the
	// stale token.
	if err := f.Release(loc); err != nil {
		t.Fatal(err)
	}
	tok2, err := other.Obtain(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	tok.Release()
	if locked, _ := f.IsLocked(loc); !locked {
		t.Fatal("stale token released the new holder's lock")
	}
	tok2.Release()
	if locked, _ := f.IsLocked(loc); locked {
		t.Fatal("still locked after release")
	}
}
