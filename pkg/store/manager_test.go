package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/lock"
)

func TestVerifyIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, conn := range connections(t) {
		t.Run(name, func(t *testing.T) {
			m := newManager(t, Config{Connection: conn})
			created, err := m.VerifyIndex(ctx, "articles-en")
			if err != nil {
				t.Fatal(err)
			}
			if !created {
				t.Fatal("first verify should create")
			}
			if ok, err := m.IndexExists(ctx, "articles-en"); err != nil || !ok {
				t.Fatalf("exists after first verify = %v, %v", ok, err)
			}
			created, err = m.VerifyIndex(ctx, "articles-en")
			if err != nil {
				t.Fatal(err)
			}
			if created {
				t.Fatal("second verify should not create")
			}
			if ok, err := m.IndexExists(ctx, "articles-en"); err != nil || !ok {
				t.Fatalf("exists after second verify = %v, %v", ok, err)
			}
		})
	}
}

func TestDeleteVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, conn := range connections(t) {
		t.Run(name, func(t *testing.T) {
			m := newManager(t, Config{Connection: conn})
			if err := m.CreateIndex(ctx, "authors"); err != nil {
				t.Fatal(err)
			}
			if err := m.DeleteIndex(ctx, "authors"); err != nil {
				t.Fatal(err)
			}
			if m.Cache().Has(m.SubContext(), "authors") {
				t.Fatal("deleted sub-index still cached")
			}
			ok, err := m.IndexExists(ctx, "authors")
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatal("exists after delete")
			}
			created, err := m.VerifyIndex(ctx, "authors")
			if err != nil {
				t.Fatal(err)
			}
			if !created {
				t.Fatal("verify after delete should create")
			}
		})
	}
}

func TestCleanIndex(t *testing.T) {
	ctx := context.Background()
	for name, conn := range connections(t) {
		t.Run(name, func(t *testing.T) {
			m := newManager(t, Config{Connection: conn})
			d, err := m.Directory(ctx, "news")
			if err != nil {
				t.Fatal(err)
			}
			writeFiles(t, d, map[string]string{"_0.cfs": "segment", "segments_5": "commit"})
			if err := m.CleanIndex(ctx, "news"); err != nil {
				t.Fatal(err)
			}
			got := readAll(t, d)
			if len(got) != 1 {
				t.Fatalf("files after clean = %v", got)
			}
			if _, ok := got[directory.SegmentsFileName(1)]; !ok {
				t.Fatalf("clean did not write an empty index: %v", got)
			}
		})
	}
}

func TestRAMSharedHandles(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{Connection: "ram://"})

	d1, err := m.Directory(ctx, "articles-en")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := m.Directory(ctx, "articles-en")
	if err != nil {
		t.Fatal(err)
	}
	writeFiles(t, d1, map[string]string{"a": "hello"})
	data, err := directory.ReadFile(ctx, d2, "a")
	if err != nil || string(data) != "hello" {
		t.Fatalf("second handle read = %q, %v", data, err)
	}

	// A cache reset starts from an empty index.
	if err := m.Cache().Remove(m.SubContext(), "articles-en"); err != nil {
		t.Fatal(err)
	}
	d3, err := m.Directory(ctx, "articles-en")
	if err != nil {
		t.Fatal(err)
	}
	if names, _ := d3.List(ctx); len(names) != 0 {
		t.Fatalf("reopened ram index not empty: %v", names)
	}

	// So does a separate store.
	other := newManager(t, Config{Connection: "ram://"})
	d4, err := other.Directory(ctx, "articles-en")
	if err != nil {
		t.Fatal(err)
	}
	if names, _ := d4.List(ctx); len(names) != 0 {
		t.Fatalf("other store sees %v", names)
	}
}

func TestFileLayout(t *testing.T) {
	resetFSType()
	b, err := NewBackend(&Config{Connection: "file:///data/idx"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	loc := b.Location(DefaultSubContext, "articles-en")
	if want := filepath.FromSlash("/data/idx/index/articles-en"); loc.Dir != want {
		t.Fatalf("location = %q, want %q", loc.Dir, want)
	}

	root := t.TempDir()
	m := newManager(t, Config{Connection: root, SubContext: "staging"})
	if err := m.CreateIndex(context.Background(), "authors"); err != nil {
		t.Fatal(err)
	}
	seg := filepath.Join(root, "staging", "authors", directory.SegmentsFileName(1))
	if _, err := os.Stat(seg); err != nil {
		t.Fatalf("plain path connection: %v", err)
	}
}

func TestSubIndexNamesStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	m := newManager(t, Config{Connection: root})
	if err := m.CreateIndex(ctx, "articles-en"); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(root, "other-gen", "keep")
	if err := os.MkdirAll(keep, 0o755); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"..", ".", "", "../other-gen", "a/b", `a\b`} {
		if err := m.DeleteIndex(ctx, name); !errors.Is(err, ErrRouting) {
			t.Fatalf("DeleteIndex(%q) = %v, want routing error", name, err)
		}
		if _, err := m.VerifyIndex(ctx, name); !errors.Is(err, ErrRouting) {
			t.Fatalf("VerifyIndex(%q) = %v, want routing error", name, err)
		}
		if _, err := m.Directory(ctx, name); !errors.Is(err, ErrRouting) {
			t.Fatalf("Directory(%q) = %v, want routing error", name, err)
		}
	}
	report, err := m.CopyFrom(ctx, m, "..")
	if !errors.Is(err, ErrReplication) || len(report.Results) != 1 {
		t.Fatalf("CopyFrom(..) = %v, want replication error", err)
	}

	for _, p := range []string{keep, filepath.Join(root, DefaultSubContext, "articles-en")} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s: %v", p, err)
		}
	}

	b := newFSBackendAt(t, root)
	if err := b.DeleteIndex(ctx, "..", "other-gen"); err == nil {
		t.Fatal("backend DeleteIndex escaped the sub-context")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	resetFSType()
	root := t.TempDir()
	b := newFSBackendAt(t, root)
	attempts := 0
	b.removeAll = func(path string) error {
		attempts++
		if attempts == 1 {
			return &os.PathError{Op: "unlinkat", Path: path, Err: errors.New("file is locked")}
		}
		return os.RemoveAll(path)
	}
	m := newManager(t, Config{}, WithBackend(b))

	if err := m.CreateIndex(ctx, "articles-en"); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(root, DefaultSubContext, "articles-en")
	if _, err := os.Stat(dir); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteIndex(ctx, "articles-en"); err != nil {
		t.Fatalf("delete with one transient failure: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("directory still present: %v", err)
	}
}

func TestDeleteRetryBudgetExhausted(t *testing.T) {
	resetFSType()
	b := newFSBackendAt(t, t.TempDir())
	attempts := 0
	b.removeAll = func(string) error {
		attempts++
		return errInjected
	}
	m := newManager(t, Config{}, WithBackend(b))
	err := m.DeleteIndex(context.Background(), "articles-en")
	if !errors.Is(err, ErrStorageIO) || !errors.Is(err, errInjected) {
		t.Fatalf("err = %v", err)
	}
	if attempts != fsRetries+1 {
		t.Fatalf("attempts = %d, want %d", attempts, fsRetries+1)
	}
	var oe *OpError
	if !errors.As(err, &oe) || oe.SubIndex != "articles-en" || oe.Op != "delete" {
		t.Fatalf("error lacks context: %#v", oe)
	}
}

func TestSingleOpenUnderConcurrency(t *testing.T) {
	resetFSType()
	b := &countingBackend{Backend: newFSBackendAt(t, t.TempDir())}
	m := newManager(t, Config{}, WithBackend(b))

	const n = 32
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		dirs  = make([]directory.Directory, n)
		errs  = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			dirs[i], errs[i] = m.Directory(context.Background(), "articles-en")
		}()
	}
	close(start)
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if dirs[i] != dirs[0] {
			t.Fatalf("goroutine %d got a different handle", i)
		}
	}
	if got := b.opens.Load(); got != 1 {
		t.Fatalf("opens = %d, want 1", got)
	}
}

func TestConcurrentVerifyCreatesOnce(t *testing.T) {
	m := newManager(t, Config{Connection: "ram://"})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.VerifyIndex(context.Background(), "news")
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("created %d times", created)
	}
}

func TestIndexExistsBackendPrecedence(t *testing.T) {
	ctx := context.Background()

	t.Run("true wins over empty directory", func(t *testing.T) {
		b := &fixedExists{Backend: newRAMBackend(BackendConfig{Scheme: SchemeRAM}), answer: ExistsTrue}
		m := newManager(t, Config{}, WithBackend(b))
		ok, err := m.IndexExists(ctx, "news")
		if err != nil || !ok {
			t.Fatalf("exists = %v, %v", ok, err)
		}
	})

	t.Run("false wins over commit point", func(t *testing.T) {
		inner := newRAMBackend(BackendConfig{Scheme: SchemeRAM})
		b := &fixedExists{Backend: inner}
		m := newManager(t, Config{}, WithBackend(b))
		if err := m.CreateIndex(ctx, "news"); err != nil {
			t.Fatal(err)
		}
		b.answer = ExistsFalse
		ok, err := m.IndexExists(ctx, "news")
		if err != nil || ok {
			t.Fatalf("exists = %v, %v", ok, err)
		}
	})
}

func TestIndexExistsClosesCheckHandle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	m := newManager(t, Config{Connection: "file://" + root})
	if err := os.MkdirAll(filepath.Join(root, DefaultSubContext, "authors"), 0o755); err != nil {
		t.Fatal(err)
	}
	ok, err := m.IndexExists(ctx, "authors")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("empty directory reported as index")
	}
	if m.Cache().Has(m.SubContext(), "authors") {
		t.Fatal("existence check left its handle open")
	}

	if _, err := m.Directory(ctx, "authors"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.IndexExists(ctx, "authors"); err != nil {
		t.Fatal(err)
	}
	if !m.Cache().Has(m.SubContext(), "authors") {
		t.Fatal("existence check closed a handle it did not open")
	}
}

func TestLockContention(t *testing.T) {
	ctx := context.Background()
	for _, typ := range []string{"", lock.TypeSingleInstance, lock.TypeNativeFS, lock.TypeSimpleFS} {
		t.Run("type="+typ, func(t *testing.T) {
			conn := "ram://"
			if typ == lock.TypeNativeFS || typ == lock.TypeSimpleFS {
				conn = "file://" + t.TempDir()
			}
			m := newManager(t, Config{Connection: conn, LockFactory: lock.Config{Type: typ}})

			tok, err := m.Lock(ctx, "articles-en")
			if err != nil {
				t.Fatal(err)
			}
			if ok, err := m.IsLocked(ctx, "articles-en"); err != nil || !ok {
				t.Fatalf("locked = %v, %v", ok, err)
			}
			if anyLocked, err := m.IsAnyLocked(ctx); err != nil || !anyLocked {
				t.Fatalf("any locked = %v, %v", anyLocked, err)
			}
			_, err = m.Lock(ctx, "articles-en")
			if !errors.Is(err, ErrLockContention) {
				t.Fatalf("second lock err = %v, want contention", err)
			}
			if errors.Is(err, ErrStorageIO) {
				t.Fatal("contention also reported as i/o error")
			}
			if err := tok.Release(); err != nil {
				t.Fatal(err)
			}
			if ok, _ := m.IsLocked(ctx, "articles-en"); ok {
				t.Fatal("still locked after release")
			}

			if _, err := m.Lock(ctx, "articles-fr"); err != nil {
				t.Fatal(err)
			}
			if err := m.ReleaseLocks(ctx); err != nil {
				t.Fatal(err)
			}
			if anyLocked, _ := m.IsAnyLocked(ctx); anyLocked {
				t.Fatal("locks survive ReleaseLocks")
			}
		})
	}
}

func TestNoLockingNeverContends(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{Connection: "ram://", LockFactory: lock.Config{Type: lock.TypeNoLocking}})
	for range 2 {
		if _, err := m.Lock(ctx, "news"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBatchOperations(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{Connection: "ram://"})

	if err := m.CreateIndexes(ctx, "articles-en"); err != nil {
		t.Fatal(err)
	}
	created, err := m.VerifyIndexes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"articles-fr", "authors", "breaking", "news"}
	if !slices.Equal(created, want) {
		t.Fatalf("created = %v, want %v", created, want)
	}
	if err := m.DeleteIndexes(ctx, "news", "breaking"); err != nil {
		t.Fatal(err)
	}
	created, err = m.VerifyIndexes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(created, []string{"breaking", "news"}) {
		t.Fatalf("created after delete = %v", created)
	}
}

func TestBatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	resetFSType()
	b := newFSBackendAt(t, t.TempDir())
	b.removeAll = func(path string) error {
		if filepath.Base(path) == "news" {
			return errInjected
		}
		return os.RemoveAll(path)
	}
	m := newManager(t, Config{}, WithBackend(b))
	if err := m.CreateIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	err := m.DeleteIndexes(ctx)
	if !errors.Is(err, errInjected) {
		t.Fatalf("err = %v", err)
	}
	for _, si := range []string{"articles-en", "authors"} {
		if ok, _ := m.IndexExists(ctx, si); ok {
			t.Fatalf("%s not deleted despite independent failure", si)
		}
	}
	if ok, _ := m.IndexExists(ctx, "news"); !ok {
		t.Fatal("failed sub-index lost its index")
	}
}

func TestResolveErrors(t *testing.T) {
	m := newManager(t, Config{Connection: "ram://"})
	got, err := m.Resolve(nil, []string{"Article"}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"articles-en", "articles-fr"}) {
		t.Fatalf("resolve = %v", got)
	}
	got, err = m.Resolve(nil, []string{"Article"}, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"articles-en", "articles-fr", "breaking", "news"}) {
		t.Fatalf("polymorphic resolve = %v", got)
	}
	if _, err := m.Resolve(nil, []string{"Comment"}, nil, false); !errors.Is(err, ErrRouting) {
		t.Fatalf("unknown alias err = %v", err)
	}
	if _, err := m.Resolve(nil, nil, []string{"Comment"}, false); !errors.Is(err, ErrRouting) {
		t.Fatalf("unknown type err = %v", err)
	}
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no connection", Config{}},
		{"unknown scheme", Config{Connection: "cassandra://host/ks"}},
		{"unknown lock type", Config{Connection: "ram://", LockFactory: lock.Config{Type: "zookeeper"}}},
		{"unknown wrapper", Config{Connection: "ram://", Wrappers: []WrapperConfig{{Name: "x", Type: "encrypt"}}}},
		{"unknown fs type", Config{Connection: "file:///tmp/x", FSType: "nfs"}},
		{"parent sub-context", Config{Connection: "ram://", SubContext: ".."}},
		{"nested sub-context", Config{Connection: "ram://", SubContext: "a/b"}},
		{"bad wrapper settings", Config{Connection: "ram://", Wrappers: []WrapperConfig{
			{Name: "z", Type: "compress", Settings: map[string]any{"level": "ludicrous"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFSType()
			m, err := New(tt.cfg)
			if err == nil {
				defer m.Close()
				// Wrapper settings are checked on first open.
				_, err = m.Directory(context.Background(), "x")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestFSTypeProcessWide(t *testing.T) {
	resetFSType()
	root := t.TempDir()
	a, err := New(Config{Connection: "file://" + root, FSType: FSMMap})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	d, err := a.Directory(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*directory.MMap); !ok {
		t.Fatalf("fs_type mmap gave %T", d)
	}

	if _, err := New(Config{Connection: "file://" + root, FSType: FSSimple}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("conflicting fs_type err = %v", err)
	}
	b, err := New(Config{Connection: "file://" + root})
	if err != nil {
		t.Fatalf("unset fs_type should follow the process value: %v", err)
	}
	defer b.Close()
	if CurrentFSType() != FSMMap {
		t.Fatalf("current = %q", CurrentFSType())
	}
}

func TestWrapperChain(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{
		Connection: "ram://",
		Wrappers: []WrapperConfig{
			{Name: "zstd", Type: "compress", Settings: map[string]any{"level": "fastest"}},
			{Name: "hot", Type: "cache", Settings: map[string]any{"max_entries": 8}},
		},
	})
	d, err := m.Directory(ctx, "news")
	if err != nil {
		t.Fatal(err)
	}
	c, ok := d.(*directory.Cache)
	if !ok {
		t.Fatalf("outermost = %T, want cache", d)
	}
	if _, ok := c.Unwrap().(*directory.Compress); !ok {
		t.Fatalf("second layer = %T, want compress", c.Unwrap())
	}
	if _, ok := directory.Raw(d).(*directory.RAM); !ok {
		t.Fatalf("raw = %T", directory.Raw(d))
	}
	if d.LockFactory() == nil {
		t.Fatal("lock factory not attached")
	}

	writeFiles(t, d, map[string]string{"a": "some text some text some text"})
	if got := readAll(t, d); got["a"] != "some text some text some text" {
		t.Fatalf("read through chain = %v", got)
	}
}

func TestCloseAllSwallowsFailures(t *testing.T) {
	ctx := context.Background()
	b := &failingClose{Backend: newRAMBackend(BackendConfig{Scheme: SchemeRAM})}
	m, err := New(Config{}, WithBackend(b), WithRouting(articleRoutes(t)))
	if err != nil {
		t.Fatal(err)
	}
	for _, si := range []string{"news", "authors"} {
		if _, err := m.Directory(ctx, si); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close = %v", err)
	}
	if len(m.Cache().Open(m.SubContext())) != 0 {
		t.Fatal("handles left after close")
	}
	if _, err := m.Directory(ctx, "news"); !errors.Is(err, ErrClosed) {
		t.Fatalf("use after close err = %v", err)
	}
}

func TestCloseAllRacingGet(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		b := &trackingBackend{Backend: newRAMBackend(BackendConfig{Scheme: SchemeRAM})}
		m, err := New(Config{}, WithBackend(b), WithRouting(articleRoutes(t)))
		if err != nil {
			t.Fatal(err)
		}
		c := m.Cache()

		// Park a Get and CloseAll on the same sub-context lock, then let
		// them race for it.
		s := c.sub(m.SubContext())
		s.mu.Lock()
		var wg sync.WaitGroup
		var getErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, getErr = c.Get(ctx, m.SubContext(), "news")
		}()
		go func() {
			defer wg.Done()
			c.CloseAll()
		}()
		time.Sleep(time.Millisecond)
		s.mu.Unlock()
		wg.Wait()

		if getErr != nil && !errors.Is(getErr, ErrClosed) {
			t.Fatalf("Get err = %v", getErr)
		}
		if n := b.open.Load(); n != 0 {
			t.Fatalf("%d directories left open after CloseAll", n)
		}
		if _, err := c.Get(ctx, m.SubContext(), "news"); !errors.Is(err, ErrClosed) {
			t.Fatalf("Get after CloseAll err = %v", err)
		}
		m.Close()
	}
}

func TestKVSerializesOperations(t *testing.T) {
	m := newManager(t, Config{Connection: "memory+kv://"})
	caps := m.Capabilities()
	if caps.ConcurrentOperations || caps.ConcurrentCommits || !caps.RequiresTransaction {
		t.Fatalf("kv capabilities = %+v", caps)
	}
	if _, ok := m.LockFactory().(*lock.KVRow); !ok {
		t.Fatalf("kv default lock factory = %T", m.LockFactory())
	}

	var wg sync.WaitGroup
	for _, si := range []string{"articles-en", "articles-fr", "news", "authors"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.VerifyIndex(context.Background(), si); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	met := NewMetrics(prometheus.NewRegistry())
	m := newManager(t, Config{Connection: "ram://"}, WithMetrics(met))
	if _, err := m.VerifyIndex(ctx, "news"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(met.opened.WithLabelValues(DefaultSubContext)); got != 1 {
		t.Fatalf("opened = %v", got)
	}
	if got := testutil.ToFloat64(met.ops.WithLabelValues("verify", "ok")); got != 1 {
		t.Fatalf("verify ok = %v", got)
	}
	if NewMetrics(nil) != nil {
		t.Fatal("nil registerer should give nil metrics")
	}
}
