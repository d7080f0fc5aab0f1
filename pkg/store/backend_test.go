package store

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/kv"
	"github.com/haivivi/idxstore/pkg/lock"
)

func TestParseConnection(t *testing.T) {
	tests := []struct {
		conn, scheme, path string
	}{
		{"ram://", "ram", ""},
		{"file:///data/idx", "file", "/data/idx"},
		{"MMAP:///data/idx", "mmap", "/data/idx"},
		{"/data/idx", "file", "/data/idx"},
		{"relative/idx", "file", "relative/idx"},
		{"badger:///var/lib/idx?sync=true", "badger", "/var/lib/idx?sync=true"},
	}
	for _, tt := range tests {
		scheme, path := ParseConnection(tt.conn)
		if scheme != tt.scheme || path != tt.path {
			t.Errorf("ParseConnection(%q) = %q, %q; want %q, %q", tt.conn, scheme, path, tt.scheme, tt.path)
		}
	}
}

func TestSchemes(t *testing.T) {
	got := Schemes()
	for _, want := range []string{SchemeRAM, SchemeMemory, SchemeFile, SchemeMMap, SchemeBadger, SchemeBolt, SchemeMemKV} {
		if !slices.Contains(got, want) {
			t.Errorf("scheme %q not registered", want)
		}
	}
}

func TestRegisterBackendDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration did not panic")
		}
	}()
	RegisterBackend("RAM", func(BackendConfig) (Backend, error) { return nil, nil })
}

func TestCustomBackend(t *testing.T) {
	RegisterBackend("test-custom", func(cfg BackendConfig) (Backend, error) {
		if cfg.Path != "somewhere" {
			return nil, errors.New("bad path")
		}
		return newRAMBackend(cfg), nil
	})
	m, err := New(Config{Connection: "test-custom://somewhere"})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if m.Backend().Scheme() != "test-custom" {
		t.Fatalf("scheme = %q", m.Backend().Scheme())
	}

	if _, err := New(Config{Connection: "test-custom://elsewhere"}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("builder failure err = %v", err)
	}
}

func TestExistsString(t *testing.T) {
	for e, want := range map[Exists]string{ExistsUnknown: "unknown", ExistsFalse: "false", ExistsTrue: "true"} {
		if e.String() != want {
			t.Errorf("%d.String() = %q", e, e.String())
		}
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
connection: badger:///var/lib/idx
sub_context: blue
lock_factory:
  type: simple_fs
  path: /var/lock/idx/{subcontext}-{subindex}
wrappers:
  - name: hot
    type: cache
    settings:
      max_entries: 64
fs_type: mmap
kv:
  query_timeout: 5s
  delete_retention: 30m
  chunk_size: 4096
maintenance_interval: 1m
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Connection != "badger:///var/lib/idx" || cfg.subContext() != "blue" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LockFactory.Type != lock.TypeSimpleFS || cfg.LockFactory.Path == "" {
		t.Fatalf("lock factory = %+v", cfg.LockFactory)
	}
	if len(cfg.Wrappers) != 1 || cfg.Wrappers[0].Type != "cache" {
		t.Fatalf("wrappers = %+v", cfg.Wrappers)
	}
	if cfg.FSType != FSMMap {
		t.Fatalf("fs_type = %q", cfg.FSType)
	}
	if cfg.KV.QueryTimeout != 5*time.Second || cfg.KV.retention() != 30*time.Minute || cfg.KV.ChunkSize != 4096 {
		t.Fatalf("kv = %+v", cfg.KV)
	}
	if cfg.MaintenanceInterval != time.Minute {
		t.Fatalf("maintenance = %v", cfg.MaintenanceInterval)
	}

	if (&Config{}).subContext() != DefaultSubContext {
		t.Fatal("default sub-context")
	}
	if (KVConfig{}).retention() != DefaultDeleteRetention {
		t.Fatal("default retention")
	}
	if _, err := ParseConfig([]byte("connection: [")); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("bad yaml err = %v", err)
	}
}

func TestKVPurgeDeletedFiles(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{Connection: "memory+kv://", KV: KVConfig{DeleteRetention: time.Minute}})
	b := m.Backend().(*kvBackend)
	mem := b.Store().(*kv.Memory)

	d, err := m.Directory(ctx, "news")
	if err != nil {
		t.Fatal(err)
	}
	writeFiles(t, d, map[string]string{"_0.cfs": "data"})
	if err := d.DeleteFile(ctx, "_0.cfs"); err != nil {
		t.Fatal(err)
	}
	before := mem.Len()

	if err := m.PerformScheduledTasks(ctx); err != nil {
		t.Fatal(err)
	}
	if mem.Len() != before {
		t.Fatal("purged before retention elapsed")
	}

	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := m.PerformScheduledTasks(ctx); err != nil {
		t.Fatal(err)
	}
	if mem.Len() >= before {
		t.Fatalf("rows = %d, want fewer than %d", mem.Len(), before)
	}
}

func TestStartMaintenance(t *testing.T) {
	m := newManager(t, Config{Connection: "memory+kv://", MaintenanceInterval: time.Millisecond})
	b := m.Backend().(*kvBackend)
	calls := make(chan struct{}, 1)
	b.now = func() time.Time {
		select {
		case calls <- struct{}{}:
		default:
		}
		return time.Now()
	}
	m.StartMaintenance(context.Background())
	m.StartMaintenance(context.Background())
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance never ran")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestKVBackendRequiresSharedStore(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{Connection: "memory+kv://", KV: KVConfig{ChunkSize: 3}})
	if err := m.CreateIndex(ctx, "articles-en"); err != nil {
		t.Fatal(err)
	}
	b := m.Backend().(*kvBackend)
	got, err := b.IndexExists(ctx, DefaultSubContext, "articles-fr")
	if err != nil || got != ExistsFalse {
		t.Fatalf("untouched sub-index = %v, %v", got, err)
	}
	got, err = b.IndexExists(ctx, DefaultSubContext, "articles-en")
	if err != nil || got != ExistsUnknown {
		t.Fatalf("populated sub-index = %v, %v", got, err)
	}

	// A second directory over the same database sees the same files.
	other := directory.NewKV(b.Store(), b.Location(DefaultSubContext, "articles-en"), directory.KVOptions{})
	if ok, err := directory.IndexPresent(ctx, other); err != nil || !ok {
		t.Fatalf("index present = %v, %v", ok, err)
	}
}
