package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/klauspost/compress/zstd"

	"github.com/haivivi/idxstore/pkg/directory"
)

// WrapperBuilder decorates a directory. settings is the wrapper entry's
// settings block.
type WrapperBuilder func(inner directory.Directory, settings map[string]any) (directory.Directory, error)

var (
	wrappersMu sync.RWMutex
	wrappers   = map[string]WrapperBuilder{}
)

// RegisterWrapper makes a wrapper type available to configurations. It
// panics if name is empty, b is nil, or name is already registered.
func RegisterWrapper(name string, b WrapperBuilder) {
	if name == "" || b == nil {
		panic("store: RegisterWrapper with empty name or nil builder")
	}
	wrappersMu.Lock()
	defer wrappersMu.Unlock()
	if _, ok := wrappers[name]; ok {
		panic(fmt.Sprintf("store: duplicate wrapper type %q", name))
	}
	wrappers[name] = b
}

// WrapperTypes returns the registered wrapper types, sorted.
func WrapperTypes() []string {
	wrappersMu.RLock()
	defer wrappersMu.RUnlock()
	out := make([]string, 0, len(wrappers))
	for n := range wrappers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// wrapChain is the resolved wrapper list, applied first entry innermost.
type wrapChain []wrapStep

type wrapStep struct {
	cfg   WrapperConfig
	build WrapperBuilder
}

// buildChain resolves every configured wrapper type up front so that a bad
// type fails store construction.
func buildChain(cfgs []WrapperConfig) (wrapChain, error) {
	wrappersMu.RLock()
	defer wrappersMu.RUnlock()
	chain := make(wrapChain, 0, len(cfgs))
	for i, c := range cfgs {
		b, ok := wrappers[c.Type]
		if !ok {
			return nil, configErr("wrapper %d (%q): unknown type %q (registered: %s)",
				i, c.Name, c.Type, strings.Join(sortedKeys(wrappers), ", "))
		}
		chain = append(chain, wrapStep{cfg: c, build: b})
	}
	return chain, nil
}

func sortedKeys(m map[string]WrapperBuilder) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// apply wraps d. On failure the caller still owns d.
func (c wrapChain) apply(d directory.Directory) (directory.Directory, error) {
	out := d
	for _, s := range c {
		w, err := s.build(out, s.cfg.Settings)
		if err != nil {
			return nil, fmt.Errorf("wrapper %q: %w", s.cfg.Name, err)
		}
		out = w
	}
	return out, nil
}

// decodeSettings converts a loosely typed settings block into v.
func decodeSettings(settings map[string]any, v any) error {
	if len(settings) == 0 {
		return nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

type cacheSettings struct {
	MaxEntries  int   `yaml:"max_entries"`
	MaxFileSize int64 `yaml:"max_file_size"`
}

type compressSettings struct {
	Level string `yaml:"level"`
}

func init() {
	RegisterWrapper("cache", func(inner directory.Directory, settings map[string]any) (directory.Directory, error) {
		var s cacheSettings
		if err := decodeSettings(settings, &s); err != nil {
			return nil, err
		}
		return directory.NewCache(inner, directory.CacheOptions{MaxEntries: s.MaxEntries, MaxFileSize: s.MaxFileSize})
	})
	RegisterWrapper("compress", func(inner directory.Directory, settings map[string]any) (directory.Directory, error) {
		var s compressSettings
		if err := decodeSettings(settings, &s); err != nil {
			return nil, err
		}
		var opts directory.CompressOptions
		if s.Level != "" {
			ok, lvl := zstd.EncoderLevelFromString(s.Level)
			if !ok {
				return nil, fmt.Errorf("unknown zstd level %q", s.Level)
			}
			opts.Level = lvl
		}
		return directory.NewCompress(inner, opts)
	})
}
