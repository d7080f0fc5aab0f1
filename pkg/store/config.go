package store

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/idxstore/pkg/lock"
)

// DefaultSubContext is the sub-context used when none is configured.
const DefaultSubContext = "index"

// Config configures a Manager.
type Config struct {
	// Connection selects the backend by scheme, e.g. "ram://",
	// "file:///data/idx", "badger:///var/lib/idx", or a plain path.
	Connection string `yaml:"connection"`

	// SubContext namespaces all sub-indexes of this store. Stores sharing
	// one backend root stay apart by using different sub-contexts.
	SubContext string `yaml:"sub_context,omitempty"`

	// LockFactory overrides the backend's default lock factory.
	LockFactory lock.Config `yaml:"lock_factory,omitempty"`

	// Wrappers are applied around every opened directory, first entry
	// innermost.
	Wrappers []WrapperConfig `yaml:"wrappers,omitempty"`

	// FSType selects the implementation used by file:// backends. It is
	// process-wide: see ClaimFSType.
	FSType FSType `yaml:"fs_type,omitempty"`

	// KV configures the database backends.
	KV KVConfig `yaml:"kv,omitempty"`

	// MaintenanceInterval is the period of StartMaintenance. Zero disables it.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval,omitempty"`
}

// KVConfig configures the database backends.
type KVConfig struct {
	// QueryTimeout bounds each database round-trip and is the default
	// lock wait.
	QueryTimeout time.Duration `yaml:"query_timeout,omitempty"`

	// DeleteRetention is how long soft-deleted files are kept before
	// PerformScheduledTasks purges them.
	DeleteRetention time.Duration `yaml:"delete_retention,omitempty"`

	// ChunkSize is the size of one file chunk row.
	ChunkSize int `yaml:"chunk_size,omitempty"`
}

// WrapperConfig names one wrapper in the chain.
type WrapperConfig struct {
	// Name identifies the entry in logs.
	Name string `yaml:"name"`

	// Type selects a registered wrapper type.
	Type string `yaml:"type"`

	// Settings is decoded by the wrapper type.
	Settings map[string]any `yaml:"settings,omitempty"`
}

// DefaultDeleteRetention is used when KVConfig.DeleteRetention is zero.
const DefaultDeleteRetention = time.Hour

func (c *Config) subContext() string {
	if c.SubContext == "" {
		return DefaultSubContext
	}
	return c.SubContext
}

func (k KVConfig) retention() time.Duration {
	if k.DeleteRetention <= 0 {
		return DefaultDeleteRetention
	}
	return k.DeleteRetention
}

// ParseConfig decodes a YAML store configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, withKind(ErrConfiguration, "parse config", "", "", err)
	}
	return &cfg, nil
}

// LoadConfig reads a YAML store configuration from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, withKind(ErrConfiguration, "load config", "", "", fmt.Errorf("read %s: %w", path, err))
	}
	return ParseConfig(data)
}
