// Package config loads the idxstore CLI configuration: one store and its
// routing table.
//
//	store:
//	  connection: file:///var/lib/idx
//	  sub_context: index
//	  lock_factory:
//	    type: native_fs
//	routing:
//	  - alias: Article
//	    sub_indexes: [articles-en, articles-fr]
//	  - alias: NewsArticle
//	    extends: Article
//
// The file is taken from --config, then $IDXSTORE_CONFIG, then
// idxstore.yaml in os.UserConfigDir()/idxstore/.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/idxstore/pkg/routing"
	"github.com/haivivi/idxstore/pkg/store"
)

const (
	// EnvPath names the environment variable holding the config path.
	EnvPath = "IDXSTORE_CONFIG"

	appDir   = "idxstore"
	fileName = "idxstore.yaml"
)

// ErrNoConfig is returned when no configuration file can be found.
var ErrNoConfig = errors.New("config: no configuration file")

// File is the on-disk configuration.
type File struct {
	Store   store.Config      `yaml:"store"`
	Routing []routing.Mapping `yaml:"routing,omitempty"`

	// Path is where the file was loaded from.
	Path string `yaml:"-"`
}

// DefaultPath returns the path used when neither a flag nor the
// environment names one.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(base, appDir, fileName), nil
}

// Resolve picks the config path: flag, then environment, then default.
func Resolve(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env, nil
	}
	return DefaultPath()
}

// Load reads the configuration named by flag (see Resolve).
func Load(flag string) (*File, error) {
	path, err := Resolve(flag)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s (set --config or $%s)", ErrNoConfig, path, EnvPath)
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse decodes a configuration document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Store.Connection == "" {
		return nil, errors.New("store.connection is required")
	}
	return &f, nil
}

// Routes builds the routing table.
func (f *File) Routes() (*routing.Table, error) {
	return routing.New(f.Routing)
}
