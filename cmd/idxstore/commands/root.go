package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/idxstore/cmd/idxstore/internal/config"
	"github.com/haivivi/idxstore/pkg/cli"
	"github.com/haivivi/idxstore/pkg/store"

	// Registers the s3:// and localblob:// backends.
	_ "github.com/haivivi/idxstore/pkg/store/blob"
)

var (
	// Global flags
	verbose      bool
	configPath   string
	formatOutput string
)

var rootCmd = &cobra.Command{
	Use:   "idxstore",
	Short: "Manage the storage of search indexes",
	Long: `idxstore - administer the sub-indexes of an index store.

A store is described by one YAML file: the backend connection and the
routing table that maps aliases (entity types) to sub-indexes.

  store:
    connection: file:///var/lib/idx
  routing:
    - alias: Article
      sub_indexes: [articles-en, articles-fr]
    - alias: NewsArticle
      extends: Article

The file is read from --config, then $IDXSTORE_CONFIG, then the OS config
directory (e.g. ~/.config/idxstore/idxstore.yaml).

Examples:
  # Create whatever is missing
  idxstore verify

  # Show the indexes of Article and every alias extending it
  idxstore status --alias Article --polymorphic

  # Rebuild one sub-index from a staging store
  idxstore copy --from staging.yaml articles-en`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.EnvPath+" or the OS config dir)")
	rootCmd.PersistentFlags().StringVar(&formatOutput, "format", "table", "output format: table, yaml or json")
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore loads the config at path (see config.Resolve) and opens its
// store. The caller closes the returned manager.
func openStore(path string) (*store.Manager, *config.File, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	rt, err := f.Routes()
	if err != nil {
		return nil, nil, fmt.Errorf("config %s: %w", f.Path, err)
	}
	logger := newLogger().With("config", f.Path)
	m, err := store.New(f.Store, store.WithRouting(rt), store.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return m, f, nil
}

func output(result any) error {
	format, err := cli.ParseFormat(formatOutput)
	if err != nil {
		return err
	}
	return cli.Output(result, cli.OutputOptions{Format: format})
}

func styles() cli.Styles {
	return cli.DefaultStyles
}
