package commands

import (
	"github.com/spf13/cobra"

	"github.com/haivivi/idxstore/pkg/store"
)

// targetFlags selects sub-indexes by alias or type on top of the
// positional sub-index names.
type targetFlags struct {
	aliases     []string
	types       []string
	polymorphic bool
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.aliases, "alias", nil, "select the sub-indexes of an alias (repeatable)")
	cmd.Flags().StringSliceVar(&f.types, "type", nil, "select the sub-indexes of an entity type (repeatable)")
	cmd.Flags().BoolVarP(&f.polymorphic, "polymorphic", "p", false, "include aliases that extend the selected ones")
}

// resolve returns the targeted sub-indexes, or all of them when nothing
// is selected.
func (f *targetFlags) resolve(m *store.Manager, args []string) ([]string, error) {
	return m.Resolve(args, f.aliases, f.types, f.polymorphic)
}
