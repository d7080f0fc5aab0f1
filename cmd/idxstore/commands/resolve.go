package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/idxstore/pkg/cli"
	"github.com/haivivi/idxstore/pkg/routing"
)

type resolvedIndex struct {
	SubIndex string   `json:"sub_index" yaml:"sub_index"`
	Aliases  []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

type resolveReport []resolvedIndex

func (r resolveReport) Table() cli.Table {
	t := cli.Table{Header: []string{"SUBINDEX", "ALIASES"}}
	for _, ri := range r {
		t.Rows = append(t.Rows, []string{ri.SubIndex, strings.Join(ri.Aliases, ",")})
	}
	return t
}

func resolveIndexes(rt *routing.Table, subIndexes []string) resolveReport {
	out := make(resolveReport, 0, len(subIndexes))
	for _, si := range subIndexes {
		out = append(out, resolvedIndex{SubIndex: si, Aliases: rt.AliasesForSubIndex(si)})
	}
	return out
}

var resolveTargets targetFlags

var resolveCmd = &cobra.Command{
	Use:   "resolve [sub-index...]",
	Short: "Translate aliases and entity types to sub-indexes",
	Long: `Translate aliases and entity types to the sub-indexes they are stored in.

With --polymorphic the sub-indexes of every alias extending a selected one
are included. Without a selection every configured sub-index is listed.

Examples:
  idxstore resolve --alias Article
  idxstore resolve --type NewsArticle --polymorphic`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openStore(configPath)
		if err != nil {
			return err
		}
		defer m.Close()

		subs, err := resolveTargets.resolve(m, args)
		if err != nil {
			return err
		}
		return output(resolveIndexes(m.Routes(), subs))
	},
}

func init() {
	resolveTargets.register(resolveCmd)
	rootCmd.AddCommand(resolveCmd)
}
