package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/idxstore/pkg/cli"
	"github.com/haivivi/idxstore/pkg/store"
)

type indexStatus struct {
	SubIndex string   `json:"sub_index" yaml:"sub_index"`
	Exists   bool     `json:"exists" yaml:"exists"`
	Locked   bool     `json:"locked" yaml:"locked"`
	Aliases  []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Location string   `json:"location" yaml:"location"`
}

type statusReport struct {
	Backend    string        `json:"backend" yaml:"backend"`
	SubContext string        `json:"sub_context" yaml:"sub_context"`
	Indexes    []indexStatus `json:"indexes" yaml:"indexes"`
}

func (r statusReport) Table() cli.Table {
	st := styles()
	t := cli.Table{Header: []string{"SUBINDEX", "EXISTS", "LOCKED", "ALIASES", "LOCATION"}}
	for _, s := range r.Indexes {
		t.Rows = append(t.Rows, []string{
			s.SubIndex,
			st.YesNo(s.Exists),
			st.YesNo(s.Locked),
			strings.Join(s.Aliases, ","),
			s.Location,
		})
	}
	return t
}

func collectStatus(ctx context.Context, m *store.Manager, subIndexes []string) (statusReport, error) {
	r := statusReport{Backend: m.Backend().Scheme(), SubContext: m.SubContext()}
	for _, si := range subIndexes {
		exists, err := m.IndexExists(ctx, si)
		if err != nil {
			return r, err
		}
		locked, err := m.IsLocked(ctx, si)
		if err != nil {
			return r, err
		}
		loc := m.Location(si)
		where := loc.Dir
		if where == "" {
			where = m.Backend().Scheme() + "://" + loc.String()
		}
		r.Indexes = append(r.Indexes, indexStatus{
			SubIndex: si,
			Exists:   exists,
			Locked:   locked,
			Aliases:  m.Routes().AliasesForSubIndex(si),
			Location: where,
		})
	}
	return r, nil
}

var statusTargets targetFlags

var statusCmd = &cobra.Command{
	Use:   "status [sub-index...]",
	Short: "Show existence, lock state and location of sub-indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openStore(configPath)
		if err != nil {
			return err
		}
		defer m.Close()

		targets, err := statusTargets.resolve(m, args)
		if err != nil {
			return err
		}
		r, err := collectStatus(cmd.Context(), m, targets)
		if err != nil {
			return err
		}
		return output(r)
	},
}

func init() {
	statusTargets.register(statusCmd)
	rootCmd.AddCommand(statusCmd)
}
