package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/idxstore/pkg/cli"
	"github.com/haivivi/idxstore/pkg/store"
)

// actionRow is the outcome of one command on one sub-index.
type actionRow struct {
	SubIndex string `json:"sub_index" yaml:"sub_index"`
	Result   string `json:"result" yaml:"result"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

type actionReport struct {
	Action  string      `json:"action" yaml:"action"`
	Results []actionRow `json:"results" yaml:"results"`
}

func (r actionReport) Table() cli.Table {
	st := styles()
	t := cli.Table{Header: []string{"SUBINDEX", "RESULT"}}
	for _, row := range r.Results {
		res := st.OK.Render(row.Result)
		if row.Error != "" {
			res = st.Error.Render("failed: " + row.Error)
		}
		t.Rows = append(t.Rows, []string{row.SubIndex, res})
	}
	return t
}

// errActionFailed is returned after the report is printed when at least
// one sub-index failed.
var errActionFailed = errors.New("one or more sub-indexes failed")

// action runs fn on each targeted sub-index. fn returns the result word
// for the report.
type action struct {
	name     string
	targets  targetFlags
	all      bool
	needsSel bool
	fn       func(ctx context.Context, m *store.Manager, subIndex string) (string, error)
}

func (a *action) command(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [sub-index...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args)
		},
	}
	a.targets.register(cmd)
	if a.needsSel {
		cmd.Flags().BoolVar(&a.all, "all", false, "target every configured sub-index")
	}
	return cmd
}

func (a *action) run(ctx context.Context, args []string) error {
	if a.needsSel && !a.all && len(args) == 0 && len(a.targets.aliases) == 0 && len(a.targets.types) == 0 {
		return fmt.Errorf("%s: name sub-indexes, --alias or --type, or pass --all", a.name)
	}
	m, _, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer m.Close()

	targets, err := a.targets.resolve(m, args)
	if err != nil {
		return err
	}
	r := actionReport{Action: a.name}
	failed := false
	for _, si := range targets {
		res, err := a.fn(ctx, m, si)
		row := actionRow{SubIndex: si, Result: res}
		if err != nil {
			row.Error = err.Error()
			failed = true
		}
		r.Results = append(r.Results, row)
	}
	if err := output(r); err != nil {
		return err
	}
	if failed {
		return errActionFailed
	}
	return nil
}

var (
	createAction = &action{
		name:     "create",
		needsSel: true,
		fn: func(ctx context.Context, m *store.Manager, si string) (string, error) {
			return "created", m.CreateIndex(ctx, si)
		},
	}
	verifyAction = &action{
		name: "verify",
		fn: func(ctx context.Context, m *store.Manager, si string) (string, error) {
			created, err := m.VerifyIndex(ctx, si)
			if created {
				return "created", err
			}
			return "ok", err
		},
	}
	deleteAction = &action{
		name:     "delete",
		needsSel: true,
		fn: func(ctx context.Context, m *store.Manager, si string) (string, error) {
			return "deleted", m.DeleteIndex(ctx, si)
		},
	}
	cleanAction = &action{
		name:     "clean",
		needsSel: true,
		fn: func(ctx context.Context, m *store.Manager, si string) (string, error) {
			return "cleaned", m.CleanIndex(ctx, si)
		},
	}
	unlockAction = &action{
		name: "unlock",
		fn: func(ctx context.Context, m *store.Manager, si string) (string, error) {
			locked, err := m.IsLocked(ctx, si)
			if err != nil || !locked {
				return "not locked", err
			}
			return "released", m.ReleaseLock(ctx, si)
		},
	}
)

func init() {
	rootCmd.AddCommand(
		createAction.command("create", "Create empty indexes, overwriting existing ones"),
		verifyAction.command("verify", "Create the indexes that are missing"),
		deleteAction.command("delete", "Delete indexes"),
		cleanAction.command("clean", "Remove every file of an index but keep its directory"),
		unlockAction.command("unlock", "Force-release write locks"),
	)
}
