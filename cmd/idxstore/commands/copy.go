package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/haivivi/idxstore/pkg/cli"
	"github.com/haivivi/idxstore/pkg/jsontime"
	"github.com/haivivi/idxstore/pkg/store"
)

type copyRow struct {
	SubIndex    string            `json:"sub_index" yaml:"sub_index"`
	Files       int               `json:"files" yaml:"files"`
	Bytes       int64             `json:"bytes" yaml:"bytes"`
	Duration    jsontime.Duration `json:"duration" yaml:"duration"`
	Synthesized bool              `json:"synthesized,omitempty" yaml:"synthesized,omitempty"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
}

type copyReport struct {
	From    string    `json:"from" yaml:"from"`
	Results []copyRow `json:"results" yaml:"results"`
}

func newCopyReport(from string, r *store.CopyReport) copyReport {
	out := copyReport{From: from}
	if r == nil {
		return out
	}
	for _, res := range r.Results {
		row := copyRow{
			SubIndex:    res.SubIndex,
			Files:       res.Files,
			Bytes:       res.Bytes,
			Duration:    jsontime.Duration(res.Duration),
			Synthesized: res.Synthesized,
		}
		if res.Err != nil {
			row.Error = res.Err.Error()
		}
		out.Results = append(out.Results, row)
	}
	return out
}

func (r copyReport) Table() cli.Table {
	st := styles()
	t := cli.Table{Header: []string{"SUBINDEX", "FILES", "SIZE", "DURATION", "RESULT"}}
	for _, row := range r.Results {
		res := st.OK.Render("copied")
		switch {
		case row.Error != "":
			res = st.Error.Render("failed: " + row.Error)
		case row.Synthesized:
			res = st.Warn.Render("empty source, created")
		}
		t.Rows = append(t.Rows, []string{
			row.SubIndex,
			strconv.Itoa(row.Files),
			cli.FormatBytes(row.Bytes),
			cli.FormatDuration(row.Duration.Std()),
			res,
		})
	}
	return t
}

var (
	copyFrom    string
	copyTargets targetFlags
)

var copyCmd = &cobra.Command{
	Use:   "copy --from <config> [sub-index...]",
	Short: "Replace indexes with the same sub-indexes of another store",
	Long: `Replace indexes with the same sub-indexes of another store.

Each sub-index is copied on its own. If a copy fails the destination
keeps its previous content and the remaining sub-indexes are still
copied. The source store is only read.

Examples:
  idxstore copy --from staging.yaml
  idxstore -c prod.yaml copy --from staging.yaml --alias Article`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if copyFrom == "" {
			return errors.New("copy: --from is required")
		}
		src, srcCfg, err := openStore(copyFrom)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		defer src.Close()

		dst, _, err := openStore(configPath)
		if err != nil {
			return err
		}
		defer dst.Close()

		targets, err := copyTargets.resolve(dst, args)
		if err != nil {
			return err
		}
		report, copyErr := dst.CopyFrom(cmd.Context(), src, targets...)
		if report == nil {
			return copyErr
		}
		if err := output(newCopyReport(srcCfg.Path, report)); err != nil {
			return err
		}
		if failed := report.Failed(); len(failed) > 0 {
			return fmt.Errorf("copy failed for %d of %d sub-indexes", len(failed), len(report.Results))
		}
		return nil
	},
}

func init() {
	copyCmd.Flags().StringVar(&copyFrom, "from", "", "config file of the source store")
	copyTargets.register(copyCmd)
	rootCmd.AddCommand(copyCmd)
}
