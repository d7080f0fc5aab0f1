// Package cli holds the terminal output helpers shared by the idxstore
// commands: structured output (yaml, json, table), status marks and
// human-readable sizes.
//
//	cli.Output(report, cli.OutputOptions{
//	    Format: cli.FormatTable,
//	    Writer: cmd.OutOrStdout(),
//	})
package cli
