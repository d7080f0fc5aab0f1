package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/idxstore/cmd/idxstore/internal/build"
	"github.com/haivivi/idxstore/pkg/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if formatOutput != "" && formatOutput != "table" {
			return output(build.Get())
		}
		fmt.Println(build.String())
		if IsVerbose() {
			fmt.Printf("  backends: %v\n", store.Schemes())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
