package commands

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var maintainWatch bool

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run the backend's scheduled tasks",
	Long: `Run the backend's scheduled tasks, such as purging soft-deleted files
from database backends.

With --watch the tasks run every store.maintenance_interval until the
process is interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, f, err := openStore(configPath)
		if err != nil {
			return err
		}
		defer m.Close()

		ctx := cmd.Context()
		if err := m.PerformScheduledTasks(ctx); err != nil {
			return err
		}
		st := styles()
		st.Successf(os.Stdout, "maintenance done for %s", m.SubContext())
		if !maintainWatch {
			return nil
		}
		if f.Store.MaintenanceInterval <= 0 {
			return errors.New("maintain: --watch needs store.maintenance_interval")
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		m.StartMaintenance(ctx)
		st.Successf(os.Stdout, "running every %s, interrupt to stop", f.Store.MaintenanceInterval)
		<-ctx.Done()
		return nil
	},
}

func init() {
	maintainCmd.Flags().BoolVarP(&maintainWatch, "watch", "w", false, "keep running at the configured interval")
	rootCmd.AddCommand(maintainCmd)
}
