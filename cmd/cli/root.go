package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"taskengine/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "taskengine",
	Short: "TaskEngine - dispatches tasks to executors and tracks their runs",
	Long: `TaskEngine hands tasks to local or webhook-triggered executors, ingests their completion
callbacks and reaps runs that never report back.

At a minimum, run the server. The reaper runs inside the server unless started separately.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(reapCmd)
	RootCmd.AddCommand(activityCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
