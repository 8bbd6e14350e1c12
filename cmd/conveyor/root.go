package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor schedules and executes CI workflow runs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	persistent := cmd.PersistentFlags()
	persistent.StringArray("workflow", nil, "workflow file to include (repeatable)")
	persistent.StringArray("job", nil, "job filter (repeatable)")
	persistent.String("event", "", "event kind starting the run (push|pull_request)")
	persistent.String("branch", "", "branch the event refers to")
	persistent.Int("slots", 0, "maximum instances running at once")
	persistent.String("cache-dir", "", "directory backing the dependency cache")
	persistent.String("store", "", "sqlite file recording run history")
	persistent.String("format", "pretty", "output format (pretty|json)")
	persistent.BoolP("verbose", "v", false, "stream command output and debug logs")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}
