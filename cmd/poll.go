package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docflow/internal/scheduler"
)

var pollCmd = &cobra.Command{
	Use:   "poll [job-id]",
	Short: "Poll due extraction operations once",
	Long:  "Polls every POLLING job that is due, or only the given job, and exits. Useful from an external scheduler instead of a long-running worker.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			j, err := env.Jobs.Poll(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "poll")
			}
			return printJSON(j)
		}

		n, err := scheduler.NewDispatcher(env.Store, env.Jobs, scheduler.OptionsFromConfig(cfg.Jobs)).Tick(ctx)
		if err != nil {
			return eris.Wrap(err, "poll")
		}
		fmt.Fprintf(os.Stderr, "Polled %d job(s).\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)
}
