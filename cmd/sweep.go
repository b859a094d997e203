package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/docflow/internal/model"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one cleanup sweep",
	Long:  "Expires sessions and standalone jobs past their retention, deletes their stored files and records a cleanup log.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		log, err := env.Sweeper.Run(ctx)
		if errors.Is(err, model.ErrSweepInProgress) {
			fmt.Fprintln(os.Stderr, "Another sweep is running; nothing to do.")
			return nil
		}
		if log != nil {
			formatCleanupLogs(os.Stdout, []model.CleanupLog{*log})
		}
		return err
	},
}

var sweepHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent cleanup sweeps",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		logs, err := st.ListCleanupLogs(ctx, limit)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			fmt.Fprintln(os.Stderr, "No sweeps recorded.")
			return nil
		}
		formatCleanupLogs(os.Stdout, logs)
		return nil
	},
}

func init() {
	sweepHistoryCmd.Flags().Int("limit", 20, "max number of sweeps to display")
	sweepCmd.AddCommand(sweepHistoryCmd)
	rootCmd.AddCommand(sweepCmd)
}
