package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docflow/internal/scheduler"
)

var workerNoSweeps bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Poll extraction operations and run scheduled sweeps",
	Long:  "Runs the poll dispatcher, the cron-triggered cleanup sweeper and the alert checker until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		return runWorkers(ctx, env)
	},
}

// runWorkers blocks until ctx is done or a worker fails.
func runWorkers(ctx context.Context, env *engineEnv) error {
	dispatcher := scheduler.NewDispatcher(env.Store, env.Jobs, scheduler.OptionsFromConfig(cfg.Jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	if !workerNoSweeps {
		sweeps, err := scheduler.NewCronSweeps(env.Sweeper, cfg.Cleanup.Schedule, sweepTimeout())
		if err != nil {
			return err
		}
		g.Go(func() error { return sweeps.Run(gctx) })
	}
	g.Go(func() error {
		env.Checker.Run(gctx)
		return nil
	})
	return g.Wait()
}

// sweepTimeout bounds one sweep by the stale window, so a sweep is never
// still running when the next one may reclaim its log.
func sweepTimeout() time.Duration {
	return time.Duration(cfg.Cleanup.StaleAfterMinutes) * time.Minute
}

func init() {
	workerCmd.Flags().BoolVar(&workerNoSweeps, "no-sweeps", false, "skip the cron cleanup schedule")
	rootCmd.AddCommand(workerCmd)
}
