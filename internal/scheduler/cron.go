package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
)

// Sweeper runs one cleanup sweep. cleanup.Sweeper implements it.
type Sweeper interface {
	Run(ctx context.Context) (*model.CleanupLog, error)
}

// parser accepts standard five-field expressions and descriptors such as
// "@every 15m".
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: parse schedule %q", expr)
	}
	return s, nil
}

// CronSweeps triggers sweeps on a cron schedule. Overlapping triggers in
// this process are skipped; the store keeps other processes out.
type CronSweeps struct {
	sweeper  Sweeper
	schedule string
	timeout  time.Duration
	log      *zap.Logger
}

// NewCronSweeps validates schedule and returns a trigger. Each sweep is
// bounded by timeout.
func NewCronSweeps(s Sweeper, schedule string, timeout time.Duration) (*CronSweeps, error) {
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &CronSweeps{
		sweeper:  s,
		schedule: schedule,
		timeout:  timeout,
		log:      zap.L().With(zap.String("component", "scheduler.cron")),
	}, nil
}

// Run blocks until ctx is cancelled, then waits for a running sweep.
func (c *CronSweeps) Run(ctx context.Context) error {
	logger := cronLogger{c.log}
	cr := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := cr.AddFunc(c.schedule, func() { c.sweep(ctx) }); err != nil {
		return eris.Wrap(err, "scheduler: add sweep")
	}

	c.log.Info("starting sweep schedule", zap.String("schedule", c.schedule))
	cr.Start()
	<-ctx.Done()
	<-cr.Stop().Done()
	c.log.Info("sweep schedule stopped")
	return nil
}

func (c *CronSweeps) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	lg, err := c.sweeper.Run(ctx)
	switch {
	case eris.Is(err, model.ErrSweepInProgress):
		c.log.Info("sweep already running elsewhere")
	case err != nil:
		c.log.Error("sweep failed", zap.Error(err))
	default:
		c.log.Info("scheduled sweep done",
			zap.String("sweep_id", lg.ID), zap.String("status", string(lg.Status)))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
