// Package scheduler drives background work: a dispatcher that hands POLLING
// jobs to a pool of poll workers, and a cron trigger for cleanup sweeps.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

// Poller polls one job. jobs.Machine implements it.
type Poller interface {
	Poll(ctx context.Context, id string) (*model.Job, error)
}

// Options tune the dispatcher.
type Options struct {
	Interval  time.Duration
	Workers   int
	BatchSize int
	Rate      rate.Limit
	Burst     int
}

// OptionsFromConfig converts the jobs section.
func OptionsFromConfig(cfg config.JobsConfig) Options {
	o := Options{
		Interval:  time.Duration(cfg.PollIntervalSecs) * time.Second,
		Workers:   cfg.PollWorkers,
		BatchSize: cfg.PollBatchSize,
		Rate:      rate.Limit(cfg.PollRatePerSec),
		Burst:     cfg.PollBurst,
	}
	return o.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Rate <= 0 {
		o.Rate = rate.Inf
	}
	if o.Burst <= 0 {
		o.Burst = o.Workers
	}
	return o
}

// Dispatcher lists POLLING jobs that are due and feeds them to workers. A
// job is never polled by two workers at once.
type Dispatcher struct {
	store   store.Store
	poller  Poller
	opts    Options
	limiter *rate.Limiter
	now     func() time.Time
	log     *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, p Poller, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		store:    st,
		poller:   p,
		opts:     opts,
		limiter:  rate.NewLimiter(opts.Rate, opts.Burst),
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "scheduler.dispatcher")),
		inflight: make(map[string]struct{}),
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

// InFlight returns the number of claimed jobs.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("starting poll dispatcher",
		zap.Duration("interval", d.opts.Interval),
		zap.Int("workers", d.opts.Workers),
		zap.Int("batch_size", d.opts.BatchSize),
	)

	ids := make(chan string, d.opts.BatchSize)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			for id := range ids {
				d.pollOne(gctx, id)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(ids)
		ticker := time.NewTicker(d.opts.Interval)
		defer ticker.Stop()
		for {
			d.dispatch(gctx, ids)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	d.log.Info("poll dispatcher stopped")
	return err
}

// dispatch queues due jobs that are not already in flight.
func (d *Dispatcher) dispatch(ctx context.Context, ids chan<- string) int {
	due, err := d.due(ctx)
	if err != nil {
		d.log.Error("list due jobs", zap.Error(err))
		return 0
	}
	queued := 0
	for _, j := range due {
		if !d.claim(j.ID) {
			continue
		}
		select {
		case ids <- j.ID:
			queued++
		case <-ctx.Done():
			d.release(j.ID)
			return queued
		}
	}
	if queued > 0 {
		d.log.Debug("dispatched jobs", zap.Int("count", queued))
	}
	return queued
}

func (d *Dispatcher) due(ctx context.Context) ([]model.Job, error) {
	before := d.now().UTC().Add(-d.opts.Interval)
	return d.store.ListJobs(ctx, store.JobFilter{
		Statuses:     []model.JobStatus{model.JobPolling},
		PolledBefore: &before,
		Limit:        d.opts.BatchSize,
	})
}

// pollOne polls a claimed job and releases it.
func (d *Dispatcher) pollOne(ctx context.Context, id string) {
	defer d.release(id)
	if ctx.Err() != nil {
		return
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	j, err := d.poller.Poll(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("poll job", zap.String("job_id", id), zap.Error(err))
		}
		return
	}
	if j.Status.Terminal() {
		d.log.Info("job settled by poll", zap.String("job_id", id), zap.String("status", string(j.Status)))
	}
}

// Tick polls every due job once and waits for the results. It returns the
// number of jobs polled.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	due, err := d.due(ctx)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	polled := 0
	for _, j := range due {
		if !d.claim(j.ID) {
			continue
		}
		polled++
		id := j.ID
		g.Go(func() error {
			d.pollOne(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return polled, err
	}
	return polled, ctx.Err()
}
