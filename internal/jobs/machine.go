// Package jobs implements the job state machine: every status change is a
// conditional store update on the status the machine observed, and every
// transition into a terminal status notifies the registered hooks.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/access"
	"github.com/sells-group/docflow/internal/blob"
	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

// Limits bound uploads and polling.
type Limits struct {
	MaxFileSize   int64
	MaxPages      int
	Retention     time.Duration
	MaxPoll       time.Duration
	MaxPollErrors int
	SplitPages    bool
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:   50 << 20,
		MaxPages:      200,
		Retention:     72 * time.Hour,
		MaxPoll:       30 * time.Minute,
		MaxPollErrors: 5,
	}
}

// LimitsFromConfig converts the jobs section.
func LimitsFromConfig(cfg config.JobsConfig) Limits {
	l := DefaultLimits()
	if cfg.MaxFileSizeMB > 0 {
		l.MaxFileSize = int64(cfg.MaxFileSizeMB) << 20
	}
	if cfg.MaxPages > 0 {
		l.MaxPages = cfg.MaxPages
	}
	if cfg.RetentionHours > 0 {
		l.Retention = time.Duration(cfg.RetentionHours) * time.Hour
	}
	if cfg.MaxPollMinutes > 0 {
		l.MaxPoll = time.Duration(cfg.MaxPollMinutes) * time.Minute
	}
	if cfg.MaxPollErrors > 0 {
		l.MaxPollErrors = cfg.MaxPollErrors
	}
	l.SplitPages = cfg.SplitPages
	return l
}

// TerminalHook observes a job that has just reached a terminal status.
type TerminalHook func(ctx context.Context, job *model.Job)

// Machine drives jobs through their lifecycle.
type Machine struct {
	store     store.Store
	blobs     blob.Store
	extractor extract.Extractor
	ledger    *ledger.Ledger
	access    *access.Manager
	validator *extract.SchemaValidator
	limits    Limits
	now       func() time.Time
	log       *zap.Logger

	mu    sync.RWMutex
	hooks []TerminalHook
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(m *Machine) { m.limits = l }
}

// New wires a Machine to its collaborators.
func New(st store.Store, blobs blob.Store, ext extract.Extractor, led *ledger.Ledger, acc *access.Manager, opts ...Option) *Machine {
	m := &Machine{
		store:     st,
		blobs:     blobs,
		extractor: ext,
		ledger:    led,
		access:    acc,
		validator: extract.NewSchemaValidator(),
		limits:    DefaultLimits(),
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "jobs")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnTerminal registers h to run after every terminal transition.
func (m *Machine) OnTerminal(h TerminalHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Limits returns the active limits.
func (m *Machine) Limits() Limits {
	return m.limits
}

// Get returns a job by id.
func (m *Machine) Get(ctx context.Context, id string) (*model.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns jobs matching f.
func (m *Machine) List(ctx context.Context, f store.JobFilter) ([]model.Job, error) {
	return m.store.ListJobs(ctx, f)
}

func (m *Machine) clock() time.Time {
	return m.now().UTC()
}

// errSkip tells commit that the job, as re-read, no longer needs the change.
// commit then returns the stored job without error.
var errSkip = errors.New("jobs: transition no longer applies")

// mutation applies a change to a copy of the job and optionally returns a
// ledger entry to commit with it.
type mutation func(j *model.Job) (*model.Transaction, error)

// commit persists mutate(j) conditioned on j's current status. On
// ErrConflict it re-reads the job and tries once more.
func (m *Machine) commit(ctx context.Context, j *model.Job, mutate mutation) (*model.Job, error) {
	for attempt := 0; ; attempt++ {
		next := *j
		from := next.Status
		charge, err := mutate(&next)
		if errors.Is(err, errSkip) {
			return j, nil
		}
		if err != nil {
			return j, err
		}

		err = m.store.UpdateJob(ctx, &next, from, charge)
		if err == nil {
			if !from.Terminal() && next.Status.Terminal() {
				m.fireTerminal(ctx, &next)
			}
			return &next, nil
		}
		if !errors.Is(err, model.ErrConflict) || attempt > 0 {
			return j, err
		}

		m.log.Debug("job changed concurrently, re-reading",
			zap.String("job_id", j.ID), zap.String("expected", string(from)))
		fresh, gerr := m.store.GetJob(ctx, j.ID)
		if gerr != nil {
			return j, gerr
		}
		j = fresh
	}
}

// fail moves j to FAILED recording cause. A job that is already terminal is
// left alone.
func (m *Machine) fail(ctx context.Context, j *model.Job, cause error) (*model.Job, error) {
	m.log.Warn("job failed",
		zap.String("job_id", j.ID),
		zap.String("kind", string(model.KindOf(cause))),
		zap.Error(cause),
	)
	return m.commit(ctx, j, func(next *model.Job) (*model.Transaction, error) {
		if next.Status.Terminal() {
			return nil, errSkip
		}
		_, err := next.Fail(cause, m.clock())
		return nil, err
	})
}

func (m *Machine) fireTerminal(ctx context.Context, j *model.Job) {
	m.mu.RLock()
	hooks := append([]TerminalHook(nil), m.hooks...)
	m.mu.RUnlock()

	m.log.Info("job finished",
		zap.String("job_id", j.ID),
		zap.String("status", string(j.Status)),
		zap.Int("pages_processed", j.PagesProcessed),
		zap.Int64("credits_used", j.CreditsUsed),
	)
	for _, h := range hooks {
		h(ctx, j)
	}
}
