// Package cleanup expires sessions and jobs past their retention and purges
// their blobs. At most one sweep runs at a time across all processes.
package cleanup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/blob"
	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/jobs"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/session"
	"github.com/sells-group/docflow/internal/store"
)

// Sweeper runs cleanup sweeps.
type Sweeper struct {
	store      store.Store
	blobs      blob.Store
	sessions   *session.Aggregator
	jobs       *jobs.Machine
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
	log        *zap.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithConfig applies the cleanup section.
func WithConfig(cfg config.CleanupConfig) Option {
	return func(s *Sweeper) {
		if cfg.StaleAfterMinutes > 0 {
			s.staleAfter = time.Duration(cfg.StaleAfterMinutes) * time.Minute
		}
		if cfg.BatchSize > 0 {
			s.batchSize = cfg.BatchSize
		}
	}
}

// New creates a Sweeper.
func New(st store.Store, blobs blob.Store, agg *session.Aggregator, m *jobs.Machine, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:      st,
		blobs:      blobs,
		sessions:   agg,
		jobs:       m,
		staleAfter: time.Hour,
		batchSize:  500,
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "cleanup")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// sweep accumulates one run's counters and errors.
type sweep struct {
	log    *model.CleanupLog
	errs   []error
	failed bool
}

func (w *sweep) itemErr(err error, format string, args ...any) {
	w.errs = append(w.errs, eris.Wrapf(err, format, args...))
}

// Run performs one sweep. When another sweep holds the log it returns
// ErrSweepInProgress without touching anything. Item errors do not stop the
// sweep; they are recorded on the returned log.
func (s *Sweeper) Run(ctx context.Context) (*model.CleanupLog, error) {
	now := s.now().UTC()
	lg, err := s.store.StartCleanup(ctx, now, s.staleAfter)
	if errors.Is(err, model.ErrSweepInProgress) {
		s.log.Info("sweep skipped", zap.Error(err))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("sweep started", zap.String("sweep_id", lg.ID))

	w := &sweep{log: lg}
	if err := s.sweepSessions(ctx, w, now); err != nil {
		w.failed = true
		w.errs = append(w.errs, err)
	}
	if err := s.sweepJobs(ctx, w, now); err != nil {
		w.failed = true
		w.errs = append(w.errs, err)
	}
	return s.finish(ctx, w)
}

func (s *Sweeper) finish(ctx context.Context, w *sweep) (*model.CleanupLog, error) {
	done := s.now().UTC()
	lg := w.log
	lg.FinishedAt = &done
	switch {
	case w.failed:
		lg.Status = model.CleanupFailed
	case len(w.errs) > 0:
		lg.Status = model.CleanupCompletedWithErrors
	default:
		lg.Status = model.CleanupCompleted
	}
	msgs := make([]string, len(w.errs))
	for i, e := range w.errs {
		msgs[i] = e.Error()
	}
	lg.Error = strings.Join(msgs, "; ")

	// The log is finalized even when the caller's context is gone.
	if err := s.store.FinishCleanup(context.WithoutCancel(ctx), lg); err != nil {
		return lg, err
	}
	s.log.Info("sweep finished",
		zap.String("sweep_id", lg.ID),
		zap.String("status", string(lg.Status)),
		zap.Int("sessions_expired", lg.SessionsExpired),
		zap.Int("jobs_expired", lg.JobsExpired),
		zap.Int("blobs_deleted", lg.BlobsDeleted),
		zap.Int("errors", len(w.errs)),
	)
	return lg, nil
}

// sweepSessions pages through expired sessions by keyset, so items that
// fail and stay listed never hide the ones behind them.
func (s *Sweeper) sweepSessions(ctx context.Context, w *sweep, now time.Time) error {
	var after *store.ExpiryCursor
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "sweep sessions")
		}
		batch, err := s.store.ListExpiredSessions(ctx, now, after, s.batchSize)
		if err != nil {
			return eris.Wrap(err, "list expired sessions")
		}
		for i := range batch {
			s.sweepSession(ctx, w, &batch[i], now)
		}
		if len(batch) < s.batchSize {
			return nil
		}
		last := batch[len(batch)-1]
		after = &store.ExpiryCursor{ExpiresAt: last.ExpiresAt, ID: last.ID}
	}
}

func (s *Sweeper) sweepSession(ctx context.Context, w *sweep, ss *model.Session, now time.Time) {
	if !ss.Status.Terminal() {
		expired, n, errs := s.sessions.Expire(ctx, ss)
		w.log.JobsExpired += n
		for _, err := range errs {
			w.itemErr(err, "session %s", ss.ID)
		}
		if expired.Status == model.SessionExpired {
			w.log.SessionsExpired++
		}
	}

	if ss.StoragePurgedAt != nil {
		return
	}
	n, err := s.blobs.DeletePrefix(ctx, ss.StoragePrefix)
	w.log.BlobsDeleted += n
	if err != nil {
		w.itemErr(model.ErrStorage, "purge session %s: %v", ss.ID, err)
		return
	}
	if err := s.store.MarkSessionPurged(ctx, ss.ID, now); err != nil {
		w.itemErr(err, "session %s", ss.ID)
	}
}

func (s *Sweeper) sweepJobs(ctx context.Context, w *sweep, now time.Time) error {
	var after *store.ExpiryCursor
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "sweep jobs")
		}
		batch, err := s.store.ListExpiredJobs(ctx, now, after, s.batchSize)
		if err != nil {
			return eris.Wrap(err, "list expired jobs")
		}
		for i := range batch {
			s.sweepJob(ctx, w, &batch[i], now)
		}
		if len(batch) < s.batchSize {
			return nil
		}
		last := batch[len(batch)-1]
		after = &store.ExpiryCursor{ExpiresAt: last.ExpiresAt, ID: last.ID}
	}
}

func (s *Sweeper) sweepJob(ctx context.Context, w *sweep, j *model.Job, now time.Time) {
	if !j.Status.Terminal() {
		expired, err := s.jobs.Expire(ctx, j)
		if err != nil {
			w.itemErr(err, "expire job %s", j.ID)
		} else if expired.Status == model.JobExpired {
			w.log.JobsExpired++
		}
	}

	if j.BlobURL == "" || j.StoragePurgedAt != nil {
		return
	}
	var n int
	var err error
	if j.TopLevel() {
		n, err = s.blobs.DeletePrefix(ctx, model.JobPrefix(j.ID))
	} else if err = s.blobs.Delete(ctx, j.BlobURL); err == nil {
		n = 1
	}
	w.log.BlobsDeleted += n
	if err != nil {
		w.itemErr(model.ErrStorage, "purge job %s: %v", j.ID, err)
		return
	}
	if err := s.store.MarkJobPurged(ctx, j.ID, now); err != nil {
		w.itemErr(err, "job %s", j.ID)
	}
}
