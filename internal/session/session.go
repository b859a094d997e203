// Package session aggregates jobs into sessions: it keeps the processed page
// count current as jobs finish, settles the session once every page is
// processed and hands settled sessions to consolidation.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/jobs"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

// Outputs are the consolidated artifacts of a session.
type Outputs struct {
	ArchiveURL     string
	SpreadsheetURL string
	// Processed is the number of jobs included.
	Processed int
}

// Consolidator packages a settled session's completed jobs.
type Consolidator interface {
	Consolidate(ctx context.Context, s *model.Session, jobs []model.Job) (*Outputs, error)
}

// Summary is a session with its derived spend.
type Summary struct {
	model.Session
	Credits int64 `json:"credits"`
}

// Aggregator owns session status. It must be the only writer of session
// rows other than the store's own counters.
type Aggregator struct {
	store        store.Store
	machine      *jobs.Machine
	consolidator Consolidator
	retention    time.Duration
	now          func() time.Time
	log          *zap.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithRetention sets how long sessions live. Defaults to 72 hours.
func WithRetention(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.retention = d
		}
	}
}

// New creates an Aggregator and subscribes it to m's terminal transitions.
func New(st store.Store, m *jobs.Machine, c Consolidator, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:        st,
		machine:      m,
		consolidator: c,
		retention:    72 * time.Hour,
		now:          time.Now,
		log:          zap.L().With(zap.String("component", "session")),
	}
	for _, o := range opts {
		o(a)
	}
	m.OnTerminal(a.OnJobTerminal)
	return a
}

func (a *Aggregator) clock() time.Time {
	return a.now().UTC()
}

// Create opens an UPLOADING session for ownerID.
func (a *Aggregator) Create(ctx context.Context, ownerID, name string) (*model.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, eris.Wrap(model.ErrValidation, "session name is required")
	}
	u, err := a.store.GetUser(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, eris.Wrapf(model.ErrAccessDenied, "user %s is inactive", u.ID)
	}

	now := a.clock()
	id := uuid.NewString()
	s := &model.Session{
		ID:            id,
		OwnerID:       u.ID,
		Name:          name,
		Status:        model.SessionUploading,
		StoragePrefix: model.SessionPrefix(id),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(a.retention),
	}
	if err := a.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	a.log.Info("session created", zap.String("session_id", id), zap.String("owner_id", u.ID))
	return s, nil
}

// Get returns the session with its credits.
func (a *Aggregator) Get(ctx context.Context, id string) (*Summary, error) {
	s, err := a.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	credits, err := a.store.SessionCredits(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Summary{Session: *s, Credits: credits}, nil
}

// List returns sessions matching f.
func (a *Aggregator) List(ctx context.Context, f store.SessionFilter) ([]model.Session, error) {
	return a.store.ListSessions(ctx, f)
}

// AddJob creates a job inside the session. Only the session owner may add
// jobs, and only while the session accepts them.
func (a *Aggregator) AddJob(ctx context.Context, sessionID string, req jobs.CreateRequest) (*model.Job, error) {
	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.OwnerID != req.OwnerID {
		return nil, eris.Wrapf(model.ErrAccessDenied, "session %s belongs to another user", sessionID)
	}
	if !s.Status.AcceptsJobs() {
		return nil, eris.Wrapf(model.ErrConflict, "session %s is %s and no longer accepts jobs", sessionID, s.Status)
	}
	req.SessionID = sessionID
	return a.machine.Create(ctx, req)
}

// Start marks uploads finished. It is only an early signal: a session
// settles on its own once every page is processed.
func (a *Aggregator) Start(ctx context.Context, id string) (*model.Session, error) {
	s, err := a.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *s
	from, err := next.Apply(model.SessionEventStart, a.clock())
	if err != nil {
		return s, err
	}
	if err := a.store.UpdateSession(ctx, &next, from); err != nil {
		return s, err
	}
	a.log.Info("session started", zap.String("session_id", id), zap.Int("files", next.TotalFiles))
	return a.Settle(ctx, id)
}

// OnJobTerminal is the job machine hook. Errors are logged; the next
// terminal job or an explicit Settle retries.
func (a *Aggregator) OnJobTerminal(ctx context.Context, j *model.Job) {
	if j.Standalone() {
		return
	}
	if _, err := a.Settle(ctx, *j.SessionID); err != nil {
		a.log.Error("settle session failed",
			zap.String("session_id", *j.SessionID), zap.String("job_id", j.ID), zap.Error(err))
	}
}

// Settle recounts processed pages and settles an UPLOADING or PROCESSING
// session once every page is processed and no job is left running. Sessions
// with failed or missing pages are left for the sweeper to expire.
// Concurrent callers race on a conditional update; only the winner
// consolidates.
func (a *Aggregator) Settle(ctx context.Context, id string) (*model.Session, error) {
	s, err := a.store.RecountSession(ctx, id, a.clock())
	if err != nil {
		return nil, err
	}
	if !s.Status.AcceptsJobs() {
		return s, nil
	}
	if s.TotalPages == 0 || s.ProcessedPages < s.TotalPages {
		return s, nil
	}
	active, err := a.store.CountActiveJobs(ctx, id)
	if err != nil {
		return s, err
	}
	if active > 0 {
		return s, nil
	}

	settled, won, err := a.transition(ctx, s, model.SessionEventSettle, func(next *model.Session) {
		next.PostStatus = model.PostArchiving
	})
	if err != nil || !won {
		return settled, err
	}
	return a.consolidate(ctx, settled)
}

func (a *Aggregator) consolidate(ctx context.Context, s *model.Session) (*model.Session, error) {
	all, err := a.sessionJobs(ctx, s.ID)
	if err != nil {
		return a.consolidationFailed(ctx, s, err)
	}
	out, err := a.consolidator.Consolidate(ctx, s, all)
	if err != nil {
		return a.consolidationFailed(ctx, s, err)
	}
	done, _, err := a.transition(ctx, s, model.SessionEventConsolidated, func(next *model.Session) {
		next.ArchiveURL = out.ArchiveURL
		next.SpreadsheetURL = out.SpreadsheetURL
		next.PostStatus = model.PostDone
		next.PostProcessed = out.Processed
	})
	if err == nil {
		a.log.Info("session completed",
			zap.String("session_id", s.ID), zap.Int("processed_pages", done.ProcessedPages))
	}
	return done, err
}

func (a *Aggregator) consolidationFailed(ctx context.Context, s *model.Session, cause error) (*model.Session, error) {
	a.log.Error("consolidation failed", zap.String("session_id", s.ID), zap.Error(cause))
	failed, _, err := a.transition(ctx, s, model.SessionEventConsolidationFailed, func(next *model.Session) {
		next.PostStatus = model.PostError
		next.Error = cause.Error()
	})
	return failed, err
}

// transition applies ev conditioned on s's status. Losing the race to
// another writer is not an error: the winner's session is returned with
// won set to false.
func (a *Aggregator) transition(ctx context.Context, s *model.Session, ev model.SessionEvent, edit func(*model.Session)) (*model.Session, bool, error) {
	next := *s
	from, err := next.Apply(ev, a.clock())
	if err != nil {
		return s, false, err
	}
	if edit != nil {
		edit(&next)
	}
	err = a.store.UpdateSession(ctx, &next, from)
	if errors.Is(err, model.ErrConflict) {
		a.log.Debug("session changed concurrently",
			zap.String("session_id", s.ID), zap.String("event", string(ev)))
		cur, err := a.store.GetSession(ctx, s.ID)
		return cur, false, err
	}
	if err != nil {
		return s, false, err
	}
	return &next, true, nil
}

// Cancel cancels the session and then every job that can still be
// cancelled. Jobs already PROCESSING finish and are charged.
func (a *Aggregator) Cancel(ctx context.Context, id string) (*model.Session, error) {
	s, err := a.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	cancelled, _, err := a.transition(ctx, s, model.SessionEventCancel, nil)
	if err != nil {
		return cancelled, err
	}
	a.log.Info("session cancelled", zap.String("session_id", id), zap.String("status", string(cancelled.Status)))
	a.stopJobs(ctx, id, func(j *model.Job) error {
		_, err := a.machine.Cancel(ctx, j.ID)
		return err
	})
	return a.store.RecountSession(ctx, id, a.clock())
}

// Expire moves a session to EXPIRED and expires its unfinished jobs. It
// returns the per-job errors it met; a session that already finished is
// left as is.
func (a *Aggregator) Expire(ctx context.Context, s *model.Session) (*model.Session, int, []error) {
	expired := s
	if !s.Status.Terminal() {
		var err error
		expired, _, err = a.transition(ctx, s, model.SessionEventExpire, nil)
		if err != nil {
			return s, 0, []error{err}
		}
	}
	var n int
	errs := a.stopJobs(ctx, s.ID, func(j *model.Job) error {
		done, err := a.machine.Expire(ctx, j)
		if err == nil && done.Status == model.JobExpired {
			n++
		}
		return err
	})
	return expired, n, errs
}

func (a *Aggregator) stopJobs(ctx context.Context, sessionID string, stop func(*model.Job) error) []error {
	var errs []error
	skipped := map[string]bool{}
	for {
		active, err := a.store.ListJobs(ctx, store.JobFilter{
			SessionID: sessionID,
			Statuses:  model.NonTerminalJobStatuses(),
			Limit:     pageSize,
			Offset:    len(skipped),
		})
		if err != nil {
			return append(errs, err)
		}
		progress := false
		for i := range active {
			j := &active[i]
			if skipped[j.ID] {
				continue
			}
			progress = true
			err := stop(j)
			if err == nil {
				continue
			}
			skipped[j.ID] = true
			if !errors.Is(err, model.ErrConflict) {
				errs = append(errs, eris.Wrapf(err, "job %s", j.ID))
			}
			a.log.Warn("job not stopped", zap.String("job_id", j.ID), zap.Error(err))
		}
		if len(active) < pageSize || !progress {
			return errs
		}
	}
}

const pageSize = 500

func (a *Aggregator) sessionJobs(ctx context.Context, id string) ([]model.Job, error) {
	var all []model.Job
	for offset := 0; ; offset += pageSize {
		page, err := a.store.ListJobs(ctx, store.JobFilter{SessionID: id, Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}
