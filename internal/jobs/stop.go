package jobs

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
)

// Cancel stops a job that has not started processing results. Cancelling a
// terminal job is a no-op; a PROCESSING job is about to be charged and
// cannot be cancelled.
func (m *Machine) Cancel(ctx context.Context, id string) (*model.Job, error) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return j, nil
	}
	if j.Status == model.JobProcessing {
		return j, eris.Wrapf(model.ErrConflict, "job %s is finishing and cannot be cancelled", id)
	}

	m.log.Info("cancelling job", zap.String("job_id", id), zap.String("status", string(j.Status)))
	return m.commit(ctx, j, func(next *model.Job) (*model.Transaction, error) {
		if next.Status.Terminal() {
			return nil, errSkip
		}
		_, err := next.Apply(model.JobEventCancel, m.clock())
		return nil, err
	})
}

// Expire moves j to EXPIRED. Jobs that reached a terminal status first are
// left alone.
func (m *Machine) Expire(ctx context.Context, j *model.Job) (*model.Job, error) {
	return m.commit(ctx, j, func(next *model.Job) (*model.Transaction, error) {
		if next.Status.Terminal() {
			return nil, errSkip
		}
		_, err := next.Apply(model.JobEventExpire, m.clock())
		return nil, err
	})
}
