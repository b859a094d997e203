package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/resilience"
)

// Submit reads the uploaded file back from blob storage and hands it to the
// extraction service.
func (m *Machine) Submit(ctx context.Context, id string) (*model.Job, error) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := model.NextJobStatus(j.Status, model.JobEventSubmit); err != nil {
		return j, err
	}
	data, err := m.blobs.Get(ctx, j.BlobURL)
	if err != nil {
		return m.failWith(ctx, j, eris.Wrapf(model.ErrStorage, "read %s: %v", j.FileName, err))
	}
	return m.submit(ctx, j, data)
}

func (m *Machine) submit(ctx context.Context, j *model.Job, data []byte) (*model.Job, error) {
	em, err := m.store.GetModel(ctx, j.ModelID)
	if err != nil {
		return j, err
	}

	opID, err := m.extractor.Submit(ctx, extract.Request{
		JobID:       j.ID,
		FileName:    j.FileName,
		ContentType: j.ContentType,
		PageCount:   j.PageCount,
		Data:        data,
		Model:       em,
	})
	if err != nil {
		if ctx.Err() != nil {
			return j, ctx.Err()
		}
		return m.failWith(ctx, j, eris.Wrapf(model.ErrSubmission, "%v", err))
	}

	m.log.Info("job submitted", zap.String("job_id", j.ID), zap.String("operation_id", opID))
	return m.commit(ctx, j, func(next *model.Job) (*model.Transaction, error) {
		now := m.clock()
		if _, err := next.Apply(model.JobEventSubmit, now); err != nil {
			return nil, err
		}
		next.OperationID = opID
		next.OperationStatus = model.OperationRunning
		next.PollingStartedAt = &now
		next.PollAttempts = 0
		next.PollErrors = 0
		return nil, nil
	})
}

// failWith records cause on j and returns it as the error.
func (m *Machine) failWith(ctx context.Context, j *model.Job, cause error) (*model.Job, error) {
	failed, err := m.fail(ctx, j, cause)
	if err != nil {
		return failed, err
	}
	return failed, cause
}

// Poll asks the extraction service about a POLLING job once and applies the
// answer. Jobs in any other status are returned unchanged. Failures the
// poll records on the job are not returned as errors.
func (m *Machine) Poll(ctx context.Context, id string) (*model.Job, error) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != model.JobPolling {
		return j, nil
	}

	now := m.clock()
	if j.PollingStartedAt != nil && now.Sub(*j.PollingStartedAt) > m.limits.MaxPoll {
		return m.fail(ctx, j, eris.Wrapf(model.ErrTimeout, "no result after %s", m.limits.MaxPoll))
	}

	res, err := m.extractor.Poll(ctx, j.OperationID)
	if err != nil {
		if ctx.Err() != nil {
			return j, ctx.Err()
		}
		return m.pollError(ctx, j, err)
	}

	switch res.Status {
	case model.OperationRunning:
		return m.commit(ctx, j, func(next *model.Job) (*model.Transaction, error) {
			if _, err := next.Apply(model.JobEventPollRunning, m.clock()); err != nil {
				return nil, errSkip
			}
			polled := m.clock()
			next.LastPolledAt = &polled
			next.PollAttempts++
			next.PollErrors = 0
			next.OperationStatus = model.OperationRunning
			return nil, nil
		})
	case model.OperationFailed:
		msg := res.Error
		if msg == "" {
			msg = "operation failed"
		}
		return m.fail(ctx, j, eris.Wrapf(model.ErrExtraction, "%s", msg))
	case model.OperationSucceeded:
		return m.finish(ctx, j, res)
	default:
		return m.pollError(ctx, j, fmt.Errorf("unknown operation status %q", res.Status))
	}
}

// pollError counts a failed poll. The job fails once MaxPollErrors polls in
// a row have failed. Exhausted retries count each attempt.
func (m *Machine) pollError(ctx context.Context, j *model.Job, cause error) (*model.Job, error) {
	n := 1
	var ex *resilience.ExhaustedError
	if errors.As(cause, &ex) && ex.Attempts > 1 {
		n = ex.Attempts
	}

	m.log.Warn("poll failed", zap.String("job_id", j.ID), zap.Int("poll_errors", j.PollErrors+n), zap.Error(cause))
	updated, err := m.commit(ctx, j, func(next *model.Job) (*model.Transaction, error) {
		if next.Status != model.JobPolling {
			return nil, errSkip
		}
		polled := m.clock()
		next.LastPolledAt = &polled
		next.UpdatedAt = polled
		next.PollAttempts++
		next.PollErrors += n
		return nil, nil
	})
	if err != nil {
		return updated, err
	}
	if updated.Status == model.JobPolling && updated.PollErrors >= m.limits.MaxPollErrors {
		return m.fail(ctx, updated, eris.Wrapf(model.ErrPoll, "%d consecutive poll errors: %v", updated.PollErrors, cause))
	}
	return updated, nil
}

// finish moves a job whose operation succeeded through PROCESSING to
// COMPLETED, charging one credit per processed page in the same write. A
// user who cannot pay gets a FAILED job and no charge.
func (m *Machine) finish(ctx context.Context, j *model.Job, res *extract.Result) (*model.Job, error) {
	j, err := m.commit(ctx, j, func(next *model.Job) (*model.Transaction, error) {
		if _, err := next.Apply(model.JobEventPollSucceeded, m.clock()); err != nil {
			return nil, errSkip
		}
		polled := m.clock()
		next.LastPolledAt = &polled
		next.PollAttempts++
		next.PollErrors = 0
		next.OperationStatus = model.OperationSucceeded
		next.Fields = res.Fields
		next.PagesProcessed = clampPages(res.PagesProcessed, next.PageCount)
		return nil, nil
	})
	if err != nil || j.Status != model.JobProcessing {
		return j, err
	}

	if em, err := m.store.GetModel(ctx, j.ModelID); err == nil {
		if verr := m.validator.Validate(em, j.Fields); verr != nil {
			m.log.Info("fields need review", zap.String("job_id", j.ID), zap.Error(verr))
			j.NeedsReview = true
		}
	} else {
		m.log.Warn("model lookup for validation failed", zap.String("job_id", j.ID), zap.Error(err))
	}

	done, err := m.commit(ctx, j, func(next *model.Job) (*model.Transaction, error) {
		if next.Status != model.JobProcessing {
			return nil, errSkip
		}
		charge, err := m.ledger.UsageEntry(next.OwnerID, int64(next.PagesProcessed),
			fmt.Sprintf("extraction of %s (%d pages)", next.FileName, next.PagesProcessed), next.ID)
		if err != nil {
			return nil, err
		}
		if _, err := next.Apply(model.JobEventFinish, m.clock()); err != nil {
			return nil, err
		}
		next.CreditsUsed = int64(next.PagesProcessed)
		return charge, nil
	})
	if errors.Is(err, model.ErrInsufficientCredits) {
		return m.fail(ctx, done, err)
	}
	return done, err
}

// clampPages falls back to the uploaded page count when the service reports
// nothing or more pages than the file has.
func clampPages(reported, pageCount int) int {
	if reported <= 0 || reported > pageCount {
		return pageCount
	}
	return reported
}
