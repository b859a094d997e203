package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// JobStatus is the lifecycle state of a single unit of extraction work.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobUploading  JobStatus = "UPLOADING"
	JobPolling    JobStatus = "POLLING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobExpired    JobStatus = "EXPIRED"
	JobCancelled  JobStatus = "CANCELLED"
)

// JobStatuses lists every job status in lifecycle order.
var JobStatuses = []JobStatus{
	JobQueued, JobUploading, JobPolling, JobProcessing,
	JobCompleted, JobFailed, JobExpired, JobCancelled,
}

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobExpired, JobCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	for _, v := range JobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// NonTerminalJobStatuses are the statuses the sweeper and the session
// settle check treat as still active.
func NonTerminalJobStatuses() []JobStatus {
	return []JobStatus{JobQueued, JobUploading, JobPolling, JobProcessing}
}

// JobEvent drives a job status transition.
type JobEvent string

const (
	JobEventUpload        JobEvent = "upload"
	JobEventSubmit        JobEvent = "submit"
	JobEventPollRunning   JobEvent = "poll_running"
	JobEventPollSucceeded JobEvent = "poll_succeeded"
	JobEventFinish        JobEvent = "finish"
	JobEventSplit         JobEvent = "split"
	JobEventFail          JobEvent = "fail"
	JobEventCancel        JobEvent = "cancel"
	JobEventExpire        JobEvent = "expire"
)

// JobEvents lists every job event.
var JobEvents = []JobEvent{
	JobEventUpload, JobEventSubmit, JobEventPollRunning, JobEventPollSucceeded,
	JobEventFinish, JobEventSplit, JobEventFail, JobEventCancel, JobEventExpire,
}

// NextJobStatus returns the status reached by applying ev to from, or an
// error wrapping ErrInvalidTransition.
func NextJobStatus(from JobStatus, ev JobEvent) (JobStatus, error) {
	if from.Terminal() {
		return from, eris.Wrapf(ErrInvalidTransition, "job %s is terminal, cannot apply %s", from, ev)
	}

	switch ev {
	case JobEventUpload:
		if from == JobQueued {
			return JobUploading, nil
		}
	case JobEventSubmit:
		if from == JobUploading {
			return JobPolling, nil
		}
	case JobEventPollRunning:
		if from == JobPolling {
			return JobPolling, nil
		}
	case JobEventPollSucceeded:
		if from == JobPolling {
			return JobProcessing, nil
		}
	case JobEventFinish:
		if from == JobProcessing {
			return JobCompleted, nil
		}
	case JobEventSplit:
		if from == JobUploading {
			return JobCompleted, nil
		}
	case JobEventFail:
		if from.Valid() {
			return JobFailed, nil
		}
	case JobEventCancel:
		switch from {
		case JobQueued, JobUploading, JobPolling:
			return JobCancelled, nil
		}
	case JobEventExpire:
		if from.Valid() {
			return JobExpired, nil
		}
	}

	return from, eris.Wrapf(ErrInvalidTransition, "job cannot apply %s from %s", ev, from)
}

// OperationStatus is the last status reported by the extraction service.
type OperationStatus string

const (
	OperationRunning   OperationStatus = "running"
	OperationSucceeded OperationStatus = "succeeded"
	OperationFailed    OperationStatus = "failed"
)

// Job represents one unit of extraction work: a file or a split page.
type Job struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	SessionID   *string `json:"session_id,omitempty"`
	ParentJobID *string `json:"parent_job_id,omitempty"`
	ModelID     string  `json:"model_id"`

	Status JobStatus `json:"status"`

	FileName       string `json:"file_name"`
	FileSize       int64  `json:"file_size"`
	ContentType    string `json:"content_type,omitempty"`
	PageCount      int    `json:"page_count"`
	PagesProcessed int    `json:"pages_processed"`
	CreditsUsed    int64  `json:"credits_used"`
	BlobURL        string `json:"blob_url,omitempty"`

	OperationID      string          `json:"operation_id,omitempty"`
	OperationStatus  OperationStatus `json:"operation_status,omitempty"`
	PollingStartedAt *time.Time      `json:"polling_started_at,omitempty"`
	LastPolledAt     *time.Time      `json:"last_polled_at,omitempty"`
	PollAttempts     int             `json:"poll_attempts"`
	PollErrors       int             `json:"poll_errors"`

	Result      json.RawMessage `json:"result,omitempty"`
	ErrorKind   ErrorKind       `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	Fields      json.RawMessage `json:"fields,omitempty"`
	NeedsReview bool            `json:"needs_review"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	StoragePurgedAt *time.Time `json:"storage_purged_at,omitempty"`
}

// Standalone reports whether the job has no owning session.
func (j *Job) Standalone() bool {
	return j.SessionID == nil || *j.SessionID == ""
}

// TopLevel reports whether the job is an uploaded file rather than a split
// page child.
func (j *Job) TopLevel() bool {
	return j.ParentJobID == nil || *j.ParentJobID == ""
}

// Apply moves j to the status reached by ev. It returns the previous status,
// which callers use as the store's expected status.
func (j *Job) Apply(ev JobEvent, now time.Time) (JobStatus, error) {
	from := j.Status
	to, err := NextJobStatus(from, ev)
	if err != nil {
		return from, err
	}
	j.Status = to
	j.UpdatedAt = now
	if to.Terminal() {
		j.CompletedAt = &now
	}
	return from, nil
}

// Fail moves j to FAILED and records the error classification.
func (j *Job) Fail(cause error, now time.Time) (JobStatus, error) {
	from, err := j.Apply(JobEventFail, now)
	if err != nil {
		return from, err
	}
	j.ErrorKind = KindOf(cause)
	j.Error = cause.Error()
	return from, nil
}
