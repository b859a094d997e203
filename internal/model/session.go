package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// SessionStatus is the lifecycle state of a processing session.
type SessionStatus string

const (
	SessionUploading      SessionStatus = "UPLOADING"
	SessionProcessing     SessionStatus = "PROCESSING"
	SessionPostProcessing SessionStatus = "POST_PROCESSING"
	SessionCompleted      SessionStatus = "COMPLETED"
	SessionFailed         SessionStatus = "FAILED"
	SessionExpired        SessionStatus = "EXPIRED"
	SessionCancelled      SessionStatus = "CANCELLED"
)

// SessionStatuses lists every session status in lifecycle order.
var SessionStatuses = []SessionStatus{
	SessionUploading, SessionProcessing, SessionPostProcessing,
	SessionCompleted, SessionFailed, SessionExpired, SessionCancelled,
}

// Terminal reports whether no further transition may leave s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionExpired, SessionCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	for _, v := range SessionStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// AcceptsJobs reports whether new jobs may be added in status s.
func (s SessionStatus) AcceptsJobs() bool {
	return s == SessionUploading || s == SessionProcessing
}

// SessionEvent drives a session status transition.
type SessionEvent string

const (
	SessionEventStart               SessionEvent = "start"
	SessionEventSettle              SessionEvent = "settle"
	SessionEventConsolidated        SessionEvent = "consolidated"
	SessionEventConsolidationFailed SessionEvent = "consolidation_failed"
	SessionEventCancel              SessionEvent = "cancel"
	SessionEventExpire              SessionEvent = "expire"
)

// SessionEvents lists every session event.
var SessionEvents = []SessionEvent{
	SessionEventStart, SessionEventSettle, SessionEventConsolidated,
	SessionEventConsolidationFailed, SessionEventCancel, SessionEventExpire,
}

// NextSessionStatus returns the status reached by applying ev to from, or an
// error wrapping ErrInvalidTransition.
func NextSessionStatus(from SessionStatus, ev SessionEvent) (SessionStatus, error) {
	if from.Terminal() {
		return from, eris.Wrapf(ErrInvalidTransition, "session %s is terminal, cannot apply %s", from, ev)
	}

	switch ev {
	case SessionEventStart:
		if from == SessionUploading {
			return SessionProcessing, nil
		}
	case SessionEventSettle:
		if from == SessionUploading || from == SessionProcessing {
			return SessionPostProcessing, nil
		}
	case SessionEventConsolidated:
		if from == SessionPostProcessing {
			return SessionCompleted, nil
		}
	case SessionEventConsolidationFailed:
		if from == SessionPostProcessing {
			return SessionFailed, nil
		}
	case SessionEventCancel:
		if from.Valid() {
			return SessionCancelled, nil
		}
	case SessionEventExpire:
		if from.Valid() {
			return SessionExpired, nil
		}
	}

	return from, eris.Wrapf(ErrInvalidTransition, "session cannot apply %s from %s", ev, from)
}

// PostStatus tracks consolidation progress while a session is
// POST_PROCESSING.
type PostStatus string

const (
	PostNone        PostStatus = ""
	PostArchiving   PostStatus = "ARCHIVING"
	PostSpreadsheet PostStatus = "SPREADSHEET"
	PostDone        PostStatus = "DONE"
	PostError       PostStatus = "ERROR"
)

// Session represents one user-initiated batch of jobs sharing a storage
// prefix.
type Session struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"owner_id"`
	Name           string        `json:"name"`
	TotalFiles     int           `json:"total_files"`
	TotalPages     int           `json:"total_pages"`
	ProcessedPages int           `json:"processed_pages"`
	Status         SessionStatus `json:"status"`
	StoragePrefix  string        `json:"storage_prefix"`

	ArchiveURL     string     `json:"archive_url,omitempty"`
	SpreadsheetURL string     `json:"spreadsheet_url,omitempty"`
	PostStatus     PostStatus `json:"post_status,omitempty"`
	PostProcessed  int        `json:"post_processed"`
	Error          string     `json:"error,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	StoragePurgedAt *time.Time `json:"storage_purged_at,omitempty"`
}

// Apply moves s to the status reached by ev and returns the previous status.
func (s *Session) Apply(ev SessionEvent, now time.Time) (SessionStatus, error) {
	from := s.Status
	to, err := NextSessionStatus(from, ev)
	if err != nil {
		return from, err
	}
	s.Status = to
	s.UpdatedAt = now
	return from, nil
}

// SessionPrefix returns the blob key prefix scoping every object of a
// session.
func SessionPrefix(sessionID string) string {
	return "sessions/" + sessionID + "/"
}

// JobPrefix returns the blob key prefix for a standalone job.
func JobPrefix(jobID string) string {
	return "jobs/" + jobID + "/"
}
