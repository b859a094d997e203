package model

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Sentinel errors shared by every lifecycle component. Call sites wrap them
// with eris.Wrapf so errors.Is keeps working through the chain.
var (
	ErrValidation          = eris.New("validation failed")
	ErrAccessDenied        = eris.New("access denied")
	ErrInsufficientCredits = eris.New("insufficient credits")
	ErrSubmission          = eris.New("extraction submission failed")
	ErrPoll                = eris.New("extraction poll failed")
	ErrTimeout             = eris.New("extraction timed out")
	ErrStorage             = eris.New("storage operation failed")
	ErrConflict            = eris.New("concurrent modification")
	ErrNotFound            = eris.New("not found")
	ErrInvalidTransition   = eris.New("invalid status transition")
	ErrAlreadyRefunded     = eris.New("transaction already refunded")
	ErrSweepInProgress     = eris.New("cleanup sweep already running")
	ErrExtraction          = eris.New("extraction reported failure")
	ErrConsolidation       = eris.New("consolidation failed")
)

// ErrorKind is the closed set of error categories recorded on failed jobs
// and sessions.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindValidation          ErrorKind = "validation"
	ErrorKindAccessDenied        ErrorKind = "access_denied"
	ErrorKindInsufficientCredits ErrorKind = "insufficient_credits"
	ErrorKindSubmission          ErrorKind = "submission"
	ErrorKindPoll                ErrorKind = "poll"
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindStorage             ErrorKind = "storage"
	ErrorKindConflict            ErrorKind = "conflict"
	ErrorKindNotFound            ErrorKind = "not_found"
	ErrorKindExtraction          ErrorKind = "extraction"
	ErrorKindConsolidation       ErrorKind = "consolidation"
	ErrorKindInternal            ErrorKind = "internal"
)

var kindSentinels = []struct {
	err  error
	kind ErrorKind
}{
	{ErrValidation, ErrorKindValidation},
	{ErrAccessDenied, ErrorKindAccessDenied},
	{ErrInsufficientCredits, ErrorKindInsufficientCredits},
	{ErrSubmission, ErrorKindSubmission},
	{ErrPoll, ErrorKindPoll},
	{ErrTimeout, ErrorKindTimeout},
	{ErrStorage, ErrorKindStorage},
	{ErrConflict, ErrorKindConflict},
	{ErrAlreadyRefunded, ErrorKindConflict},
	{ErrInvalidTransition, ErrorKindConflict},
	{ErrSweepInProgress, ErrorKindConflict},
	{ErrNotFound, ErrorKindNotFound},
	{ErrExtraction, ErrorKindExtraction},
	{ErrConsolidation, ErrorKindConsolidation},
}

// KindOf classifies err against the sentinel taxonomy. Unknown errors are
// internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return ErrorKindInternal
}
