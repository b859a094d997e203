package model

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrorKindNone},
		{"validation", eris.Wrap(ErrValidation, "file too large"), ErrorKindValidation},
		{"access", eris.Wrapf(ErrAccessDenied, "model %s", "m1"), ErrorKindAccessDenied},
		{"credits", eris.Wrap(ErrInsufficientCredits, "charge"), ErrorKindInsufficientCredits},
		{"submission", eris.Wrap(ErrSubmission, "rejected"), ErrorKindSubmission},
		{"poll", eris.Wrap(ErrPoll, "5xx"), ErrorKindPoll},
		{"timeout", ErrTimeout, ErrorKindTimeout},
		{"storage", eris.Wrap(ErrStorage, "delete"), ErrorKindStorage},
		{"refunded", eris.Wrap(ErrAlreadyRefunded, "tx"), ErrorKindConflict},
		{"not found", eris.Wrap(ErrNotFound, "job"), ErrorKindNotFound},
		{"extraction", eris.Wrap(ErrExtraction, "bad scan"), ErrorKindExtraction},
		{"unknown", eris.New("boom"), ErrorKindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestModelAccessUsable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name  string
		grant *ModelAccess
		want  bool
	}{
		{"nil grant", nil, false},
		{"active no expiry", &ModelAccess{Active: true}, true},
		{"active future expiry", &ModelAccess{Active: true, ExpiresAt: &future}, true},
		{"active past expiry", &ModelAccess{Active: true, ExpiresAt: &past}, false},
		{"active expiry exactly now", &ModelAccess{Active: true, ExpiresAt: &now}, false},
		{"revoked", &ModelAccess{Active: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.grant.Usable(now))
		})
	}
}

func TestReconciliation(t *testing.T) {
	t.Parallel()

	r := Reconciliation{Balance: 100, LedgerSum: 100}
	assert.True(t, r.Balanced())

	r.LedgerSum = 90
	assert.Equal(t, int64(10), r.Drift())
	assert.False(t, r.Balanced())
}

func TestUserIsAdmin(t *testing.T) {
	t.Parallel()

	assert.True(t, (&User{Role: RoleAdmin, Active: true}).IsAdmin())
	assert.False(t, (&User{Role: RoleAdmin, Active: false}).IsAdmin())
	assert.False(t, (&User{Role: RoleUser, Active: true}).IsAdmin())

	var u *User
	assert.False(t, u.IsAdmin())
}

func TestPrefixes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sessions/abc/", SessionPrefix("abc"))
	assert.Equal(t, "jobs/xyz/", JobPrefix("xyz"))
}
