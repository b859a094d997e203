package model

import (
	"encoding/json"
	"time"
)

// ExtractionModel is a shared extraction configuration that jobs reference.
type ExtractionModel struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	ProviderModel string          `json:"provider_model" yaml:"provider_model"`
	Description   string          `json:"description,omitempty" yaml:"description"`
	MaxPages      int             `json:"max_pages" yaml:"max_pages"`
	FieldSchema   json.RawMessage `json:"field_schema,omitempty" yaml:"-"`
	Active        bool            `json:"active" yaml:"active"`
}

// ModelAccess grants one user the use of one extraction model.
type ModelAccess struct {
	ModelID    string     `json:"model_id"`
	UserID     string     `json:"user_id"`
	GrantedBy  *string    `json:"granted_by,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
	CustomName *string    `json:"custom_name,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Usable reports whether the grant may be used at now. Expiry is evaluated
// here rather than by any background process.
func (g *ModelAccess) Usable(now time.Time) bool {
	if g == nil || !g.Active {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// CleanupStatus is the outcome of a cleanup sweep.
type CleanupStatus string

const (
	CleanupRunning             CleanupStatus = "RUNNING"
	CleanupCompleted           CleanupStatus = "COMPLETED"
	CleanupCompletedWithErrors CleanupStatus = "COMPLETED_WITH_ERRORS"
	CleanupFailed              CleanupStatus = "FAILED"
)

// CleanupLog is the append-only record of one sweep.
type CleanupLog struct {
	ID              string        `json:"id"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	SessionsExpired int           `json:"sessions_expired"`
	JobsExpired     int           `json:"jobs_expired"`
	BlobsDeleted    int           `json:"blobs_deleted"`
	Error           string        `json:"error,omitempty"`
	Status          CleanupStatus `json:"status"`
}
