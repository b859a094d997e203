package store

import (
	"context"
	"time"

	"github.com/sells-group/docflow/internal/model"
)

// UserFilter specifies criteria for listing users.
type UserFilter struct {
	// Query matches email or name, case-insensitively.
	Query string `json:"query,omitempty"`
	// ExcludeModelID drops users holding a usable grant on this model.
	ExcludeModelID string    `json:"exclude_model_id,omitempty"`
	ActiveOnly     bool      `json:"active_only,omitempty"`
	Now            time.Time `json:"-"`
	Limit          int       `json:"limit,omitempty"`
	Offset         int       `json:"offset,omitempty"`
}

// TransactionFilter specifies criteria for listing ledger entries.
type TransactionFilter struct {
	UserID string                `json:"user_id,omitempty"`
	Type   model.TransactionType `json:"type,omitempty"`
	RefJob string                `json:"ref_job,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Offset int                   `json:"offset,omitempty"`
}

// ExpiryCursor resumes an expiry listing after the last row returned.
type ExpiryCursor struct {
	ExpiresAt time.Time
	ID        string
}

// GrantFilter specifies criteria for listing access grants.
type GrantFilter struct {
	ModelID    string `json:"model_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	OwnerID string              `json:"owner_id,omitempty"`
	Status  model.SessionStatus `json:"status,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Offset  int                 `json:"offset,omitempty"`
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	OwnerID     string            `json:"owner_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	ParentJobID string            `json:"parent_job_id,omitempty"`
	Statuses    []model.JobStatus `json:"statuses,omitempty"`
	// PolledBefore selects jobs never polled or last polled before the
	// given time.
	PolledBefore *time.Time `json:"polled_before,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// Store defines the persistence interface for the lifecycle engine. Every
// status-changing write is conditioned on the status the caller observed.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]model.User, error)
	SetUserActive(ctx context.Context, id string, active bool, at time.Time) error

	// Extraction models
	UpsertModels(ctx context.Context, models []model.ExtractionModel) error
	GetModel(ctx context.Context, id string) (*model.ExtractionModel, error)
	ListModels(ctx context.Context) ([]model.ExtractionModel, error)

	// Ledger. ApplyTransaction is the only path that moves a balance.
	ApplyTransaction(ctx context.Context, txn *model.Transaction) (*model.User, error)
	SettleTransaction(ctx context.Context, id string, status model.TransactionStatus, at time.Time) (*model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	FindRefund(ctx context.Context, txnID string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error)
	LedgerSums(ctx context.Context, userID string) ([]model.Reconciliation, error)

	// Access grants
	UpsertGrant(ctx context.Context, g *model.ModelAccess) error
	GetGrant(ctx context.Context, modelID, userID string) (*model.ModelAccess, error)
	SetGrantActive(ctx context.Context, modelID, userID string, active bool, at time.Time) error
	ListGrants(ctx context.Context, filter GrantFilter) ([]model.ModelAccess, error)

	// Sessions
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSession(ctx context.Context, s *model.Session, expect model.SessionStatus) error
	RecountSession(ctx context.Context, id string, at time.Time) (*model.Session, error)
	SessionCredits(ctx context.Context, id string) (int64, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
	ListExpiredSessions(ctx context.Context, now time.Time, after *ExpiryCursor, limit int) ([]model.Session, error)
	MarkSessionPurged(ctx context.Context, id string, at time.Time) error

	// Jobs
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, j *model.Job, expect model.JobStatus, charge *model.Transaction) error
	SplitJob(ctx context.Context, parent *model.Job, expect model.JobStatus, children []model.Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	CountActiveJobs(ctx context.Context, sessionID string) (int, error)
	ListExpiredJobs(ctx context.Context, now time.Time, after *ExpiryCursor, limit int) ([]model.Job, error)
	MarkJobPurged(ctx context.Context, id string, at time.Time) error
	JobStats(ctx context.Context, since time.Time) (map[model.JobStatus]int, error)

	// Cleanup log
	StartCleanup(ctx context.Context, now time.Time, staleAfter time.Duration) (*model.CleanupLog, error)
	FinishCleanup(ctx context.Context, log *model.CleanupLog) error
	ListCleanupLogs(ctx context.Context, limit int) ([]model.CleanupLog, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
