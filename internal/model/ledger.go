package model

import (
	"encoding/json"
	"time"
)

// Role is a user's authorization level.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User is an account holder with a cached credit balance. Credits only move
// through ledger transactions.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAdmin reports whether u is an active administrator.
func (u *User) IsAdmin() bool {
	return u != nil && u.Active && u.Role == RoleAdmin
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxPurchase         TransactionType = "PURCHASE"
	TxUsage            TransactionType = "USAGE"
	TxRefund           TransactionType = "REFUND"
	TxAdminCredit      TransactionType = "ADMIN_CREDIT"
	TxAdminDebit       TransactionType = "ADMIN_DEBIT"
	TxBonus            TransactionType = "BONUS"
	TxManualAdjustment TransactionType = "MANUAL_ADJUSTMENT"
)

// TransactionStatus is the settlement state of a ledger entry.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	TxRefunded  TransactionStatus = "REFUNDED"
)

// Transaction is an immutable ledger entry. Credits is the signed delta
// applied to the owner's balance once the entry is COMPLETED.
type Transaction struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Type             TransactionType   `json:"type"`
	Credits          int64             `json:"credits"`
	AmountCents      *int64            `json:"amount_cents,omitempty"`
	Status           TransactionStatus `json:"status"`
	Description      string            `json:"description"`
	Metadata         json.RawMessage   `json:"metadata,omitempty"`
	RefJobID         *string           `json:"ref_job_id,omitempty"`
	RefTransactionID *string           `json:"ref_transaction_id,omitempty"`
	ActorID          *string           `json:"actor_id,omitempty"`
	BalanceAfter     *int64            `json:"balance_after,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Reconciliation compares a user's cached balance with the ledger sum.
type Reconciliation struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledger_sum"`
}

// Drift is the amount by which the cached balance disagrees with the ledger.
func (r Reconciliation) Drift() int64 {
	return r.Balance - r.LedgerSum
}

// Balanced reports whether the reconciliation invariant holds.
func (r Reconciliation) Balanced() bool {
	return r.Drift() == 0
}
