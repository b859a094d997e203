// Package ledger moves credits. Every balance change is an append-only
// transaction applied by the store together with the balance update, so the
// sum of COMPLETED entries always equals the cached balance.
package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

// Direction selects whether an admin adjustment adds or removes credits.
type Direction string

const (
	Add    Direction = "add"
	Remove Direction = "remove"
)

// Ledger is the only component that creates transactions.
type Ledger struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger backed by st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: st,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "ledger")),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) entry(userID string, typ model.TransactionType, credits int64, status model.TransactionStatus, reason string) *model.Transaction {
	return &model.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        typ,
		Credits:     credits,
		Status:      status,
		Description: reason,
		CreatedAt:   l.now().UTC(),
	}
}

// UsageEntry builds the COMPLETED USAGE debit for amount pages of refJobID.
// The job machine hands it to Store.UpdateJob so the debit commits with the
// job completion.
func (l *Ledger) UsageEntry(userID string, amount int64, reason, refJobID string) (*model.Transaction, error) {
	if amount <= 0 {
		return nil, eris.Wrapf(model.ErrValidation, "charge amount must be positive, got %d", amount)
	}
	txn := l.entry(userID, model.TxUsage, -amount, model.TxCompleted, reason)
	if refJobID != "" {
		txn.RefJobID = &refJobID
	}
	return txn, nil
}

// Charge debits amount credits from userID. On ErrInsufficientCredits
// nothing is written.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int64, reason, refJobID string) (*model.Transaction, error) {
	txn, err := l.UsageEntry(userID, amount, reason, refJobID)
	if err != nil {
		return nil, err
	}
	if _, err := l.store.ApplyTransaction(ctx, txn); err != nil {
		return nil, eris.Wrapf(err, "ledger: charge user %s", userID)
	}
	l.log.Info("charged",
		zap.String("user_id", userID),
		zap.Int64("credits", amount),
		zap.String("ref_job_id", refJobID),
		zap.Int64p("balance_after", txn.BalanceAfter),
	)
	return txn, nil
}

// Adjust adds or removes credits on an admin's authority.
func (l *Ledger) Adjust(ctx context.Context, adminID, userID string, dir Direction, amount int64, reason string) (*model.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, eris.Wrap(model.ErrValidation, "adjustment reason is required")
	}
	if amount <= 0 {
		return nil, eris.Wrapf(model.ErrValidation, "adjustment amount must be positive, got %d", amount)
	}

	admin, err := l.store.GetUser(ctx, adminID)
	if err != nil {
		if eris.Is(err, model.ErrNotFound) {
			return nil, eris.Wrapf(model.ErrAccessDenied, "unknown admin %s", adminID)
		}
		return nil, eris.Wrap(err, "ledger: load admin")
	}
	if !admin.IsAdmin() {
		return nil, eris.Wrapf(model.ErrAccessDenied, "user %s is not an active admin", adminID)
	}

	var txn *model.Transaction
	switch dir {
	case Add:
		txn = l.entry(userID, model.TxAdminCredit, amount, model.TxCompleted, reason)
	case Remove:
		txn = l.entry(userID, model.TxAdminDebit, -amount, model.TxCompleted, reason)
	default:
		return nil, eris.Wrapf(model.ErrValidation, "unknown adjustment direction %q", dir)
	}
	txn.ActorID = &admin.ID

	if _, err := l.store.ApplyTransaction(ctx, txn); err != nil {
		return nil, eris.Wrapf(err, "ledger: adjust user %s", userID)
	}
	l.log.Info("admin adjustment",
		zap.String("admin_id", adminID),
		zap.String("user_id", userID),
		zap.String("direction", string(dir)),
		zap.Int64("credits", amount),
	)
	return txn, nil
}

// Refund reverses a COMPLETED USAGE transaction. Each transaction can be
// refunded once; the store's unique index on refunds backs the check below
// under concurrency.
func (l *Ledger) Refund(ctx context.Context, txID, reason, actorID string) (*model.Transaction, error) {
	orig, err := l.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: load transaction")
	}
	if orig.Type != model.TxUsage || orig.Status != model.TxCompleted {
		return nil, eris.Wrapf(model.ErrValidation, "only completed usage can be refunded, %s is %s %s", txID, orig.Status, orig.Type)
	}

	existing, err := l.store.FindRefund(ctx, txID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: find refund")
	}
	if existing != nil {
		return nil, eris.Wrapf(model.ErrAlreadyRefunded, "transaction %s refunded by %s", txID, existing.ID)
	}

	if strings.TrimSpace(reason) == "" {
		reason = "refund of " + txID
	}
	refund := l.entry(orig.UserID, model.TxRefund, -orig.Credits, model.TxCompleted, reason)
	refund.RefTransactionID = &orig.ID
	refund.RefJobID = orig.RefJobID
	if actorID != "" {
		refund.ActorID = &actorID
	}

	if _, err := l.store.ApplyTransaction(ctx, refund); err != nil {
		return nil, eris.Wrapf(err, "ledger: refund %s", txID)
	}
	l.log.Info("refunded", zap.String("transaction_id", txID), zap.Int64("credits", refund.Credits))
	return refund, nil
}

// Credit grants free credits as a BONUS or MANUAL_ADJUSTMENT.
func (l *Ledger) Credit(ctx context.Context, userID string, typ model.TransactionType, amount int64, reason string) (*model.Transaction, error) {
	if typ != model.TxBonus && typ != model.TxManualAdjustment {
		return nil, eris.Wrapf(model.ErrValidation, "credit type must be BONUS or MANUAL_ADJUSTMENT, got %s", typ)
	}
	if amount <= 0 {
		return nil, eris.Wrapf(model.ErrValidation, "credit amount must be positive, got %d", amount)
	}
	txn := l.entry(userID, typ, amount, model.TxCompleted, reason)
	if _, err := l.store.ApplyTransaction(ctx, txn); err != nil {
		return nil, eris.Wrapf(err, "ledger: credit user %s", userID)
	}
	return txn, nil
}

// RecordPurchase records a PENDING purchase. The balance is untouched until
// SettlePurchase completes it.
func (l *Ledger) RecordPurchase(ctx context.Context, userID string, credits, amountCents int64, reference string) (*model.Transaction, error) {
	if credits <= 0 {
		return nil, eris.Wrapf(model.ErrValidation, "purchase credits must be positive, got %d", credits)
	}
	if amountCents < 0 {
		return nil, eris.Wrapf(model.ErrValidation, "purchase amount must not be negative, got %d", amountCents)
	}

	txn := l.entry(userID, model.TxPurchase, credits, model.TxPending, "credit purchase")
	txn.AmountCents = &amountCents
	if reference != "" {
		meta, err := json.Marshal(map[string]string{"reference": reference})
		if err != nil {
			return nil, eris.Wrap(err, "ledger: marshal purchase metadata")
		}
		txn.Metadata = meta
	}

	if _, err := l.store.ApplyTransaction(ctx, txn); err != nil {
		return nil, eris.Wrapf(err, "ledger: record purchase for %s", userID)
	}
	return txn, nil
}

// SettlePurchase completes (paid) or fails a PENDING purchase. Settling twice
// returns ErrConflict.
func (l *Ledger) SettlePurchase(ctx context.Context, txID string, paid bool) (*model.Transaction, error) {
	txn, err := l.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: load purchase")
	}
	if txn.Type != model.TxPurchase {
		return nil, eris.Wrapf(model.ErrValidation, "transaction %s is %s, not a purchase", txID, txn.Type)
	}

	status := model.TxFailed
	if paid {
		status = model.TxCompleted
	}
	settled, err := l.store.SettleTransaction(ctx, txID, status, l.now().UTC())
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: settle purchase %s", txID)
	}
	l.log.Info("purchase settled", zap.String("transaction_id", txID), zap.String("status", string(status)))
	return settled, nil
}

// Reconcile compares userID's balance with its ledger.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*model.Reconciliation, error) {
	sums, err := l.store.LedgerSums(ctx, userID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: reconcile")
	}
	if len(sums) == 0 {
		return nil, eris.Wrapf(model.ErrNotFound, "user %s", userID)
	}
	return &sums[0], nil
}

// ReconcileAll returns every user whose balance disagrees with the ledger.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]model.Reconciliation, error) {
	sums, err := l.store.LedgerSums(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "ledger: reconcile all")
	}
	var drifted []model.Reconciliation
	for _, r := range sums {
		if !r.Balanced() {
			l.log.Warn("ledger drift", zap.String("user_id", r.UserID), zap.Int64("drift", r.Drift()))
			drifted = append(drifted, r)
		}
	}
	return drifted, nil
}

// History lists userID's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit, offset int) ([]model.Transaction, error) {
	txns, err := l.store.ListTransactions(ctx, store.TransactionFilter{UserID: userID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, eris.Wrap(err, "ledger: history")
	}
	return txns, nil
}

// Balance returns userID's cached balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Credits, nil
}
