package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
	"github.com/sells-group/docflow/internal/store/storetest"
)

func setup(t *testing.T) (*ledger.Ledger, store.Store) {
	t.Helper()
	st := storetest.NewSQLite(t)
	return ledger.New(st), st
}

func requireReconciled(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	drifted, err := l.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifted)
}

func TestCharge(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, st, model.RoleUser, 10)

	txn, err := l.Charge(ctx, u.ID, 3, "3 pages", "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.TxUsage, txn.Type)
	assert.Equal(t, int64(-3), txn.Credits)
	require.NotNil(t, txn.RefJobID)
	assert.Equal(t, "job-1", *txn.RefJobID)

	bal, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal)
	requireReconciled(t, l)
}

func TestCharge_Validation(t *testing.T) {
	l, st := setup(t)
	u := storetest.SeedUser(t, st, model.RoleUser, 10)

	for _, amount := range []int64{0, -5} {
		_, err := l.Charge(context.Background(), u.ID, amount, "x", "")
		assert.ErrorIs(t, err, model.ErrValidation)
	}
}

func TestCharge_InsufficientLeavesLedgerUntouched(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, st, model.RoleUser, 2)

	_, err := l.Charge(ctx, u.ID, 3, "3 pages", "")
	require.ErrorIs(t, err, model.ErrInsufficientCredits)
	assert.Equal(t, model.ErrorKindInsufficientCredits, model.KindOf(err))

	bal, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)

	history, err := l.History(ctx, u.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "only the seed bonus")
}

func TestCharge_ConcurrentNeverOverdraws(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, st, model.RoleUser, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Charge(ctx, u.ID, 1, "page", ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	bal, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, bal)
	requireReconciled(t, l)
}

func TestAdjust(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	admin := storetest.SeedUser(t, st, model.RoleAdmin, 0)
	u := storetest.SeedUser(t, st, model.RoleUser, 0)

	txn, err := l.Adjust(ctx, admin.ID, u.ID, ledger.Add, 50, "  goodwill ")
	require.NoError(t, err)
	assert.Equal(t, model.TxAdminCredit, txn.Type)
	assert.Equal(t, "goodwill", txn.Description)
	require.NotNil(t, txn.ActorID)
	assert.Equal(t, admin.ID, *txn.ActorID)

	txn, err = l.Adjust(ctx, admin.ID, u.ID, ledger.Remove, 20, "correction")
	require.NoError(t, err)
	assert.Equal(t, model.TxAdminDebit, txn.Type)
	assert.Equal(t, int64(-20), txn.Credits)

	_, err = l.Adjust(ctx, admin.ID, u.ID, ledger.Remove, 31, "too much")
	assert.ErrorIs(t, err, model.ErrInsufficientCredits)

	bal, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), bal)
	requireReconciled(t, l)
}

func TestAdjust_Rejections(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	admin := storetest.SeedUser(t, st, model.RoleAdmin, 0)
	notAdmin := storetest.SeedUser(t, st, model.RoleUser, 0)
	u := storetest.SeedUser(t, st, model.RoleUser, 0)

	_, err := l.Adjust(ctx, notAdmin.ID, u.ID, ledger.Add, 5, "x")
	assert.ErrorIs(t, err, model.ErrAccessDenied)

	_, err = l.Adjust(ctx, "ghost", u.ID, ledger.Add, 5, "x")
	assert.ErrorIs(t, err, model.ErrAccessDenied)

	_, err = l.Adjust(ctx, admin.ID, u.ID, ledger.Add, 5, "   ")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = l.Adjust(ctx, admin.ID, u.ID, ledger.Add, 0, "x")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = l.Adjust(ctx, admin.ID, u.ID, "sideways", 5, "x")
	assert.ErrorIs(t, err, model.ErrValidation)

	require.NoError(t, st.SetUserActive(ctx, admin.ID, false, time.Now()))
	_, err = l.Adjust(ctx, admin.ID, u.ID, ledger.Add, 5, "x")
	assert.ErrorIs(t, err, model.ErrAccessDenied)
}

func TestRefund(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, st, model.RoleUser, 10)

	charge, err := l.Charge(ctx, u.ID, 4, "4 pages", "job-9")
	require.NoError(t, err)

	refund, err := l.Refund(ctx, charge.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, model.TxRefund, refund.Type)
	assert.Equal(t, int64(4), refund.Credits)
	require.NotNil(t, refund.RefTransactionID)
	assert.Equal(t, charge.ID, *refund.RefTransactionID)
	assert.Contains(t, refund.Description, charge.ID)

	_, err = l.Refund(ctx, charge.ID, "again", "")
	assert.ErrorIs(t, err, model.ErrAlreadyRefunded)
	assert.Equal(t, model.ErrorKindConflict, model.KindOf(err))

	bal, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)
	requireReconciled(t, l)
}

func TestRefund_OnlyUsage(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, st, model.RoleUser, 0)

	bonus, err := l.Credit(ctx, u.ID, model.TxBonus, 5, "welcome")
	require.NoError(t, err)

	_, err = l.Refund(ctx, bonus.ID, "", "")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = l.Refund(ctx, "missing", "", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCredit_Types(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, st, model.RoleUser, 0)

	_, err := l.Credit(ctx, u.ID, model.TxManualAdjustment, 3, "support ticket")
	require.NoError(t, err)
	_, err = l.Credit(ctx, u.ID, model.TxUsage, 3, "no")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = l.Credit(ctx, u.ID, model.TxBonus, 0, "no")
	assert.ErrorIs(t, err, model.ErrValidation)

	bal, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal)
}

func TestPurchase_SettlesOnce(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, st, model.RoleUser, 0)

	p, err := l.RecordPurchase(ctx, u.ID, 100, 1999, "inv-42")
	require.NoError(t, err)
	assert.Equal(t, model.TxPending, p.Status)
	assert.JSONEq(t, `{"reference":"inv-42"}`, string(p.Metadata))

	bal, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, bal)

	settled, err := l.SettlePurchase(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.TxCompleted, settled.Status)

	_, err = l.SettlePurchase(ctx, p.ID, true)
	assert.ErrorIs(t, err, model.ErrConflict)

	bal, err = l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
	requireReconciled(t, l)
}

func TestPurchase_Failed(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, st, model.RoleUser, 0)

	p, err := l.RecordPurchase(ctx, u.ID, 100, 1999, "")
	require.NoError(t, err)
	assert.Empty(t, p.Metadata)

	settled, err := l.SettlePurchase(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.TxFailed, settled.Status)

	bal, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, bal)

	_, err = l.RecordPurchase(ctx, u.ID, 0, 100, "")
	assert.ErrorIs(t, err, model.ErrValidation)

	charge, err := l.Credit(ctx, u.ID, model.TxBonus, 1, "x")
	require.NoError(t, err)
	_, err = l.SettlePurchase(ctx, charge.ID, true)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestReconcile(t *testing.T) {
	l, st := setup(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, st, model.RoleUser, 8)

	r, err := l.Reconcile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), r.Balance)
	assert.True(t, r.Balanced())

	_, err = l.Reconcile(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUsageEntry(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := ledger.New(nil, ledger.WithClock(func() time.Time { return fixed }))

	txn, err := l.UsageEntry("u1", 2, "2 pages", "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), txn.Credits)
	assert.Equal(t, model.TxCompleted, txn.Status)
	assert.Equal(t, fixed, txn.CreatedAt)
	assert.NotEmpty(t, txn.ID)

	txn, err = l.UsageEntry("u1", 1, "", "")
	require.NoError(t, err)
	assert.Nil(t, txn.RefJobID)

	_, err = l.UsageEntry("u1", 0, "", "")
	assert.ErrorIs(t, err, model.ErrValidation)
}
