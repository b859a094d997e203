package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/model"
)

// row and rows are the common surface of pgx and database/sql results.
type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn executes '?'-placeholder SQL against a pool, a database or an open
// transaction.
type conn interface {
	exec(ctx context.Context, q string, args ...any) (int64, error)
	query(ctx context.Context, q string, args ...any) (rows, error)
	queryRow(ctx context.Context, q string, args ...any) row
}

// dialect captures what differs between Postgres and SQLite.
type dialect struct {
	name string
	// forUpdate is appended to row reads that must lock inside a transaction.
	forUpdate string
	timeArg   func(time.Time) any
	scanTime  func(dst any) any
	// unique reports a unique-constraint violation.
	unique func(error) bool
	// lockCleanup serializes cleanup log bookkeeping across processes.
	lockCleanup func(ctx context.Context, c conn) error
	// insertJobs bulk-inserts split children; nil falls back to row inserts.
	insertJobs func(ctx context.Context, c conn, jobs []model.Job) error
}

// core holds the SQL shared by both stores.
type core struct {
	d    dialect
	c    conn
	inTx func(ctx context.Context, fn func(c conn) error) error
}

func (s *core) wrap(err error, msg string) error {
	return eris.Wrap(err, s.d.name+": "+msg)
}

func (s *core) wrapf(err error, format string, args ...any) error {
	return eris.Wrapf(err, s.d.name+": "+format, args...)
}

func (s *core) t(t time.Time) any {
	return s.d.timeArg(t)
}

func (s *core) nt(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.d.timeArg(*t)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullString(p *string) any {
	if p == nil || *p == "" {
		return nil
	}
	return *p
}

// inStatuses renders a closed set of status constants as a SQL list.
func inStatuses[T ~string](statuses []T) string {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}

var (
	activeJobs       = inStatuses(model.NonTerminalJobStatuses())
	terminalSessions = inStatuses([]model.SessionStatus{model.SessionCompleted, model.SessionFailed, model.SessionExpired, model.SessionCancelled})
)

// rebind converts '?' placeholders to Postgres '$n' form.
func rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func pageClause(limit, offset int) string {
	if limit <= 0 {
		limit = 100
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

// --- Users ---

const userColumns = `id, email, name, role, active, credits, created_at, updated_at`

func (s *core) scanUser(r row) (*model.User, error) {
	var u model.User
	err := r.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Active, &u.Credits,
		s.d.scanTime(&u.CreatedAt), s.d.scanTime(&u.UpdatedAt))
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *core) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.c.exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.Role, u.Active, u.Credits, s.t(u.CreatedAt), s.t(u.UpdatedAt))
	if err != nil {
		if s.d.unique(err) {
			return eris.Wrapf(model.ErrConflict, "%s: user %s already exists", s.d.name, u.Email)
		}
		return s.wrap(err, "create user")
	}
	return nil
}

func (s *core) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, s.c, id, "")
}

func (s *core) getUser(ctx context.Context, c conn, id, lock string) (*model.User, error) {
	u, err := s.scanUser(c.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`+lock, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "user %s", id)
	}
	if err != nil {
		return nil, s.wrap(err, "get user")
	}
	return u, nil
}

func (s *core) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := s.scanUser(s.c.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER(?)`, email))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "user %s", email)
	}
	if err != nil {
		return nil, s.wrap(err, "get user by email")
	}
	return u, nil
}

// likeEscaper makes user input match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *core) ListUsers(ctx context.Context, f UserFilter) ([]model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE 1=1`
	var args []any
	if f.Query != "" {
		like := "%" + likeEscaper.Replace(strings.ToLower(f.Query)) + "%"
		q += ` AND (LOWER(email) LIKE ? ESCAPE '\' OR LOWER(name) LIKE ? ESCAPE '\')`
		args = append(args, like, like)
	}
	if f.ActiveOnly {
		q += ` AND active`
	}
	if f.ExcludeModelID != "" {
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		q += ` AND NOT EXISTS (SELECT 1 FROM model_access g WHERE g.user_id = users.id AND g.model_id = ? AND g.active AND (g.expires_at IS NULL OR g.expires_at > ?))`
		args = append(args, f.ExcludeModelID, s.t(now))
	}
	q += ` ORDER BY email` + pageClause(f.Limit, f.Offset)

	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "list users")
	}
	defer rs.Close()

	var users []model.User
	for rs.Next() {
		u, err := s.scanUser(rs)
		if err != nil {
			return nil, s.wrap(err, "scan user")
		}
		users = append(users, *u)
	}
	return users, s.rowsErr(rs, "list users")
}

func (s *core) SetUserActive(ctx context.Context, id string, active bool, at time.Time) error {
	n, err := s.c.exec(ctx, `UPDATE users SET active = ?, updated_at = ? WHERE id = ?`, active, s.t(at), id)
	if err != nil {
		return s.wrap(err, "set user active")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "user %s", id)
	}
	return nil
}

func (s *core) rowsErr(rs rows, op string) error {
	if err := rs.Err(); err != nil {
		return s.wrap(err, op)
	}
	return nil
}

// --- Extraction models ---

const modelColumns = `id, name, provider_model, description, max_pages, field_schema, active`

func scanModel(r row) (*model.ExtractionModel, error) {
	var m model.ExtractionModel
	var schema []byte
	if err := r.Scan(&m.ID, &m.Name, &m.ProviderModel, &m.Description, &m.MaxPages, &schema, &m.Active); err != nil {
		return nil, err
	}
	m.FieldSchema = schema
	return &m, nil
}

func modelArgs(m *model.ExtractionModel) []any {
	return []any{m.ID, m.Name, m.ProviderModel, m.Description, m.MaxPages, nullJSON(m.FieldSchema), m.Active}
}

func (s *core) UpsertModels(ctx context.Context, models []model.ExtractionModel) error {
	return s.inTx(ctx, func(c conn) error {
		for i := range models {
			_, err := c.exec(ctx, `INSERT INTO extraction_models (`+modelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET name = excluded.name, provider_model = excluded.provider_model,
				description = excluded.description, max_pages = excluded.max_pages,
				field_schema = excluded.field_schema, active = excluded.active`,
				modelArgs(&models[i])...)
			if err != nil {
				return s.wrapf(err, "upsert model %s", models[i].ID)
			}
		}
		return nil
	})
}

func (s *core) GetModel(ctx context.Context, id string) (*model.ExtractionModel, error) {
	m, err := scanModel(s.c.queryRow(ctx, `SELECT `+modelColumns+` FROM extraction_models WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "extraction model %s", id)
	}
	if err != nil {
		return nil, s.wrap(err, "get model")
	}
	return m, nil
}

func (s *core) ListModels(ctx context.Context) ([]model.ExtractionModel, error) {
	rs, err := s.c.query(ctx, `SELECT `+modelColumns+` FROM extraction_models ORDER BY id`)
	if err != nil {
		return nil, s.wrap(err, "list models")
	}
	defer rs.Close()

	var out []model.ExtractionModel
	for rs.Next() {
		m, err := scanModel(rs)
		if err != nil {
			return nil, s.wrap(err, "scan model")
		}
		out = append(out, *m)
	}
	return out, s.rowsErr(rs, "list models")
}

// --- Ledger ---

const txColumns = `id, user_id, tx_type, credits, amount_cents, status, description, metadata,
	ref_job_id, ref_transaction_id, actor_id, balance_after, created_at`

func (s *core) scanTx(r row) (*model.Transaction, error) {
	var t model.Transaction
	var meta []byte
	err := r.Scan(&t.ID, &t.UserID, &t.Type, &t.Credits, &t.AmountCents, &t.Status, &t.Description, &meta,
		&t.RefJobID, &t.RefTransactionID, &t.ActorID, &t.BalanceAfter, s.d.scanTime(&t.CreatedAt))
	if err != nil {
		return nil, err
	}
	t.Metadata = meta
	return &t, nil
}

// ApplyTransaction records txn. A COMPLETED entry moves the owner's balance
// by txn.Credits in the same database transaction, under a row lock on the
// user; a debit that would leave the balance negative fails with
// ErrInsufficientCredits and nothing is written.
func (s *core) ApplyTransaction(ctx context.Context, txn *model.Transaction) (*model.User, error) {
	var user *model.User
	err := s.inTx(ctx, func(c conn) error {
		u, err := s.applyTx(ctx, c, txn)
		user = u
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *core) applyTx(ctx context.Context, c conn, txn *model.Transaction) (*model.User, error) {
	u, err := s.getUser(ctx, c, txn.UserID, s.d.forUpdate)
	if err != nil {
		return nil, err
	}

	if txn.Status == model.TxCompleted {
		balance := u.Credits + txn.Credits
		if txn.Credits < 0 && balance < 0 {
			return nil, eris.Wrapf(model.ErrInsufficientCredits,
				"user %s has %d credits, %s needs %d", u.ID, u.Credits, txn.Type, -txn.Credits)
		}
		txn.BalanceAfter = &balance
	}

	_, err = c.exec(ctx, `INSERT INTO transactions (`+txColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.UserID, txn.Type, txn.Credits, txn.AmountCents, txn.Status, txn.Description,
		nullJSON(txn.Metadata), nullString(txn.RefJobID), nullString(txn.RefTransactionID),
		nullString(txn.ActorID), txn.BalanceAfter, s.t(txn.CreatedAt))
	if err != nil {
		if s.d.unique(err) && txn.Type == model.TxRefund {
			return nil, eris.Wrapf(model.ErrAlreadyRefunded, "transaction %s", derefString(txn.RefTransactionID))
		}
		return nil, s.wrap(err, "insert transaction")
	}

	if txn.Status != model.TxCompleted {
		return u, nil
	}

	u.Credits = *txn.BalanceAfter
	u.UpdatedAt = txn.CreatedAt
	if _, err := c.exec(ctx, `UPDATE users SET credits = ?, updated_at = ? WHERE id = ?`,
		u.Credits, s.t(u.UpdatedAt), u.ID); err != nil {
		return nil, s.wrap(err, "update balance")
	}
	return u, nil
}

func newID() string {
	return uuid.NewString()
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// SettleTransaction moves a PENDING entry to COMPLETED (applying its credits
// to the balance) or FAILED.
func (s *core) SettleTransaction(ctx context.Context, id string, status model.TransactionStatus, at time.Time) (*model.Transaction, error) {
	if status != model.TxCompleted && status != model.TxFailed {
		return nil, eris.Wrapf(model.ErrValidation, "cannot settle transaction to %s", status)
	}

	var out *model.Transaction
	err := s.inTx(ctx, func(c conn) error {
		txn, err := s.scanTx(c.queryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`+s.d.forUpdate, id))
		if isNoRows(err) {
			return eris.Wrapf(model.ErrNotFound, "transaction %s", id)
		}
		if err != nil {
			return s.wrap(err, "get transaction")
		}
		if txn.Status != model.TxPending {
			return eris.Wrapf(model.ErrConflict, "transaction %s is %s", id, txn.Status)
		}

		if status == model.TxCompleted {
			u, err := s.getUser(ctx, c, txn.UserID, s.d.forUpdate)
			if err != nil {
				return err
			}
			balance := u.Credits + txn.Credits
			if balance < 0 {
				return eris.Wrapf(model.ErrInsufficientCredits, "user %s has %d credits", u.ID, u.Credits)
			}
			if _, err := c.exec(ctx, `UPDATE users SET credits = ?, updated_at = ? WHERE id = ?`,
				balance, s.t(at), u.ID); err != nil {
				return s.wrap(err, "update balance")
			}
			txn.BalanceAfter = &balance
		}

		n, err := c.exec(ctx, `UPDATE transactions SET status = ?, balance_after = ? WHERE id = ? AND status = ?`,
			status, txn.BalanceAfter, id, model.TxPending)
		if err != nil {
			return s.wrap(err, "settle transaction")
		}
		if n == 0 {
			return eris.Wrapf(model.ErrConflict, "transaction %s settled concurrently", id)
		}
		txn.Status = status
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *core) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	txn, err := s.scanTx(s.c.queryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "transaction %s", id)
	}
	if err != nil {
		return nil, s.wrap(err, "get transaction")
	}
	return txn, nil
}

// FindRefund returns the refund linked to txnID, or nil when none exists.
func (s *core) FindRefund(ctx context.Context, txnID string) (*model.Transaction, error) {
	txn, err := s.scanTx(s.c.queryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE tx_type = ? AND ref_transaction_id = ?`,
		model.TxRefund, txnID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap(err, "find refund")
	}
	return txn, nil
}

func (s *core) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions WHERE 1=1`
	var args []any
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		q += ` AND tx_type = ?`
		args = append(args, f.Type)
	}
	if f.RefJob != "" {
		q += ` AND ref_job_id = ?`
		args = append(args, f.RefJob)
	}
	q += ` ORDER BY created_at DESC, id` + pageClause(f.Limit, f.Offset)

	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "list transactions")
	}
	defer rs.Close()

	var out []model.Transaction
	for rs.Next() {
		txn, err := s.scanTx(rs)
		if err != nil {
			return nil, s.wrap(err, "scan transaction")
		}
		out = append(out, *txn)
	}
	return out, s.rowsErr(rs, "list transactions")
}

// LedgerSums compares cached balances with the sum of COMPLETED deltas. An
// empty userID covers every user.
func (s *core) LedgerSums(ctx context.Context, userID string) ([]model.Reconciliation, error) {
	q := `SELECT u.id, u.credits, CAST(COALESCE(SUM(CASE WHEN t.status = 'COMPLETED' THEN t.credits ELSE 0 END), 0) AS BIGINT)
		FROM users u LEFT JOIN transactions t ON t.user_id = u.id`
	var args []any
	if userID != "" {
		q += ` WHERE u.id = ?`
		args = append(args, userID)
	}
	q += ` GROUP BY u.id, u.credits ORDER BY u.id`

	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "ledger sums")
	}
	defer rs.Close()

	var out []model.Reconciliation
	for rs.Next() {
		var r model.Reconciliation
		if err := rs.Scan(&r.UserID, &r.Balance, &r.LedgerSum); err != nil {
			return nil, s.wrap(err, "scan ledger sum")
		}
		out = append(out, r)
	}
	return out, s.rowsErr(rs, "ledger sums")
}

// --- Access grants ---

const grantColumns = `model_id, user_id, granted_by, granted_at, expires_at, active, custom_name, updated_at`

func (s *core) scanGrant(r row) (*model.ModelAccess, error) {
	var g model.ModelAccess
	err := r.Scan(&g.ModelID, &g.UserID, &g.GrantedBy, s.d.scanTime(&g.GrantedAt), s.d.scanTime(&g.ExpiresAt),
		&g.Active, &g.CustomName, s.d.scanTime(&g.UpdatedAt))
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// UpsertGrant inserts a grant or refreshes the existing (model, user) row.
// granted_at keeps its first value.
func (s *core) UpsertGrant(ctx context.Context, g *model.ModelAccess) error {
	_, err := s.c.exec(ctx, `INSERT INTO model_access (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model_id, user_id) DO UPDATE SET granted_by = excluded.granted_by,
		expires_at = excluded.expires_at, active = excluded.active,
		custom_name = excluded.custom_name, updated_at = excluded.updated_at`,
		g.ModelID, g.UserID, nullString(g.GrantedBy), s.t(g.GrantedAt), s.nt(g.ExpiresAt), g.Active,
		nullString(g.CustomName), s.t(g.UpdatedAt))
	if err != nil {
		return s.wrap(err, "upsert grant")
	}
	return nil
}

func (s *core) GetGrant(ctx context.Context, modelID, userID string) (*model.ModelAccess, error) {
	g, err := s.scanGrant(s.c.queryRow(ctx,
		`SELECT `+grantColumns+` FROM model_access WHERE model_id = ? AND user_id = ?`, modelID, userID))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "grant %s/%s", modelID, userID)
	}
	if err != nil {
		return nil, s.wrap(err, "get grant")
	}
	return g, nil
}

func (s *core) SetGrantActive(ctx context.Context, modelID, userID string, active bool, at time.Time) error {
	n, err := s.c.exec(ctx, `UPDATE model_access SET active = ?, updated_at = ? WHERE model_id = ? AND user_id = ?`,
		active, s.t(at), modelID, userID)
	if err != nil {
		return s.wrap(err, "set grant active")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "grant %s/%s", modelID, userID)
	}
	return nil
}

func (s *core) ListGrants(ctx context.Context, f GrantFilter) ([]model.ModelAccess, error) {
	q := `SELECT ` + grantColumns + ` FROM model_access WHERE 1=1`
	var args []any
	if f.ModelID != "" {
		q += ` AND model_id = ?`
		args = append(args, f.ModelID)
	}
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.ActiveOnly {
		q += ` AND active`
	}
	q += ` ORDER BY model_id, user_id`

	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "list grants")
	}
	defer rs.Close()

	var out []model.ModelAccess
	for rs.Next() {
		g, err := s.scanGrant(rs)
		if err != nil {
			return nil, s.wrap(err, "scan grant")
		}
		out = append(out, *g)
	}
	return out, s.rowsErr(rs, "list grants")
}

// --- Sessions ---

const sessionColumns = `id, owner_id, name, total_files, total_pages, processed_pages, status, storage_prefix,
	archive_url, spreadsheet_url, post_status, post_processed, error_message,
	created_at, updated_at, expires_at, storage_purged_at`

func (s *core) scanSession(r row) (*model.Session, error) {
	var ss model.Session
	err := r.Scan(&ss.ID, &ss.OwnerID, &ss.Name, &ss.TotalFiles, &ss.TotalPages, &ss.ProcessedPages,
		&ss.Status, &ss.StoragePrefix, &ss.ArchiveURL, &ss.SpreadsheetURL, &ss.PostStatus, &ss.PostProcessed,
		&ss.Error, s.d.scanTime(&ss.CreatedAt), s.d.scanTime(&ss.UpdatedAt), s.d.scanTime(&ss.ExpiresAt),
		s.d.scanTime(&ss.StoragePurgedAt))
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *core) CreateSession(ctx context.Context, ss *model.Session) error {
	_, err := s.c.exec(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ss.ID, ss.OwnerID, ss.Name, ss.TotalFiles, ss.TotalPages, ss.ProcessedPages, ss.Status, ss.StoragePrefix,
		ss.ArchiveURL, ss.SpreadsheetURL, ss.PostStatus, ss.PostProcessed, ss.Error,
		s.t(ss.CreatedAt), s.t(ss.UpdatedAt), s.t(ss.ExpiresAt), s.nt(ss.StoragePurgedAt))
	if err != nil {
		return s.wrap(err, "create session")
	}
	return nil
}

func (s *core) GetSession(ctx context.Context, id string) (*model.Session, error) {
	ss, err := s.scanSession(s.c.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, s.wrap(err, "get session")
	}
	return ss, nil
}

// UpdateSession writes status and consolidation fields when the stored
// status still equals expect. Counters are owned by CreateJob and
// RecountSession and are not written here.
func (s *core) UpdateSession(ctx context.Context, ss *model.Session, expect model.SessionStatus) error {
	n, err := s.c.exec(ctx, `UPDATE sessions SET status = ?, archive_url = ?, spreadsheet_url = ?, post_status = ?,
		post_processed = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		ss.Status, ss.ArchiveURL, ss.SpreadsheetURL, ss.PostStatus, ss.PostProcessed, ss.Error,
		s.t(ss.UpdatedAt), ss.ID, expect)
	if err != nil {
		return s.wrap(err, "update session")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrConflict, "session %s is no longer %s", ss.ID, expect)
	}
	return nil
}

// RecountSession sets processed_pages to the pages processed by the
// session's completed jobs and returns the refreshed session.
func (s *core) RecountSession(ctx context.Context, id string, at time.Time) (*model.Session, error) {
	ss, err := s.scanSession(s.c.queryRow(ctx, `UPDATE sessions SET processed_pages = (
			SELECT COALESCE(SUM(pages_processed), 0) FROM jobs WHERE session_id = ? AND status = 'COMPLETED'
		), updated_at = ? WHERE id = ? RETURNING `+sessionColumns, id, s.t(at), id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, s.wrap(err, "recount session")
	}
	return ss, nil
}

// SessionCredits derives a session's spend from its jobs.
func (s *core) SessionCredits(ctx context.Context, id string) (int64, error) {
	var total int64
	err := s.c.queryRow(ctx, `SELECT CAST(COALESCE(SUM(credits_used), 0) AS BIGINT) FROM jobs WHERE session_id = ?`, id).Scan(&total)
	if err != nil {
		return 0, s.wrap(err, "session credits")
	}
	return total, nil
}

func (s *core) ListSessions(ctx context.Context, f SessionFilter) ([]model.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC` + pageClause(f.Limit, f.Offset)
	return s.querySessions(ctx, q, args...)
}

// ListExpiredSessions returns sessions past expiry that are still active or
// whose storage has not been purged, in (expires_at, id) order after the
// cursor.
func (s *core) ListExpiredSessions(ctx context.Context, now time.Time, after *ExpiryCursor, limit int) ([]model.Session, error) {
	cond, args := s.afterClause(after)
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE expires_at < ?
		AND (status NOT IN (` + terminalSessions + `) OR storage_purged_at IS NULL)` + cond + `
		ORDER BY expires_at, id` + pageClause(limit, 0)
	return s.querySessions(ctx, q, append([]any{s.t(now)}, args...)...)
}

// afterClause restricts an expires_at, id ordered listing to rows past c.
func (s *core) afterClause(c *ExpiryCursor) (string, []any) {
	if c == nil {
		return "", nil
	}
	at := s.t(c.ExpiresAt)
	return ` AND (expires_at > ? OR (expires_at = ? AND id > ?))`, []any{at, at, c.ID}
}

func (s *core) querySessions(ctx context.Context, q string, args ...any) ([]model.Session, error) {
	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "list sessions")
	}
	defer rs.Close()

	var out []model.Session
	for rs.Next() {
		ss, err := s.scanSession(rs)
		if err != nil {
			return nil, s.wrap(err, "scan session")
		}
		out = append(out, *ss)
	}
	return out, s.rowsErr(rs, "list sessions")
}

func (s *core) MarkSessionPurged(ctx context.Context, id string, at time.Time) error {
	n, err := s.c.exec(ctx, `UPDATE sessions SET storage_purged_at = ? WHERE id = ?`, s.t(at), id)
	if err != nil {
		return s.wrap(err, "mark session purged")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "session %s", id)
	}
	return nil
}

// --- Jobs ---

var jobColumnList = []string{
	"id", "owner_id", "session_id", "parent_job_id", "model_id", "status",
	"file_name", "file_size", "content_type", "page_count", "pages_processed", "credits_used", "blob_url",
	"operation_id", "operation_status", "polling_started_at", "last_polled_at", "poll_attempts", "poll_errors",
	"result", "error_kind", "error_message", "fields", "needs_review",
	"created_at", "updated_at", "completed_at", "expires_at", "storage_purged_at",
}

var (
	jobColumns      = strings.Join(jobColumnList, ", ")
	jobPlaceholders = strings.TrimSuffix(strings.Repeat("?, ", len(jobColumnList)), ", ")
)

func (s *core) scanJob(r row) (*model.Job, error) {
	var j model.Job
	var result, fields []byte
	err := r.Scan(&j.ID, &j.OwnerID, &j.SessionID, &j.ParentJobID, &j.ModelID, &j.Status,
		&j.FileName, &j.FileSize, &j.ContentType, &j.PageCount, &j.PagesProcessed, &j.CreditsUsed, &j.BlobURL,
		&j.OperationID, &j.OperationStatus, s.d.scanTime(&j.PollingStartedAt), s.d.scanTime(&j.LastPolledAt),
		&j.PollAttempts, &j.PollErrors, &result, &j.ErrorKind, &j.Error, &fields, &j.NeedsReview,
		s.d.scanTime(&j.CreatedAt), s.d.scanTime(&j.UpdatedAt), s.d.scanTime(&j.CompletedAt),
		s.d.scanTime(&j.ExpiresAt), s.d.scanTime(&j.StoragePurgedAt))
	if err != nil {
		return nil, err
	}
	j.Result = result
	j.Fields = fields
	return &j, nil
}

// jobArgs returns column values in jobColumnList order.
func (s *core) jobArgs(j *model.Job) []any {
	return []any{
		j.ID, j.OwnerID, nullString(j.SessionID), nullString(j.ParentJobID), j.ModelID, j.Status,
		j.FileName, j.FileSize, j.ContentType, j.PageCount, j.PagesProcessed, j.CreditsUsed, j.BlobURL,
		j.OperationID, j.OperationStatus, s.nt(j.PollingStartedAt), s.nt(j.LastPolledAt), j.PollAttempts, j.PollErrors,
		nullJSON(j.Result), j.ErrorKind, j.Error, nullJSON(j.Fields), j.NeedsReview,
		s.t(j.CreatedAt), s.t(j.UpdatedAt), s.nt(j.CompletedAt), s.t(j.ExpiresAt), s.nt(j.StoragePurgedAt),
	}
}

func (s *core) insertJob(ctx context.Context, c conn, j *model.Job) error {
	if _, err := c.exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (`+jobPlaceholders+`)`, s.jobArgs(j)...); err != nil {
		return s.wrapf(err, "insert job %s", j.ID)
	}
	return nil
}

// CreateJob inserts j. A top-level job in a session also bumps the
// session's file and page totals in the same transaction, provided the
// session still accepts jobs.
func (s *core) CreateJob(ctx context.Context, j *model.Job) error {
	return s.inTx(ctx, func(c conn) error {
		if !j.Standalone() && j.TopLevel() {
			n, err := c.exec(ctx, `UPDATE sessions SET total_files = total_files + 1, total_pages = total_pages + ?,
				updated_at = ? WHERE id = ? AND status IN (?, ?)`,
				j.PageCount, s.t(j.CreatedAt), *j.SessionID, model.SessionUploading, model.SessionProcessing)
			if err != nil {
				return s.wrap(err, "add job to session")
			}
			if n == 0 {
				var status model.SessionStatus
				err := c.queryRow(ctx, `SELECT status FROM sessions WHERE id = ?`, *j.SessionID).Scan(&status)
				if isNoRows(err) {
					return eris.Wrapf(model.ErrNotFound, "session %s", *j.SessionID)
				}
				if err != nil {
					return s.wrap(err, "get session status")
				}
				return eris.Wrapf(model.ErrConflict, "session %s is %s and no longer accepts jobs", *j.SessionID, status)
			}
		}
		return s.insertJob(ctx, c, j)
	})
}

func (s *core) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.scanJob(s.c.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, s.wrap(err, "get job")
	}
	return j, nil
}

func (s *core) updateJob(ctx context.Context, c conn, j *model.Job, expect model.JobStatus) error {
	n, err := c.exec(ctx, `UPDATE jobs SET status = ?, page_count = ?, pages_processed = ?, credits_used = ?, blob_url = ?,
		operation_id = ?, operation_status = ?, polling_started_at = ?, last_polled_at = ?, poll_attempts = ?,
		poll_errors = ?, result = ?, error_kind = ?, error_message = ?, fields = ?, needs_review = ?,
		updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`,
		j.Status, j.PageCount, j.PagesProcessed, j.CreditsUsed, j.BlobURL,
		j.OperationID, j.OperationStatus, s.nt(j.PollingStartedAt), s.nt(j.LastPolledAt), j.PollAttempts,
		j.PollErrors, nullJSON(j.Result), j.ErrorKind, j.Error, nullJSON(j.Fields), j.NeedsReview,
		s.t(j.UpdatedAt), s.nt(j.CompletedAt), j.ID, expect)
	if err != nil {
		return s.wrapf(err, "update job %s", j.ID)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrConflict, "job %s is no longer %s", j.ID, expect)
	}
	return nil
}

// UpdateJob persists j when the stored status still equals expect. A non-nil
// charge is applied to the ledger in the same transaction, so the job write
// and the debit commit or roll back together.
func (s *core) UpdateJob(ctx context.Context, j *model.Job, expect model.JobStatus, charge *model.Transaction) error {
	if charge == nil {
		return s.updateJob(ctx, s.c, j, expect)
	}
	return s.inTx(ctx, func(c conn) error {
		if err := s.updateJob(ctx, c, j, expect); err != nil {
			return err
		}
		_, err := s.applyTx(ctx, c, charge)
		return err
	})
}

// SplitJob replaces parent with its page children: the parent update and the
// child inserts commit together.
func (s *core) SplitJob(ctx context.Context, parent *model.Job, expect model.JobStatus, children []model.Job) error {
	return s.inTx(ctx, func(c conn) error {
		if err := s.updateJob(ctx, c, parent, expect); err != nil {
			return err
		}
		if s.d.insertJobs != nil {
			return s.d.insertJobs(ctx, c, children)
		}
		for i := range children {
			if err := s.insertJob(ctx, c, &children[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *core) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.ParentJobID != "" {
		q += ` AND parent_job_id = ?`
		args = append(args, f.ParentJobID)
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (` + inStatuses(f.Statuses) + `)`
	}
	if f.PolledBefore != nil {
		q += ` AND (last_polled_at IS NULL OR last_polled_at < ?)`
		args = append(args, s.t(*f.PolledBefore))
	}
	q += ` ORDER BY created_at, id` + pageClause(f.Limit, f.Offset)
	return s.queryJobs(ctx, q, args...)
}

func (s *core) queryJobs(ctx context.Context, q string, args ...any) ([]model.Job, error) {
	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "list jobs")
	}
	defer rs.Close()

	var out []model.Job
	for rs.Next() {
		j, err := s.scanJob(rs)
		if err != nil {
			return nil, s.wrap(err, "scan job")
		}
		out = append(out, *j)
	}
	return out, s.rowsErr(rs, "list jobs")
}

func (s *core) CountActiveJobs(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.c.queryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE session_id = ? AND status IN (`+activeJobs+`)`, sessionID).Scan(&n)
	if err != nil {
		return 0, s.wrap(err, "count active jobs")
	}
	return n, nil
}

// ListExpiredJobs returns standalone jobs past expiry that are still active
// or still hold an unpurged blob, in (expires_at, id) order after the cursor.
func (s *core) ListExpiredJobs(ctx context.Context, now time.Time, after *ExpiryCursor, limit int) ([]model.Job, error) {
	cond, args := s.afterClause(after)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE session_id IS NULL AND expires_at < ?
		AND (status IN (` + activeJobs + `) OR (blob_url <> '' AND storage_purged_at IS NULL))` + cond + `
		ORDER BY expires_at, id` + pageClause(limit, 0)
	return s.queryJobs(ctx, q, append([]any{s.t(now)}, args...)...)
}

func (s *core) MarkJobPurged(ctx context.Context, id string, at time.Time) error {
	n, err := s.c.exec(ctx, `UPDATE jobs SET storage_purged_at = ? WHERE id = ?`, s.t(at), id)
	if err != nil {
		return s.wrap(err, "mark job purged")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "job %s", id)
	}
	return nil
}

// JobStats counts jobs by status among those updated since the given time.
func (s *core) JobStats(ctx context.Context, since time.Time) (map[model.JobStatus]int, error) {
	rs, err := s.c.query(ctx, `SELECT status, COUNT(*) FROM jobs WHERE updated_at >= ? GROUP BY status`, s.t(since))
	if err != nil {
		return nil, s.wrap(err, "job stats")
	}
	defer rs.Close()

	out := make(map[model.JobStatus]int)
	for rs.Next() {
		var status model.JobStatus
		var n int
		if err := rs.Scan(&status, &n); err != nil {
			return nil, s.wrap(err, "scan job stats")
		}
		out[status] = n
	}
	return out, s.rowsErr(rs, "job stats")
}

// --- Cleanup log ---

const cleanupColumns = `id, started_at, finished_at, sessions_expired, jobs_expired, blobs_deleted, error_message, status`

func (s *core) scanCleanup(r row) (*model.CleanupLog, error) {
	var l model.CleanupLog
	err := r.Scan(&l.ID, s.d.scanTime(&l.StartedAt), s.d.scanTime(&l.FinishedAt),
		&l.SessionsExpired, &l.JobsExpired, &l.BlobsDeleted, &l.Error, &l.Status)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// StartCleanup opens a RUNNING log unless the latest log is still RUNNING and
// younger than staleAfter, in which case it returns ErrSweepInProgress. An
// older RUNNING log is closed as FAILED first.
func (s *core) StartCleanup(ctx context.Context, now time.Time, staleAfter time.Duration) (*model.CleanupLog, error) {
	log := &model.CleanupLog{
		ID:        newID(),
		StartedAt: now,
		Status:    model.CleanupRunning,
	}
	err := s.inTx(ctx, func(c conn) error {
		if s.d.lockCleanup != nil {
			if err := s.d.lockCleanup(ctx, c); err != nil {
				return err
			}
		}

		last, err := s.scanCleanup(c.queryRow(ctx,
			`SELECT `+cleanupColumns+` FROM cleanup_logs ORDER BY started_at DESC LIMIT 1`))
		if err != nil && !isNoRows(err) {
			return s.wrap(err, "latest cleanup log")
		}
		if last != nil && last.Status == model.CleanupRunning {
			if now.Sub(last.StartedAt) < staleAfter {
				return eris.Wrapf(model.ErrSweepInProgress, "sweep %s started at %s", last.ID, last.StartedAt.Format(time.RFC3339))
			}
			if _, err := c.exec(ctx, `UPDATE cleanup_logs SET status = ?, finished_at = ?, error_message = ?
				WHERE id = ? AND status = ?`,
				model.CleanupFailed, s.t(now), "abandoned: sweep never finished", last.ID, model.CleanupRunning); err != nil {
				return s.wrap(err, "close abandoned cleanup log")
			}
		}

		_, err = c.exec(ctx, `INSERT INTO cleanup_logs (`+cleanupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			log.ID, s.t(log.StartedAt), nil, 0, 0, 0, "", log.Status)
		if err != nil {
			return s.wrap(err, "insert cleanup log")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return log, nil
}

// FinishCleanup finalizes a RUNNING log. A log is finalized at most once.
func (s *core) FinishCleanup(ctx context.Context, log *model.CleanupLog) error {
	n, err := s.c.exec(ctx, `UPDATE cleanup_logs SET finished_at = ?, sessions_expired = ?, jobs_expired = ?,
		blobs_deleted = ?, error_message = ?, status = ? WHERE id = ? AND status = ?`,
		s.nt(log.FinishedAt), log.SessionsExpired, log.JobsExpired, log.BlobsDeleted, log.Error, log.Status,
		log.ID, model.CleanupRunning)
	if err != nil {
		return s.wrap(err, "finish cleanup log")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrConflict, "cleanup log %s already finalized", log.ID)
	}
	return nil
}

func (s *core) ListCleanupLogs(ctx context.Context, limit int) ([]model.CleanupLog, error) {
	rs, err := s.c.query(ctx, `SELECT `+cleanupColumns+` FROM cleanup_logs ORDER BY started_at DESC`+pageClause(limit, 0))
	if err != nil {
		return nil, s.wrap(err, "list cleanup logs")
	}
	defer rs.Close()

	var out []model.CleanupLog
	for rs.Next() {
		l, err := s.scanCleanup(rs)
		if err != nil {
			return nil, s.wrap(err, "scan cleanup log")
		}
		out = append(out, *l)
	}
	return out, s.rowsErr(rs, "list cleanup logs")
}
