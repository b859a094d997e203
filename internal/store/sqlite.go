package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. All access goes
// through a single connection, which serializes writers the way row locks
// do on Postgres.
type SQLiteStore struct {
	*core
	db *sql.DB
}

// sqliteTimeLayout is fixed-width so stored timestamps compare correctly as
// text.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	s := &SQLiteStore{db: db}
	s.core = &core{
		c: sqlConn{q: db},
		inTx: func(ctx context.Context, fn func(c conn) error) error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return eris.Wrap(err, "sqlite: begin tx")
			}
			defer tx.Rollback() //nolint:errcheck

			if err := fn(sqlConn{q: tx}); err != nil {
				return err
			}
			return eris.Wrap(tx.Commit(), "sqlite: commit tx")
		},
		d: dialect{
			name:     "sqlite",
			timeArg:  func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
			scanTime: func(dst any) any { return &sqliteTime{dst: dst} },
			unique: func(err error) bool {
				return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
			},
		},
	}
	return s, nil
}

// sqliteTime scans the text timestamps written by timeArg into *time.Time
// or **time.Time destinations.
type sqliteTime struct {
	dst any
}

func (st *sqliteTime) Scan(src any) error {
	var (
		t   time.Time
		err error
	)
	switch v := src.(type) {
	case nil:
		if pp, ok := st.dst.(**time.Time); ok {
			*pp = nil
			return nil
		}
		return eris.New("sqlite: NULL timestamp in non-null column")
	case time.Time:
		t = v
	case string:
		t, err = parseSQLiteTime(v)
	case []byte:
		t, err = parseSQLiteTime(string(v))
	default:
		return eris.Errorf("sqlite: unsupported timestamp type %T", src)
	}
	if err != nil {
		return err
	}

	switch d := st.dst.(type) {
	case *time.Time:
		*d = t
	case **time.Time:
		*d = &t
	default:
		return eris.Errorf("sqlite: unsupported timestamp destination %T", st.dst)
	}
	return nil
}

func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("sqlite: parse timestamp %q", s)
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlConn struct {
	q sqlQuerier
}

func (c sqlConn) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	return n, nil
}

func (c sqlConn) query(ctx context.Context, q string, args ...any) (rows, error) {
	rs, err := c.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rs}, nil
}

func (c sqlConn) queryRow(ctx context.Context, q string, args ...any) row {
	return c.q.QueryRowContext(ctx, q, args...)
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL DEFAULT 'USER',
	active     INTEGER NOT NULL DEFAULT 1,
	credits    INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_models (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	provider_model TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	max_pages      INTEGER NOT NULL DEFAULT 0,
	field_schema   TEXT,
	active         INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS transactions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	tx_type            TEXT NOT NULL,
	credits            INTEGER NOT NULL,
	amount_cents       INTEGER,
	status             TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	metadata           TEXT,
	ref_job_id         TEXT,
	ref_transaction_id TEXT REFERENCES transactions(id),
	actor_id           TEXT REFERENCES users(id),
	balance_after      INTEGER,
	created_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_ref_job ON transactions(ref_job_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_one_refund
	ON transactions(ref_transaction_id) WHERE tx_type = 'REFUND';

CREATE TABLE IF NOT EXISTS model_access (
	model_id    TEXT NOT NULL REFERENCES extraction_models(id),
	user_id     TEXT NOT NULL REFERENCES users(id),
	granted_by  TEXT REFERENCES users(id),
	granted_at  TEXT NOT NULL,
	expires_at  TEXT,
	active      INTEGER NOT NULL DEFAULT 1,
	custom_name TEXT,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (model_id, user_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL REFERENCES users(id),
	name              TEXT NOT NULL DEFAULT '',
	total_files       INTEGER NOT NULL DEFAULT 0,
	total_pages       INTEGER NOT NULL DEFAULT 0,
	processed_pages   INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	storage_prefix    TEXT NOT NULL,
	archive_url       TEXT NOT NULL DEFAULT '',
	spreadsheet_url   TEXT NOT NULL DEFAULT '',
	post_status       TEXT NOT NULL DEFAULT '',
	post_processed    INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	expires_at        TEXT NOT NULL,
	storage_purged_at TEXT,
	CHECK (processed_pages <= total_pages)
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL REFERENCES users(id),
	session_id         TEXT REFERENCES sessions(id),
	parent_job_id      TEXT REFERENCES jobs(id),
	model_id           TEXT NOT NULL REFERENCES extraction_models(id),
	status             TEXT NOT NULL,
	file_name          TEXT NOT NULL,
	file_size          INTEGER NOT NULL DEFAULT 0,
	content_type       TEXT NOT NULL DEFAULT '',
	page_count         INTEGER NOT NULL DEFAULT 0,
	pages_processed    INTEGER NOT NULL DEFAULT 0,
	credits_used       INTEGER NOT NULL DEFAULT 0,
	blob_url           TEXT NOT NULL DEFAULT '',
	operation_id       TEXT NOT NULL DEFAULT '',
	operation_status   TEXT NOT NULL DEFAULT '',
	polling_started_at TEXT,
	last_polled_at     TEXT,
	poll_attempts      INTEGER NOT NULL DEFAULT 0,
	poll_errors        INTEGER NOT NULL DEFAULT 0,
	result             TEXT,
	error_kind         TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	fields             TEXT,
	needs_review       INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	completed_at       TEXT,
	expires_at         TEXT NOT NULL,
	storage_purged_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_job_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status_polled ON jobs(status, last_polled_at);
CREATE INDEX IF NOT EXISTS idx_jobs_expires ON jobs(expires_at);

CREATE TABLE IF NOT EXISTS cleanup_logs (
	id               TEXT PRIMARY KEY,
	started_at       TEXT NOT NULL,
	finished_at      TEXT,
	sessions_expired INTEGER NOT NULL DEFAULT 0,
	jobs_expired     INTEGER NOT NULL DEFAULT 0,
	blobs_deleted    INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cleanup_logs_started ON cleanup_logs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
