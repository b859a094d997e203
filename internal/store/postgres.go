package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/db"
	"github.com/sells-group/docflow/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	*core
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// cleanupLockKey is the advisory lock taken while opening a cleanup log.
const cleanupLockKey int64 = 0x646f63666c6f77

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	s := newPostgresStore(pool)
	s.closeFn = pool.Close
	return s, nil
}

func newPostgresStore(pool db.Pool) *PostgresStore {
	s := &PostgresStore{pool: pool}
	s.core = &core{
		c: pgConn{q: pool},
		inTx: func(ctx context.Context, fn func(c conn) error) error {
			return db.InTx(ctx, pool, func(tx pgx.Tx) error {
				return fn(pgConn{q: tx})
			})
		},
		d: dialect{
			name:      "postgres",
			forUpdate: " FOR UPDATE",
			timeArg:   func(t time.Time) any { return t.UTC() },
			scanTime:  func(dst any) any { return dst },
			unique:    isPgUniqueViolation,
			lockCleanup: func(ctx context.Context, c conn) error {
				if _, err := c.exec(ctx, `SELECT pg_advisory_xact_lock(?)`, cleanupLockKey); err != nil {
					return eris.Wrap(err, "postgres: cleanup advisory lock")
				}
				return nil
			},
		},
	}
	s.core.d.insertJobs = func(ctx context.Context, c conn, jobs []model.Job) error {
		rows := make([][]any, len(jobs))
		for i := range jobs {
			rows[i] = s.core.jobArgs(&jobs[i])
		}
		_, err := db.CopyFrom(ctx, c.(pgConn).q, "jobs", jobColumnList, rows)
		return err
	}
	return s
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// pgConn adapts a pgx pool or transaction to conn.
type pgConn struct {
	q db.Querier
}

func (c pgConn) exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := c.q.Exec(ctx, rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgConn) query(ctx context.Context, q string, args ...any) (rows, error) {
	rs, err := c.q.Query(ctx, rebind(q), args...)
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func (c pgConn) queryRow(ctx context.Context, q string, args ...any) row {
	return c.q.QueryRow(ctx, rebind(q), args...)
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL DEFAULT 'USER',
	active     BOOLEAN NOT NULL DEFAULT true,
	credits    BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extraction_models (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	provider_model TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	max_pages      INTEGER NOT NULL DEFAULT 0,
	field_schema   JSONB,
	active         BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS transactions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	tx_type            TEXT NOT NULL,
	credits            BIGINT NOT NULL,
	amount_cents       BIGINT,
	status             TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	metadata           JSONB,
	ref_job_id         TEXT,
	ref_transaction_id TEXT REFERENCES transactions(id),
	actor_id           TEXT REFERENCES users(id),
	balance_after      BIGINT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_ref_job ON transactions(ref_job_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_one_refund
	ON transactions(ref_transaction_id) WHERE tx_type = 'REFUND';

CREATE TABLE IF NOT EXISTS model_access (
	model_id    TEXT NOT NULL REFERENCES extraction_models(id),
	user_id     TEXT NOT NULL REFERENCES users(id),
	granted_by  TEXT REFERENCES users(id),
	granted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ,
	active      BOOLEAN NOT NULL DEFAULT true,
	custom_name TEXT,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at        TIMESTAMPTZ NOT NULL,
	storage_purged_at TIMESTAMPTZ,
	CHECK (processed_pages <= total_pages)
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL REFERENCES users(id),
	session_id         TEXT REFERENCES sessions(id),
	parent_job_id      TEXT REFERENCES jobs(id),
	model_id           TEXT NOT NULL REFERENCES extraction_models(id),
	status             TEXT NOT NULL,
	file_name          TEXT NOT NULL,
	file_size          BIGINT NOT NULL DEFAULT 0,
	content_type       TEXT NOT NULL DEFAULT '',
	page_count         INTEGER NOT NULL DEFAULT 0,
	pages_processed    INTEGER NOT NULL DEFAULT 0,
	credits_used       BIGINT NOT NULL DEFAULT 0,
	blob_url           TEXT NOT NULL DEFAULT '',
	operation_id       TEXT NOT NULL DEFAULT '',
	operation_status   TEXT NOT NULL DEFAULT '',
	polling_started_at TIMESTAMPTZ,
	last_polled_at     TIMESTAMPTZ,
	poll_attempts      INTEGER NOT NULL DEFAULT 0,
	poll_errors        INTEGER NOT NULL DEFAULT 0,
	result             JSONB,
	error_kind         TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	fields             JSONB,
	needs_review       BOOLEAN NOT NULL DEFAULT false,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at       TIMESTAMPTZ,
	expires_at         TIMESTAMPTZ NOT NULL,
	storage_purged_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_job_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status_polled ON jobs(status, last_polled_at);
CREATE INDEX IF NOT EXISTS idx_jobs_standalone_expires ON jobs(expires_at) WHERE session_id IS NULL;

CREATE TABLE IF NOT EXISTS cleanup_logs (
	id               TEXT PRIMARY KEY,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ,
	sessions_expired INTEGER NOT NULL DEFAULT 0,
	jobs_expired     INTEGER NOT NULL DEFAULT 0,
	blobs_deleted    INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cleanup_logs_started ON cleanup_logs(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// UpsertModels syncs the catalog with a staged COPY and one merge statement.
func (s *PostgresStore) UpsertModels(ctx context.Context, models []model.ExtractionModel) error {
	rows := make([][]any, len(models))
	for i := range models {
		rows[i] = modelArgs(&models[i])
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertSpec{
		Table:      "extraction_models",
		Columns:    []string{"id", "name", "provider_model", "description", "max_pages", "field_schema", "active"},
		ConflictOn: []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert models")
}
