package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strings"
	"time"

	logx "announcebot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect holds the statements that differ between SQLite and PostgreSQL.
type dialect struct {
	name      string
	migration string
	put       string
	get       string
	audit     string
	prune     string
	timeArg   func(t time.Time) any
	boolArg   func(b bool) any
}

var sqliteDialect = dialect{
	name:      "sqlite",
	migration: "migrations/sqlite.sql",
	put: `INSERT INTO kv(scope, key, value, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(scope, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
	get:     `SELECT value FROM kv WHERE scope = ? AND key = ?`,
	audit:   `INSERT INTO audit(at, scope, actor_id, action, request_id, job_id, ok, err, detail) VALUES(?,?,?,?,?,?,?,?,?)`,
	prune:   `DELETE FROM audit WHERE at < ?`,
	timeArg: func(t time.Time) any { return t.UnixMilli() },
	boolArg: func(b bool) any {
		if b {
			return 1
		}
		return 0
	},
}

var postgresDialect = dialect{
	name:      "postgres",
	migration: "migrations/postgres.sql",
	put: `INSERT INTO kv(scope, key, value, updated_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT(scope, key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`,
	get:     `SELECT value FROM kv WHERE scope = $1 AND key = $2`,
	audit:   `INSERT INTO audit(at, scope, actor_id, action, request_id, job_id, ok, err, detail) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
	prune:   `DELETE FROM audit WHERE at < $1`,
	timeArg: func(t time.Time) any { return t.UTC() },
	boolArg: func(b bool) any { return b },
}

// sqlStore implements Store over database/sql for both dialects.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Put(ctx context.Context, scope, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, s.d.put, scope, key, value, s.d.timeArg(time.Now()))
	return err
}

func (s *sqlStore) Get(ctx context.Context, scope, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.d.get, scope, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.audit,
		s.d.timeArg(e.At), nullStr(e.Scope), e.ActorID, e.Action, nullStr(e.RequestID),
		nullStr(e.JobID), s.d.boolArg(e.OK), nullStr(e.Error), nullStr(e.Detail),
	)
	return err
}

func (s *sqlStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.prune, s.d.timeArg(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
