package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrEmptyKey = errors.New("storage: empty key")
)

// SharedScope holds values common to every deployment (the venue session).
const SharedScope = "shared"

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty/"none"): process-local, nothing survives a restart
//   - "file": one JSON document per key under Path, audit as JSON Lines
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL via DSN
//   - "redis": Redis at Addr
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Addr        string
	Password    string
	DB          int
	BusyTimeout time.Duration // sqlite only; 0 means default
	KeyPrefix   string        // redis only; default "announcebot"
}

// Store is the backend contract. Put is last-write-wins.
type Store interface {
	Put(ctx context.Context, scope, key string, value []byte) error
	Get(ctx context.Context, scope, key string) (value []byte, ok bool, err error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	// PruneAudit deletes audit entries older than before and reports how many went.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// AuditEntry records an operator action or a job outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Scope     string    `json:"scope,omitempty"`
	ActorID   int64     `json:"actor_id,omitempty"`
	Action    string    `json:"action"`
	RequestID string    `json:"request_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
