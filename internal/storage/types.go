package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("storage: duplicate")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Dialect selects placeholder style and migration set.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// AuditEntry records an administrative action.
type AuditEntry struct {
	ID      string
	At      time.Time
	GuildID string
	ActorID string
	Action  string
	Target  string
	Detail  string
	OK      bool
}
