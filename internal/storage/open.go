package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "councilbot/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// Store bundles the repositories over one pooled connection.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     logx.Logger

	Requests        *RequestRepository
	PersistingRoles *PersistingRoleRepository
	ApplicableRoles *ApplicableRoleRepository
	Dedup           *DedupRepository
	Audit           *AuditRepository
}

// New wraps an open database. Migrations are not run; see Migrate.
func New(db *sql.DB, dialect Dialect, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := querier{db: db, dialect: dialect}
	return &Store{
		db:              db,
		dialect:         dialect,
		log:             log,
		Requests:        &RequestRepository{q: q},
		PersistingRoles: &PersistingRoleRepository{q: q},
		ApplicableRoles: &ApplicableRoleRepository{q: q},
		Dedup:           &DedupRepository{q: q, pruneEvery: 500},
		Audit:           &AuditRepository{q: q},
	}
}

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		db, err = openSQLite(cfg)
		dialect = DialectSQLite
	case "postgres", "postgresql":
		db, err = openPostgres(ctx, cfg)
		dialect = DialectPostgres
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	st := New(db, dialect, log)
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Info("storage ready", logx.String("driver", string(dialect)))
	return st, nil
}

func openSQLite(cfg Config) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "councilbot.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func openPostgres(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies embedded migrations for the dialect that have not run yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := "migrations/" + string(s.dialect)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	q := querier{db: s.db, dialect: s.dialect}
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var n int
		if err := q.queryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, dir+"/"+name)
		if err != nil {
			return err
		}
		err = q.inTx(ctx, func(tx querier) error {
			if _, err := tx.exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, version, time.Now().UnixMilli())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		s.log.Info("migration applied", logx.String("version", version))
	}
	return nil
}
