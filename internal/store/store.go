// Package store is the single source of truth for all persisted state:
// firms, portfolios, predictions, bets, daily counters, cycle records, and
// cancelled orders.
//
// The store is an embedded single-file SQLite database in WAL mode, so
// multiple workers can read while one writes. Each worker takes its own
// Handle; a Handle tracks transaction depth so composite operations can
// nest Tx calls freely — only the outermost call opens and commits, and
// any failure unwinds the whole outer transaction. This is what lets
// "save bet, bump counters, update portfolio" compose into one atomic
// write without every caller threading *sql.Tx around.
//
// Schema migrations are forward-only and additive: on startup the store
// creates missing tables and inspects existing ones, issuing ALTER TABLE
// ADD COLUMN for any field added since the database was created.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"quorum-trader/pkg/types"
)

// Store owns the database connection pool. Workers do not use it
// directly; they call Handle() and run everything through that.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (or creates) the database, applies migrations, and returns
// the store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, path: path, logger: logger.With("component", "store")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Handle returns a per-worker handle. Handles are not safe for concurrent
// use; each worker (cycle loop, monitor pass, HTTP request) takes its own.
func (s *Store) Handle() *Handle {
	return &Handle{s: s}
}

// Handle is one worker's view of the store. It carries the re-entrant
// transaction state: depth 0 means autocommit, depth > 0 means all
// operations run inside the open transaction.
type Handle struct {
	s     *Store
	depth int
	tx    *sql.Tx
	bad   bool // an inner Tx failed; outer commit must not proceed
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the active querier: the open transaction if any, else the pool.
func (h *Handle) q() querier {
	if h.tx != nil {
		return h.tx
	}
	return h.s.db
}

// Tx runs fn inside a transaction. Re-entrant: when called while a
// transaction is already open on this handle, no new boundary begins and
// commit/rollback applies only at the outermost call. Any error — from fn
// or from an inner Tx — rolls back the entire outer transaction.
func (h *Handle) Tx(ctx context.Context, fn func() error) error {
	if h.depth > 0 {
		h.depth++
		err := fn()
		h.depth--
		if err != nil {
			h.bad = true
		}
		return err
	}

	tx, err := h.s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLError("begin", err)
	}
	h.tx = tx
	h.depth = 1
	h.bad = false

	err = fn()
	h.depth = 0
	h.tx = nil

	if err != nil || h.bad {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			h.s.logger.Error("rollback failed", "error", rbErr)
		}
		if err == nil {
			err = &types.IntegrityError{Entity: "tx", Reason: "inner transaction failed"}
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLError("commit", err)
	}
	return nil
}

// mapSQLError converts driver errors into the engine's error kinds:
// busy/locked → TransientError (retry with backoff), UNIQUE violations →
// ConflictError, other constraint violations → IntegrityError, everything
// else passes through wrapped.
func mapSQLError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "database is locked"):
		return &types.TransientError{Op: "store." + op, Err: err}
	case strings.Contains(msg, "UNIQUE constraint"):
		return &types.ConflictError{Entity: op, Key: msg}
	case strings.Contains(msg, "constraint"):
		return &types.IntegrityError{Entity: op, Reason: msg}
	}
	return fmt.Errorf("store.%s: %w", op, err)
}

// Time columns are stored as RFC3339Nano text. Zero times round-trip as
// empty strings.

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
