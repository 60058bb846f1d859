// Package db provides the on-device SQLite store used by the sync core.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
)

// FileName is the database file created inside the data directory.
const FileName = "fitsync.db"

// Executor is satisfied by both *DB and *Tx so entity code can run the same
// statements inside or outside a transaction.
type Executor interface {
	Execute(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the sql.DB with FitSync-specific configuration.
type DB struct {
	sqlDB *sql.DB
	path  string
}

// Tx is a transaction handed to RunInTransaction callbacks.
type Tx struct {
	tx *sql.Tx
}

var (
	_ Executor = (*DB)(nil)
	_ Executor = (*Tx)(nil)
)

// Open opens the database under dataDir and applies pending schema migrations.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single connection, since SQLite allows one writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Storage("create data directory", err)
	}
	return OpenPath(context.Background(), filepath.Join(dataDir, FileName))
}

// OpenPath opens the database at an explicit path.
func OpenPath(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Storage("open database", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			sqlDB.Close()
			return nil, apperrors.Storage(fmt.Sprintf("configure database (%s)", pragma), err)
		}
	}

	db := &DB{sqlDB: sqlDB, path: path}
	if err := db.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded migrations.
func (db *DB) Migrate(ctx context.Context) error {
	m := NewMigrator(db.sqlDB, EmbeddedMigrations())
	if err := m.Initialize(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "initialize schema_migrations", err)
	}
	if err := m.Up(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "apply migrations", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SQL exposes the underlying handle.
func (db *DB) SQL() *sql.DB {
	return db.sqlDB
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.sqlDB.Close()
}

// Execute runs a statement that returns no rows.
func (db *DB) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := db.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify("execute statement", err)
	}
	return res, nil
}

// Query runs a statement that returns rows.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := db.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	return rows, nil
}

// QueryRow runs a statement expected to return at most one row.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sqlDB.QueryRowContext(ctx, query, args...)
}

// RunInTransaction runs fn inside a transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (db *DB) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperrors.Storage("commit transaction", err)
	}
	return nil
}

// Execute runs a statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify("execute statement", err)
	}
	return res, nil
}

// Query runs a row-returning statement inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	return rows, nil
}

// QueryRow runs a single-row statement inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// classify maps driver errors onto application error codes.
func classify(message string, err error) error {
	if IsUniqueViolation(err) {
		return apperrors.Wrap(apperrors.ErrConstraint, message, err)
	}
	return apperrors.Storage(message, err)
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !stderrors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
