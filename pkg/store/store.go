package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
)

// Store is the relational persistence layer. One SQLite file holds all
// tenants; the keyword index and the embedding doc cache share the same
// database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Pass ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite writes are single-writer; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.WithComponent("store").Info().
		Str("path", path).
		Msg("database opened")
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for the keyword index and the embedding cache,
// which manage their own tables in the same file.
func (s *Store) DB() *sql.DB { return s.db }

// InTx runs fn inside a transaction, rolling back on error.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindStoreWriteFailed, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Wrap(errdefs.KindStoreWriteFailed, err, "commit transaction")
	}
	return nil
}

func writeErr(err error, format string, args ...any) error {
	return errdefs.Wrap(errdefs.KindStoreWriteFailed, err, format, args...)
}

// SQLite extended result codes for unique and primary key violations.
const (
	codeConstraintPrimaryKey = 1555
	codeConstraintUnique     = 2067
)

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == codeConstraintUnique || se.Code() == codeConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
