// Package sqlite provides a SQLite-backed ledger store. Transactions run
// against the in-memory engine and are written through to normalized tables
// before they become visible.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"custodyledger/internal/infra/persistence/memory"
	"custodyledger/internal/infra/persistence/sqlbundle"
	"custodyledger/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "custodyledger.db"

// Store persists ledger state to SQLite while reusing the in-memory
// implementation for transactions and reads.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path, applies the schema and
// hydrates the in-memory state from it.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Writers are already serialized by the memory store.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	dialect := sqlbundle.SQLite()
	if err := sqlbundle.Apply(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := sqlbundle.Load(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine, memory.WithCommitter(sqlbundle.NewWriter(db, dialect)))
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
