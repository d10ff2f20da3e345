/*
Package sqlite provides the SQLite backend.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time, others wait up to busy_timeout
  - Better crash recovery

IN-MEMORY:
  ":memory:" gives every connection its own empty database, so the pool is
  pinned to one connection. Queries must then never be nested: always close
  rows before issuing the next statement.

USAGE:
  store, err := sqlite.New("./data/pharma.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  builder := ledger.NewBuilder(store, store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/pharma-ledger/store/sqlstore"
)

// BusyTimeoutMillis bounds how long a writer waits for the database lock.
const BusyTimeoutMillis = 5000

// New opens (and migrates) a SQLite database at path.
// Use ":memory:" for an in-memory database.
func New(path string) (*sqlstore.Store, error) {
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")

	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += fmt.Sprintf("%s_foreign_keys=on&_busy_timeout=%d", sep, BusyTimeoutMillis)
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	store, err := sqlstore.New(context.Background(), db, Dialect{})
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Dialect is the SQLite flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Schema() []string {
	return []string{
		// Ledger entries (append-only, hash-chained per partition)
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			partition_key TEXT NOT NULL,
			item_ref TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('in', 'out', 'transfer')),
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			source_location TEXT NOT NULL DEFAULT '',
			dest_location TEXT NOT NULL DEFAULT '',
			actor_ref TEXT NOT NULL DEFAULT '',
			previous_hash TEXT NOT NULL,
			current_hash TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT ''
		)`,

		// CRITICAL: at most one entry may claim a given previous hash
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_no_fork
			ON ledger_entries(partition_key, previous_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_partition
			ON ledger_entries(partition_key, id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_item
			ON ledger_entries(item_ref, id)`,

		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
			BEFORE UPDATE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
			BEFORE DELETE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END`,

		// Drug catalog; quantity is the projected cache
		`CREATE TABLE IF NOT EXISTS drugs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			generic_name TEXT NOT NULL DEFAULT '',
			batch_number TEXT NOT NULL UNIQUE,
			manufacturer TEXT NOT NULL DEFAULT '',
			supplier TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 0,
			min_stock_level INTEGER NOT NULL DEFAULT 0,
			max_stock_level INTEGER NOT NULL DEFAULT 0,
			unit_price TEXT NOT NULL DEFAULT '0',
			expiry_date TEXT NOT NULL,
			storage_conditions TEXT NOT NULL DEFAULT '',
			stale INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_drugs_stale ON drugs(stale) WHERE stale = 1`,

		`CREATE TABLE IF NOT EXISTS inventory_locations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			temperature_condition TEXT NOT NULL DEFAULT '',
			capacity INTEGER NOT NULL DEFAULT 0
		)`,
	}
}

func (Dialect) UpsertLocation() string {
	return `
		INSERT INTO inventory_locations (id, name, type, temperature_condition, capacity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			temperature_condition = excluded.temperature_condition,
			capacity = excluded.capacity`
}

func (Dialect) IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
