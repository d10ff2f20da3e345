/*
Package sqlstore is the database/sql implementation of the ledger and
catalog storage interfaces, shared by the SQLite and MySQL backends.

INTERFACES IMPLEMENTED:
  ledger.Store:       Append-only hash-chained entries
  ledger.Catalog:     Quantity cache read/write for the Projector
  ledger.StaleMarker: Persistent "needs rebuild" flag
  pharma.Repository:  Drug catalog and locations

APPEND-ONLY ENFORCEMENT:
  - The Go code never issues UPDATE or DELETE on ledger_entries
  - BEFORE UPDATE / BEFORE DELETE triggers reject both at the database level
  - UNIQUE(partition_key, previous_hash) makes a fork impossible to persist,
    even if two processes bypass the partition lock

KEY TABLES:
  ledger_entries:      Immutable hash-chained movements
  drugs:               Catalog, quantity is the projected cache
  inventory_locations: Known stock locations

CONCURRENCY:
  No store-level mutex. Writers to one partition are serialized by the
  ledger Builder; the database handles everything else. A partition's rows
  are read with a single SELECT, so a read sees a prefix of the chain.

DIALECTS:
  SQL is written in the common subset of SQLite and MySQL. The Dialect
  supplies the schema, the location upsert and unique-violation detection.

SEE ALSO:
  - store/sqlite: SQLite dialect and New(path)
  - store/mysql:  MySQL dialect and New(dsn)
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/pharma-ledger/ledger"
)

// Dialect isolates what differs between SQL engines.
type Dialect interface {
	Name() string
	// Schema returns idempotent DDL, executed one statement at a time.
	Schema() []string
	// UpsertLocation is an INSERT of (id, name, type, temperature_condition,
	// capacity) that replaces an existing row with the same id.
	UpsertLocation() string
	IsUniqueViolation(err error) bool
}

// Store implements all storage interfaces on one *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps db and migrates the schema.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	s := &Store{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate %s database: %w", d.Name(), err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for maintenance tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

const entryColumns = `id, partition_key, item_ref, kind, quantity, source_location, dest_location,
	actor_ref, previous_hash, current_hash, recorded_at, notes`

// Append inserts a fully formed entry. The database assigns the id.
func (s *Store) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(partition_key, item_ref, kind, quantity, source_location, dest_location,
		 actor_ref, previous_hash, current_hash, recorded_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PartitionKey, e.ItemRef, e.Kind, e.Quantity, e.SourceLocation, e.DestLocation,
		e.ActorRef, e.PreviousHash, e.CurrentHash, e.TimestampString(), e.Notes,
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ledger.Entry{}, &ledger.ConcurrencyError{Partition: e.PartitionKey, Err: ledger.ErrChainConflict}
		}
		return ledger.Entry{}, &ledger.PersistenceError{Op: "insert ledger entry", Err: err}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Entry{}, &ledger.PersistenceError{Op: "read ledger entry id", Err: err}
	}
	e.ID = ledger.EntryID(id)
	return e, nil
}

func (s *Store) LastOf(ctx context.Context, p ledger.PartitionKey) (*ledger.Entry, error) {
	entries, err := s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE partition_key = ? ORDER BY id DESC LIMIT 1", p)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *Store) AllOf(ctx context.Context, p ledger.PartitionKey) ([]ledger.Entry, error) {
	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE partition_key = ? ORDER BY id ASC", p)
}

func (s *Store) ByItem(ctx context.Context, ref ledger.ItemRef) ([]ledger.Entry, error) {
	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE item_ref = ? ORDER BY id ASC", ref)
}

func (s *Store) Recent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries ORDER BY id DESC LIMIT ?", limit)
}

func (s *Store) Partitions(ctx context.Context) ([]ledger.PartitionKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT partition_key FROM ledger_entries ORDER BY partition_key")
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "list partitions", Err: err}
	}
	defer rows.Close()

	var keys []ledger.PartitionKey
	for rows.Next() {
		var k ledger.PartitionKey
		if err := rows.Scan(&k); err != nil {
			return nil, &ledger.PersistenceError{Op: "scan partition", Err: err}
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "query ledger entries", Err: err}
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, &ledger.PersistenceError{Op: "scan ledger entry", Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.PersistenceError{Op: "query ledger entries", Err: err}
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e          ledger.Entry
		recordedAt string
	)
	err := rows.Scan(
		&e.ID, &e.PartitionKey, &e.ItemRef, &e.Kind, &e.Quantity,
		&e.SourceLocation, &e.DestLocation, &e.ActorRef,
		&e.PreviousHash, &e.CurrentHash, &recordedAt, &e.Notes,
	)
	if err != nil {
		return e, err
	}
	e.Timestamp, err = ledger.ParseTimestamp(recordedAt)
	return e, err
}
