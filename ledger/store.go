/*
store.go - Persistence and collaborator interfaces

APPEND-ONLY CONTRACT:
  Store.Append is the ONLY write. There is no Update and no Delete.
  Append receives a fully formed entry (both hashes set by the Builder),
  assigns the next ID and either persists the whole record or nothing.

SNAPSHOT READS:
  AllOf returns a snapshot. Appends racing with the read may be missing,
  but the result is always a valid prefix of the true history because
  entries are never changed and IDs only grow.

COLLABORATORS:
  Catalog   Item lookup and the quantity cache (owned outside the core)
  Notifier  Fire-and-forget movement notifications

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, partition sharded (tests, embedding)
  - store/sqlstore: database/sql (sqlite and mysql dialects)
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Append-only entry persistence
// =============================================================================

type Store interface {
	// Append persists e and returns it with its ID set.
	// Fails with a PersistenceError on I/O failure; no partial record is visible.
	Append(ctx context.Context, e Entry) (Entry, error)

	// LastOf returns the most recent entry of the partition, or nil if empty.
	LastOf(ctx context.Context, p PartitionKey) (*Entry, error)

	// AllOf returns the partition's entries in ascending ID order.
	AllOf(ctx context.Context, p PartitionKey) ([]Entry, error)

	// ByItem returns every entry referencing ref, ascending ID order.
	ByItem(ctx context.Context, ref ItemRef) ([]Entry, error)

	// Partitions lists every partition with at least one entry.
	Partitions(ctx context.Context) ([]PartitionKey, error)

	// Recent returns up to limit entries across partitions, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// =============================================================================
// CATALOG - Item collaborator
// =============================================================================

// Catalog is the item catalog as far as the core is concerned.
type Catalog interface {
	// GetItem returns nil, nil for an unknown ref.
	GetItem(ctx context.Context, ref ItemRef) (*Item, error)

	// SetQuantity overwrites the cached quantity on hand.
	SetQuantity(ctx context.Context, ref ItemRef, qty int64) error
}

// QuantityAdder is implemented by catalogs that can apply a delta in one
// atomic step. The Projector prefers it over SetQuantity so that several
// writer processes sharing one catalog never overwrite each other.
type QuantityAdder interface {
	// AddQuantity adds delta to the cached quantity and returns the result.
	AddQuantity(ctx context.Context, ref ItemRef, delta int64) (int64, error)
}

// StaleMarker is implemented by catalogs that can persist the staleness
// flag, so a restart does not forget which caches need a rebuild.
type StaleMarker interface {
	MarkStale(ctx context.Context, ref ItemRef, stale bool) error
	StaleItems(ctx context.Context) ([]ItemRef, error)
}

// =============================================================================
// NOTIFIER
// =============================================================================

// Notifier receives a Movement after every successful append.
// Implementations must return immediately; delivery failures are theirs to log.
type Notifier interface {
	Notify(ctx context.Context, m Movement)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, m Movement)

func (f NotifierFunc) Notify(ctx context.Context, m Movement) { f(ctx, m) }

// =============================================================================
// CLOCK
// =============================================================================

type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
