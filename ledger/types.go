/*
Package ledger provides the hash-chained stock movement ledger.

PURPOSE:
  Every stock movement (receipt, dispatch, transfer) is recorded as an
  immutable Entry that is cryptographically linked to the previous entry of
  the same partition. Any party can replay a partition and detect an entry
  that was altered, removed or reordered after it was written.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry:     An immutable, hash-linked ledger record
  - Candidate: A validated movement that has not been chained yet
  - Kind:      in | out | transfer (direction lives here, never in the sign)
  - Item:      The catalog view the core needs (quantity cache + threshold)

COMPONENTS:
  Store     (store.go)     Append-only persistence, queryable by partition
  Builder   (builder.go)   The only write path; serializes per partition
  Verifier  (verifier.go)  Read-only replay of one partition's chain
  Projector (projector.go) Item quantity as a rebuildable materialized view

INVARIANTS (per partition, at all times):
  1. Entries are ordered by ID; ID order == chain order == timestamp order.
  2. entries[0].PreviousHash == Genesis; entries[i].PreviousHash == entries[i-1].CurrentHash.
  3. entries[i].CurrentHash == Digest(entries[i]).
  4. Quantity > 0; direction is encoded only by Kind.
  5. No fork: at most one entry claims any PreviousHash value.

SEE ALSO:
  - hash.go: Canonical encoding and digest
  - errors.go: Error taxonomy
*/
package ledger

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Genesis is the PreviousHash of the first entry in every partition.
const Genesis = "0"

// TimestampLayout is the ISO-8601 form baked into the hash input.
// Timestamps are UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// =============================================================================
// IDENTIFIERS
// =============================================================================

// PartitionKey scopes one independent hash chain (a drug batch/lot).
type PartitionKey string

// ItemRef identifies a catalog item.
type ItemRef string

// ActorRef identifies who or what performed a movement.
type ActorRef string

// EntryID is assigned by the Store and strictly increases within a partition.
type EntryID int64

// =============================================================================
// KIND
// =============================================================================

type Kind string

const (
	KindIn       Kind = "in"       // Stock received into DestLocation
	KindOut      Kind = "out"      // Stock dispatched from SourceLocation
	KindTransfer Kind = "transfer" // Stock moved SourceLocation -> DestLocation
)

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	switch k {
	case KindIn, KindOut, KindTransfer:
		return true
	}
	return false
}

// ParseKind converts free text into a Kind. Matching is case-insensitive.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q (want in, out or transfer)", s)}
	}
	return k, nil
}

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one link of a partition's chain. Immutable once appended.
type Entry struct {
	ID             EntryID
	PartitionKey   PartitionKey
	ItemRef        ItemRef
	Kind           Kind
	Quantity       int64
	SourceLocation string
	DestLocation   string
	ActorRef       ActorRef
	PreviousHash   string
	CurrentHash    string
	Timestamp      time.Time
	Notes          string
}

// SignedDelta is the entry's contribution to the item's quantity on hand.
// The two legs of a transfer cancel: stock changes location, not amount.
func (e Entry) SignedDelta() int64 {
	switch e.Kind {
	case KindIn:
		return e.Quantity
	case KindOut:
		return -e.Quantity
	default:
		return 0
	}
}

// Legs returns the per-location deltas of the entry.
// A transfer yields -Quantity at SourceLocation and +Quantity at DestLocation.
func (e Entry) Legs() map[string]int64 {
	legs := make(map[string]int64, 2)
	switch e.Kind {
	case KindIn:
		legs[e.DestLocation] += e.Quantity
	case KindOut:
		legs[e.SourceLocation] -= e.Quantity
	case KindTransfer:
		legs[e.SourceLocation] -= e.Quantity
		legs[e.DestLocation] += e.Quantity
	}
	return legs
}

// TimestampString is the exact timestamp text that was hashed.
func (e Entry) TimestampString() string {
	return FormatTimestamp(e.Timestamp)
}

// Receipt is what the append entrypoint hands back to callers.
type Receipt struct {
	ID           EntryID
	PreviousHash string
	CurrentHash  string
	Timestamp    time.Time
}

func (e Entry) Receipt() Receipt {
	return Receipt{ID: e.ID, PreviousHash: e.PreviousHash, CurrentHash: e.CurrentHash, Timestamp: e.Timestamp}
}

// FormatTimestamp renders t the way it is hashed and persisted.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ledger timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// =============================================================================
// CANDIDATE - A movement request before it is chained
// =============================================================================

// Candidate is a strongly typed movement. The Builder turns it into an Entry.
type Candidate struct {
	PartitionKey   PartitionKey
	ItemRef        ItemRef
	Kind           Kind
	Quantity       int64
	SourceLocation string
	DestLocation   string
	ActorRef       ActorRef
	Notes          string
}

// Input bounds. MaxQuantity keeps any realistic fold far from int64
// overflow; the lengths are in characters and match the narrowest column
// a SQL store gives each field.
const (
	MaxQuantity    = 1_000_000_000
	MaxKeyLength   = 191
	MaxFieldLength = 255
	MaxNotesLength = 4096
)

// Validate checks everything that can be checked without the store.
// Item existence is checked by the Builder under the partition lock.
func (c Candidate) Validate() error {
	if strings.TrimSpace(string(c.PartitionKey)) == "" {
		return &ValidationError{Field: "partition_key", Reason: "is required"}
	}
	if strings.TrimSpace(string(c.ItemRef)) == "" {
		return &ValidationError{Field: "item_ref", Reason: "is required"}
	}
	if !c.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q (want in, out or transfer)", c.Kind)}
	}
	if c.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be positive, got %d", c.Quantity)}
	}
	if c.Quantity > MaxQuantity {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be at most %d, got %d", MaxQuantity, c.Quantity)}
	}
	if c.Kind == KindTransfer && c.SourceLocation == c.DestLocation {
		return &ValidationError{Field: "dest_location", Reason: "transfer must change location"}
	}
	for _, f := range []struct {
		name string
		v    string
		max  int
	}{
		{"partition_key", string(c.PartitionKey), MaxKeyLength},
		{"item_ref", string(c.ItemRef), MaxKeyLength},
		{"source_location", c.SourceLocation, MaxFieldLength},
		{"dest_location", c.DestLocation, MaxFieldLength},
		{"actor_ref", string(c.ActorRef), MaxFieldLength},
		{"notes", c.Notes, MaxNotesLength},
	} {
		if !utf8.ValidString(f.v) {
			return &ValidationError{Field: f.name, Reason: "must be valid UTF-8"}
		}
		if n := utf8.RuneCountInString(f.v); n > f.max {
			return &ValidationError{Field: f.name, Reason: fmt.Sprintf("must be at most %d characters, got %d", f.max, n)}
		}
	}
	return nil
}

// =============================================================================
// ITEM - The slice of the catalog the core depends on
// =============================================================================

// Item is the catalog collaborator's record as seen by the core.
// QuantityOnHand is a cache of the ledger fold, never a second source of truth.
type Item struct {
	Ref            ItemRef
	Name           string
	QuantityOnHand int64
	MinStockLevel  int64 // 0 when the catalog defines no threshold
	Stale          bool  // cache needs Rebuild
}

// Movement is handed to the Notifier after a successful append.
type Movement struct {
	Item         Item
	Kind         Kind
	Quantity     int64
	Source       string
	Destination  string
	PartitionKey PartitionKey
	EntryID      EntryID
	Hash         string
	At           time.Time
}
