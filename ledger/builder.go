/*
builder.go - The only write path into the ledger

PURPOSE:
  Builder turns a Candidate into a chained Entry and persists it. It owns the
  serialization discipline that keeps each partition's chain linear.

WHY A PARTITION LOCK?
  "Read last hash" followed by "insert new entry" is a read-modify-write.
  Two unserialized writers can both read the same last hash and produce two
  entries with the same PreviousHash: a fork. The lock is scoped to one
  partition so unrelated batches still append in parallel.

APPEND SEQUENCE:
  1. Validate the candidate shape (no lock needed)
  2. Lock "partition:<key>" with a timeout   -> ConcurrencyError on failure
  3. last := Store.LastOf(partition)          -> PersistenceError on failure
  4. Resolve the item via the Catalog         -> NotFoundError if unknown
  5. PreviousHash = last.CurrentHash or Genesis; Timestamp = now
  6. CurrentHash = Digest(entry)
  7. Store.Append                             -> the durability boundary
  8. Projector.ApplyAppend (still under the lock, failure only marks stale)
  9. Notifier.Notify (fire-and-forget)
  10. Unlock (deferred, every exit path)

  Nothing before step 7 writes. A failure at step 7 leaves no trace.
  Steps 8 and 9 can never fail the append.

SEE ALSO:
  - locker.go: KeyedMutex (in-process) and the Locker interface
  - store/redislock: Locker shared by several processes
  - projector.go: ApplyAppend
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultLockTimeout bounds how long Append waits for a busy partition.
const DefaultLockTimeout = 5 * time.Second

const partitionLockPrefix = "partition:"

// =============================================================================
// BUILDER
// =============================================================================

type Builder struct {
	store       Store
	catalog     Catalog
	locker      Locker
	clock       Clock
	lockTimeout time.Duration
	projector   *Projector
	notifier    Notifier
	logger      *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLocker replaces the in-process KeyedMutex, e.g. with a Redis lock
// when several processes append to the same database.
func WithLocker(l Locker) Option {
	return func(b *Builder) { b.locker = l }
}

func WithClock(c Clock) Option {
	return func(b *Builder) { b.clock = c }
}

func WithLockTimeout(d time.Duration) Option {
	return func(b *Builder) { b.lockTimeout = d }
}

// WithProjector shares a projector with other components (API, scheduler).
func WithProjector(p *Projector) Option {
	return func(b *Builder) { b.projector = p }
}

func WithNotifier(n Notifier) Option {
	return func(b *Builder) { b.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a Builder. Without WithProjector a private Projector
// over the same store and catalog is created.
func NewBuilder(store Store, catalog Catalog, opts ...Option) *Builder {
	b := &Builder{
		store:       store,
		catalog:     catalog,
		clock:       SystemClock,
		lockTimeout: DefaultLockTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.locker == nil {
		b.locker = NewKeyedMutex()
	}
	if b.projector == nil {
		b.projector = NewProjector(store, catalog, WithProjectorLogger(b.logger))
	}
	return b
}

// Projector returns the projector the builder feeds.
func (b *Builder) Projector() *Projector { return b.projector }

// =============================================================================
// APPEND
// =============================================================================

// Append chains and persists one movement.
//
// Errors:
//   - *ValidationError: bad kind, non-positive quantity, missing refs
//   - *NotFoundError:   ItemRef unknown to the catalog
//   - *ConcurrencyError: partition lock not acquired within the timeout,
//     or the store rejected a second claim on the same PreviousHash
//   - *PersistenceError: storage failure, nothing was written
func (b *Builder) Append(ctx context.Context, c Candidate) (Entry, error) {
	if err := c.Validate(); err != nil {
		return Entry{}, err
	}

	start := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	unlock, err := b.locker.Lock(lockCtx, partitionLockPrefix+string(c.PartitionKey))
	cancel()
	if err != nil {
		b.logger.Warn("partition lock not acquired",
			"partition", c.PartitionKey, "waited", time.Since(start), "error", err)
		return Entry{}, &ConcurrencyError{Partition: c.PartitionKey, Waited: time.Since(start), Err: err}
	}
	defer unlock()

	last, err := b.store.LastOf(ctx, c.PartitionKey)
	if err != nil {
		return Entry{}, persistence("read last entry", err)
	}

	item, err := b.catalog.GetItem(ctx, c.ItemRef)
	if err != nil {
		return Entry{}, persistence("get item", err)
	}
	if item == nil {
		return Entry{}, &NotFoundError{Kind: "item", Ref: string(c.ItemRef)}
	}

	e := Entry{
		PartitionKey:   c.PartitionKey,
		ItemRef:        c.ItemRef,
		Kind:           c.Kind,
		Quantity:       c.Quantity,
		SourceLocation: c.SourceLocation,
		DestLocation:   c.DestLocation,
		ActorRef:       c.ActorRef,
		Notes:          c.Notes,
		PreviousHash:   Genesis,
		Timestamp:      b.now(),
	}
	if last != nil {
		e.PreviousHash = last.CurrentHash
		// Keep timestamp order equal to chain order even if the wall clock
		// stalls or steps back.
		if !e.Timestamp.After(last.Timestamp) {
			e.Timestamp = last.Timestamp.Add(time.Millisecond)
		}
	}
	e.CurrentHash = Digest(e)

	saved, err := b.store.Append(ctx, e)
	if err != nil {
		if errors.Is(err, ErrChainConflict) && !errors.Is(err, ErrConcurrency) {
			err = &ConcurrencyError{Partition: c.PartitionKey, Waited: time.Since(start), Err: err}
		}
		b.logger.Error("ledger append failed", "partition", c.PartitionKey, "item", c.ItemRef, "error", err)
		return Entry{}, persistence("append entry", err)
	}

	b.logger.Info("ledger entry appended",
		"partition", saved.PartitionKey,
		"item", saved.ItemRef,
		"entry_id", saved.ID,
		"kind", saved.Kind,
		"quantity", saved.Quantity)

	// The entry is durable from here on. The caller's cancellation must not
	// leave the cache behind, so the projection runs detached from ctx.
	after := *item
	if qty, err := b.projector.ApplyAppend(context.WithoutCancel(ctx), saved); err != nil {
		b.logger.Warn("projection update failed, item marked stale",
			"item", saved.ItemRef, "entry_id", saved.ID, "error", err)
		after.QuantityOnHand += saved.SignedDelta()
		after.Stale = true
	} else {
		after.QuantityOnHand = qty
	}

	if b.notifier != nil {
		b.notifier.Notify(context.WithoutCancel(ctx), Movement{
			Item:         after,
			Kind:         saved.Kind,
			Quantity:     saved.Quantity,
			Source:       saved.SourceLocation,
			Destination:  saved.DestLocation,
			PartitionKey: saved.PartitionKey,
			EntryID:      saved.ID,
			Hash:         saved.CurrentHash,
			At:           saved.Timestamp,
		})
	}

	return saved, nil
}

func (b *Builder) now() time.Time {
	// Truncate drops the monotonic reading and sub-millisecond digits so the
	// in-memory value equals what is hashed and persisted.
	return b.clock.Now().UTC().Truncate(time.Millisecond)
}
