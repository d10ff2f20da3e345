/*
projector.go - Item quantity as a materialized view of the ledger

PURPOSE:
  The ledger is the source of truth. Item.QuantityOnHand in the catalog is a
  cache that the Projector keeps in step with every append, and that can be
  recomputed from scratch at any time with Rebuild.

    quantity(item) = SUM(entry.SignedDelta()) over entries referencing item

WATERMARKS:
  For each item the Projector remembers the last EntryID it folded per
  partition. ApplyAppend for an entry at or below the watermark is a no-op.
  This is what lets a Rebuild run concurrently with appends without counting
  an entry twice: whichever of the two sees the entry first wins, the other
  skips it. Appends of one partition reach ApplyAppend in ID order because
  the Builder calls it under the partition lock.

  Watermarks live in process memory and only guard against double counting
  inside this process. The delta itself goes to the catalog through
  QuantityAdder when the catalog implements it, so a second process writing
  the same database adds its own entries on top instead of overwriting them.
  Catalogs without QuantityAdder get an absolute SetQuantity computed from
  the cached value, after a Rebuild on the first ApplyAppend for the item.
  WithReplayOnApply turns every ApplyAppend into a Rebuild.

  A Rebuild overwrites the quantity. It must not race an append made by a
  different process to the same item unless the item lock is shared
  (WithItemLocker with a distributed Locker).

STALENESS:
  If the catalog update fails after the entry is durable, the append still
  succeeds. The item is flagged stale (in memory, and in the catalog when it
  implements StaleMarker) and Quantity reports the last cached value with
  Stale=true until RebuildStale or Rebuild repairs it.

LOCK ORDER:
  partition (Builder) -> item (Projector). Never the reverse.
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const itemLockPrefix = "item:"

// DefaultItemLockTimeout bounds how long ApplyAppend waits for a busy item.
const DefaultItemLockTimeout = 5 * time.Second

// Projection is the cached quantity of one item.
type Projection struct {
	ItemRef  ItemRef
	Quantity int64
	Stale    bool
}

type itemState struct {
	loaded     bool
	quantity   int64
	watermarks map[PartitionKey]EntryID
	stale      bool
}

// =============================================================================
// PROJECTOR
// =============================================================================

type Projector struct {
	store   Store
	catalog Catalog
	locker  Locker
	replay  bool
	logger  *slog.Logger

	lockTimeout time.Duration

	mu    sync.Mutex
	items map[ItemRef]*itemState
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

func WithProjectorLogger(l *slog.Logger) ProjectorOption {
	return func(p *Projector) { p.logger = l }
}

// WithItemLocker replaces the in-process item lock.
func WithItemLocker(l Locker) ProjectorOption {
	return func(p *Projector) { p.locker = l }
}

// WithItemLockTimeout bounds the wait for the item lock. The Builder calls
// ApplyAppend with a context that is never cancelled, so this is the only
// limit on that wait.
func WithItemLockTimeout(d time.Duration) ProjectorOption {
	return func(p *Projector) { p.lockTimeout = d }
}

// WithReplayOnApply makes every ApplyAppend a full Rebuild of the item.
func WithReplayOnApply() ProjectorOption {
	return func(p *Projector) { p.replay = true }
}

func NewProjector(store Store, catalog Catalog, opts ...ProjectorOption) *Projector {
	p := &Projector{
		store:   store,
		catalog: catalog,
		logger:  slog.Default(),
		items:   make(map[ItemRef]*itemState),

		lockTimeout: DefaultItemLockTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locker == nil {
		p.locker = NewKeyedMutex()
	}
	return p
}

// ApplyAppend folds one freshly appended entry into its item's cached
// quantity and returns the new quantity. On any failure the item is left
// stale for a later Rebuild.
func (p *Projector) ApplyAppend(ctx context.Context, e Entry) (int64, error) {
	unlock, err := p.lockItem(ctx, e.ItemRef)
	if err != nil {
		p.markStale(ctx, e.ItemRef)
		return 0, &ConcurrencyError{Partition: e.PartitionKey, Waited: p.lockTimeout, Err: err}
	}
	defer unlock()

	adder, atomic := p.catalog.(QuantityAdder)

	st := p.state(e.ItemRef)
	p.mu.Lock()
	needRebuild := p.replay || st.stale || (!atomic && !st.loaded)
	applied := st.watermarks[e.PartitionKey] >= e.ID
	current := st.quantity
	p.mu.Unlock()

	if needRebuild {
		return p.rebuildLocked(ctx, e.ItemRef)
	}
	if applied {
		return current, nil
	}

	var qty int64
	if atomic {
		qty, err = adder.AddQuantity(ctx, e.ItemRef, e.SignedDelta())
	} else {
		qty = current + e.SignedDelta()
		err = p.catalog.SetQuantity(ctx, e.ItemRef, qty)
	}
	if err != nil {
		p.markStale(ctx, e.ItemRef)
		return 0, persistence("update quantity", err)
	}

	p.mu.Lock()
	st.loaded = true
	st.quantity = qty
	st.watermarks[e.PartitionKey] = e.ID
	p.mu.Unlock()
	return qty, nil
}

// Rebuild recomputes the item's quantity by replaying every entry that
// references it, writes it to the catalog and clears the stale flag.
func (p *Projector) Rebuild(ctx context.Context, ref ItemRef) (int64, error) {
	unlock, err := p.lockItem(ctx, ref)
	if err != nil {
		return 0, &ConcurrencyError{Waited: p.lockTimeout, Err: err}
	}
	defer unlock()
	return p.rebuildLocked(ctx, ref)
}

func (p *Projector) rebuildLocked(ctx context.Context, ref ItemRef) (int64, error) {
	entries, err := p.store.ByItem(ctx, ref)
	if err != nil {
		p.markStale(ctx, ref)
		return 0, persistence("replay item", err)
	}

	var qty int64
	marks := make(map[PartitionKey]EntryID)
	for _, e := range entries {
		qty += e.SignedDelta()
		if e.ID > marks[e.PartitionKey] {
			marks[e.PartitionKey] = e.ID
		}
	}

	if err := p.catalog.SetQuantity(ctx, ref, qty); err != nil {
		p.markStale(ctx, ref)
		return 0, persistence("set quantity", err)
	}

	st := p.state(ref)
	p.mu.Lock()
	st.loaded = true
	st.quantity = qty
	st.watermarks = marks
	st.stale = false
	p.mu.Unlock()

	if sm, ok := p.catalog.(StaleMarker); ok {
		if err := sm.MarkStale(ctx, ref, false); err != nil {
			p.logger.Warn("clear stale flag failed", "item", ref, "error", err)
		}
	}

	p.logger.Debug("item rebuilt from ledger", "item", ref, "entries", len(entries), "quantity", qty)
	return qty, nil
}

// RebuildStale rebuilds every item flagged stale, in memory or in the
// catalog. It returns the items that were repaired.
func (p *Projector) RebuildStale(ctx context.Context) ([]ItemRef, error) {
	refs := p.StaleItems()
	if sm, ok := p.catalog.(StaleMarker); ok {
		persisted, err := sm.StaleItems(ctx)
		if err != nil {
			return nil, persistence("list stale items", err)
		}
		refs = mergeRefs(refs, persisted)
	}

	var (
		rebuilt []ItemRef
		errs    []error
	)
	for _, ref := range refs {
		if _, err := p.Rebuild(ctx, ref); err != nil {
			errs = append(errs, err)
			continue
		}
		rebuilt = append(rebuilt, ref)
	}
	return rebuilt, errors.Join(errs...)
}

// Quantity returns the cached quantity with its staleness marker.
func (p *Projector) Quantity(ctx context.Context, ref ItemRef) (Projection, error) {
	item, err := p.catalog.GetItem(ctx, ref)
	if err != nil {
		return Projection{}, persistence("get item", err)
	}
	if item == nil {
		return Projection{}, &NotFoundError{Kind: "item", Ref: string(ref)}
	}
	return Projection{
		ItemRef:  ref,
		Quantity: item.QuantityOnHand,
		Stale:    item.Stale || p.IsStale(ref),
	}, nil
}

func (p *Projector) IsStale(ref ItemRef) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.items[ref]
	return ok && st.stale
}

// StaleItems lists the items flagged stale in this process, sorted.
func (p *Projector) StaleItems() []ItemRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	var refs []ItemRef
	for ref, st := range p.items {
		if st.stale {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

func (p *Projector) lockItem(ctx context.Context, ref ItemRef) (func(), error) {
	if p.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.lockTimeout)
		defer cancel()
	}
	return p.locker.Lock(ctx, itemLockPrefix+string(ref))
}

func (p *Projector) state(ref ItemRef) *itemState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.items[ref]
	if !ok {
		st = &itemState{watermarks: make(map[PartitionKey]EntryID)}
		p.items[ref] = st
	}
	return st
}

func (p *Projector) markStale(ctx context.Context, ref ItemRef) {
	st := p.state(ref)
	p.mu.Lock()
	st.stale = true
	p.mu.Unlock()

	if sm, ok := p.catalog.(StaleMarker); ok {
		if err := sm.MarkStale(ctx, ref, true); err != nil {
			p.logger.Warn("persist stale flag failed", "item", ref, "error", err)
		}
	}
}

func mergeRefs(a, b []ItemRef) []ItemRef {
	seen := make(map[ItemRef]bool, len(a)+len(b))
	var out []ItemRef
	for _, ref := range append(append([]ItemRef{}, a...), b...) {
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
