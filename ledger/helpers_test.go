package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/pharma-ledger/ledger"
	"github.com/warp/pharma-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	store   *store.Memory
	catalog *flakyCatalog
	locker  *ledger.KeyedMutex
	builder *ledger.Builder
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		catalog: &flakyCatalog{MemoryCatalog: store.NewMemoryCatalog(
			ledger.Item{Ref: "drug-1", Name: "Paracetamol 500mg", MinStockLevel: 20},
			ledger.Item{Ref: "drug-2", Name: "Amoxicillin 250mg", MinStockLevel: 15},
			ledger.Item{Ref: "drug-3", Name: "Insulin Glargine", MinStockLevel: 10},
		)},
		locker: ledger.NewKeyedMutex(),
	}
	opts = append([]ledger.Option{ledger.WithLocker(f.locker), ledger.WithClock(steppingClock())}, opts...)
	f.builder = ledger.NewBuilder(f.store, f.catalog, opts...)
	return f
}

func (f *fixture) append(t *testing.T, c ledger.Candidate) ledger.Entry {
	t.Helper()
	e, err := f.builder.Append(context.Background(), c)
	require.NoError(t, err)
	return e
}

func (f *fixture) count(t *testing.T, p ledger.PartitionKey) int {
	t.Helper()
	entries, err := f.store.AllOf(context.Background(), p)
	require.NoError(t, err)
	return len(entries)
}

func stockIn(p ledger.PartitionKey, item ledger.ItemRef, qty int64) ledger.Candidate {
	return ledger.Candidate{
		PartitionKey:   p,
		ItemRef:        item,
		Kind:           ledger.KindIn,
		Quantity:       qty,
		SourceLocation: "Supplier",
		DestLocation:   "Main Pharmacy",
		ActorRef:       "System",
	}
}

func stockOut(p ledger.PartitionKey, item ledger.ItemRef, qty int64) ledger.Candidate {
	return ledger.Candidate{
		PartitionKey:   p,
		ItemRef:        item,
		Kind:           ledger.KindOut,
		Quantity:       qty,
		SourceLocation: "Main Pharmacy",
		DestLocation:   "Emergency Ward",
		ActorRef:       "nurse-1",
	}
}

// steppingClock advances one second per call from a fixed instant.
func steppingClock() ledger.Clock {
	var n atomic.Int64
	base := time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)
	return ledger.ClockFunc(func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	})
}

// =============================================================================
// TEST DOUBLES
// =============================================================================

// flakyCatalog fails quantity writes while failSet is true.
type flakyCatalog struct {
	*store.MemoryCatalog
	failSet atomic.Bool
}

func (c *flakyCatalog) SetQuantity(ctx context.Context, ref ledger.ItemRef, qty int64) error {
	if c.failSet.Load() {
		return errors.New("catalog unavailable")
	}
	return c.MemoryCatalog.SetQuantity(ctx, ref, qty)
}

func (c *flakyCatalog) AddQuantity(ctx context.Context, ref ledger.ItemRef, delta int64) (int64, error) {
	if c.failSet.Load() {
		return 0, errors.New("catalog unavailable")
	}
	return c.MemoryCatalog.AddQuantity(ctx, ref, delta)
}

// setOnlyCatalog hides AddQuantity so the projector falls back to
// SetQuantity.
type setOnlyCatalog struct {
	ledger.Catalog
}

// tamperStore rewrites entries on the way out of AllOf, as if the rows had
// been edited in storage.
type tamperStore struct {
	*store.Memory
	mutate func(i int, e *ledger.Entry)
}

func (s *tamperStore) AllOf(ctx context.Context, p ledger.PartitionKey) ([]ledger.Entry, error) {
	entries, err := s.Memory.AllOf(ctx, p)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		s.mutate(i, &entries[i])
	}
	return entries, nil
}

// failingStore fails Append.
type failingStore struct {
	*store.Memory
}

func (s *failingStore) Append(context.Context, ledger.Entry) (ledger.Entry, error) {
	return ledger.Entry{}, errors.New("disk full")
}

// recordingNotifier collects movements.
type recordingNotifier struct {
	mu        sync.Mutex
	movements []ledger.Movement
}

func (n *recordingNotifier) Notify(_ context.Context, m ledger.Movement) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.movements = append(n.movements, m)
}

func (n *recordingNotifier) all() []ledger.Movement {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ledger.Movement(nil), n.movements...)
}
