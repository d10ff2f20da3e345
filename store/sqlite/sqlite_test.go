package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/pharma-ledger/ledger"
	"github.com/warp/pharma-ledger/pharma"
	"github.com/warp/pharma-ledger/store/sqlite"
	"github.com/warp/pharma-ledger/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func paracetamol() pharma.Drug {
	now := time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)
	return pharma.Drug{
		ID:            "drug-1",
		Name:          "Paracetamol 500mg",
		BatchNumber:   "BATCH001",
		Manufacturer:  "Generic",
		Supplier:      "MediCorp Ltd",
		MinStockLevel: 20,
		MaxStockLevel: 500,
		UnitPrice:     decimal.RequireFromString("5.99"),
		ExpiryDate:    time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func seededLedger(t *testing.T, store *sqlstore.Store) *ledger.Builder {
	t.Helper()
	require.NoError(t, store.CreateDrug(context.Background(), paracetamol()))
	return ledger.NewBuilder(store, store)
}

func movement(kind ledger.Kind, qty int64) ledger.Candidate {
	c := ledger.Candidate{
		PartitionKey: "BATCH001", ItemRef: "drug-1", Kind: kind, Quantity: qty,
		SourceLocation: "Main Pharmacy", DestLocation: "Emergency Ward", ActorRef: "nurse-1",
	}
	if kind == ledger.KindIn {
		c.SourceLocation, c.DestLocation = "Supplier", "Main Pharmacy"
	}
	return c
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func TestStore_AppendAndReadBack(t *testing.T) {
	// GIVEN: A drug with two movements
	store := newTestStore(t)
	b := seededLedger(t, store)
	ctx := context.Background()

	e1, err := b.Append(ctx, movement(ledger.KindIn, 150))
	require.NoError(t, err)
	e2, err := b.Append(ctx, movement(ledger.KindOut, 5))
	require.NoError(t, err)

	// WHEN: Reading the partition back
	entries, err := store.AllOf(ctx, "BATCH001")
	require.NoError(t, err)

	// THEN: Entries round-trip exactly, hashes included
	require.Len(t, entries, 2)
	assert.Equal(t, e1, entries[0])
	assert.Equal(t, e2, entries[1])

	last, err := store.LastOf(ctx, "BATCH001")
	require.NoError(t, err)
	assert.Equal(t, e2.ID, last.ID)

	report := ledger.VerifyEntries("BATCH001", entries)
	assert.True(t, report.IsValid)

	item, err := store.GetItem(ctx, "drug-1")
	require.NoError(t, err)
	assert.Equal(t, int64(145), item.QuantityOnHand)
}

func TestStore_EmptyPartition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	last, err := store.LastOf(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, last)

	entries, err := store.AllOf(ctx, "NOPE")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_RecentAndPartitions(t *testing.T) {
	store := newTestStore(t)
	b := seededLedger(t, store)
	ctx := context.Background()
	d2 := paracetamol()
	d2.ID, d2.BatchNumber = "drug-2", "BATCH002"
	require.NoError(t, store.CreateDrug(ctx, d2))

	for i := 0; i < 3; i++ {
		_, err := b.Append(ctx, movement(ledger.KindIn, 10))
		require.NoError(t, err)
	}
	c := movement(ledger.KindIn, 7)
	c.PartitionKey, c.ItemRef = "BATCH002", "drug-2"
	last, err := b.Append(ctx, c)
	require.NoError(t, err)

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, last.ID, recent[0].ID)
	assert.Greater(t, recent[0].ID, recent[1].ID)

	parts, err := store.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.PartitionKey{"BATCH001", "BATCH002"}, parts)

	byItem, err := store.ByItem(ctx, "drug-2")
	require.NoError(t, err)
	assert.Len(t, byItem, 1)
}

func TestStore_ForkRejectedByUniqueIndex(t *testing.T) {
	// GIVEN: A partition whose genesis is taken
	store := newTestStore(t)
	b := seededLedger(t, store)
	ctx := context.Background()
	e1, err := b.Append(ctx, movement(ledger.KindIn, 150))
	require.NoError(t, err)

	// WHEN: A second entry claims Genesis, bypassing the Builder
	fork := e1
	fork.Quantity = 1
	fork.CurrentHash = ledger.Digest(fork)
	_, err = store.Append(ctx, fork)

	// THEN: The database refuses it as a chain conflict
	assert.ErrorIs(t, err, ledger.ErrChainConflict)
	assert.True(t, ledger.IsRetryable(err))
}

func TestStore_AppendOnlyTriggers(t *testing.T) {
	store := newTestStore(t)
	b := seededLedger(t, store)
	ctx := context.Background()
	_, err := b.Append(ctx, movement(ledger.KindIn, 150))
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, "UPDATE ledger_entries SET quantity = 1")
	assert.ErrorContains(t, err, "append-only")

	_, err = store.DB().ExecContext(ctx, "DELETE FROM ledger_entries")
	assert.ErrorContains(t, err, "append-only")

	entries, err := store.AllOf(ctx, "BATCH001")
	require.NoError(t, err)
	assert.Equal(t, int64(150), entries[0].Quantity)
}

func TestStore_TamperDetection(t *testing.T) {
	// GIVEN: Three entries and an operator who disables the guard
	store := newTestStore(t)
	b := seededLedger(t, store)
	ctx := context.Background()
	var ids []ledger.EntryID
	for _, c := range []ledger.Candidate{movement(ledger.KindIn, 150), movement(ledger.KindOut, 5), movement(ledger.KindOut, 7)} {
		e, err := b.Append(ctx, c)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	_, err := store.DB().ExecContext(ctx, "DROP TRIGGER ledger_entries_no_update")
	require.NoError(t, err)

	// WHEN: The middle entry's quantity is rewritten in place
	_, err = store.DB().ExecContext(ctx, "UPDATE ledger_entries SET quantity = 1 WHERE id = ?", ids[1])
	require.NoError(t, err)

	// THEN: Verification pinpoints it
	report, err := ledger.NewVerifier(store, nil).Verify(ctx, "BATCH001")
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.Equal(t, 1, report.FirstInvalidIndex)
	assert.True(t, report.PerEntry[0].BlockValid)
	assert.False(t, report.PerEntry[1].BlockValid)
	assert.True(t, report.PerEntry[2].ChainValid)
}

func TestStore_ConcurrentAppendsOnFile(t *testing.T) {
	// GIVEN: A WAL file database shared by many writers
	store, err := sqlite.New(filepath.Join(t.TempDir(), "pharma.db"))
	require.NoError(t, err)
	defer store.Close()
	b := seededLedger(t, store)
	ctx := context.Background()

	// WHEN: 20 writers append to the same batch
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Append(ctx, movement(ledger.KindIn, 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: One unbroken chain
	report, err := ledger.NewVerifier(store, nil).Verify(ctx, "BATCH001")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, 20, report.TotalEntries)
}

func TestStore_TwoWritersOnOneFile(t *testing.T) {
	// GIVEN: Two independently opened stores on one file, each with its own
	// builder, like the server and a CLI invocation
	path := filepath.Join(t.TempDir(), "pharma.db")
	serveStore, err := sqlite.New(path)
	require.NoError(t, err)
	defer serveStore.Close()
	serve := seededLedger(t, serveStore)

	cliStore, err := sqlite.New(path)
	require.NoError(t, err)
	defer cliStore.Close()
	cli := ledger.NewBuilder(cliStore, cliStore)
	ctx := context.Background()

	// WHEN: They interleave movements on the same drug
	_, err = serve.Append(ctx, movement(ledger.KindIn, 150))
	require.NoError(t, err)
	_, err = cli.Append(ctx, movement(ledger.KindOut, 40))
	require.NoError(t, err)
	_, err = serve.Append(ctx, movement(ledger.KindOut, 5))
	require.NoError(t, err)

	// THEN: The cached quantity matches the ledger
	item, err := serveStore.GetItem(ctx, "drug-1")
	require.NoError(t, err)
	assert.Equal(t, int64(105), item.QuantityOnHand)
	assert.False(t, item.Stale)

	entries, err := cliStore.ByItem(ctx, "drug-1")
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.SignedDelta()
	}
	assert.Equal(t, sum, item.QuantityOnHand)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog_AddQuantity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateDrug(ctx, paracetamol()))

	qty, err := store.AddQuantity(ctx, "drug-1", 150)
	require.NoError(t, err)
	assert.Equal(t, int64(150), qty)
	qty, err = store.AddQuantity(ctx, "drug-1", -40)
	require.NoError(t, err)
	assert.Equal(t, int64(110), qty)

	_, err = store.AddQuantity(ctx, "nope", 1)
	assert.True(t, ledger.IsNotFound(err))
}

func TestCatalog_DrugRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := paracetamol()
	d.Quantity = 999 // ignored: quantity starts at zero
	require.NoError(t, store.CreateDrug(ctx, d))

	got, err := store.GetDrug(ctx, "drug-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Paracetamol 500mg", got.Name)
	assert.Zero(t, got.Quantity)
	assert.True(t, got.UnitPrice.Equal(decimal.RequireFromString("5.99")))
	assert.Equal(t, d.ExpiryDate, got.ExpiryDate)
	assert.Equal(t, d.CreatedAt, got.CreatedAt)

	byBatch, err := store.GetDrugByBatch(ctx, "BATCH001")
	require.NoError(t, err)
	assert.Equal(t, "drug-1", byBatch.ID)

	missing, err := store.GetDrug(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCatalog_DuplicateBatchIsValidationError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateDrug(ctx, paracetamol()))

	dup := paracetamol()
	dup.ID = "drug-other"
	err := store.CreateDrug(ctx, dup)
	assert.True(t, ledger.IsClientError(err))
}

func TestCatalog_UpdateKeepsQuantity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateDrug(ctx, paracetamol()))
	require.NoError(t, store.SetQuantity(ctx, "drug-1", 42))

	d := paracetamol()
	d.Name = "Paracetamol 500mg tablets"
	d.Quantity = 0
	require.NoError(t, store.UpdateDrug(ctx, d))

	got, err := store.GetDrug(ctx, "drug-1")
	require.NoError(t, err)
	assert.Equal(t, "Paracetamol 500mg tablets", got.Name)
	assert.Equal(t, int64(42), got.Quantity)

	d.ID = "nope"
	assert.True(t, ledger.IsNotFound(store.UpdateDrug(ctx, d)))
	assert.True(t, ledger.IsNotFound(store.SetQuantity(ctx, "nope", 1)))
}

func TestCatalog_StaleFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateDrug(ctx, paracetamol()))

	require.NoError(t, store.MarkStale(ctx, "drug-1", true))
	refs, err := store.StaleItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.ItemRef{"drug-1"}, refs)

	item, err := store.GetItem(ctx, "drug-1")
	require.NoError(t, err)
	assert.True(t, item.Stale)

	require.NoError(t, store.MarkStale(ctx, "drug-1", false))
	refs, err = store.StaleItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestCatalog_LocationsUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, l := range pharma.DefaultLocations() {
		require.NoError(t, store.SaveLocation(ctx, l))
	}
	cold := pharma.DefaultLocations()[2]
	cold.Capacity = 750
	require.NoError(t, store.SaveLocation(ctx, cold))

	locs, err := store.ListLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locs, 4)
	for _, l := range locs {
		if l.Name == "Cold Storage" {
			assert.Equal(t, int64(750), l.Capacity)
			assert.Equal(t, "2-8°C", l.TemperatureCondition)
		}
	}
}

func TestNew_ReopenFileKeepsChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	b := seededLedger(t, store)
	for i := 1; i <= 3; i++ {
		_, err := b.Append(ctx, movement(ledger.KindIn, int64(i)))
		require.NoError(t, err, fmt.Sprintf("append %d", i))
	}
	require.NoError(t, store.Close())

	// Migration is idempotent and the chain survives the restart.
	store, err = sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()
	report, err := ledger.NewVerifier(store, nil).Verify(ctx, "BATCH001")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, 3, report.TotalEntries)
}
