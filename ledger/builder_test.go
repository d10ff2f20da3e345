package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/pharma-ledger/ledger"
	"github.com/warp/pharma-ledger/ledger/store"
)

// =============================================================================
// CHAIN LINKAGE
// =============================================================================

func TestBuilder_Batch001Example(t *testing.T) {
	// GIVEN: Partition BATCH001 is empty
	f := newFixture(t)
	ctx := context.Background()

	// WHEN: in 150, then out 5
	e1 := f.append(t, stockIn("BATCH001", "drug-1", 150))
	e2 := f.append(t, stockOut("BATCH001", "drug-1", 5))

	// THEN: The entries link and the partition verifies
	assert.Equal(t, ledger.Genesis, e1.PreviousHash)
	assert.Equal(t, e1.CurrentHash, e2.PreviousHash)
	assert.Len(t, e1.CurrentHash, 64)

	report, err := ledger.NewVerifier(f.store, nil).Verify(ctx, "BATCH001")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, 2, report.TotalEntries)
	assert.Equal(t, -1, report.FirstInvalidIndex)

	item, err := f.catalog.GetItem(ctx, "drug-1")
	require.NoError(t, err)
	assert.Equal(t, int64(145), item.QuantityOnHand)
}

func TestBuilder_ChainLinkage(t *testing.T) {
	f := newFixture(t)

	prev := ledger.Genesis
	var lastID ledger.EntryID
	for i := 0; i < 20; i++ {
		c := stockIn("BATCH002", "drug-2", int64(i+1))
		if i%3 == 2 {
			c = stockOut("BATCH002", "drug-2", 1)
		}
		e := f.append(t, c)

		assert.Equal(t, prev, e.PreviousHash, "entry %d", i)
		assert.Greater(t, e.ID, lastID)
		assert.Equal(t, ledger.Digest(e), e.CurrentHash)
		prev, lastID = e.CurrentHash, e.ID
	}
}

func TestBuilder_ReceiptMatchesEntry(t *testing.T) {
	f := newFixture(t)
	e := f.append(t, stockIn("BATCH001", "drug-1", 10))

	r := e.Receipt()
	assert.Equal(t, e.ID, r.ID)
	assert.Equal(t, e.PreviousHash, r.PreviousHash)
	assert.Equal(t, e.CurrentHash, r.CurrentHash)
	assert.Equal(t, e.Timestamp, r.Timestamp)
}

func TestBuilder_TimestampsStrictlyIncrease(t *testing.T) {
	// GIVEN: A clock frozen on one instant
	frozen := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, ledger.WithClock(ledger.ClockFunc(func() time.Time { return frozen })))

	// WHEN: Three appends happen "at the same time"
	e1 := f.append(t, stockIn("BATCH001", "drug-1", 1))
	e2 := f.append(t, stockIn("BATCH001", "drug-1", 1))
	e3 := f.append(t, stockIn("BATCH001", "drug-1", 1))

	// THEN: Timestamps are still strictly ordered, one millisecond apart
	assert.Equal(t, frozen, e1.Timestamp)
	assert.Equal(t, frozen.Add(time.Millisecond), e2.Timestamp)
	assert.Equal(t, frozen.Add(2*time.Millisecond), e3.Timestamp)
}

func TestBuilder_TimestampTruncatedToMillis(t *testing.T) {
	at := time.Date(2025, time.March, 1, 12, 0, 0, 123_456_789, time.FixedZone("X", 7200))
	f := newFixture(t, ledger.WithClock(ledger.ClockFunc(func() time.Time { return at })))

	e := f.append(t, stockIn("BATCH001", "drug-1", 1))

	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.Equal(t, 123_000_000, e.Timestamp.Nanosecond())
	assert.Equal(t, "2025-03-01T10:00:00.123Z", e.TimestampString())
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestBuilder_ValidationRejected(t *testing.T) {
	cases := map[string]func(*ledger.Candidate){
		"zero quantity":     func(c *ledger.Candidate) { c.Quantity = 0 },
		"negative quantity": func(c *ledger.Candidate) { c.Quantity = -5 },
		"unknown kind":      func(c *ledger.Candidate) { c.Kind = "adjust" },
		"missing item":      func(c *ledger.Candidate) { c.ItemRef = "" },
		"missing partition": func(c *ledger.Candidate) { c.PartitionKey = " " },
		"transfer in place": func(c *ledger.Candidate) {
			c.Kind = ledger.KindTransfer
			c.SourceLocation, c.DestLocation = "Cold Storage", "Cold Storage"
		},
		"invalid utf8":           func(c *ledger.Candidate) { c.Notes = "\xff\xfe" },
		"quantity above maximum": func(c *ledger.Candidate) { c.Quantity = ledger.MaxQuantity + 1 },
		"long location":          func(c *ledger.Candidate) { c.DestLocation = strings.Repeat("W", ledger.MaxFieldLength+1) },
		"long actor":             func(c *ledger.Candidate) { c.ActorRef = ledger.ActorRef(strings.Repeat("a", ledger.MaxFieldLength+1)) },
		"long notes":             func(c *ledger.Candidate) { c.Notes = strings.Repeat("n", ledger.MaxNotesLength+1) },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			// GIVEN: A partition with one entry
			f := newFixture(t)
			f.append(t, stockIn("BATCH001", "drug-1", 100))

			// WHEN: Appending an invalid candidate
			c := stockOut("BATCH001", "drug-1", 5)
			mutate(&c)
			_, err := f.builder.Append(context.Background(), c)

			// THEN: ValidationError and no new entry
			require.Error(t, err)
			assert.True(t, ledger.IsClientError(err))
			var verr *ledger.ValidationError
			assert.True(t, errors.As(err, &verr))
			if c.PartitionKey == "BATCH001" {
				assert.Equal(t, 1, f.count(t, "BATCH001"))
			}
		})
	}
}

func TestBuilder_UnknownItem(t *testing.T) {
	f := newFixture(t)

	_, err := f.builder.Append(context.Background(), stockIn("BATCH009", "drug-404", 1))

	require.Error(t, err)
	assert.True(t, ledger.IsNotFound(err))
	var nf *ledger.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "drug-404", nf.Ref)
	assert.Equal(t, 0, f.count(t, "BATCH009"))
}

func TestParseKind(t *testing.T) {
	k, err := ledger.ParseKind(" Transfer ")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindTransfer, k)

	_, err = ledger.ParseKind("return")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestBuilder_NoForkUnderConcurrency(t *testing.T) {
	// GIVEN: K writers racing on the same partition
	const K = 64
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, K)
	for i := 0; i < K; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.builder.Append(ctx, stockIn("BATCH001", "drug-1", 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: Exactly K entries in one unbroken chain
	report, err := ledger.NewVerifier(f.store, nil).Verify(ctx, "BATCH001")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, K, report.TotalEntries)

	seen := make(map[string]bool)
	for _, v := range report.PerEntry {
		assert.False(t, seen[v.StoredPreviousHash], "two entries claim %s", v.StoredPreviousHash)
		seen[v.StoredPreviousHash] = true
	}

	item, _ := f.catalog.GetItem(ctx, "drug-1")
	assert.Equal(t, int64(K), item.QuantityOnHand)
}

func TestBuilder_PartitionIndependence(t *testing.T) {
	// GIVEN: BATCH001 is locked by someone else indefinitely
	f := newFixture(t, ledger.WithLockTimeout(2*time.Second))
	ctx := context.Background()
	unlock, err := f.locker.Lock(ctx, "partition:BATCH001")
	require.NoError(t, err)
	defer unlock()

	// WHEN: Writers append to other partitions
	done := make(chan error, 2)
	go func() { _, err := f.builder.Append(ctx, stockIn("BATCH002", "drug-2", 5)); done <- err }()
	go func() { _, err := f.builder.Append(ctx, stockIn("BATCH003", "drug-3", 5)); done <- err }()

	// THEN: They complete without waiting for BATCH001
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("append to an unrelated partition blocked")
		}
	}
}

func TestBuilder_LockTimeoutIsConcurrencyError(t *testing.T) {
	// GIVEN: BATCH001 is held by another writer
	f := newFixture(t, ledger.WithLockTimeout(20*time.Millisecond))
	f.append(t, stockIn("BATCH001", "drug-1", 10))
	unlock, err := f.locker.Lock(context.Background(), "partition:BATCH001")
	require.NoError(t, err)
	defer unlock()

	// WHEN: Appending
	_, err = f.builder.Append(context.Background(), stockOut("BATCH001", "drug-1", 1))

	// THEN: Retryable ConcurrencyError and nothing written
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var cerr *ledger.ConcurrencyError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ledger.PartitionKey("BATCH001"), cerr.Partition)
	assert.Equal(t, 1, f.count(t, "BATCH001"))
}

func TestBuilder_CancelledContextWhileWaiting(t *testing.T) {
	f := newFixture(t)
	unlock, err := f.locker.Lock(context.Background(), "partition:BATCH001")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.builder.Append(ctx, stockIn("BATCH001", "drug-1", 1))

	assert.ErrorIs(t, err, ledger.ErrConcurrency)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.count(t, "BATCH001"))
}

// =============================================================================
// FAILURES AND COLLABORATORS
// =============================================================================

func TestBuilder_StoreFailureIsPersistenceError(t *testing.T) {
	mem := store.NewMemory()
	catalog := store.NewMemoryCatalog(ledger.Item{Ref: "drug-1"})
	b := ledger.NewBuilder(&failingStore{Memory: mem}, catalog)

	_, err := b.Append(context.Background(), stockIn("BATCH001", "drug-1", 1))

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPersistence)
	assert.False(t, ledger.IsRetryable(err))
	entries, _ := mem.AllOf(context.Background(), "BATCH001")
	assert.Empty(t, entries)
}

func TestBuilder_ForkRejectedByStore(t *testing.T) {
	// GIVEN: A store that already holds the first link
	f := newFixture(t)
	e1 := f.append(t, stockIn("BATCH001", "drug-1", 1))

	// WHEN: Someone bypasses the builder and claims Genesis again
	fork := e1
	fork.Quantity = 2
	fork.CurrentHash = ledger.Digest(fork)
	_, err := f.store.Append(context.Background(), fork)

	// THEN: The store refuses the fork
	assert.ErrorIs(t, err, ledger.ErrChainConflict)
	assert.ErrorIs(t, err, ledger.ErrConcurrency)
	assert.Equal(t, 1, f.count(t, "BATCH001"))
}

func TestBuilder_NotifiesAfterAppend(t *testing.T) {
	// GIVEN: A notifier
	n := &recordingNotifier{}
	f := newFixture(t, ledger.WithNotifier(n))

	// WHEN: Stock moves in and out
	f.append(t, stockIn("BATCH001", "drug-1", 25))
	e := f.append(t, stockOut("BATCH001", "drug-1", 10))

	// THEN: The notifier saw both with the projected quantity
	got := n.all()
	require.Len(t, got, 2)
	assert.Equal(t, ledger.KindOut, got[1].Kind)
	assert.Equal(t, int64(10), got[1].Quantity)
	assert.Equal(t, "Emergency Ward", got[1].Destination)
	assert.Equal(t, e.ID, got[1].EntryID)
	assert.Equal(t, int64(15), got[1].Item.QuantityOnHand)
	assert.Equal(t, int64(20), got[1].Item.MinStockLevel)
}

func TestBuilder_ProjectionFailureDoesNotFailAppend(t *testing.T) {
	// GIVEN: A catalog whose quantity update is failing
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, stockIn("BATCH001", "drug-1", 50))
	f.catalog.failSet.Store(true)

	// WHEN: Appending
	e, err := f.builder.Append(ctx, stockOut("BATCH001", "drug-1", 5))

	// THEN: The entry is durable and the item is flagged stale
	require.NoError(t, err)
	assert.NotZero(t, e.ID)
	assert.Equal(t, 2, f.count(t, "BATCH001"))

	proj, err := f.builder.Projector().Quantity(ctx, "drug-1")
	require.NoError(t, err)
	assert.True(t, proj.Stale)
	assert.Equal(t, int64(50), proj.Quantity, "last known value is served")
}

func TestBuilder_ManyPartitionsConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				_, err := f.builder.Append(ctx, stockIn(ledger.PartitionKey(fmt.Sprintf("LOT-%d", p)), "drug-1", 1))
				assert.NoError(t, err)
			}(p)
		}
	}
	wg.Wait()

	reports, err := ledger.NewVerifier(f.store, nil).VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 8)
	for _, r := range reports {
		assert.True(t, r.IsValid)
		assert.Equal(t, 10, r.TotalEntries)
	}
	item, _ := f.catalog.GetItem(ctx, "drug-1")
	assert.Equal(t, int64(80), item.QuantityOnHand)
}
