/*
verifier.go - Read-only replay of a partition's chain

ALGORITHM (left fold, expectedPrev starts at Genesis):
  for each entry in ID order:
    recomputed := Digest(entry)
    blockValid := recomputed == entry.CurrentHash
    chainValid := entry.PreviousHash == expectedPrev
    expectedPrev = entry.CurrentHash     // always, even if invalid

  Advancing expectedPrev to the STORED hash keeps one break from cascading
  down the rest of the chain:
    - a rewritten field of entry k:        k blockValid=false
    - a rewritten CurrentHash of entry k:  k blockValid=false, k+1 chainValid=false

SNAPSHOTS:
  Verify reads Store.AllOf without taking the partition lock. An append
  racing the read is either in the snapshot or not; the report describes the
  snapshot and a later append cannot invalidate it.
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
)

// EntryVerification is the per-entry line of a VerificationReport.
type EntryVerification struct {
	ID                   EntryID `json:"id"`
	BlockValid           bool    `json:"blockValid"`
	ChainValid           bool    `json:"chainValid"`
	ExpectedPreviousHash string  `json:"expectedPreviousHash"`
	StoredPreviousHash   string  `json:"storedPreviousHash"`
	StoredHash           string  `json:"storedHash"`
	RecomputedHash       string  `json:"recomputedHash"`
}

// VerificationReport is the result of replaying one partition.
type VerificationReport struct {
	PartitionKey      PartitionKey        `json:"partitionKey"`
	IsValid           bool                `json:"isValid"`
	TotalEntries      int                 `json:"totalEntries"`
	FirstInvalidIndex int                 `json:"firstInvalidIndex"` // -1 when valid
	PerEntry          []EntryVerification `json:"perEntry"`
}

// Err returns an *IntegrityError for the first divergence, or nil.
func (r VerificationReport) Err() error {
	if r.IsValid {
		return nil
	}
	v := r.PerEntry[r.FirstInvalidIndex]
	return &IntegrityError{
		Partition:  r.PartitionKey,
		Index:      r.FirstInvalidIndex,
		EntryID:    v.ID,
		BlockValid: v.BlockValid,
		ChainValid: v.ChainValid,
	}
}

// VerifyEntries folds entries, which must be one partition in ID order.
func VerifyEntries(p PartitionKey, entries []Entry) VerificationReport {
	r := VerificationReport{
		PartitionKey:      p,
		IsValid:           true,
		TotalEntries:      len(entries),
		FirstInvalidIndex: -1,
		PerEntry:          make([]EntryVerification, 0, len(entries)),
	}

	expectedPrev := Genesis
	for i, e := range entries {
		recomputed := Digest(e)
		v := EntryVerification{
			ID:                   e.ID,
			BlockValid:           recomputed == e.CurrentHash,
			ChainValid:           e.PreviousHash == expectedPrev,
			ExpectedPreviousHash: expectedPrev,
			StoredPreviousHash:   e.PreviousHash,
			StoredHash:           e.CurrentHash,
			RecomputedHash:       recomputed,
		}
		if !(v.BlockValid && v.ChainValid) && r.IsValid {
			r.IsValid = false
			r.FirstInvalidIndex = i
		}
		r.PerEntry = append(r.PerEntry, v)
		expectedPrev = e.CurrentHash
	}
	return r
}

// =============================================================================
// VERIFIER
// =============================================================================

type Verifier struct {
	store  Store
	logger *slog.Logger
}

func NewVerifier(store Store, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{store: store, logger: logger}
}

// Verify replays one partition. An empty or unknown partition yields a valid
// report with zero entries. Chain breaks are reported in the report, not as
// an error; the error is only for storage failures.
func (v *Verifier) Verify(ctx context.Context, p PartitionKey) (VerificationReport, error) {
	entries, err := v.store.AllOf(ctx, p)
	if err != nil {
		return VerificationReport{}, persistence("read partition", err)
	}
	r := VerifyEntries(p, entries)
	if !r.IsValid {
		v.logger.Error("ledger integrity violated", "partition", p, "error", r.Err())
	}
	return r, nil
}

// VerifyAll verifies every partition in the store. The returned error joins
// an *IntegrityError per broken partition with any storage failure.
func (v *Verifier) VerifyAll(ctx context.Context) ([]VerificationReport, error) {
	parts, err := v.store.Partitions(ctx)
	if err != nil {
		return nil, persistence("list partitions", err)
	}

	reports := make([]VerificationReport, 0, len(parts))
	var errs []error
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r, err := v.Verify(ctx, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, r)
		errs = append(errs, r.Err())
	}
	return reports, errors.Join(errs...)
}
