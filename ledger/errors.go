/*
errors.go - Error taxonomy for the ledger core

ERROR CATEGORIES:
  ValidationError   Malformed or illegal input. Client error, surfaced as-is.
  NotFoundError     Unknown item (or other) reference.
  ConcurrencyError  Partition lock not acquired in time. Caller may retry.
  IntegrityError    Verifier found a broken link. Never auto-repaired.
  PersistenceError  Storage I/O failure. Operation aborted, nothing written.

Every structured error unwraps to its sentinel so callers can use errors.Is:

    if errors.Is(err, ledger.ErrConcurrency) {
        // back off and retry
    }

The core never retries on its own: a blind retry could double-record a
movement that already succeeded downstream.
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation  = errors.New("ledger: validation failed")
	ErrNotFound    = errors.New("ledger: not found")
	ErrConcurrency = errors.New("ledger: concurrent modification")
	ErrIntegrity   = errors.New("ledger: chain integrity violated")
	ErrPersistence = errors.New("ledger: persistence failed")

	// ErrChainConflict is reported by a Store whose storage-level uniqueness
	// constraint rejected a second entry claiming the same previous hash.
	ErrChainConflict = errors.New("ledger: previous hash already claimed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the violated constraint.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports an unknown reference.
type NotFoundError struct {
	Kind string // "item", "partition", ...
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConcurrencyError is returned when the partition lock could not be taken.
// Nothing was written.
type ConcurrencyError struct {
	Partition PartitionKey
	Waited    time.Duration
	Err       error // context error, lock backend error or ErrChainConflict
}

func (e *ConcurrencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("partition %q busy after %s: %v", e.Partition, e.Waited.Round(time.Millisecond), e.Err)
	}
	return fmt.Sprintf("partition %q busy after %s", e.Partition, e.Waited.Round(time.Millisecond))
}

func (e *ConcurrencyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConcurrency}
	}
	return []error{ErrConcurrency, e.Err}
}

// IntegrityError pinpoints the first divergence found by the Verifier.
type IntegrityError struct {
	Partition  PartitionKey
	Index      int // position in the chain, 0-based
	EntryID    EntryID
	BlockValid bool
	ChainValid bool
}

func (e *IntegrityError) Error() string {
	var what string
	switch {
	case !e.BlockValid && !e.ChainValid:
		what = "hash mismatch and broken link"
	case !e.BlockValid:
		what = "hash mismatch"
	default:
		what = "broken link"
	}
	return fmt.Sprintf("partition %q: %s at index %d (entry %d)", e.Partition, what, e.Index, e.EntryID)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// persistence wraps err unless it already carries a ledger category.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrConcurrency) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry (with backoff).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing reference.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsIntegrityOnly returns true if err consists solely of IntegrityErrors,
// as VerifyAll returns when every partition was read but some are broken.
// A join that also holds a storage failure returns false.
func IsIntegrityOnly(err error) bool {
	switch e := err.(type) {
	case *IntegrityError:
		return true
	case interface{ Unwrap() []error }:
		inner := e.Unwrap()
		for _, ie := range inner {
			if !IsIntegrityOnly(ie) {
				return false
			}
		}
		return len(inner) > 0
	default:
		return false
	}
}
