package auditledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a required event field is missing.
	ErrValidation = errors.New("audit event validation failed")

	// ErrSequenceConflict signals that another writer claimed the sequence
	// number this append computed. Stores return it; the ledger retries.
	ErrSequenceConflict = errors.New("audit sequence conflict")

	// ErrRetriesExhausted is joined with ErrSequenceConflict when the ledger
	// gives up retrying.
	ErrRetriesExhausted = errors.New("audit append retries exhausted")

	// ErrPersistence is returned when the store fails for any reason other
	// than a sequence conflict.
	ErrPersistence = errors.New("audit persistence failed")

	// ErrImmutable is returned for every attempt to update or delete a record.
	ErrImmutable = errors.New("audit records are immutable")

	// ErrNotFound is returned when no record holds the requested sequence.
	ErrNotFound = errors.New("audit record not found")
)

// ValidationError names the offending field. An empty Reason means the
// field was missing.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("audit event validation failed: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("audit event validation failed: %s is required", e.Field)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PersistenceError wraps a store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("audit persistence failed: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// ImmutabilityError describes a rejected update or delete.
type ImmutabilityError struct {
	Sequence uint64
	Op       string
}

func (e *ImmutabilityError) Error() string {
	if e.Sequence == 0 {
		return fmt.Sprintf("audit records are immutable: %s rejected", e.Op)
	}
	return fmt.Sprintf("audit records are immutable: %s of sequence %d rejected", e.Op, e.Sequence)
}

func (e *ImmutabilityError) Unwrap() error { return ErrImmutable }

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrSequenceConflict) ||
		errors.Is(err, ErrImmutable) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
