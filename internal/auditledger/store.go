package auditledger

import "context"

// SealFunc builds the fully populated record for the given position in the
// chain. Stores call it while holding whatever guard they use to serialise
// appends; previousHash is nil when next is 1.
type SealFunc func(next uint64, previousHash *string) (*AuditRecord, error)

// Store is the persistence boundary of the ledger. It can only append and
// read: no update or delete method exists, so rewriting history is not
// expressible through this interface.
//
// MemoryStore, PostgresStore and SQLiteStore implement it.
type Store interface {
	// Append derives the next sequence and previous hash from the current
	// tail, calls seal, and persists the result. A uniqueness violation on
	// sequence must be reported as ErrSequenceConflict.
	Append(ctx context.Context, seal SealFunc) (*AuditRecord, error)

	// Get returns the record at sequence, or ErrNotFound.
	Get(ctx context.Context, sequence uint64) (*AuditRecord, error)

	// GetMany returns the records present among sequences, keyed by sequence.
	GetMany(ctx context.Context, sequences []uint64) (map[uint64]*AuditRecord, error)

	// Scan returns records matching f in f.Order. A zero Limit means no limit.
	Scan(ctx context.Context, f Filter) ([]*AuditRecord, error)

	// Count returns how many records match f, ignoring Limit and Offset.
	Count(ctx context.Context, f Filter) (int, error)

	// Tail returns the record with the highest sequence, or ErrNotFound.
	Tail(ctx context.Context) (*AuditRecord, error)
}
