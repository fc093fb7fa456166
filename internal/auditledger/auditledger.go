// Package auditledger implements the append-only, hash-chained audit ledger.
//
// Every AuditRecord carries a monotonically increasing Sequence (starting at 1)
// and a SignatureHash computed over its own fields plus the PreviousHash of the
// record before it. Altering any stored record therefore invalidates its own
// signature and breaks the link to its successor, which Verify reports as
// structured ChainError findings.
//
// Records are written through a Store, which only knows how to append and
// read. There is no update or delete path; Ledger.Amend and Ledger.Delete
// exist solely to hand callers ErrImmutable.
//
// Three Store implementations are provided:
//   - MemoryStore: in-process, for tests and single-process tools.
//   - PostgresStore: durable, shared by every service instance.
//   - SQLiteStore: embedded, for edge deployments and local development.
package auditledger
