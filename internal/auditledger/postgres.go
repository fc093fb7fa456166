package auditledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent appends. The value is arbitrary but must be consistent across
// all service instances sharing the database.
const advisoryLockKey = int64(7_310_442_019)

const (
	pgUniqueViolation = "23505"
	// pgImmutableViolation is raised by the audit_records_immutable trigger.
	pgImmutableViolation = "AL001"
)

// PostgresStore persists the audit ledger to PostgreSQL. Appends are
// serialised with a transaction-scoped advisory lock; the primary key on
// sequence remains the final guard against duplicate positions.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
// The schema is managed by cmd/migrate.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store.
// It acquires the advisory lock, reads the chain tail, seals the new record
// and inserts it, all within a single transaction.
func (s *PostgresStore) Append(ctx context.Context, seal SealFunc) (*AuditRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, persistenceErr("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction ends.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, persistenceErr("acquire advisory lock", err)
	}

	var (
		tailSeq  int64
		tailHash string
		prevHash *string
	)
	err = tx.QueryRow(ctx,
		"SELECT sequence, signature_hash FROM audit_records ORDER BY sequence DESC LIMIT 1",
	).Scan(&tailSeq, &tailHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		tailSeq = 0
	case err != nil:
		return nil, persistenceErr("read ledger tail", err)
	default:
		prevHash = &tailHash
	}

	rec, err := seal(uint64(tailSeq)+1, prevHash)
	if err != nil {
		return nil, err
	}

	changes, metadata, err := encodeJSONColumns(rec)
	if err != nil {
		return nil, persistenceErr("encode record", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		int64(rec.Sequence), rec.EventType, rec.Action,
		rec.TenantID, rec.UserID, rec.ResourceType, rec.ResourceID,
		changes, metadata, rec.PreviousHash, rec.SignatureHash, rec.CreatedAt,
	); err != nil {
		return nil, mapPgError("insert audit record", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError("commit audit record", err)
	}

	s.logger.Debug("audit record appended",
		zap.Uint64("sequence", rec.Sequence),
		zap.String("event_type", rec.EventType),
	)
	return rec, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, sequence uint64) (*AuditRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE sequence = $1", int64(sequence),
	), scanPgTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistenceErr(fmt.Sprintf("get audit record %d", sequence), err)
	}
	return rec, nil
}

// GetMany implements Store.
func (s *PostgresStore) GetMany(ctx context.Context, sequences []uint64) (map[uint64]*AuditRecord, error) {
	out := make(map[uint64]*AuditRecord, len(sequences))
	if len(sequences) == 0 {
		return out, nil
	}
	ids := make([]int64, len(sequences))
	for i, seq := range sequences {
		ids[i] = int64(seq)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE sequence = ANY($1)", ids,
	)
	if err != nil {
		return nil, persistenceErr("query audit records", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows, scanPgTime)
		if err != nil {
			return nil, persistenceErr("scan audit record", err)
		}
		out[rec.Sequence] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate audit records", err)
	}
	return out, nil
}

// Scan implements Store.
func (s *PostgresStore) Scan(ctx context.Context, f Filter) ([]*AuditRecord, error) {
	query, args := buildScan(postgresDialect, f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistenceErr("query audit records", err)
	}
	defer rows.Close()

	out := make([]*AuditRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows, scanPgTime)
		if err != nil {
			return nil, persistenceErr("scan audit record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate audit records", err)
	}
	return out, nil
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	query, args := buildCount(postgresDialect, f)
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, persistenceErr("count audit records", err)
	}
	return n, nil
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context) (*AuditRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM audit_records ORDER BY sequence DESC LIMIT 1",
	), scanPgTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistenceErr("read ledger tail", err)
	}
	return rec, nil
}

// mapPgError translates constraint and trigger failures into ledger errors.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrSequenceConflict)
		case pgImmutableViolation:
			return &ImmutabilityError{Op: op}
		}
	}
	return persistenceErr(op, err)
}

// timeColumn decodes the created_at column for a particular driver.
type timeColumn interface {
	dest() any
	value() (time.Time, error)
}

type pgTime struct{ t time.Time }

func (p *pgTime) dest() any                 { return &p.t }
func (p *pgTime) value() (time.Time, error) { return p.t, nil }

func scanPgTime() timeColumn { return &pgTime{} }

// scanRecord reads one row laid out as recordColumns.
func scanRecord(row rowScanner, newTime func() timeColumn) (*AuditRecord, error) {
	var (
		rec      AuditRecord
		seq      int64
		changes  []byte
		metadata []byte
		created  = newTime()
	)
	if err := row.Scan(
		&seq, &rec.EventType, &rec.Action,
		&rec.TenantID, &rec.UserID, &rec.ResourceType, &rec.ResourceID,
		&changes, &metadata, &rec.PreviousHash, &rec.SignatureHash, created.dest(),
	); err != nil {
		return nil, err
	}
	rec.Sequence = uint64(seq)

	t, err := created.value()
	if err != nil {
		return nil, fmt.Errorf("decode created_at of sequence %d: %w", rec.Sequence, err)
	}
	rec.CreatedAt = t.UTC()

	if err := decodeJSONColumns(&rec, changes, metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}
