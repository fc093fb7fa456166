package auditledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
  sequence       INTEGER PRIMARY KEY CHECK (sequence > 0),
  event_type     TEXT NOT NULL CHECK (event_type <> ''),
  action         TEXT NOT NULL CHECK (action <> ''),
  tenant_id      TEXT,
  user_id        TEXT,
  resource_type  TEXT,
  resource_id    TEXT,
  changes        TEXT NOT NULL DEFAULT '{}',
  metadata       TEXT NOT NULL DEFAULT '{}',
  previous_hash  TEXT,
  signature_hash TEXT NOT NULL,
  created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_tenant_seq ON audit_records(tenant_id, sequence);
CREATE INDEX IF NOT EXISTS idx_audit_records_created_at ON audit_records(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_records_event_type ON audit_records(event_type);
CREATE TRIGGER IF NOT EXISTS audit_records_no_update
BEFORE UPDATE ON audit_records
BEGIN
  SELECT RAISE(ABORT, 'audit_records are immutable');
END;
CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
BEFORE DELETE ON audit_records
BEGIN
  SELECT RAISE(ABORT, 'audit_records are immutable');
END;
`

// SQLiteStore persists the audit ledger to an embedded SQLite database.
// Appends are optimistic: the tail is read and the new row inserted in one
// transaction, and the primary key on sequence rejects a losing writer with
// ErrSequenceConflict so the ledger can retry.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// installs the schema. Use ":memory:" for a throwaway database.
func OpenSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit db dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, seal SealFunc) (*AuditRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistenceErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		tailSeq  int64
		tailHash string
		prevHash *string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT sequence, signature_hash FROM audit_records ORDER BY sequence DESC LIMIT 1",
	).Scan(&tailSeq, &tailHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
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

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.Sequence), rec.EventType, rec.Action,
		rec.TenantID, rec.UserID, rec.ResourceType, rec.ResourceID,
		string(changes), string(metadata), rec.PreviousHash, rec.SignatureHash,
		FormatTimestamp(rec.CreatedAt),
	); err != nil {
		return nil, mapSQLiteError("insert audit record", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteError("commit audit record", err)
	}

	s.logger.Debug("audit record appended",
		zap.Uint64("sequence", rec.Sequence),
		zap.String("event_type", rec.EventType),
	)
	return rec, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, sequence uint64) (*AuditRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE sequence = ?", int64(sequence),
	), scanSQLiteTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistenceErr(fmt.Sprintf("get audit record %d", sequence), err)
	}
	return rec, nil
}

// GetMany implements Store.
func (s *SQLiteStore) GetMany(ctx context.Context, sequences []uint64) (map[uint64]*AuditRecord, error) {
	out := make(map[uint64]*AuditRecord, len(sequences))
	if len(sequences) == 0 {
		return out, nil
	}
	args := make([]any, len(sequences))
	marks := make([]string, len(sequences))
	for i, seq := range sequences {
		args[i] = int64(seq)
		marks[i] = "?"
	}
	recs, err := s.query(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE sequence IN ("+strings.Join(marks, ", ")+")",
		args...,
	)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		out[rec.Sequence] = rec
	}
	return out, nil
}

// Scan implements Store.
func (s *SQLiteStore) Scan(ctx context.Context, f Filter) ([]*AuditRecord, error) {
	query, args := buildScan(sqliteDialect, f)
	return s.query(ctx, query, args...)
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, f Filter) (int, error) {
	query, args := buildCount(sqliteDialect, f)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, persistenceErr("count audit records", err)
	}
	return n, nil
}

// Tail implements Store.
func (s *SQLiteStore) Tail(ctx context.Context) (*AuditRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM audit_records ORDER BY sequence DESC LIMIT 1",
	), scanSQLiteTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistenceErr("read ledger tail", err)
	}
	return rec, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceErr("query audit records", err)
	}
	defer rows.Close()

	out := make([]*AuditRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows, scanSQLiteTime)
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

// mapSQLiteError translates constraint and trigger failures into ledger errors.
func mapSQLiteError(op string, err error) error {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%s: %w", op, ErrSequenceConflict)
		case sqlite3.SQLITE_CONSTRAINT_TRIGGER:
			return &ImmutabilityError{Op: op}
		}
	}
	switch msg := err.Error(); {
	case strings.Contains(msg, "audit_records are immutable"):
		return &ImmutabilityError{Op: op}
	case strings.Contains(msg, "UNIQUE constraint failed: audit_records.sequence"):
		return fmt.Errorf("%s: %w", op, ErrSequenceConflict)
	}
	return persistenceErr(op, err)
}

type sqliteTime struct{ s string }

func (t *sqliteTime) dest() any { return &t.s }

func (t *sqliteTime) value() (time.Time, error) {
	return time.Parse(TimestampLayout, t.s)
}

func scanSQLiteTime() timeColumn { return &sqliteTime{} }
