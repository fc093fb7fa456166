package auditledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const recordColumns = `sequence, event_type, action, tenant_id, user_id, resource_type, resource_id,
	changes, metadata, previous_hash, signature_hash, created_at`

// dialect captures the small differences between the SQL stores.
type dialect struct {
	placeholder func(n int) string
	// prefixMatch returns a predicate selecting rows whose column starts
	// with the bound pattern argument; pattern builds that argument.
	prefixMatch func(col, ph string) string
	pattern     func(prefix string) string
	// timeArg converts a timestamp bound into the column's representation.
	timeArg   func(t time.Time) any
	unbounded string
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	prefixMatch: func(col, ph string) string { return col + " LIKE " + ph + ` ESCAPE '\'` },
	pattern:     likePostgres,
	timeArg:     func(t time.Time) any { return t.UTC() },
	unbounded:   "LIMIT ALL",
}

// SQLite's LIKE is case-insensitive for ASCII, so it uses GLOB instead.
// created_at is stored as fixed-width text, which sorts chronologically.
var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	prefixMatch: func(col, ph string) string { return col + " GLOB " + ph },
	pattern:     globSQLite,
	timeArg:     func(t time.Time) any { return FormatTimestamp(t) },
	unbounded:   "LIMIT -1",
}

type sqlQuery struct {
	d     dialect
	where []string
	args  []any
}

func (q *sqlQuery) arg(v any) string {
	q.args = append(q.args, v)
	return q.d.placeholder(len(q.args))
}

// buildWhere translates f into a WHERE clause (including the keyword, or
// empty) and its arguments.
func buildWhere(d dialect, f Filter) (string, []any) {
	q := &sqlQuery{d: d}
	if f.TenantID != nil {
		q.where = append(q.where, "tenant_id = "+q.arg(*f.TenantID))
	}
	if f.UserID != nil {
		q.where = append(q.where, "user_id = "+q.arg(*f.UserID))
	}
	if p := normalizedPrefix(f.EventTypePrefix); p != "" {
		eq := q.arg(p)
		pat := q.arg(d.pattern(p + "."))
		q.where = append(q.where, fmt.Sprintf("(event_type = %s OR %s)", eq, d.prefixMatch("event_type", pat)))
	}
	if f.CreatedFrom != nil {
		q.where = append(q.where, "created_at >= "+q.arg(d.timeArg(*f.CreatedFrom)))
	}
	if f.CreatedTo != nil {
		q.where = append(q.where, "created_at < "+q.arg(d.timeArg(*f.CreatedTo)))
	}
	// Sequences are stored as signed 64-bit integers.
	if f.StartSequence != nil {
		if *f.StartSequence > math.MaxInt64 {
			q.where = append(q.where, "1 = 0")
		} else {
			q.where = append(q.where, "sequence >= "+q.arg(int64(*f.StartSequence)))
		}
	}
	if f.EndSequence != nil {
		q.where = append(q.where, "sequence <= "+q.arg(int64(min(*f.EndSequence, math.MaxInt64))))
	}
	if len(q.where) == 0 {
		return "", q.args
	}
	return " WHERE " + strings.Join(q.where, " AND "), q.args
}

// buildScan returns the full SELECT for f.
func buildScan(d dialect, f Filter) (string, []any) {
	where, args := buildWhere(d, f)
	q := &sqlQuery{d: d, args: args}

	order := "ASC"
	if f.Order == OrderDesc {
		order = "DESC"
	}
	query := "SELECT " + recordColumns + " FROM audit_records" + where + " ORDER BY sequence " + order
	if f.Limit > 0 {
		query += " LIMIT " + q.arg(f.Limit)
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			query += " " + d.unbounded
		}
		query += " OFFSET " + q.arg(f.Offset)
	}
	return query, q.args
}

// buildCount returns the COUNT(*) for f.
func buildCount(d dialect, f Filter) (string, []any) {
	where, args := buildWhere(d, f)
	return "SELECT COUNT(*) FROM audit_records" + where, args
}

func likePostgres(prefix string) string {
	return escapeLike(prefix) + "%"
}

func globSQLite(prefix string) string {
	r := strings.NewReplacer(`[`, `[[]`, `*`, `[*]`, `?`, `[?]`)
	return r.Replace(prefix) + "*"
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// decodeJSONColumns fills r.Changes and r.Metadata from raw column bytes.
func decodeJSONColumns(r *AuditRecord, changes, metadata []byte) error {
	if len(changes) > 0 && string(changes) != "null" {
		if err := json.Unmarshal(changes, &r.Changes); err != nil {
			return fmt.Errorf("decode changes of sequence %d: %w", r.Sequence, err)
		}
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return fmt.Errorf("decode metadata of sequence %d: %w", r.Sequence, err)
		}
	}
	if len(r.Changes) == 0 {
		r.Changes = nil
	}
	if len(r.Metadata) == 0 {
		r.Metadata = nil
	}
	return nil
}

// encodeJSONColumns is the inverse of decodeJSONColumns.
func encodeJSONColumns(r *AuditRecord) (changes, metadata []byte, err error) {
	if changes, err = CanonicalJSON(r.Changes); err != nil {
		return nil, nil, fmt.Errorf("encode changes: %w", err)
	}
	if metadata, err = CanonicalJSON(r.Metadata); err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return changes, metadata, nil
}
