package auditledger

import (
	"strings"
	"time"
)

// Order selects the sequence ordering of query results.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Filter narrows a query. Zero-valued fields do not filter.
type Filter struct {
	TenantID        *string
	UserID          *string
	EventTypePrefix string
	CreatedFrom     *time.Time // inclusive
	CreatedTo       *time.Time // exclusive
	StartSequence   *uint64    // inclusive
	EndSequence     *uint64    // inclusive
	Order           Order
	Limit           int
	Offset          int
}

// normalizedPrefix strips a trailing ".*" or "." so "billing", "billing."
// and "billing.*" all select the billing namespace.
func normalizedPrefix(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimSuffix(p, "*")
	return strings.TrimSuffix(p, ".")
}

// Match reports whether r satisfies every predicate of f except paging.
func (f Filter) Match(r *AuditRecord) bool {
	if f.TenantID != nil && (r.TenantID == nil || *r.TenantID != *f.TenantID) {
		return false
	}
	if f.UserID != nil && (r.UserID == nil || *r.UserID != *f.UserID) {
		return false
	}
	if p := normalizedPrefix(f.EventTypePrefix); p != "" {
		if r.EventType != p && !strings.HasPrefix(r.EventType, p+".") {
			return false
		}
	}
	if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && !r.CreatedAt.Before(*f.CreatedTo) {
		return false
	}
	if f.StartSequence != nil && r.Sequence < *f.StartSequence {
		return false
	}
	if f.EndSequence != nil && r.Sequence > *f.EndSequence {
		return false
	}
	return true
}

// escapeLike escapes SQL LIKE metacharacters using backslash.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
