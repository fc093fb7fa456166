package auditledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Change is the before/after pair for a single mutated attribute.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Changes maps attribute names to their before/after values.
type Changes map[string]Change

// Metadata is the opaque context bag attached to a record (request id,
// client IP, severity, ...). It is stored but not signed.
type Metadata map[string]any

// ResourceRef is a polymorphic reference to the object an event is about.
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is what callers submit to Ledger.Record. Sequence, hashes and the
// creation timestamp are assigned by the ledger.
type Event struct {
	EventType string
	Action    string
	TenantID  *string
	UserID    *string
	Resource  *ResourceRef
	Changes   Changes
	Metadata  Metadata
}

// AuditRecord is a single sealed entry in the ledger.
type AuditRecord struct {
	Sequence      uint64    `json:"sequence"`
	EventType     string    `json:"event_type"`
	Action        string    `json:"action"`
	TenantID      *string   `json:"tenant_id"`
	UserID        *string   `json:"user_id"`
	ResourceType  *string   `json:"resource_type"`
	ResourceID    *string   `json:"resource_id"`
	Changes       Changes   `json:"changes"`
	Metadata      Metadata  `json:"metadata"`
	PreviousHash  *string   `json:"previous_hash"`
	SignatureHash string    `json:"signature_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// RecordView is the flat rendering handed to report consumers. SignatureValid
// is recomputed on every read, so a single record can be trusted without a
// full chain walk.
type RecordView struct {
	AuditRecord
	SignatureValid bool `json:"signature_valid"`
}

// String is a convenience for building optional identifiers.
func String(s string) *string {
	return &s
}

// Deref returns the pointed-to string or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// clone returns a deep copy of r. Changes and Metadata are round-tripped
// through JSON, which is also how every durable store holds them.
func (r *AuditRecord) clone() *AuditRecord {
	out := *r
	out.TenantID = cloneString(r.TenantID)
	out.UserID = cloneString(r.UserID)
	out.ResourceType = cloneString(r.ResourceType)
	out.ResourceID = cloneString(r.ResourceID)
	out.PreviousHash = cloneString(r.PreviousHash)
	out.Changes = cloneJSON(r.Changes)
	out.Metadata = cloneJSON(r.Metadata)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// cloneJSON deep-copies m. Maps reaching it have already been through
// normalizeJSON or a store's JSON column, so a failure is a programming error.
func cloneJSON[M ~map[string]V, V any](m M) M {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("auditledger: clone %T: %v", m, err))
	}
	var out M
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("auditledger: clone %T: %v", m, err))
	}
	return out
}

// normalizeTime truncates t to the precision every store can round-trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
