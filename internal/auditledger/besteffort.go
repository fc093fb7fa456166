package auditledger

import (
	"context"

	"go.uber.org/zap"
)

// Recorder is the part of Ledger that event producers depend on.
type Recorder interface {
	Record(ctx context.Context, ev Event) (*AuditRecord, error)
}

// BestEffort wraps a Recorder for callers whose primary action must not fail
// because auditing did: failures are logged and swallowed here, never inside
// the ledger.
type BestEffort struct {
	rec    Recorder
	logger *zap.Logger
}

// NewBestEffort creates a BestEffort recorder. A nil rec makes every call a no-op.
func NewBestEffort(rec Recorder, logger *zap.Logger) *BestEffort {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BestEffort{rec: rec, logger: logger}
}

// Record appends ev and returns the stored record, or nil if recording failed.
func (b *BestEffort) Record(ctx context.Context, ev Event) *AuditRecord {
	if b == nil || b.rec == nil {
		return nil
	}
	rec, err := b.rec.Record(ctx, ev)
	if err != nil {
		b.logger.Error("audit record failed (non-fatal)",
			zap.String("event_type", ev.EventType),
			zap.String("tenant_id", Deref(ev.TenantID)),
			zap.Error(err),
		)
		return nil
	}
	return rec
}
