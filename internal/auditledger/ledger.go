package auditledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Ledger owns sequencing, chaining, verification and querying of audit
// records. It is safe for concurrent use; serialisation of appends is
// delegated to the Store.
type Ledger struct {
	store  Store
	hasher *Hasher
	retry  RetryPolicy
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHasher selects the digest algorithm.
func WithHasher(h *Hasher) Option {
	return func(l *Ledger) {
		if h != nil {
			l.hasher = h
		}
	}
}

// WithRetryPolicy overrides the sequence-conflict retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) { l.retry = normalizeRetryPolicy(p) }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Ledger over store.
func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:  store,
		hasher: DefaultHasher(),
		retry:  DefaultRetryPolicy(),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Hasher returns the ledger's digest configuration.
func (l *Ledger) Hasher() *Hasher {
	return l.hasher
}

// Record appends ev as the next record in the chain and returns it.
//
// Validation failures return a *ValidationError before anything is written.
// Sequence conflicts are retried under the ledger's RetryPolicy; exhausting
// it returns an error matching both ErrSequenceConflict and
// ErrRetriesExhausted. Any other store failure is a *PersistenceError.
func (l *Ledger) Record(ctx context.Context, ev Event) (*AuditRecord, error) {
	prepared, err := prepareEvent(ev)
	if err != nil {
		auditAppendFailuresTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= l.retry.MaxAttempts; attempt++ {
		rec, err := l.store.Append(ctx, l.sealer(prepared))
		if err == nil {
			auditAppendsTotal.Inc()
			l.logger.Debug("audit event recorded",
				zap.Uint64("sequence", rec.Sequence),
				zap.String("event_type", rec.EventType),
				zap.Int("attempt", attempt),
			)
			return rec, nil
		}

		if !errors.Is(err, ErrSequenceConflict) {
			auditAppendFailuresTotal.WithLabelValues("persistence").Inc()
			l.logger.Error("audit event not recorded",
				zap.String("event_type", prepared.EventType),
				zap.Error(err),
			)
			return nil, persistenceErr("append", err)
		}

		lastErr = err
		auditAppendConflictsTotal.Inc()
		if attempt == l.retry.MaxAttempts {
			break
		}
		wait := l.retry.backoff(attempt)
		l.logger.Warn("audit sequence conflict, retrying",
			zap.String("event_type", prepared.EventType),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
		if err := sleepCtx(ctx, wait); err != nil {
			auditAppendFailuresTotal.WithLabelValues("canceled").Inc()
			return nil, persistenceErr("append", err)
		}
	}

	auditAppendFailuresTotal.WithLabelValues("conflict").Inc()
	l.logger.Error("audit event not recorded: sequence retries exhausted",
		zap.String("event_type", prepared.EventType),
		zap.Int("attempts", l.retry.MaxAttempts),
	)
	return nil, fmt.Errorf("record %s after %d attempts: %w",
		prepared.EventType, l.retry.MaxAttempts, errors.Join(ErrRetriesExhausted, lastErr))
}

// sealer stamps, links and signs ev at the position the store hands it.
func (l *Ledger) sealer(ev Event) SealFunc {
	return func(next uint64, previousHash *string) (*AuditRecord, error) {
		rec := &AuditRecord{
			Sequence:     next,
			EventType:    ev.EventType,
			Action:       ev.Action,
			TenantID:     cloneString(ev.TenantID),
			UserID:       cloneString(ev.UserID),
			Changes:      cloneJSON(ev.Changes),
			Metadata:     cloneJSON(ev.Metadata),
			PreviousHash: cloneString(previousHash),
			CreatedAt:    normalizeTime(l.now()),
		}
		if ev.Resource != nil {
			rec.ResourceType = String(ev.Resource.Type)
			rec.ResourceID = String(ev.Resource.ID)
		}
		sig, err := l.hasher.Sign(rec)
		if err != nil {
			return nil, err
		}
		rec.SignatureHash = sig
		return rec, nil
	}
}

// prepareEvent validates ev and normalises its loosely typed maps to the
// JSON value space, so the signed form is exactly what every store reads back.
func prepareEvent(ev Event) (Event, error) {
	ev.EventType = strings.TrimSpace(ev.EventType)
	ev.Action = strings.TrimSpace(ev.Action)
	if ev.EventType == "" {
		return Event{}, &ValidationError{Field: "event_type"}
	}
	if ev.Action == "" {
		return Event{}, &ValidationError{Field: "action"}
	}
	if ev.Resource != nil && (ev.Resource.Type == "" || ev.Resource.ID == "") {
		return Event{}, &ValidationError{Field: "resource", Reason: "needs both type and id"}
	}
	// An empty identifier and an absent one sign identically, so only one
	// of them may be stored.
	ev.TenantID = nonEmpty(ev.TenantID)
	ev.UserID = nonEmpty(ev.UserID)

	var err error
	if ev.Changes, err = normalizeJSON(ev.Changes); err != nil {
		return Event{}, &ValidationError{Field: "changes", Reason: "must be JSON-encodable"}
	}
	if ev.Metadata, err = normalizeJSON(ev.Metadata); err != nil {
		return Event{}, &ValidationError{Field: "metadata", Reason: "must be JSON-encodable"}
	}
	return ev, nil
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return cloneString(s)
}

func normalizeJSON[M ~map[string]V, V any](m M) (M, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := CanonicalJSON(m)
	if err != nil {
		return nil, err
	}
	var out M
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Amend always fails: records are sealed once written.
func (l *Ledger) Amend(_ context.Context, sequence uint64, _ Event) error {
	return l.reject(sequence, "update")
}

// Delete always fails: records are sealed once written.
func (l *Ledger) Delete(_ context.Context, sequence uint64) error {
	return l.reject(sequence, "delete")
}

func (l *Ledger) reject(sequence uint64, op string) error {
	auditImmutabilityViolationsTotal.WithLabelValues(op).Inc()
	l.logger.Warn("rejected attempt to modify audit record",
		zap.Uint64("sequence", sequence),
		zap.String("op", op),
	)
	return &ImmutabilityError{Sequence: sequence, Op: op}
}

// Head summarises the current chain.
type Head struct {
	Count        int     `json:"count"`
	LastSequence uint64  `json:"last_sequence"`
	TipHash      *string `json:"tip_hash"`
}

// Head returns the record count and the signature of the newest record.
func (l *Ledger) Head(ctx context.Context) (*Head, error) {
	n, err := l.store.Count(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	tail, err := l.store.Tail(ctx)
	if errors.Is(err, ErrNotFound) {
		return &Head{Count: n}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Head{Count: n, LastSequence: tail.Sequence, TipHash: String(tail.SignatureHash)}, nil
}
