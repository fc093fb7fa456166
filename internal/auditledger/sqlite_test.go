package auditledger_test

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/coldchain-ledger/internal/auditledger"
)

func openSQLite(t *testing.T) *auditledger.SQLiteStore {
	t.Helper()
	store, err := auditledger.OpenSQLiteStore(filepath.Join(t.TempDir(), "audit", "ledger.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_roundTrip(t *testing.T) {
	store := openSQLite(t)
	l := auditledger.New(store, zap.NewNop())

	rec, err := l.Record(ctx, auditledger.Event{
		EventType: "shipment.excursion_detected",
		Action:    "Temperature excursion",
		TenantID:  auditledger.String("7"),
		UserID:    auditledger.String("sensor-12"),
		Resource:  &auditledger.ResourceRef{Type: "Shipment", ID: "SH-1"},
		Changes:   auditledger.Changes{"celsius": {From: 5, To: 9.5}},
		Metadata:  auditledger.Metadata{"probe": map[string]any{"id": "P-3", "battery": 80}},
	})
	require.NoError(t, err)

	got, err := l.Get(ctx, rec.Sequence)
	require.NoError(t, err)
	assert.True(t, got.SignatureValid)
	assert.Equal(t, rec.SignatureHash, got.SignatureHash)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, rec.Changes, got.Changes)
	assert.Equal(t, rec.Metadata, got.Metadata)
	assert.Equal(t, "sensor-12", auditledger.Deref(got.UserID))

	_, err = l.Get(ctx, 42)
	assert.ErrorIs(t, err, auditledger.ErrNotFound)
}

func TestSQLiteStore_chainAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	first, err := auditledger.OpenSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	l := auditledger.New(first, zap.NewNop())
	a, err := l.Record(ctx, billingEvent("first"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := auditledger.OpenSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	l = auditledger.New(second, zap.NewNop())
	b, err := l.Record(ctx, billingEvent("second"))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), b.Sequence)
	require.NotNil(t, b.PreviousHash)
	assert.Equal(t, a.SignatureHash, *b.PreviousHash)

	res, err := l.Verify(ctx, auditledger.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Checked)
}

func TestSQLiteStore_rejectsUpdateAndDelete(t *testing.T) {
	store := openSQLite(t)
	l := auditledger.New(store, zap.NewNop())
	_, err := l.Record(ctx, billingEvent("charged"))
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, "UPDATE audit_records SET action = 'refunded' WHERE sequence = 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	_, err = store.DB().ExecContext(ctx, "DELETE FROM audit_records WHERE sequence = 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	got, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "charged", got.Action)
}

func TestSQLiteStore_verifyDetectsOutOfBandEdit(t *testing.T) {
	store := openSQLite(t)
	l := auditledger.New(store, zap.NewNop())
	for i := 0; i < 5; i++ {
		_, err := l.Record(ctx, billingEvent(fmt.Sprintf("charge %d", i)))
		require.NoError(t, err)
	}

	// Someone with DDL rights removes the guard and rewrites history.
	_, err := store.DB().ExecContext(ctx, "DROP TRIGGER audit_records_no_update")
	require.NoError(t, err)
	_, err = store.DB().ExecContext(ctx, "UPDATE audit_records SET action = 'charge waived' WHERE sequence = 3")
	require.NoError(t, err)

	res, err := l.Verify(ctx, auditledger.VerifyOptions{})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, uint64(3), res.Errors[0].Sequence)
	assert.Equal(t, auditledger.KindSignatureMismatch, res.Errors[0].Kind)
}

func TestSQLiteStore_sequenceBoundsAboveInt64(t *testing.T) {
	store := openSQLite(t)
	l := auditledger.New(store, zap.NewNop())
	for i := 0; i < 3; i++ {
		_, err := l.Record(ctx, billingEvent(fmt.Sprintf("charge %d", i)))
		require.NoError(t, err)
	}
	_, err := store.DB().ExecContext(ctx, "DROP TRIGGER audit_records_no_update")
	require.NoError(t, err)
	_, err = store.DB().ExecContext(ctx, "UPDATE audit_records SET action = 'charge waived' WHERE sequence = 2")
	require.NoError(t, err)

	top := uint64(math.MaxUint64)
	res, err := l.Verify(ctx, auditledger.VerifyOptions{EndSequence: &top})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.False(t, res.Valid)

	page, err := l.Query(ctx, auditledger.Filter{EndSequence: &top})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Records, 3)

	beyond := uint64(math.MaxInt64) + 1
	res, err = l.Verify(ctx, auditledger.VerifyOptions{StartSequence: &beyond})
	require.NoError(t, err)
	assert.Zero(t, res.Checked)

	page, err = l.Query(ctx, auditledger.Filter{StartSequence: &beyond})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Records)
}

func TestSQLiteStore_verifyDetectsDeletedRow(t *testing.T) {
	store := openSQLite(t)
	l := auditledger.New(store, zap.NewNop())
	for i := 0; i < 4; i++ {
		_, err := l.Record(ctx, billingEvent(fmt.Sprintf("charge %d", i)))
		require.NoError(t, err)
	}

	_, err := store.DB().ExecContext(ctx, "DROP TRIGGER audit_records_no_delete")
	require.NoError(t, err)
	_, err = store.DB().ExecContext(ctx, "DELETE FROM audit_records WHERE sequence = 2")
	require.NoError(t, err)

	res, err := l.Verify(ctx, auditledger.VerifyOptions{})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, uint64(3), res.Errors[0].Sequence)
	assert.Equal(t, auditledger.KindChainBreak, res.Errors[0].Kind)
	assert.Contains(t, res.Errors[0].Detail, "sequence 2 is missing")
}

func TestSQLiteStore_concurrentRecords(t *testing.T) {
	store := openSQLite(t)
	l := auditledger.New(store, zap.NewNop())

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Record(ctx, billingEvent(fmt.Sprintf("charge %d", i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent record: %v", err)
	}

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, head.Count)

	res, err := l.Verify(ctx, auditledger.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, n, res.Checked)
}

func TestSQLiteStore_queryFilters(t *testing.T) {
	store := openSQLite(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l := auditledger.New(store, zap.NewNop(), auditledger.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))

	events := []auditledger.Event{
		{EventType: "billing.payment_failed", Action: "a", TenantID: auditledger.String("1")},
		{EventType: "billing_report.generated", Action: "b", TenantID: auditledger.String("1")},
		{EventType: "shipment.created", Action: "c", TenantID: auditledger.String("2")},
		{EventType: "billing.refund_issued", Action: "d", TenantID: auditledger.String("2"), UserID: auditledger.String("u9")},
		{EventType: "billing%odd", Action: "e", TenantID: auditledger.String("1")},
	}
	for _, ev := range events {
		_, err := l.Record(ctx, ev)
		require.NoError(t, err)
	}

	cases := []struct {
		name string
		f    auditledger.Filter
		want []string
	}{
		{"prefix stops at dot", auditledger.Filter{EventTypePrefix: "billing"}, []string{"a", "d"}},
		{"wildcard prefix", auditledger.Filter{EventTypePrefix: "billing.*"}, []string{"a", "d"}},
		{"tenant", auditledger.Filter{TenantID: auditledger.String("2")}, []string{"c", "d"}},
		{"user", auditledger.Filter{UserID: auditledger.String("u9")}, []string{"d"}},
		{
			"created range is half open",
			auditledger.Filter{
				CreatedFrom: ptrTime(base.Add(2 * time.Minute)),
				CreatedTo:   ptrTime(base.Add(4 * time.Minute)),
			},
			[]string{"b", "c"},
		},
		{"descending", auditledger.Filter{TenantID: auditledger.String("1"), Order: auditledger.OrderDesc}, []string{"e", "b", "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := l.Query(ctx, tc.f)
			require.NoError(t, err)
			got := make([]string, 0, len(page.Records))
			for _, r := range page.Records {
				got = append(got, r.Action)
				assert.True(t, r.SignatureValid)
			}
			assert.Equal(t, tc.want, got)
			assert.Equal(t, len(tc.want), page.Total)
		})
	}
}

func TestSQLiteStore_conflictIsClassified(t *testing.T) {
	store := openSQLite(t)
	l := auditledger.New(store, zap.NewNop())
	first, err := l.Record(ctx, billingEvent("charged"))
	require.NoError(t, err)

	// A sealer that ignores the offered sequence collides with the stored row.
	_, err = store.Append(ctx, func(_ uint64, _ *string) (*auditledger.AuditRecord, error) {
		dup := *first
		return &dup, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, auditledger.ErrSequenceConflict), "got %v", err)
}

func ptrTime(t time.Time) *time.Time { return &t }
