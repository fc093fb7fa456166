package auditledger

import (
	"context"
	"fmt"
)

// Page size bounds for Query.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page is one window of query results.
type Page struct {
	Records    []RecordView `json:"records"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	NextOffset *int         `json:"next_offset"`
}

// Query returns the records matching f, each with SignatureValid recomputed.
func (l *Ledger) Query(ctx context.Context, f Filter) (*Page, error) {
	switch f.Order {
	case "":
		f.Order = OrderAsc
	case OrderAsc, OrderDesc:
	default:
		return nil, &ValidationError{Field: "order", Reason: "must be asc or desc"}
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.CreatedFrom != nil {
		t := normalizeTime(*f.CreatedFrom)
		f.CreatedFrom = &t
	}
	if f.CreatedTo != nil {
		t := normalizeTime(*f.CreatedTo)
		f.CreatedTo = &t
	}

	total, err := l.store.Count(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}
	recs, err := l.store.Scan(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("scan audit records: %w", err)
	}

	page := &Page{
		Records: make([]RecordView, 0, len(recs)),
		Total:   total,
		Limit:   f.Limit,
		Offset:  f.Offset,
	}
	for _, rec := range recs {
		page.Records = append(page.Records, l.view(rec))
	}
	if next := f.Offset + len(recs); len(recs) > 0 && next < total {
		page.NextOffset = &next
	}
	return page, nil
}

// Get returns the record at sequence, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, sequence uint64) (*RecordView, error) {
	rec, err := l.store.Get(ctx, sequence)
	if err != nil {
		return nil, err
	}
	v := l.view(rec)
	return &v, nil
}

func (l *Ledger) view(rec *AuditRecord) RecordView {
	return RecordView{AuditRecord: *rec, SignatureValid: l.hasher.Valid(rec)}
}
