package auditledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process tools that do
// not require durable persistence across restarts. Records are deep-copied
// on the way in and out, so callers never hold a reference into the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*AuditRecord // records[i].Sequence == i+1
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, seal SealFunc) (*AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := uint64(len(s.records)) + 1
	var prevHash *string
	if n := len(s.records); n > 0 {
		prevHash = String(s.records[n-1].SignatureHash)
	}

	rec, err := seal(next, prevHash)
	if err != nil {
		return nil, err
	}
	if rec.Sequence != next {
		return nil, ErrSequenceConflict
	}

	s.records = append(s.records, rec.clone())
	return rec.clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sequence uint64) (*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.at(sequence)
	if r == nil {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

// GetMany implements Store.
func (s *MemoryStore) GetMany(_ context.Context, sequences []uint64) (map[uint64]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]*AuditRecord, len(sequences))
	for _, seq := range sequences {
		if r := s.at(seq); r != nil {
			out[seq] = r.clone()
		}
	}
	return out, nil
}

// Scan implements Store.
func (s *MemoryStore) Scan(_ context.Context, f Filter) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*AuditRecord, 0)
	visit := func(r *AuditRecord) {
		if f.Match(r) {
			matched = append(matched, r)
		}
	}
	if f.Order == OrderDesc {
		for i := len(s.records) - 1; i >= 0; i-- {
			visit(s.records[i])
		}
	} else {
		for _, r := range s.records {
			visit(r)
		}
	}

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []*AuditRecord{}, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*AuditRecord, len(matched))
	for i, r := range matched {
		out[i] = r.clone()
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if f.Match(r) {
			n++
		}
	}
	return n, nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context) (*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, ErrNotFound
	}
	return s.records[len(s.records)-1].clone(), nil
}

// at returns the record whose Sequence is seq, or nil. Callers hold mu.
func (s *MemoryStore) at(seq uint64) *AuditRecord {
	if seq == 0 {
		return nil
	}
	if seq <= uint64(len(s.records)) && s.records[seq-1].Sequence == seq {
		return s.records[seq-1]
	}
	for _, r := range s.records {
		if r.Sequence == seq {
			return r
		}
	}
	return nil
}
