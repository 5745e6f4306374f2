package storage

import (
	"context"
	"sync"
	"time"
)

const memoryAuditCap = 1000

type memoryStore struct {
	mu     sync.Mutex
	ids    idIndex
	audit  auditRing
	closed bool
}

func NewMemory() Store {
	return &memoryStore{ids: idIndex{}, audit: auditRing{max: memoryAuditCap}}
}

func (s *memoryStore) InternMessageID(_ context.Context, scope, platformID string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	id, _ := s.ids.intern(scope, platformID)
	return id, nil
}

func (s *memoryStore) ResolveMessageID(_ context.Context, scope string, id int32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.lookup(scope, id)
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit.push(stamp(e))
	return nil
}

func (s *memoryStore) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audit.newest(limit), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// auditRing keeps the last max entries in insertion order.
type auditRing struct {
	max     int
	entries []AuditEntry
}

func (r *auditRing) push(e AuditEntry) {
	r.entries = append(r.entries, e)
	// Compact at twice the cap so trimming stays amortized.
	if len(r.entries) >= 2*r.max {
		r.entries = append([]AuditEntry(nil), r.entries[len(r.entries)-r.max:]...)
	}
}

// newest returns up to limit entries, newest first. limit <= 0 means all
// retained entries.
func (r *auditRing) newest(limit int) []AuditEntry {
	n := min(len(r.entries), r.max)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]AuditEntry, n)
	for i := range out {
		out[i] = r.entries[len(r.entries)-1-i]
	}
	return out
}

func stamp(e AuditEntry) AuditEntry {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return e
}
