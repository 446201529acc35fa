package memory

import (
	"context"
	"fmt"
	"sync"

	"carevault/internal/audit"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// InMemoryStore keeps the chain in a slice ordered by Seq.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
	failing error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return s.failing
	}
	next := uint64(1)
	if n := len(s.entries); n > 0 {
		next = s.entries[n-1].Seq + 1
	}
	if entry.Seq != next {
		return fmt.Errorf("append seq %d: %w", entry.Seq, sentinel.ErrConflict)
	}
	s.entries = append(s.entries, cloneEntry(entry))
	return nil
}

func (s *InMemoryStore) Head(_ context.Context) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	e := cloneEntry(s.entries[len(s.entries)-1])
	return &e, nil
}

func (s *InMemoryStore) Get(_ context.Context, seq uint64) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.index(seq); i >= 0 {
		e := cloneEntry(s.entries[i])
		return &e, nil
	}
	return nil, fmt.Errorf("audit entry %d: %w", seq, sentinel.ErrNotFound)
}

func (s *InMemoryStore) Range(_ context.Context, from, to uint64) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.Seq < from || (to != 0 && e.Seq > to) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (s *InMemoryStore) ListByRecord(_ context.Context, recordID domain.RecordID) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.RecordID == recordID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SetFailing makes every Append return err until called with nil.
func (s *InMemoryStore) SetFailing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = err
}

// Overwrite mutates a stored entry in place, bypassing the chain. It
// simulates storage-level tampering for verification drills.
func (s *InMemoryStore) Overwrite(seq uint64, fn func(*audit.Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(seq)
	if i < 0 {
		return false
	}
	fn(&s.entries[i])
	return true
}

// Remove drops an entry, leaving a gap.
func (s *InMemoryStore) Remove(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(seq)
	if i < 0 {
		return false
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return true
}

func (s *InMemoryStore) index(seq uint64) int {
	for i := range s.entries {
		if s.entries[i].Seq == seq {
			return i
		}
	}
	return -1
}

func cloneEntry(e audit.Entry) audit.Entry {
	e.PrevHash = append([]byte(nil), e.PrevHash...)
	e.Hash = append([]byte(nil), e.Hash...)
	return e
}
