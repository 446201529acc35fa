package store

import (
	"context"
	"fmt"
	"sync"

	"carevault/internal/consent/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// InMemoryStore keeps grants per owner in append order.
type InMemoryStore struct {
	mu     sync.RWMutex
	grants map[domain.OwnerID][]*models.Grant
	ids    map[domain.GrantID]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		grants: make(map[domain.OwnerID][]*models.Grant),
		ids:    make(map[domain.GrantID]struct{}),
	}
}

func (s *InMemoryStore) Append(_ context.Context, grant *models.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[grant.ID]; exists {
		return fmt.Errorf("append grant %s: %w", grant.ID, sentinel.ErrConflict)
	}
	copied := *grant
	s.ids[grant.ID] = struct{}{}
	s.grants[grant.OwnerID] = append(s.grants[grant.OwnerID], &copied)
	return nil
}

func (s *InMemoryStore) ListByOwner(_ context.Context, owner domain.OwnerID) ([]*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Grant, 0, len(s.grants[owner]))
	for _, g := range s.grants[owner] {
		copied := *g
		out = append(out, &copied)
	}
	return out, nil
}
