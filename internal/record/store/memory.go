// Package store holds RecordStore implementations.
package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"carevault/internal/crypto/fieldcrypt"
	"carevault/internal/record/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// InMemoryStore keeps records in a map guarded by a RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[domain.RecordID]*models.ProtectedRecord
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[domain.RecordID]*models.ProtectedRecord),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Write(_ context.Context, req models.WriteRequest) (domain.RecordID, error) {
	if req.Record == nil || req.Record.ID.IsNil() {
		return domain.RecordID{}, fmt.Errorf("write record: missing id: %w", sentinel.ErrPermanent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, exists := s.records[req.Record.ID]; exists {
		if sameWrite(existing, req.Record) {
			return existing.ID, nil
		}
		return domain.RecordID{}, fmt.Errorf("write record %s: %w", req.Record.ID, sentinel.ErrConflict)
	}
	s.records[req.Record.ID] = req.Record.Clone()
	return req.Record.ID, nil
}

// sameWrite reports whether incoming repeats the write that stored existing.
func sameWrite(existing, incoming *models.ProtectedRecord) bool {
	return existing.OwnerID == incoming.OwnerID &&
		existing.Status == models.StatusActive &&
		len(existing.Payload.Nonce) > 0 &&
		bytes.Equal(existing.Payload.Nonce, incoming.Payload.Nonce)
}

func (s *InMemoryStore) Read(_ context.Context, id domain.RecordID) (*models.ProtectedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("read record %s: %w", id, sentinel.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) Delete(_ context.Context, id domain.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil
	}
	r.Payload = fieldcrypt.Sealed{KeyVersion: r.Payload.KeyVersion}
	return nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, id domain.RecordID, from, to models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("update record %s: %w", id, sentinel.ErrNotFound)
	}
	if r.Status != from || !from.CanTransitionTo(to) {
		return fmt.Errorf("update record %s from %s to %s (current %s): %w", id, from, to, r.Status, sentinel.ErrInvalidState)
	}
	r.Status = to
	if to == models.StatusPurged {
		t := s.now()
		r.PurgedAt = &t
	}
	return nil
}

func (s *InMemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]models.RecordMeta, error) {
	s.mu.RLock()
	var due []models.RecordMeta
	for _, r := range s.records {
		switch {
		case r.Status == models.StatusPendingPurge:
			due = append(due, r.Meta())
		case r.Status == models.StatusActive && !r.RetentionExpiry.After(now):
			due = append(due, r.Meta())
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].RetentionExpiry.Equal(due[j].RetentionExpiry) {
			return due[i].ID.String() < due[j].ID.String()
		}
		return due[i].RetentionExpiry.Before(due[j].RetentionExpiry)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) ListByOwner(_ context.Context, owner domain.OwnerID) ([]models.RecordMeta, error) {
	s.mu.RLock()
	var out []models.RecordMeta
	for _, r := range s.records {
		if r.OwnerID == owner {
			out = append(out, r.Meta())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
