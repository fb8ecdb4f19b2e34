package store

import (
	"context"
	"sync"
	"time"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

// MemoryStore is an in-process settlement ledger with the same atomicity
// semantics as the SQL store. Used in tests and single-node setups without a
// database; it does not survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*interfaces.SettlementRecord
}

// NewMemoryStore builds an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*interfaces.SettlementRecord)}
}

// Create implements interfaces.SettlementStore.
func (s *MemoryStore) Create(_ context.Context, rec *interfaces.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.RequestID]; exists {
		return interfaces.Errorf(interfaces.KindDuplicateRequest,
			"settlement record already exists for request %s", rec.RequestID)
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	cp := *rec
	s.records[rec.RequestID] = &cp
	return nil
}

// Get implements interfaces.SettlementStore.
func (s *MemoryStore) Get(_ context.Context, requestID string) (*interfaces.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Transition implements interfaces.SettlementStore.
func (s *MemoryStore) Transition(_ context.Context, rec *interfaces.SettlementRecord, from interfaces.SettlementState) error {
	if !interfaces.CanTransition(from, rec.State) {
		return interfaces.Errorf(interfaces.KindInternal,
			"illegal transition %s -> %s for request %s", from, rec.State, rec.RequestID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.RequestID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if current.State != from {
		return interfaces.ErrStaleState
	}
	rec.UpdatedAt = time.Now()
	rec.CreatedAt = current.CreatedAt
	cp := *rec
	s.records[rec.RequestID] = &cp
	return nil
}
