package compliance

import (
	"context"
	"sync"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

// MemoryStore is a process-lifetime DecisionStore. It starts empty and is
// populated lazily by the Gate.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[string]harvest.RobotsDecision
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{decisions: make(map[string]harvest.RobotsDecision)}
}

// GetDecision implements harvest.DecisionStore.
func (s *MemoryStore) GetDecision(_ context.Context, robotsURL string) (harvest.RobotsDecision, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[robotsURL]
	return d, ok, nil
}

// PutDecision implements harvest.DecisionStore.
func (s *MemoryStore) PutDecision(_ context.Context, d harvest.RobotsDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.URL] = d
	return nil
}

// DeleteDecision implements harvest.DecisionStore.
func (s *MemoryStore) DeleteDecision(_ context.Context, robotsURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.decisions, robotsURL)
	return nil
}

// Len returns the number of cached decisions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.decisions)
}
