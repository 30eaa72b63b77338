package settings

import (
	"context"
	"sync"

	"goyais/toolhost/internal/agentcore/safety"
)

// MemoryStore keeps decisions for the life of the process.
type MemoryStore struct {
	mu        sync.Mutex
	decisions map[string]safety.TrustDecision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{decisions: map[string]safety.TrustDecision{}}
}

func (s *MemoryStore) Load(ctx context.Context) ([]safety.TrustDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]safety.TrustDecision, 0, len(s.decisions))
	for _, decision := range s.decisions {
		out = append(out, decision)
	}
	return sortDecisions(out), nil
}

func (s *MemoryStore) Save(ctx context.Context, decision safety.TrustDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[decision.Tool] = decision
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[tool]; !ok {
		return noDecision(tool)
	}
	delete(s.decisions, tool)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
