package flowbudget

import (
	"context"
	"sort"
	"sync"

	"github.com/aura-net/aura/pkg/aura"
)

type pairKey struct {
	context aura.ContextID
	peer    aura.PeerID
}

// MemoryStore implements Store in memory. Thread-safe via RWMutex; values
// are copied on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	budgets map[pairKey]*Budget
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[pairKey]*Budget)}
}

func (s *MemoryStore) Get(ctx context.Context, contextID aura.ContextID, peer aura.PeerID) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.budgets[pairKey{contextID, peer}]; ok {
		val := *b
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStore) Set(ctx context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *b
	s.budgets[pairKey{b.Context, b.Peer}] = &val
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Budget, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, *b)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Context != out[b].Context {
			return out[a].Context.String() < out[b].Context.String()
		}
		return out[a].Peer.String() < out[b].Peer.String()
	})
	return out, nil
}
