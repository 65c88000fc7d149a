package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation. It is
// primarily useful for tests and single-process deployments that do not need
// durable persistence. Blocks are returned by pointer, as stored; callers
// treat them as immutable. (Mutating one from a test simulates storage-level
// tampering, which is exactly what the verifier must detect.)
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]map[uint64]*Block // ChainKey.String() -> height -> block
	byID   map[uuid.UUID]*Block
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string]map[uint64]*Block),
		byID:   make(map[uuid.UUID]*Block),
	}
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context, key ChainKey) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[key.String()]
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	var head *Block
	for _, b := range chain {
		if head == nil || b.Height > head.Height {
			head = b
		}
	}
	return head, nil
}

// InsertIfAbsent implements Store.
func (s *MemoryStore) InsertIfAbsent(_ context.Context, block *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := block.ChainKey.String()
	chain, ok := s.chains[ck]
	if !ok {
		chain = make(map[uint64]*Block)
		s.chains[ck] = chain
	}
	if _, taken := chain[block.Height]; taken {
		return ErrHeightOccupied
	}
	chain[block.Height] = block
	s.byID[block.ID] = block
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, key ChainKey, from, to uint64) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[key.String()]
	var out []*Block
	for h := from; h <= to; h++ {
		if b, ok := chain[h]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// UpdateHold implements Store.
func (s *MemoryStore) UpdateHold(_ context.Context, id uuid.UUID, hold LegalHold, retentionExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	b.LegalHold = hold
	b.RetentionExpiry = retentionExpiry
	return nil
}

// ListExpired implements Store.
func (s *MemoryStore) ListExpired(_ context.Context, asOf time.Time, limit int) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Block
	for _, b := range s.byID {
		if !b.RetentionExpiry.After(asOf) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RetentionExpiry.Before(out[j].RetentionExpiry)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.chains[b.ChainKey.String()], b.Height)
	return nil
}

// Chains implements Store.
func (s *MemoryStore) Chains(_ context.Context) ([]ChainKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []ChainKey
	for ck, chain := range s.chains {
		if len(chain) == 0 {
			continue
		}
		key, err := ParseChainKey(ck)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
