package permcache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store holds snapshots keyed by membership ID.
//
// Put is monotonic: a snapshot whose stamp is older than the stored one is
// discarded and Put reports false. Stores never hand out shared state; the
// caller owns the returned snapshot.
type Store interface {
	Get(ctx context.Context, membershipID int64) (*Snapshot, bool, error)
	Put(ctx context.Context, snap *Snapshot) (bool, error)
}

// MemoryStore is a process-local Store on an expirable LRU
type MemoryStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[int64, *Snapshot]
}

// NewMemoryStore creates a store holding at most size snapshots for ttl
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: expirable.NewLRU[int64, *Snapshot](size, nil, ttl),
	}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, membershipID int64) (*Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.cache.Get(membershipID)
	if !ok {
		return nil, false, nil
	}
	return snap.clone(), true, nil
}

// Put implements Store
func (s *MemoryStore) Put(_ context.Context, snap *Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.cache.Peek(snap.MembershipID); ok && cur.Stamp.NewerThan(snap.Stamp) {
		return false, nil
	}
	s.cache.Add(snap.MembershipID, snap.clone())
	return true, nil
}

// Len returns the number of cached snapshots
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.Capabilities = s.Capabilities.Clone()
	return &out
}
