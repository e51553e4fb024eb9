package peerstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/pkg/metrics"
)

// MemoryStore keeps peers in a map. Records are copied on the way in and out
// so callers cannot mutate stored state.
type MemoryStore struct {
	mu     sync.RWMutex
	peers  map[string]*PeerState
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[string]*PeerState)}
}

func (s *MemoryStore) Get(_ context.Context, address string) (*PeerState, error) {
	defer metrics.ObserveStoreOperation("memory", "get", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, consts.ErrStoreClosed
	}
	p, ok := s.peers[address]
	if !ok {
		return nil, consts.ErrPeerNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, peer *PeerState) error {
	defer metrics.ObserveStoreOperation("memory", "put", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return consts.ErrStoreClosed
	}
	s.peers[peer.Address] = peer.Clone()
	return nil
}

// List returns peers ordered by address.
func (s *MemoryStore) List(_ context.Context) ([]*PeerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, consts.ErrStoreClosed
	}
	out := make([]*PeerState, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
