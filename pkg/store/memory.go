package store

import (
	"context"
	"sync"

	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/proxy"
)

// MemoryProxyStore is a process-local ProxyStore.
type MemoryProxyStore struct {
	mu      sync.RWMutex
	proxies map[string]proxy.Proxy
}

// NewMemoryProxyStore creates an empty proxy store.
func NewMemoryProxyStore() *MemoryProxyStore {
	return &MemoryProxyStore{proxies: make(map[string]proxy.Proxy)}
}

// Add implements ProxyStore.
func (s *MemoryProxyStore) Add(p proxy.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[p.ID]; ok {
		return errors.NewIllegalStateError("proxy already exists: "+p.ID, nil)
	}
	s.proxies[p.ID] = p.Clone()
	return nil
}

// Get implements ProxyStore.
func (s *MemoryProxyStore) Get(id string) (proxy.Proxy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proxies[id]
	if !ok {
		return proxy.Proxy{}, false
	}
	return p.Clone(), true
}

// Update implements ProxyStore.
func (s *MemoryProxyStore) Update(p proxy.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[p.ID]; !ok {
		return errors.NewNotFoundError("proxy not found: "+p.ID, nil)
	}
	s.proxies[p.ID] = p.Clone()
	return nil
}

// Remove implements ProxyStore.
func (s *MemoryProxyStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[id]; !ok {
		return errors.NewNotFoundError("proxy not found: "+id, nil)
	}
	delete(s.proxies, id)
	return nil
}

// All implements ProxyStore.
func (s *MemoryProxyStore) All() []proxy.Proxy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proxy.Proxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		out = append(out, p.Clone())
	}
	return out
}

type seatState struct {
	unclaimed map[string]Seat
	claimed   map[string]Seat
}

// MemorySeatStore is a process-local SeatStore.
type MemorySeatStore struct {
	mu    sync.Mutex
	specs map[string]*seatState
}

// NewMemorySeatStore creates an empty seat store.
func NewMemorySeatStore() *MemorySeatStore {
	return &MemorySeatStore{specs: make(map[string]*seatState)}
}

func (s *MemorySeatStore) state(specID string) *seatState {
	st, ok := s.specs[specID]
	if !ok {
		st = &seatState{unclaimed: make(map[string]Seat), claimed: make(map[string]Seat)}
		s.specs[specID] = st
	}
	return st
}

// Add implements SeatStore.
func (s *MemorySeatStore) Add(_ context.Context, specID string, seat Seat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(specID).unclaimed[seat.ID] = seat
	return nil
}

// Claim implements SeatStore.
func (s *MemorySeatStore) Claim(_ context.Context, specID string) (*Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(specID)
	for id, seat := range st.unclaimed {
		delete(st.unclaimed, id)
		st.claimed[id] = seat
		return &seat, nil
	}
	return nil, nil
}

// Release implements SeatStore.
func (s *MemorySeatStore) Release(_ context.Context, specID string, seat Seat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(specID)
	if _, ok := st.claimed[seat.ID]; !ok {
		return errors.NewNotFoundError("seat not claimed: "+seat.ID, nil)
	}
	delete(st.claimed, seat.ID)
	st.unclaimed[seat.ID] = seat
	return nil
}

// RemoveSeats implements SeatStore.
func (s *MemorySeatStore) RemoveSeats(_ context.Context, specID string, seatIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(specID)
	for _, id := range seatIDs {
		if _, ok := st.unclaimed[id]; !ok {
			return false, nil
		}
	}
	for _, id := range seatIDs {
		delete(st.unclaimed, id)
	}
	return true, nil
}

// UnclaimedCount implements SeatStore.
func (s *MemorySeatStore) UnclaimedCount(_ context.Context, specID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state(specID).unclaimed), nil
}

// ClaimedCount implements SeatStore.
func (s *MemorySeatStore) ClaimedCount(_ context.Context, specID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state(specID).claimed), nil
}

// MemoryDelegateProxyStore is a process-local DelegateProxyStore.
type MemoryDelegateProxyStore struct {
	mu        sync.RWMutex
	delegates map[string]DelegateProxy
}

// NewMemoryDelegateProxyStore creates an empty delegate proxy store.
func NewMemoryDelegateProxyStore() *MemoryDelegateProxyStore {
	return &MemoryDelegateProxyStore{delegates: make(map[string]DelegateProxy)}
}

// Add implements DelegateProxyStore.
func (s *MemoryDelegateProxyStore) Add(d DelegateProxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegates[d.Proxy.ID]; ok {
		return errors.NewIllegalStateError("delegate proxy already exists: "+d.Proxy.ID, nil)
	}
	s.delegates[d.Proxy.ID] = d.Clone()
	return nil
}

// Update implements DelegateProxyStore.
func (s *MemoryDelegateProxyStore) Update(d DelegateProxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegates[d.Proxy.ID]; !ok {
		return errors.NewNotFoundError("delegate proxy not found: "+d.Proxy.ID, nil)
	}
	s.delegates[d.Proxy.ID] = d.Clone()
	return nil
}

// Get implements DelegateProxyStore.
func (s *MemoryDelegateProxyStore) Get(id string) (DelegateProxy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegates[id]
	if !ok {
		return DelegateProxy{}, false
	}
	return d.Clone(), true
}

// Remove implements DelegateProxyStore.
func (s *MemoryDelegateProxyStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegates[id]; !ok {
		return errors.NewNotFoundError("delegate proxy not found: "+id, nil)
	}
	delete(s.delegates, id)
	return nil
}

// All implements DelegateProxyStore.
func (s *MemoryDelegateProxyStore) All() []DelegateProxy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DelegateProxy, 0, len(s.delegates))
	for _, d := range s.delegates {
		out = append(out, d.Clone())
	}
	return out
}
