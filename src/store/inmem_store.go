package store

import (
	"sort"
	"sync"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// InmemStore implements the Store interface with plain maps.
type InmemStore struct {
	mu         sync.RWMutex
	pairings   map[string]Pairing
	records    map[string]wire.ChangeRecord
	highWaters map[string]HighWater
	closed     bool
}

// NewInmemStore creates an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		pairings:   make(map[string]Pairing),
		records:    make(map[string]wire.ChangeRecord),
		highWaters: make(map[string]HighWater),
	}
}

// SetPairing implements the Store interface.
func (s *InmemStore) SetPairing(p Pairing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cm.NewStoreErr("InmemStore", cm.Closed, p.ID)
	}
	s.pairings[p.ID] = copyPairing(p)
	return nil
}

// GetPairing implements the Store interface.
func (s *InmemStore) GetPairing(id string) (Pairing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairings[id]
	if !ok {
		return Pairing{}, cm.NewStoreErr("Pairing", cm.KeyNotFound, id)
	}
	return copyPairing(p), nil
}

// Pairings implements the Store interface. Pairings are sorted by creation
// time.
func (s *InmemStore) Pairings() ([]Pairing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]Pairing, 0, len(s.pairings))
	for _, p := range s.pairings {
		res = append(res, copyPairing(p))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt == res[j].CreatedAt {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt < res[j].CreatedAt
	})
	return res, nil
}

// DeletePairing implements the Store interface. The high-water marks of the
// pairing go with it.
func (s *InmemStore) DeletePairing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pairings[id]; !ok {
		return cm.NewStoreErr("Pairing", cm.KeyNotFound, id)
	}
	delete(s.pairings, id)
	delete(s.highWaters, id)
	return nil
}

// SetRecord implements the Store interface.
func (s *InmemStore) SetRecord(r wire.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cm.NewStoreErr("InmemStore", cm.Closed, r.EntityID)
	}
	s.records[r.EntityID] = r.Copy()
	return nil
}

// GetRecord implements the Store interface.
func (s *InmemStore) GetRecord(entityID string) (wire.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[entityID]
	if !ok {
		return wire.ChangeRecord{}, cm.NewStoreErr("Record", cm.KeyNotFound, entityID)
	}
	return r.Copy(), nil
}

// Records implements the Store interface. Records are sorted by entity id.
func (s *InmemStore) Records() ([]wire.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]wire.ChangeRecord, 0, len(s.records))
	for _, r := range s.records {
		res = append(res, r.Copy())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].EntityID < res[j].EntityID })
	return res, nil
}

// SetHighWater implements the Store interface. Marks never move backwards.
func (s *InmemStore) SetHighWater(pairingID string, hw HighWater) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cm.NewStoreErr("InmemStore", cm.Closed, pairingID)
	}
	s.highWaters[pairingID] = maxHighWater(s.highWaters[pairingID], hw)
	return nil
}

// GetHighWater implements the Store interface. A pairing without marks
// returns zero marks.
func (s *InmemStore) GetHighWater(pairingID string) (HighWater, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.highWaters[pairingID], nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func copyPairing(p Pairing) Pairing {
	p.PeerKey = append([]byte(nil), p.PeerKey...)
	p.Secret = append([]byte(nil), p.Secret...)
	p.Addrs = append([]string(nil), p.Addrs...)
	return p
}

func maxHighWater(a, b HighWater) HighWater {
	if b.Send > a.Send {
		a.Send = b.Send
	}
	if b.Recv > a.Recv {
		a.Recv = b.Recv
	}
	return a
}
