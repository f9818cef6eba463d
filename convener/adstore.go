package convener

import (
	"sort"
	"sync"

	"rollcall/models"
)

// AdvertisementStore holds the latest advertisement per peer.
type AdvertisementStore struct {
	mu      sync.RWMutex
	records map[models.PeerID]models.AdvertisementRecord
}

// NewAdvertisementStore returns an empty store.
func NewAdvertisementStore() *AdvertisementStore {
	return &AdvertisementStore{records: make(map[models.PeerID]models.AdvertisementRecord)}
}

// Put stores record for peerID, replacing any earlier advertisement.
func (s *AdvertisementStore) Put(peerID models.PeerID, record models.AdvertisementRecord) {
	record.PeerID = peerID

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[peerID] = record
}

// Get returns the latest advertisement for peerID.
func (s *AdvertisementStore) Get(peerID models.PeerID) (models.AdvertisementRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[peerID]
	return record, ok
}

// Len returns the number of advertised peers.
func (s *AdvertisementStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Snapshot returns a copy of every record ordered by PeerID.
func (s *AdvertisementStore) Snapshot() []models.AdvertisementRecord {
	s.mu.RLock()
	out := make([]models.AdvertisementRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].PeerID < out[j].PeerID
	})
	return out
}
