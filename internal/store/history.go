package store

import (
	"sync"

	"github.com/efreitasn/marketsim/internal/domain"
)

// HistoryStore is a thread-safe in-memory store of ended sales,
// keyed by seller. Records are append-only and chronological.
type HistoryStore struct {
	mu      sync.RWMutex
	records map[string][]domain.SaleRecord // seller_id → records (chronological)
	total   int
}

// NewHistoryStore creates an empty HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		records: make(map[string][]domain.SaleRecord),
	}
}

// Append adds a record to its seller's chronological list.
func (s *HistoryStore) Append(rec domain.SaleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sellerID := rec.Item.SellerID
	s.records[sellerID] = append(s.records[sellerID], rec)
	s.total++
}

// BySeller returns all records for a seller in chronological order.
// Returns an empty slice if the seller has no ended sales.
func (s *HistoryStore) BySeller(sellerID string) []domain.SaleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[sellerID]
	result := make([]domain.SaleRecord, len(records))
	copy(result, records)
	return result
}

// Len returns the number of records across all sellers.
func (s *HistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
