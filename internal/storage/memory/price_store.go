package memory

import (
	"context"
	"fmt"
	"sync"

	"crypto-etl/internal/domain"
	"crypto-etl/internal/storage"
)

// PriceStore is an in-memory implementation of storage.PriceStore.
// Used by tests and dry runs.
type PriceStore struct {
	mu          sync.RWMutex
	schemaReady bool
	nextID      int64
	rows        []*domain.PriceRecord
}

// NewPriceStore creates a new in-memory price store.
func NewPriceStore() *PriceStore {
	return &PriceStore{nextID: 1}
}

// Compile-time interface check.
var _ storage.PriceStore = (*PriceStore)(nil)

// EnsureSchema marks the table as created. Idempotent.
func (s *PriceStore) EnsureSchema(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaReady = true
	return nil
}

// InsertBulk adds all records atomically. The whole batch is validated before
// any row is applied.
func (s *PriceStore) InsertBulk(ctx context.Context, records []*domain.PriceRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.Wrap(storage.OpInsertBulk, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.schemaReady {
		return 0, storage.Wrap(storage.OpInsertBulk, fmt.Errorf("table %s does not exist", storage.TableName))
	}
	if len(records) == 0 {
		return 0, nil
	}

	// First pass: validate
	for i, r := range records {
		if err := storage.Validate(r); err != nil {
			return 0, storage.Wrap(storage.OpInsertBulk, fmt.Errorf("record %d: %w", i, err))
		}
	}

	// Second pass: apply
	for _, r := range records {
		row := *r
		row.ID = s.nextID
		s.nextID++
		s.rows = append(s.rows, &row)
	}

	return len(records), nil
}

// GetLatestRun returns the rows of the most recently inserted run.
func (s *PriceStore) GetLatestRun(_ context.Context) ([]*domain.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.rows) == 0 {
		return nil, storage.Wrap(storage.OpGetLatestRun, storage.ErrNotFound)
	}

	latest := s.rows[len(s.rows)-1]

	var result []*domain.PriceRecord
	for _, r := range s.rows {
		if r.RunID == latest.RunID {
			row := *r
			result = append(result, &row)
		}
	}
	storage.SortByRank(result)
	return result, nil
}

// Count returns the number of stored rows.
func (s *PriceStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

// Ping always succeeds.
func (s *PriceStore) Ping(_ context.Context) error {
	return nil
}

// Rows returns a copy of all stored rows in insertion order.
func (s *PriceStore) Rows() []*domain.PriceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.PriceRecord, len(s.rows))
	for i, r := range s.rows {
		row := *r
		result[i] = &row
	}
	return result
}
