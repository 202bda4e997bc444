package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"crypto-etl/internal/domain"
	"crypto-etl/internal/storage"
)

func newRecord(runID uuid.UUID, coinID string, rank int64, capturedAt time.Time) *domain.PriceRecord {
	return &domain.PriceRecord{
		RunID:         runID,
		CoinID:        coinID,
		Symbol:        coinID[:1],
		Name:          coinID,
		Price:         float64(rank) * 10,
		MarketCapRank: &rank,
		CapturedAt:    capturedAt,
	}
}

func readyStore(t *testing.T) *PriceStore {
	t.Helper()
	store := NewPriceStore()
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return store
}

func TestPriceStore_InsertBulkAndCount(t *testing.T) {
	store := readyStore(t)
	ctx := context.Background()
	runID := uuid.New()
	now := time.Now().UTC()

	n, err := store.InsertBulk(ctx, []*domain.PriceRecord{
		newRecord(runID, "bitcoin", 1, now),
		newRecord(runID, "ethereum", 2, now),
	})
	if err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 inserted, got %d", n)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected count 2, got %d", count)
	}

	rows := store.Rows()
	if rows[0].ID != 1 || rows[1].ID != 2 {
		t.Errorf("Expected sequential ids, got %d, %d", rows[0].ID, rows[1].ID)
	}
}

func TestPriceStore_InsertBulkAtomic(t *testing.T) {
	store := readyStore(t)
	ctx := context.Background()
	runID := uuid.New()
	now := time.Now().UTC()

	records := make([]*domain.PriceRecord, 10)
	for i := range records {
		records[i] = newRecord(runID, fmt.Sprintf("coin%d", i), int64(i+1), now)
	}
	records[9].CoinID = ""

	n, err := store.InsertBulk(ctx, records)
	if err == nil {
		t.Fatal("Expected error for invalid last record")
	}
	if n != 0 {
		t.Errorf("Expected 0 committed, got %d", n)
	}
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	var serr *storage.Error
	if !errors.As(err, &serr) || serr.Op != storage.OpInsertBulk {
		t.Errorf("Expected storage.Error with op %s, got %v", storage.OpInsertBulk, err)
	}

	count, _ := store.Count(ctx)
	if count != 0 {
		t.Errorf("Expected 0 rows after failed batch, got %d", count)
	}
}

func TestPriceStore_RequiresSchema(t *testing.T) {
	store := NewPriceStore()

	_, err := store.InsertBulk(context.Background(), []*domain.PriceRecord{
		newRecord(uuid.New(), "bitcoin", 1, time.Now()),
	})
	var serr *storage.Error
	if !errors.As(err, &serr) {
		t.Fatalf("Expected storage.Error before EnsureSchema, got %v", err)
	}
}

func TestPriceStore_EnsureSchemaIdempotent(t *testing.T) {
	store := NewPriceStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.EnsureSchema(ctx); err != nil {
			t.Fatalf("EnsureSchema call %d failed: %v", i+1, err)
		}
	}
}

func TestPriceStore_EmptyBatch(t *testing.T) {
	store := readyStore(t)

	n, err := store.InsertBulk(context.Background(), nil)
	if err != nil {
		t.Fatalf("InsertBulk(nil) failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0, got %d", n)
	}
}

func TestPriceStore_GetLatestRun(t *testing.T) {
	store := readyStore(t)
	ctx := context.Background()

	_, err := store.GetLatestRun(ctx)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on empty store, got %v", err)
	}

	older, newer := uuid.New(), uuid.New()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.InsertBulk(ctx, []*domain.PriceRecord{
		newRecord(older, "bitcoin", 1, t0),
	}); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}
	unranked := newRecord(newer, "zcoin", 0, t0.Add(time.Hour))
	unranked.MarketCapRank = nil
	if _, err := store.InsertBulk(ctx, []*domain.PriceRecord{
		unranked,
		newRecord(newer, "ethereum", 2, t0.Add(time.Hour)),
		newRecord(newer, "bitcoin", 1, t0.Add(time.Hour)),
	}); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	rows, err := store.GetLatestRun(ctx)
	if err != nil {
		t.Fatalf("GetLatestRun failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	want := []string{"bitcoin", "ethereum", "zcoin"}
	for i, r := range rows {
		if r.RunID != newer {
			t.Errorf("Row %d from wrong run", i)
		}
		if r.CoinID != want[i] {
			t.Errorf("Row %d: got %s, want %s", i, r.CoinID, want[i])
		}
	}
}

func TestPriceStore_GetLatestRunFollowsInsertOrder(t *testing.T) {
	store := readyStore(t)
	ctx := context.Background()

	markets, history := uuid.New(), uuid.New()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.InsertBulk(ctx, []*domain.PriceRecord{
		newRecord(markets, "bitcoin", 1, now),
		newRecord(markets, "ethereum", 2, now),
	}); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}
	// A history snapshot loaded afterwards carries a past capture date.
	if _, err := store.InsertBulk(ctx, []*domain.PriceRecord{
		newRecord(history, "bitcoin", 1, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)),
	}); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	rows, err := store.GetLatestRun(ctx)
	if err != nil {
		t.Fatalf("GetLatestRun failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	if rows[0].RunID != history {
		t.Errorf("Expected the last inserted run %s, got %s", history, rows[0].RunID)
	}
}

func TestPriceStore_CancelledContext(t *testing.T) {
	store := readyStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.InsertBulk(ctx, []*domain.PriceRecord{newRecord(uuid.New(), "bitcoin", 1, time.Now())})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
