package storage

import (
	"context"
	"sort"

	"crypto-etl/internal/domain"
)

// Operation names carried by Error.
const (
	OpEnsureSchema = "ensure_schema"
	OpInsertBulk   = "insert_bulk"
	OpGetLatestRun = "get_latest_run"
	OpCount        = "count"
	OpPing         = "ping"
)

// TableName is the target table for price records.
const TableName = "crypto_prices"

// PriceStore provides access to crypto_prices storage.
// Every error returned is a *Error.
type PriceStore interface {
	// EnsureSchema creates the table and its indexes if missing. Idempotent.
	EnsureSchema(ctx context.Context) error

	// InsertBulk adds all records atomically and returns the number committed.
	// On any failure no record of the batch is visible.
	InsertBulk(ctx context.Context, records []*domain.PriceRecord) (int, error)

	// GetLatestRun returns the rows of the most recently inserted run, ordered
	// by market cap rank. A history run loaded last is the latest run even
	// though its capture time lies in the past. Returns ErrNotFound if the
	// table is empty.
	GetLatestRun(ctx context.Context) ([]*domain.PriceRecord, error)

	// Count returns the total number of stored rows.
	Count(ctx context.Context) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// Validate checks the constraints every backend enforces on a record.
func Validate(r *domain.PriceRecord) error {
	if r == nil || r.CoinID == "" || r.Symbol == "" || r.Name == "" {
		return ErrInvalidInput
	}
	return nil
}

// SortByRank orders records by market cap rank ascending, unranked last,
// then by coin id.
func SortByRank(records []*domain.PriceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := records[i].MarketCapRank, records[j].MarketCapRank
		switch {
		case ri != nil && rj != nil && *ri != *rj:
			return *ri < *rj
		case ri != nil && rj == nil:
			return true
		case ri == nil && rj != nil:
			return false
		}
		return records[i].CoinID < records[j].CoinID
	})
}
