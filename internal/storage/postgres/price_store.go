package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"crypto-etl/internal/domain"
	"crypto-etl/internal/storage"
)

// priceColumns lists the insertable columns in COPY order.
var priceColumns = []string{
	"run_id", "coin_id", "symbol", "name", "current_price",
	"market_cap", "market_cap_rank", "fully_diluted_valuation", "total_volume",
	"high_24h", "low_24h", "price_change_24h", "price_change_percentage_24h",
	"market_cap_change_24h", "market_cap_change_percentage_24h",
	"circulating_supply", "total_supply", "max_supply",
	"ath", "ath_change_percentage", "ath_date",
	"atl", "atl_change_percentage", "atl_date",
	"last_updated", "captured_at",
}

const selectPriceColumns = `
	id, run_id, coin_id, symbol, name, current_price,
	market_cap, market_cap_rank, fully_diluted_valuation, total_volume,
	high_24h, low_24h, price_change_24h, price_change_percentage_24h,
	market_cap_change_24h, market_cap_change_percentage_24h,
	circulating_supply, total_supply, max_supply,
	ath, ath_change_percentage, ath_date,
	atl, atl_change_percentage, atl_date,
	last_updated, captured_at`

// PriceStore implements storage.PriceStore using PostgreSQL.
type PriceStore struct {
	pool *Pool
}

// NewPriceStore creates a new PriceStore.
func NewPriceStore(pool *Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PriceStore = (*PriceStore)(nil)

// EnsureSchema creates crypto_prices and its indexes if missing.
func (s *PriceStore) EnsureSchema(ctx context.Context) error {
	return storage.Wrap(storage.OpEnsureSchema, ensureSchema(ctx, s.pool))
}

// InsertBulk copies all records inside one transaction. Any failure rolls the
// whole batch back. Constraint violations match storage.ErrInvalidInput.
func (s *PriceStore) InsertBulk(ctx context.Context, records []*domain.PriceRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storage.Wrap(storage.OpInsertBulk, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{storage.TableName},
		priceColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			if r == nil {
				return nil, fmt.Errorf("record %d: %w", i, storage.ErrInvalidInput)
			}
			return priceRow(r), nil
		}),
	)
	if err != nil {
		if isConstraintViolation(err) {
			err = fmt.Errorf("%w: %w", storage.ErrInvalidInput, err)
		}
		return 0, storage.Wrap(storage.OpInsertBulk, fmt.Errorf("copy records: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storage.Wrap(storage.OpInsertBulk, fmt.Errorf("commit tx: %w", err))
	}

	return int(n), nil
}

// GetLatestRun returns the rows of the most recently inserted run.
func (s *PriceStore) GetLatestRun(ctx context.Context) ([]*domain.PriceRecord, error) {
	query := `
		SELECT` + selectPriceColumns + `
		FROM crypto_prices
		WHERE run_id = (
			SELECT run_id FROM crypto_prices
			ORDER BY id DESC
			LIMIT 1
		)
		ORDER BY market_cap_rank ASC NULLS LAST, coin_id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, storage.Wrap(storage.OpGetLatestRun, fmt.Errorf("query latest run: %w", err))
	}
	defer rows.Close()

	records, err := scanPriceRecords(rows)
	if err != nil {
		return nil, storage.Wrap(storage.OpGetLatestRun, err)
	}
	if len(records) == 0 {
		return nil, storage.Wrap(storage.OpGetLatestRun, storage.ErrNotFound)
	}
	return records, nil
}

// Count returns the number of stored rows.
func (s *PriceStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM crypto_prices`).Scan(&n); err != nil {
		return 0, storage.Wrap(storage.OpCount, fmt.Errorf("count rows: %w", err))
	}
	return n, nil
}

// Ping verifies the database is reachable.
func (s *PriceStore) Ping(ctx context.Context) error {
	return storage.Wrap(storage.OpPing, s.pool.Ping(ctx))
}

func priceRow(r *domain.PriceRecord) []any {
	return []any{
		pgtype.UUID{Bytes: r.RunID, Valid: true},
		r.CoinID,
		r.Symbol,
		r.Name,
		r.Price,
		r.MarketCap,
		r.MarketCapRank,
		r.FullyDilutedValuation,
		r.TotalVolume,
		r.High24h,
		r.Low24h,
		r.PriceChange24h,
		r.PriceChangePercentage24h,
		r.MarketCapChange24h,
		r.MarketCapChangePercentage24h,
		r.CirculatingSupply,
		r.TotalSupply,
		r.MaxSupply,
		r.ATH,
		r.ATHChangePercentage,
		r.ATHDate,
		r.ATL,
		r.ATLChangePercentage,
		r.ATLDate,
		r.LastUpdated,
		r.CapturedAt,
	}
}

// scanPriceRecords scans multiple rows into a slice of PriceRecord.
func scanPriceRecords(rows pgx.Rows) ([]*domain.PriceRecord, error) {
	var records []*domain.PriceRecord

	for rows.Next() {
		var (
			r     domain.PriceRecord
			runID pgtype.UUID
		)
		err := rows.Scan(
			&r.ID,
			&runID,
			&r.CoinID,
			&r.Symbol,
			&r.Name,
			&r.Price,
			&r.MarketCap,
			&r.MarketCapRank,
			&r.FullyDilutedValuation,
			&r.TotalVolume,
			&r.High24h,
			&r.Low24h,
			&r.PriceChange24h,
			&r.PriceChangePercentage24h,
			&r.MarketCapChange24h,
			&r.MarketCapChangePercentage24h,
			&r.CirculatingSupply,
			&r.TotalSupply,
			&r.MaxSupply,
			&r.ATH,
			&r.ATHChangePercentage,
			&r.ATHDate,
			&r.ATL,
			&r.ATLChangePercentage,
			&r.ATLDate,
			&r.LastUpdated,
			&r.CapturedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan price record: %w", err)
		}
		if !runID.Valid {
			return nil, errors.New("scan price record: null run_id")
		}
		r.RunID = uuid.UUID(runID.Bytes)
		r.CapturedAt = r.CapturedAt.UTC()
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price records: %w", err)
	}

	return records, nil
}
