package clickhouse

import (
	"context"
	"fmt"

	"crypto-etl/internal/domain"
	"crypto-etl/internal/storage"
)

const insertPrices = `
	INSERT INTO crypto_prices (
		run_id, coin_id, symbol, name, current_price,
		market_cap, market_cap_rank, fully_diluted_valuation, total_volume,
		high_24h, low_24h, price_change_24h, price_change_percentage_24h,
		market_cap_change_24h, market_cap_change_percentage_24h,
		circulating_supply, total_supply, max_supply,
		ath, ath_change_percentage, ath_date,
		atl, atl_change_percentage, atl_date,
		last_updated, captured_at
	)
`

// PriceStore implements storage.PriceStore using ClickHouse.
// Rows carry no surrogate id; PriceRecord.ID is always zero on read.
type PriceStore struct {
	conn *Conn
}

// NewPriceStore creates a new PriceStore.
func NewPriceStore(conn *Conn) *PriceStore {
	return &PriceStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceStore = (*PriceStore)(nil)

// EnsureSchema creates crypto_prices if missing.
func (s *PriceStore) EnsureSchema(ctx context.Context) error {
	return storage.Wrap(storage.OpEnsureSchema, ensureSchema(ctx, s.conn))
}

// InsertBulk sends all records as a single block. ClickHouse has no CHECK
// constraints, so the batch is validated up front and rejected whole.
func (s *PriceStore) InsertBulk(ctx context.Context, records []*domain.PriceRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	for i, r := range records {
		if err := storage.Validate(r); err != nil {
			return 0, storage.Wrap(storage.OpInsertBulk, fmt.Errorf("record %d: %w", i, err))
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, insertPrices)
	if err != nil {
		return 0, storage.Wrap(storage.OpInsertBulk, fmt.Errorf("prepare batch: %w", err))
	}
	defer batch.Abort()

	for _, r := range records {
		err = batch.Append(
			r.RunID, r.CoinID, r.Symbol, r.Name, r.Price,
			r.MarketCap, r.MarketCapRank, r.FullyDilutedValuation, r.TotalVolume,
			r.High24h, r.Low24h, r.PriceChange24h, r.PriceChangePercentage24h,
			r.MarketCapChange24h, r.MarketCapChangePercentage24h,
			r.CirculatingSupply, r.TotalSupply, r.MaxSupply,
			r.ATH, r.ATHChangePercentage, r.ATHDate,
			r.ATL, r.ATLChangePercentage, r.ATLDate,
			r.LastUpdated, r.CapturedAt,
		)
		if err != nil {
			return 0, storage.Wrap(storage.OpInsertBulk, fmt.Errorf("append to batch: %w", err))
		}
	}

	if err := batch.Send(); err != nil {
		return 0, storage.Wrap(storage.OpInsertBulk, fmt.Errorf("send batch: %w", err))
	}

	return len(records), nil
}

// GetLatestRun returns the rows of the most recently inserted run.
func (s *PriceStore) GetLatestRun(ctx context.Context) ([]*domain.PriceRecord, error) {
	query := `
		SELECT
			run_id, coin_id, symbol, name, current_price,
			market_cap, market_cap_rank, fully_diluted_valuation, total_volume,
			high_24h, low_24h, price_change_24h, price_change_percentage_24h,
			market_cap_change_24h, market_cap_change_percentage_24h,
			circulating_supply, total_supply, max_supply,
			ath, ath_change_percentage, ath_date,
			atl, atl_change_percentage, atl_date,
			last_updated, captured_at
		FROM crypto_prices
		WHERE run_id = (
			SELECT run_id FROM crypto_prices
			ORDER BY inserted_at DESC
			LIMIT 1
		)
		ORDER BY market_cap_rank ASC NULLS LAST, coin_id ASC
	`

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, storage.Wrap(storage.OpGetLatestRun, fmt.Errorf("query latest run: %w", err))
	}
	defer rows.Close()

	var records []*domain.PriceRecord
	for rows.Next() {
		var r domain.PriceRecord
		err := rows.Scan(
			&r.RunID, &r.CoinID, &r.Symbol, &r.Name, &r.Price,
			&r.MarketCap, &r.MarketCapRank, &r.FullyDilutedValuation, &r.TotalVolume,
			&r.High24h, &r.Low24h, &r.PriceChange24h, &r.PriceChangePercentage24h,
			&r.MarketCapChange24h, &r.MarketCapChangePercentage24h,
			&r.CirculatingSupply, &r.TotalSupply, &r.MaxSupply,
			&r.ATH, &r.ATHChangePercentage, &r.ATHDate,
			&r.ATL, &r.ATLChangePercentage, &r.ATLDate,
			&r.LastUpdated, &r.CapturedAt,
		)
		if err != nil {
			return nil, storage.Wrap(storage.OpGetLatestRun, fmt.Errorf("scan price record: %w", err))
		}
		r.CapturedAt = r.CapturedAt.UTC()
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(storage.OpGetLatestRun, fmt.Errorf("iterate price records: %w", err))
	}

	if len(records) == 0 {
		return nil, storage.Wrap(storage.OpGetLatestRun, storage.ErrNotFound)
	}
	return records, nil
}

// Count returns the number of stored rows.
func (s *PriceStore) Count(ctx context.Context) (int64, error) {
	var n uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM crypto_prices`).Scan(&n); err != nil {
		return 0, storage.Wrap(storage.OpCount, fmt.Errorf("count rows: %w", err))
	}
	return int64(n), nil
}

// Ping verifies the server is reachable.
func (s *PriceStore) Ping(ctx context.Context) error {
	return storage.Wrap(storage.OpPing, s.conn.Ping(ctx))
}
