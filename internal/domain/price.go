package domain

import (
	"time"

	"github.com/google/uuid"
)

// RawMarketRecord is one coin as decoded from the price API.
// JSON numbers are kept as json.Number.
type RawMarketRecord map[string]any

// PriceRecord is a normalized market snapshot for one coin.
// Corresponds to crypto_prices table. Nil pointers are stored as NULL.
type PriceRecord struct {
	ID     int64     // BIGSERIAL primary key, zero until read back
	RunID  uuid.UUID // pipeline run that produced the row
	CoinID string    // API coin identifier, e.g. "bitcoin"
	Symbol string
	Name   string
	Price  float64 // current price in USD

	MarketCap             *float64
	MarketCapRank         *int64
	FullyDilutedValuation *float64
	TotalVolume           *float64

	High24h                      *float64
	Low24h                       *float64
	PriceChange24h               *float64
	PriceChangePercentage24h     *float64
	MarketCapChange24h           *float64
	MarketCapChangePercentage24h *float64

	CirculatingSupply *float64
	TotalSupply       *float64
	MaxSupply         *float64

	ATH                 *float64
	ATHChangePercentage *float64
	ATHDate             *time.Time
	ATL                 *float64
	ATLChangePercentage *float64
	ATLDate             *time.Time

	LastUpdated *time.Time // source-side update time
	CapturedAt  time.Time  // when this pipeline captured the record (UTC)
}
