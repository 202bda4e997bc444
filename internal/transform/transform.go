// Package transform maps raw price API records to persisted price records.
package transform

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crypto-etl/internal/domain"
	"crypto-etl/internal/observability"
)

// Policy decides what happens to a malformed record.
type Policy string

const (
	// PolicySkip drops malformed records and keeps their siblings.
	PolicySkip Policy = "skip"
	// PolicyFail aborts the whole batch on the first malformed record.
	PolicyFail Policy = "fail"
)

// ParsePolicy converts a config value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicySkip, PolicyFail:
		return Policy(s), nil
	case "":
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown malformed-record policy %q (want skip or fail)", s)
	}
}

// Result is the output of one Transform call.
type Result struct {
	Records  []*domain.PriceRecord
	Rejected []*MalformedRecordError
}

// Transformer maps raw records. It holds no state between calls.
type Transformer struct {
	policy  Policy
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures Transformer.
type Option func(*Transformer)

// WithPolicy sets the malformed-record policy.
func WithPolicy(p Policy) Option {
	return func(t *Transformer) {
		t.policy = p
	}
}

// WithClock sets the capture-time source.
func WithClock(now func() time.Time) Option {
	return func(t *Transformer) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Transformer) {
		t.metrics = m
	}
}

// New creates a Transformer. The default policy is PolicySkip.
func New(opts ...Option) *Transformer {
	t := &Transformer{
		policy: PolicySkip,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Policy returns the configured malformed-record policy.
func (t *Transformer) Policy() Policy {
	return t.policy
}

// Transform maps a markets batch. Every record shares one capture timestamp.
// Under PolicyFail the first malformed record is returned as the error and no
// records are produced.
func (t *Transformer) Transform(runID uuid.UUID, raw []domain.RawMarketRecord) (*Result, error) {
	capturedAt := t.now().UTC()
	result := &Result{Records: make([]*domain.PriceRecord, 0, len(raw))}

	for i, r := range raw {
		rec, merr := mapMarketRecord(runID, i, r, capturedAt)
		if merr != nil {
			if t.policy == PolicyFail {
				t.metrics.RecordTransform(0, []string{merr.Field})
				return nil, merr
			}
			t.logger.Warn("skipping malformed record",
				"run_id", runID,
				"index", merr.Index,
				"coin_id", merr.CoinID,
				"field", merr.Field,
				"reason", merr.Reason,
			)
			result.Rejected = append(result.Rejected, merr)
			continue
		}
		result.Records = append(result.Records, rec)
	}

	rejectedFields := make([]string, len(result.Rejected))
	for i, r := range result.Rejected {
		rejectedFields[i] = r.Field
	}
	t.metrics.RecordTransform(len(result.Records), rejectedFields)

	return result, nil
}

// TransformHistory maps a /coins/{id}/history object captured on date.
// Only price, market cap and volume are available from that endpoint.
func (t *Transformer) TransformHistory(runID uuid.UUID, raw domain.RawMarketRecord, date time.Time) (*domain.PriceRecord, error) {
	rec, merr := mapIdentity(runID, 0, raw)
	if merr != nil {
		t.metrics.RecordTransform(0, []string{merr.Field})
		return nil, merr
	}

	priceValue, ok := lookupPath(raw, "market_data", "current_price", "usd")
	price, numeric := toFloat(priceValue)
	if !ok || !numeric {
		merr := &MalformedRecordError{
			CoinID: rec.CoinID,
			Field:  "market_data.current_price.usd",
			Reason: "is missing or not numeric",
		}
		t.metrics.RecordTransform(0, []string{merr.Field})
		return nil, merr
	}
	rec.Price = price

	if v, ok := lookupPath(raw, "market_data", "market_cap", "usd"); ok {
		rec.MarketCap = optFloat(v)
	}
	if v, ok := lookupPath(raw, "market_data", "total_volume", "usd"); ok {
		rec.TotalVolume = optFloat(v)
	}

	y, m, d := date.UTC().Date()
	rec.CapturedAt = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	t.metrics.RecordTransform(1, nil)
	return rec, nil
}

// mapIdentity checks id, symbol and name.
func mapIdentity(runID uuid.UUID, index int, r domain.RawMarketRecord) (*domain.PriceRecord, *MalformedRecordError) {
	if r == nil {
		return nil, &MalformedRecordError{Index: index, Field: "id", Reason: "record is null"}
	}

	coinID, ok := requiredString(r["id"])
	if !ok {
		return nil, &MalformedRecordError{Index: index, Field: "id", Reason: "is missing or empty"}
	}
	symbol, ok := requiredString(r["symbol"])
	if !ok {
		return nil, &MalformedRecordError{Index: index, CoinID: coinID, Field: "symbol", Reason: "is missing or empty"}
	}
	name, ok := requiredString(r["name"])
	if !ok {
		return nil, &MalformedRecordError{Index: index, CoinID: coinID, Field: "name", Reason: "is missing or empty"}
	}

	return &domain.PriceRecord{
		RunID:  runID,
		CoinID: coinID,
		Symbol: symbol,
		Name:   name,
	}, nil
}

func mapMarketRecord(runID uuid.UUID, index int, r domain.RawMarketRecord, capturedAt time.Time) (*domain.PriceRecord, *MalformedRecordError) {
	rec, merr := mapIdentity(runID, index, r)
	if merr != nil {
		return nil, merr
	}

	price, ok := toFloat(r["current_price"])
	if !ok {
		return nil, &MalformedRecordError{Index: index, CoinID: rec.CoinID, Field: "current_price", Reason: "is missing or not numeric"}
	}
	rec.Price = price

	rec.MarketCap = optFloat(r["market_cap"])
	rec.MarketCapRank = optInt(r["market_cap_rank"])
	rec.FullyDilutedValuation = optFloat(r["fully_diluted_valuation"])
	rec.TotalVolume = optFloat(r["total_volume"])

	rec.High24h = optFloat(r["high_24h"])
	rec.Low24h = optFloat(r["low_24h"])
	rec.PriceChange24h = optFloat(r["price_change_24h"])
	rec.PriceChangePercentage24h = optFloat(r["price_change_percentage_24h"])
	rec.MarketCapChange24h = optFloat(r["market_cap_change_24h"])
	rec.MarketCapChangePercentage24h = optFloat(r["market_cap_change_percentage_24h"])

	rec.CirculatingSupply = optFloat(r["circulating_supply"])
	rec.TotalSupply = optFloat(r["total_supply"])
	rec.MaxSupply = optFloat(r["max_supply"])

	rec.ATH = optFloat(r["ath"])
	rec.ATHChangePercentage = optFloat(r["ath_change_percentage"])
	rec.ATHDate = toTime(r["ath_date"])
	rec.ATL = optFloat(r["atl"])
	rec.ATLChangePercentage = optFloat(r["atl_change_percentage"])
	rec.ATLDate = toTime(r["atl_date"])

	rec.LastUpdated = toTime(r["last_updated"])
	rec.CapturedAt = capturedAt

	return rec, nil
}
