package coingecko

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"crypto-etl/internal/domain"
)

// Endpoint paths, also used as metrics labels.
const (
	EndpointMarkets = "coins/markets"
	EndpointHistory = "coins/{id}/history"
)

// HistoryDateLayout is the dd-mm-yyyy date format the history endpoint expects.
const HistoryDateLayout = "02-01-2006"

// GetTopCoins fetches the top limit coins by market cap in USD.
func (c *Client) GetTopCoins(ctx context.Context, limit int) ([]domain.RawMarketRecord, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limit must be >= 1, got %d", limit)
	}

	query := url.Values{}
	query.Set("vs_currency", "usd")
	query.Set("order", "market_cap_desc")
	query.Set("per_page", strconv.Itoa(limit))
	query.Set("page", "1")
	query.Set("sparkline", "false")

	var records []domain.RawMarketRecord
	if err := c.fetch(ctx, EndpointMarkets, EndpointMarkets, query, &records); err != nil {
		return nil, err
	}
	if records == nil {
		return nil, &ParseError{URL: c.baseURL + "/" + EndpointMarkets, Err: fmt.Errorf("markets response is not an array")}
	}
	return records, nil
}

// GetCoinHistory fetches the snapshot of coinID on the given UTC date.
func (c *Client) GetCoinHistory(ctx context.Context, coinID string, date time.Time) (domain.RawMarketRecord, error) {
	if coinID == "" {
		return nil, fmt.Errorf("coin id is required")
	}

	query := url.Values{}
	query.Set("date", date.UTC().Format(HistoryDateLayout))
	query.Set("localization", "false")

	endpoint := "coins/" + url.PathEscape(coinID) + "/history"

	var record domain.RawMarketRecord
	if err := c.fetch(ctx, endpoint, EndpointHistory, query, &record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &ParseError{URL: c.baseURL + "/" + endpoint, Err: fmt.Errorf("empty history response")}
	}
	return record, nil
}
