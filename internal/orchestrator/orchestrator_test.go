package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-etl/internal/coingecko"
	"crypto-etl/internal/domain"
	"crypto-etl/internal/loader"
	"crypto-etl/internal/observability"
	"crypto-etl/internal/storage"
	"crypto-etl/internal/storage/memory"
	"crypto-etl/internal/transform"
)

const threeCoins = `[
	{"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":67000.5,"market_cap":1320000000000,"market_cap_rank":1},
	{"id":"ethereum","symbol":"eth","name":"Ethereum","current_price":3500.25,"market_cap_rank":2},
	{"id":"ghost","symbol":"gst","name":"Ghost","market_cap":1000,"market_cap_rank":3}
]`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture wires the real client, transformer and loader over a memory store.
type fixture struct {
	store   *memory.PriceStore
	metrics *observability.Metrics
	orch    *Orchestrator
}

func newFixture(t *testing.T, client *coingecko.Client, policy transform.Policy) *fixture {
	t.Helper()

	logger := discardLogger()
	metrics := observability.NewMetrics("", prometheus.NewRegistry())
	store := memory.NewPriceStore()

	orch := New(Options{
		Extractor: client,
		Transformer: transform.New(
			transform.WithPolicy(policy),
			transform.WithLogger(logger),
			transform.WithMetrics(metrics),
		),
		Loader:  loader.New(store, loader.WithLogger(logger), loader.WithMetrics(metrics)),
		Limit:   3,
		Logger:  logger,
		Metrics: metrics,
	})

	return &fixture{store: store, metrics: metrics, orch: orch}
}

func TestOrchestrator_Run_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("per_page"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(threeCoins))
	}))
	defer server.Close()

	client := coingecko.NewClient(server.URL, coingecko.WithLogger(discardLogger()))
	f := newFixture(t, client, transform.PolicySkip)

	result, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 3, result.Extracted)
	assert.Equal(t, 2, result.Transformed)
	assert.Equal(t, 2, result.Loaded)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "ghost", result.Rejected[0].CoinID)
	assert.Equal(t, "current_price", result.Rejected[0].Field)

	rows := f.store.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "bitcoin", rows[0].CoinID)
	require.NotNil(t, rows[0].MarketCap)
	assert.Equal(t, "ethereum", rows[1].CoinID)
	assert.Nil(t, rows[1].MarketCap)
	for _, r := range rows {
		assert.Equal(t, result.RunID, r.RunID)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PipelineRunsTotal.WithLabelValues("load", observability.StatusSuccess)))
	assert.NotZero(t, testutil.ToFloat64(f.metrics.LastSuccessfulPipeline))
}

func TestOrchestrator_Run_RecoversFromTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := coingecko.NewClient("http://coingecko.test/api/v3",
		coingecko.WithLogger(discardLogger()),
		coingecko.WithRetryPolicy(coingecko.RetryPolicy{MaxAttempts: 3, Delay: 0, Timeout: time.Second}),
		coingecko.WithHTTPClient(&http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if calls.Add(1) <= 2 {
				return nil, errors.New("connection reset by peer")
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader(threeCoins)),
				Request:    req,
			}, nil
		})}),
	)
	f := newFixture(t, client, transform.PolicySkip)

	result, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, result.Loaded)
}

func TestOrchestrator_Run_ExtractFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := coingecko.NewClient(server.URL,
		coingecko.WithLogger(discardLogger()),
		coingecko.WithRetryPolicy(coingecko.RetryPolicy{MaxAttempts: 2, Delay: 0, Timeout: time.Second}),
	)
	f := newFixture(t, client, transform.PolicySkip)

	result, err := f.orch.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, StageExtract, result.FailedStage)
	assert.False(t, result.Succeeded())

	var exhausted *coingecko.ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	assert.Empty(t, f.store.Rows())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PipelineRunsTotal.WithLabelValues("extract", observability.StatusFailure)))
	assert.Zero(t, testutil.ToFloat64(f.metrics.LastSuccessfulPipeline))
}

func TestOrchestrator_Run_TransformFailPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(threeCoins))
	}))
	defer server.Close()

	client := coingecko.NewClient(server.URL, coingecko.WithLogger(discardLogger()))
	f := newFixture(t, client, transform.PolicyFail)

	result, err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StageTransform, result.FailedStage)
	assert.Equal(t, 3, result.Extracted)

	var merr *transform.MalformedRecordError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 2, merr.Index)

	assert.Empty(t, f.store.Rows())
}

// Stub stages for identity and ordering checks.

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type stubExtractor struct {
	records []domain.RawMarketRecord
	history domain.RawMarketRecord
	err     error
	calls   int
}

func (s *stubExtractor) GetTopCoins(_ context.Context, _ int) ([]domain.RawMarketRecord, error) {
	s.calls++
	return s.records, s.err
}

func (s *stubExtractor) GetCoinHistory(_ context.Context, _ string, _ time.Time) (domain.RawMarketRecord, error) {
	s.calls++
	return s.history, s.err
}

type stubLoader struct {
	err     error
	calls   int
	records []*domain.PriceRecord
}

func (s *stubLoader) Load(_ context.Context, records []*domain.PriceRecord) (int, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	s.records = records
	return len(records), nil
}

func TestOrchestrator_ReturnsOriginatingError(t *testing.T) {
	sentinel := &coingecko.ParseError{URL: "http://example.test", Err: errors.New("bad json")}
	extractor := &stubExtractor{err: sentinel}
	ld := &stubLoader{}

	orch := New(Options{
		Extractor:   extractor,
		Transformer: transform.New(transform.WithLogger(discardLogger())),
		Loader:      ld,
		Logger:      discardLogger(),
	})

	result, err := orch.Run(context.Background())
	assert.Same(t, sentinel, err)
	assert.Equal(t, StageExtract, result.FailedStage)
	assert.Equal(t, 0, ld.calls)
}

func TestOrchestrator_LoadFailure(t *testing.T) {
	loadErr := &storage.Error{Op: storage.OpInsertBulk, Err: errors.New("connection lost")}
	extractor := &stubExtractor{records: []domain.RawMarketRecord{
		{"id": "bitcoin", "symbol": "btc", "name": "Bitcoin", "current_price": 1.0},
	}}
	ld := &stubLoader{err: loadErr}

	orch := New(Options{
		Extractor:   extractor,
		Transformer: transform.New(transform.WithLogger(discardLogger())),
		Loader:      ld,
		Logger:      discardLogger(),
	})

	result, err := orch.Run(context.Background())
	assert.Same(t, loadErr, err)
	assert.Equal(t, StageLoad, result.FailedStage)
	assert.Equal(t, 1, result.Transformed)
	assert.Equal(t, 0, result.Loaded)
}

func TestOrchestrator_RunIDInjected(t *testing.T) {
	runID := uuid.MustParse("6f1f6a5e-4c1a-4b43-9a0e-0d4f8b9d2c11")
	extractor := &stubExtractor{records: []domain.RawMarketRecord{
		{"id": "bitcoin", "symbol": "btc", "name": "Bitcoin", "current_price": 1.0},
		{"id": "tether", "symbol": "usdt", "name": "Tether", "current_price": 1.0},
	}}
	ld := &stubLoader{}

	orch := New(Options{
		Extractor:   extractor,
		Transformer: transform.New(transform.WithLogger(discardLogger())),
		Loader:      ld,
		Logger:      discardLogger(),
		NewRunID:    func() uuid.UUID { return runID },
	})

	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runID, result.RunID)
	require.Len(t, ld.records, 2)
	for _, r := range ld.records {
		assert.Equal(t, runID, r.RunID)
	}
}

func TestOrchestrator_EmptyExtract(t *testing.T) {
	ld := &stubLoader{}
	orch := New(Options{
		Extractor:   &stubExtractor{},
		Transformer: transform.New(transform.WithLogger(discardLogger())),
		Loader:      ld,
		Logger:      discardLogger(),
	})

	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 0, result.Loaded)
}

func TestOrchestrator_RunHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/history", r.URL.Path)
		assert.Equal(t, "30-01-2024", r.URL.Query().Get("date"))
		w.Write([]byte(`{"id":"bitcoin","symbol":"btc","name":"Bitcoin",
			"market_data":{"current_price":{"usd":43000.1},"market_cap":{"usd":845000000000},"total_volume":{"usd":21000000000}}}`))
	}))
	defer server.Close()

	client := coingecko.NewClient(server.URL, coingecko.WithLogger(discardLogger()))
	f := newFixture(t, client, transform.PolicySkip)

	date := time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC)
	result, err := f.orch.RunHistory(context.Background(), "bitcoin", date)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Loaded)

	rows := f.store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 43000.1, rows[0].Price)
	assert.Equal(t, date, rows[0].CapturedAt)
	require.NotNil(t, rows[0].TotalVolume)
	assert.Equal(t, 2.1e10, *rows[0].TotalVolume)
}

func TestOrchestrator_RunHistory_Malformed(t *testing.T) {
	extractor := &stubExtractor{history: domain.RawMarketRecord{"id": "deadcoin", "symbol": "dead", "name": "Dead"}}
	ld := &stubLoader{}

	orch := New(Options{
		Extractor:   extractor,
		Transformer: transform.New(transform.WithLogger(discardLogger())),
		Loader:      ld,
		Logger:      discardLogger(),
	})

	result, err := orch.RunHistory(context.Background(), "deadcoin", time.Now())
	require.Error(t, err)
	assert.Equal(t, StageTransform, result.FailedStage)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 0, ld.calls)
}

func TestNew_Defaults(t *testing.T) {
	orch := New(Options{})
	assert.Equal(t, DefaultLimit, orch.limit)
	assert.NotNil(t, orch.logger)
	assert.NotEqual(t, uuid.Nil, orch.newRunID())
}
