// Package loader writes transformed price records to a storage.PriceStore.
//
// A Loader is not safe for concurrent use, and two pipeline processes loading
// into the same table are not coordinated.
package loader

import (
	"context"
	"log/slog"
	"time"

	"crypto-etl/internal/domain"
	"crypto-etl/internal/observability"
	"crypto-etl/internal/storage"
)

// Loader ensures the target table exists and bulk-inserts batches.
type Loader struct {
	store   storage.PriceStore
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   bool
}

// Option configures Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

// New creates a Loader over store.
func New(store storage.PriceStore, opts ...Option) *Loader {
	l := &Loader{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Init creates the target table if missing. Safe to call repeatedly; a
// failed Init leaves the Loader uninitialized so the next call retries.
func (l *Loader) Init(ctx context.Context) error {
	if err := l.store.EnsureSchema(ctx); err != nil {
		l.logger.Error("ensure schema failed", "table", storage.TableName, "error", err)
		return storage.Wrap(storage.OpEnsureSchema, err)
	}
	l.ready = true
	l.logger.Debug("schema ready", "table", storage.TableName)
	return nil
}

// Load inserts records in one transaction and returns the committed count.
// The schema is ensured on first use. An empty batch is a no-op.
func (l *Loader) Load(ctx context.Context, records []*domain.PriceRecord) (int, error) {
	if len(records) == 0 {
		l.logger.Info("nothing to load")
		return 0, nil
	}

	if !l.ready {
		if err := l.Init(ctx); err != nil {
			return 0, err
		}
	}

	start := time.Now()
	n, err := l.store.InsertBulk(ctx, records)
	if err != nil {
		l.logger.Error("bulk load failed",
			"table", storage.TableName,
			"records", len(records),
			"error", err,
		)
		return 0, storage.Wrap(storage.OpInsertBulk, err)
	}
	elapsed := time.Since(start)

	l.metrics.RecordLoad(n, elapsed)
	l.logger.Info("bulk load committed",
		"table", storage.TableName,
		"records", n,
		"duration", elapsed,
	)

	return n, nil
}
