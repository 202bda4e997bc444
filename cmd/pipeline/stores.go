package main

import (
	"context"
	"fmt"

	"crypto-etl/internal/config"
	"crypto-etl/internal/storage"
	chstore "crypto-etl/internal/storage/clickhouse"
	"crypto-etl/internal/storage/memory"
	pgstore "crypto-etl/internal/storage/postgres"
)

// openStore connects the configured price store. The returned cleanup
// releases its connections and is safe to call on error paths.
func openStore(ctx context.Context, db config.DBConfig) (storage.PriceStore, func(), error) {
	switch db.Driver {
	case config.DriverMemory:
		return memory.NewPriceStore(), func() {}, nil

	case config.DriverClickHouse:
		conn, err := chstore.Open(ctx, db.ClickHouseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		return chstore.NewPriceStore(conn), func() { _ = conn.Close() }, nil

	case config.DriverPostgres:
		dsn := pgstore.BuildDSN(pgstore.ConnParams{
			Host:     db.Host,
			Port:     db.Port,
			Name:     db.Name,
			User:     db.User,
			Password: db.Password,
			SSLMode:  db.SSLMode,
		})
		pool, err := pgstore.NewPool(ctx, dsn, pgstore.WithMaxConns(db.MaxConns))
		if err != nil {
			return nil, nil, err
		}
		return pgstore.NewPriceStore(pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", db.Driver)
	}
}
