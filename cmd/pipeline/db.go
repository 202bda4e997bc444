package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"crypto-etl/internal/loader"
	"crypto-etl/internal/storage"
)

// dbTimeout bounds the database-only commands.
const dbTimeout = 30 * time.Second

// --- Init DB Command ---

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the price table if it does not exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store storage.PriceStore) error {
			l := loader.New(store, loader.WithLogger(logger))
			if err := l.Init(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Table %s ready (%s)\n", storage.TableName, cfg.DB.Driver)
			return nil
		})
	},
}

// --- Check DB Command ---

var checkDBCmd = &cobra.Command{
	Use:   "check-db",
	Short: "Verify the database is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store storage.PriceStore) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database connection OK (%s)\n", cfg.DB.Driver)
			return nil
		})
	},
}

// --- Latest Command ---

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the rows written by the most recently loaded run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store storage.PriceStore) error {
			records, err := store.GetLatestRun(ctx)
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "No rows stored yet")
				return nil
			}
			if err != nil {
				return err
			}

			storage.SortByRank(records)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Run %s captured %s\n\n", records[0].RunID, records[0].CapturedAt.UTC().Format(time.RFC3339))
			fmt.Fprintln(w, "RANK\tCOIN\tSYMBOL\tPRICE (USD)\tMARKET CAP\t24H %")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					optInt(r.MarketCapRank),
					r.CoinID,
					r.Symbol,
					strconv.FormatFloat(r.Price, 'f', -1, 64),
					optFloat(r.MarketCap, 0),
					optFloat(r.PriceChangePercentage24h, 2),
				)
			}
			return w.Flush()
		})
	},
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(context.Context, storage.PriceStore) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), dbTimeout)
	defer cancel()

	store, cleanup, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer cleanup()

	return fn(ctx, store)
}

func optInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

func optFloat(v *float64, prec int) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}
