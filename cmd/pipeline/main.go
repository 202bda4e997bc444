// Package main is the crypto price ETL entry point.
//
// Each invocation performs at most one extract → transform → load cycle:
//
//	pipeline run [--limit N] [--deadline 2m]
//	pipeline history --coin bitcoin --date 2024-01-15
//	pipeline init-db | check-db | latest | version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"crypto-etl/internal/coingecko"
	"crypto-etl/internal/config"
	"crypto-etl/internal/loader"
	"crypto-etl/internal/observability"
	"crypto-etl/internal/orchestrator"
	"crypto-etl/internal/transform"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// pushTimeout bounds the Pushgateway request after a run.
const pushTimeout = 10 * time.Second

var (
	cfg    *config.Config
	logger *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Load top cryptocurrency market data into a database",
	Long: `Fetches market data from the CoinGecko API, maps it to price records
and bulk-inserts them in a single transaction.

Settings come from config.yaml (or --config) and environment variables
such as API_RETRY_ATTEMPTS, DB_HOST and LOG_LEVEL.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Log.Level = level
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger, err = observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(checkDBCmd)
	rootCmd.AddCommand(latestCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "crypto-etl %s\n", version)
		fmt.Fprintf(out, "  commit:  %s\n", commit)
		fmt.Fprintf(out, "  built:   %s\n", date)
	},
}

// --- Run Command ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch the top coins by market cap and load them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit == 0 {
			limit = cfg.API.TopLimit
		}
		if limit < 1 || limit > config.MaxTopLimit {
			return fmt.Errorf("--limit must be in [1, %d], got %d", config.MaxTopLimit, limit)
		}

		return runPipeline(cmd, limit, func(ctx context.Context, o *orchestrator.Orchestrator) (*orchestrator.RunResult, error) {
			return o.Run(ctx)
		})
	},
}

func init() {
	runCmd.Flags().Int("limit", 0, "number of coins to fetch (default: api.top_limit)")
	runCmd.Flags().Duration("deadline", 0, "abort the run after this long (0 disables)")
}

// --- History Command ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Fetch one coin's snapshot for a past date and load it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		coinID, _ := cmd.Flags().GetString("coin")
		dateStr, _ := cmd.Flags().GetString("date")

		day, err := time.Parse(time.DateOnly, dateStr)
		if err != nil {
			return fmt.Errorf("invalid --date %q (want YYYY-MM-DD): %w", dateStr, err)
		}

		return runPipeline(cmd, 1, func(ctx context.Context, o *orchestrator.Orchestrator) (*orchestrator.RunResult, error) {
			return o.RunHistory(ctx, coinID, day)
		})
	},
}

func init() {
	historyCmd.Flags().String("coin", "", "CoinGecko coin id, e.g. bitcoin")
	historyCmd.Flags().String("date", "", "snapshot date, YYYY-MM-DD (UTC)")
	historyCmd.Flags().Duration("deadline", 0, "abort the run after this long (0 disables)")
	_ = historyCmd.MarkFlagRequired("coin")
	_ = historyCmd.MarkFlagRequired("date")
}

// runPipeline wires the stages from cfg, executes one run and pushes metrics.
func runPipeline(cmd *cobra.Command, limit int, exec func(context.Context, *orchestrator.Orchestrator) (*orchestrator.RunResult, error)) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if deadline, _ := cmd.Flags().GetDuration("deadline"); deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	metrics := observability.NewMetrics(observability.DefaultNamespace, prometheus.NewRegistry())

	policy, err := transform.ParsePolicy(cfg.Transform.OnMalformed)
	if err != nil {
		return err
	}

	store, cleanup, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer cleanup()

	client := coingecko.NewClient(cfg.API.BaseURL,
		coingecko.WithRetryPolicy(coingecko.RetryPolicy{
			MaxAttempts: cfg.API.RetryAttempts,
			Delay:       cfg.API.RetryDelay,
			Timeout:     cfg.API.Timeout,
		}),
		coingecko.WithLogger(logger),
		coingecko.WithMetrics(metrics),
	)

	orch := orchestrator.New(orchestrator.Options{
		Extractor: client,
		Transformer: transform.New(
			transform.WithPolicy(policy),
			transform.WithLogger(logger),
			transform.WithMetrics(metrics),
		),
		Loader: loader.New(store,
			loader.WithLogger(logger),
			loader.WithMetrics(metrics),
		),
		Limit:   limit,
		Logger:  logger,
		Metrics: metrics,
	})

	result, runErr := exec(ctx, orch)
	printResult(cmd, result)

	// The run context may already be cancelled.
	pushCtx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if err := metrics.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		logger.Warn("metrics push failed", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("pipeline failed at %s stage: %w", result.FailedStage, runErr)
	}
	return nil
}

func printResult(cmd *cobra.Command, r *orchestrator.RunResult) {
	out := cmd.OutOrStdout()
	status := "ok"
	if !r.Succeeded() {
		status = "failed at " + string(r.FailedStage)
	}

	fmt.Fprintf(out, "Run %s: %s\n", r.RunID, status)
	fmt.Fprintf(out, "  Extracted:   %d\n", r.Extracted)
	fmt.Fprintf(out, "  Transformed: %d\n", r.Transformed)
	fmt.Fprintf(out, "  Loaded:      %d\n", r.Loaded)
	fmt.Fprintf(out, "  Duration:    %s\n", r.Duration.Round(time.Millisecond))
	if len(r.Rejected) > 0 {
		fmt.Fprintf(out, "  Rejected:    %d\n", len(r.Rejected))
		for _, e := range r.Rejected {
			fmt.Fprintf(out, "    - %s\n", e)
		}
	}
}

// signalContext cancels on SIGINT/SIGTERM. A second signal exits immediately.
func signalContext(parent context.Context) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Warn("received signal, cancelling run", "signal", sig.String())
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-sigCh:
			logger.Error("received second signal, forcing exit", "signal", sig.String())
			os.Exit(1)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
}
