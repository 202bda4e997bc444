// Package orchestrator runs one extract → transform → load cycle.
//
// Stages run strictly in order on the caller's goroutine. The first failing
// stage aborts the run; its error is returned unchanged and RunResult names
// the stage. There is no resume and no run-level retry.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crypto-etl/internal/domain"
	"crypto-etl/internal/observability"
	"crypto-etl/internal/transform"
)

// DefaultLimit is the number of coins fetched when Options.Limit is unset.
const DefaultLimit = 10

// Stage names a pipeline step.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
)

// Extractor fetches raw records from the price API.
type Extractor interface {
	GetTopCoins(ctx context.Context, limit int) ([]domain.RawMarketRecord, error)
	GetCoinHistory(ctx context.Context, coinID string, date time.Time) (domain.RawMarketRecord, error)
}

// Transformer maps raw records to price records.
type Transformer interface {
	Transform(runID uuid.UUID, raw []domain.RawMarketRecord) (*transform.Result, error)
	TransformHistory(runID uuid.UUID, raw domain.RawMarketRecord, date time.Time) (*domain.PriceRecord, error)
}

// Loader persists a batch atomically.
type Loader interface {
	Load(ctx context.Context, records []*domain.PriceRecord) (int, error)
}

// Options for creating Orchestrator.
type Options struct {
	// Required stages
	Extractor   Extractor
	Transformer Transformer
	Loader      Loader

	Limit    int // coins per markets run, DefaultLimit if < 1
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	NewRunID func() uuid.UUID // uuid.New if nil
}

// Orchestrator coordinates the pipeline stages.
type Orchestrator struct {
	extractor   Extractor
	transformer Transformer
	loader      Loader
	limit       int
	logger      *slog.Logger
	metrics     *observability.Metrics
	newRunID    func() uuid.UUID
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		extractor:   opts.Extractor,
		transformer: opts.Transformer,
		loader:      opts.Loader,
		limit:       opts.Limit,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		newRunID:    opts.NewRunID,
	}
	if o.limit < 1 {
		o.limit = DefaultLimit
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.newRunID == nil {
		o.newRunID = uuid.New
	}
	return o
}

// RunResult contains results from one pipeline run.
type RunResult struct {
	RunID       uuid.UUID
	Extracted   int
	Transformed int
	Loaded      int
	Rejected    []*transform.MalformedRecordError
	FailedStage Stage // empty on success
	Duration    time.Duration
}

// Succeeded reports whether every stage completed.
func (r *RunResult) Succeeded() bool {
	return r.FailedStage == ""
}

// Run fetches the top coins, transforms them and loads the result.
// On failure the returned error is the originating stage error itself and the
// result still carries the counts reached so far.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	run := o.begin("markets", slog.Int("limit", o.limit))

	// Stage 1: Extract
	run.log.Info("stage started", "stage", StageExtract)
	raw, err := o.extractor.GetTopCoins(ctx, o.limit)
	if err != nil {
		return run.fail(StageExtract, err)
	}
	run.result.Extracted = len(raw)
	run.log.Info("stage completed", "stage", StageExtract, "records", len(raw))

	// Stage 2: Transform
	run.log.Info("stage started", "stage", StageTransform)
	transformed, err := o.transformer.Transform(run.result.RunID, raw)
	if err != nil {
		return run.fail(StageTransform, err)
	}
	run.result.Transformed = len(transformed.Records)
	run.result.Rejected = transformed.Rejected
	run.log.Info("stage completed",
		"stage", StageTransform,
		"records", len(transformed.Records),
		"rejected", len(transformed.Rejected),
	)

	// Stage 3: Load
	return o.load(ctx, run, transformed.Records)
}

// RunHistory fetches one coin's snapshot for date and loads it.
func (o *Orchestrator) RunHistory(ctx context.Context, coinID string, date time.Time) (*RunResult, error) {
	run := o.begin("history",
		slog.String("coin_id", coinID),
		slog.String("date", date.UTC().Format(time.DateOnly)),
	)

	// Stage 1: Extract
	run.log.Info("stage started", "stage", StageExtract)
	raw, err := o.extractor.GetCoinHistory(ctx, coinID, date)
	if err != nil {
		return run.fail(StageExtract, err)
	}
	run.result.Extracted = 1
	run.log.Info("stage completed", "stage", StageExtract, "records", 1)

	// Stage 2: Transform
	run.log.Info("stage started", "stage", StageTransform)
	record, err := o.transformer.TransformHistory(run.result.RunID, raw, date)
	if err != nil {
		var merr *transform.MalformedRecordError
		if errors.As(err, &merr) {
			run.result.Rejected = []*transform.MalformedRecordError{merr}
		}
		return run.fail(StageTransform, err)
	}
	run.result.Transformed = 1
	run.log.Info("stage completed", "stage", StageTransform, "records", 1)

	// Stage 3: Load
	return o.load(ctx, run, []*domain.PriceRecord{record})
}

func (o *Orchestrator) load(ctx context.Context, run *runState, records []*domain.PriceRecord) (*RunResult, error) {
	run.log.Info("stage started", "stage", StageLoad, "records", len(records))
	loaded, err := o.loader.Load(ctx, records)
	if err != nil {
		return run.fail(StageLoad, err)
	}
	run.result.Loaded = loaded
	run.log.Info("stage completed", "stage", StageLoad, "records", loaded)

	return run.succeed()
}

// runState tracks one in-flight run.
type runState struct {
	o      *Orchestrator
	log    *slog.Logger
	result *RunResult
	start  time.Time
}

func (o *Orchestrator) begin(kind string, attrs ...slog.Attr) *runState {
	runID := o.newRunID()
	log := o.logger.With("run_id", runID.String(), "kind", kind)

	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	log.Info("pipeline started", args...)

	return &runState{
		o:      o,
		log:    log,
		result: &RunResult{RunID: runID},
		start:  time.Now(),
	}
}

func (r *runState) fail(stage Stage, err error) (*RunResult, error) {
	r.result.FailedStage = stage
	r.result.Duration = time.Since(r.start)
	r.log.Error("pipeline failed",
		"stage", stage,
		"error", err,
		"duration", r.result.Duration,
	)
	r.o.metrics.RecordPipelineRun(string(stage), observability.StatusFailure, r.result.Duration)
	return r.result, err
}

func (r *runState) succeed() (*RunResult, error) {
	r.result.Duration = time.Since(r.start)
	r.log.Info("pipeline completed",
		"extracted", r.result.Extracted,
		"transformed", r.result.Transformed,
		"rejected", len(r.result.Rejected),
		"loaded", r.result.Loaded,
		"duration", r.result.Duration,
	)
	r.o.metrics.RecordPipelineRun(string(StageLoad), observability.StatusSuccess, r.result.Duration)
	return r.result, nil
}
