package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/timeutil"
)

// Paginator walks a whole result set; *pagination.Controller implements it.
type Paginator interface {
	Paginate(ctx context.Context, query string, useCache bool, pageSize int) ([]domain.Record, string, error)
}

// Result is the outcome of one batch run.
type Result struct {
	RunID     uuid.UUID           `json:"run_id"`
	Records   []domain.Record     `json:"records"`
	Timestamp string              `json:"timestamp"`
	Plan      []domain.BatchQuery `json:"plan"`
}

// Processor runs batch plans.
type Processor struct {
	paginator Paginator
	pageSize  int
	clock     timeutil.Clock
	logger    *slog.Logger
}

// NewProcessor creates a processor. A pageSize of zero leaves the choice to the paginator.
func NewProcessor(paginator Paginator, pageSize int, clock timeutil.Clock, logger *slog.Logger) *Processor {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{paginator: paginator, pageSize: pageSize, clock: clock, logger: logger}
}

// Run plans cfg against the current clock and paginates every entry in plan
// order. The result timestamp is the one of the last entry.
func (p *Processor) Run(ctx context.Context, cfg Config, opts Options) (*Result, error) {
	plan, err := cfg.Plan(opts, p.clock())
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: uuid.New(), Records: []domain.Record{}, Plan: plan}
	logger := p.logger.With(slog.String("run_id", result.RunID.String()))
	logger.Info("batch run started", slog.Int("queries", len(plan)), slog.String("start_date", cfg.StartDate))

	started := time.Now()
	for i, query := range plan {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("batch run cancelled: %w", err)
		}
		logger.Info(query.Description, slog.Int("step", i+1), slog.Bool("use_cache", query.UseCache))

		records, timestamp, err := p.paginator.Paginate(ctx, query.Query, query.UseCache, p.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to run batch query %q: %w", query.Description, err)
		}
		result.Records = append(result.Records, records...)
		result.Timestamp = timestamp
	}

	logger.Info("batch run finished",
		slog.Int("records", len(result.Records)),
		slog.Duration("duration", time.Since(started)))
	return result, nil
}
