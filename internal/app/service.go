package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpattn/jiracache/internal/batch"
	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/fieldaccess"
	"github.com/rpattn/jiracache/internal/history"
	"github.com/rpattn/jiracache/internal/pagination"
	"github.com/rpattn/jiracache/internal/timeutil"
)

// Query selects a result set.
type Query struct {
	Query    string
	UseCache bool
	PageSize int
}

// HistoryPage is one page of assembled histories.
type HistoryPage struct {
	NextStartAt int                    `json:"nextStartAt"`
	HasNext     bool                   `json:"hasNext"`
	Total       int                    `json:"total"`
	Timestamp   string                 `json:"timestamp"`
	Issues      []domain.HistoryRecord `json:"issues"`
}

// BatchOutcome is a batch run with the histories of its records.
type BatchOutcome struct {
	*batch.Result
	Issues []domain.HistoryRecord `json:"issues,omitempty"`
}

// Service combines pagination with history assembly for the outer surfaces.
type Service struct {
	pages    *pagination.Controller
	batch    *batch.Processor
	registry *fieldaccess.Registry
	clock    timeutil.Clock
	logger   *slog.Logger
}

// NewService wires a service. Nil registry, clock or logger take defaults.
func NewService(pages *pagination.Controller, processor *batch.Processor, registry *fieldaccess.Registry, clock timeutil.Clock, logger *slog.Logger) *Service {
	if registry == nil {
		registry = fieldaccess.DefaultRegistry()
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pages: pages, batch: processor, registry: registry, clock: clock, logger: logger}
}

// SearchHistory returns the histories of the page starting at startAt.
func (s *Service) SearchHistory(ctx context.Context, q Query, startAt int, fields map[string]string) (*HistoryPage, error) {
	assembler, err := history.NewAssembler(fields, s.registry)
	if err != nil {
		return nil, err
	}
	page, err := s.pages.GetIssues(ctx, pagination.Request{
		Query:       q.Query,
		UseCache:    q.UseCache,
		PageSize:    q.PageSize,
		StartOffset: startAt,
	})
	if err != nil {
		return nil, err
	}
	issues, err := assembler.Histories(page.Records)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{
		NextStartAt: page.NextOffset(),
		HasNext:     page.HasNext(),
		Total:       page.Total,
		Timestamp:   page.Timestamp,
		Issues:      issues,
	}, nil
}

// Histories walks the whole result set and assembles every record.
func (s *Service) Histories(ctx context.Context, q Query, fields map[string]string) ([]domain.HistoryRecord, string, error) {
	assembler, err := history.NewAssembler(fields, s.registry)
	if err != nil {
		return nil, "", err
	}
	records, timestamp, err := s.pages.Paginate(ctx, q.Query, q.UseCache, q.PageSize)
	if err != nil {
		return nil, "", err
	}
	issues, err := assembler.Histories(records)
	if err != nil {
		return nil, "", err
	}
	return issues, timestamp, nil
}

// Snapshots assembles the result set and snapshots it at every timestamp.
// converter names a timestamp converter (identity, week_end, month_end).
func (s *Service) Snapshots(ctx context.Context, q Query, fields map[string]string, timestamps []string, converter string) (map[string][]history.Snapshot, error) {
	convert, err := history.TimestampConverterByName(converter)
	if err != nil {
		return nil, err
	}
	if len(timestamps) == 0 {
		return nil, fmt.Errorf("%w: at least one snapshot timestamp is required", domain.ErrInvalidConfig)
	}
	issues, _, err := s.Histories(ctx, q, fields)
	if err != nil {
		return nil, err
	}
	return history.CreateSnapshots(issues, timestamps, convert)
}

// LeadTimes assembles the result set and finds start and end per record.
func (s *Service) LeadTimes(ctx context.Context, q Query, fields map[string]string, start, end history.StateConfig) ([]history.LeadTime, error) {
	if err := start.Validate(); err != nil {
		return nil, err
	}
	if err := end.Validate(); err != nil {
		return nil, err
	}
	issues, _, err := s.Histories(ctx, q, fields)
	if err != nil {
		return nil, err
	}
	return history.LeadTimes(issues, start, end)
}

// Batch runs a batch plan; with fields set the records are also assembled.
func (s *Service) Batch(ctx context.Context, cfg batch.Config, opts batch.Options, fields map[string]string) (*BatchOutcome, error) {
	var assembler *history.Assembler
	if len(fields) > 0 {
		var err error
		if assembler, err = history.NewAssembler(fields, s.registry); err != nil {
			return nil, err
		}
	}
	result, err := s.batch.Run(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	outcome := &BatchOutcome{Result: result}
	if assembler != nil {
		if outcome.Issues, err = assembler.Histories(result.Records); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.clock()
}
