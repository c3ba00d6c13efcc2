// Package batch expands one templated query over calendar months and runs the
// resulting plan through the pagination controller.
package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/timeutil"
)

// Query placeholders replaced with the first and last day of each month.
const (
	StartOfMonth = "{start_of_month}"
	EndOfMonth   = "{end_of_month}"
)

// Config describes a historical backfill plus the live current-month query.
type Config struct {
	StartDate    string `json:"start_date" mapstructure:"start_date"`
	BatchQuery   string `json:"batch_jql" mapstructure:"batch_jql"`
	CurrentQuery string `json:"jql" mapstructure:"jql"`
}

// Options tune the cache flags of a plan.
type Options struct {
	// ReloadAll bypasses the cache for every historical month.
	ReloadAll bool
	// KeepCurrentCached lets the current month be served from the cache.
	KeepCurrentCached bool
}

// Validate reports missing or malformed fields.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.StartDate) == "" {
		missing = append(missing, "start_date")
	}
	if strings.TrimSpace(c.BatchQuery) == "" {
		missing = append(missing, "batch_jql")
	}
	if strings.TrimSpace(c.CurrentQuery) == "" {
		missing = append(missing, "jql")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: batch config is missing %s", domain.ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if _, err := time.Parse(timeutil.DateLayout, strings.TrimSpace(c.StartDate)); err != nil {
		return fmt.Errorf("%w: start_date must be YYYY-MM-DD: %v", domain.ErrInvalidConfig, err)
	}
	return nil
}

// Plan returns one query per month from the start date up to the month before
// now, oldest first, followed by exactly one query for the current month.
func (c Config) Plan(opts Options, now time.Time) ([]domain.BatchQuery, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	months, err := timeutil.MonthsBefore(c.StartDate, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	plan := make([]domain.BatchQuery, 0, len(months)+1)
	for _, month := range months {
		plan = append(plan, domain.BatchQuery{
			Query:       fillMonth(c.BatchQuery, month),
			UseCache:    !opts.ReloadAll,
			Description: describe(month),
		})
	}

	current := timeutil.MonthOf(now)
	plan = append(plan, domain.BatchQuery{
		Query:       fillMonth(c.CurrentQuery, current),
		UseCache:    opts.KeepCurrentCached,
		Description: describe(current),
	})
	return plan, nil
}

func fillMonth(query string, month timeutil.Month) string {
	return strings.NewReplacer(
		StartOfMonth, month.StartText(),
		EndOfMonth, month.EndText(),
	).Replace(query)
}

func describe(month timeutil.Month) string {
	return "Fetching data for " + month.Name
}
