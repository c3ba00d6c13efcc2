package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/rpattn/jiracache/internal/app"
	"github.com/rpattn/jiracache/internal/batch"
	"github.com/rpattn/jiracache/internal/config"
	"github.com/rpattn/jiracache/internal/db"
	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/export"
	"github.com/rpattn/jiracache/internal/history"
)

type rootOptions struct {
	configDir string
	offline   bool
	logLevel  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "jiracache",
		Short:         "Fetch, cache and analyse issue histories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config", ".", "directory holding config.yaml and .env")
	root.PersistentFlags().BoolVar(&opts.offline, "offline", false, "serve only from the cache, never contact the tracker")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newBatchCmd(opts),
		newCacheCmd(opts),
		newSnapshotCmd(opts),
		newLeadTimeCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.configDir, func(cfg *config.Config) {
		if o.offline {
			cfg.Cache.Offline = true
		}
		if o.logLevel != "" {
			cfg.Log.Level = o.logLevel
		}
	})
}

// openApp loads configuration and wires the application; the caller closes it.
func (o *rootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg, app.NewLogger(cfg, cmd.ErrOrStderr()))
}

type queryFlags struct {
	noCache  bool
	pageSize int
	fields   map[string]string
	out      string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "bypass the query cache")
	cmd.Flags().IntVar(&f.pageSize, "page-size", 0, "records per backend request (default tracker.page_size)")
	cmd.Flags().StringToStringVarP(&f.fields, "field", "f", map[string]string{"status": "fields.status.name"}, "history field as name=path")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "write to this file instead of stdout (.xlsx for a workbook)")
}

func (f *queryFlags) query(jql string) app.Query {
	return app.Query{Query: jql, UseCache: !f.noCache, PageSize: f.pageSize}
}

func (f *queryFlags) fieldNames() []string {
	return slices.Sorted(maps.Keys(f.fields))
}

func newBatchCmd(root *rootOptions) *cobra.Command {
	var (
		cfg   batch.Config
		opts  batch.Options
		flags queryFlags
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Fetch every month since --start-date, caching completed months",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, err := a.Service.Batch(cmd.Context(), cfg, opts, flags.fields)
			if err != nil {
				return err
			}
			if flags.out != "" {
				return writeJSONFile(flags.out, outcome)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d records from %d queries at %s\n",
				outcome.RunID, len(outcome.Records), len(outcome.Plan), outcome.Timestamp)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.StartDate, "start-date", "", "first day to fetch (YYYY-MM-DD)")
	cmd.Flags().StringVar(&cfg.BatchQuery, "batch-jql", "", "query for completed months, with {start_of_month} and {end_of_month}")
	cmd.Flags().StringVar(&cfg.CurrentQuery, "jql", "", "query for the current month")
	cmd.Flags().BoolVar(&opts.ReloadAll, "reload-all", false, "refetch completed months")
	cmd.Flags().BoolVar(&opts.KeepCurrentCached, "keep-current-cached", false, "serve the current month from the cache")
	cmd.Flags().StringToStringVarP(&flags.fields, "field", "f", nil, "also assemble histories of this field, as name=path")
	cmd.Flags().StringVarP(&flags.out, "out", "o", "", "write the run as JSON to this file")
	return cmd
}

func newCacheCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the query cache",
	}

	coverage := &cobra.Command{
		Use:   "coverage",
		Short: "List cached queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Queries.Coverage(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUERY\tEXPAND\tRECORDS\tTOTAL\tPAGES\tFETCHED")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
					entry.Query, entry.Expand, entry.Records, entry.Total, entry.Pages, entry.Timestamp)
			}
			return w.Flush()
		},
	}

	remove := &cobra.Command{
		Use:   "remove <jql>",
		Short: "Drop every cached page of one query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.Queries.RemoveAllPages(cmd.Context(), domain.QueryKey{Query: args[0], Expand: a.Pages.Expand()})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d pages\n", removed)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached query and record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Queries.Clear(cmd.Context()); err != nil {
				return err
			}
			if err := a.Records.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}

	cmd.AddCommand(coverage, remove, clearCmd)
	return cmd
}

func newSnapshotCmd(root *rootOptions) *cobra.Command {
	var (
		flags      queryFlags
		timestamps []string
		converter  string
	)
	cmd := &cobra.Command{
		Use:   "snapshot <jql>",
		Short: "Show field values as of one or more points in time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snapshots, err := a.Service.Snapshots(cmd.Context(), flags.query(args[0]), flags.fields, timestamps, converter)
			if err != nil {
				return err
			}
			if isWorkbook(flags.out) {
				var buf bytes.Buffer
				if err := export.WriteSnapshots(&buf, snapshots, flags.fieldNames()); err != nil {
					return err
				}
				return atomic.WriteFile(flags.out, &buf)
			}
			if flags.out != "" {
				return writeJSONFile(flags.out, snapshots)
			}
			return printSnapshots(cmd.OutOrStdout(), snapshots, flags.fieldNames())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&timestamps, "at", nil, "snapshot timestamp, repeatable")
	cmd.Flags().StringVar(&converter, "converter", "", "timestamp converter (identity, week_end, month_end)")
	return cmd
}

func printSnapshots(w io.Writer, snapshots map[string][]history.Snapshot, fields []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tKEY\t"+strings.ToUpper(strings.Join(fields, "\t")))
	for _, timestamp := range slices.Sorted(maps.Keys(snapshots)) {
		for _, snapshot := range snapshots[timestamp] {
			values := make([]string, len(fields))
			for i, field := range fields {
				values[i] = snapshot.Fields[field].Text()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", timestamp, snapshot.Key, strings.Join(values, "\t"))
		}
	}
	return tw.Flush()
}

func newLeadTimeCmd(root *rootOptions) *cobra.Command {
	var (
		flags          queryFlags
		start, end     string
		includeWeekend bool
	)
	cmd := &cobra.Command{
		Use:   "leadtime <jql>",
		Short: "Compute the days between a start state and an end state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			startState, err := parseState(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			endState, err := parseState(end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}

			a, err := root.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			leadTimes, err := a.Service.LeadTimes(cmd.Context(), flags.query(args[0]), flags.fields, startState, endState)
			if err != nil {
				return err
			}
			now := a.Service.Now()
			if isWorkbook(flags.out) {
				var buf bytes.Buffer
				if err := export.WriteLeadTimes(&buf, leadTimes, includeWeekend, now); err != nil {
					return err
				}
				return atomic.WriteFile(flags.out, &buf)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSTART\tEND\tDAYS")
			for _, leadTime := range leadTimes {
				days, err := leadTime.Days(includeWeekend, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", leadTime.Key, orDash(leadTime.Start), orDash(leadTime.End), days)
			}
			return tw.Flush()
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&start, "start", "", "start state as field=value, alternatives separated by |")
	cmd.Flags().StringVar(&end, "end", "", "end state as field=value, alternatives separated by |")
	cmd.Flags().BoolVar(&includeWeekend, "include-weekend", false, "count calendar days instead of business days")
	return cmd
}

// parseState reads "status=Done" or "status=Done|Closed".
func parseState(raw string) (history.StateConfig, error) {
	field, value, ok := strings.Cut(raw, "=")
	field = strings.TrimSpace(field)
	if !ok || field == "" || value == "" {
		return history.StateConfig{}, fmt.Errorf("%w: expected field=value, got %q", domain.ErrInvalidConfig, raw)
	}
	alternatives := strings.Split(value, "|")
	if len(alternatives) == 1 {
		return history.StateConfig{Field: field, Matcher: history.Equals(domain.String(value))}, nil
	}
	values := make([]domain.Value, len(alternatives))
	for i, alternative := range alternatives {
		values[i] = domain.String(strings.TrimSpace(alternative))
	}
	return history.StateConfig{Field: field, Matcher: history.OneOf(values...)}, nil
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres cache schema",
	}
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbCfg, err := config.LoadDBConfig(root.configDir)
			if err != nil {
				return err
			}
			return db.RunMigrations(dbCfg, nil)
		},
	}
	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbCfg, err := config.LoadDBConfig(root.configDir)
			if err != nil {
				return err
			}
			return db.RollbackMigrations(dbCfg, steps, nil)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(up, down)
	return cmd
}

func isWorkbook(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".xlsx")
}

func writeJSONFile(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
