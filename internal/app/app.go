// Package app wires configuration, stores, caches and the backend client.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/rpattn/jiracache/internal/batch"
	"github.com/rpattn/jiracache/internal/config"
	"github.com/rpattn/jiracache/internal/db"
	"github.com/rpattn/jiracache/internal/fieldaccess"
	"github.com/rpattn/jiracache/internal/filelock"
	"github.com/rpattn/jiracache/internal/pagination"
	"github.com/rpattn/jiracache/internal/querycache"
	"github.com/rpattn/jiracache/internal/recordcache"
	"github.com/rpattn/jiracache/internal/storage"
	"github.com/rpattn/jiracache/internal/storage/badger"
	"github.com/rpattn/jiracache/internal/storage/jsonfile"
	"github.com/rpattn/jiracache/internal/storage/postgres"
	"github.com/rpattn/jiracache/internal/timeutil"
	"github.com/rpattn/jiracache/internal/tracker"
)

// App owns every long-lived component. Close releases them.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Queries  *querycache.Cache
	Records  *recordcache.Cache
	Pages    *pagination.Controller
	Service  *Service
	Registry *fieldaccess.Registry

	closers []func() error
}

// Option adjusts wiring, mainly for tests.
type Option func(*options)

type options struct {
	searcher tracker.Searcher
	clock    timeutil.Clock
}

// WithSearcher replaces the HTTP tracker client.
func WithSearcher(searcher tracker.Searcher) Option {
	return func(o *options) { o.searcher = searcher }
}

// WithClock sets the clock of caches, pagination and batch planning.
func WithClock(clock timeutil.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// New opens the configured store and wires the caches, controller and service.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger, Registry: fieldaccess.DefaultRegistry()}

	opener, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	queryStore, err := opener.Open(querycache.Namespace)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open query store: %w", err)
	}
	recordStore, err := opener.Open(recordcache.Namespace)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	searcher := o.searcher
	if searcher == nil && !cfg.Cache.Offline {
		client, err := tracker.NewClient(tracker.Config{Hostname: cfg.Tracker.Hostname, Timeout: cfg.Tracker.Timeout}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		searcher = client
	}
	if searcher != nil && cfg.Tracker.LockFile != "" {
		searcher = tracker.WithLock(searcher, filelock.New(cfg.Tracker.LockFile))
	}

	a.Queries = querycache.New(queryStore, querycache.WithClock(o.clock), querycache.WithLogger(logger))
	var recordSearcher tracker.Searcher
	if !cfg.Cache.Offline {
		recordSearcher = searcher
	}
	a.Records = recordcache.New(recordStore, recordSearcher, cfg.Tracker.Expand, logger)

	a.Pages, err = pagination.New(a.Queries, searcher,
		pagination.WithExpand(cfg.Tracker.Expand),
		pagination.WithPageSize(cfg.Tracker.PageSize),
		pagination.WithMaxResultSize(cfg.Tracker.MaxResultSize),
		pagination.WithOffline(cfg.Cache.Offline),
		pagination.WithClock(o.clock),
		pagination.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}

	processor := batch.NewProcessor(a.Pages, cfg.Tracker.PageSize, o.clock, logger)
	a.Service = NewService(a.Pages, processor, a.Registry, o.clock, logger)

	logger.Info("application ready",
		slog.String("backend", cfg.Cache.Backend),
		slog.Bool("offline", cfg.Cache.Offline))
	return a, nil
}

func (a *App) openStore(ctx context.Context) (storage.Opener, error) {
	cfg := a.Config
	switch cfg.Cache.Backend {
	case config.BackendBadger:
		badgerCfg := badger.DefaultConfig(filepath.Join(cfg.Cache.Dir, "badger"))
		badgerCfg.Logger = a.Logger.With(slog.String("component", "badger"))
		database, err := badger.Open(badgerCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		return database, nil

	case config.BackendJSONFile:
		opener, err := jsonfile.NewOpener(cfg.Cache.Dir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, opener.Close)
		return opener, nil

	case config.BackendPostgres:
		if err := db.RunMigrations(cfg.Database, a.Logger); err != nil {
			return nil, err
		}
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { conn.Close(); return nil })
		return postgres.NewOpener(conn), nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// Close releases stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
