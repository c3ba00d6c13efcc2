// Package pagination fetches query results page by page, serving cached pages
// and filling the cache from the backend on a miss.
package pagination

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rpattn/jiracache/internal/auth"
	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/querycache"
	"github.com/rpattn/jiracache/internal/timeutil"
	"github.com/rpattn/jiracache/internal/tracker"
)

const (
	// DefaultPageSize is used when a request does not name a page size.
	DefaultPageSize = 200
	// DefaultMaxResultSize bounds the total a query may report.
	DefaultMaxResultSize = 700
	// DefaultExpand requests the changelog with every record.
	DefaultExpand = "changelog"
)

// Request is one GetIssues call.
type Request struct {
	Query       string
	UseCache    bool
	PageSize    int
	StartOffset int
	// FetchAll keeps fetching until the backend reports no further records and
	// stores the concatenation as one page.
	FetchAll bool
}

// Controller orchestrates cache lookups and backend fetches.
type Controller struct {
	cache         *querycache.Cache
	searcher      tracker.Searcher
	expand        string
	pageSize      int
	maxResultSize int
	offline       bool
	clock         timeutil.Clock
	logger        *slog.Logger
	group         singleflight.Group
}

// Option configures a Controller.
type Option func(*Controller)

// WithExpand sets the record-set expansion requested from the backend.
func WithExpand(expand string) Option {
	return func(c *Controller) { c.expand = expand }
}

// WithPageSize sets the default page size.
func WithPageSize(size int) Option {
	return func(c *Controller) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

// WithMaxResultSize sets the largest total a query may report. Zero disables the check.
func WithMaxResultSize(size int) Option {
	return func(c *Controller) {
		if size >= 0 {
			c.maxResultSize = size
		}
	}
}

// WithOffline makes every request consult the cache and never contact the backend.
func WithOffline(offline bool) Option {
	return func(c *Controller) { c.offline = offline }
}

// WithClock sets the clock used to stamp fetched pages.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a controller. searcher may be nil only in offline mode.
func New(cache *querycache.Cache, searcher tracker.Searcher, opts ...Option) (*Controller, error) {
	c := &Controller{
		cache:         cache,
		searcher:      searcher,
		expand:        DefaultExpand,
		pageSize:      DefaultPageSize,
		maxResultSize: DefaultMaxResultSize,
		clock:         time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		return nil, fmt.Errorf("%w: pagination requires a query cache", domain.ErrInvalidConfig)
	}
	if c.searcher == nil && !c.offline {
		return nil, fmt.Errorf("%w: pagination requires a backend searcher", domain.ErrInvalidConfig)
	}
	return c, nil
}

// Offline reports whether the controller never contacts the backend.
func (c *Controller) Offline() bool {
	return c.offline
}

// Expand returns the record-set expansion used for cache keys and backend requests.
func (c *Controller) Expand() string {
	return c.expand
}

// GetIssues returns the records at req.StartOffset: the cached run when the
// cache is consulted and holds a page there, otherwise one backend page (or
// every remaining page with FetchAll). Identical concurrent requests share
// one backend round trip and each receive their own copy of the records.
func (c *Controller) GetIssues(ctx context.Context, req Request) (*domain.CachedResult, error) {
	if req.StartOffset < 0 {
		return nil, fmt.Errorf("%w: negative start offset %d", domain.ErrInvalidConfig, req.StartOffset)
	}
	if req.PageSize <= 0 {
		req.PageSize = c.pageSize
	}

	// The shared call outlives any single caller; each caller waits on its own context.
	flight := c.group.DoChan(c.flightKey(ctx, req), func() (any, error) {
		return c.getIssues(context.WithoutCancel(ctx), req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			sharedRequests.Inc()
		}
		result := *res.Val.(*domain.CachedResult)
		result.Records = slices.Clone(result.Records)
		return &result, nil
	}
}

func (c *Controller) getIssues(ctx context.Context, req Request) (*domain.CachedResult, error) {
	key := domain.QueryKey{Query: req.Query, Expand: c.expand}
	useCache := req.UseCache || c.offline

	if useCache {
		cached, ok, err := c.cache.GetAllPages(ctx, key, req.StartOffset)
		if err != nil {
			return nil, err
		}
		if ok {
			return cached, nil
		}
	}

	if c.offline {
		c.logger.Info("offline mode, returning empty result", slog.String("query", req.Query))
		return &domain.CachedResult{Page: domain.Page{
			StartOffset: req.StartOffset,
			Total:       req.StartOffset,
			Records:     []domain.Record{},
			Timestamp:   timeutil.Format(c.clock()),
		}}, nil
	}

	page, fetched, err := c.fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	if useCache {
		if err := c.cache.AddPage(ctx, key, page); err != nil {
			return nil, err
		}
	}
	return &domain.CachedResult{Page: page, PageCount: fetched}, nil
}

// fetch reads one page, or with FetchAll every page from req.StartOffset on,
// and reports how many backend pages it took.
func (c *Controller) fetch(ctx context.Context, req Request) (domain.Page, int, error) {
	page := domain.Page{StartOffset: req.StartOffset, Records: []domain.Record{}}
	cursor := req.StartOffset
	fetched := 0

	for {
		result, err := c.search(ctx, req, cursor)
		if err != nil {
			return domain.Page{}, fetched, err
		}
		fetched++
		page.Records = append(page.Records, result.Records...)
		page.Total = result.Total
		page.Timestamp = timeutil.Format(c.clock())

		if !req.FetchAll || len(result.Records) == 0 || !page.HasNext() {
			break
		}
		cursor = page.NextOffset()
	}

	c.logger.Info("fetched issues from backend",
		slog.String("query", req.Query),
		slog.Int("start", req.StartOffset),
		slog.Int("records", len(page.Records)),
		slog.Int("total", page.Total),
		slog.Int("pages", fetched))
	return page, fetched, nil
}

func (c *Controller) search(ctx context.Context, req Request, start int) (*tracker.SearchResult, error) {
	started := time.Now()
	result, err := c.searcher.Search(ctx, tracker.SearchRequest{
		Query:       req.Query,
		Expand:      c.expand,
		PageSize:    req.PageSize,
		StartOffset: start,
	})
	backendDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		backendRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if c.maxResultSize > 0 && result.Total > c.maxResultSize {
		backendRequests.WithLabelValues("too_large").Inc()
		return nil, &domain.FetchError{
			Query:   req.Query,
			Message: fmt.Sprintf("result set is too large: %d over %d", result.Total, c.maxResultSize),
			Err:     domain.ErrResultTooLarge,
		}
	}
	backendRequests.WithLabelValues("ok").Inc()
	return result, nil
}

// Paginate walks the whole result set from offset 0 and returns every record
// with the timestamp of the last page read.
func (c *Controller) Paginate(ctx context.Context, query string, useCache bool, pageSize int) ([]domain.Record, string, error) {
	records := []domain.Record{}
	start := 0
	for {
		page, err := c.GetIssues(ctx, Request{
			Query:       query,
			UseCache:    useCache,
			PageSize:    pageSize,
			StartOffset: start,
		})
		if err != nil {
			return nil, "", fmt.Errorf("paginate from %d: %w", start, err)
		}
		records = append(records, page.Records...)
		if !page.HasNext() || len(page.Records) == 0 {
			return records, page.Timestamp, nil
		}
		start = page.NextOffset()
	}
}

func (c *Controller) flightKey(ctx context.Context, req Request) string {
	h := sha256.New()
	if credential, ok := auth.CredentialFromContext(ctx); ok {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", credential.Token, credential.User, credential.Password)
	}
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%t\x00%t", c.expand, req.Query, req.StartOffset, req.PageSize, req.FetchAll, req.UseCache)
	return hex.EncodeToString(h.Sum(nil))
}
