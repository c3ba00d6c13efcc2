// Package querycache persists pages of query results and stitches contiguous
// pages back into one result.
//
// Key layout inside the store namespace:
//
//	page/<query hash>/<start offset, 12 digits>  one domain.Page
//	meta/<query hash>                             query text, expand, latest total and timestamp
package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/storage"
	"github.com/rpattn/jiracache/internal/timeutil"
)

// Namespace is the store namespace used for query pages.
const Namespace = "queries"

const (
	pagePrefix = "page/"
	metaPrefix = "meta/"
)

// Cache is a page cache on top of a storage.Store.
type Cache struct {
	store  storage.Store
	clock  timeutil.Clock
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used to stamp pages written without a timestamp.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a cache over store.
func New(store storage.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type meta struct {
	Query     string `json:"query"`
	Expand    string `json:"expand"`
	Total     int    `json:"total"`
	Timestamp string `json:"timestamp"`
}

func pageKey(hash string, offset int) string {
	return fmt.Sprintf("%s%s/%012d", pagePrefix, hash, offset)
}

func pagesPrefix(hash string) string {
	return pagePrefix + hash + "/"
}

func metaKey(hash string) string {
	return metaPrefix + hash
}

// GetAllPages returns the contiguous run of cached pages starting at start.
// It stops at the first missing offset or once the total is reached, so the
// result may be partial; HasNext reports that. The bool is false when no page
// is stored at start.
func (c *Cache) GetAllPages(ctx context.Context, key domain.QueryKey, start int) (*domain.CachedResult, bool, error) {
	hash := key.Hash()
	var result *domain.CachedResult

	err := c.store.View(ctx, func(tx storage.Tx) error {
		info, hasMeta, err := readMeta(tx, hash)
		if err != nil {
			return err
		}

		cursor := start
		for {
			page, found, err := readPage(tx, hash, cursor)
			if err != nil {
				return err
			}
			if !found {
				break
			}
			if result == nil {
				result = &domain.CachedResult{Page: domain.Page{StartOffset: start, Records: []domain.Record{}}}
			}
			result.Records = append(result.Records, page.Records...)
			result.Total = page.Total
			result.Timestamp = page.Timestamp
			result.PageCount++

			cursor = page.NextOffset()
			if len(page.Records) == 0 {
				break
			}
			total := page.Total
			if hasMeta {
				total = info.Total
			}
			if cursor >= total {
				break
			}
		}

		if result != nil && hasMeta {
			result.Total = info.Total
			result.Timestamp = info.Timestamp
		}
		return nil
	})
	if err != nil {
		lookupTotal.WithLabelValues("error").Inc()
		return nil, false, wrapStoreError(err)
	}
	if result == nil {
		lookupTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}

	lookupTotal.WithLabelValues("hit").Inc()
	recordsServed.Add(float64(len(result.Records)))
	c.logger.Debug("query cache hit",
		slog.String("query", key.Query),
		slog.Int("start", start),
		slog.Int("records", len(result.Records)),
		slog.Int("pages", result.PageCount),
		slog.Int("total", result.Total))
	return result, true, nil
}

// AddPage upserts page at its start offset and records the page's total as
// the latest total of the query.
func (c *Cache) AddPage(ctx context.Context, key domain.QueryKey, page domain.Page) error {
	if page.StartOffset < 0 {
		return fmt.Errorf("%w: negative page offset %d", domain.ErrInvalidConfig, page.StartOffset)
	}
	if page.Timestamp == "" {
		page.Timestamp = timeutil.Format(c.clock())
	}
	if page.Records == nil {
		page.Records = []domain.Record{}
	}

	encodedPage, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("encode page %d: %w", page.StartOffset, err)
	}
	encodedMeta, err := json.Marshal(meta{
		Query:     key.Query,
		Expand:    key.Expand,
		Total:     page.Total,
		Timestamp: page.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode query metadata: %w", err)
	}

	hash := key.Hash()
	err = c.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Put(pageKey(hash, page.StartOffset), encodedPage); err != nil {
			return err
		}
		return tx.Put(metaKey(hash), encodedMeta)
	})
	if err != nil {
		return wrapStoreError(err)
	}

	pagesWritten.Inc()
	c.logger.Debug("query cache page stored",
		slog.String("query", key.Query),
		slog.Int("start", page.StartOffset),
		slog.Int("records", len(page.Records)),
		slog.Int("total", page.Total))
	return nil
}

// RemoveAllPages drops every page of one query and reports how many were removed.
func (c *Cache) RemoveAllPages(ctx context.Context, key domain.QueryKey) (int, error) {
	hash := key.Hash()
	var removed int
	err := c.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		removed, err = storage.DeletePrefix(tx, pagesPrefix(hash))
		if err != nil {
			return err
		}
		return tx.Delete(metaKey(hash))
	})
	if err != nil {
		return 0, wrapStoreError(err)
	}
	c.logger.Info("query cache entries removed", slog.String("query", key.Query), slog.Int("pages", removed))
	return removed, nil
}

// Clear drops every cached query.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Truncate(ctx); err != nil {
		return fmt.Errorf("clear query cache: %w", err)
	}
	c.logger.Info("query cache cleared")
	return nil
}

// Coverage describes what is cached for one query.
type Coverage struct {
	Query     string `json:"query"`
	Expand    string `json:"expand"`
	Total     int    `json:"total"`
	Pages     int    `json:"pages"`
	Records   int    `json:"records"`
	Timestamp string `json:"timestamp"`
}

// Complete reports whether the cached pages hold every record of the query.
func (c Coverage) Complete() bool {
	return c.Records >= c.Total
}

// Coverage lists every cached query with its page and record counts, ordered
// by query hash.
func (c *Cache) Coverage(ctx context.Context) ([]Coverage, error) {
	var out []Coverage
	err := c.store.View(ctx, func(tx storage.Tx) error {
		var metas []struct {
			hash string
			meta meta
		}
		err := tx.Scan(metaPrefix, func(key string, value []byte) error {
			var m meta
			if err := json.Unmarshal(value, &m); err != nil {
				return fmt.Errorf("%w: decode %s: %v", domain.ErrCacheCorrupted, key, err)
			}
			metas = append(metas, struct {
				hash string
				meta meta
			}{hash: strings.TrimPrefix(key, metaPrefix), meta: m})
			return nil
		})
		if err != nil {
			return err
		}

		for _, entry := range metas {
			coverage := Coverage{
				Query:     entry.meta.Query,
				Expand:    entry.meta.Expand,
				Total:     entry.meta.Total,
				Timestamp: entry.meta.Timestamp,
			}
			err := tx.Scan(pagesPrefix(entry.hash), func(key string, value []byte) error {
				var counted struct {
					Records []json.RawMessage `json:"records"`
				}
				if err := json.Unmarshal(value, &counted); err != nil {
					return fmt.Errorf("%w: decode %s: %v", domain.ErrCacheCorrupted, key, err)
				}
				coverage.Pages++
				coverage.Records += len(counted.Records)
				return nil
			})
			if err != nil {
				return err
			}
			out = append(out, coverage)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return out, nil
}

func readMeta(tx storage.Tx, hash string) (meta, bool, error) {
	value, err := tx.Get(metaKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return meta{}, false, nil
	}
	if err != nil {
		return meta{}, false, err
	}
	var m meta
	if err := json.Unmarshal(value, &m); err != nil {
		return meta{}, false, fmt.Errorf("%w: decode metadata %s: %v", domain.ErrCacheCorrupted, hash, err)
	}
	return m, true, nil
}

func readPage(tx storage.Tx, hash string, offset int) (domain.Page, bool, error) {
	key := pageKey(hash, offset)
	value, err := tx.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Page{}, false, nil
	}
	if err != nil {
		return domain.Page{}, false, err
	}

	var page domain.Page
	if err := json.Unmarshal(value, &page); err != nil {
		return domain.Page{}, false, fmt.Errorf("%w: decode %s: %v", domain.ErrCacheCorrupted, key, err)
	}
	if page.StartOffset != offset {
		return domain.Page{}, false, fmt.Errorf("%w: %s holds a page starting at %d", domain.ErrCacheCorrupted, key, page.StartOffset)
	}
	return page, true, nil
}

func wrapStoreError(err error) error {
	if errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("%w: %w", domain.ErrCacheCorrupted, err)
	}
	return fmt.Errorf("query cache: %w", err)
}
