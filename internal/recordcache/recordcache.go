// Package recordcache keeps single issues by key and loads them in batches.
package recordcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/storage"
	"github.com/rpattn/jiracache/internal/tracker"
)

// Namespace is the store namespace used for records.
const Namespace = "records"

const recordPrefix = "record/"

// maxBatch bounds the keys of one backend query.
const maxBatch = 100

var issueKeyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*-[0-9]+$`)

// ValidKey reports whether key looks like an issue key ("PROJ-42").
func ValidKey(key string) bool {
	return issueKeyPattern.MatchString(key)
}

// Cache stores records by key and fetches misses from the backend.
type Cache struct {
	store    storage.Store
	searcher tracker.Searcher
	expand   string
	logger   *slog.Logger
}

// New creates a record cache. searcher may be nil, in which case misses stay misses.
func New(store storage.Store, searcher tracker.Searcher, expand string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, searcher: searcher, expand: expand, logger: logger}
}

func recordKey(key string) string {
	return recordPrefix + strings.ToUpper(key)
}

// Put stores records, replacing earlier versions.
func (c *Cache) Put(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	encoded := make(map[string][]byte, len(records))
	for _, record := range records {
		if record.Key() == "" {
			continue
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", record.Key(), err)
		}
		encoded[recordKey(record.Key())] = data
	}
	err := c.store.Update(ctx, func(tx storage.Tx) error {
		for key, data := range encoded {
			if err := tx.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store records: %w", err)
	}
	return nil
}

// Lookup returns the stored records among keys. Missing keys are absent from the map.
func (c *Cache) Lookup(ctx context.Context, keys []string) (map[string]domain.Record, error) {
	found := make(map[string]domain.Record, len(keys))
	err := c.store.View(ctx, func(tx storage.Tx) error {
		for _, key := range keys {
			data, err := tx.Get(recordKey(key))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var record domain.Record
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("%w: decode record %s: %v", domain.ErrCacheCorrupted, key, err)
			}
			found[strings.ToUpper(key)] = record
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("look up records: %w", err)
	}
	return found, nil
}

// Fetch returns the records for keys, serving stored ones and fetching the
// rest with one backend query, paged as the backend requires. Fetched records
// are stored.
func (c *Cache) Fetch(ctx context.Context, keys []string) (map[string]domain.Record, error) {
	for _, key := range keys {
		if !ValidKey(key) {
			return nil, fmt.Errorf("%w: invalid issue key %q", domain.ErrInvalidConfig, key)
		}
	}

	found, err := c.Lookup(ctx, keys)
	if err != nil {
		return nil, err
	}

	var missing []string
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		upper := strings.ToUpper(key)
		if _, ok := found[upper]; ok || seen[upper] {
			continue
		}
		seen[upper] = true
		missing = append(missing, upper)
	}
	if len(missing) == 0 || c.searcher == nil {
		return found, nil
	}

	fetched, err := c.search(ctx, missing)
	if err != nil {
		return nil, err
	}
	if err := c.Put(ctx, fetched); err != nil {
		return nil, err
	}
	for _, record := range fetched {
		found[strings.ToUpper(record.Key())] = record
	}

	c.logger.Debug("record cache filled",
		slog.Int("requested", len(keys)),
		slog.Int("missing", len(missing)),
		slog.Int("fetched", len(fetched)))
	return found, nil
}

// search pages through the key query; the backend may cap a page below len(keys).
func (c *Cache) search(ctx context.Context, keys []string) ([]domain.Record, error) {
	query := KeyQuery(keys)
	var records []domain.Record
	start := 0
	for {
		result, err := c.searcher.Search(ctx, tracker.SearchRequest{
			Query:       query,
			Expand:      c.expand,
			PageSize:    len(keys),
			StartOffset: start,
		})
		if err != nil {
			return nil, err
		}
		records = append(records, result.Records...)
		start += len(result.Records)
		if len(result.Records) == 0 || start >= result.Total {
			return records, nil
		}
	}
}

// Clear drops every stored record.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Truncate(ctx); err != nil {
		return fmt.Errorf("clear record cache: %w", err)
	}
	return nil
}

// KeyQuery builds `key in ("A-1", "B-2")`.
func KeyQuery(keys []string) string {
	quoted := make([]string, len(keys))
	for i, key := range keys {
		quoted[i] = `"` + key + `"`
	}
	return "key in (" + strings.Join(quoted, ", ") + ")"
}

// Loader batches the key lookups of one request into one Fetch.
type Loader struct {
	loader *dataloader.Loader
}

// NewLoader returns a loader over cache. Create one per request; loaded
// records are memoized for the loader's lifetime.
func NewLoader(cache *Cache) *Loader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		found, err := cache.Fetch(ctx, keys.Keys())
		results := make([]*dataloader.Result, len(keys))
		for i, key := range keys {
			if err != nil {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			if record, ok := found[strings.ToUpper(key.String())]; ok {
				results[i] = &dataloader.Result{Data: record}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	return &Loader{loader: dataloader.NewBatchedLoader(batchFn,
		dataloader.WithWait(5*time.Millisecond),
		dataloader.WithBatchCapacity(maxBatch))}
}

// Load returns the record for key. The bool is false when the backend does
// not know the key.
func (l *Loader) Load(ctx context.Context, key string) (domain.Record, bool, error) {
	data, err := l.loader.Load(ctx, dataloader.StringKey(key))()
	if err != nil {
		return domain.Record{}, false, err
	}
	record, ok := data.(domain.Record)
	return record, ok, nil
}

// LoadMany resolves keys in order; unknown keys are skipped.
func (l *Loader) LoadMany(ctx context.Context, keys []string) ([]domain.Record, error) {
	data, errs := l.loader.LoadMany(ctx, dataloader.NewKeysFromStrings(keys))()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	records := make([]domain.Record, 0, len(data))
	for _, item := range data {
		if record, ok := item.(domain.Record); ok {
			records = append(records, record)
		}
	}
	return records, nil
}

type contextKey string

const loaderKey contextKey = "recordLoader"

// ContextWithLoader stores a loader in the context.
func ContextWithLoader(ctx context.Context, loader *Loader) context.Context {
	return context.WithValue(ctx, loaderKey, loader)
}

// LoaderFromContext retrieves the loader stored by ContextWithLoader.
func LoaderFromContext(ctx context.Context) *Loader {
	if l, ok := ctx.Value(loaderKey).(*Loader); ok {
		return l
	}
	return nil
}
