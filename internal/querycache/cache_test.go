package querycache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/storage"
	"github.com/rpattn/jiracache/internal/storage/badger"
	"github.com/rpattn/jiracache/internal/storage/jsonfile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedClock = func() time.Time {
	return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
}

func backends(t *testing.T) map[string]storage.Store {
	t.Helper()

	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	badgerStore, err := db.Open(Namespace)
	require.NoError(t, err)

	opener, err := jsonfile.NewOpener(t.TempDir())
	require.NoError(t, err)
	jsonStore, err := opener.Open(Namespace)
	require.NoError(t, err)

	return map[string]storage.Store{"badger": badgerStore, "jsonfile": jsonStore}
}

func issues(t *testing.T, prefix string, start, count int) []domain.Record {
	t.Helper()
	records := make([]domain.Record, 0, count)
	for i := start; i < start+count; i++ {
		record, err := domain.RecordFromMap(map[string]any{"key": fmt.Sprintf("%s%d", prefix, i)})
		require.NoError(t, err)
		records = append(records, record)
	}
	return records
}

func page(t *testing.T, start, total, count int) domain.Page {
	return domain.Page{StartOffset: start, Total: total, Records: issues(t, "TEST-A-", start, count)}
}

func TestIncrementalPages(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cache := New(store, WithClock(fixedClock))
			key := domain.QueryKey{Query: "project = TEST-A", Expand: "changelog"}

			steps := []struct {
				page    domain.Page
				records int
				hasNext bool
			}{
				{page(t, 0, 30, 10), 10, true},
				{page(t, 10, 30, 10), 20, true},
				{page(t, 20, 30, 10), 30, false},
			}
			for _, step := range steps {
				require.NoError(t, cache.AddPage(ctx, key, step.page))

				result, ok, err := cache.GetAllPages(ctx, key, 0)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, 0, result.StartOffset)
				assert.Equal(t, 30, result.Total)
				assert.Len(t, result.Records, step.records)
				assert.Equal(t, step.hasNext, result.HasNext())
			}

			result, _, err := cache.GetAllPages(ctx, key, 0)
			require.NoError(t, err)
			assert.Equal(t, 3, result.PageCount)
			assert.Equal(t, "TEST-A-0", result.Records[0].Key())
			assert.Equal(t, "TEST-A-29", result.Records[29].Key())
			assert.Equal(t, "2024-03-15T12:00:00.000000+00:00", result.Timestamp)
		})
	}
}

func TestGapStopsAccumulation(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cache := New(store)
			key := domain.QueryKey{Query: "project = GAP"}

			require.NoError(t, cache.AddPage(ctx, key, page(t, 20, 30, 10)))
			require.NoError(t, cache.AddPage(ctx, key, page(t, 0, 30, 10)))

			result, ok, err := cache.GetAllPages(ctx, key, 0)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Len(t, result.Records, 10)
			assert.True(t, result.HasNext())
			assert.Equal(t, 10, result.NextOffset())

			fromTwenty, ok, err := cache.GetAllPages(ctx, key, 20)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Len(t, fromTwenty.Records, 10)
			assert.False(t, fromTwenty.HasNext())

			_, ok, err = cache.GetAllPages(ctx, key, 10)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestTotalComesFromLatestPage(t *testing.T) {
	ctx := context.Background()
	cache := New(backends(t)["badger"])
	key := domain.QueryKey{Query: "project = GROW"}

	require.NoError(t, cache.AddPage(ctx, key, page(t, 0, 10, 10)))
	result, _, err := cache.GetAllPages(ctx, key, 0)
	require.NoError(t, err)
	assert.False(t, result.HasNext())

	// The backend now reports more records; the old page is kept, the total moves.
	require.NoError(t, cache.AddPage(ctx, key, page(t, 10, 15, 5)))
	result, _, err = cache.GetAllPages(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, 15, result.Total)
	assert.Len(t, result.Records, 15)
	assert.False(t, result.HasNext())
}

func TestAddPageIsIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	cache := New(backends(t)["jsonfile"])
	key := domain.QueryKey{Query: "project = UPSERT"}

	require.NoError(t, cache.AddPage(ctx, key, page(t, 0, 20, 10)))
	require.NoError(t, cache.AddPage(ctx, key, page(t, 0, 20, 10)))

	result, _, err := cache.GetAllPages(ctx, key, 0)
	require.NoError(t, err)
	assert.Len(t, result.Records, 10)
	assert.Equal(t, 1, result.PageCount)
}

func TestQueriesAreSeparatedByExpand(t *testing.T) {
	ctx := context.Background()
	cache := New(backends(t)["badger"])

	require.NoError(t, cache.AddPage(ctx, domain.QueryKey{Query: "q", Expand: "changelog"}, page(t, 0, 10, 10)))

	_, ok, err := cache.GetAllPages(ctx, domain.QueryKey{Query: "q"}, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptedPage(t *testing.T) {
	ctx := context.Background()
	store := backends(t)["badger"]
	cache := New(store)
	key := domain.QueryKey{Query: "project = BROKEN"}

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(pageKey(key.Hash(), 0), []byte(`{"start_offset":10,"total":20,"records":[]}`))
	}))

	_, _, err := cache.GetAllPages(ctx, key, 0)
	require.ErrorIs(t, err, domain.ErrCacheCorrupted)
}

func TestRemoveAllPagesAndClear(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cache := New(store)
			first := domain.QueryKey{Query: "project = ONE"}
			second := domain.QueryKey{Query: "project = TWO"}

			require.NoError(t, cache.AddPage(ctx, first, page(t, 0, 20, 10)))
			require.NoError(t, cache.AddPage(ctx, first, page(t, 10, 20, 10)))
			require.NoError(t, cache.AddPage(ctx, second, page(t, 0, 5, 5)))

			removed, err := cache.RemoveAllPages(ctx, first)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			_, ok, err := cache.GetAllPages(ctx, first, 0)
			require.NoError(t, err)
			assert.False(t, ok)

			coverage, err := cache.Coverage(ctx)
			require.NoError(t, err)
			require.Len(t, coverage, 1)
			assert.Equal(t, "project = TWO", coverage[0].Query)
			assert.Equal(t, 5, coverage[0].Records)
			assert.Equal(t, 1, coverage[0].Pages)
			assert.True(t, coverage[0].Complete())

			require.NoError(t, cache.Clear(ctx))
			_, ok, err = cache.GetAllPages(ctx, second, 0)
			require.NoError(t, err)
			assert.False(t, ok)

			coverage, err = cache.Coverage(ctx)
			require.NoError(t, err)
			assert.Empty(t, coverage)
		})
	}
}

func TestPageKeyOrdering(t *testing.T) {
	assert.Equal(t, "page/abc/000000000010", pageKey("abc", 10))
	assert.Less(t, pageKey("abc", 9), pageKey("abc", 10))
}
