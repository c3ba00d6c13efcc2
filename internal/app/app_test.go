package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/jiracache/internal/batch"
	"github.com/rpattn/jiracache/internal/config"
	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/history"
	"github.com/rpattn/jiracache/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var march = func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }

func issue(key, created string, transitions ...[3]string) map[string]any {
	histories := make([]any, 0, len(transitions))
	for _, tr := range transitions {
		histories = append(histories, map[string]any{
			"created": tr[0],
			"items":   []any{map[string]any{"field": "status", "fromString": tr[1], "toString": tr[2]}},
		})
	}
	status := "Open"
	if len(transitions) > 0 {
		status = transitions[len(transitions)-1][2]
	}
	return map[string]any{
		"key": key,
		"fields": map[string]any{
			"created":        created,
			"resolutiondate": nil,
			"status":         map[string]any{"name": status},
		},
		"changelog": map[string]any{"histories": histories},
	}
}

// fakeTracker answers every query with the same fixed issues.
type fakeTracker struct {
	mu      sync.Mutex
	issues  []map[string]any
	queries []string
}

func (f *fakeTracker) Search(ctx context.Context, req tracker.SearchRequest) (*tracker.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req.Query)

	result := &tracker.SearchResult{StartOffset: req.StartOffset, Total: len(f.issues), Records: []domain.Record{}}
	for i := req.StartOffset; i < len(f.issues) && i < req.StartOffset+req.PageSize; i++ {
		record, err := domain.RecordFromMap(f.issues[i])
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}

func testConfig(t *testing.T, backend string) config.Config {
	cfg := config.Default()
	cfg.Tracker.Hostname = "https://jira.example.com"
	cfg.Tracker.PageSize = 2
	cfg.Cache.Backend = backend
	cfg.Cache.Dir = t.TempDir()
	return cfg
}

func newTestApp(t *testing.T, backend string, searcher tracker.Searcher) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(t, backend), nil, WithSearcher(searcher), WithClock(march))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func fixtures() []map[string]any {
	return []map[string]any{
		issue("TEST-1", "2024-01-02T09:00:00.000+0000",
			[3]string{"2024-01-03T09:00:00.000+0000", "Open", "In Progress"},
			[3]string{"2024-01-08T09:00:00.000+0000", "In Progress", "Done"}),
		issue("TEST-2", "2024-01-04T09:00:00.000+0000",
			[3]string{"2024-01-05T09:00:00.000+0000", "Open", "In Progress"}),
		issue("TEST-3", "2024-02-01T09:00:00.000+0000"),
	}
}

var statusFields = map[string]string{"status": "fields.status.name"}

func TestSearchHistory(t *testing.T) {
	for _, backend := range []string{config.BackendBadger, config.BackendJSONFile} {
		t.Run(backend, func(t *testing.T) {
			fake := &fakeTracker{issues: fixtures()}
			a := newTestApp(t, backend, fake)
			ctx := context.Background()

			page, err := a.Service.SearchHistory(ctx, Query{Query: "project = TEST", UseCache: true}, 0, statusFields)
			require.NoError(t, err)
			assert.Equal(t, 2, page.NextStartAt)
			assert.True(t, page.HasNext)
			assert.Equal(t, 3, page.Total)
			assert.Equal(t, "2024-03-15T12:00:00.000000+00:00", page.Timestamp)
			require.Len(t, page.Issues, 2)
			assert.Equal(t, "Open", page.Issues[0].Fields["status"][0].Value.Text())

			next, err := a.Service.SearchHistory(ctx, Query{Query: "project = TEST", UseCache: true}, page.NextStartAt, statusFields)
			require.NoError(t, err)
			assert.False(t, next.HasNext)
			require.Len(t, next.Issues, 1)
			assert.Equal(t, "TEST-3", next.Issues[0].Key)

			// Both pages are cached: the whole set is served without the backend.
			issues, _, err := a.Service.Histories(ctx, Query{Query: "project = TEST", UseCache: true}, statusFields)
			require.NoError(t, err)
			assert.Len(t, issues, 3)
			assert.Len(t, fake.queries, 2)
		})
	}
}

func TestSearchHistoryRejectsUnknownConverterBeforeFetching(t *testing.T) {
	fake := &fakeTracker{issues: fixtures()}
	a := newTestApp(t, config.BackendJSONFile, fake)

	_, err := a.Service.SearchHistory(context.Background(), Query{Query: "q"}, 0, map[string]string{"status": "explode(fields.status)"})
	require.ErrorIs(t, err, domain.ErrUnknownConverter)
	assert.Empty(t, fake.queries)
}

func TestSnapshots(t *testing.T) {
	a := newTestApp(t, config.BackendJSONFile, &fakeTracker{issues: fixtures()})

	snapshots, err := a.Service.Snapshots(context.Background(), Query{Query: "q"}, statusFields,
		[]string{"2024-01-04T12:00:00.000+0000", "2024-01-31T00:00:00.000+0000"}, "")
	require.NoError(t, err)

	early := snapshots["2024-01-04T12:00:00.000+0000"]
	require.Len(t, early, 2)
	assert.Equal(t, "In Progress", early[0].Fields["status"].Text())
	assert.Equal(t, "Open", early[1].Fields["status"].Text())

	late := snapshots["2024-01-31T00:00:00.000+0000"]
	require.Len(t, late, 2)
	assert.Equal(t, "Done", late[0].Fields["status"].Text())

	_, err = a.Service.Snapshots(context.Background(), Query{Query: "q"}, statusFields, nil, "")
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = a.Service.Snapshots(context.Background(), Query{Query: "q"}, statusFields, []string{"2024-05"}, "quarter_end")
	require.ErrorIs(t, err, domain.ErrUnknownConverter)
}

func TestLeadTimes(t *testing.T) {
	a := newTestApp(t, config.BackendJSONFile, &fakeTracker{issues: fixtures()})

	leadTimes, err := a.Service.LeadTimes(context.Background(), Query{Query: "q"}, statusFields,
		history.StateConfig{Field: "status", Matcher: history.Equals(domain.String("In Progress"))},
		history.StateConfig{Field: "status", Matcher: history.Equals(domain.String("Done"))})
	require.NoError(t, err)
	require.Len(t, leadTimes, 3)

	assert.Equal(t, "2024-01-03T09:00:00.000+0000", *leadTimes[0].Start)
	assert.Equal(t, "2024-01-08T09:00:00.000+0000", *leadTimes[0].End)
	assert.NotNil(t, leadTimes[1].Start)
	assert.Nil(t, leadTimes[1].End)
	assert.Nil(t, leadTimes[2].Start)

	_, err = a.Service.LeadTimes(context.Background(), Query{Query: "q"}, statusFields,
		history.StateConfig{Field: "status"}, history.StateConfig{Field: "status", Matcher: history.Equals(domain.String("Done"))})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestBatch(t *testing.T) {
	fake := &fakeTracker{issues: fixtures()}
	a := newTestApp(t, config.BackendBadger, fake)

	outcome, err := a.Service.Batch(context.Background(), batch.Config{
		StartDate:    "2024-01-01",
		BatchQuery:   "created >= {start_of_month} AND created <= {end_of_month}",
		CurrentQuery: "updated >= {start_of_month}",
	}, batch.Options{}, statusFields)
	require.NoError(t, err)

	require.Len(t, outcome.Plan, 3)
	assert.Len(t, outcome.Records, 9)
	assert.Len(t, outcome.Issues, 9)
	assert.True(t, strings.HasPrefix(fake.queries[0], "created >= 2024-01-01"))

	encoded, err := json.Marshal(outcome)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"run_id"`)
	assert.Contains(t, string(encoded), `"issues"`)
}

func TestOfflineAppNeverNeedsTracker(t *testing.T) {
	cfg := testConfig(t, config.BackendJSONFile)
	cfg.Tracker.Hostname = ""
	cfg.Cache.Offline = true

	a, err := New(context.Background(), cfg, nil, WithClock(march))
	require.NoError(t, err)
	defer a.Close()

	page, err := a.Service.SearchHistory(context.Background(), Query{Query: "q"}, 0, statusFields)
	require.NoError(t, err)
	assert.Empty(t, page.Issues)
	assert.False(t, page.HasNext)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Log.Format = "json"
	NewLogger(cfg, &buf).Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	cfg.Log = config.LogConfig{Level: "warn", Format: "text"}
	logger := NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
