package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/jiracache/internal/app"
	"github.com/rpattn/jiracache/internal/auth"
	"github.com/rpattn/jiracache/internal/config"
	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/export"
	"github.com/rpattn/jiracache/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	mu          sync.Mutex
	issues      []map[string]any
	err         error
	queries     []string
	credentials []auth.Credential
}

func (f *fakeSearcher) Search(ctx context.Context, req tracker.SearchRequest) (*tracker.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req.Query)
	credential, _ := auth.CredentialFromContext(ctx)
	f.credentials = append(f.credentials, credential)
	if f.err != nil {
		return nil, f.err
	}

	matching := f.issues
	if strings.HasPrefix(req.Query, "key in") {
		matching = nil
		for _, issue := range f.issues {
			if strings.Contains(req.Query, `"`+issue["key"].(string)+`"`) {
				matching = append(matching, issue)
			}
		}
	}

	result := &tracker.SearchResult{StartOffset: req.StartOffset, Total: len(matching), Records: []domain.Record{}}
	for i := req.StartOffset; i < len(matching) && i < req.StartOffset+req.PageSize; i++ {
		record, err := domain.RecordFromMap(matching[i])
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}

func issue(key, created string, transitions ...[3]string) map[string]any {
	histories := make([]any, 0, len(transitions))
	for _, tr := range transitions {
		histories = append(histories, map[string]any{
			"created": tr[0],
			"items":   []any{map[string]any{"field": "status", "fromString": tr[1], "toString": tr[2]}},
		})
	}
	return map[string]any{
		"key":       key,
		"fields":    map[string]any{"created": created, "resolutiondate": nil, "status": map[string]any{"name": "Open"}},
		"changelog": map[string]any{"histories": histories},
	}
}

func fixtures() []map[string]any {
	return []map[string]any{
		issue("TEST-1", "2024-01-02T09:00:00.000+0000",
			[3]string{"2024-01-03T09:00:00.000+0000", "Open", "In Progress"},
			[3]string{"2024-01-05T09:00:00.000+0000", "In Progress", "Review"}),
		issue("TEST-2", "2024-01-04T09:00:00.000+0000",
			[3]string{"2024-01-05T09:00:00.000+0000", "Open", "In Progress"},
			[3]string{"2024-01-12T09:00:00.000+0000", "In Progress", "Done"}),
		issue("TEST-3", "2024-02-01T09:00:00.000+0000"),
	}
}

func newServer(t *testing.T, searcher *fakeSearcher) http.Handler {
	t.Helper()
	cfg := config.Default()
	cfg.Tracker.Hostname = "https://jira.example.com"
	cfg.Cache.Backend = config.BackendJSONFile
	cfg.Cache.Dir = t.TempDir()

	clock := func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }
	a, err := app.New(context.Background(), cfg, nil, app.WithSearcher(searcher), app.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	return New(a.Service, a.Queries, a.Records, a.Pages.Expand(), nil).Routes()
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), target), rec.Body.String())
}

func searchBody(pageSize int) map[string]any {
	return map[string]any{
		"jql":      "project = TEST",
		"useCache": true,
		"pageSize": pageSize,
		"fields":   map[string]string{"status": "fields.status.name"},
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, newServer(t, &fakeSearcher{}), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSearchHistory(t *testing.T) {
	searcher := &fakeSearcher{issues: fixtures()}
	h := newServer(t, searcher)

	rec := do(t, h, http.MethodPost, "/rest/jira/history/search/0", searchBody(2))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page struct {
		NextStartAt int  `json:"nextStartAt"`
		HasNext     bool `json:"hasNext"`
		Total       int  `json:"total"`
		Issues      []struct {
			Key string `json:"key"`
		} `json:"issues"`
	}
	decodeBody(t, rec, &page)
	assert.Equal(t, 2, page.NextStartAt)
	assert.True(t, page.HasNext)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Issues, 2)
	assert.Equal(t, "TEST-1", page.Issues[0].Key)

	require.Len(t, searcher.credentials, 1)
	assert.Equal(t, "secret-token", searcher.credentials[0].Token)
}

func TestSearchHistoryValidation(t *testing.T) {
	h := newServer(t, &fakeSearcher{issues: fixtures()})

	rec := do(t, h, http.MethodPost, "/rest/jira/history/search/0", map[string]any{"jql": "project = TEST"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Contains(t, body["error"], "useCache, pageSize, fields")

	rec = do(t, h, http.MethodPost, "/rest/jira/history/search/minus", searchBody(2))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/rest/jira/history/search/0", searchBody(0))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	payload := searchBody(2)
	payload["fields"] = map[string]string{"status": "explode(fields.status)"}
	rec = do(t, h, http.MethodPost, "/rest/jira/history/search/0", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/rest/jira/history/search/0", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackendFailureIsBadGateway(t *testing.T) {
	h := newServer(t, &fakeSearcher{err: &domain.FetchError{Status: http.StatusInternalServerError, Message: "boom"}})

	rec := do(t, h, http.MethodPost, "/rest/jira/history/search/0", searchBody(2))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestInvalidCredentialIsRejected(t *testing.T) {
	h := newServer(t, &fakeSearcher{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Basic !!!")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSnapshots(t *testing.T) {
	h := newServer(t, &fakeSearcher{issues: fixtures()})
	body := searchBody(50)
	body["timestamps"] = []string{"2024-01-04T00:00:00.000+0000"}

	rec := do(t, h, http.MethodPost, "/rest/jira/history/snapshots", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var snapshots map[string][]map[string]any
	decodeBody(t, rec, &snapshots)
	require.Len(t, snapshots["2024-01-04T00:00:00.000+0000"], 1)

	rec = do(t, h, http.MethodPost, "/rest/jira/history/snapshots?format=xlsx", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, export.ContentType, rec.Header().Get("Content-Type"))
	sheets, err := export.SheetNames(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Len(t, sheets, 1)

	body["converter"] = "fortnight"
	rec = do(t, h, http.MethodPost, "/rest/jira/history/snapshots", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeadTime(t *testing.T) {
	h := newServer(t, &fakeSearcher{issues: fixtures()})
	body := searchBody(50)
	body["start"] = map[string]any{"field": "status", "value": "In Progress"}
	body["end"] = map[string]any{"field": "status", "value": []string{"Review", "Done"}}
	body["includeWeekend"] = true

	rec := do(t, h, http.MethodPost, "/rest/jira/history/leadtime", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var leadTimes []struct {
		Key   string  `json:"key"`
		Start *string `json:"start"`
		End   *string `json:"end"`
		Days  int     `json:"days"`
	}
	decodeBody(t, rec, &leadTimes)
	require.Len(t, leadTimes, 3)
	assert.Equal(t, "TEST-1", leadTimes[0].Key)
	assert.Equal(t, 2, leadTimes[0].Days)
	assert.Equal(t, 7, leadTimes[1].Days)
	assert.Nil(t, leadTimes[2].Start)
	assert.Equal(t, -1, leadTimes[2].Days)

	rec = do(t, h, http.MethodPost, "/rest/jira/history/leadtime?format=xlsx", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rows, err := export.ReadRows(bytes.NewReader(rec.Body.Bytes()), "Lead times")
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	delete(body, "end")
	rec = do(t, h, http.MethodPost, "/rest/jira/history/leadtime", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatch(t *testing.T) {
	h := newServer(t, &fakeSearcher{issues: fixtures()})
	rec := do(t, h, http.MethodPost, "/rest/jira/batch", map[string]any{
		"start_date": "2024-02-01",
		"batch_jql":  "created >= {start_of_month} AND created <= {end_of_month}",
		"jql":        "updated >= {start_of_month}",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var outcome struct {
		RunID   string `json:"run_id"`
		Records []any  `json:"records"`
		Plan    []any  `json:"plan"`
	}
	decodeBody(t, rec, &outcome)
	assert.NotEmpty(t, outcome.RunID)
	assert.Len(t, outcome.Plan, 2)
	assert.Len(t, outcome.Records, 6)

	rec = do(t, h, http.MethodPost, "/rest/jira/batch", map[string]any{"start_date": "2024-02-01"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssues(t *testing.T) {
	searcher := &fakeSearcher{issues: fixtures()}
	h := newServer(t, searcher)

	rec := do(t, h, http.MethodGet, "/rest/jira/issues?keys=TEST-1,test-3", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Issues []struct {
			Key string `json:"key"`
		} `json:"issues"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Issues, 2)
	assert.Equal(t, "TEST-1", body.Issues[0].Key)
	assert.Equal(t, "TEST-3", body.Issues[1].Key)

	// Second request is served from the record store.
	rec = do(t, h, http.MethodGet, "/rest/jira/issues?keys=TEST-3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, searcher.queries, 1)

	rec = do(t, h, http.MethodGet, "/rest/jira/issues?keys=not%20a%20key", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/rest/jira/issues", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheCoverageAndClear(t *testing.T) {
	searcher := &fakeSearcher{issues: fixtures()}
	h := newServer(t, searcher)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/rest/jira/history/search/0", searchBody(50)).Code)

	rec := do(t, h, http.MethodGet, "/rest/jira/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var coverage struct {
		Queries []struct {
			Query   string `json:"query"`
			Records int    `json:"records"`
		} `json:"queries"`
	}
	decodeBody(t, rec, &coverage)
	require.Len(t, coverage.Queries, 1)
	assert.Equal(t, "project = TEST", coverage.Queries[0].Query)
	assert.Equal(t, 3, coverage.Queries[0].Records)

	rec = do(t, h, http.MethodDelete, "/rest/jira/cache?jql="+strings.ReplaceAll("project = TEST", " ", "+"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/rest/jira/cache", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/rest/jira/cache", nil)
	decodeBody(t, rec, &coverage)
	assert.Empty(t, coverage.Queries)
}
