package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/export"
	"github.com/rpattn/jiracache/internal/querycache"
	"github.com/rpattn/jiracache/internal/storage/jsonfile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offlineEnv points the CLI at an offline jsonfile cache in a temp dir.
func offlineEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("JIRACACHE_CACHE_BACKEND", "jsonfile")
	t.Setenv("JIRACACHE_CACHE_DIR", dir)
	t.Setenv("JIRACACHE_TRACKER_HOSTNAME", "")
	t.Setenv("JIRACACHE_LOG_LEVEL", "error")
	return dir
}

func seed(t *testing.T, dir, query string) {
	t.Helper()
	opener, err := jsonfile.NewOpener(dir)
	require.NoError(t, err)
	defer opener.Close()
	store, err := opener.Open(querycache.Namespace)
	require.NoError(t, err)

	record, err := domain.RecordFromMap(map[string]any{
		"key": "TEST-1",
		"fields": map[string]any{
			"created":        "2024-01-02T09:00:00.000+0000",
			"resolutiondate": nil,
			"status":         map[string]any{"name": "Done"},
		},
		"changelog": map[string]any{"histories": []any{
			map[string]any{
				"created": "2024-01-03T09:00:00.000+0000",
				"items":   []any{map[string]any{"field": "status", "fromString": "Open", "toString": "In Progress"}},
			},
			map[string]any{
				"created": "2024-01-05T09:00:00.000+0000",
				"items":   []any{map[string]any{"field": "status", "fromString": "In Progress", "toString": "Done"}},
			},
		}},
	})
	require.NoError(t, err)

	cache := querycache.New(store)
	require.NoError(t, cache.AddPage(context.Background(), domain.QueryKey{Query: query, Expand: "changelog"}, domain.Page{
		Total:     1,
		Records:   []domain.Record{record},
		Timestamp: "2024-01-10T00:00:00.000000+00:00",
	}))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", t.TempDir(), "--offline"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCacheCoverage(t *testing.T) {
	dir := offlineEnv(t)
	seed(t, dir, "project = TEST")

	out, err := run(t, "cache", "coverage")
	require.NoError(t, err)
	assert.Contains(t, out, "QUERY")
	assert.Contains(t, out, "project = TEST")

	out, err = run(t, "cache", "remove", "project = TEST")
	require.NoError(t, err)
	assert.Equal(t, "removed 1 pages\n", out)

	out, err = run(t, "cache", "clear")
	require.NoError(t, err)
	assert.Equal(t, "cache cleared\n", out)
}

func TestSnapshotFromCache(t *testing.T) {
	dir := offlineEnv(t)
	seed(t, dir, "project = TEST")

	out, err := run(t, "snapshot", "project = TEST", "--at", "2024-01-04T00:00:00.000+0000")
	require.NoError(t, err)
	assert.Contains(t, out, "TEST-1")
	assert.Contains(t, out, "In Progress")

	target := filepath.Join(t.TempDir(), "snapshots.xlsx")
	_, err = run(t, "snapshot", "project = TEST", "--at", "2024-01-04T00:00:00.000+0000", "-o", target)
	require.NoError(t, err)
	f, err := os.Open(target)
	require.NoError(t, err)
	defer f.Close()
	sheets, err := export.SheetNames(f)
	require.NoError(t, err)
	assert.Len(t, sheets, 1)

	_, err = run(t, "snapshot", "project = TEST")
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLeadTimeFromCache(t *testing.T) {
	dir := offlineEnv(t)
	seed(t, dir, "project = TEST")

	out, err := run(t, "leadtime", "project = TEST", "--start", "status=In Progress", "--end", "status=Done|Closed", "--include-weekend")
	require.NoError(t, err)
	assert.Contains(t, out, "TEST-1")
	assert.Contains(t, out, "2024-01-05T09:00:00.000+0000")

	target := filepath.Join(t.TempDir(), "lead.xlsx")
	_, err = run(t, "leadtime", "project = TEST", "--start", "status=In Progress", "--end", "status=Done", "-o", target)
	require.NoError(t, err)
	f, err := os.Open(target)
	require.NoError(t, err)
	defer f.Close()
	rows, err := export.ReadRows(f, "Lead times")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = run(t, "leadtime", "project = TEST", "--start", "status", "--end", "status=Done")
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestBatchValidation(t *testing.T) {
	offlineEnv(t)
	_, err := run(t, "batch", "--start-date", "2024-01-01")
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestParseState(t *testing.T) {
	state, err := parseState("status=Done")
	require.NoError(t, err)
	assert.Equal(t, "status", state.Field)
	require.NoError(t, state.Validate())

	state, err = parseState("status = Done | Closed")
	require.NoError(t, err)
	assert.Equal(t, "status", state.Field)

	for _, raw := range []string{"", "status", "=Done", "status="} {
		_, err := parseState(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidConfig, raw)
	}
}
