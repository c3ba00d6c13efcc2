package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/rpattn/jiracache/internal/recordcache"
	"github.com/rpattn/jiracache/internal/storage/jsonfile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingAssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var seen string
	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), "status=418")
	assert.Contains(t, buf.String(), "path=/health")
	assert.Contains(t, buf.String(), "request_id="+seen)
}

func TestLoggingKeepsIncomingRequestID(t *testing.T) {
	incoming := uuid.NewString()
	handler := Logging(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, incoming)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, incoming, rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid\nforged")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid\nforged", rec.Header().Get(RequestIDHeader))
}

func TestRecordLoader(t *testing.T) {
	opener, err := jsonfile.NewOpener(t.TempDir())
	require.NoError(t, err)
	store, err := opener.Open(recordcache.Namespace)
	require.NoError(t, err)
	cache := recordcache.New(store, nil, "", nil)

	var loaders []*recordcache.Loader
	handler := RecordLoader(cache)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loaders = append(loaders, recordcache.LoaderFromContext(r.Context()))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Len(t, loaders, 2)
	require.NotNil(t, loaders[0])
	assert.NotSame(t, loaders[0], loaders[1])
}
