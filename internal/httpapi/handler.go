// Package httpapi exposes history search, snapshots, lead times, batch runs
// and cache maintenance as JSON over HTTP.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpattn/jiracache/internal/app"
	"github.com/rpattn/jiracache/internal/auth"
	"github.com/rpattn/jiracache/internal/batch"
	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/export"
	"github.com/rpattn/jiracache/internal/history"
	"github.com/rpattn/jiracache/internal/middleware"
	"github.com/rpattn/jiracache/internal/querycache"
	"github.com/rpattn/jiracache/internal/recordcache"
)

const maxBodyBytes = 1 << 20

// Handler serves the API.
type Handler struct {
	service *app.Service
	queries *querycache.Cache
	records *recordcache.Cache
	expand  string
	logger  *slog.Logger
}

// New creates the API handler. expand must match the pagination controller's
// expansion so cache removal addresses the same entries.
func New(service *app.Service, queries *querycache.Cache, records *recordcache.Cache, expand string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, queries: queries, records: records, expand: expand, logger: logger}
}

// Routes returns the router with request logging and credential pass-through.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rest/jira/history/search/{startAt}", h.handleSearch)
	mux.HandleFunc("POST /rest/jira/history/snapshots", h.handleSnapshots)
	mux.HandleFunc("POST /rest/jira/history/leadtime", h.handleLeadTime)
	mux.HandleFunc("POST /rest/jira/batch", h.handleBatch)
	mux.Handle("GET /rest/jira/issues", middleware.RecordLoader(h.records)(http.HandlerFunc(h.handleIssues)))
	mux.HandleFunc("GET /rest/jira/cache", h.handleCoverage)
	mux.HandleFunc("DELETE /rest/jira/cache", h.handleClearCache)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return middleware.Logging(h.logger)(auth.Middleware(mux))
}

type queryPayload struct {
	JQL      *string           `json:"jql"`
	UseCache *bool             `json:"useCache"`
	PageSize *int              `json:"pageSize"`
	Fields   map[string]string `json:"fields"`
}

func (p queryPayload) validate() error {
	var missing []string
	if p.JQL == nil || strings.TrimSpace(*p.JQL) == "" {
		missing = append(missing, "jql")
	}
	if p.UseCache == nil {
		missing = append(missing, "useCache")
	}
	if p.PageSize == nil {
		missing = append(missing, "pageSize")
	} else if *p.PageSize <= 0 {
		return fmt.Errorf("%w: pageSize must be positive", domain.ErrInvalidConfig)
	}
	if p.Fields == nil {
		missing = append(missing, "fields")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: request body is missing %s", domain.ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}

func (p queryPayload) query() app.Query {
	return app.Query{Query: *p.JQL, UseCache: *p.UseCache, PageSize: *p.PageSize}
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	startAt, err := strconv.Atoi(r.PathValue("startAt"))
	if err != nil || startAt < 0 {
		h.writeError(w, r, fmt.Errorf("%w: invalid startAt %q", domain.ErrInvalidConfig, r.PathValue("startAt")))
		return
	}
	var payload queryPayload
	if !h.decode(w, r, &payload) {
		return
	}
	if err := payload.validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.service.SearchHistory(r.Context(), payload.query(), startAt, payload.Fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type snapshotPayload struct {
	queryPayload
	Timestamps []string `json:"timestamps"`
	Converter  string   `json:"converter"`
}

func (h *Handler) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	var payload snapshotPayload
	if !h.decode(w, r, &payload) {
		return
	}
	if err := payload.validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	snapshots, err := h.service.Snapshots(r.Context(), payload.query(), payload.Fields, payload.Timestamps, payload.Converter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if wantsWorkbook(r) {
		fields := make([]string, 0, len(payload.Fields))
		for name := range payload.Fields {
			fields = append(fields, name)
		}
		slices.Sort(fields)
		h.writeWorkbook(w, r, "snapshots.xlsx", func(buf *bytes.Buffer) error {
			return export.WriteSnapshots(buf, snapshots, fields)
		})
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// statePayload is {"field": "status", "value": "Done"}; a list value matches
// any of its items.
type statePayload struct {
	Field string        `json:"field"`
	Value *domain.Value `json:"value"`
}

func (s *statePayload) config(name string) (history.StateConfig, error) {
	if s == nil || s.Field == "" || s.Value == nil {
		return history.StateConfig{}, fmt.Errorf("%w: %s needs field and value", domain.ErrInvalidConfig, name)
	}
	if s.Value.IsList() {
		return history.StateConfig{Field: s.Field, Matcher: history.OneOf(s.Value.Items()...)}, nil
	}
	return history.StateConfig{Field: s.Field, Matcher: history.Equals(*s.Value)}, nil
}

type leadTimePayload struct {
	queryPayload
	Start          *statePayload `json:"start"`
	End            *statePayload `json:"end"`
	IncludeWeekend bool          `json:"includeWeekend"`
}

type leadTimeResponse struct {
	history.LeadTime
	Days int `json:"days"`
}

func (h *Handler) handleLeadTime(w http.ResponseWriter, r *http.Request) {
	var payload leadTimePayload
	if !h.decode(w, r, &payload) {
		return
	}
	if err := payload.validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	start, err := payload.Start.config("start")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	end, err := payload.End.config("end")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	leadTimes, err := h.service.LeadTimes(r.Context(), payload.query(), payload.Fields, start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.service.Now()
	if wantsWorkbook(r) {
		h.writeWorkbook(w, r, "leadtimes.xlsx", func(buf *bytes.Buffer) error {
			return export.WriteLeadTimes(buf, leadTimes, payload.IncludeWeekend, now)
		})
		return
	}

	out := make([]leadTimeResponse, 0, len(leadTimes))
	for _, leadTime := range leadTimes {
		days, err := leadTime.Days(payload.IncludeWeekend, now)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err))
			return
		}
		out = append(out, leadTimeResponse{LeadTime: leadTime, Days: days})
	}
	writeJSON(w, http.StatusOK, out)
}

type batchPayload struct {
	batch.Config
	ReloadAll         bool              `json:"reloadAll"`
	KeepCurrentCached bool              `json:"keepCurrentCached"`
	Fields            map[string]string `json:"fields"`
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var payload batchPayload
	if !h.decode(w, r, &payload) {
		return
	}
	outcome, err := h.service.Batch(r.Context(), payload.Config, batch.Options{
		ReloadAll:         payload.ReloadAll,
		KeepCurrentCached: payload.KeepCurrentCached,
	}, payload.Fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleIssues(w http.ResponseWriter, r *http.Request) {
	var keys []string
	for _, key := range strings.Split(r.URL.Query().Get("keys"), ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: keys is required", domain.ErrInvalidConfig))
		return
	}
	for _, key := range keys {
		if !recordcache.ValidKey(key) {
			h.writeError(w, r, fmt.Errorf("%w: invalid issue key %q", domain.ErrInvalidConfig, key))
			return
		}
	}

	loader := recordcache.LoaderFromContext(r.Context())
	records, err := loader.LoadMany(r.Context(), keys)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": records})
}

func (h *Handler) handleCoverage(w http.ResponseWriter, r *http.Request) {
	coverage, err := h.queries.Coverage(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if coverage == nil {
		coverage = []querycache.Coverage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": coverage})
}

// handleClearCache drops one query's pages when ?jql= is given, otherwise
// every cached query and record.
func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if jql := r.URL.Query().Get("jql"); jql != "" {
		removed, err := h.queries.RemoveAllPages(r.Context(), domain.QueryKey{Query: jql, Expand: h.expand})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
		return
	}

	if err := h.queries.Clear(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.records.Clear(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(target); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidConfig, err))
		return false
	}
	return true
}

func (h *Handler) writeWorkbook(w http.ResponseWriter, r *http.Request, name string, write func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidConfig),
		errors.Is(err, domain.ErrUnknownConverter),
		errors.Is(err, domain.ErrFieldNotFound):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrResultTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func wantsWorkbook(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("format"), "xlsx")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
