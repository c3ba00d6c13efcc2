// Package tracker talks to the issue tracker's search API.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/jiracache/internal/auth"
	"github.com/rpattn/jiracache/internal/domain"
)

const searchPath = "/rest/api/2/search"

// SearchRequest is one page request against the search API.
type SearchRequest struct {
	Query       string
	Expand      string
	PageSize    int
	StartOffset int
}

// SearchResult is one page as reported by the backend.
type SearchResult struct {
	StartOffset int
	Total       int
	Records     []domain.Record
}

// Searcher runs one page of a query. Implementations take the credential
// from the context (see auth.ContextWithCredential).
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
}

// Config configures a Client.
type Config struct {
	Hostname string
	Timeout  time.Duration
}

// Client is a Searcher over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a client for the tracker at cfg.Hostname.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.Hostname), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: tracker hostname is required", domain.ErrInvalidConfig)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("%w: invalid tracker hostname %q: %v", domain.ErrInvalidConfig, cfg.Hostname, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		logger:     logger,
	}, nil
}

type searchResponse struct {
	StartAt int             `json:"startAt"`
	Total   int             `json:"total"`
	Issues  []domain.Record `json:"issues"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// Search fetches one page. Failures are returned as *domain.FetchError; there
// are no retries.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	params := url.Values{}
	params.Set("jql", req.Query)
	if req.Expand != "" {
		params.Set("expand", req.Expand)
	}
	if req.PageSize > 0 {
		params.Set("maxResults", strconv.Itoa(req.PageSize))
	}
	params.Set("startAt", strconv.Itoa(req.StartOffset))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+searchPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &domain.FetchError{Query: req.Query, Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if credential, ok := auth.CredentialFromContext(ctx); ok {
		credential.Apply(httpReq)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &domain.FetchError{Query: req.Query, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &domain.FetchError{
			Status:  resp.StatusCode,
			Message: errorMessage(resp.StatusCode, body),
			Query:   req.Query,
		}
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &domain.FetchError{
			Status:  resp.StatusCode,
			Message: "invalid search response",
			Query:   req.Query,
			Err:     err,
		}
	}
	if decoded.Issues == nil {
		decoded.Issues = []domain.Record{}
	}

	c.logger.Debug("tracker search",
		slog.String("query", req.Query),
		slog.Int("start", decoded.StartAt),
		slog.Int("records", len(decoded.Issues)),
		slog.Int("total", decoded.Total),
		slog.Duration("duration", time.Since(started)))

	return &SearchResult{
		StartOffset: decoded.StartAt,
		Total:       decoded.Total,
		Records:     decoded.Issues,
	}, nil
}

func errorMessage(status int, body []byte) string {
	var decoded errorResponse
	if err := json.Unmarshal(body, &decoded); err == nil {
		messages := append([]string{}, decoded.ErrorMessages...)
		for field, message := range decoded.Errors {
			messages = append(messages, field+": "+message)
		}
		if len(messages) > 0 {
			return strings.Join(messages, "; ")
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}
