package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// QueryKey identifies one cached result set: the query text plus the record-set
// identity (the expansion requested from the backend).
type QueryKey struct {
	Query  string `json:"query"`
	Expand string `json:"expand"`
}

// Hash returns a stable identifier usable inside storage keys.
func (k QueryKey) Hash() string {
	sum := sha256.Sum256([]byte(k.Expand + "\x00" + k.Query))
	return hex.EncodeToString(sum[:])
}

// Page is one bounded slice of a query's result set and the unit of cache persistence.
type Page struct {
	StartOffset int      `json:"start_offset"`
	Total       int      `json:"total"`
	Records     []Record `json:"records"`
	Timestamp   string   `json:"timestamp"`
}

// NextOffset is the offset of the first record after this page.
func (p Page) NextOffset() int {
	return p.StartOffset + len(p.Records)
}

// HasNext reports whether the backend holds records beyond this page.
func (p Page) HasNext() bool {
	return p.NextOffset() < p.Total
}

// CachedResult is the contiguous union of cached pages starting at StartOffset.
type CachedResult struct {
	Page
	PageCount int `json:"page_count"`
}

// BatchQuery is one cacheable unit of a batch plan.
type BatchQuery struct {
	Query       string `json:"jql"`
	UseCache    bool   `json:"use_cache"`
	Description string `json:"description"`
}
