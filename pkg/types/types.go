// Package types defines the core data model shared across Quarry:
// corpus chunks and pages, retrieval results, and request identities.
package types

import (
	"fmt"
	"time"
)

// Chunk is one retrievable passage of the documentation corpus.
// Chunks are populated by an external ingestion pipeline and are
// read-only to the server.
type Chunk struct {
	// ID is the stable identifier in the corpus store.
	ID int64

	// URL is the source document URL.
	URL string

	// Content is the raw chunk body. It may be a structured envelope
	// carrying a context label and inner text (see ParseEnvelope).
	Content string

	// Similarity is the vector similarity to the query, in [0, 1].
	// Zero for keyword-search hits.
	Similarity float64
}

// Page is the full canonical document keyed by URL.
type Page struct {
	ID      int64
	URL     string
	Content string
}

// ProcessedResult is a retrieval unit produced by merging one or more
// chunks. It exists only for the lifetime of a single query.
type ProcessedResult struct {
	// ID is the identifier of the first chunk merged into this result.
	ID int64

	// URL is the representative source URL.
	URL string

	// Context is the shared context label, empty if none.
	Context string

	// Content is the merged text.
	Content string

	// MergedFrom lists every chunk id that contributed content.
	MergedFrom []int64
}

// Length returns the merged content length in bytes.
func (r *ProcessedResult) Length() int {
	return len(r.Content)
}

// Merged reports whether this result was assembled from more than one chunk.
func (r *ProcessedResult) Merged() bool {
	return len(r.MergedFrom) > 1
}

// RankedResult is a ProcessedResult together with its reranker score.
type RankedResult struct {
	ProcessedResult

	// Score is the reranker relevance score, higher is better.
	Score float64
}

// SearchOutput is the final product of the hybrid retrieval engine.
type SearchOutput struct {
	// Results are the top-ranked merged documents, at most the
	// requested count.
	Results []RankedResult

	// AdditionalURLs are source URLs of candidates that did not make
	// the ranked set, deduplicated and capped.
	AdditionalURLs []string
}

// Identity is the principal behind a request: an authenticated user or
// an anonymous caller keyed by client IP. Identities are derived per
// request and never cached beyond it.
type Identity struct {
	// Anonymous is true when no token or authorized IP matched.
	Anonymous bool

	// UserID is the authenticated user id, empty for anonymous callers.
	UserID string

	Email string
	Name  string

	// Plan is the subscription tier used for rate limiting.
	Plan string

	// Token is the credential presented, "ip-based" for IP-resolved
	// identities, empty for anonymous. Used for usage logging only.
	Token string

	// IP is the resolved client address.
	IP string
}

// Key returns the stable identifier rate limits and logs are keyed by.
func (i Identity) Key() string {
	if i.Anonymous || i.UserID == "" {
		return "ip:" + i.IP
	}
	return i.UserID
}

// String renders the identity for log fields without leaking the token.
func (i Identity) String() string {
	if i.Anonymous {
		return fmt.Sprintf("anonymous(%s)", i.IP)
	}
	return fmt.Sprintf("user(%s)", i.UserID)
}

// SearchLogEntry is a persisted record of one search tool call.
type SearchLogEntry struct {
	Identity    Identity
	Query       string
	ResultCount int
	Latency     time.Duration
	Status      int
	ErrorCode   string
}

// FetchLogEntry is a persisted record of one fetch tool call.
type FetchLogEntry struct {
	Identity     Identity
	RequestedURL string
	ActualURL    string
	PageID       int64
	Latency      time.Duration
	Status       int
	ErrorCode    string
}
