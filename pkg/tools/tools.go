// Package tools implements the MCP tool surface: the search tool over
// the hybrid retrieval engine and the fetch tool over stored pages.
package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/ratelimit"
	"github.com/quarrylabs/quarry/pkg/telemetry"
	"github.com/quarrylabs/quarry/pkg/types"
)

const (
	maxQueryLen = 10000
	maxURLLen   = 200
)

// CodeRateLimited is the JSON-RPC error code used when rate limit
// denials are surfaced as protocol errors instead of tool text.
const CodeRateLimited = -32003

// ProtocolError carries a JSON-RPC error code for the protocol core
// to put on the wire.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func invalidParams(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: mcp.INVALID_PARAMS, Message: fmt.Sprintf(format, args...)}
}

func internalError(msg string) *ProtocolError {
	return &ProtocolError{Code: mcp.INTERNAL_ERROR, Message: msg}
}

// Searcher is the slice of the retrieval engine the tools need.
type Searcher interface {
	Search(ctx context.Context, query string, requestedCount int) (*types.SearchOutput, error)
}

// PageFetcher fetches stored pages by normalized URL.
type PageFetcher interface {
	PageByURL(ctx context.Context, url string) (*types.Page, error)
}

// RateChecker decides whether an identity may proceed.
type RateChecker interface {
	Check(ctx context.Context, id types.Identity) (ratelimit.Decision, error)
}

// UsageLogger records tool calls best-effort.
type UsageLogger interface {
	LogSearch(entry types.SearchLogEntry)
	LogFetch(entry types.FetchLogEntry)
}

// Config bounds the tool surface.
type Config struct {
	// AdvertisedMaxResults is the result_count cap declared in the tool
	// schema.
	AdvertisedMaxResults int

	// MaxResults is the hard retrieval cap.
	MaxResults int

	// DefaultResultCount applies when result_count is omitted.
	DefaultResultCount int

	// SurfaceRateLimitAsError returns denials as protocol errors
	// instead of tool result text. Off by default because many MCP
	// clients render tool errors poorly.
	SurfaceRateLimitAsError bool
}

// Executor runs tool calls for resolved identities.
type Executor struct {
	searcher Searcher
	pages    PageFetcher
	limiter  RateChecker
	usage    UsageLogger
	metrics  *metrics.Metrics
	tracer   *telemetry.Provider
	logger   zerolog.Logger
	cfg      Config
}

// NewExecutor wires the tool executors.
func NewExecutor(searcher Searcher, pages PageFetcher, limiter RateChecker, usage UsageLogger, m *metrics.Metrics, tracer *telemetry.Provider, logger zerolog.Logger, cfg Config) *Executor {
	if cfg.AdvertisedMaxResults <= 0 {
		cfg.AdvertisedMaxResults = 10
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.DefaultResultCount <= 0 {
		cfg.DefaultResultCount = 5
	}
	return &Executor{
		searcher: searcher,
		pages:    pages,
		limiter:  limiter,
		usage:    usage,
		metrics:  m,
		tracer:   tracer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Definitions returns the tool descriptors advertised by tools/list.
func Definitions(advertisedMax int) []mcp.Tool {
	if advertisedMax <= 0 {
		advertisedMax = 10
	}
	return []mcp.Tool{
		mcp.NewTool("search",
			mcp.WithDescription("Search the documentation corpus. Returns ranked passages with source URLs, plus additional related URLs."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Natural-language search query (1 to 10000 characters)."),
			),
			mcp.WithNumber("result_count",
				mcp.Description(fmt.Sprintf("How many results to return (1 to %d).", advertisedMax)),
				mcp.Min(1),
				mcp.Max(float64(advertisedMax)),
			),
		),
		mcp.NewTool("fetch",
			mcp.WithDescription("Fetch the full stored content of a documentation page by URL."),
			mcp.WithString("url",
				mcp.Required(),
				mcp.Description("The page URL to fetch."),
			),
		),
	}
}

// Call dispatches a tool call by name.
func (e *Executor) Call(ctx context.Context, req mcp.CallToolRequest, id types.Identity) (*mcp.CallToolResult, error) {
	switch req.Params.Name {
	case "search":
		return e.Search(ctx, req, id)
	case "fetch":
		return e.Fetch(ctx, req, id)
	default:
		return nil, &ProtocolError{Code: mcp.METHOD_NOT_FOUND, Message: fmt.Sprintf("unknown tool: %s", req.Params.Name)}
	}
}
